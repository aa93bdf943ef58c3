package namespaces

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kctesting "github.com/sttts/kcsync/internal/testing"
	"github.com/sttts/kcsync/pkg/resources"
)

func ns(name string) *resources.KubeObject {
	return resources.MustKubeObject(NamespaceAPI, kctesting.Object("v1", "Namespace", "", name, "1"))
}

func anchor(parent, child string) *resources.KubeObject {
	return resources.MustKubeObject(AnchorAPI, kctesting.Object("hnc.x-k8s.io/v1alpha2", "SubnamespaceAnchor", parent, child, "1"))
}

func names(nodes []*Node) []string {
	out := []string{}
	for _, n := range nodes {
		out = append(out, n.Name())
	}
	return out
}

type flat struct {
	Name  string
	Depth int
}

func flatten(roots []*Node) []flat {
	var out []flat
	for _, f := range Flatten(roots) {
		out = append(out, flat{f.Name(), f.Depth})
	}
	return out
}

func TestBuildAnchorMakesParent(t *testing.T) {
	roots := Build(
		[]*resources.KubeObject{ns("team-a"), ns("team-a-dev"), ns("default")},
		[]*resources.KubeObject{anchor("team-a", "team-a-dev")},
		logr.Discard(),
	)
	assert.Equal(t, []string{"default", "team-a"}, names(roots))
	assert.Equal(t, []string{"team-a-dev"}, names(roots[1].Children))
}

func TestBuildNested(t *testing.T) {
	roots := Build(
		[]*resources.KubeObject{ns("c"), ns("b"), ns("a"), ns("b2"), ns("z")},
		[]*resources.KubeObject{anchor("b", "c"), anchor("a", "b2"), anchor("a", "b")},
		logr.Discard(),
	)
	assert.Equal(t, []flat{
		{"a", 0},
		{"b", 1},
		{"c", 2},
		{"b2", 1},
		{"z", 0},
	}, flatten(roots))
}

func TestBuildMissingParentIsRoot(t *testing.T) {
	roots := Build(
		[]*resources.KubeObject{ns("orphan")},
		[]*resources.KubeObject{anchor("gone", "orphan"), anchor("orphan", "not-created-yet")},
		logr.Discard(),
	)
	assert.Equal(t, []flat{{"orphan", 0}}, flatten(roots))
}

func TestBuildBreaksCycles(t *testing.T) {
	tests := []struct {
		name    string
		ns      []string
		anchors [][2]string
		want    []flat
	}{
		{
			name:    "two-cycle",
			ns:      []string{"a", "b"},
			anchors: [][2]string{{"b", "a"}, {"a", "b"}},
			want:    []flat{{"a", 0}, {"b", 1}},
		},
		{
			name:    "three-cycle with tail",
			ns:      []string{"a", "b", "c", "d"},
			anchors: [][2]string{{"a", "b"}, {"b", "c"}, {"c", "a"}, {"c", "d"}},
			want:    []flat{{"a", 0}, {"b", 1}, {"c", 2}, {"d", 3}},
		},
		{
			name:    "self anchor",
			ns:      []string{"a"},
			anchors: [][2]string{{"a", "a"}},
			want:    []flat{{"a", 0}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var nss, anchors []*resources.KubeObject
			for _, n := range tt.ns {
				nss = append(nss, ns(n))
			}
			for _, a := range tt.anchors {
				anchors = append(anchors, anchor(a[0], a[1]))
			}
			roots := Build(nss, anchors, logr.Discard())
			assert.Equal(t, tt.want, flatten(roots))

			// every namespace appears exactly once
			assert.Len(t, Flatten(roots), len(tt.ns))
		})
	}
}

func TestBuildConflictingParents(t *testing.T) {
	roots := Build(
		[]*resources.KubeObject{ns("p1"), ns("p2"), ns("child")},
		[]*resources.KubeObject{anchor("p2", "child"), anchor("p1", "child")},
		logr.Discard(),
	)
	assert.Equal(t, []flat{{"p1", 0}, {"child", 1}, {"p2", 0}}, flatten(roots))
}

func TestFind(t *testing.T) {
	roots := Build(
		[]*resources.KubeObject{ns("a"), ns("b")},
		[]*resources.KubeObject{anchor("a", "b")},
		logr.Discard(),
	)
	n, ok := Find(roots, "b")
	require.True(t, ok)
	assert.Equal(t, "b", n.Name())
	_, ok = Find(roots, "c")
	assert.False(t, ok)
}
