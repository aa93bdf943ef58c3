// Package namespaces reconstructs the namespace hierarchy from subnamespace
// anchors: an anchor living in namespace P and named C makes P the parent of C.
package namespaces

import (
	"slices"
	"strings"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/sttts/kcsync/pkg/resources"
)

var (
	// NamespaceAPI is the core Namespace kind.
	NamespaceAPI = resources.API{
		GroupVersionKind: schema.GroupVersionKind{Version: "v1", Kind: "Namespace"},
		Resource:         "namespaces",
	}
	// AnchorAPI is the hierarchical namespace controller's SubnamespaceAnchor kind.
	AnchorAPI = resources.API{
		GroupVersionKind: schema.GroupVersionKind{Group: "hnc.x-k8s.io", Version: "v1alpha2", Kind: "SubnamespaceAnchor"},
		Resource:         "subnamespaceanchors",
		Namespaced:       true,
	}
)

// Node is one namespace in the forest.
type Node struct {
	Namespace *resources.KubeObject
	Children  []*Node
}

// Name returns the namespace name.
func (n *Node) Name() string { return n.Namespace.Name() }

// FlatNode is a node with its depth, in display order.
type FlatNode struct {
	*Node
	Depth int
}

// Build returns the roots of the namespace forest. A namespace whose parent
// is unknown is a root. Cycles in the anchor data are broken by turning the
// namespace that closes the cycle into a root; the anomaly is logged.
// Roots and children are sorted by name.
func Build(namespaces, anchors []*resources.KubeObject, log logr.Logger) []*Node {
	byName := make(map[string]*resources.KubeObject, len(namespaces))
	names := make([]string, 0, len(namespaces))
	for _, ns := range namespaces {
		if _, dup := byName[ns.Name()]; dup {
			continue
		}
		byName[ns.Name()] = ns
		names = append(names, ns.Name())
	}
	slices.Sort(names)

	parents := parentMap(anchors, log)

	// Walk every chain of ancestors once; a namespace met again on the
	// current path closes a cycle and becomes a root.
	done := make(map[string]bool, len(names))
	for _, name := range names {
		path := map[string]bool{}
		for cur := name; cur != "" && !done[cur]; {
			path[cur] = true
			p, ok := parents[cur]
			if !ok {
				break
			}
			if path[p] {
				log.Info("namespace hierarchy cycle, treating namespace as root", "namespace", p, "via", cur)
				delete(parents, p)
				break
			}
			cur = p
		}
		for n := range path {
			done[n] = true
		}
	}

	nodes := make(map[string]*Node, len(names))
	for _, name := range names {
		nodes[name] = &Node{Namespace: byName[name]}
	}
	var roots []*Node
	for _, name := range names {
		n := nodes[name]
		if p, ok := parents[name]; ok {
			if parent, known := nodes[p]; known {
				parent.Children = append(parent.Children, n)
				continue
			}
		}
		roots = append(roots, n)
	}
	return roots
}

// parentMap maps child namespace to parent namespace. Anchors are processed
// in a stable order; when two parents claim the same child, the first wins.
func parentMap(anchors []*resources.KubeObject, log logr.Logger) map[string]string {
	sorted := slices.Clone(anchors)
	slices.SortFunc(sorted, func(a, b *resources.KubeObject) int {
		if c := strings.Compare(a.Namespace(), b.Namespace()); c != 0 {
			return c
		}
		return strings.Compare(a.Name(), b.Name())
	})

	parents := make(map[string]string, len(sorted))
	for _, a := range sorted {
		child, parent := a.Name(), a.Namespace()
		if parent == "" || child == "" {
			continue
		}
		if child == parent {
			log.Info("anchor names its own namespace, ignoring", "namespace", parent)
			continue
		}
		if existing, ok := parents[child]; ok && existing != parent {
			log.Info("namespace claimed by several parents", "namespace", child, "parent", existing, "ignored", parent)
			continue
		}
		parents[child] = parent
	}
	return parents
}

// Flatten lists the forest depth-first, parents before children.
func Flatten(roots []*Node) []FlatNode {
	var out []FlatNode
	var walk func(nodes []*Node, depth int)
	walk = func(nodes []*Node, depth int) {
		for _, n := range nodes {
			out = append(out, FlatNode{Node: n, Depth: depth})
			walk(n.Children, depth+1)
		}
	}
	walk(roots, 0)
	return out
}

// Find returns the node of the named namespace.
func Find(roots []*Node, name string) (*Node, bool) {
	for _, f := range Flatten(roots) {
		if f.Name() == name {
			return f.Node, true
		}
	}
	return nil, false
}
