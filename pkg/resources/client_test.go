package resources

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	dynamicfake "k8s.io/client-go/dynamic/fake"

	kctesting "github.com/sttts/kcsync/internal/testing"
	"github.com/sttts/kcsync/pkg/patch"
)

func newDynamicClient(t *testing.T, objs ...runtime.Object) *DynamicClient {
	t.Helper()
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(), map[schema.GroupVersionResource]string{
		configMapAPI.GroupVersionResource(): "ConfigMapList",
	}, objs...)
	return NewDynamicClient(dyn, configMapAPI, logr.Discard())
}

func TestDynamicClientCRUD(t *testing.T) {
	ctx := context.Background()
	c := newDynamicClient(t,
		kctesting.ConfigMap("a", "one", "1", map[string]string{"k": "v"}),
		kctesting.ConfigMap("b", "two", "1", nil),
	)

	all, err := c.List(ctx, configMapAPI.Collection(""))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var names []string
	for _, o := range all.Items {
		names = append(names, o.Namespace()+"/"+o.Name())
	}
	sort.Strings(names)
	if diff := cmp.Diff([]string{"a/one", "b/two"}, names); diff != "" {
		t.Fatalf("unexpected list (-want +got):\n%s", diff)
	}
	inA, err := c.List(ctx, configMapAPI.Collection("a"))
	if err != nil || len(inA.Items) != 1 {
		t.Fatalf("namespaced list: %v items, %v", len(inA.Items), err)
	}

	got, err := c.Get(ctx, configMapAPI.Object("a", "one"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SelfLink() != "/api/v1/namespaces/a/configmaps/one" {
		t.Fatalf("unexpected self link %q", got.SelfLink())
	}

	_, err = c.Get(ctx, configMapAPI.Object("a", "missing"))
	if !errors.Is(err, ErrNotFound) || !IsRequestFailed(err, http.StatusNotFound) {
		t.Fatalf("expected 404, got %v", err)
	}

	created, err := c.Create(ctx, configMapAPI.Collection("c"), kctesting.ConfigMap("", "three", "", nil))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Namespace() != "c" || created.Name() != "three" {
		t.Fatalf("unexpected created object %s", created)
	}

	patched, err := c.Patch(ctx, configMapAPI.Object("a", "one"), patch.Patch{
		{Op: patch.OpAdd, Path: "/metadata/labels", Value: map[string]any{"app": "web"}},
		{Op: patch.OpReplace, Path: "/data/k", Value: "w"},
	})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if diff := cmp.Diff(map[string]string{"app": "web"}, patched.Labels()); diff != "" {
		t.Fatalf("unexpected labels (-want +got):\n%s", diff)
	}

	if err := c.Delete(ctx, configMapAPI.Object("b", "two")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	err = c.Delete(ctx, configMapAPI.Object("b", "two"))
	if !IsRequestFailed(err, http.StatusNotFound) {
		t.Fatalf("expected 404 on second delete, got %v", err)
	}
}

func TestDynamicClientRejectsBadDescriptors(t *testing.T) {
	ctx := context.Background()
	c := newDynamicClient(t)
	if _, err := c.Get(ctx, deploymentAPI.Object("a", "x")); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected foreign kind to be rejected, got %v", err)
	}
	if _, err := c.Get(ctx, configMapAPI.Object("a", "")); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected missing name to be rejected, got %v", err)
	}
	if _, err := c.Create(ctx, configMapAPI.Collection(""), kctesting.ConfigMap("", "x", "", nil)); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected missing namespace to be rejected, got %v", err)
	}
}

func TestDynamicClientWatch(t *testing.T) {
	ctx := context.Background()
	c := newDynamicClient(t)
	w, err := c.Watch(ctx, configMapAPI.Collection("a"), "")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Stop()

	if _, err := c.Create(ctx, configMapAPI.Collection("a"), kctesting.ConfigMap("a", "x", "", nil)); err != nil {
		t.Fatalf("create: %v", err)
	}
	ev := kctesting.Receive(t, w.ResultChan(), waitTimeout, "watch event")
	if ev.Type != watch.Added {
		t.Fatalf("expected ADDED, got %s", ev.Type)
	}
}

func TestClassifyError(t *testing.T) {
	if err := classifyError(errors.New("dial tcp: refused")); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
	if classifyError(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}
