package cluster

import (
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	fakediscovery "k8s.io/client-go/discovery/fake"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	kubefake "k8s.io/client-go/kubernetes/fake"

	"github.com/sttts/kcsync/pkg/namespaces"
)

func fakeFactory(created *int) Factory {
	return func(k Key) (*Frame, error) {
		if k.ContextName == "broken" {
			return nil, errors.New("context not found")
		}
		*created++
		kube := kubefake.NewSimpleClientset()
		disco := kube.Discovery().(*fakediscovery.FakeDiscovery)
		disco.Resources = []*metav1.APIResourceList{coreResources}
		dyn := dynamicfake.NewSimpleDynamicClient(runtime.NewScheme())
		return NewForClients(nil, dyn, kube, disco, WithLogger(logr.Discard()), WithTunneler(&readyTunneler{})), nil
	}
}

func TestPoolReusesFrames(t *testing.T) {
	var created int
	p := NewPool(time.Minute, fakeFactory(&created))
	defer p.Stop()

	a := Key{KubeconfigPath: "/kc", ContextName: "a"}
	f1, err := p.Get(a)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	f2, err := p.Get(a)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if f1 != f2 || created != 1 {
		t.Fatalf("expected one frame per key, created %d", created)
	}
	if _, err := p.Get(Key{KubeconfigPath: "/kc", ContextName: "b"}); err != nil {
		t.Fatalf("get b: %v", err)
	}
	if p.Len() != 2 {
		t.Fatalf("expected 2 frames, got %d", p.Len())
	}
	if _, err := p.Get(Key{ContextName: "broken"}); err == nil {
		t.Fatalf("expected factory error")
	}
}

func TestPoolEvictsIdleFrames(t *testing.T) {
	var created int
	p := NewPool(time.Minute, fakeFactory(&created))
	defer p.Stop()
	now := time.Unix(1000, 0)
	p.now = func() time.Time { return now }

	idle := Key{ContextName: "idle"}
	busy := Key{ContextName: "busy"}
	fIdle, _ := p.Get(idle)
	fBusy, _ := p.Get(busy)

	now = now.Add(45 * time.Second)
	p.Touch(busy)
	now = now.Add(30 * time.Second)
	p.evictIdle()

	if p.Len() != 1 {
		t.Fatalf("expected the idle frame to be evicted, %d left", p.Len())
	}
	if _, err := fIdle.StoreForAPI(namespaces.NamespaceAPI); !errors.Is(err, ErrClosed) {
		t.Fatalf("evicted frame not closed: %v", err)
	}
	if _, err := fBusy.StoreForAPI(namespaces.NamespaceAPI); err != nil {
		t.Fatalf("busy frame closed: %v", err)
	}

	// a new Get after eviction builds a fresh frame
	f, err := p.Get(idle)
	if err != nil || f == fIdle || created != 3 {
		t.Fatalf("expected a new frame, created %d, err %v", created, err)
	}
}

func TestPoolStop(t *testing.T) {
	var created int
	p := NewPool(time.Minute, fakeFactory(&created))
	p.Start()
	f, _ := p.Get(Key{ContextName: "a"})

	p.Stop()
	p.Stop()
	if _, err := f.StoreForAPI(namespaces.NamespaceAPI); !errors.Is(err, ErrClosed) {
		t.Fatalf("frame not closed on stop: %v", err)
	}
	if _, err := p.Get(Key{ContextName: "a"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after stop, got %v", err)
	}
}
