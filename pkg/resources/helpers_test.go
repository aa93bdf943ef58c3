package resources

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"

	kctesting "github.com/sttts/kcsync/internal/testing"
	"github.com/sttts/kcsync/pkg/patch"
)

var configMapAPI = API{
	GroupVersionKind: schema.GroupVersionKind{Version: "v1", Kind: "ConfigMap"},
	Resource:         "configmaps",
	Namespaced:       true,
}

var deploymentAPI = API{
	GroupVersionKind: schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"},
	Resource:         "deployments",
	Namespaced:       true,
}

var namespaceAPI = API{
	GroupVersionKind: schema.GroupVersionKind{Version: "v1", Kind: "Namespace"},
	Resource:         "namespaces",
}

func init() {
	kctesting.SetupLogging()
}

func configMap(ns, name, rv string) *KubeObject {
	return MustKubeObject(configMapAPI, kctesting.ConfigMap(ns, name, rv, nil))
}

func labeledConfigMap(ns, name, rv string, labels map[string]string) *KubeObject {
	u := kctesting.ConfigMap(ns, name, rv, nil)
	u.SetLabels(labels)
	return MustKubeObject(configMapAPI, u)
}

// fakeClient serves list results from memory and hands every opened watch
// to the test through watchers.
type fakeClient struct {
	api API

	mu       sync.Mutex
	list     *ObjectList
	listErr  error
	lists    int
	watchRVs []string
	patches  []patch.Patch
	deletes  int

	createFn func(body *unstructured.Unstructured) (*KubeObject, error)
	patchFn  func(d ResourceDescriptor, ops patch.Patch) (*KubeObject, error)
	deleteFn func(d ResourceDescriptor) error

	watchers chan *watch.FakeWatcher
}

func newFakeClient(api API, items ...*KubeObject) *fakeClient {
	return &fakeClient{
		api:      api,
		list:     &ObjectList{Items: items, ResourceVersion: "1"},
		watchers: make(chan *watch.FakeWatcher, 16),
	}
}

func (c *fakeClient) setList(rv string, items ...*KubeObject) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = &ObjectList{Items: items, ResourceVersion: rv}
	c.listErr = nil
}

func (c *fakeClient) setListErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listErr = err
}

func (c *fakeClient) listCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lists
}

func (c *fakeClient) lastWatchRV() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.watchRVs) == 0 {
		return ""
	}
	return c.watchRVs[len(c.watchRVs)-1]
}

func (c *fakeClient) API() API { return c.api }

func (c *fakeClient) List(ctx context.Context, d ResourceDescriptor) (*ObjectList, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lists++
	if c.listErr != nil {
		return nil, c.listErr
	}
	out := &ObjectList{ResourceVersion: c.list.ResourceVersion}
	for _, o := range c.list.Items {
		if d.Namespace == "" || o.Namespace() == d.Namespace {
			out.Items = append(out.Items, o)
		}
	}
	return out, nil
}

func (c *fakeClient) Get(ctx context.Context, d ResourceDescriptor) (*KubeObject, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.list.Items {
		if o.Namespace() == d.Namespace && o.Name() == d.Name {
			return o, nil
		}
	}
	return nil, &RequestFailedError{StatusCode: http.StatusNotFound, Message: "not found"}
}

func (c *fakeClient) Create(ctx context.Context, d ResourceDescriptor, body *unstructured.Unstructured) (*KubeObject, error) {
	if c.createFn != nil {
		return c.createFn(body)
	}
	return NewKubeObject(c.api, body)
}

func (c *fakeClient) Patch(ctx context.Context, d ResourceDescriptor, ops patch.Patch) (*KubeObject, error) {
	c.mu.Lock()
	c.patches = append(c.patches, ops)
	fn := c.patchFn
	c.mu.Unlock()
	if fn == nil {
		return nil, &RequestFailedError{StatusCode: http.StatusInternalServerError, Message: "no patch handler"}
	}
	return fn(d, ops)
}

func (c *fakeClient) Delete(ctx context.Context, d ResourceDescriptor) error {
	c.mu.Lock()
	c.deletes++
	fn := c.deleteFn
	c.mu.Unlock()
	if fn != nil {
		return fn(d)
	}
	return nil
}

func (c *fakeClient) Watch(ctx context.Context, d ResourceDescriptor, resourceVersion string) (watch.Interface, error) {
	c.mu.Lock()
	c.watchRVs = append(c.watchRVs, resourceVersion)
	c.mu.Unlock()
	w := watch.NewFakeWithChanSize(16, false)
	c.watchers <- w
	return w, nil
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Step(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// eventRecorder collects store notifications.
type eventRecorder struct {
	mu     sync.Mutex
	events []StoreEvent
}

func (r *eventRecorder) record(ev StoreEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *eventRecorder) count(t EventType) int {
	n := 0
	for _, typ := range r.types() {
		if typ == t {
			n++
		}
	}
	return n
}

func (r *eventRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func newTestStore(t *testing.T, client Client, opts ...StoreOption) *Store {
	t.Helper()
	q := NewQueue()
	t.Cleanup(q.Stop)
	opts = append([]StoreOption{WithBackoff(Backoff{Base: time.Millisecond, Cap: 10 * time.Millisecond, ResetAfter: time.Minute})}, opts...)
	s := NewStore(client, q, opts...)
	t.Cleanup(s.Stop)
	return s
}

// versions returns "namespace/name@rv" for every cached object.
func versions(s *Store) []string {
	var out []string
	for _, o := range s.Items() {
		out = append(out, o.Namespace()+"/"+o.Name()+"@"+o.ResourceVersion())
	}
	return out
}
