package resources

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/klog/v2"

	"github.com/sttts/kcsync/pkg/patch"
)

// EventType classifies a store notification.
type EventType string

const (
	Added    EventType = "Added"
	Modified EventType = "Modified"
	Deleted  EventType = "Deleted"
	Synced   EventType = "Synced" // snapshot for a scope applied
	Stale    EventType = "Stale"  // a scope lost its stream and is reconnecting
	Reset    EventType = "Reset"  // cache cleared
)

// StoreEvent is delivered to store subscribers. Object is set for Added,
// Modified and Deleted; Namespace names the scope for Synced and Stale
// ("" is the cluster-wide scope).
type StoreEvent struct {
	Type      EventType
	Object    *KubeObject
	Namespace string
}

// WatchEvent is a decoded change from the server stream.
type WatchEvent struct {
	Type   watch.EventType // watch.Added, watch.Modified or watch.Deleted
	Object *KubeObject
}

const (
	defaultPendingTTL = 30 * time.Second
	// maxSuperseded bounds the per-object history of versions known to be older than the cached one.
	maxSuperseded = 8
)

// entry is the cache slot of one self link. A nil obj is a tombstone kept
// around for pendingTTL so late or replayed data for a removed object is
// recognized.
type entry struct {
	obj *KubeObject

	// superseded holds versions that are known to precede obj.
	superseded []string

	// pending is the version written by this store that the stream has not echoed yet.
	pending string
	// pendingDelete marks a tombstone created by Remove before the DELETED event.
	pendingDelete bool
	deletedUID    types.UID
	since         time.Time
}

func (e *entry) remember(rv string) {
	if rv == "" || slices.Contains(e.superseded, rv) {
		return
	}
	e.superseded = append(e.superseded, rv)
	if len(e.superseded) > maxSuperseded {
		e.superseded = e.superseded[len(e.superseded)-maxSuperseded:]
	}
}

func (e *entry) isSuperseded(rv string) bool {
	return rv != "" && slices.Contains(e.superseded, rv)
}

// Store caches all objects of one kind, keeps them current through watch
// loops and performs CRUD with optimistic cache updates. All mutations run on
// the frame's Queue; reads take a snapshot under a read lock.
type Store struct {
	api        API
	client     Client
	queue      *Queue
	log        logr.Logger
	pendingTTL time.Duration
	backoff    Backoff
	now        func() time.Time
	after      func(time.Duration) <-chan time.Time

	mu         sync.RWMutex
	entries    map[string]*entry
	byName     map[string]string // namespace/name -> self link
	tombstones map[string]struct{}
	stale      map[string]bool

	subMu       sync.Mutex
	subscribers map[int]func(StoreEvent)
	nextSub     int

	loopMu  sync.Mutex
	loops   map[string]*watchLoop
	loaders map[string]func()
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the store logger. Watch loops derive theirs from it.
func WithLogger(log logr.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

// WithPendingTTL bounds how long an unconfirmed optimistic write shields the cache from older stream data.
func WithPendingTTL(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.pendingTTL = d
		}
	}
}

// WithBackoff sets the reconnect backoff of the store's watch loops.
func WithBackoff(b Backoff) StoreOption {
	return func(s *Store) { s.backoff = b }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore returns an empty store for client's kind. Mutations are serialized on q.
func NewStore(client Client, q *Queue, opts ...StoreOption) *Store {
	s := &Store{
		api:         client.API(),
		client:      client,
		queue:       q,
		log:         klog.Background(),
		pendingTTL:  defaultPendingTTL,
		backoff:     DefaultBackoff(),
		now:         time.Now,
		after:       time.After,
		entries:     map[string]*entry{},
		byName:      map[string]string{},
		tombstones:  map[string]struct{}{},
		stale:       map[string]bool{},
		subscribers: map[int]func(StoreEvent){},
		loops:       map[string]*watchLoop{},
		loaders:     map[string]func(){},
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.WithValues("kind", s.api.GroupKind().String())
	return s
}

// API returns the kind served by the store.
func (s *Store) API() API { return s.api }

// Client returns the client the store writes through.
func (s *Store) Client() Client { return s.client }

// Items returns the cached objects sorted by namespace and name.
func (s *Store) Items() []*KubeObject {
	s.mu.RLock()
	out := make([]*KubeObject, 0, len(s.entries))
	for _, e := range s.entries {
		if e.obj != nil {
			out = append(out, e.obj)
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *KubeObject) int {
		if c := strings.Compare(a.Namespace(), b.Namespace()); c != 0 {
			return c
		}
		return strings.Compare(a.Name(), b.Name())
	})
	return out
}

// ItemsIn returns the cached objects of one namespace.
func (s *Store) ItemsIn(namespace string) []*KubeObject {
	var out []*KubeObject
	for _, o := range s.Items() {
		if o.Namespace() == namespace {
			out = append(out, o)
		}
	}
	return out
}

// GetByID returns the object with the given self link.
func (s *Store) GetByID(selfLink string) (*KubeObject, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[selfLink]
	if !ok || e.obj == nil {
		return nil, false
	}
	return e.obj, true
}

// GetByName returns the object with the given name in namespace ("" for cluster-scoped kinds).
func (s *Store) GetByName(name, namespace string) (*KubeObject, bool) {
	s.mu.RLock()
	link, ok := s.byName[nameKey(namespace, name)]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return s.GetByID(link)
}

// Stale reports whether any scope of the store is reconnecting.
func (s *Store) Stale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.stale) > 0
}

// Subscribe registers fn for store events and returns its unsubscribe function.
// fn runs on the queue goroutine and must not block on store writes. It may
// cancel watches.
func (s *Store) Subscribe(fn func(StoreEvent)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subscribers, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) notify(events ...StoreEvent) {
	if len(events) == 0 {
		return
	}
	s.subMu.Lock()
	subs := make([]func(StoreEvent), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()
	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// scopes normalizes the namespaces a caller asks for into loop scopes.
func (s *Store) scopes(namespaces []string) []string {
	if !s.api.Namespaced || len(namespaces) == 0 {
		return []string{""}
	}
	out := make([]string, 0, len(namespaces))
	for _, ns := range namespaces {
		if ns == "" {
			return []string{""}
		}
		if !slices.Contains(out, ns) {
			out = append(out, ns)
		}
	}
	return out
}

// LoadAll makes sure the given namespaces (all namespaces when none are given)
// are loaded and kept current, and waits for their first snapshot. It is
// idempotent: repeated calls share one watch subscription per scope. When the
// first connect of a scope fails, the error is returned and the loop keeps
// retrying in the background.
func (s *Store) LoadAll(ctx context.Context, namespaces ...string) error {
	scopes := s.scopes(namespaces)
	loops := make([]*watchLoop, 0, len(scopes))

	s.loopMu.Lock()
	for _, scope := range scopes {
		if _, ok := s.loaders[scope]; !ok {
			s.loaders[scope] = s.acquireLocked(scope)
		}
		loops = append(loops, s.loops[scope])
	}
	s.loopMu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, l := range loops {
		g.Go(func() error { return l.waitAttempt(ctx) })
	}
	return g.Wait()
}

// Watch subscribes to a scope and keeps it current until the returned
// function is called. Subscriptions are reference counted per scope.
func (s *Store) Watch(namespace string) (cancel func()) {
	scope := s.scopes([]string{namespace})[0]
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	return s.acquireLocked(scope)
}

func (s *Store) acquireLocked(scope string) func() {
	l, ok := s.loops[scope]
	if !ok {
		l = newWatchLoop(s, scope)
		s.loops[scope] = l
	}
	l.refs++
	if l.refs == 1 {
		l.start()
	}

	var once sync.Once
	return func() { once.Do(func() { s.release(scope, l) }) }
}

func (s *Store) release(scope string, l *watchLoop) {
	s.loopMu.Lock()
	l.refs--
	last := l.refs == 0
	if last && s.loops[scope] == l {
		delete(s.loops, scope)
	}
	s.loopMu.Unlock()
	if last {
		l.stop()
	}
}

// LoopState returns the state of the loop serving namespace, Idle when there is none.
func (s *Store) LoopState(namespace string) LoopState {
	scope := s.scopes([]string{namespace})[0]
	s.loopMu.Lock()
	l, ok := s.loops[scope]
	s.loopMu.Unlock()
	if !ok {
		return Idle
	}
	return l.State()
}

// Stop cancels every watch loop of the store and waits for them to exit.
func (s *Store) Stop() {
	s.loopMu.Lock()
	loops := make([]*watchLoop, 0, len(s.loops))
	for _, l := range s.loops {
		loops = append(loops, l)
	}
	s.loops = map[string]*watchLoop{}
	s.loaders = map[string]func(){}
	s.loopMu.Unlock()

	for _, l := range loops {
		l.stop()
	}
}

// Reset stops all loops and clears the cache, e.g. after the cluster
// connection was replaced. Subscribers receive a Reset event.
func (s *Store) Reset(ctx context.Context) error {
	s.Stop()
	return s.queue.Run(ctx, func() {
		s.mu.Lock()
		s.entries = map[string]*entry{}
		s.byName = map[string]string{}
		s.tombstones = map[string]struct{}{}
		s.stale = map[string]bool{}
		s.mu.Unlock()
		s.notify(StoreEvent{Type: Reset})
	})
}

// ApplyEvent applies a server watch event to the cache.
func (s *Store) ApplyEvent(ctx context.Context, ev WatchEvent) error {
	if ev.Object == nil {
		return validationErrorf("watch event %s without object", ev.Type)
	}
	return s.queue.Run(ctx, func() { s.applyEvent(ev) })
}

// ApplySnapshot replaces the content of scope with a list result.
func (s *Store) ApplySnapshot(ctx context.Context, scope string, list *ObjectList) error {
	return s.queue.Run(ctx, func() { s.applySnapshot(scope, list) })
}

// Create sends obj to the server and inserts the result into the cache.
// The ADDED event that follows overwrites the entry with the same value.
func (s *Store) Create(ctx context.Context, obj *unstructured.Unstructured) (*KubeObject, error) {
	if obj == nil {
		return nil, validationErrorf("create %s: empty object", s.api.GroupKind())
	}
	created, err := s.client.Create(ctx, s.api.Object(obj.GetNamespace(), obj.GetName()), obj)
	if err != nil {
		return nil, err
	}
	s.runWrite(ctx, func() { s.applyWrite(created) })
	return created, nil
}

// Update patches target towards desired and applies the server's answer to
// the cache. Only managed fields are diffed; when nothing differs no request
// is sent and target is returned.
func (s *Store) Update(ctx context.Context, target *KubeObject, desired *unstructured.Unstructured) (*KubeObject, error) {
	if target == nil || desired == nil {
		return nil, validationErrorf("update %s: missing target or desired value", s.api.GroupKind())
	}
	ops, err := patch.Compute(target.Object(), desired.Object)
	if err != nil {
		return nil, validationErrorf("update %s: %v", s.api.GroupKind(), err)
	}
	if len(ops) == 0 {
		return target, nil
	}
	updated, err := s.client.Patch(ctx, s.api.Object(target.Namespace(), target.Name()), ops)
	if err != nil {
		return nil, err
	}
	s.runWrite(ctx, func() { s.applyWrite(updated) })
	return updated, nil
}

// Remove deletes target on the server and drops it from the cache without
// waiting for the DELETED event. Removing an object the server no longer
// knows succeeds.
func (s *Store) Remove(ctx context.Context, target *KubeObject) error {
	if target == nil {
		return validationErrorf("remove %s: no target", s.api.GroupKind())
	}
	err := s.client.Delete(ctx, s.api.Object(target.Namespace(), target.Name()))
	if err != nil && !IsRequestFailed(err, http.StatusNotFound) {
		return err
	}
	s.runWrite(ctx, func() { s.applyRemove(target) })
	return nil
}

// runWrite applies an optimistic update. The request already succeeded, so
// the caller's cancellation does not prevent the cache update.
func (s *Store) runWrite(ctx context.Context, fn func()) {
	if err := s.queue.Run(context.WithoutCancel(ctx), fn); err != nil {
		s.log.V(2).Info("optimistic update dropped", "err", err)
	}
}

func nameKey(namespace, name string) string {
	return namespace + "/" + name
}

// The methods below run on the queue goroutine.

func (s *Store) applyEvent(ev WatchEvent) {
	s.mu.Lock()
	s.pruneLocked()
	var out []StoreEvent
	switch ev.Type {
	case watch.Added, watch.Modified:
		if se, ok := s.upsertLocked(ev.Object, false); ok {
			out = append(out, se)
		}
	case watch.Deleted:
		if se, ok := s.deleteLocked(ev.Object); ok {
			out = append(out, se)
		}
	default:
		s.log.V(2).Info("ignoring watch event", "type", ev.Type)
	}
	s.mu.Unlock()
	s.notify(out...)
}

func (s *Store) applySnapshot(scope string, list *ObjectList) {
	s.mu.Lock()
	s.pruneLocked()
	var out []StoreEvent
	present := make(map[string]bool, len(list.Items))
	for _, obj := range list.Items {
		present[obj.SelfLink()] = true
		if se, ok := s.upsertLocked(obj, true); ok {
			out = append(out, se)
		}
	}
	for link, e := range s.entries {
		if e.obj == nil || present[link] {
			continue
		}
		if scope != "" && e.obj.Namespace() != scope {
			continue
		}
		if e.pending != "" {
			// written by us after the list was taken
			continue
		}
		out = append(out, StoreEvent{Type: Deleted, Object: e.obj})
		s.tombstoneLocked(link, e, e.obj.ResourceVersion())
	}
	stale := s.stale[scope]
	delete(s.stale, scope)
	s.mu.Unlock()

	if stale {
		s.log.V(2).Info("scope resynced", "namespace", scope)
	}
	out = append(out, StoreEvent{Type: Synced, Namespace: scope})
	s.notify(out...)
}

func (s *Store) markStale(scope string) {
	s.mu.Lock()
	already := s.stale[scope]
	s.stale[scope] = true
	s.mu.Unlock()
	if !already {
		s.notify(StoreEvent{Type: Stale, Namespace: scope})
	}
}

// applyWrite records an object returned by a successful create or patch.
func (s *Store) applyWrite(obj *KubeObject) {
	s.mu.Lock()
	s.pruneLocked()
	link := obj.SelfLink()
	rv := obj.ResourceVersion()
	e := s.entries[link]
	var out []StoreEvent
	switch {
	case e == nil:
		s.insertLocked(link, obj)
		s.entries[link].pending = rv
		s.entries[link].since = s.now()
		out = append(out, StoreEvent{Type: Added, Object: obj})
	case e.isSuperseded(rv):
		// the stream already delivered a newer version
	case e.obj != nil && e.obj.ResourceVersion() == rv:
		// the stream was faster
	default:
		typ := Modified
		if e.obj == nil {
			typ = Added
			delete(s.tombstones, link)
			e.pendingDelete = false
			e.deletedUID = ""
		} else {
			e.remember(e.obj.ResourceVersion())
		}
		e.obj = obj
		e.pending = rv
		e.since = s.now()
		s.byName[nameKey(obj.Namespace(), obj.Name())] = link
		out = append(out, StoreEvent{Type: typ, Object: obj})
	}
	s.mu.Unlock()
	s.notify(out...)
}

func (s *Store) applyRemove(target *KubeObject) {
	s.mu.Lock()
	s.pruneLocked()
	link := target.SelfLink()
	e := s.entries[link]
	var out []StoreEvent
	if e != nil && e.obj != nil && (target.UID() == "" || e.obj.UID() == target.UID()) {
		old := e.obj
		s.tombstoneLocked(link, e, old.ResourceVersion())
		e.pendingDelete = true
		e.deletedUID = old.UID()
		out = append(out, StoreEvent{Type: Deleted, Object: old})
	}
	s.mu.Unlock()
	s.notify(out...)
}

func (s *Store) insertLocked(link string, obj *KubeObject) {
	s.entries[link] = &entry{obj: obj}
	s.byName[nameKey(obj.Namespace(), obj.Name())] = link
}

func (s *Store) tombstoneLocked(link string, e *entry, rv string) {
	if e.obj != nil {
		key := nameKey(e.obj.Namespace(), e.obj.Name())
		if s.byName[key] == link {
			delete(s.byName, key)
		}
	}
	e.remember(rv)
	e.obj = nil
	e.pending = ""
	e.pendingDelete = false
	e.since = s.now()
	s.tombstones[link] = struct{}{}
}

// upsertLocked applies an ADDED or MODIFIED object. Resource versions are
// opaque: an incoming version is older than the cached one only if it is
// recorded as superseded, or if it arrives from the stream while an
// optimistic write has not been echoed yet (the echo follows it in server
// order).
func (s *Store) upsertLocked(obj *KubeObject, fromSnapshot bool) (StoreEvent, bool) {
	link := obj.SelfLink()
	rv := obj.ResourceVersion()
	e, ok := s.entries[link]
	if !ok {
		s.insertLocked(link, obj)
		return StoreEvent{Type: Added, Object: obj}, true
	}
	s.expireLocked(e)

	if e.obj == nil {
		if e.pendingDelete && obj.UID() == e.deletedUID {
			e.remember(rv)
			return StoreEvent{}, false
		}
		if e.isSuperseded(rv) {
			return StoreEvent{}, false
		}
		delete(s.tombstones, link)
		e.obj = obj
		e.pendingDelete = false
		e.deletedUID = ""
		s.byName[nameKey(obj.Namespace(), obj.Name())] = link
		return StoreEvent{Type: Added, Object: obj}, true
	}

	if rv == e.obj.ResourceVersion() {
		if e.pending == rv {
			e.pending = ""
		}
		return StoreEvent{}, false
	}
	if e.isSuperseded(rv) {
		s.log.V(4).Info("ignoring superseded version", "link", link, "resourceVersion", rv, "cached", e.obj.ResourceVersion())
		return StoreEvent{}, false
	}
	if e.pending != "" && !fromSnapshot {
		s.log.V(4).Info("ignoring version preceding own write", "link", link, "resourceVersion", rv, "pending", e.pending)
		e.remember(rv)
		return StoreEvent{}, false
	}
	e.remember(e.obj.ResourceVersion())
	e.obj = obj
	e.pending = ""
	return StoreEvent{Type: Modified, Object: obj}, true
}

func (s *Store) deleteLocked(obj *KubeObject) (StoreEvent, bool) {
	link := obj.SelfLink()
	e, ok := s.entries[link]
	if !ok {
		return StoreEvent{}, false
	}
	if e.obj == nil {
		// confirms an optimistic removal, or a duplicate
		e.pendingDelete = false
		e.remember(obj.ResourceVersion())
		return StoreEvent{}, false
	}
	if e.pending != "" && obj.UID() != "" && e.obj.UID() != "" && obj.UID() != e.obj.UID() {
		// deletion of an earlier incarnation that our create replaced
		return StoreEvent{}, false
	}
	old := e.obj
	s.tombstoneLocked(link, e, old.ResourceVersion())
	e.remember(obj.ResourceVersion())
	return StoreEvent{Type: Deleted, Object: old}, true
}

// expireLocked drops pending markers older than pendingTTL.
func (s *Store) expireLocked(e *entry) {
	if e.pending == "" && !e.pendingDelete {
		return
	}
	if s.now().Sub(e.since) < s.pendingTTL {
		return
	}
	e.pending = ""
	e.pendingDelete = false
	e.deletedUID = ""
}

func (s *Store) pruneLocked() {
	now := s.now()
	for link := range s.tombstones {
		e, ok := s.entries[link]
		if !ok || e.obj != nil {
			delete(s.tombstones, link)
			continue
		}
		if now.Sub(e.since) >= s.pendingTTL {
			delete(s.entries, link)
			delete(s.tombstones, link)
		}
	}
}

// String is used in logs.
func (s *Store) String() string {
	return fmt.Sprintf("store(%s)", s.api.GroupKind())
}
