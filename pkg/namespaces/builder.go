package namespaces

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2"

	"github.com/sttts/kcsync/pkg/resources"
)

// Builder keeps the namespace forest current from a namespace store and an
// optional anchor store. Without anchors every namespace is a root.
type Builder struct {
	namespaces *resources.Store
	anchors    *resources.Store
	log        logr.Logger

	mu    sync.Mutex
	roots []*Node
	subs  map[int]func([]*Node)
	next  int
	unsub []func()
}

// NewBuilder creates a builder. anchors may be nil when the cluster does not
// serve SubnamespaceAnchors.
func NewBuilder(namespaces, anchors *resources.Store, log logr.Logger) *Builder {
	if log.GetSink() == nil {
		log = klog.Background()
	}
	b := &Builder{
		namespaces: namespaces,
		anchors:    anchors,
		log:        log.WithName("namespaces"),
		subs:       map[int]func([]*Node){},
	}
	b.unsub = append(b.unsub, namespaces.Subscribe(b.onEvent))
	if anchors != nil {
		b.unsub = append(b.unsub, anchors.Subscribe(b.onEvent))
	}
	return b
}

// Load fetches namespaces and anchors cluster-wide and keeps watching them.
// A missing anchor kind is not an error; the forest is then flat.
func (b *Builder) Load(ctx context.Context) error {
	if err := b.namespaces.LoadAll(ctx); err != nil {
		return fmt.Errorf("load namespaces: %w", err)
	}
	if anchors := b.anchorStore(); anchors != nil {
		if err := anchors.LoadAll(ctx); err != nil {
			if !errors.Is(err, resources.ErrNotFound) {
				return fmt.Errorf("load subnamespace anchors: %w", err)
			}
			b.log.V(2).Info("subnamespace anchors not served", "err", err)
			anchors.Stop()
			b.mu.Lock()
			b.anchors = nil
			b.mu.Unlock()
		}
	}
	b.rebuild()
	return nil
}

// Tree returns the current forest.
func (b *Builder) Tree() []*Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.roots == nil {
		b.roots = b.build()
	}
	return b.roots
}

// Subscribe calls fn with the new forest after every namespace or anchor change.
func (b *Builder) Subscribe(fn func([]*Node)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Close detaches the builder from its stores.
func (b *Builder) Close() {
	b.mu.Lock()
	unsub := b.unsub
	b.unsub = nil
	b.mu.Unlock()
	for _, fn := range unsub {
		fn()
	}
}

func (b *Builder) anchorStore() *resources.Store {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.anchors
}

func (b *Builder) onEvent(ev resources.StoreEvent) {
	if ev.Type == resources.Stale {
		return
	}
	b.rebuild()
}

func (b *Builder) rebuild() {
	b.mu.Lock()
	b.roots = b.build()
	roots := b.roots
	subs := make([]func([]*Node), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()
	for _, fn := range subs {
		fn(roots)
	}
}

func (b *Builder) build() []*Node {
	var anchors []*resources.KubeObject
	if b.anchors != nil {
		anchors = b.anchors.Items()
	}
	return Build(b.namespaces.Items(), anchors, b.log)
}
