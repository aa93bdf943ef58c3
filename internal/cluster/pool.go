package cluster

import (
	"fmt"
	"sync"
	"time"

	"k8s.io/client-go/tools/clientcmd"
)

// Key identifies a Frame by kubeconfig path and context name.
type Key struct {
	KubeconfigPath string
	ContextName    string
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s", k.ContextName, k.KubeconfigPath)
}

// Factory creates the frame of a key.
type Factory func(k Key) (*Frame, error)

type entry struct {
	frame    *Frame
	lastUsed time.Time
}

// Pool manages frames per kubeconfig+context with idle eviction.
type Pool struct {
	mu      sync.Mutex
	ttl     time.Duration
	factory Factory
	now     func() time.Time
	closing chan struct{}
	started bool
	stopped bool
	items   map[Key]*entry
}

// NewPool creates a pool whose frames are closed after ttl without use.
// A nil factory connects through the kubeconfig named by the key.
func NewPool(ttl time.Duration, factory Factory, opts ...Option) *Pool {
	if factory == nil {
		factory = func(k Key) (*Frame, error) {
			return FromKubeconfig(k, opts...)
		}
	}
	return &Pool{ttl: ttl, factory: factory, now: time.Now, closing: make(chan struct{}), items: map[Key]*entry{}}
}

// FromKubeconfig connects a frame through the kubeconfig context of k.
func FromKubeconfig(k Key, opts ...Option) (*Frame, error) {
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		&clientcmd.ClientConfigLoadingRules{ExplicitPath: k.KubeconfigPath},
		&clientcmd.ConfigOverrides{CurrentContext: k.ContextName},
	).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("client config: %w", err)
	}
	return New(cfg, opts...)
}

// Start runs the eviction loop.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()
	go p.evictLoop()
}

// Stop closes every frame.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.closing)
	items := p.items
	p.items = map[Key]*entry{}
	p.mu.Unlock()

	for _, e := range items {
		_ = e.frame.Close()
	}
}

// Get returns the frame of k, creating it if needed.
func (p *Pool) Get(k Key) (*Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, ErrClosed
	}
	if e, ok := p.items[k]; ok {
		e.lastUsed = p.now()
		return e.frame, nil
	}
	f, err := p.factory(k)
	if err != nil {
		return nil, fmt.Errorf("frame %s: %w", k, err)
	}
	p.items[k] = &entry{frame: f, lastUsed: p.now()}
	return f, nil
}

// Touch marks the frame of k as used.
func (p *Pool) Touch(k Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.items[k]; ok {
		e.lastUsed = p.now()
	}
}

// Len returns the number of live frames.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func (p *Pool) evictLoop() {
	interval := p.ttl / 2
	if interval <= 0 || interval > 30*time.Second {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-p.closing:
			return
		case <-t.C:
			p.evictIdle()
		}
	}
}

func (p *Pool) evictIdle() {
	cutoff := p.now().Add(-p.ttl)
	var idle []*Frame
	p.mu.Lock()
	for k, e := range p.items {
		if e.lastUsed.Before(cutoff) {
			idle = append(idle, e.frame)
			delete(p.items, k)
		}
	}
	p.mu.Unlock()

	for _, f := range idle {
		_ = f.Close()
	}
}
