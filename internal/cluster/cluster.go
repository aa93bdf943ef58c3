package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	metamapper "k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
	"k8s.io/klog/v2"

	"github.com/sttts/kcsync/pkg/namespaces"
	"github.com/sttts/kcsync/pkg/portforward"
	"github.com/sttts/kcsync/pkg/resources"
)

// ErrClosed is returned by a Frame after Close.
var ErrClosed = errors.New("frame closed")

// Frame is everything kept for one cluster connection: one mutation queue,
// the registry with exactly one store per kind, the namespace hierarchy and
// the port-forward sessions.
type Frame struct {
	dyn dynamic.Interface
	log logr.Logger

	disco      discovery.CachedDiscoveryInterface
	baseMapper metamapper.ResettableRESTMapper
	mapper     metamapper.RESTMapper

	queue    *resources.Queue
	registry *resources.Registry
	forwards *portforward.Manager

	storeOpts []resources.StoreOption

	mu         sync.Mutex
	namespaces *namespaces.Builder
	closed     bool

	cancel  context.CancelFunc
	refresh time.Duration
}

// Option configures a Frame.
type Option func(*options)

type options struct {
	log         logr.Logger
	refresh     time.Duration
	storeOpts   []resources.StoreOption
	forwardOpts []portforward.Option
	tunneler    portforward.Tunneler
}

// WithLogger sets the logger of the frame and everything it creates.
func WithLogger(log logr.Logger) Option { return func(o *options) { o.log = log } }

// WithRefreshInterval sets the discovery/RESTMapper refresh interval (default 30s).
func WithRefreshInterval(d time.Duration) Option { return func(o *options) { o.refresh = d } }

// WithStoreOptions applies opts to every store the frame creates.
func WithStoreOptions(opts ...resources.StoreOption) Option {
	return func(o *options) { o.storeOpts = append(o.storeOpts, opts...) }
}

// WithPortForwardOptions configures the port-forward manager.
func WithPortForwardOptions(opts ...portforward.Option) Option {
	return func(o *options) { o.forwardOpts = append(o.forwardOpts, opts...) }
}

// WithTunneler replaces the SPDY tunneler, e.g. in tests.
func WithTunneler(t portforward.Tunneler) Option { return func(o *options) { o.tunneler = t } }

// New connects a frame to the cluster behind cfg.
func New(cfg *rest.Config, opts ...Option) (*Frame, error) {
	dc, err := discovery.NewDiscoveryClientForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("discovery client: %w", err)
	}
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("dynamic client: %w", err)
	}
	kube, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return NewForClients(cfg, dyn, kube, dc, opts...), nil
}

// NewForClients builds a frame from existing clients. cfg is only used by
// the SPDY tunneler and may be nil when a tunneler is passed in.
func NewForClients(cfg *rest.Config, dyn dynamic.Interface, kube kubernetes.Interface, dc discovery.DiscoveryInterface, opts ...Option) *Frame {
	o := &options{log: klog.Background(), refresh: 30 * time.Second}
	for _, fn := range opts {
		fn(o)
	}
	log := o.log
	if log.GetSink() == nil {
		log = klog.Background()
	}

	cached := memory.NewMemCacheClient(dc)
	base := restmapper.NewDeferredDiscoveryRESTMapper(cached)
	tunneler := o.tunneler
	if tunneler == nil {
		tunneler = portforward.NewSPDYTunneler(cfg, kube, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Frame{
		dyn:        dyn,
		log:        log,
		disco:      cached,
		baseMapper: base,
		mapper:     restmapper.NewShortcutExpander(base, dc, nil),
		queue:      resources.NewQueue(),
		registry:   resources.NewRegistry(),
		forwards:   portforward.NewManager(tunneler, append([]portforward.Option{portforward.WithLogger(log)}, o.forwardOpts...)...),
		storeOpts:  append([]resources.StoreOption{resources.WithLogger(log)}, o.storeOpts...),
		cancel:     cancel,
		refresh:    o.refresh,
	}
	go f.refreshLoop(ctx)
	return f
}

func (f *Frame) refreshLoop(ctx context.Context) {
	t := time.NewTicker(f.refresh)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			// invalidate discovery and reset mapper
			f.disco.Invalidate()
			f.baseMapper.Reset()
		}
	}
}

// Registry returns the frame's registry.
func (f *Frame) Registry() *resources.Registry { return f.registry }

// PortForwards returns the frame's port-forward manager.
func (f *Frame) PortForwards() *portforward.Manager { return f.forwards }

// APIs lists the kinds the server offers.
func (f *Frame) APIs() ([]resources.API, error) {
	return resources.DiscoverAPIs(f.disco)
}

// ResolveAPI maps a resource argument like "po", "deployments.apps" or
// "Deployment" to its API.
func (f *Frame) ResolveAPI(arg string) (resources.API, error) {
	gr := schema.ParseGroupResource(arg)
	gvk, err := f.mapper.KindFor(gr.WithVersion(""))
	if err != nil {
		// maybe a kind rather than a resource
		gk := schema.ParseGroupKind(arg)
		if _, kerr := f.mapper.RESTMapping(gk); kerr != nil {
			return resources.API{}, fmt.Errorf("resource %q: %w", arg, resources.ErrNotFound)
		}
		return f.apiFor(gk)
	}
	return f.apiFor(gvk.GroupKind())
}

func (f *Frame) apiFor(gk schema.GroupKind) (resources.API, error) {
	if api, err := f.registry.API(gk); err == nil {
		return api, nil
	}
	m, err := f.mapper.RESTMapping(gk)
	if err != nil {
		return resources.API{}, fmt.Errorf("kind %s: %w", gk, resources.ErrNotFound)
	}
	return resources.API{
		GroupVersionKind: m.GroupVersionKind,
		Resource:         m.Resource.Resource,
		Namespaced:       m.Scope.Name() == metamapper.RESTScopeNameNamespace,
	}, nil
}

// Store returns the store of a kind, creating and registering it on first use.
func (f *Frame) Store(gk schema.GroupKind) (*resources.Store, error) {
	if s, err := f.registry.StoreFor(gk); err == nil {
		return s, nil
	}
	api, err := f.apiFor(gk)
	if err != nil {
		return nil, err
	}
	return f.StoreForAPI(api)
}

// StoreForAPI returns the store of api, creating and registering it on first use.
func (f *Frame) StoreForAPI(api resources.API) (*resources.Store, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	if s, err := f.registry.StoreFor(api.GroupKind()); err == nil {
		return s, nil
	}
	client := resources.NewDynamicClient(f.dyn, api, f.log)
	store := resources.NewStore(client, f.queue, f.storeOpts...)
	if err := f.registry.Register(api, client, store); err != nil {
		return nil, err
	}
	f.log.V(2).Info("created store", "kind", api.GroupKind().String())
	return store, nil
}

// Fetch reads one object straight from the server through the client
// registered for api, leaving the store untouched.
func (f *Frame) Fetch(ctx context.Context, api resources.API, namespace, name string) (*resources.KubeObject, error) {
	if _, err := f.StoreForAPI(api); err != nil {
		return nil, err
	}
	client, err := f.registry.ClientFor(api.GroupKind())
	if err != nil {
		return nil, err
	}
	if !api.Namespaced {
		namespace = ""
	}
	return client.Get(ctx, api.Object(namespace, name))
}

// Namespaces returns the namespace hierarchy, loading it on first use.
// Anchors are only watched when the server serves SubnamespaceAnchors.
func (f *Frame) Namespaces(ctx context.Context) (*namespaces.Builder, error) {
	f.mu.Lock()
	b := f.namespaces
	f.mu.Unlock()
	if b != nil {
		return b, nil
	}

	nsStore, err := f.StoreForAPI(namespaces.NamespaceAPI)
	if err != nil {
		return nil, err
	}
	var anchors *resources.Store
	if _, err := f.mapper.RESTMapping(namespaces.AnchorAPI.GroupKind(), namespaces.AnchorAPI.GroupVersionKind.Version); err == nil {
		if anchors, err = f.StoreForAPI(namespaces.AnchorAPI); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	if f.namespaces != nil {
		b = f.namespaces
		f.mu.Unlock()
		return b, nil
	}
	b = namespaces.NewBuilder(nsStore, anchors, f.log)
	f.namespaces = b
	f.mu.Unlock()

	if err := b.Load(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// Close cancels every watch loop and closes every port-forward tunnel.
func (f *Frame) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	b := f.namespaces
	f.mu.Unlock()

	f.cancel()
	if b != nil {
		b.Close()
	}

	var g errgroup.Group
	g.Go(func() error {
		f.forwards.CloseAll()
		return nil
	})
	for _, s := range f.registry.Stores() {
		g.Go(func() error {
			s.Stop()
			return nil
		})
	}
	err := g.Wait()
	f.queue.Stop()
	f.log.V(2).Info("frame closed")
	return err
}
