package resources

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/discovery"
	"k8s.io/klog/v2"
)

type registration struct {
	api    API
	client Client
	store  *Store
}

// Registry maps resource kinds to their API, Client and Store. It answers
// lookups by group+kind and by self link in constant time.
type Registry struct {
	mu          sync.RWMutex
	byGroupKind map[schema.GroupKind]*registration
	byAPIBase   map[string]*registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byGroupKind: map[schema.GroupKind]*registration{},
		byAPIBase:   map[string]*registration{},
	}
}

// Register adds a kind. There is exactly one store per kind; registering a
// kind twice is an error.
func (r *Registry) Register(api API, client Client, store *Store) error {
	if api.Resource == "" || api.GroupVersionKind.Kind == "" {
		return fmt.Errorf("register %s: incomplete API", api.GroupVersionKind)
	}
	if client == nil || store == nil {
		return fmt.Errorf("register %s: client and store are required", api.GroupKind())
	}
	if store.API().GroupKind() != api.GroupKind() {
		return fmt.Errorf("register %s: store serves %s", api.GroupKind(), store.API().GroupKind())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byGroupKind[api.GroupKind()]; exists {
		return fmt.Errorf("register %s: already registered", api.GroupKind())
	}
	reg := &registration{api: api, client: client, store: store}
	r.byGroupKind[api.GroupKind()] = reg
	r.byAPIBase[api.APIBase()] = reg
	return nil
}

func (r *Registry) lookup(gk schema.GroupKind) (*registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byGroupKind[gk]
	if !ok {
		return nil, fmt.Errorf("kind %s: %w", gk, ErrNotFound)
	}
	return reg, nil
}

// API returns the registered API of a kind.
func (r *Registry) API(gk schema.GroupKind) (API, error) {
	reg, err := r.lookup(gk)
	if err != nil {
		return API{}, err
	}
	return reg.api, nil
}

// StoreFor returns the store of a kind.
func (r *Registry) StoreFor(gk schema.GroupKind) (*Store, error) {
	reg, err := r.lookup(gk)
	if err != nil {
		return nil, err
	}
	return reg.store, nil
}

// ClientFor returns the client of a kind.
func (r *Registry) ClientFor(gk schema.GroupKind) (Client, error) {
	reg, err := r.lookup(gk)
	if err != nil {
		return nil, err
	}
	return reg.client, nil
}

// GetStore returns the store owning the object or collection at selfLink.
func (r *Registry) GetStore(selfLink string) (*Store, error) {
	p, ok := parseLink(selfLink)
	if !ok {
		return nil, fmt.Errorf("link %q: %w", selfLink, ErrNotFound)
	}
	r.mu.RLock()
	reg, ok := r.byAPIBase[p.apiBase]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("link %q: %w", selfLink, ErrNotFound)
	}
	return reg.store, nil
}

// APIs returns all registered APIs ordered by group and kind.
func (r *Registry) APIs() []API {
	r.mu.RLock()
	out := make([]API, 0, len(r.byGroupKind))
	for _, reg := range r.byGroupKind {
		out = append(out, reg.api)
	}
	r.mu.RUnlock()
	sortAPIs(out)
	return out
}

// Stores returns all registered stores.
func (r *Registry) Stores() []*Store {
	apis := r.APIs()
	out := make([]*Store, 0, len(apis))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, api := range apis {
		out = append(out, r.byGroupKind[api.GroupKind()].store)
	}
	return out
}

// LookupReference builds the self link of the object apiVersion/kind named
// name. namespace is ignored for cluster-scoped kinds.
func (r *Registry) LookupReference(apiVersion, kind, namespace, name string) (string, error) {
	gv, err := schema.ParseGroupVersion(apiVersion)
	if err != nil {
		return "", validationErrorf("reference apiVersion %q: %v", apiVersion, err)
	}
	if name == "" {
		return "", validationErrorf("reference to %s without name", kind)
	}
	reg, err := r.lookup(gv.WithKind(kind).GroupKind())
	if err != nil {
		return "", err
	}
	if reg.api.Namespaced && namespace == "" {
		return "", validationErrorf("reference to %s %s needs a namespace", kind, name)
	}
	return reg.api.Link(namespace, name), nil
}

// LookupLink resolves an owner reference found on contextObject to the
// owner's self link. Owner references carry no namespace; namespaced owners
// live in the namespace of the object that refers to them.
func (r *Registry) LookupLink(ref metav1.OwnerReference, contextObject *KubeObject) (string, error) {
	ns := ""
	if contextObject != nil {
		ns = contextObject.Namespace()
	}
	return r.LookupReference(ref.APIVersion, ref.Kind, ns, ref.Name)
}

// ResolveOwner returns the cached owner object referenced by ref.
func (r *Registry) ResolveOwner(ref metav1.OwnerReference, contextObject *KubeObject) (*KubeObject, error) {
	link, err := r.LookupLink(ref, contextObject)
	if err != nil {
		return nil, err
	}
	store, err := r.GetStore(link)
	if err != nil {
		return nil, err
	}
	obj, ok := store.GetByID(link)
	if !ok {
		return nil, fmt.Errorf("%s: %w", link, ErrNotFound)
	}
	if ref.UID != "" && obj.UID() != ref.UID {
		return nil, fmt.Errorf("%s with uid %s: %w", link, ref.UID, ErrNotFound)
	}
	return obj, nil
}

// PreferredResourcesLister is the part of discovery.DiscoveryInterface DiscoverAPIs needs.
type PreferredResourcesLister interface {
	ServerPreferredResources() ([]*metav1.APIResourceList, error)
}

// DiscoverAPIs lists the server's preferred resource kinds, skipping
// subresources and non-resource kinds. Partial discovery results are used
// when some groups fail.
func DiscoverAPIs(dc PreferredResourcesLister) ([]API, error) {
	lists, err := dc.ServerPreferredResources()
	if err != nil {
		if !discovery.IsGroupDiscoveryFailedError(err) || len(lists) == 0 {
			return nil, fmt.Errorf("failed to get server resources: %w", classifyError(err))
		}
		klog.Background().V(2).Info("partial discovery", "err", err)
	}

	var apis []API
	for _, list := range lists {
		if list == nil {
			continue
		}
		gv, err := schema.ParseGroupVersion(list.GroupVersion)
		if err != nil {
			continue
		}
		for _, res := range list.APIResources {
			if isSubresource(res.Name) || isNonResourceType(res.Kind) {
				continue
			}
			apis = append(apis, API{
				GroupVersionKind: gv.WithKind(res.Kind),
				Resource:         res.Name,
				Namespaced:       res.Namespaced,
			})
		}
	}
	sortAPIs(apis)
	return apis, nil
}

func sortAPIs(apis []API) {
	slices.SortFunc(apis, func(a, b API) int {
		if c := strings.Compare(a.GroupVersionKind.Group, b.GroupVersionKind.Group); c != 0 {
			return c
		}
		return strings.Compare(a.GroupVersionKind.Kind, b.GroupVersionKind.Kind)
	})
}

// isSubresource checks if a resource name indicates a subresource
func isSubresource(name string) bool {
	// Subresources contain a slash (e.g., "pods/log", "pods/status")
	return strings.Contains(name, "/")
}

var nonResourceTypes = map[string]bool{
	"Status":                    true,
	"List":                      true,
	"WatchEvent":                true,
	"APIGroup":                  true,
	"APIVersion":                true,
	"APIResourceList":           true,
	"CreateOptions":             true,
	"UpdateOptions":             true,
	"DeleteOptions":             true,
	"PatchOptions":              true,
	"GetOptions":                true,
	"Table":                     true,
	"PartialObjectMetadata":     true,
	"PartialObjectMetadataList": true,
}

// isNonResourceType checks if a kind represents a non-resource type
func isNonResourceType(kind string) bool {
	return nonResourceTypes[kind]
}
