package resources

import (
	"path"
	"strings"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

// API describes one resource kind: its identity and how its URLs are built.
type API struct {
	GroupVersionKind schema.GroupVersionKind
	Resource         string // plural resource name (e.g., pods)
	Namespaced       bool
}

// ResourceDescriptor addresses a collection (empty Name) or a single instance of a kind.
// Namespace is empty for cluster-scoped kinds and for cluster-wide collections.
type ResourceDescriptor struct {
	GroupVersionKind schema.GroupVersionKind
	Namespace        string
	Name             string
}

// GroupVersionResource returns the GVR used by dynamic clients.
func (a API) GroupVersionResource() schema.GroupVersionResource {
	return a.GroupVersionKind.GroupVersion().WithResource(a.Resource)
}

// GroupKind returns the registry key of the API.
func (a API) GroupKind() schema.GroupKind {
	return a.GroupVersionKind.GroupKind()
}

// Collection returns a descriptor for the kind's collection in namespace ("" for all).
func (a API) Collection(namespace string) ResourceDescriptor {
	if !a.Namespaced {
		namespace = ""
	}
	return ResourceDescriptor{GroupVersionKind: a.GroupVersionKind, Namespace: namespace}
}

// Object returns a descriptor for a single instance.
func (a API) Object(namespace, name string) ResourceDescriptor {
	d := a.Collection(namespace)
	d.Name = name
	return d
}

// APIPrefix is /api/v1 for the core group and /apis/{group}/{version} otherwise.
func (a API) APIPrefix() string {
	gv := a.GroupVersionKind.GroupVersion()
	if gv.Group == "" {
		return "/api/" + gv.Version
	}
	return "/apis/" + gv.Group + "/" + gv.Version
}

// APIBase is the URL of the cluster-wide collection, e.g. /apis/apps/v1/deployments.
// It is the key stores are registered under.
func (a API) APIBase() string {
	return a.APIPrefix() + "/" + a.Resource
}

// Link builds the self link of an object or, with an empty name, of a collection.
func (a API) Link(namespace, name string) string {
	parts := []string{a.APIPrefix()}
	if a.Namespaced && namespace != "" {
		parts = append(parts, "namespaces", namespace)
	}
	parts = append(parts, a.Resource)
	if name != "" {
		parts = append(parts, name)
	}
	return path.Join(parts...)
}

// DescriptorLink builds the link for a descriptor of this API.
func (a API) DescriptorLink(d ResourceDescriptor) string {
	return a.Link(d.Namespace, d.Name)
}

// parsedLink is the decomposition of a self link.
type parsedLink struct {
	apiBase   string
	namespace string
	name      string
}

// parseLink splits a self link such as /apis/apps/v1/namespaces/ns/deployments/web.
// /api/v1/namespaces/foo addresses the Namespace object foo, not a scope.
func parseLink(link string) (parsedLink, bool) {
	segs := strings.Split(strings.Trim(link, "/"), "/")
	var prefix []string
	switch {
	case len(segs) >= 3 && segs[0] == "api":
		prefix, segs = segs[:2], segs[2:]
	case len(segs) >= 4 && segs[0] == "apis":
		prefix, segs = segs[:3], segs[3:]
	default:
		return parsedLink{}, false
	}

	var p parsedLink
	if len(segs) >= 3 && segs[0] == "namespaces" {
		p.namespace = segs[1]
		segs = segs[2:]
	}
	switch len(segs) {
	case 1:
	case 2:
		p.name = segs[1]
	default:
		return parsedLink{}, false
	}
	if segs[0] == "" {
		return parsedLink{}, false
	}
	p.apiBase = "/" + strings.Join(prefix, "/") + "/" + segs[0]
	return p, true
}
