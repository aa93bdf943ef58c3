package resources

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	"k8s.io/klog/v2"

	"github.com/sttts/kcsync/pkg/patch"
)

// Client performs requests for exactly one resource kind. It does not retry.
// Non-2xx responses come back as *RequestFailedError, transport failures wrap
// ErrConnectionLost.
type Client interface {
	API() API
	List(ctx context.Context, d ResourceDescriptor) (*ObjectList, error)
	Get(ctx context.Context, d ResourceDescriptor) (*KubeObject, error)
	Create(ctx context.Context, d ResourceDescriptor, body *unstructured.Unstructured) (*KubeObject, error)
	Patch(ctx context.Context, d ResourceDescriptor, ops patch.Patch) (*KubeObject, error)
	Delete(ctx context.Context, d ResourceDescriptor) error
	// Watch opens an event stream for the collection d, starting after resourceVersion.
	Watch(ctx context.Context, d ResourceDescriptor, resourceVersion string) (watch.Interface, error)
}

// DynamicClient implements Client on top of client-go's dynamic client.
type DynamicClient struct {
	api API
	dyn dynamic.Interface
	log logr.Logger
}

var _ Client = &DynamicClient{}

// NewDynamicClient returns a client for api.
func NewDynamicClient(dyn dynamic.Interface, api API, log logr.Logger) *DynamicClient {
	if log.GetSink() == nil {
		log = klog.Background()
	}
	return &DynamicClient{
		api: api,
		dyn: dyn,
		log: log.WithValues("resource", api.GroupVersionResource().String()),
	}
}

func (c *DynamicClient) API() API { return c.api }

func (c *DynamicClient) resource(d ResourceDescriptor) dynamic.ResourceInterface {
	ri := c.dyn.Resource(c.api.GroupVersionResource())
	if c.api.Namespaced && d.Namespace != "" {
		return ri.Namespace(d.Namespace)
	}
	return ri
}

func (c *DynamicClient) checkDescriptor(d ResourceDescriptor, needName bool) error {
	if d.GroupVersionKind.GroupKind() != c.api.GroupKind() {
		return validationErrorf("descriptor %s does not belong to %s", d.GroupVersionKind, c.api.GroupKind())
	}
	if needName && d.Name == "" {
		return validationErrorf("descriptor for %s has no name", d.GroupVersionKind.Kind)
	}
	if needName && c.api.Namespaced && d.Namespace == "" {
		return validationErrorf("%s %s needs a namespace", d.GroupVersionKind.Kind, d.Name)
	}
	return nil
}

// List returns all objects of the collection. Items that fail validation are
// skipped and logged; they never fail the whole list.
func (c *DynamicClient) List(ctx context.Context, d ResourceDescriptor) (*ObjectList, error) {
	if err := c.checkDescriptor(d, false); err != nil {
		return nil, err
	}
	ul, err := c.resource(d).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", c.api.Link(d.Namespace, ""), classifyError(err))
	}
	out := &ObjectList{ResourceVersion: ul.GetResourceVersion(), Items: make([]*KubeObject, 0, len(ul.Items))}
	for i := range ul.Items {
		u := &ul.Items[i]
		// list items frequently omit apiVersion and kind
		if u.GetKind() == "" {
			u.SetGroupVersionKind(c.api.GroupVersionKind)
		}
		obj, err := NewKubeObject(c.api, u)
		if err != nil {
			c.log.Error(err, "skipping invalid list item", "namespace", u.GetNamespace(), "name", u.GetName())
			continue
		}
		out.Items = append(out.Items, obj)
	}
	return out, nil
}

func (c *DynamicClient) Get(ctx context.Context, d ResourceDescriptor) (*KubeObject, error) {
	if err := c.checkDescriptor(d, true); err != nil {
		return nil, err
	}
	u, err := c.resource(d).Get(ctx, d.Name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", c.api.DescriptorLink(d), classifyError(err))
	}
	return NewKubeObject(c.api, u)
}

// Create posts body into the collection addressed by d. Name and namespace
// default from the descriptor when body leaves them empty.
func (c *DynamicClient) Create(ctx context.Context, d ResourceDescriptor, body *unstructured.Unstructured) (*KubeObject, error) {
	if err := c.checkDescriptor(d, false); err != nil {
		return nil, err
	}
	if body == nil {
		return nil, validationErrorf("create %s: empty body", c.api.GroupKind())
	}
	body = body.DeepCopy()
	if body.GetKind() == "" {
		body.SetGroupVersionKind(c.api.GroupVersionKind)
	}
	if body.GetName() == "" {
		body.SetName(d.Name)
	}
	if c.api.Namespaced && body.GetNamespace() == "" {
		body.SetNamespace(d.Namespace)
	}
	if c.api.Namespaced && body.GetNamespace() == "" {
		return nil, validationErrorf("create %s %s: no namespace", c.api.GroupVersionKind.Kind, body.GetName())
	}
	d.Namespace = body.GetNamespace()
	u, err := c.resource(d).Create(ctx, body, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", c.api.Link(d.Namespace, body.GetName()), classifyError(err))
	}
	return NewKubeObject(c.api, u)
}

// Patch sends ops as an RFC 6902 JSON Patch.
func (c *DynamicClient) Patch(ctx context.Context, d ResourceDescriptor, ops patch.Patch) (*KubeObject, error) {
	if err := c.checkDescriptor(d, true); err != nil {
		return nil, err
	}
	data, err := ops.JSON()
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}
	c.log.V(4).Info("patching", "link", c.api.DescriptorLink(d), "patch", string(data))
	u, err := c.resource(d).Patch(ctx, d.Name, types.JSONPatchType, data, metav1.PatchOptions{})
	if err != nil {
		return nil, fmt.Errorf("patch %s: %w", c.api.DescriptorLink(d), classifyError(err))
	}
	return NewKubeObject(c.api, u)
}

func (c *DynamicClient) Delete(ctx context.Context, d ResourceDescriptor) error {
	if err := c.checkDescriptor(d, true); err != nil {
		return err
	}
	if err := c.resource(d).Delete(ctx, d.Name, metav1.DeleteOptions{}); err != nil {
		return fmt.Errorf("delete %s: %w", c.api.DescriptorLink(d), classifyError(err))
	}
	return nil
}

func (c *DynamicClient) Watch(ctx context.Context, d ResourceDescriptor, resourceVersion string) (watch.Interface, error) {
	if err := c.checkDescriptor(d, false); err != nil {
		return nil, err
	}
	w, err := c.resource(d).Watch(ctx, metav1.ListOptions{
		ResourceVersion:     resourceVersion,
		AllowWatchBookmarks: true,
	})
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", c.api.Link(d.Namespace, ""), classifyError(err))
	}
	return w, nil
}
