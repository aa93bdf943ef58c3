package resources

import (
	"encoding/json"
	"maps"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
)

// KubeObject is an immutable snapshot of one resource instance.
// The wrapped document is never written after construction; every accessor
// that exposes nested data returns a copy.
type KubeObject struct {
	raw      *unstructured.Unstructured
	selfLink string
}

// NewKubeObject validates u and wraps a deep copy of it. The self link is taken
// from the object when the server set one and built from api otherwise.
func NewKubeObject(api API, u *unstructured.Unstructured) (*KubeObject, error) {
	if u == nil || u.Object == nil {
		return nil, validationErrorf("empty object")
	}
	if u.GetAPIVersion() == "" {
		return nil, validationErrorf("object has no apiVersion")
	}
	if u.GetKind() == "" {
		return nil, validationErrorf("object has no kind")
	}
	if u.GetName() == "" {
		return nil, validationErrorf("%s has no metadata.name", u.GetKind())
	}
	if api.Resource != "" && u.GetKind() != api.GroupVersionKind.Kind {
		return nil, validationErrorf("kind %q does not match %q", u.GetKind(), api.GroupVersionKind.Kind)
	}
	if err := checkMetadata(u.Object); err != nil {
		return nil, err
	}
	link := u.GetSelfLink()
	if link == "" {
		if api.Resource == "" {
			return nil, validationErrorf("cannot build self link for %s %s", u.GetKind(), u.GetName())
		}
		link = api.Link(u.GetNamespace(), u.GetName())
	}
	return &KubeObject{raw: u.DeepCopy(), selfLink: link}, nil
}

// checkMetadata makes sure the metadata block decodes into ObjectMeta, so accessors never see
// type-confused fields (e.g. labels that are not a string map).
func checkMetadata(obj map[string]any) error {
	md, ok := obj["metadata"]
	if !ok {
		return validationErrorf("object has no metadata")
	}
	m, ok := md.(map[string]any)
	if !ok {
		return validationErrorf("metadata is %T, not an object", md)
	}
	var meta metav1.ObjectMeta
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(m, &meta); err != nil {
		return validationErrorf("decode metadata: %v", err)
	}
	return nil
}

// MustKubeObject is NewKubeObject for static data; it panics on invalid input.
func MustKubeObject(api API, u *unstructured.Unstructured) *KubeObject {
	o, err := NewKubeObject(api, u)
	if err != nil {
		panic(err)
	}
	return o
}

func (o *KubeObject) SelfLink() string        { return o.selfLink }
func (o *KubeObject) Kind() string            { return o.raw.GetKind() }
func (o *KubeObject) APIVersion() string      { return o.raw.GetAPIVersion() }
func (o *KubeObject) Namespace() string       { return o.raw.GetNamespace() }
func (o *KubeObject) Name() string            { return o.raw.GetName() }
func (o *KubeObject) ResourceVersion() string { return o.raw.GetResourceVersion() }
func (o *KubeObject) UID() types.UID          { return o.raw.GetUID() }

func (o *KubeObject) GroupVersionKind() schema.GroupVersionKind {
	return o.raw.GroupVersionKind()
}

// Labels returns a copy of the object's labels.
func (o *KubeObject) Labels() map[string]string { return maps.Clone(o.raw.GetLabels()) }

// Annotations returns a copy of the object's annotations.
func (o *KubeObject) Annotations() map[string]string { return maps.Clone(o.raw.GetAnnotations()) }

func (o *KubeObject) OwnerReferences() []metav1.OwnerReference {
	return o.raw.GetOwnerReferences()
}

// Spec returns a copy of the spec document, or nil when the kind has none.
func (o *KubeObject) Spec() map[string]any { return o.nestedMap("spec") }

// Status returns a copy of the status document, or nil.
func (o *KubeObject) Status() map[string]any { return o.nestedMap("status") }

func (o *KubeObject) nestedMap(field string) map[string]any {
	m, ok := o.raw.Object[field].(map[string]any)
	if !ok {
		return nil
	}
	return runtime.DeepCopyJSON(m)
}

// Unstructured returns a mutable deep copy, the starting point for building a desired value.
func (o *KubeObject) Unstructured() *unstructured.Unstructured {
	return o.raw.DeepCopy()
}

// Object returns a deep copy of the whole document.
func (o *KubeObject) Object() map[string]any {
	return runtime.DeepCopyJSON(o.raw.Object)
}

func (o *KubeObject) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.raw.Object)
}

func (o *KubeObject) String() string {
	if ns := o.Namespace(); ns != "" {
		return o.Kind() + " " + ns + "/" + o.Name()
	}
	return o.Kind() + " " + o.Name()
}

// ObjectList is the result of a list call: items plus the collection version
// the subsequent watch starts from.
type ObjectList struct {
	Items           []*KubeObject
	ResourceVersion string
}
