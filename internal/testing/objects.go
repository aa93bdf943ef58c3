package kctesting

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
)

// Object builds a minimal unstructured object. Fields use JSON-compatible
// types only, so the result survives runtime.DeepCopyJSON.
func Object(apiVersion, kind, namespace, name, resourceVersion string) *unstructured.Unstructured {
	u := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": apiVersion,
		"kind":       kind,
		"metadata": map[string]any{
			"name": name,
		},
	}}
	if namespace != "" {
		u.SetNamespace(namespace)
	}
	if resourceVersion != "" {
		u.SetResourceVersion(resourceVersion)
	}
	u.SetUID(types.UID(namespace + "/" + name))
	return u
}

// ConfigMap builds a ConfigMap with the given data.
func ConfigMap(namespace, name, resourceVersion string, data map[string]string) *unstructured.Unstructured {
	u := Object("v1", "ConfigMap", namespace, name, resourceVersion)
	if data != nil {
		m := make(map[string]any, len(data))
		for k, v := range data {
			m[k] = v
		}
		u.Object["data"] = m
	}
	return u
}
