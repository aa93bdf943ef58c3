package resources

import (
	"errors"
	"testing"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	kctesting "github.com/sttts/kcsync/internal/testing"
)

func TestAPILinks(t *testing.T) {
	tests := []struct {
		name      string
		api       API
		namespace string
		object    string
		want      string
	}{
		{"core object", configMapAPI, "ns", "cm", "/api/v1/namespaces/ns/configmaps/cm"},
		{"core collection", configMapAPI, "ns", "", "/api/v1/namespaces/ns/configmaps"},
		{"all namespaces", configMapAPI, "", "", "/api/v1/configmaps"},
		{"group object", deploymentAPI, "ns", "web", "/apis/apps/v1/namespaces/ns/deployments/web"},
		{"cluster scoped ignores namespace", namespaceAPI, "ns", "kube-system", "/api/v1/namespaces/kube-system"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.api.Link(tt.namespace, tt.object); got != tt.want {
				t.Fatalf("Link() = %q, want %q", got, tt.want)
			}
		})
	}
	if got := deploymentAPI.APIBase(); got != "/apis/apps/v1/deployments" {
		t.Fatalf("APIBase() = %q", got)
	}
}

func TestParseLink(t *testing.T) {
	tests := []struct {
		link string
		want parsedLink
		ok   bool
	}{
		{"/api/v1/namespaces/ns/configmaps/cm", parsedLink{apiBase: "/api/v1/configmaps", namespace: "ns", name: "cm"}, true},
		{"/api/v1/namespaces/ns/configmaps", parsedLink{apiBase: "/api/v1/configmaps", namespace: "ns"}, true},
		{"/apis/apps/v1/namespaces/ns/deployments/web", parsedLink{apiBase: "/apis/apps/v1/deployments", namespace: "ns", name: "web"}, true},
		{"/api/v1/namespaces/foo", parsedLink{apiBase: "/api/v1/namespaces", name: "foo"}, true},
		{"/api/v1/namespaces", parsedLink{apiBase: "/api/v1/namespaces"}, true},
		{"/apis/rbac.authorization.k8s.io/v1/clusterroles/admin", parsedLink{apiBase: "/apis/rbac.authorization.k8s.io/v1/clusterroles", name: "admin"}, true},
		{"/healthz", parsedLink{}, false},
		{"/api/v1/namespaces/ns/configmaps/cm/extra", parsedLink{}, false},
		{"", parsedLink{}, false},
	}
	for _, tt := range tests {
		got, ok := parseLink(tt.link)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseLink(%q) = %+v, %v; want %+v, %v", tt.link, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNewKubeObjectValidates(t *testing.T) {
	valid := kctesting.ConfigMap("ns", "cm", "7", map[string]string{"k": "v"})
	obj, err := NewKubeObject(configMapAPI, valid)
	if err != nil {
		t.Fatalf("valid object rejected: %v", err)
	}
	if obj.SelfLink() != "/api/v1/namespaces/ns/configmaps/cm" {
		t.Fatalf("unexpected self link %q", obj.SelfLink())
	}
	if obj.ResourceVersion() != "7" || obj.String() != "ConfigMap ns/cm" {
		t.Fatalf("unexpected accessors: %s %s", obj.ResourceVersion(), obj)
	}

	// the wrapped document is a copy
	valid.SetName("changed")
	if obj.Name() != "cm" {
		t.Fatalf("object aliases its input")
	}
	labels := obj.Labels()
	if labels == nil {
		labels = map[string]string{}
	}
	labels["x"] = "y"
	if _, ok := obj.Labels()["x"]; ok {
		t.Fatalf("Labels() exposes internal map")
	}

	invalid := map[string]*unstructured.Unstructured{
		"nil":            nil,
		"no kind":        {Object: map[string]any{"apiVersion": "v1", "metadata": map[string]any{"name": "x"}}},
		"no name":        {Object: map[string]any{"apiVersion": "v1", "kind": "ConfigMap", "metadata": map[string]any{}}},
		"wrong kind":     kctesting.Object("v1", "Secret", "ns", "s", "1"),
		"bad metadata":   {Object: map[string]any{"apiVersion": "v1", "kind": "ConfigMap", "metadata": "x"}},
		"no apiVersion":  {Object: map[string]any{"kind": "ConfigMap", "metadata": map[string]any{"name": "x"}}},
		"labels garbage": {Object: map[string]any{"apiVersion": "v1", "kind": "ConfigMap", "metadata": map[string]any{"name": "x", "labels": []any{"a"}}}},
	}
	for name, u := range invalid {
		if _, err := NewKubeObject(configMapAPI, u); !errors.Is(err, ErrValidationFailed) {
			t.Errorf("%s: expected validation error, got %v", name, err)
		}
	}
}
