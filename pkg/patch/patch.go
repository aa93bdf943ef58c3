// Package patch computes RFC 6902 JSON Patches between two versions of a
// Kubernetes object document.
//
// A computed patch always lists its operations in three blocks: every remove,
// then every add, then every replace. Paths inside a block are sorted, so the
// same pair of documents always yields byte-identical patches.
package patch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	gomodules "gomodules.xyz/jsonpatch/v2"
)

// Op is a JSON Patch operation name.
type Op string

const (
	OpAdd     Op = "add"
	OpRemove  Op = "remove"
	OpReplace Op = "replace"
)

// Operation is one JSON Patch step.
type Operation struct {
	Op    Op     `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// MarshalJSON keeps an explicit null value on add and replace, which omitempty would drop.
func (o Operation) MarshalJSON() ([]byte, error) {
	if o.Op == OpRemove {
		return json.Marshal(struct {
			Op   Op     `json:"op"`
			Path string `json:"path"`
		}{o.Op, o.Path})
	}
	return json.Marshal(struct {
		Op    Op     `json:"op"`
		Path  string `json:"path"`
		Value any    `json:"value"`
	}{o.Op, o.Path, o.Value})
}

// Patch is an ordered list of operations.
type Patch []Operation

// JSON encodes the patch for an application/json-patch+json request body.
func (p Patch) JSON() ([]byte, error) {
	if p == nil {
		p = Patch{}
	}
	return json.Marshal(p)
}

func (p Patch) String() string {
	data, err := p.JSON()
	if err != nil {
		return fmt.Sprintf("<invalid patch: %v>", err)
	}
	return string(data)
}

// Apply applies the patch to a JSON document.
func (p Patch) Apply(doc []byte) ([]byte, error) {
	data, err := p.JSON()
	if err != nil {
		return nil, err
	}
	decoded, err := jsonpatch.DecodePatch(data)
	if err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	return decoded.Apply(doc)
}

// ApplyObject applies the patch to a decoded document and returns the decoded result.
func (p Patch) ApplyObject(obj map[string]any) (map[string]any, error) {
	doc, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	out, err := p.Apply(doc)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// serverManagedMetadata lists metadata fields owned by the API server.
var serverManagedMetadata = map[string]bool{
	"resourceVersion":   true,
	"uid":               true,
	"creationTimestamp": true,
	"selfLink":          true,
	"generation":        true,
	"managedFields":     true,
	"deletionTimestamp": true,
}

// unmanagedTopLevel lists top-level fields never diffed.
var unmanagedTopLevel = map[string]bool{
	"apiVersion": true,
	"kind":       true,
	"status":     true,
}

// Managed returns a copy of obj reduced to the fields an update may change:
// metadata without server-managed fields, plus every type-specific top-level
// field (spec, data, rules, ...). status, apiVersion and kind are dropped.
func Managed(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if unmanagedTopLevel[k] {
			continue
		}
		if k == "metadata" {
			md, ok := v.(map[string]any)
			if !ok {
				continue
			}
			m := make(map[string]any, len(md))
			for mk, mv := range md {
				if !serverManagedMetadata[mk] {
					m[mk] = mv
				}
			}
			out[k] = m
			continue
		}
		out[k] = v
	}
	return out
}

// Compute returns the operations turning current into desired, restricted to managed fields.
func Compute(current, desired map[string]any) (Patch, error) {
	return compute(Managed(current), Managed(desired))
}

// ComputeRaw diffs two documents without restricting them to managed fields.
func ComputeRaw(current, desired map[string]any) (Patch, error) {
	return compute(current, desired)
}

func compute(current, desired map[string]any) (Patch, error) {
	cur, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("encode current: %w", err)
	}
	des, err := json.Marshal(desired)
	if err != nil {
		return nil, fmt.Errorf("encode desired: %w", err)
	}
	ops, err := gomodules.CreatePatch(cur, des)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(des, &doc); err != nil {
		return nil, err
	}

	var removes, adds, replaces Patch
	arrays := map[string]bool{}
	for _, op := range ops {
		// arrays are leaves: any change below one replaces it as a whole
		if p, v, ok := enclosingArray(doc, op.Path); ok {
			if !arrays[p] {
				arrays[p] = true
				replaces = append(replaces, Operation{Op: OpReplace, Path: p, Value: v})
			}
			continue
		}
		o := Operation{Op: Op(op.Operation), Path: op.Path, Value: op.Value}
		switch o.Op {
		case OpRemove:
			removes = append(removes, o)
		case OpAdd:
			adds = append(adds, o)
		case OpReplace:
			replaces = append(replaces, o)
		default:
			return nil, fmt.Errorf("unexpected operation %q at %s", op.Operation, op.Path)
		}
	}

	out := make(Patch, 0, len(removes)+len(adds)+len(replaces))
	for _, block := range []Patch{removes, adds, replaces} {
		sort.SliceStable(block, func(i, j int) bool { return block[i].Path < block[j].Path })
		out = append(out, block...)
	}
	return out, nil
}

// enclosingArray walks the parents of path in doc and returns the outermost
// array on the way together with its value.
func enclosingArray(doc any, path string) (string, any, bool) {
	tokens := strings.Split(strings.TrimPrefix(path, "/"), "/")
	node := doc
	for i := 0; i < len(tokens)-1; i++ {
		m, ok := node.(map[string]any)
		if !ok {
			return "", nil, false
		}
		node = m[UnescapePointer(tokens[i])]
		if _, isArray := node.([]any); isArray {
			return "/" + strings.Join(tokens[:i+1], "/"), node, true
		}
	}
	return "", nil, false
}

// EscapePointer escapes a map key for use as a JSON Pointer token (RFC 6901).
func EscapePointer(token string) string {
	return strings.NewReplacer("~", "~0", "/", "~1").Replace(token)
}

// UnescapePointer reverses EscapePointer.
func UnescapePointer(token string) string {
	return strings.NewReplacer("~1", "/", "~0", "~").Replace(token)
}
