package codec

import (
	"sort"
	"strconv"

	"github.com/quantumlife/knowledgebase/internal/core"
)

// Kind tags a node of a resource tree. Trees are classified once and every
// traversal switches on the tag.
type Kind int

const (
	// KindInline is ordinary data: a scalar, an array, or a plain object.
	KindInline Kind = iota
	// KindEmbedded is an object carrying a type indicator (@type, type or
	// resourceType). Encode extracts it into its own record.
	KindEmbedded
	// KindPointer is a {resourceType, resourceId} reference. Decode resolves it.
	KindPointer
)

func (k Kind) String() string {
	switch k {
	case KindInline:
		return "inline"
	case KindEmbedded:
		return "embedded"
	case KindPointer:
		return "pointer"
	default:
		return "unknown"
	}
}

// typeKeys are the type indicators of an embedded resource, in lookup order.
var typeKeys = []string{"@type", "type", "resourceType"}

// Node is one value of a resource tree.
type Node struct {
	Kind Kind

	// Exactly one of these is meaningful for KindInline and KindEmbedded:
	// Fields for objects, Items for arrays (IsArray set), Scalar otherwise.
	Fields  map[string]*Node
	Items   []*Node
	IsArray bool
	Scalar  any

	// Ref is set for KindPointer.
	Ref core.Pointer
}

// Classify builds a tagged tree from a JSON-shaped value. The root itself is
// always KindInline: only values below it can be embedded resources.
func Classify(v any) *Node {
	n := classify(v)
	if n.Kind == KindEmbedded {
		n.Kind = KindInline
	}
	return n
}

func classify(v any) *Node {
	switch t := v.(type) {
	case map[string]any:
		if p, ok := asPointer(t); ok {
			return &Node{Kind: KindPointer, Ref: p}
		}
		n := &Node{Kind: KindInline, Fields: make(map[string]*Node, len(t))}
		if hasTypeIndicator(t) {
			n.Kind = KindEmbedded
		}
		for k, child := range t {
			n.Fields[k] = classify(child)
		}
		return n
	case []any:
		n := &Node{Kind: KindInline, IsArray: true, Items: make([]*Node, len(t))}
		for i, child := range t {
			n.Items[i] = classify(child)
		}
		return n
	default:
		return &Node{Kind: KindInline, Scalar: v}
	}
}

// asPointer matches an object whose resourceType and resourceId are both
// non-empty strings.
func asPointer(m map[string]any) (core.Pointer, bool) {
	rt, ok1 := m["resourceType"].(string)
	rid, ok2 := m["resourceId"].(string)
	if !ok1 || !ok2 || rt == "" || rid == "" {
		return core.Pointer{}, false
	}
	return core.Pointer{ResourceType: rt, ResourceID: rid}, true
}

func hasTypeIndicator(m map[string]any) bool {
	for _, k := range typeKeys {
		if v, ok := m[k]; ok && v != nil && v != "" {
			return true
		}
	}
	return false
}

// ID returns the node's own id from "id" or "@id", if it has one.
func (n *Node) ID() (string, bool) {
	if n.Fields == nil {
		return "", false
	}
	for _, k := range []string{"id", "@id"} {
		child, ok := n.Fields[k]
		if !ok || child.Fields != nil || child.IsArray {
			continue
		}
		switch v := child.Scalar.(type) {
		case string:
			if v != "" {
				return v, true
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		}
	}
	return "", false
}

// Value renders the tree back into a JSON-shaped value.
func (n *Node) Value() any {
	switch {
	case n.Kind == KindPointer:
		return n.Ref.Map()
	case n.Fields != nil:
		out := make(map[string]any, len(n.Fields))
		for k, child := range n.Fields {
			out[k] = child.Value()
		}
		return out
	case n.IsArray:
		out := make([]any, len(n.Items))
		for i, child := range n.Items {
			out[i] = child.Value()
		}
		return out
	default:
		return n.Scalar
	}
}

// keys returns field names sorted, so walks are deterministic.
func (n *Node) keys() []string {
	keys := make([]string, 0, len(n.Fields))
	for k := range n.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
