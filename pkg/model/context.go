package model

import (
	"fmt"
	"sort"
	"strings"
)

const (
	defaultContextKind = "user"
	multiContextKind   = "multi"
)

// Context is the set of targeting attributes flags are evaluated against.
// Attribute values are arbitrary JSON.
type Context map[string]any

// Kind returns the context kind, "user" when unset.
func (c Context) Kind() string {
	if kind, ok := c["kind"].(string); ok && kind != "" {
		return kind
	}
	return defaultContextKind
}

// Key returns the context key. Multi-kind contexts are keyed by their sorted
// kind:key pairs.
func (c Context) Key() string {
	if c.Kind() != multiContextKind {
		key, _ := c["key"].(string)
		return key
	}
	var parts []string
	for kind, v := range c {
		if kind == "kind" {
			continue
		}
		sub, ok := v.(map[string]any)
		if !ok {
			continue
		}
		key, _ := sub["key"].(string)
		parts = append(parts, fmt.Sprintf("%s:%s", kind, key))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// SameContext compares two contexts by kind and key. Two nil contexts are the
// same, a nil and a non-nil context are not.
func SameContext(a, b Context) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Kind() == b.Kind() && a.Key() == b.Key()
}
