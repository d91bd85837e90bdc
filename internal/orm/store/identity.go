package store

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Identity holds the identity column values of an entity, in column order
type Identity []any

// Key returns a string usable as a map key. Numeric values of different Go
// types that print the same produce the same key.
func (id Identity) Key() string {
	parts := make([]string, len(id))
	for i, v := range id {
		parts[i] = fmt.Sprint(normalizeValue(v))
	}
	return strings.Join(parts, "\x1f")
}

// Complete reports whether every component is set
func (id Identity) Complete() bool {
	if len(id) == 0 {
		return false
	}
	for _, v := range id {
		if v == nil {
			return false
		}
	}
	return true
}

// normalizeValue converts driver and cache representations into plain values
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case int:
		return int64(val)
	case int32:
		return int64(val)
	default:
		return v
	}
}
