package normalizer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/conduit-lang/normalizer/internal/tree"
)

// Shape selects fields per request. Keys are field names, "*" for every
// field or "...group" for the members of a group; a leading "-" excludes.
// Values are the shapes of nested values, nil when unspecified.
type Shape map[string]Shape

// halfShape is one side, included or excluded, of a shape
type halfShape struct {
	all    bool
	groups []string
	fields []string
}

func (s Shape) split() (included, excluded halfShape) {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if strings.HasPrefix(k, "-") {
			excluded.add(k[1:])
		} else {
			included.add(k)
		}
	}
	return included, excluded
}

func (h *halfShape) add(token string) {
	switch {
	case token == "*":
		h.all = true
	case strings.HasPrefix(token, "..."):
		h.groups = append(h.groups, token[3:])
	default:
		h.fields = append(h.fields, token)
	}
}

// ParseShape converts a decoded tree into a Shape. Objects map keys to
// nested shapes and lists of strings are read as keys without nested shapes.
func ParseShape(v any) (Shape, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case Shape:
		return x, nil
	case *tree.Map:
		out := make(Shape, x.Len())
		for _, k := range x.Keys() {
			sub, err := ParseShape(x.Value(k))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = sub
		}
		return out, nil
	case map[string]any:
		out := make(Shape, len(x))
		for k, e := range x {
			sub, err := ParseShape(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = sub
		}
		return out, nil
	case []any:
		out := make(Shape, len(x))
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("%w: shape lists hold field names, got %T", ErrInvalidData, e)
			}
			out[s] = nil
		}
		return out, nil
	case bool:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unexpected shape value %T", ErrInvalidData, v)
	}
}
