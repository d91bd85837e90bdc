package normalizer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/conduit-lang/normalizer/internal/tree"
)

// OpCode selects how incoming elements are reconciled with a collection
type OpCode int

const (
	// OpUpdate writes elements that are already members
	OpUpdate OpCode = iota
	// OpAdd writes members and appends new elements
	OpAdd
	// OpRetain writes members and removes the missing ones
	OpRetain
	// OpSet makes the collection hold exactly the incoming elements
	OpSet
	// OpRemove removes the incoming elements without writing them
	OpRemove
	// OpMerge applies a sequence of payloads in order
	OpMerge
)

var opCodes = map[string]OpCode{
	"update": OpUpdate,
	"add":    OpAdd,
	"retain": OpRetain,
	"set":    OpSet,
	"remove": OpRemove,
	"merge":  OpMerge,
}

// String returns the token of the op-code
func (o OpCode) String() string {
	for token, op := range opCodes {
		if op == o {
			return "$" + token
		}
	}
	return fmt.Sprintf("OpCode(%d)", int(o))
}

// ParseOpCode parses a token such as "$add". Unknown tokens yield OpUpdate
// and false.
func ParseOpCode(token string) (OpCode, bool) {
	op, ok := opCodes[strings.ToLower(strings.TrimPrefix(token, "$"))]
	if !ok {
		return OpUpdate, false
	}
	return op, true
}

func (o OpCode) hasAdd() bool {
	return o == OpAdd || o == OpSet
}

func (o OpCode) hasRetain() bool {
	return o == OpRetain || o == OpSet
}

// payloadEntry is one incoming element with its key in the payload. Keyed
// entries come from a map payload.
type payloadEntry struct {
	key   string
	value any
	keyed bool
}

// parsePayload splits incoming collection data into its op-code and
// elements. A leading "$" string is the op-code; without one the payload
// replaces the collection.
func parsePayload(data any, indexBy string) (OpCode, []payloadEntry, error) {
	switch x := data.(type) {
	case nil:
		return OpSet, nil, nil
	case *tree.Map:
		return OpSet, mapEntries(x), nil
	case map[string]any:
		return OpSet, mapEntries(tree.FromMap(x)), nil
	case []any:
		op := OpSet
		items := x
		if len(x) > 0 {
			if token, ok := x[0].(string); ok && strings.HasPrefix(token, "$") {
				op, _ = ParseOpCode(token)
				items = x[1:]
				if op != OpMerge && indexBy != "" && len(items) == 1 {
					if m, ok := asTree(items[0]); ok {
						return op, mapEntries(m), nil
					}
				}
			}
		}
		entries := make([]payloadEntry, len(items))
		for i, item := range items {
			entries[i] = payloadEntry{key: strconv.Itoa(i), value: item}
		}
		return op, entries, nil
	default:
		return OpSet, nil, fmt.Errorf("%w: collection payload must be a list or a map, got %T", ErrInvalidData, data)
	}
}

func mapEntries(m *tree.Map) []payloadEntry {
	entries := make([]payloadEntry, 0, m.Len())
	for _, k := range m.Keys() {
		entries = append(entries, payloadEntry{key: k, value: m.Value(k), keyed: true})
	}
	return entries
}
