package normalizer

import (
	"context"
)

// RequestContext configures one normalize or denormalize call. It is passed
// by value; nested values receive a narrowed copy.
type RequestContext struct {
	// Groups restricts the fields to the members of these groups; nil means every field
	Groups []string
	// AllowedGroups replaces Groups as the filter applied to a shape
	AllowedGroups []string
	// ForceGroups makes nested values keep Groups instead of their field read groups
	ForceGroups bool
	// Shape selects fields explicitly; nil means no shape
	Shape Shape

	InlineProperty  string
	IndexByProperty string
	SkipProperty    string
	InboundProperty string

	// Continuation is called once a breadth-first object has written its fields
	Continuation func()

	// BreadthFirst selects level-by-level traversal for Normalize
	BreadthFirst bool
	// MaxDepth bounds the traversal; zero uses the normalizer default
	MaxDepth int

	CheckAuthorizations bool
	// Strict rejects incoming keys that cannot be written
	Strict bool
	// StrictFind makes denormalization return nil instead of creating an
	// object that the store does not know
	StrictFind  bool
	AutoPersist bool
	// Flushing is set when the call runs inside a store flush
	Flushing bool

	ObjectToPopulate any
	// ForceProperties are merged over incoming data, winning over it
	ForceProperties map[string]any
	// OnRemove is called for every element removed from a collection
	OnRemove func(ctx context.Context, element any) error
	// PreWrite is set by collection reconciliation. When set, unknown
	// objects are not created, and objects for which it reports false are
	// resolved but not written.
	PreWrite func(element any) bool

	trace  *frame
	sched  *scheduler
	slot   BindPoint
	bound  bool
	cached AttributeSet
}

// narrow returns the context handed to a nested value
func (rc RequestContext) narrow() RequestContext {
	rc.slot = nil
	rc.bound = false
	rc.cached = nil
	return rc
}

func (rc RequestContext) depthLimit(def int) int {
	if rc.MaxDepth > 0 {
		return rc.MaxDepth
	}
	return def
}
