package normalizer

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/conduit-lang/normalizer/internal/tree"
)

// frame is one object on the path from the root of a normalization. Frames
// are immutable and shared by the contexts of nested values.
type frame struct {
	parent   *frame
	depth    int
	class    string
	identity string
	groups   []string
	inbound  string
	obj      any
	// guarded frames take part in circular reference detection
	guarded bool
}

// enter pushes the frame of obj, failing when the path is too deep or when
// obj already appears on it with the same groups
func (n *Normalizer) enter(obj any, p *classPlan, rc RequestContext) (*frame, error) {
	f := &frame{
		parent:   rc.trace,
		depth:    1,
		class:    p.name,
		identity: n.renderIdentity(obj, p, 0),
		groups:   rc.Groups,
		inbound:  rc.InboundProperty,
		obj:      obj,
		guarded:  rc.Shape == nil,
	}
	if rc.trace != nil {
		f.depth = rc.trace.depth + 1
	}

	limit := rc.depthLimit(n.maxDepth)
	if f.depth > limit+1 {
		return nil, &TraversalError{Err: ErrMaxDepth, MaxDepth: limit, Path: f.path()}
	}
	if !f.guarded {
		return f, nil
	}
	for a := rc.trace; a != nil; a = a.parent {
		if a.guarded && sameInstance(a.obj, obj) && equalGroups(a.groups, f.groups) {
			return nil, &TraversalError{Err: ErrCircularReference, MaxDepth: limit, Path: f.path()}
		}
	}
	return f, nil
}

// path renders the frames from the root, such as
// `Post {"id":1} (default) -[author]-> Author {"id":7}`
func (f *frame) path() string {
	var frames []*frame
	for c := f; c != nil; c = c.parent {
		frames = append(frames, c)
	}

	var b strings.Builder
	for i := len(frames) - 1; i >= 0; i-- {
		c := frames[i]
		if c.inbound != "" {
			b.WriteString(" -[" + c.inbound + "]-> ")
		} else if i != len(frames)-1 {
			b.WriteString(" -> ")
		}
		b.WriteString(c.class)
		b.WriteString(" ")
		b.WriteString(c.identity)
		if c.groups != nil {
			b.WriteString(" (" + strings.Join(c.groups, ", ") + ")")
		}
	}
	return b.String()
}

// renderIdentity encodes the identity fields of obj. Identity values are read
// directly, so lazy objects are not loaded.
func (n *Normalizer) renderIdentity(obj any, p *classPlan, depth int) string {
	b, err := json.Marshal(n.identityTree(obj, p, depth))
	if err != nil {
		return "{}"
	}
	return string(b)
}

func (n *Normalizer) identityTree(obj any, p *classPlan, depth int) *tree.Map {
	out := tree.NewMap()
	for _, f := range p.identity {
		if !f.Readable() {
			continue
		}
		v := f.Get(obj)
		if f.Type.IsObject() && !isNil(v) && depth < 4 {
			if class, err := n.meta.ClassOf(v); err == nil {
				if sub, err := n.plan(class); err == nil {
					v = n.identityTree(v, sub, depth+1)
				}
			}
		}
		out.Set(f.Key(), v)
	}
	return out
}

// sameInstance compares objects by identity. Only pointers have one.
func sameInstance(a, b any) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Kind() != reflect.Pointer || vb.Kind() != reflect.Pointer {
		return false
	}
	return va.Type() == vb.Type() && va.Pointer() == vb.Pointer()
}

func equalGroups(a, b []string) bool {
	if (a == nil) != (b == nil) || len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
