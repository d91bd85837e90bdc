// Package normalizer converts object graphs to tree values and back.
//
// Normalization walks the readable fields of each object, either depth first
// or level by level through a scheduler that batches lazy loads before the
// fields of a level are read. Denormalization resolves objects through the
// persistence store, constructs missing ones and reconciles collections while
// keeping inverse fields consistent.
package normalizer

import (
	"context"
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/conduit-lang/normalizer/internal/metrics"
	"github.com/conduit-lang/normalizer/internal/orm/collection"
	"github.com/conduit-lang/normalizer/internal/orm/schema"
	"github.com/conduit-lang/normalizer/internal/orm/store"
	"github.com/conduit-lang/normalizer/internal/tree"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultMaxDepth bounds the traversal when neither the normalizer nor the
// request configures a depth
const DefaultMaxDepth = 16

const tracerName = "github.com/conduit-lang/normalizer/internal/normalizer"

// MetadataProvider describes the normalizable classes
type MetadataProvider interface {
	ClassOf(obj any) (string, error)
	Class(name string) (*schema.Class, error)
	Fields(name string) ([]*schema.Field, error)
	Factory(name string) (*schema.Factory, error)
	GroupSecurity(name string) (schema.GroupSecurity, error)
	GroupInitializers(name string) (map[string]schema.Initializer, error)
	IsA(class, parent string) bool
}

// PersistenceStore finds and stages entities. Find returns nil when no
// entity matches; errors matching store.ErrInvalidReference are treated the
// same way.
type PersistenceStore interface {
	Find(ctx context.Context, class string, identity map[string]any) (any, error)
	Persist(ctx context.Context, obj any) error
	Remove(ctx context.Context, obj any) error
	Updater(flushing bool) store.Updater
}

// Authorizer decides whether a permission is granted on an object
type Authorizer interface {
	IsGranted(ctx context.Context, permission string, obj any) bool
}

// Normalizer converts between objects and tree values. It is safe for
// concurrent use; each call owns its own traversal state.
type Normalizer struct {
	meta        MetadataProvider
	store       PersistenceStore
	authorizer  Authorizer
	entities    schema.Initializer
	collections schema.Initializer

	logger       *zap.Logger
	tracer       trace.Tracer
	maxDepth     int
	breadthFirst bool
	groups       []string

	plans sync.Map
}

// Option configures a Normalizer
type Option func(*Normalizer)

// WithStore sets the persistence store used by denormalization
func WithStore(s PersistenceStore) Option {
	return func(n *Normalizer) { n.store = s }
}

// WithAuthorizer sets the authorizer used when a request checks authorizations
func WithAuthorizer(a Authorizer) Option {
	return func(n *Normalizer) { n.authorizer = a }
}

// WithEntityInitializer sets the initializer batching lazy objects
func WithEntityInitializer(init schema.Initializer) Option {
	return func(n *Normalizer) { n.entities = init }
}

// WithCollectionInitializer sets the initializer batching lazy collections
func WithCollectionInitializer(init schema.Initializer) Option {
	return func(n *Normalizer) { n.collections = init }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(n *Normalizer) { n.logger = logger }
}

// WithTracer sets the tracer; defaults to the global tracer provider
func WithTracer(tracer trace.Tracer) Option {
	return func(n *Normalizer) { n.tracer = tracer }
}

// WithMaxDepth sets the default depth limit
func WithMaxDepth(depth int) Option {
	return func(n *Normalizer) { n.maxDepth = depth }
}

// WithImplicitBreadthFirst makes every Normalize call breadth first
func WithImplicitBreadthFirst(enabled bool) Option {
	return func(n *Normalizer) { n.breadthFirst = enabled }
}

// WithDefaultGroups sets the groups used by requests that set none
func WithDefaultGroups(groups ...string) Option {
	return func(n *Normalizer) { n.groups = groups }
}

// New creates a normalizer over meta
func New(meta MetadataProvider, opts ...Option) *Normalizer {
	n := &Normalizer{
		meta:     meta,
		logger:   zap.NewNop(),
		maxDepth: DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.tracer == nil {
		n.tracer = otel.Tracer(tracerName)
	}
	return n
}

// Normalize converts v into a tree value
func (n *Normalizer) Normalize(ctx context.Context, v any, rc RequestContext) (out any, err error) {
	breadthFirst := rc.BreadthFirst || n.breadthFirst
	mode := "depth_first"
	if breadthFirst {
		mode = "breadth_first"
	}

	ctx, span := n.tracer.Start(ctx, "normalizer.Normalize", trace.WithAttributes(attribute.String("normalizer.mode", mode)))
	defer span.End()
	defer n.observe("normalize", mode, time.Now(), span, &err)

	rc = n.prepare(rc)
	if !breadthFirst {
		return n.normalize(ctx, v, rc)
	}

	s := newScheduler(n.tracer, n.logger)
	root := &rootSlot{}
	rc.sched = s
	s.bind(root, n.normalize, v, rc)
	if err := s.resolve(ctx); err != nil {
		return nil, err
	}
	return root.value, nil
}

// Denormalize converts data into an instance of class, or into the elements
// of a collection when class ends with "[]"
func (n *Normalizer) Denormalize(ctx context.Context, data any, class string, rc RequestContext) (out any, err error) {
	ctx, span := n.tracer.Start(ctx, "normalizer.Denormalize", trace.WithAttributes(attribute.String("normalizer.class", class)))
	defer span.End()
	defer n.observe("denormalize", "depth_first", time.Now(), span, &err)

	rc = n.prepare(rc)
	if element, ok := strings.CutSuffix(class, "[]"); ok {
		return n.denormalizeCollection(ctx, data, element, rc)
	}
	return n.denormalizeObject(ctx, data, class, rc)
}

func (n *Normalizer) prepare(rc RequestContext) RequestContext {
	rc = rc.narrow()
	rc.trace = nil
	rc.sched = nil
	rc.MaxDepth = rc.depthLimit(n.maxDepth)
	if rc.Groups == nil && n.groups != nil {
		rc.Groups = n.groups
	}
	return rc
}

func (n *Normalizer) observe(op, mode string, start time.Time, span trace.Span, err *error) {
	result := "success"
	if *err != nil {
		result = "error"
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	metrics.Operations.WithLabelValues(op, mode, result).Inc()
	metrics.OperationDuration.WithLabelValues(op, mode).Observe(time.Since(start).Seconds())
}

// normalize is the dispatcher: it routes v by its runtime type. In breadth
// first mode a bound call returns deferred when it wrote to its bind point.
func (n *Normalizer) normalize(ctx context.Context, v any, rc RequestContext) (any, error) {
	if isNil(v) {
		return nil, nil
	}
	switch x := v.(type) {
	case *tree.Map:
		return x, nil
	case map[string]any:
		return n.normalizeMap(ctx, x, rc)
	case collection.Collection:
		return n.normalizeCollection(ctx, x, rc)
	}
	if isScalar(v) {
		return v, nil
	}

	class, err := n.meta.ClassOf(v)
	if err == nil {
		return n.normalizeObject(ctx, v, class, rc)
	}
	if _, ok := collection.Elements(v); ok {
		return n.normalizeCollection(ctx, v, rc)
	}
	switch v.(type) {
	case json.Marshaler, encoding.TextMarshaler, fmt.Stringer:
		return v, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

// normalizeMap handles untyped maps. Their values are normalized in place,
// depth first even during a breadth-first traversal.
func (n *Normalizer) normalizeMap(ctx context.Context, m map[string]any, rc RequestContext) (any, error) {
	out := tree.FromMap(m)
	for _, k := range out.Keys() {
		v, err := n.normalize(ctx, out.Value(k), rc.narrow())
		if err != nil {
			return nil, err
		}
		out.Set(k, v)
	}
	return out, nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, json.Number, []byte, time.Time:
		return true
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// isNil reports whether v is nil or a typed nil pointer, map, slice or interface
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
