// Package store provides the persistence collaborator of the normalizer: a
// session holding an identity map and a unit of work over a pluggable
// backend. Entities are read through Find and lazy references, changed in
// memory, and written back by Flush.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/conduit-lang/normalizer/internal/metrics"
	"github.com/conduit-lang/normalizer/internal/orm/collection"
	"github.com/conduit-lang/normalizer/internal/orm/record"
	"github.com/conduit-lang/normalizer/internal/orm/schema"
	"github.com/conduit-lang/normalizer/internal/orm/tracking"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrFlushInProgress is returned when Flush is called from within a flush
var ErrFlushInProgress = errors.New("flush already in progress")

// Metadata resolves classes of entities
type Metadata interface {
	Class(name string) (*schema.Class, error)
	ClassOf(obj any) (string, error)
}

// FlushListener runs during a flush, after change sets are computed and
// before they are written. Changes it makes must go through the updater to
// be part of the flush.
type FlushListener func(ctx context.Context, u Updater) error

type entityState int

const (
	stateNew entityState = iota
	stateManaged
	stateRemoved
)

type entry struct {
	obj   any
	class *schema.Class
	id    Identity
	state entityState

	// stored is the row as last loaded or flushed; nil for new entities and
	// uninitialized proxies
	stored Row
	// links holds the join-table membership of plain collections at the last flush
	links map[string][]any

	scheduled   bool
	changes     *tracking.ChangeSet
	memberships map[string]tracking.MembershipDiff
}

// Session is a unit of work. It is not safe for concurrent use.
type Session struct {
	meta    Metadata
	backend Backend
	logger  *zap.Logger
	newID   func() any

	entries   map[any]*entry
	order     []*entry
	identity  map[string]any
	listeners []FlushListener
	flushing  bool
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithIDGenerator sets the generator of identities for new entities with a
// single empty identity field
func WithIDGenerator(gen func() any) Option {
	return func(s *Session) { s.newID = gen }
}

// NewSession creates a session over backend
func NewSession(meta Metadata, backend Backend, opts ...Option) *Session {
	s := &Session{
		meta:     meta,
		backend:  backend,
		logger:   zap.NewNop(),
		newID:    func() any { return uuid.NewString() },
		entries:  make(map[any]*entry),
		identity: make(map[string]any),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnFlush registers a flush listener
func (s *Session) OnFlush(l FlushListener) {
	s.listeners = append(s.listeners, l)
}

// Flushing reports whether a flush is in progress
func (s *Session) Flushing() bool {
	return s.flushing
}

// Updater returns the updater to use for changes. Pass true when called from
// within a flush so change sets are recomputed immediately.
func (s *Session) Updater(flushing bool) Updater {
	return &flushProofUpdater{session: s, flushing: flushing}
}

func (s *Session) classOf(obj any) (*schema.Class, error) {
	name, err := s.meta.ClassOf(obj)
	if err != nil {
		return nil, err
	}
	return s.meta.Class(name)
}

func (s *Session) rootOf(class *schema.Class) string {
	name := class.Name
	for i := 0; i < 16 && class.Parent != ""; i++ {
		parent, err := s.meta.Class(class.Parent)
		if err != nil {
			break
		}
		class, name = parent, parent.Name
	}
	return name
}

func (s *Session) mapKey(class *schema.Class, id Identity) string {
	return s.rootOf(class) + "#" + id.Key()
}

func (s *Session) register(e *entry) {
	s.entries[e.obj] = e
	s.order = append(s.order, e)
	if e.id.Complete() {
		s.identity[s.mapKey(e.class, e.id)] = e.obj
	}
}

func (s *Session) detach(e *entry) {
	delete(s.entries, e.obj)
	if e.id.Complete() {
		key := s.mapKey(e.class, e.id)
		if s.identity[key] == e.obj {
			delete(s.identity, key)
		}
	}
	for i, o := range s.order {
		if o == e {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Contains reports whether obj is managed and not scheduled for removal
func (s *Session) Contains(obj any) bool {
	e, ok := s.entries[obj]
	return ok && e.state != stateRemoved
}

// IsNew reports whether obj was persisted but not flushed yet
func (s *Session) IsNew(obj any) bool {
	e, ok := s.entries[obj]
	return ok && e.state == stateNew
}

// Find returns the entity of class whose identity fields hold the given
// values, or nil when none exists. Identity components that are entities
// without identity yield ErrInvalidReference.
func (s *Session) Find(ctx context.Context, className string, identity map[string]any) (any, error) {
	class, err := s.meta.Class(className)
	if err != nil {
		return nil, err
	}
	id, err := s.identityFromValues(class, identity)
	if err != nil {
		return nil, err
	}
	if !id.Complete() {
		return nil, fmt.Errorf("%w: incomplete identity for %s", ErrInvalidReference, class.Name)
	}

	if obj, ok := s.identity[s.mapKey(class, id)]; ok {
		if s.entries[obj].state == stateRemoved {
			return nil, nil
		}
		if err := s.initialize(ctx, obj); err != nil {
			return nil, err
		}
		return obj, nil
	}

	cols, err := s.identityColumns(class)
	if err != nil {
		return nil, err
	}
	rows, err := s.backend.Select(ctx, Query{Table: class.TableName(), Columns: cols, Keys: []Identity{id}, Cacheable: true})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return s.materialize(ctx, class, rows[0])
}

// FindAll returns every stored entity of class
func (s *Session) FindAll(ctx context.Context, className string) ([]any, error) {
	class, err := s.meta.Class(className)
	if err != nil {
		return nil, err
	}
	rows, err := s.backend.Select(ctx, Query{Table: class.TableName()})
	if err != nil {
		return nil, err
	}

	out := make([]any, 0, len(rows))
	for _, row := range rows {
		obj, err := s.materialize(ctx, class, row)
		if err != nil {
			return nil, err
		}
		if s.Contains(obj) {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (s *Session) initialize(ctx context.Context, obj any) error {
	if lazy, ok := obj.(collection.Lazy); ok && !lazy.Initialized() {
		return lazy.Initialize(ctx)
	}
	return nil
}

// reference returns the entity with identity id. Record-backed classes get an
// uninitialized proxy; other classes are loaded immediately.
func (s *Session) reference(ctx context.Context, class *schema.Class, id Identity) (any, error) {
	if obj, ok := s.identity[s.mapKey(class, id)]; ok {
		return obj, nil
	}

	if class.GoType != nil {
		cols, err := s.identityColumns(class)
		if err != nil {
			return nil, err
		}
		rows, err := s.backend.Select(ctx, Query{Table: class.TableName(), Columns: cols, Keys: []Identity{id}, Cacheable: true})
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("%w: %s %v", ErrNotFound, class.Name, id)
		}
		return s.materialize(ctx, class, rows[0])
	}

	values, err := s.identityValues(ctx, class, id)
	if err != nil {
		return nil, err
	}
	proxy := record.NewProxy(class.Name, values, s.proxyLoader(class))
	s.register(&entry{obj: proxy, class: class, id: id, state: stateManaged})
	return proxy, nil
}

// identityValues maps flattened identity columns back to identity field values
func (s *Session) identityValues(ctx context.Context, class *schema.Class, id Identity) (map[string]any, error) {
	values := make(map[string]any)
	i := 0
	for _, f := range class.IdentityFields() {
		if !f.Type.IsObject() {
			values[f.Name] = id[i]
			i++
			continue
		}
		cols, err := s.referenceColumns(f)
		if err != nil {
			return nil, err
		}
		target, err := s.meta.Class(f.Type.Class)
		if err != nil {
			return nil, err
		}
		ref, err := s.reference(ctx, target, id[i:i+len(cols)])
		if err != nil {
			return nil, err
		}
		values[f.Name] = ref
		i += len(cols)
	}
	return values, nil
}

func (s *Session) proxyLoader(class *schema.Class) record.Loader {
	return func(ctx context.Context, r *record.Record) error {
		return s.Load(ctx, class.Name, []any{r})
	}
}

// materialize returns the managed entity for a stored row, creating and
// hydrating it when needed
func (s *Session) materialize(ctx context.Context, class *schema.Class, row Row) (any, error) {
	cols, err := s.identityColumns(class)
	if err != nil {
		return nil, err
	}
	id := keyOf(row, cols)

	if obj, ok := s.identity[s.mapKey(class, id)]; ok {
		e := s.entries[obj]
		if e.stored == nil && e.state == stateManaged {
			if err := s.hydrate(ctx, e, row); err != nil {
				return nil, err
			}
		}
		return obj, nil
	}

	class = s.discriminate(class, row)
	var obj any
	switch {
	case class.GoType == nil:
		obj = record.NewProxy(class.Name, nil, s.proxyLoader(class))
	case class.New != nil:
		obj = class.New()
	default:
		return nil, fmt.Errorf("cannot instantiate %s from storage", class.Name)
	}

	e := &entry{obj: obj, class: class, id: id, state: stateManaged}
	s.register(e)
	if err := s.hydrate(ctx, e, row); err != nil {
		s.detach(e)
		return nil, err
	}
	return obj, nil
}

func (s *Session) discriminate(class *schema.Class, row Row) *schema.Class {
	if class.Discriminator == nil {
		return class
	}
	value := fmt.Sprint(normalizeValue(row[class.Discriminator.Field]))
	if sub, ok := class.Discriminator.Mapping[value]; ok {
		if c, err := s.meta.Class(sub); err == nil {
			return c
		}
	}
	return class
}

// Load initializes proxies of class in one query
func (s *Session) Load(ctx context.Context, className string, objs []any) error {
	class, err := s.meta.Class(className)
	if err != nil {
		return err
	}
	cols, err := s.identityColumns(class)
	if err != nil {
		return err
	}

	pending := make(map[string]*entry)
	var keys []Identity
	for _, obj := range objs {
		e, ok := s.entries[obj]
		if !ok {
			return fmt.Errorf("%w: %v", ErrNotManaged, obj)
		}
		if e.stored != nil || e.state == stateNew {
			continue
		}
		if _, dup := pending[e.id.Key()]; !dup {
			pending[e.id.Key()] = e
			keys = append(keys, e.id)
		}
	}
	if len(keys) == 0 {
		return nil
	}

	rows, err := s.backend.Select(ctx, Query{Table: class.TableName(), Columns: cols, Keys: keys, Cacheable: true})
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", class.Name, err)
	}
	for _, row := range rows {
		e, ok := pending[keyOf(row, cols).Key()]
		if !ok {
			continue
		}
		if err := s.hydrate(ctx, e, row); err != nil {
			return err
		}
		delete(pending, e.id.Key())
	}
	for _, e := range pending {
		return fmt.Errorf("%w: %s %v", ErrNotFound, class.Name, e.id)
	}

	s.logger.Debug("loaded entities", zap.String("class", class.Name), zap.Int("count", len(keys)))
	return nil
}

type collectionGroup struct {
	owner *schema.Class
	field *schema.Field
	colls []*collection.Persistent
}

// LoadCollections initializes lazy collections with one query per owning
// class and field
func (s *Session) LoadCollections(ctx context.Context, colls []*collection.Persistent) error {
	groups := make(map[string]*collectionGroup)
	var order []string
	for _, c := range colls {
		if c.Initialized() {
			continue
		}
		e, ok := s.entries[c.Owner()]
		if !ok {
			return fmt.Errorf("%w: owner of %s", ErrNotManaged, c.Field())
		}
		key := e.class.Name + "." + c.Field()
		g, ok := groups[key]
		if !ok {
			f := e.class.FieldByName(c.Field())
			if f == nil || !f.Type.IsCollection() {
				return fmt.Errorf("%s is not a collection of %s", c.Field(), e.class.Name)
			}
			g = &collectionGroup{owner: e.class, field: f}
			groups[key] = g
			order = append(order, key)
		}
		g.colls = append(g.colls, c)
	}

	for _, key := range order {
		if err := s.loadCollectionGroup(ctx, groups[key]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) loadCollectionGroup(ctx context.Context, g *collectionGroup) error {
	target, err := s.meta.Class(g.field.Type.Class)
	if err != nil {
		return err
	}

	owners := make([]Identity, 0, len(g.colls))
	for _, c := range g.colls {
		owners = append(owners, s.entries[c.Owner()].id)
	}

	members := make(map[string][]any)
	inverse, err := s.inverseReference(g.field)
	if err != nil {
		return err
	}

	if inverse != nil {
		cols, err := s.referenceColumns(inverse)
		if err != nil {
			return err
		}
		rows, err := s.backend.Select(ctx, Query{Table: target.TableName(), Columns: cols, Keys: owners})
		if err != nil {
			return fmt.Errorf("failed to load %s.%s: %w", g.owner.Name, g.field.Name, err)
		}
		for _, row := range rows {
			elem, err := s.materialize(ctx, target, row)
			if err != nil {
				return err
			}
			owner := keyOf(row, cols).Key()
			members[owner] = append(members[owner], elem)
		}
	} else {
		table, ownerCols, targetCols, err := s.linkTable(g.owner, g.field)
		if err != nil {
			return err
		}
		rows, err := s.backend.Select(ctx, Query{Table: table, Columns: ownerCols, Keys: owners})
		if err != nil {
			return fmt.Errorf("failed to load %s.%s: %w", g.owner.Name, g.field.Name, err)
		}
		for _, row := range rows {
			elem, err := s.reference(ctx, target, keyOf(row, targetCols))
			if err != nil {
				return err
			}
			owner := keyOf(row, ownerCols).Key()
			members[owner] = append(members[owner], elem)
		}
	}

	for i, c := range g.colls {
		items := members[owners[i].Key()]
		c.Hydrate(items)
		if e := s.entries[c.Owner()]; e.links != nil {
			e.links[g.field.Name] = items
		}
	}

	s.logger.Debug("loaded collections",
		zap.String("class", g.owner.Name),
		zap.String("field", g.field.Name),
		zap.Int("owners", len(g.colls)))
	return nil
}

// Persist schedules obj for insertion. A single empty identity field is
// filled by the identity generator.
func (s *Session) Persist(ctx context.Context, obj any) error {
	if e, ok := s.entries[obj]; ok {
		if e.state == stateRemoved {
			e.state = stateManaged
		}
		return nil
	}

	class, err := s.classOf(obj)
	if err != nil {
		return err
	}
	if class.Abstract {
		return fmt.Errorf("cannot persist abstract class %s", class.Name)
	}

	id, err := s.identityOfClass(obj, class)
	if err != nil {
		return err
	}
	if !id.Complete() {
		if id, err = s.generateIdentity(obj, class); err != nil {
			return err
		}
	}

	key := s.mapKey(class, id)
	if existing, ok := s.identity[key]; ok && existing != obj {
		return fmt.Errorf("another %s with identity %v is already managed", class.Name, id)
	}

	s.register(&entry{obj: obj, class: class, id: id, state: stateNew, links: make(map[string][]any)})
	return nil
}

func (s *Session) generateIdentity(obj any, class *schema.Class) (Identity, error) {
	fields := class.IdentityFields()
	if len(fields) != 1 || fields[0].Type.IsObject() || fields[0].Set == nil {
		return nil, fmt.Errorf("%w: %s has no identity and none can be generated", ErrIdentityRequired, class.Name)
	}
	if err := fields[0].Set(obj, s.newID()); err != nil {
		return nil, fmt.Errorf("failed to assign identity to %s: %w", class.Name, err)
	}
	return s.identityOfClass(obj, class)
}

// Remove schedules obj for deletion. New entities are simply forgotten.
func (s *Session) Remove(ctx context.Context, obj any) error {
	e, ok := s.entries[obj]
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotManaged, obj)
	}
	if e.state == stateNew {
		s.detach(e)
		return nil
	}
	e.state = stateRemoved
	return nil
}

// Flush writes every scheduled change to the backend. Flush listeners run
// after change sets are computed; their changes are written only when made
// through the updater they receive.
func (s *Session) Flush(ctx context.Context) error {
	if s.flushing {
		return ErrFlushInProgress
	}
	s.flushing = true
	defer func() {
		s.flushing = false
		for _, e := range s.order {
			e.scheduled = false
			e.changes = nil
			e.memberships = nil
		}
	}()
	start := time.Now()

	for _, e := range append([]*entry(nil), s.order...) {
		if err := s.compute(e); err != nil {
			return err
		}
	}

	updater := s.Updater(true)
	for _, l := range s.listeners {
		if err := l(ctx, updater); err != nil {
			return fmt.Errorf("flush listener failed: %w", err)
		}
	}

	plan, err := s.plan()
	if err != nil {
		return err
	}
	if err := s.backend.Apply(ctx, plan); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	s.commit()

	for _, op := range []Op{OpInsert, OpUpdate, OpDelete} {
		metrics.FlushStatements.WithLabelValues(op.String()).Add(float64(plan.Count(op)))
	}
	s.logger.Debug("flushed",
		zap.Int("inserts", plan.Count(OpInsert)),
		zap.Int("updates", plan.Count(OpUpdate)),
		zap.Int("deletes", plan.Count(OpDelete)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// compute records the change set and collection differences of an entity
func (s *Session) compute(e *entry) error {
	e.scheduled = true
	e.changes = nil
	e.memberships = make(map[string]tracking.MembershipDiff)

	if e.state == stateRemoved {
		return nil
	}
	if e.state == stateManaged && e.stored == nil {
		// uninitialized proxy
		return nil
	}

	row, err := s.rowOf(e.obj, e.class)
	if err != nil {
		return err
	}
	e.changes = tracking.NewChangeSet(e.stored, row)

	for _, f := range e.class.Fields {
		if !f.Type.IsCollection() || f.Get == nil {
			continue
		}
		v := f.Get(e.obj)
		if p, ok := v.(*collection.Persistent); ok {
			if p.Initialized() {
				e.memberships[f.Name] = tracking.DiffMembership(p.Snapshot(), p.Elements())
			}
			continue
		}
		elems, ok := collection.Elements(v)
		if !ok {
			return fmt.Errorf("%s.%s holds %T, not a collection", e.class.Name, f.Name, v)
		}
		e.memberships[f.Name] = tracking.DiffMembership(e.links[f.Name], elems)
	}
	return nil
}

func (s *Session) plan() (*Plan, error) {
	var inserts, updates, unlinks, links, deletes []Statement

	for _, e := range s.order {
		if !e.scheduled {
			continue
		}
		table := e.class.TableName()
		idCols, err := s.identityColumns(e.class)
		if err != nil {
			return nil, err
		}

		switch {
		case e.state == stateRemoved:
			deletes = append(deletes, Statement{Op: OpDelete, Table: table, KeyColumns: idCols, Key: e.id})
			for _, f := range e.class.Fields {
				if !f.Type.IsCollection() {
					continue
				}
				if inv, err := s.inverseReference(f); err != nil || inv != nil {
					continue
				}
				linkTable, ownerCols, _, err := s.linkTable(e.class, f)
				if err != nil {
					return nil, err
				}
				unlinks = append(unlinks, Statement{Op: OpDelete, Table: linkTable, KeyColumns: ownerCols, Key: e.id})
			}
			continue
		case e.changes == nil:
			continue
		case e.state == stateNew:
			inserts = append(inserts, Statement{Op: OpInsert, Table: table, Values: Row(e.changes.Current())})
		case e.changes.HasChanges():
			data := e.changes.ChangedData()
			for _, c := range idCols {
				delete(data, c)
			}
			if len(data) > 0 {
				updates = append(updates, Statement{Op: OpUpdate, Table: table, KeyColumns: idCols, Key: e.id, Values: Row(data)})
			}
		}

		for _, f := range e.class.Fields {
			diff, ok := e.memberships[f.Name]
			if !ok || diff.Empty() {
				continue
			}
			inv, err := s.inverseReference(f)
			if err != nil {
				return nil, err
			}
			if inv != nil {
				// stored on the element rows
				continue
			}
			linkTable, ownerCols, targetCols, err := s.linkTable(e.class, f)
			if err != nil {
				return nil, err
			}
			keyCols := append(append([]string(nil), ownerCols...), targetCols...)
			for _, elem := range diff.Deleted {
				target, err := s.elementIdentity(elem)
				if err != nil {
					return nil, err
				}
				unlinks = append(unlinks, Statement{Op: OpDelete, Table: linkTable, KeyColumns: keyCols, Key: append(append(Identity(nil), e.id...), target...)})
			}
			for _, elem := range diff.Inserted {
				target, err := s.elementIdentity(elem)
				if err != nil {
					return nil, err
				}
				values := make(Row, len(keyCols))
				for i, c := range ownerCols {
					values[c] = e.id[i]
				}
				for i, c := range targetCols {
					values[c] = target[i]
				}
				links = append(links, Statement{Op: OpInsert, Table: linkTable, Values: values})
			}
		}
	}

	plan := &Plan{}
	for _, group := range [][]Statement{inserts, updates, unlinks, links, deletes} {
		plan.Statements = append(plan.Statements, group...)
	}
	return plan, nil
}

func (s *Session) elementIdentity(elem any) (Identity, error) {
	id, err := s.identityOf(elem)
	if err != nil {
		return nil, err
	}
	if !id.Complete() {
		return nil, fmt.Errorf("%w: collection element %v has no identity", ErrInvalidReference, elem)
	}
	return id, nil
}

// commit makes the flushed state the stored state
func (s *Session) commit() {
	for _, e := range append([]*entry(nil), s.order...) {
		if !e.scheduled {
			continue
		}
		if e.state == stateRemoved {
			s.detach(e)
			continue
		}
		if e.changes == nil {
			continue
		}
		e.state = stateManaged
		e.stored = e.changes.Current()
		if e.links == nil {
			e.links = make(map[string][]any)
		}
		for _, f := range e.class.Fields {
			if _, ok := e.memberships[f.Name]; !ok {
				continue
			}
			v := f.Get(e.obj)
			if p, ok := v.(*collection.Persistent); ok {
				p.TakeSnapshot()
				continue
			}
			elems, _ := collection.Elements(v)
			e.links[f.Name] = elems
		}
	}
}

// Clear forgets every managed entity
func (s *Session) Clear() {
	s.entries = make(map[any]*entry)
	s.order = nil
	s.identity = make(map[string]any)
}
