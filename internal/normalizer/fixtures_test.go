package normalizer

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/conduit-lang/normalizer/internal/orm/collection"
	"github.com/conduit-lang/normalizer/internal/orm/record"
	"github.com/conduit-lang/normalizer/internal/orm/schema"
	"github.com/conduit-lang/normalizer/internal/orm/store"
	"github.com/conduit-lang/normalizer/internal/tree"
	"github.com/stretchr/testify/require"
)

const blogMapping = `
classes:
  - name: Author
    security:
      read: {private: read_private}
      write: {private: write_private}
    fields:
      - {name: id, groups: [identity, default]}
      - {name: name, groups: [default]}
      - {name: email, groups: [private]}
      - {name: posts, kind: collection, class: Post, inverse: author, groups: [details], read_groups: [default]}
  - name: Post
    fields:
      - {name: id, groups: [identity, default]}
      - {name: title, groups: [default]}
      - {name: author, kind: object, class: Author, inverse: posts, groups: [default], read_groups: [default]}
      - {name: tags, kind: collection, class: Tag, index_by: label, groups: [default], read_groups: [default]}
      - {name: comments, kind: collection, class: Comment, inverse: post, auto_persist: true, auto_remove: true}
  - name: Tag
    fields:
      - {name: id, groups: [identity, default]}
      - {name: label, groups: [default]}
  - name: Comment
    fields:
      - {name: id, groups: [identity]}
      - {name: body}
      - {name: post, kind: object, class: Post, inverse: comments}
  - name: Node
    fields:
      - {name: id, groups: [identity]}
      - {name: next, kind: object, class: Node}
  - name: Membership
    fields:
      - {name: group, groups: [identity]}
      - {name: user, groups: [identity]}
      - {name: role}
  - name: Item
    fields:
      - {name: id, groups: [identity]}
      - {name: attrs, kind: untyped}
  - name: Order
    fields:
      - {name: id, groups: [identity]}
      - {name: item, kind: object, class: Item, inline: attrs}
  - name: Animal
    abstract: true
    discriminator:
      field: type
      mapping: {dog: Dog, cat: Cat}
    fields:
      - {name: name}
  - name: Dog
    parent: Animal
    fields:
      - {name: name}
      - {name: good}
  - name: Cat
    parent: Animal
    fields:
      - {name: name}
  - name: Album
    fields:
      - {name: id, groups: [identity]}
      - {name: tracks, kind: collection, class: Track, inverse: album}
  - name: Track
    fields:
      - {name: id, groups: [identity]}
      - {name: album, kind: object, class: Album, inverse: tracks, auto_remove: true}
`

func newRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	classes, err := schema.LoadMapping(strings.NewReader(blogMapping))
	require.NoError(t, err)
	registry := schema.NewRegistry().MustRegister(classes...)
	require.NoError(t, registry.ValidateAll())
	return registry
}

func newRecord(class string, values map[string]any) *record.Record {
	r := record.New(class)
	for k, v := range values {
		r.Set(k, v)
	}
	return r
}

type blog struct {
	ada  *record.Record
	post *record.Record
	tags []*record.Record
}

func newBlog() blog {
	ada := newRecord("Author", map[string]any{"id": 7, "name": "Ada", "email": "ada@example.com"})
	golang := newRecord("Tag", map[string]any{"id": 3, "label": "go"})
	orm := newRecord("Tag", map[string]any{"id": 4, "label": "orm"})
	post := newRecord("Post", map[string]any{
		"id":     1,
		"title":  "Hello",
		"author": ada,
		"tags":   collection.NewList(golang, orm),
	})
	ada.Set("posts", collection.NewList(post))
	return blog{ada: ada, post: post, tags: []*record.Record{golang, orm}}
}

// render encodes a tree value as JSON, keeping key order
func render(t *testing.T, v any) string {
	t.Helper()
	m, ok := v.(*tree.Map)
	require.True(t, ok, "expected a map, got %T", v)
	return m.String()
}

type grants map[string]bool

func (g grants) IsGranted(_ context.Context, permission string, _ any) bool {
	return g[permission]
}

// fakeStore finds records by class and id and records what is staged
type fakeStore struct {
	objects   map[string]any
	persisted []any
	removed   []any
	updated   int
}

func newFakeStore(records ...*record.Record) *fakeStore {
	s := &fakeStore{objects: make(map[string]any)}
	for _, r := range records {
		s.objects[storeKey(r.ClassName(), r.Get("id"))] = r
	}
	return s
}

func storeKey(class string, id any) string {
	return class + "#" + fmt.Sprint(id)
}

func (s *fakeStore) Find(_ context.Context, class string, identity map[string]any) (any, error) {
	id, ok := identity["id"]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not keyed by id", store.ErrInvalidReference, class)
	}
	obj, ok := s.objects[storeKey(class, id)]
	if !ok {
		return nil, nil
	}
	return obj, nil
}

func (s *fakeStore) Persist(_ context.Context, obj any) error {
	s.persisted = append(s.persisted, obj)
	return nil
}

func (s *fakeStore) Remove(_ context.Context, obj any) error {
	s.removed = append(s.removed, obj)
	return nil
}

func (s *fakeStore) Updater(bool) store.Updater {
	return s
}

func (s *fakeStore) Update(context.Context, any) error {
	return nil
}

func (s *fakeStore) UpdateCollection(context.Context, collection.Collection) error {
	s.updated++
	return nil
}

func (s *fakeStore) DeleteCollection(ctx context.Context, c collection.Collection) error {
	for _, e := range c.Elements() {
		c.Remove(e)
	}
	return nil
}

func (s *fakeStore) Flush(context.Context) error {
	return nil
}
