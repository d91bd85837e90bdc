package store

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/conduit-lang/normalizer/internal/orm/collection"
	"github.com/conduit-lang/normalizer/internal/orm/record"
	"github.com/conduit-lang/normalizer/internal/orm/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const blogMapping = `
classes:
  - name: Author
    fields:
      - {name: id, groups: [identity]}
      - {name: name}
      - {name: posts, kind: collection, class: Post, inverse: author}
  - name: Post
    fields:
      - {name: id, groups: [identity]}
      - {name: title}
      - {name: author, kind: object, class: Author, inverse: posts}
      - {name: tags, kind: collection, class: Tag}
  - name: Tag
    fields:
      - {name: id, groups: [identity]}
      - {name: label}
  - name: Membership
    fields:
      - {name: author, kind: object, class: Author, groups: [identity]}
      - {name: role, groups: [identity]}
`

func newRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	classes, err := schema.LoadMapping(strings.NewReader(blogMapping))
	require.NoError(t, err)
	registry := schema.NewRegistry().MustRegister(classes...)
	require.NoError(t, registry.ValidateAll())
	return registry
}

func seedBlog(backend *MemoryBackend) {
	backend.Seed("authors", Row{"id": 1, "name": "Ada"})
	backend.Seed("posts",
		Row{"id": 10, "title": "Hello", "author_id": 1},
		Row{"id": 11, "title": "World", "author_id": 1},
	)
	backend.Seed("tags", Row{"id": 100, "label": "go"}, Row{"id": 101, "label": "orm"})
	backend.Seed("posts_tags",
		Row{"owner_id": 10, "target_id": 100},
		Row{"owner_id": 10, "target_id": 101},
		Row{"owner_id": 11, "target_id": 100},
	)
}

func newTestSession(t *testing.T) (*Session, *MemoryBackend) {
	t.Helper()
	backend := NewMemoryBackend()
	seedBlog(backend)

	n := 0
	session := NewSession(newRegistry(t), backend, WithIDGenerator(func() any {
		n++
		return "gen-" + string(rune('0'+n))
	}))
	return session, backend
}

func findRecord(t *testing.T, s *Session, class string, id any) *record.Record {
	t.Helper()
	obj, err := s.Find(context.Background(), class, map[string]any{"id": id})
	require.NoError(t, err)
	require.NotNil(t, obj, "%s %v not found", class, id)
	return obj.(*record.Record)
}

func TestSession_Find(t *testing.T) {
	ctx := context.Background()
	session, backend := newTestSession(t)

	post := findRecord(t, session, "Post", 10)
	assert.Equal(t, "Hello", post.Get("title"))
	assert.True(t, session.Contains(post))

	again := findRecord(t, session, "Post", int64(10))
	assert.Same(t, post, again, "identity map should return the managed instance")
	assert.Equal(t, 1, backend.Selects())

	author, ok := post.Get("author").(*record.Record)
	require.True(t, ok)
	assert.False(t, author.Initialized(), "references are lazy proxies")
	assert.Equal(t, int64(1), author.Get("id"))

	require.NoError(t, author.Initialize(ctx))
	assert.Equal(t, "Ada", author.Get("name"))

	missing, err := session.Find(ctx, "Post", map[string]any{"id": 99})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSession_Find_InvalidReference(t *testing.T) {
	session, _ := newTestSession(t)

	unsaved := record.New("Author")
	_, err := session.Find(context.Background(), "Membership", map[string]any{"author": unsaved, "role": "editor"})
	assert.True(t, IsInvalidReference(err), "got %v", err)

	_, err = session.Find(context.Background(), "Post", map[string]any{})
	assert.ErrorIs(t, err, ErrInvalidReference)
}

func TestSession_LoadCollections_Batches(t *testing.T) {
	ctx := context.Background()
	session, backend := newTestSession(t)

	first := findRecord(t, session, "Post", 10)
	second := findRecord(t, session, "Post", 11)
	require.Equal(t, 2, backend.Selects())

	firstTags := first.Get("tags").(*collection.Persistent)
	secondTags := second.Get("tags").(*collection.Persistent)
	assert.False(t, firstTags.Initialized())

	require.NoError(t, session.LoadCollections(ctx, []*collection.Persistent{firstTags, secondTags}))
	assert.Equal(t, 3, backend.Selects(), "both collections load with one query")
	assert.Equal(t, 2, firstTags.Len())
	assert.Equal(t, 1, secondTags.Len())

	var proxies []any
	proxies = append(proxies, firstTags.Elements()...)
	proxies = append(proxies, secondTags.Elements()...)
	require.NoError(t, session.Load(ctx, "Tag", proxies))
	assert.Equal(t, 4, backend.Selects(), "distinct proxies load with one query")
	assert.Equal(t, "go", secondTags.Elements()[0].(*record.Record).Get("label"))
	assert.Same(t, firstTags.Elements()[0], secondTags.Elements()[0])
}

func TestSession_InverseCollection(t *testing.T) {
	ctx := context.Background()
	session, _ := newTestSession(t)

	author := findRecord(t, session, "Author", 1)
	posts := author.Get("posts").(*collection.Persistent)
	require.NoError(t, posts.Initialize(ctx))

	require.Equal(t, 2, posts.Len())
	titles := []any{posts.Elements()[0].(*record.Record).Get("title"), posts.Elements()[1].(*record.Record).Get("title")}
	assert.ElementsMatch(t, []any{"Hello", "World"}, titles)
}

func TestSession_PersistAndFlush(t *testing.T) {
	ctx := context.Background()
	session, backend := newTestSession(t)

	author := findRecord(t, session, "Author", 1)
	tag := findRecord(t, session, "Tag", 100)

	post := record.New("Post")
	post.Set("title", "New")
	post.Set("author", author)
	post.Set("tags", collection.NewList(tag))

	require.NoError(t, session.Persist(ctx, post))
	assert.Equal(t, "gen-1", post.Get("id"))
	assert.True(t, session.IsNew(post))

	require.NoError(t, session.Flush(ctx))
	assert.False(t, session.IsNew(post))

	var inserted Row
	for _, r := range backend.Rows("posts") {
		if r["id"] == "gen-1" {
			inserted = r
		}
	}
	require.NotNil(t, inserted)
	assert.Equal(t, "New", inserted["title"])
	assert.Equal(t, int64(1), inserted["author_id"])

	assert.Contains(t, backend.Rows("posts_tags"), Row{"owner_id": "gen-1", "target_id": int64(100)})

	// nothing left to write
	before := len(backend.Rows("posts_tags"))
	require.NoError(t, session.Flush(ctx))
	assert.Len(t, backend.Rows("posts_tags"), before)
}

func TestSession_UpdateAndRemove(t *testing.T) {
	ctx := context.Background()
	session, backend := newTestSession(t)

	post := findRecord(t, session, "Post", 10)
	post.Set("title", "Changed")

	tags := post.Get("tags").(*collection.Persistent)
	require.NoError(t, tags.Initialize(ctx))
	tags.Remove(tags.Elements()[0])

	require.NoError(t, session.Flush(ctx))

	rows := backend.Rows("posts")
	assert.Equal(t, "Changed", rows[0]["title"])
	assert.Equal(t, 1, rows[0]["author_id"], "unchanged columns are not rewritten")
	assert.NotContains(t, backend.Rows("posts_tags"), Row{"owner_id": 10, "target_id": 100})

	require.NoError(t, session.Remove(ctx, post))
	assert.False(t, session.Contains(post))
	require.NoError(t, session.Flush(ctx))

	assert.Len(t, backend.Rows("posts"), 1)
	for _, link := range backend.Rows("posts_tags") {
		assert.NotEqual(t, 10, link["owner_id"])
	}
}

func TestSession_RemoveNewEntity(t *testing.T) {
	ctx := context.Background()
	session, backend := newTestSession(t)

	tag := record.New("Tag")
	require.NoError(t, session.Persist(ctx, tag))
	require.NoError(t, session.Remove(ctx, tag))
	require.NoError(t, session.Flush(ctx))

	assert.Len(t, backend.Rows("tags"), 2)
	assert.ErrorIs(t, session.Remove(ctx, tag), ErrNotManaged)
}

func TestSession_FlushListener(t *testing.T) {
	ctx := context.Background()

	t.Run("direct changes are missed by the running flush", func(t *testing.T) {
		session, backend := newTestSession(t)
		post := findRecord(t, session, "Post", 10)

		session.OnFlush(func(ctx context.Context, u Updater) error {
			post.Set("title", "Late")
			return nil
		})
		require.NoError(t, session.Flush(ctx))
		assert.Equal(t, "Hello", backend.Rows("posts")[0]["title"])
	})

	t.Run("updater changes are part of the flush", func(t *testing.T) {
		session, backend := newTestSession(t)
		post := findRecord(t, session, "Post", 10)

		session.OnFlush(func(ctx context.Context, u Updater) error {
			post.Set("title", "Late")
			if err := u.Update(ctx, post); err != nil {
				return err
			}
			tag := record.New("Tag")
			tag.Set("label", "new")
			return u.Persist(ctx, tag)
		})
		require.NoError(t, session.Flush(ctx))
		assert.Equal(t, "Late", backend.Rows("posts")[0]["title"])
		assert.Len(t, backend.Rows("tags"), 3)
	})

	t.Run("listener errors abort the flush", func(t *testing.T) {
		session, backend := newTestSession(t)
		post := findRecord(t, session, "Post", 10)
		post.Set("title", "Changed")

		session.OnFlush(func(ctx context.Context, u Updater) error {
			assert.ErrorIs(t, session.Flush(ctx), ErrFlushInProgress)
			assert.NoError(t, u.Flush(ctx), "updater flush is a no-op while flushing")
			return errors.New("veto")
		})
		assert.Error(t, session.Flush(ctx))
		assert.Equal(t, "Hello", backend.Rows("posts")[0]["title"])
	})
}

func TestSession_DeleteCollection(t *testing.T) {
	ctx := context.Background()
	session, backend := newTestSession(t)

	post := findRecord(t, session, "Post", 10)
	u := session.Updater(false)
	require.NoError(t, u.DeleteCollection(ctx, post.Get("tags").(*collection.Persistent)))
	require.NoError(t, u.Flush(ctx))

	assert.Equal(t, []Row{{"owner_id": 11, "target_id": 100}}, backend.Rows("posts_tags"))
}

func TestSession_PersistErrors(t *testing.T) {
	ctx := context.Background()
	session, _ := newTestSession(t)

	membership := record.New("Membership")
	assert.ErrorIs(t, session.Persist(ctx, membership), ErrIdentityRequired)

	dup := record.New("Post")
	dup.Set("id", 10)
	findRecord(t, session, "Post", 10)
	assert.Error(t, session.Persist(ctx, dup))

	assert.Error(t, session.Persist(ctx, struct{}{}))
}

func TestSession_FindAll(t *testing.T) {
	session, _ := newTestSession(t)

	tags, err := session.FindAll(context.Background(), "Tag")
	require.NoError(t, err)
	assert.Len(t, tags, 2)
}
