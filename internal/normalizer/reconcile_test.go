package normalizer

import (
	"context"
	"testing"

	"github.com/conduit-lang/normalizer/internal/orm/collection"
	"github.com/conduit-lang/normalizer/internal/orm/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOpCode(t *testing.T) {
	tests := []struct {
		token string
		want  OpCode
		known bool
	}{
		{"$add", OpAdd, true},
		{"$SET", OpSet, true},
		{"$retain", OpRetain, true},
		{"$remove", OpRemove, true},
		{"$merge", OpMerge, true},
		{"$update", OpUpdate, true},
		{"$frobnicate", OpUpdate, false},
		{"$", OpUpdate, false},
	}
	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			got, known := ParseOpCode(tt.token)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.known, known)
		})
	}
	assert.Equal(t, "$retain", OpRetain.String())
}

func TestParsePayload(t *testing.T) {
	op, entries, err := parsePayload(nil, "")
	require.NoError(t, err)
	assert.Equal(t, OpSet, op)
	assert.Empty(t, entries)

	op, entries, err = parsePayload([]any{"$add", "a", "b"}, "")
	require.NoError(t, err)
	assert.Equal(t, OpAdd, op)
	assert.Equal(t, []payloadEntry{{key: "0", value: "a"}, {key: "1", value: "b"}}, entries)

	op, entries, err = parsePayload([]any{"$remove", map[string]any{"go": nil}}, "label")
	require.NoError(t, err)
	assert.Equal(t, OpRemove, op)
	assert.Equal(t, []payloadEntry{{key: "go", keyed: true}}, entries, "a single map is keyed by the index field")

	op, entries, err = parsePayload([]any{"plain"}, "")
	require.NoError(t, err)
	assert.Equal(t, OpSet, op)
	assert.Len(t, entries, 1)

	_, _, err = parsePayload(42, "")
	assert.ErrorIs(t, err, ErrInvalidData)
}

type tagFixture struct {
	post   *record.Record
	tags   map[int]*record.Record
	store  *fakeStore
	normal *Normalizer
}

func newTagFixture(t *testing.T) tagFixture {
	tags := map[int]*record.Record{
		3: newRecord("Tag", map[string]any{"id": 3, "label": "go"}),
		4: newRecord("Tag", map[string]any{"id": 4, "label": "orm"}),
		5: newRecord("Tag", map[string]any{"id": 5, "label": "sql"}),
	}
	post := newRecord("Post", map[string]any{"id": 1, "title": "Hello", "tags": collection.NewList(tags[3])})
	s := newFakeStore(post, tags[3], tags[4], tags[5])
	return tagFixture{post: post, tags: tags, store: s, normal: New(newRegistry(t), WithStore(s))}
}

func (f tagFixture) apply(t *testing.T, payload string) []any {
	t.Helper()
	_, err := f.normal.Denormalize(context.Background(), decode(t, `{"id":1,"tags":`+payload+`}`), "Post", RequestContext{})
	require.NoError(t, err)
	return f.post.Get("tags").(*collection.List).Elements()
}

func TestReconcile_Set(t *testing.T) {
	f := newTagFixture(t)

	got := f.apply(t, `[{"id":4},{"id":3}]`)
	assert.Equal(t, []any{f.tags[3], f.tags[4]}, got)

	again := f.apply(t, `[{"id":4},{"id":3}]`)
	assert.Equal(t, got, again, "applying the same set twice changes nothing")

	assert.Equal(t, []any{f.tags[5]}, f.apply(t, `["$set",{"id":5}]`))
	assert.Empty(t, f.apply(t, `[]`))
	assert.Positive(t, f.store.updated)
}

func TestReconcile_Add(t *testing.T) {
	f := newTagFixture(t)

	assert.Equal(t, []any{f.tags[3], f.tags[5]}, f.apply(t, `["$add",{"id":5},{"id":3},{"id":99}]`),
		"unknown elements are not created without auto-persist")
	assert.Empty(t, f.store.persisted)
}

func TestReconcile_Remove(t *testing.T) {
	f := newTagFixture(t)

	got := f.apply(t, `["$remove",{"id":4,"label":"changed"},{"id":99}]`)
	assert.Equal(t, []any{f.tags[3]}, got, "removing non-members never inserts")
	assert.Equal(t, "orm", f.tags[4].Get("label"), "removed elements are not written")

	assert.Empty(t, f.apply(t, `["$remove",{"id":3}]`))
}

func TestReconcile_UpdateAndRetain(t *testing.T) {
	f := newTagFixture(t)
	f.post.Set("tags", collection.NewList(f.tags[3], f.tags[4]))

	got := f.apply(t, `["$update",{"id":3,"label":"golang"},{"id":5,"label":"changed"}]`)
	assert.Equal(t, []any{f.tags[3], f.tags[4]}, got)
	assert.Equal(t, "golang", f.tags[3].Get("label"))
	assert.Equal(t, "sql", f.tags[5].Get("label"), "non-members are neither added nor written")

	got = f.apply(t, `["$frobnicate",{"id":4,"label":"mapper"},{"id":5}]`)
	assert.Equal(t, []any{f.tags[3], f.tags[4]}, got, "unknown op-codes update")
	assert.Equal(t, "mapper", f.tags[4].Get("label"))

	got = f.apply(t, `["$retain",{"id":4},{"id":5}]`)
	assert.Equal(t, []any{f.tags[4]}, got)
}

func TestReconcile_Merge(t *testing.T) {
	f := newTagFixture(t)

	got := f.apply(t, `["$merge",["$remove",{"id":3}],["$add",{"id":4},{"id":5}]]`)
	assert.Equal(t, []any{f.tags[4], f.tags[5]}, got)
}

func TestReconcile_Indexed(t *testing.T) {
	n := New(newRegistry(t))
	golang := newRecord("Tag", map[string]any{"label": "go"})
	post := newRecord("Post", map[string]any{"id": 1, "tags": []any{golang}})

	_, err := n.Denormalize(context.Background(), decode(t, `{"tags":["$add",{"rust":{},"zig":null}]}`), "Post",
		RequestContext{ObjectToPopulate: post})
	require.NoError(t, err)

	tags := post.Get("tags").([]any)
	require.Len(t, tags, 3)
	assert.Same(t, golang, tags[0])
	assert.Equal(t, "rust", tags[1].(*record.Record).Get("label"))
	assert.Equal(t, "zig", tags[2].(*record.Record).Get("label"))
}

func TestReconcile_InverseAndOwnership(t *testing.T) {
	ctx := context.Background()
	post := newRecord("Post", map[string]any{"id": 1})
	first := newRecord("Comment", map[string]any{"id": 1, "body": "first", "post": post})
	post.Set("comments", collection.NewList(first))
	s := newFakeStore(post, first)
	n := New(newRegistry(t), WithStore(s))

	_, err := n.Denormalize(ctx, decode(t, `{"id":1,"comments":[{"id":1},{"body":"second"}]}`), "Post", RequestContext{})
	require.NoError(t, err)

	comments := post.Get("comments").(*collection.List).Elements()
	require.Len(t, comments, 2)
	second := comments[1].(*record.Record)
	assert.Same(t, first, comments[0])
	assert.Equal(t, "second", second.Get("body"))
	assert.Same(t, post, second.Get("post"), "new elements point back to the owner")
	assert.Equal(t, []any{second}, s.persisted)

	_, err = n.Denormalize(ctx, decode(t, `{"id":1,"comments":["$retain",{"id":1}]}`), "Post", RequestContext{})
	require.NoError(t, err)

	assert.Equal(t, []any{first}, post.Get("comments").(*collection.List).Elements())
	assert.Nil(t, second.Get("post"), "removed elements forget the owner")
	assert.Equal(t, []any{second}, s.removed, "orphans are removed from the store")
}

func TestReconcile_WithoutStore(t *testing.T) {
	newPost := func() (*record.Record, map[int]*record.Record) {
		tags := map[int]*record.Record{
			0: newRecord("Tag", map[string]any{"id": 0, "label": "zero"}),
			3: newRecord("Tag", map[string]any{"id": 3, "label": "go"}),
			4: newRecord("Tag", map[string]any{"id": 4, "label": "orm"}),
		}
		return newRecord("Post", map[string]any{"id": 1, "tags": collection.NewList(tags[3], tags[4])}), tags
	}
	apply := func(t *testing.T, post *record.Record, payload string) []any {
		t.Helper()
		n := New(newRegistry(t))
		_, err := n.Denormalize(context.Background(), decode(t, `{"tags":`+payload+`}`), "Post",
			RequestContext{ObjectToPopulate: post})
		require.NoError(t, err)
		return post.Get("tags").(*collection.List).Elements()
	}

	t.Run("retain keeps matched members", func(t *testing.T) {
		post, tags := newPost()
		assert.Equal(t, []any{tags[3]}, apply(t, post, `["$retain",{"go":{"id":3}}]`))
		assert.Equal(t, "go", tags[3].Get("label"))
	})

	t.Run("update writes members only", func(t *testing.T) {
		post, tags := newPost()
		got := apply(t, post, `["$update",{"id":4,"label":"mapper"},{"id":9,"label":"new"}]`)
		assert.Equal(t, []any{tags[3], tags[4]}, got)
		assert.Equal(t, "mapper", tags[4].Get("label"))
		assert.Equal(t, 4, tags[4].Get("id"), "identity values are not rewritten")
	})

	t.Run("remove drops matched members", func(t *testing.T) {
		post, tags := newPost()
		assert.Equal(t, []any{tags[4]}, apply(t, post, `["$remove",{"id":3,"label":"changed"},{"id":9}]`))
		assert.Equal(t, "go", tags[3].Get("label"))
	})

	t.Run("set updates matched members and drops the rest", func(t *testing.T) {
		post, tags := newPost()
		assert.Equal(t, []any{tags[4]}, apply(t, post, `[{"id":4,"label":"sql"}]`))
		assert.Equal(t, "sql", tags[4].Get("label"))
	})

	t.Run("add appends unknown elements once", func(t *testing.T) {
		post, tags := newPost()
		got := apply(t, post, `["$add",{"id":3},{"label":"sql"}]`)
		require.Len(t, got, 3)
		assert.Same(t, tags[3], got[0])
		assert.Same(t, tags[4], got[1])
		assert.Equal(t, "sql", got[2].(*record.Record).Get("label"))
	})

	t.Run("zero identity values match", func(t *testing.T) {
		post, tags := newPost()
		post.Set("tags", collection.NewList(tags[0], tags[3]))
		assert.Equal(t, []any{tags[0]}, apply(t, post, `["$retain",{"id":0}]`))
	})
}
