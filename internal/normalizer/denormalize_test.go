package normalizer

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/conduit-lang/normalizer/internal/orm/collection"
	"github.com/conduit-lang/normalizer/internal/orm/record"
	"github.com/conduit-lang/normalizer/internal/orm/schema"
	"github.com/conduit-lang/normalizer/internal/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	v, err := tree.DecodeString(s)
	require.NoError(t, err)
	return v
}

func TestDenormalize_Create(t *testing.T) {
	ctx := context.Background()
	n := New(newRegistry(t))

	data := map[string]any{
		"id":     1,
		"title":  "Hi",
		"author": map[string]any{"id": 7, "name": "Ada"},
		"tags":   map[string]any{"9": map[string]any{}},
	}
	out, err := n.Denormalize(ctx, data, "Post", RequestContext{})
	require.NoError(t, err)

	post := out.(*record.Record)
	assert.Equal(t, "Post", post.ClassName())
	assert.Equal(t, "Hi", post.Get("title"))

	author := post.Get("author").(*record.Record)
	assert.Equal(t, "Ada", author.Get("name"))
	posts := author.Get("posts").([]any)
	require.Len(t, posts, 1)
	assert.Same(t, post, posts[0], "the inverse collection holds the owner")

	tags := post.Get("tags").([]any)
	require.Len(t, tags, 1)
	assert.Equal(t, "9", tags[0].(*record.Record).Get("label"), "the index key is written to the index field")

	normalized, err := n.Normalize(ctx, post, RequestContext{Groups: []string{"default"}})
	require.NoError(t, err)
	assert.Equal(t, `{"id":1,"title":"Hi","author":{"id":7,"name":"Ada"},"tags":{"9":{"id":null}}}`, render(t, normalized))
}

func TestDenormalize_Values(t *testing.T) {
	ctx := context.Background()
	n := New(newRegistry(t))
	b := newBlog()

	out, err := n.Denormalize(ctx, nil, "Post", RequestContext{})
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = n.Denormalize(ctx, b.post, "Post", RequestContext{})
	require.NoError(t, err)
	assert.Same(t, b.post, out, "instances are returned as they are")

	_, err = n.Denormalize(ctx, "nope", "Post", RequestContext{})
	assert.ErrorIs(t, err, ErrInvalidData)

	_, err = n.Denormalize(ctx, b.ada, "Post", RequestContext{})
	assert.ErrorIs(t, err, ErrInvalidData)

	out, err = n.Denormalize(ctx, decode(t, `[{"label":"a"},{"label":"b"}]`), "Tag[]", RequestContext{})
	require.NoError(t, err)
	tags := out.([]any)
	require.Len(t, tags, 2)
	assert.Equal(t, "a", tags[0].(*record.Record).Get("label"))
	assert.Equal(t, "b", tags[1].(*record.Record).Get("label"))
}

func TestDenormalize_ObjectToPopulate(t *testing.T) {
	n := New(newRegistry(t))
	b := newBlog()

	out, err := n.Denormalize(context.Background(), map[string]any{"title": "Updated"}, "Post",
		RequestContext{ObjectToPopulate: b.post})
	require.NoError(t, err)
	assert.Same(t, b.post, out)
	assert.Equal(t, "Updated", b.post.Get("title"))
	assert.Same(t, b.ada, b.post.Get("author"))
}

func TestDenormalize_Groups(t *testing.T) {
	ctx := context.Background()
	data := map[string]any{"name": "Bob", "email": "bob@example.com"}

	out, err := New(newRegistry(t)).Denormalize(ctx, data, "Author", RequestContext{Groups: []string{"default"}})
	require.NoError(t, err)
	assert.Equal(t, "Bob", out.(*record.Record).Get("name"))
	assert.False(t, out.(*record.Record).Has("email"))

	out, err = New(newRegistry(t)).Denormalize(ctx, data, "Author", RequestContext{CheckAuthorizations: true})
	require.NoError(t, err)
	assert.False(t, out.(*record.Record).Has("email"), "protected groups are not written without an authorizer")

	out, err = New(newRegistry(t), WithAuthorizer(grants{"write_private": true})).
		Denormalize(ctx, data, "Author", RequestContext{CheckAuthorizations: true})
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", out.(*record.Record).Get("email"))
}

func TestDenormalize_Strict(t *testing.T) {
	n := New(newRegistry(t))

	_, err := n.Denormalize(context.Background(), map[string]any{"title": "x", "bogus": 1, "extra": 2}, "Post", RequestContext{Strict: true})
	var extra *ExtraAttributesError
	require.True(t, errors.As(err, &extra))
	assert.ErrorIs(t, err, ErrExtraAttributes)
	assert.Equal(t, []string{"bogus", "extra"}, extra.Attributes)

	_, err = n.Denormalize(context.Background(), map[string]any{"title": "x"}, "Post", RequestContext{Strict: true})
	assert.NoError(t, err)
}

func TestDenormalize_Inline(t *testing.T) {
	n := New(newRegistry(t))

	out, err := n.Denormalize(context.Background(), decode(t, `{"id":1,"item":{"id":2,"color":"blue","size":"S"}}`), "Order", RequestContext{})
	require.NoError(t, err)

	item := out.(*record.Record).Get("item").(*record.Record)
	assert.Equal(t, json.Number("2"), item.Get("id"))
	assert.Equal(t, `{"color":"blue","size":"S"}`, render(t, item.Get("attrs")))
}

func TestDenormalize_Discriminator(t *testing.T) {
	n := New(newRegistry(t))

	out, err := n.Denormalize(context.Background(), map[string]any{"type": "dog", "name": "Rex", "good": true}, "Animal", RequestContext{})
	require.NoError(t, err)
	dog := out.(*record.Record)
	assert.Equal(t, "Dog", dog.ClassName())
	assert.Equal(t, "Rex", dog.Get("name"))
	assert.Equal(t, true, dog.Get("good"))
	assert.False(t, dog.Has("type"))

	_, err = n.Denormalize(context.Background(), map[string]any{"type": "fish"}, "Animal", RequestContext{})
	assert.ErrorIs(t, err, ErrInvalidData)

	_, err = n.Denormalize(context.Background(), map[string]any{"name": "Nobody"}, "Animal", RequestContext{})
	assert.ErrorIs(t, err, ErrAbstractNotConstructible)
}

func TestDenormalize_Identity(t *testing.T) {
	ctx := context.Background()
	b := newBlog()
	s := newFakeStore(b.post, b.ada)
	n := New(newRegistry(t), WithStore(s))

	t.Run("found instances are populated", func(t *testing.T) {
		out, err := n.Denormalize(ctx, decode(t, `{"id":1,"title":"Found"}`), "Post", RequestContext{})
		require.NoError(t, err)
		assert.Same(t, b.post, out)
		assert.Equal(t, "Found", b.post.Get("title"))
	})

	t.Run("unknown identities create instances", func(t *testing.T) {
		out, err := n.Denormalize(ctx, map[string]any{"id": 2, "title": "New"}, "Post", RequestContext{})
		require.NoError(t, err)
		assert.NotSame(t, b.post, out)
		assert.Equal(t, 2, out.(*record.Record).Get("id"))
	})

	t.Run("strict find", func(t *testing.T) {
		out, err := n.Denormalize(ctx, map[string]any{"id": 2}, "Post", RequestContext{StrictFind: true})
		require.NoError(t, err)
		assert.Nil(t, out)
	})

	t.Run("incomplete", func(t *testing.T) {
		_, err := n.Denormalize(ctx, map[string]any{"group": "admins", "role": "owner"}, "Membership", RequestContext{})
		var identity *IdentityError
		require.True(t, errors.As(err, &identity))
		assert.ErrorIs(t, err, ErrIdentityIncomplete)
		assert.Equal(t, "user", identity.Field)
	})

	t.Run("null", func(t *testing.T) {
		_, err := n.Denormalize(ctx, map[string]any{"group": "admins", "user": nil}, "Membership", RequestContext{})
		assert.ErrorIs(t, err, ErrIdentityNull)
	})

	t.Run("invalid references are not found", func(t *testing.T) {
		out, err := n.Denormalize(ctx, map[string]any{"group": "admins", "user": "ada", "role": "owner"}, "Membership", RequestContext{})
		require.NoError(t, err)
		assert.Equal(t, "owner", out.(*record.Record).Get("role"))
	})
}

func TestDenormalize_ToOneReplacement(t *testing.T) {
	ctx := context.Background()
	b := newBlog()
	grace := newRecord("Author", map[string]any{"id": 8, "name": "Grace", "posts": collection.NewList()})
	n := New(newRegistry(t), WithStore(newFakeStore(b.post, b.ada, grace)))

	_, err := n.Denormalize(ctx, decode(t, `{"id":1,"author":{"id":8}}`), "Post", RequestContext{})
	require.NoError(t, err)

	assert.Same(t, grace, b.post.Get("author"))
	assert.Equal(t, []any{b.post}, grace.Get("posts").(*collection.List).Elements())
	assert.Empty(t, b.ada.Get("posts").(*collection.List).Elements(), "the previous author forgets the post")

	_, err = n.Denormalize(ctx, decode(t, `{"id":1,"author":null}`), "Post", RequestContext{})
	require.NoError(t, err)
	assert.Nil(t, b.post.Get("author"))
	assert.Empty(t, grace.Get("posts").(*collection.List).Elements())
}

type point struct {
	X, Y   int
	Labels []any
}

func pointClass(params ...schema.Param) *schema.Class {
	class := schema.NewClass("Point")
	class.GoType = reflect.TypeOf(&point{})
	class.AddField(&schema.Field{Name: "x", Type: schema.Scalar(), Get: func(o any) any { return o.(*point).X }})
	class.AddField(&schema.Field{Name: "y", Type: schema.Scalar(), Get: func(o any) any { return o.(*point).Y }})
	class.AddField(&schema.Field{Name: "labels", Type: schema.Scalar(), Get: func(o any) any { return o.(*point).Labels }})
	class.Constructor = &schema.Factory{
		Params: params,
		New: func(_ context.Context, args []any) (any, error) {
			p := &point{X: args[0].(int), Y: args[1].(int)}
			p.Labels, _ = args[2].([]any)
			return p, nil
		},
	}
	return class
}

func TestDenormalize_Construction(t *testing.T) {
	ctx := context.Background()
	params := []schema.Param{
		{Name: "x"},
		{Name: "y", HasDefault: true, Default: 5},
		{Name: "labels", Variadic: true},
	}
	n := New(schema.NewRegistry().MustRegister(pointClass(params...)))

	out, err := n.Denormalize(ctx, map[string]any{"x": 1}, "Point", RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, &point{X: 1, Y: 5, Labels: []any{}}, out)

	out, err = n.Denormalize(ctx, map[string]any{"x": 1, "y": 2, "labels": []any{"a", "b"}}, "Point", RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, &point{X: 1, Y: 2, Labels: []any{"a", "b"}}, out)

	_, err = n.Denormalize(ctx, map[string]any{"y": 2}, "Point", RequestContext{})
	var construction *ConstructionError
	require.True(t, errors.As(err, &construction))
	assert.ErrorIs(t, err, ErrConstructionParameterUnwritable)
	assert.Equal(t, "x", construction.Param)

	_, err = n.Denormalize(ctx, map[string]any{"x": 1, "labels": "a"}, "Point", RequestContext{})
	assert.ErrorIs(t, err, ErrConstructionParameterInvalidArity)

	unhandled := New(schema.NewRegistry().MustRegister(pointClass(schema.Param{Name: "x"}, schema.Param{Name: "z"}, schema.Param{Name: "labels", Variadic: true})))
	_, err = unhandled.Denormalize(ctx, map[string]any{"x": 1}, "Point", RequestContext{})
	assert.ErrorIs(t, err, ErrUnhandledConstructorParameter)
}

func TestDenormalize_ToOneReplacementAutoRemove(t *testing.T) {
	ctx := context.Background()
	first := newRecord("Album", map[string]any{"id": 1})
	second := newRecord("Album", map[string]any{"id": 2, "tracks": collection.NewList()})
	one := newRecord("Track", map[string]any{"id": 1, "album": first})
	two := newRecord("Track", map[string]any{"id": 2, "album": first})
	first.Set("tracks", collection.NewList(one, two))
	s := newFakeStore(first, second, one, two)
	n := New(newRegistry(t), WithStore(s))

	_, err := n.Denormalize(ctx, decode(t, `{"id":1,"album":{"id":2}}`), "Track", RequestContext{})
	require.NoError(t, err)
	assert.Same(t, second, one.Get("album"))
	assert.Equal(t, []any{two}, first.Get("tracks").(*collection.List).Elements())
	assert.Empty(t, s.removed, "an album with tracks left is kept")

	_, err = n.Denormalize(ctx, decode(t, `{"id":2,"album":{"id":2}}`), "Track", RequestContext{})
	require.NoError(t, err)
	assert.Empty(t, first.Get("tracks").(*collection.List).Elements())
	assert.Equal(t, []any{one, two}, second.Get("tracks").(*collection.List).Elements())
	assert.Equal(t, []any{first}, s.removed, "the emptied album is removed")
}
