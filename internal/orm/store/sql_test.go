package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/conduit-lang/normalizer/internal/orm/collection"
	"github.com/conduit-lang/normalizer/internal/orm/record"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSQLite(t *testing.T) *SQLBackend {
	t.Helper()

	backend, err := Open("sqlite3", ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	schemaSQL := []string{
		`CREATE TABLE authors (id INTEGER PRIMARY KEY, name TEXT)`,
		`CREATE TABLE posts (id TEXT PRIMARY KEY, title TEXT, author_id INTEGER)`,
		`CREATE TABLE tags (id INTEGER PRIMARY KEY, label TEXT)`,
		`CREATE TABLE posts_tags (owner_id TEXT, target_id INTEGER)`,
		`INSERT INTO authors (id, name) VALUES (1, 'Ada')`,
		`INSERT INTO posts (id, title, author_id) VALUES ('p1', 'Hello', 1)`,
		`INSERT INTO tags (id, label) VALUES (100, 'go'), (101, 'orm')`,
		`INSERT INTO posts_tags (owner_id, target_id) VALUES ('p1', 100)`,
	}
	for _, stmt := range schemaSQL {
		_, err := backend.DB().Exec(stmt)
		require.NoError(t, err, stmt)
	}
	return backend
}

func TestSQLBackend_SQLite(t *testing.T) {
	ctx := context.Background()
	backend := setupSQLite(t)
	session := NewSession(newRegistry(t), backend)

	obj, err := session.Find(ctx, "Post", map[string]any{"id": "p1"})
	require.NoError(t, err)
	post := obj.(*record.Record)
	assert.Equal(t, "Hello", post.Get("title"))

	author := post.Get("author").(*record.Record)
	require.NoError(t, author.Initialize(ctx))
	assert.Equal(t, "Ada", author.Get("name"))

	tags := post.Get("tags").(*collection.Persistent)
	require.NoError(t, tags.Initialize(ctx))
	require.Equal(t, 1, tags.Len())

	other, err := session.Find(ctx, "Tag", map[string]any{"id": 101})
	require.NoError(t, err)
	tags.Add(other)
	post.Set("title", "Updated")

	require.NoError(t, session.Flush(ctx))

	var title string
	require.NoError(t, backend.DB().QueryRow(`SELECT title FROM posts WHERE id = 'p1'`).Scan(&title))
	assert.Equal(t, "Updated", title)

	var links int
	require.NoError(t, backend.DB().QueryRow(`SELECT COUNT(*) FROM posts_tags WHERE owner_id = 'p1'`).Scan(&links))
	assert.Equal(t, 2, links)
}

func TestSQLBackend_SQLite_Composite(t *testing.T) {
	ctx := context.Background()
	backend := setupSQLite(t)

	_, err := backend.DB().Exec(`CREATE TABLE grants (owner INTEGER, role TEXT, level INTEGER)`)
	require.NoError(t, err)
	_, err = backend.DB().Exec(`INSERT INTO grants VALUES (1, 'editor', 2), (1, 'admin', 9), (2, 'editor', 1)`)
	require.NoError(t, err)

	rows, err := backend.Select(ctx, Query{
		Table:   "grants",
		Columns: []string{"owner", "role"},
		Keys:    []Identity{{1, "admin"}, {2, "editor"}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	levels := []any{rows[0]["level"], rows[1]["level"]}
	assert.ElementsMatch(t, []any{int64(9), int64(1)}, levels)
}

func TestSQLBackend_PostgresQueries(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	dialect, err := DialectFor("postgres")
	require.NoError(t, err)
	backend := NewSQLBackend(db, dialect, nil)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT * FROM "posts" WHERE "id" = ANY($1)`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title"}).AddRow("p1", "Hello").AddRow("p2", "World"))

	rows, err := backend.Select(ctx, Query{Table: "posts", Columns: []string{"id"}, Keys: []Identity{{"p1"}, {"p2"}}})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	mock.ExpectQuery(`SELECT * FROM "grants" WHERE ("owner" = $1 AND "role" = $2) OR ("owner" = $3 AND "role" = $4)`).
		WithArgs(1, "admin", 2, "editor").
		WillReturnRows(sqlmock.NewRows([]string{"owner", "role"}))

	_, err = backend.Select(ctx, Query{Table: "grants", Columns: []string{"owner", "role"}, Keys: []Identity{{1, "admin"}, {2, "editor"}}})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "posts" ("id", "title") VALUES ($1, $2)`).
		WithArgs("p3", "New").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "posts" SET "title" = $1 WHERE "id" = $2`).
		WithArgs("Changed", "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM "posts_tags" WHERE "owner_id" = $1 AND "target_id" = $2`).
		WithArgs("p1", 100).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = backend.Apply(ctx, &Plan{Statements: []Statement{
		{Op: OpInsert, Table: "posts", Values: Row{"id": "p3", "title": "New"}},
		{Op: OpUpdate, Table: "posts", KeyColumns: []string{"id"}, Key: Identity{"p1"}, Values: Row{"title": "Changed"}},
		{Op: OpDelete, Table: "posts_tags", KeyColumns: []string{"owner_id", "target_id"}, Key: Identity{"p1", 100}},
	}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLBackend_ApplyRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	backend := NewSQLBackend(db, sqliteDialect{}, nil)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = backend.Apply(context.Background(), &Plan{Statements: []Statement{
		{Op: OpUpdate, Table: "posts", KeyColumns: []string{"id"}, Key: Identity{"gone"}, Values: Row{"title": "x"}},
	}})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConvertDBError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", sql.ErrNoRows, ErrNotFound},
		{"unique", &pgconn.PgError{Code: "23505"}, ErrUniqueViolation},
		{"foreign key", &pgconn.PgError{Code: "23503"}, ErrForeignKeyViolation},
		{"invalid text", &pgconn.PgError{Code: "22P02"}, ErrInvalidReference},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, ConvertDBError(tt.err), tt.want)
		})
	}

	assert.Nil(t, ConvertDBError(nil))
}

func TestDialectFor(t *testing.T) {
	for _, driver := range []string{"postgres", "pgx", "sqlite3"} {
		_, err := DialectFor(driver)
		assert.NoError(t, err, driver)
	}
	_, err := DialectFor("oracle")
	assert.Error(t, err)
}
