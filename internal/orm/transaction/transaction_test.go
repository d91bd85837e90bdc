package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates a test database with a test table
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(`CREATE TABLE test_records (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`); err != nil {
		t.Fatalf("failed to create test table: %v", err)
	}
	return db
}

func countRecords(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM test_records").Scan(&n); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return n
}

func TestManager_WithTransaction_Commit(t *testing.T) {
	db := setupTestDB(t)
	mgr := NewManager(db)

	err := mgr.WithTransaction(context.Background(), func(ctx context.Context) error {
		tx, ok := FromContext(ctx)
		if !ok {
			return errors.New("expected transaction in context")
		}
		_, err := tx.ExecContext(ctx, "INSERT INTO test_records (name) VALUES (?)", "a")
		return err
	})
	if err != nil {
		t.Fatalf("WithTransaction failed: %v", err)
	}

	if n := countRecords(t, db); n != 1 {
		t.Errorf("expected 1 record, got %d", n)
	}
}

func TestManager_WithTransaction_Rollback(t *testing.T) {
	db := setupTestDB(t)
	mgr := NewManager(db)

	err := mgr.WithTransaction(context.Background(), func(ctx context.Context) error {
		if _, err := mgr.Executor(ctx).ExecContext(ctx, "INSERT INTO test_records (name) VALUES (?)", "a"); err != nil {
			return err
		}
		return ErrTransactionAborted
	})
	if !errors.Is(err, ErrTransactionAborted) {
		t.Fatalf("expected ErrTransactionAborted, got %v", err)
	}

	if n := countRecords(t, db); n != 0 {
		t.Errorf("expected rollback, got %d records", n)
	}
}

func TestManager_WithTransaction_Panic(t *testing.T) {
	db := setupTestDB(t)
	mgr := NewManager(db)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic to propagate")
		}
		if n := countRecords(t, db); n != 0 {
			t.Errorf("expected rollback after panic, got %d records", n)
		}
	}()

	mgr.WithTransaction(context.Background(), func(ctx context.Context) error {
		mgr.Executor(ctx).ExecContext(ctx, "INSERT INTO test_records (name) VALUES (?)", "a")
		panic("boom")
	})
}

func TestManager_WithTransaction_Joins(t *testing.T) {
	db := setupTestDB(t)
	mgr := NewManager(db)

	err := mgr.WithTransaction(context.Background(), func(outer context.Context) error {
		outerTx, _ := FromContext(outer)
		return mgr.WithTransaction(outer, func(inner context.Context) error {
			innerTx, _ := FromContext(inner)
			if innerTx != outerTx {
				return errors.New("nested call should join the outer transaction")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestManager_WithTransaction_Retry(t *testing.T) {
	db := setupTestDB(t)
	mgr := NewManager(db, WithRetry(RetryConfig{MaxRetries: 3, BaseBackoff: time.Millisecond}))

	attempts := 0
	err := mgr.WithTransaction(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("flush: %w", &pgconn.PgError{Code: "40P01", Message: "deadlock detected"})
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestManager_WithTransaction_RetryExhausted(t *testing.T) {
	db := setupTestDB(t)
	mgr := NewManager(db, WithRetry(RetryConfig{MaxRetries: 2, BaseBackoff: time.Millisecond}))

	attempts := 0
	err := mgr.WithTransaction(context.Background(), func(ctx context.Context) error {
		attempts++
		return &pgconn.PgError{Code: "40001"}
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestManager_WithTransaction_Cancelled(t *testing.T) {
	db := setupTestDB(t)
	mgr := NewManager(db)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := mgr.WithTransaction(ctx, func(ctx context.Context) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"pg deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"pg serialization", fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40001"}), true},
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"message only", errors.New("pq: deadlock detected"), true},
		{"other", errors.New("syntax error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableError(tt.err); got != tt.want {
				t.Errorf("IsRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsolationLevel_String(t *testing.T) {
	if Serializable.String() != "SERIALIZABLE" || ReadCommitted.String() != "READ COMMITTED" {
		t.Error("unexpected isolation level names")
	}
}
