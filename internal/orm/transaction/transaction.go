// Package transaction runs store flushes inside database transactions, with
// commit on success, rollback on error or panic, and retry of transient
// conflicts.
package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrTransactionAborted is returned when a transaction is explicitly aborted
var ErrTransactionAborted = errors.New("transaction aborted")

// IsolationLevel represents the transaction isolation level
type IsolationLevel int

const (
	// ReadCommitted prevents dirty reads (PostgreSQL default)
	ReadCommitted IsolationLevel = iota
	// RepeatableRead prevents non-repeatable reads
	RepeatableRead
	// Serializable provides full isolation
	Serializable
)

// String returns the string representation of the isolation level
func (l IsolationLevel) String() string {
	switch l {
	case RepeatableRead:
		return "REPEATABLE READ"
	case Serializable:
		return "SERIALIZABLE"
	default:
		return "READ COMMITTED"
	}
}

func (l IsolationLevel) options() *sql.TxOptions {
	switch l {
	case RepeatableRead:
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead}
	case Serializable:
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	default:
		// sqlite rejects explicit READ COMMITTED, the driver default is used instead
		return nil
	}
}

// Executor is satisfied by both *sql.DB and *sql.Tx
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Manager manages database transactions
type Manager struct {
	db     *sql.DB
	level  IsolationLevel
	retry  RetryConfig
	logger *zap.Logger
}

// Option configures a Manager
type Option func(*Manager)

// WithIsolation sets the isolation level of every transaction
func WithIsolation(level IsolationLevel) Option {
	return func(m *Manager) { m.level = level }
}

// WithRetry sets the retry behavior for transient conflicts
func WithRetry(config RetryConfig) Option {
	return func(m *Manager) { m.retry = config }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a new transaction manager
func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{
		db:     db,
		level:  ReadCommitted,
		retry:  DefaultRetryConfig(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DB returns the underlying database
func (m *Manager) DB() *sql.DB {
	return m.db
}

// Executor returns the transaction carried by ctx, or the database itself
func (m *Manager) Executor(ctx context.Context) Executor {
	if tx, ok := FromContext(ctx); ok {
		return tx
	}
	return m.db
}

// WithTransaction executes fn within a transaction. The transaction is
// available to fn through FromContext. It commits when fn succeeds, rolls back
// otherwise, and retries the whole function on retryable conflicts.
func (m *Manager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := FromContext(ctx); ok {
		// already inside a transaction, join it
		return fn(ctx)
	}

	var lastErr error
	for attempt := 0; attempt < max(m.retry.MaxRetries, 1); attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("transaction cancelled before attempt %d: %w", attempt+1, ctx.Err())
		}

		err := m.run(ctx, fn)
		if err == nil {
			return nil
		}
		if !IsRetryableError(err) {
			return err
		}

		lastErr = err
		backoff := m.retry.backoff(attempt)
		m.logger.Debug("retrying transaction",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("transaction cancelled during retry: %w", ctx.Err())
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("%w: transaction failed after %d attempts: %v", ErrConflict, m.retry.MaxRetries, lastErr)
}

func (m *Manager) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx, err := m.db.BeginTx(ctx, m.level.options())
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(WithContext(ctx, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
