package transaction

import (
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// ErrConflict is returned when a transaction keeps failing on transient conflicts
var ErrConflict = errors.New("transaction conflict")

// RetryConfig configures retry behavior for transactions
type RetryConfig struct {
	MaxRetries  int
	BaseBackoff time.Duration
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  3,
		BaseBackoff: 50 * time.Millisecond,
	}
}

// backoff returns baseBackoff * 2^attempt
func (c RetryConfig) backoff(attempt int) time.Duration {
	return c.BaseBackoff * time.Duration(1<<uint(attempt))
}

// PostgreSQL error codes worth retrying
const (
	pgDeadlockDetected     = "40P01"
	pgSerializationFailure = "40001"
)

// IsRetryableError reports whether err is a deadlock, a serialization failure
// or a busy sqlite database
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgDeadlockDetected || pgErr.Code == pgSerializationFailure
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}

	// lib/pq and wrapped driver errors only keep the message
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock detected") || strings.Contains(msg, "could not serialize access")
}
