package transaction

import (
	"context"
	"database/sql"
)

type contextKey string

const contextKeyTransaction contextKey = "normalizer:transaction"

// FromContext retrieves the transaction carried by ctx
func FromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(contextKeyTransaction).(*sql.Tx)
	return tx, ok
}

// WithContext returns a new context carrying tx
func WithContext(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, contextKeyTransaction, tx)
}
