package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/conduit-lang/normalizer/internal/orm/transaction"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver
	"go.uber.org/zap"
)

// Dialect renders the parts of a statement that differ between databases
type Dialect interface {
	Name() string
	Placeholder(n int) string
	// In renders a single-column membership test and appends its arguments
	In(column string, values []any, args []any) (string, []any)
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (d postgresDialect) In(column string, values []any, args []any) (string, []any) {
	args = append(args, pq.Array(values))
	return fmt.Sprintf("%s = ANY(%s)", pq.QuoteIdentifier(column), d.Placeholder(len(args))), args
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite3" }

func (sqliteDialect) Placeholder(int) string { return "?" }

func (sqliteDialect) In(column string, values []any, args []any) (string, []any) {
	marks := make([]string, len(values))
	for i, v := range values {
		marks[i] = "?"
		args = append(args, v)
	}
	return fmt.Sprintf("%s IN (%s)", pq.QuoteIdentifier(column), strings.Join(marks, ", ")), args
}

// DialectFor returns the dialect of a database/sql driver name
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "postgres", "pgx":
		return postgresDialect{}, nil
	case "sqlite3":
		return sqliteDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// SQLBackend stores rows in a relational database
type SQLBackend struct {
	tx      *transaction.Manager
	dialect Dialect
	logger  *zap.Logger
}

// Open opens a database and returns a backend for it
func Open(driver, dsn string, logger *zap.Logger) (*SQLBackend, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite3" {
		// a second connection to ":memory:" would see an empty database
		db.SetMaxOpenConns(1)
	}
	return NewSQLBackend(db, dialect, logger), nil
}

// NewSQLBackend creates a backend over db
func NewSQLBackend(db *sql.DB, dialect Dialect, logger *zap.Logger) *SQLBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLBackend{
		tx:      transaction.NewManager(db, transaction.WithLogger(logger)),
		dialect: dialect,
		logger:  logger,
	}
}

// DB returns the underlying database
func (b *SQLBackend) DB() *sql.DB {
	return b.tx.DB()
}

// Close closes the database
func (b *SQLBackend) Close() error {
	return b.tx.DB().Close()
}

// Select returns the rows matching the query
func (b *SQLBackend) Select(ctx context.Context, q Query) ([]Row, error) {
	if q.Keys != nil && len(q.Keys) == 0 {
		return nil, nil
	}

	query, args := b.selectSQL(q)
	b.logger.Debug("select", zap.String("sql", query), zap.Int("keys", len(q.Keys)))

	rows, err := b.tx.Executor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ConvertDBError(fmt.Errorf("failed to query %s: %w", q.Table, err))
	}
	defer rows.Close()

	result, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s rows: %w", q.Table, err)
	}
	return result, nil
}

// selectSQL builds the query. Single-column keys use the dialect membership
// test; composite keys use an OR of conjunctions.
func (b *SQLBackend) selectSQL(q Query) (string, []any) {
	query := fmt.Sprintf("SELECT * FROM %s", pq.QuoteIdentifier(q.Table))
	if q.Keys == nil {
		return query, nil
	}

	var args []any
	if len(q.Columns) == 1 {
		values := make([]any, len(q.Keys))
		for i, k := range q.Keys {
			values[i] = k[0]
		}
		var clause string
		clause, args = b.dialect.In(q.Columns[0], values, args)
		return query + " WHERE " + clause, args
	}

	terms := make([]string, len(q.Keys))
	for i, k := range q.Keys {
		var clause string
		clause, args = b.conjunction(q.Columns, k, args)
		terms[i] = "(" + clause + ")"
	}
	return query + " WHERE " + strings.Join(terms, " OR "), args
}

func (b *SQLBackend) conjunction(columns []string, key Identity, args []any) (string, []any) {
	parts := make([]string, len(columns))
	for i, c := range columns {
		args = append(args, key[i])
		parts[i] = fmt.Sprintf("%s = %s", pq.QuoteIdentifier(c), b.dialect.Placeholder(len(args)))
	}
	return strings.Join(parts, " AND "), args
}

// Apply executes the statements of plan in one transaction
func (b *SQLBackend) Apply(ctx context.Context, plan *Plan) error {
	if plan.Len() == 0 {
		return nil
	}
	return b.tx.WithTransaction(ctx, func(ctx context.Context) error {
		exec := b.tx.Executor(ctx)
		for _, st := range plan.Statements {
			query, args := b.statementSQL(st)
			b.logger.Debug("apply", zap.String("sql", query))

			res, err := exec.ExecContext(ctx, query, args...)
			if err != nil {
				return ConvertDBError(fmt.Errorf("failed to %s %s: %w", strings.ToLower(st.Op.String()), st.Table, err))
			}
			if st.Op == OpUpdate {
				if n, err := res.RowsAffected(); err == nil && n == 0 {
					return fmt.Errorf("failed to update %s %v: %w", st.Table, st.Key, ErrNotFound)
				}
			}
		}
		return nil
	})
}

func (b *SQLBackend) statementSQL(st Statement) (string, []any) {
	table := pq.QuoteIdentifier(st.Table)
	var args []any

	switch st.Op {
	case OpInsert:
		cols := sortedColumns(st.Values)
		names := make([]string, len(cols))
		marks := make([]string, len(cols))
		for i, c := range cols {
			args = append(args, st.Values[c])
			names[i] = pq.QuoteIdentifier(c)
			marks[i] = b.dialect.Placeholder(len(args))
		}
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(names, ", "), strings.Join(marks, ", ")), args

	case OpUpdate:
		cols := sortedColumns(st.Values)
		sets := make([]string, len(cols))
		for i, c := range cols {
			args = append(args, st.Values[c])
			sets[i] = fmt.Sprintf("%s = %s", pq.QuoteIdentifier(c), b.dialect.Placeholder(len(args)))
		}
		var where string
		where, args = b.conjunction(st.KeyColumns, st.Key, args)
		return fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(sets, ", "), where), args

	default:
		where, args := b.conjunction(st.KeyColumns, st.Key, nil)
		return fmt.Sprintf("DELETE FROM %s WHERE %s", table, where), args
	}
}

// scanRows scans multiple rows into maps keyed by column name
func scanRows(rows *sql.Rows) ([]Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []Row
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
