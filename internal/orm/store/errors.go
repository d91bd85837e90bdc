package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrInvalidReference is returned when an identity cannot be used for a
	// lookup, typically because it references an entity that has no identity
	// yet. Callers may treat it as "not found".
	ErrInvalidReference = errors.New("invalid reference")

	// ErrNotManaged is returned when an operation needs an entity the session does not manage
	ErrNotManaged = errors.New("entity is not managed")

	// ErrIdentityRequired is returned when persisting an entity whose identity cannot be generated
	ErrIdentityRequired = errors.New("identity required")

	// ErrNotFound is returned when a row is not found
	ErrNotFound = errors.New("record not found")

	// ErrUniqueViolation is returned when a unique constraint is violated
	ErrUniqueViolation = errors.New("unique constraint violation")

	// ErrForeignKeyViolation is returned when a foreign key constraint is violated
	ErrForeignKeyViolation = errors.New("foreign key constraint violation")
)

// ConvertDBError converts database-specific errors to store errors
func ConvertDBError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrUniqueViolation, pgErr.Detail)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: %s", ErrForeignKeyViolation, pgErr.Detail)
		case "22P02", "22003": // invalid_text_representation, numeric_value_out_of_range
			return fmt.Errorf("%w: %s", ErrInvalidReference, pgErr.Message)
		}
	}

	return err
}

// IsInvalidReference returns true if the error is ErrInvalidReference
func IsInvalidReference(err error) bool {
	return errors.Is(err, ErrInvalidReference)
}
