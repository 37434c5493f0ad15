package errors

import (
	"context"
	"errors"
	"regexp"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// "Key (field)=(value) already exists."
	reKeyField = regexp.MustCompile(`Key \(([^)]+)\)=`)
	// "... is not present in table "x"." means the request referenced a
	// parent row that does not exist.
	reNotPresent = regexp.MustCompile(`is not present in table "?([^"]+)"?`)
)

// MapDBError classifies storage errors into kinds the worker API can map to
// status codes: pgx.ErrNoRows becomes NotFound, unique violations Conflict,
// a missing foreign-key parent Validation, check and not-null violations
// Validation, context errors Timeout/Canceled. Errors it does not recognize
// pass through unchanged.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Message: "operation timed out", Cause: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCanceled, Message: "operation canceled", Cause: err}
	case errors.Is(err, pgx.ErrNoRows):
		return &Error{Kind: KindNotFound, Message: "resource not found", Cause: err}
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		return &Error{
			Kind:    KindConflict,
			Message: "value already exists",
			Field:   uniqueViolationField(pgErr),
			Cause:   pgErr,
		}
	case pgerrcode.ForeignKeyViolation:
		if m := reNotPresent.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
			return &Error{
				Kind:    KindValidation,
				Message: "referenced " + m[1] + " row does not exist",
				Cause:   pgErr,
			}
		}
		return &Error{Kind: KindConflict, Message: "row is still referenced", Cause: pgErr}
	case pgerrcode.CheckViolation:
		return &Error{
			Kind:    KindValidation,
			Message: "value violates a constraint",
			Field:   pgErr.ColumnName,
			Cause:   pgErr,
		}
	case pgerrcode.NotNullViolation:
		return &Error{
			Kind:    KindValidation,
			Message: "required field is missing",
			Field:   pgErr.ColumnName,
			Cause:   pgErr,
		}
	default:
		return &Error{Kind: KindInternal, Message: "database error", Cause: pgErr}
	}
}

// uniqueViolationField prefers the column metadata, then the Detail message.
// Multi-column keys come back comma-joined the way Postgres reports them.
func uniqueViolationField(pgErr *pgconn.PgError) string {
	if pgErr.ColumnName != "" {
		return pgErr.ColumnName
	}
	if m := reKeyField.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
		return m[1]
	}
	return ""
}
