package remote

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mmdatafocus/pos_sync/syncerr"
)

var errNotFound = errors.New("remote: row not found")

// ErrDeleted is wrapped by the ConflictError of a write to a soft-deleted row.
var ErrDeleted = errors.New("remote: row is deleted")

// mapError classifies a pgx error into the sync taxonomy.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *syncerr.Error
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return syncerr.ValidationCause(op, errNotFound)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return syncerr.Network(op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		// integrity constraint violations: unique, foreign key, check, not null
		case strings.HasPrefix(pgErr.Code, "23"):
			return syncerr.ValidationCause(op, err)
		// data exceptions: bad numeric/text/timestamp values
		case strings.HasPrefix(pgErr.Code, "22"):
			return syncerr.ValidationCause(op, err)
		case strings.HasPrefix(pgErr.Code, "28"), pgErr.Code == "42501":
			return &syncerr.Error{Kind: syncerr.KindUnauthenticated, Op: op, Err: err}
		// undefined table/column: schema mismatch, retrying will not help
		case pgErr.Code == "42P01", pgErr.Code == "42703":
			return syncerr.ValidationCause(op, err)
		}
	}
	return syncerr.Network(op, err)
}
