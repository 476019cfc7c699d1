package db

import (
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
)

// The store error taxonomy. Callers classify with errors.Is; the front-end
// maps each sentinel to one HTTP status.
var (
	// ErrNotFound marks a lookup that matched no row.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a write rejected by current state: a duplicate key
	// or an illegal lifecycle transition.
	ErrConflict = errors.New("conflict")
	// ErrInvalidArgument marks caller input rejected before it reaches SQL.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnavailable marks a store that cannot take the call right now.
	ErrUnavailable = errors.New("unavailable")
)

// SQLite primary result codes the adapter classifies. Extended codes carry
// the primary code in their low byte.
const (
	sqliteBusy       = 5
	sqliteLocked     = 6
	sqliteConstraint = 19
)

// mapError folds a driver error into the taxonomy, tagged with the failed
// operation. Errors already carrying a sentinel pass through unchanged so a
// transaction wrapper cannot re-classify them.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrUnavailable) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqliteConstraint:
			return fmt.Errorf("%s: %s: %w", op, serr.Error(), ErrConflict)
		case sqliteBusy, sqliteLocked:
			return fmt.Errorf("%s: %s: %w", op, serr.Error(), ErrUnavailable)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
