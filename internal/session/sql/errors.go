package sessionsql

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/beatranks/session-service/internal/serviceerr"
)

// handlePgError maps postgres error codes onto service errors. The second
// return value reports whether the error was recognised and translated.
func handlePgError(err error) (error, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err, false
	}

	switch pgErr.Code {
	case "23505":
		return fmt.Errorf("%w: %s", serviceerr.ErrConflict, pgErr.Detail), true
	default:
		return err, false
	}
}
