package data

import (
	"database/sql"
	"errors"
	"strings"
)

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isUniqueConstraint reports whether err is a UNIQUE constraint violation.
// modernc.org/sqlite doesn't expose a typed error for this, so the message
// is matched the way the driver actually formats it.
func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
