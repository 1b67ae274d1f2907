package db

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// Markers emitted by the drivers we support when a unique index rejects a
// row. The single-active-payment invariant rides on this check, so every
// backend the tests or deployments use must be covered.
var duplicateKeyMarkers = []string{
	"duplicate key value violates unique constraint", // postgres, SQLSTATE 23505
	"Error 1062",               // mysql
	"UNIQUE constraint failed", // sqlite
}

// IsDuplicateKeyErr reports whether err is a unique constraint violation.
// gorm translates some of these to ErrDuplicatedKey; the string checks
// cover the drivers it does not.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	for _, marker := range duplicateKeyMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
