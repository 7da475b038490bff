package repository

import (
	"errors"

	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a lookup by id, fingerprint or name misses.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert hits a unique constraint.
	ErrDuplicate = errors.New("duplicate record")
	// ErrInvalidInput is returned for arguments that can never succeed.
	ErrInvalidInput = errors.New("invalid input")
)

// isUniqueViolation recognizes both the translated gorm error and the raw
// sqlite3 constraint error (raw SQL paths and drivers without TranslateError).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// IsUniqueViolation exposes the constraint check to callers that run their own transactions.
func IsUniqueViolation(err error) bool {
	return errors.Is(err, ErrDuplicate) || isUniqueViolation(err)
}
