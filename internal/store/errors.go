package store

import (
	"database/sql/driver"
	"errors"
	"fmt"
)

var (
	// ErrDuplicateKey reports a unique constraint violation.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrTransient reports a failure that may succeed on retry: busy or
	// locked database, serialization failure, deadlock, dropped connection.
	ErrTransient = errors.New("transient storage error")
	// ErrNotFound is returned by single-row lookups with no match.
	ErrNotFound = errors.New("not found")
)

// classify wraps driver errors with the matching sentinel.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrDuplicateKey) || errors.Is(err, ErrTransient) {
		return err
	}
	switch {
	case sqliteDuplicate(err), postgresDuplicate(err):
		return fmt.Errorf("%w: %w", ErrDuplicateKey, err)
	case sqliteTransient(err), postgresTransient(err), errors.Is(err, driver.ErrBadConn):
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}
