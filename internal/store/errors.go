package store

import "errors"

var (
	// ErrFatal marks a broken store invariant. A run that sees it must stop
	// without touching any further job state.
	ErrFatal = errors.New("database error")

	// ErrInsufficientAccounts is returned when too few accounts are loaded to
	// form a single group.
	ErrInsufficientAccounts = errors.New("not enough accounts loaded")
)
