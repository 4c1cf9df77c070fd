package storage

import "errors"

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a guarded update matched zero rows,
	// meaning another writer moved first. Callers skip the tick and re-plan
	// from fresher state.
	ErrConflict = errors.New("concurrent modification")
)
