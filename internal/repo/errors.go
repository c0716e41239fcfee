package repo

import "errors"

var (
	// ErrNotFound marks lookups for strategies, plugins, playlists or run
	// contexts that do not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a lost optimistic-concurrency race or an invalid
	// status transition on a playlist row.
	ErrConflict = errors.New("conflict")
)
