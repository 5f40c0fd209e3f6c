package storage

import "errors"

var (
	// ErrNotFound is returned when a lookup by primary key finds no row.
	ErrNotFound = errors.New("storage: row not found")

	// ErrAlreadyExists is returned when a uniqueness invariant would be
	// violated by an insert (e.g. a second hosting agreement for the same
	// public key).
	ErrAlreadyExists = errors.New("storage: row already exists")

	// ErrQuotaExceeded is returned when a capacity limit (max hosted
	// identities, max neighbors, max followers) would be exceeded.
	ErrQuotaExceeded = errors.New("storage: capacity limit reached")
)
