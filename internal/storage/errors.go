package storage

import "errors"

var (
	// ErrNotFound is returned by Latest on an empty archive.
	ErrNotFound = errors.New("archive: no records")

	// ErrInvalidInput is returned for zero timestamps and inverted time ranges.
	ErrInvalidInput = errors.New("archive: invalid input")
)
