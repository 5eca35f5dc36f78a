package storage

import "errors"

var (
	// ErrInvalidInput marks caller mistakes: malformed metadata IDs,
	// ambiguous attachment references, location strings for the wrong
	// backend.
	ErrInvalidInput = errors.New("storage: invalid input")

	// ErrNotImplemented is returned for operations a backend does not
	// support, attachment operations on attachment-less backends in
	// particular.
	ErrNotImplemented = errors.New("storage: not implemented")

	// ErrReadOnly is returned by write operations on export-backed
	// storage systems.
	ErrReadOnly = errors.New("storage: read-only storage system")
)
