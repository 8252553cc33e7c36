package store

import "errors"

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate indicates an entity with the same key already exists.
	ErrDuplicate = errors.New("entity already exists")

	// ErrConflict indicates a concurrent update won; the caller should
	// re-read and retry if appropriate.
	ErrConflict = errors.New("concurrent update conflict")
)
