package db

import "errors"

var (
	// ErrNotFound is returned when no entity exists for a key.
	ErrNotFound = errors.New("db: entity not found")

	// ErrConcurrentTransaction is returned when a transaction could not be
	// committed because of a concurrency collision or because it exceeded
	// the store's transaction bounds. The caller must re-run the whole
	// operation; no partial state survives.
	ErrConcurrentTransaction = errors.New("db: concurrent transaction")

	// ErrInvalidKey is returned for keys that cannot be parsed or that are
	// incomplete where a complete key is required.
	ErrInvalidKey = errors.New("db: invalid key")

	// ErrInvalidCursor is returned for query cursors that cannot be parsed
	// or that belong to a query with different orders.
	ErrInvalidCursor = errors.New("db: invalid cursor")

	// ErrReadOnly is returned when a write is attempted on a read-only view.
	ErrReadOnly = errors.New("db: read-only")
)
