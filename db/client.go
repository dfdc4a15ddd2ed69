package db

import "context"

// Reader is the read half of the store contract.
type Reader interface {
	// Get fetches the entity stored under key, or ErrNotFound.
	Get(ctx context.Context, key *Key) (*Entity, error)

	// GetMulti fetches several entities. The result has one slot per key;
	// missing entities yield a nil slot, not an error.
	GetMulti(ctx context.Context, keys []*Key) ([]*Entity, error)
}

// Writer is the write half of the store contract.
type Writer interface {
	// Put stores the entity under its key, replacing any previous version,
	// and returns the key written.
	Put(ctx context.Context, entity *Entity) (*Key, error)

	// PutMulti stores several entities.
	PutMulti(ctx context.Context, entities []*Entity) ([]*Key, error)

	// Delete removes the entity stored under key. Deleting a missing entity
	// is not an error.
	Delete(ctx context.Context, key *Key) error

	// DeleteMulti removes several entities.
	DeleteMulti(ctx context.Context, keys []*Key) error
}

// Tx is the transactional view passed to RunInTransaction. Reads inside a
// transaction are strongly consistent and observe the transaction's own
// buffered writes.
type Tx interface {
	Reader
	Writer
}

// Client is the full entity-store contract.
type Client interface {
	Reader
	Writer

	// AllocateKey reserves a fresh, unused key for kind, optionally
	// parented under an ancestor.
	AllocateKey(ctx context.Context, kind string, parent *Key) (*Key, error)

	// RunInTransaction executes fn against a transactional view and commits
	// its buffered writes atomically. If the commit collides with a
	// concurrent writer the adapter may re-invoke fn; when retries are
	// exhausted it returns ErrConcurrentTransaction. Any error returned by
	// fn aborts the transaction and is passed through unchanged.
	RunInTransaction(ctx context.Context, fn func(tx Tx) error) error

	// Run executes a query and returns one page of results.
	Run(ctx context.Context, q *Query) (*QueryResult, error)
}

// RunAll drains a query page by page, returning every matching entity.
func RunAll(ctx context.Context, client Client, q *Query) ([]*Entity, error) {
	var all []*Entity
	q = q.Clone()
	for {
		page, err := client.Run(ctx, q)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Entities...)
		if page.Cursor == "" {
			return all, nil
		}
		q.Cursor = page.Cursor
	}
}
