// Package memdb provides an in-memory implementation of the db.Client
// contract. Transactions are serialized behind one mutex, which gives the
// same observable guarantees as the real store's optimistic transactions:
// either the whole transaction applies or none of it does, and no two
// transactions interleave on the same entities.
//
// It backs the unit-test suites and is usable as a single-process store for
// development setups.
package memdb

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/marrowkit/marrow/db"
)

// Store is an in-memory db.Client.
type Store struct {
	mu       sync.Mutex
	entities map[string]*db.Entity
}

// New returns an empty store.
func New() *Store {
	return &Store{entities: map[string]*db.Entity{}}
}

// Len returns the number of stored entities, for test assertions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities)
}

func (s *Store) getLocked(key *db.Key) (*db.Entity, error) {
	if key == nil || key.Incomplete() {
		return nil, db.ErrInvalidKey
	}
	entity, ok := s.entities[key.Encode()]
	if !ok {
		return nil, db.ErrNotFound
	}
	return entity.Clone(), nil
}

func (s *Store) putLocked(entity *db.Entity) (*db.Key, error) {
	if entity == nil || entity.Key == nil || entity.Key.Incomplete() {
		return nil, db.ErrInvalidKey
	}
	s.entities[entity.Key.Encode()] = entity.Clone()
	return entity.Key, nil
}

// Get implements db.Reader.
func (s *Store) Get(ctx context.Context, key *db.Key) (*db.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

// GetMulti implements db.Reader.
func (s *Store) GetMulti(ctx context.Context, keys []*db.Key) ([]*db.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*db.Entity, len(keys))
	for i, key := range keys {
		entity, err := s.getLocked(key)
		if err == nil {
			out[i] = entity
		} else if err != db.ErrNotFound {
			return nil, err
		}
	}
	return out, nil
}

// Put implements db.Writer.
func (s *Store) Put(ctx context.Context, entity *db.Entity) (*db.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(entity)
}

// PutMulti implements db.Writer.
func (s *Store) PutMulti(ctx context.Context, entities []*db.Entity) ([]*db.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]*db.Key, len(entities))
	for i, entity := range entities {
		key, err := s.putLocked(entity)
		if err != nil {
			return nil, err
		}
		keys[i] = key
	}
	return keys, nil
}

// Delete implements db.Writer.
func (s *Store) Delete(ctx context.Context, key *db.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, key.Encode())
	return nil
}

// DeleteMulti implements db.Writer.
func (s *Store) DeleteMulti(ctx context.Context, keys []*db.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.entities, key.Encode())
	}
	return nil
}

// AllocateKey implements db.Client.
func (s *Store) AllocateKey(ctx context.Context, kind string, parent *db.Key) (*db.Key, error) {
	if kind == "" {
		return nil, db.ErrInvalidKey
	}
	return &db.Key{Kind: kind, ID: uuid.NewString(), Parent: parent}, nil
}

// RunInTransaction implements db.Client. The store mutex is held for the
// whole transaction, so fn never observes interleaved writes and is invoked
// at most once.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx db.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s, writes: map[string]*db.Entity{}}
	if err := fn(tx); err != nil {
		return err
	}
	for encoded, entity := range tx.writes {
		if entity == nil {
			delete(s.entities, encoded)
		} else {
			s.entities[encoded] = entity
		}
	}
	return nil
}

// memTx buffers writes until commit; reads observe the buffer first.
type memTx struct {
	store *Store
	// writes maps encoded key to the pending entity, nil marking a delete.
	writes map[string]*db.Entity
}

func (t *memTx) Get(ctx context.Context, key *db.Key) (*db.Entity, error) {
	if key == nil || key.Incomplete() {
		return nil, db.ErrInvalidKey
	}
	if pending, ok := t.writes[key.Encode()]; ok {
		if pending == nil {
			return nil, db.ErrNotFound
		}
		return pending.Clone(), nil
	}
	return t.store.getLocked(key)
}

func (t *memTx) GetMulti(ctx context.Context, keys []*db.Key) ([]*db.Entity, error) {
	out := make([]*db.Entity, len(keys))
	for i, key := range keys {
		entity, err := t.Get(ctx, key)
		if err == nil {
			out[i] = entity
		} else if err != db.ErrNotFound {
			return nil, err
		}
	}
	return out, nil
}

func (t *memTx) Put(ctx context.Context, entity *db.Entity) (*db.Key, error) {
	if entity == nil || entity.Key == nil || entity.Key.Incomplete() {
		return nil, db.ErrInvalidKey
	}
	t.writes[entity.Key.Encode()] = entity.Clone()
	return entity.Key, nil
}

func (t *memTx) PutMulti(ctx context.Context, entities []*db.Entity) ([]*db.Key, error) {
	keys := make([]*db.Key, len(entities))
	for i, entity := range entities {
		key, err := t.Put(ctx, entity)
		if err != nil {
			return nil, err
		}
		keys[i] = key
	}
	return keys, nil
}

func (t *memTx) Delete(ctx context.Context, key *db.Key) error {
	if key == nil || key.Incomplete() {
		return db.ErrInvalidKey
	}
	t.writes[key.Encode()] = nil
	return nil
}

func (t *memTx) DeleteMulti(ctx context.Context, keys []*db.Key) error {
	for _, key := range keys {
		if err := t.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Run implements db.Client. Results are sorted by the query orders with the
// encoded key as a stable tie-break; cursors are positions within that
// ordering.
func (s *Store) Run(ctx context.Context, q *db.Query) (*db.QueryResult, error) {
	s.mu.Lock()
	var matched []*db.Entity
	for _, entity := range s.entities {
		if entity.Key.Kind != q.Kind {
			continue
		}
		if !db.HasAncestor(entity, q.Ancestor) {
			continue
		}
		ok := true
		for _, f := range q.Filters {
			if !db.MatchFilter(entity, f) {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, entity.Clone())
		}
	}
	s.mu.Unlock()

	db.SortEntities(matched, q.Orders)

	if q.Cursor != "" {
		pos, err := db.DecodeCursor(q.Cursor, q.Orders)
		if err != nil {
			return nil, err
		}
		skip := 0
		for skip < len(matched) && !pos.Before(matched[skip], q.Orders) {
			skip++
		}
		matched = matched[skip:]
	}

	result := &db.QueryResult{}
	if q.Limit > 0 && len(matched) > q.Limit {
		result.Entities = matched[:q.Limit]
		result.Cursor = db.CursorFor(result.Entities[q.Limit-1], q.Orders)
	} else {
		result.Entities = matched
	}
	return result, nil
}
