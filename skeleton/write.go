package skeleton

import (
	"context"
	"errors"
	"fmt"

	"github.com/marrowkit/marrow/db"
)

// WriteOptions tune one write.
type WriteOptions struct {
	// ClearUpdateTag marks the entity as freshly propagated (update tag 0)
	// instead of stamping the write time. Set by the background propagation
	// task so its own writes do not trigger further propagation rounds.
	ClearUpdateTag bool
}

// maxChangedFanout bounds how many per-bone propagation tasks one write
// schedules before falling back to a single unfiltered task.
const maxChangedFanout = 5

// Write persists the instance with default options.
func (s *Store) Write(ctx context.Context, inst *Instance) (*db.Key, error) {
	return s.WriteWithOptions(ctx, inst, WriteOptions{})
}

// WriteWithOptions persists the instance in one transaction: the stored
// entity is re-read and merged with the accessed bones, every bone
// serializes (relational bones reconciling deletion locks), unique-value
// locks are claimed, and blob references are recorded. A unique conflict
// aborts the transaction, appends a validation error to inst.Errors and
// returns ErrUniqueValueTaken.
//
// After commit the relation edges are reconciled and snapshot propagation
// is scheduled for the changed bones.
func (s *Store) WriteWithOptions(ctx context.Context, inst *Instance, opts WriteOptions) (*db.Key, error) {
	def := inst.def
	isAdd := inst.key == nil
	key := inst.key
	if key == nil {
		allocated, err := s.client.AllocateKey(ctx, def.kind, nil)
		if err != nil {
			return nil, err
		}
		key = allocated
	}

	var (
		committed   *db.Entity
		changed     []string
		staleUnique map[string][]string
	)
	txErr := s.client.RunInTransaction(ctx, func(tx db.Tx) error {
		changed = nil
		staleUnique = map[string][]string{}

		entity, err := tx.Get(ctx, key)
		if errors.Is(err, db.ErrNotFound) {
			entity = db.NewEntity(key)
		} else if err != nil {
			return err
		}
		before := entity.Clone()

		work := &Instance{
			def:      def,
			store:    s,
			key:      key,
			entity:   entity,
			values:   inst.values,
			accessed: inst.accessed,
		}

		var blobs []string
		for _, f := range def.fields {
			oldHashes := entity.StringList(f.Name + SuffixUniqueValues)

			// Untouched bones keep their stored value; bones never stored
			// at all materialize their default so the entity stays complete.
			if !work.accessed[f.Name] && !entity.Has(f.Name) {
				work.current(f.Name)
				work.accessed[f.Name] = true
			}
			if work.accessed[f.Name] {
				if err := f.Bone.Serialize(ctx, tx, work, f.Name); err != nil {
					return err
				}
			}
			blobs = append(blobs, f.Bone.ReferencedBlobKeys(work, f.Name)...)
			if !db.ValueEqual(entity.Get(f.Name), before.Get(f.Name)) {
				changed = append(changed, f.Name)
			}

			if u := f.Bone.UniqueSpec(); u != nil {
				stale, err := s.claimUniqueLocks(ctx, tx, work, f.Name, u, oldHashes)
				if err != nil {
					return err
				}
				if len(stale) > 0 {
					staleUnique[f.Name] = stale
				}
			}
		}

		if opts.ClearUpdateTag {
			entity.Set(PropDelayedUpdateTag, int64(0))
		} else {
			entity.Set(PropDelayedUpdateTag, nowMicros())
		}

		if _, err := tx.Put(ctx, entity); err != nil {
			return err
		}
		if err := s.writeBlobLocks(ctx, tx, key, dedupeStrings(blobs)); err != nil {
			return err
		}
		committed = entity
		return nil
	})
	if txErr != nil {
		var conflict *uniqueConflictError
		if errors.As(txErr, &conflict) {
			msg := conflict.message
			if msg == "" {
				msg = "the value entered is already in use"
			}
			inst.Errors = append(inst.Errors, Error{
				Severity:  Invalid,
				Message:   msg,
				FieldPath: []string{conflict.bone},
			})
			return nil, fmt.Errorf("%w: %s.%s", ErrUniqueValueTaken, def.kind, conflict.bone)
		}
		return nil, txErr
	}

	inst.key = key
	inst.entity = committed

	s.flushStaleUniqueLocks(ctx, def.kind, key, staleUnique)

	for _, f := range def.fields {
		if err := f.Bone.PostSaved(ctx, inst, f.Name, key); err != nil {
			s.logger.Warn("post-save hook failed, propagation task will repair",
				"kind", def.kind, "bone", f.Name, "key", key.Encode(), "error", err)
		}
	}

	if s.scheduler != nil && !opts.ClearUpdateTag && !isAdd && len(changed) > 0 {
		s.scheduleUpdateRelations(ctx, key, changed)
	}
	return key, nil
}

// claimUniqueLocks acquires the lock records for the bone's current value
// inside the write transaction and returns the previously held hashes that
// are no longer claimed.
func (s *Store) claimUniqueLocks(ctx context.Context, tx db.Tx, work *Instance, name string, u *UniqueValue, oldHashes []string) ([]string, error) {
	newHashes, err := work.def.byName[name].UniqueIndexValues(work, name)
	if err != nil {
		return nil, err
	}
	lockKind := UniqueLockKind(work.def.kind, name)
	for _, h := range newHashes {
		lockKey := db.NewKey(lockKind, h)
		lock, err := tx.Get(ctx, lockKey)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		if lock != nil {
			holder, _ := lock.Get(LockPropReferences).(string)
			if holder != work.key.ID {
				return nil, &uniqueConflictError{bone: name, message: u.Message}
			}
			continue
		}
		lock = db.NewEntity(lockKey)
		lock.Set(LockPropReferences, work.key.ID)
		if _, err := tx.Put(ctx, lock); err != nil {
			return nil, err
		}
	}
	work.entity.Set(name+SuffixUniqueValues, toAnyList(newHashes))
	return diffStrings(oldHashes, newHashes), nil
}

// flushStaleUniqueLocks releases lock records the committed write no longer
// claims. It runs best-effort after the commit; a lock that cannot be
// verified as ours is left in place and logged, never deleted blindly.
func (s *Store) flushStaleUniqueLocks(ctx context.Context, kind string, key *db.Key, stale map[string][]string) {
	for bone, hashes := range stale {
		lockKind := UniqueLockKind(kind, bone)
		for _, h := range hashes {
			lockKey := db.NewKey(lockKind, h)
			lock, err := s.client.Get(ctx, lockKey)
			if errors.Is(err, db.ErrNotFound) {
				s.logger.Warn("stale unique lock already gone",
					"kind", kind, "bone", bone, "lock", h)
				continue
			}
			if err != nil {
				s.logger.Warn("could not read stale unique lock",
					"kind", kind, "bone", bone, "lock", h, "error", err)
				continue
			}
			if holder, _ := lock.Get(LockPropReferences).(string); holder != key.ID {
				s.logger.Warn("stale unique lock reassigned to another entity, leaving it",
					"kind", kind, "bone", bone, "lock", h, "holder", holder)
				continue
			}
			if err := s.client.Delete(ctx, lockKey); err != nil {
				s.logger.Warn("could not delete stale unique lock",
					"kind", kind, "bone", bone, "lock", h, "error", err)
			}
		}
	}
}

// writeBlobLocks updates the entity's blob reference bookkeeping: blobs no
// longer referenced move to the old set until garbage collection confirms
// nothing else holds them.
func (s *Store) writeBlobLocks(ctx context.Context, tx db.Tx, key *db.Key, active []string) error {
	lockKey := db.NewKey(BlobLockKind, key.Encode())
	lock, err := tx.Get(ctx, lockKey)
	if errors.Is(err, db.ErrNotFound) {
		if len(active) == 0 {
			return nil
		}
		lock = db.NewEntity(lockKey)
		lock.Set(BlobPropActive, toAnyList(active))
		lock.Set(BlobPropOld, []any{})
		lock.Set(BlobPropHasOld, false)
		lock.Set(BlobPropIsStale, false)
		_, err := tx.Put(ctx, lock)
		return err
	}
	if err != nil {
		return err
	}
	dropped := diffStrings(lock.StringList(BlobPropActive), active)
	old := dedupeStrings(append(lock.StringList(BlobPropOld), dropped...))
	old = diffStrings(old, active)
	lock.Set(BlobPropActive, toAnyList(active))
	lock.Set(BlobPropOld, toAnyList(old))
	lock.Set(BlobPropHasOld, len(old) > 0)
	lock.Set(BlobPropIsStale, false)
	_, err = tx.Put(ctx, lock)
	return err
}

// scheduleUpdateRelations enqueues snapshot propagation for the changed
// bones, falling back to one unfiltered task when too many bones changed.
func (s *Store) scheduleUpdateRelations(ctx context.Context, key *db.Key, changed []string) {
	minChangeTime := nowMicros() + 1
	if len(changed) > maxChangedFanout {
		changed = []string{""}
	}
	for _, bone := range changed {
		if err := s.scheduler.ScheduleUpdateRelations(ctx, key, minChangeTime, bone); err != nil {
			s.logger.Warn("could not schedule relation update",
				"key", key.Encode(), "bone", bone, "error", err)
		}
	}
}
