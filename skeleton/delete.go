package skeleton

import (
	"context"
	"errors"

	"github.com/marrowkit/marrow/db"
)

// Delete removes the stored entity in one transaction. The delete is
// refused with ErrLocked while other entities hold PreventDeletion
// references on it. Inside the transaction the entity's own deletion locks
// are released, its unique-value locks are dropped and its blob references
// are marked stale; afterwards the owned relation edges are removed and the
// removed-relations task is scheduled so referencing entities get resolved
// per their consistency rules.
func (s *Store) Delete(ctx context.Context, inst *Instance) error {
	if inst.key == nil {
		return ErrNotStored
	}
	def := inst.def
	key := inst.key

	var snapshot *db.Entity
	txErr := s.client.RunInTransaction(ctx, func(tx db.Tx) error {
		entity, err := tx.Get(ctx, key)
		if errors.Is(err, db.ErrNotFound) {
			return db.ErrNotFound
		}
		if err != nil {
			return err
		}
		if len(entity.StringList(PropIncomingLocks)) > 0 {
			return ErrLocked
		}

		work := &Instance{
			def:      def,
			store:    s,
			key:      key,
			entity:   entity,
			values:   map[string]any{},
			accessed: map[string]bool{},
		}
		for _, f := range def.fields {
			if err := f.Bone.ReleaseLocks(ctx, tx, work, f.Name); err != nil {
				return err
			}
			if f.Bone.UniqueSpec() != nil {
				s.dropUniqueLocks(ctx, tx, work, f.Name)
			}
		}
		if err := s.retireBlobLocks(ctx, tx, key); err != nil {
			return err
		}
		if err := tx.Delete(ctx, key); err != nil {
			return err
		}
		snapshot = entity
		return nil
	})
	if txErr != nil {
		return txErr
	}

	// Keep the deleted state readable on the instance for the post-delete
	// hooks and the caller.
	inst.entity = snapshot

	for _, f := range def.fields {
		if err := f.Bone.PostDeleted(ctx, inst, f.Name, key); err != nil {
			s.logger.Warn("post-delete hook failed",
				"kind", def.kind, "bone", f.Name, "key", key.Encode(), "error", err)
		}
	}
	if s.scheduler != nil {
		if err := s.scheduler.ScheduleProcessRemovedRelations(ctx, key); err != nil {
			s.logger.Warn("could not schedule removed-relations processing",
				"key", key.Encode(), "error", err)
		}
	}
	return nil
}

// dropUniqueLocks releases the bone's lock records inside the delete
// transaction. Integrity violations are logged, never escalated: a missing
// or reassigned lock must not keep an entity undeletable.
func (s *Store) dropUniqueLocks(ctx context.Context, tx db.Tx, work *Instance, name string) {
	lockKind := UniqueLockKind(work.def.kind, name)
	for _, h := range work.entity.StringList(name + SuffixUniqueValues) {
		lockKey := db.NewKey(lockKind, h)
		lock, err := tx.Get(ctx, lockKey)
		if errors.Is(err, db.ErrNotFound) {
			s.logger.Warn("unique lock missing on delete",
				"kind", work.def.kind, "bone", name, "lock", h)
			continue
		}
		if err != nil {
			s.logger.Warn("could not read unique lock on delete",
				"kind", work.def.kind, "bone", name, "lock", h, "error", err)
			continue
		}
		if holder, _ := lock.Get(LockPropReferences).(string); holder != work.key.ID {
			s.logger.Warn("unique lock held by another entity on delete, leaving it",
				"kind", work.def.kind, "bone", name, "lock", h, "holder", holder)
			continue
		}
		if err := tx.Delete(ctx, lockKey); err != nil {
			s.logger.Warn("could not delete unique lock",
				"kind", work.def.kind, "bone", name, "lock", h, "error", err)
		}
	}
}

// retireBlobLocks moves the entity's active blob references to the old set
// and marks the lock record stale for garbage collection. A record with no
// references left is deleted outright.
func (s *Store) retireBlobLocks(ctx context.Context, tx db.Tx, key *db.Key) error {
	lockKey := db.NewKey(BlobLockKind, key.Encode())
	lock, err := tx.Get(ctx, lockKey)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	old := dedupeStrings(append(lock.StringList(BlobPropOld), lock.StringList(BlobPropActive)...))
	if len(old) == 0 {
		return tx.Delete(ctx, lockKey)
	}
	lock.Set(BlobPropActive, []any{})
	lock.Set(BlobPropOld, toAnyList(old))
	lock.Set(BlobPropHasOld, true)
	lock.Set(BlobPropIsStale, true)
	_, err = tx.Put(ctx, lock)
	return err
}
