// Package skeleton implements schema-defined records over a key-value entity
// store. A definition names typed fields ("bones"); instances of it
// serialize to flat entities, with relational bones keeping denormalized
// snapshots of the entities they reference. The write and delete pipelines
// maintain unique-value locks and deletion locks transactionally, and emit
// relation-edge records plus background-task triggers that keep the
// denormalized snapshots converging after referenced entities change.
package skeleton

import (
	"context"
	"errors"
	"log/slog"

	"github.com/marrowkit/marrow/db"
)

// Scheduler enqueues the background propagation work a write or delete
// leaves behind. Implementations must be idempotent per payload: the same
// task may be scheduled and executed more than once.
type Scheduler interface {
	// ScheduleUpdateRelations asks for every relation edge pointing at
	// destKey with an update tag older than minChangeTime to be refreshed.
	// changedBone names the target bone that changed, or "" for all bones.
	ScheduleUpdateRelations(ctx context.Context, destKey *db.Key, minChangeTime int64, changedBone string) error

	// ScheduleProcessRemovedRelations asks for every relation referencing
	// the deleted entity to be resolved per its consistency rule.
	ScheduleProcessRemovedRelations(ctx context.Context, deletedKey *db.Key) error
}

// Store binds a sealed registry to an entity store and runs the write,
// delete and query pipelines.
type Store struct {
	client    db.Client
	registry  *Registry
	scheduler Scheduler
	logger    *slog.Logger
}

// New returns a store over client. The registry must be sealed.
func New(client db.Client, registry *Registry) (*Store, error) {
	if !registry.Sealed() {
		return nil, ErrRegistryNotSealed
	}
	return &Store{client: client, registry: registry, logger: slog.Default()}, nil
}

// SetScheduler installs the background-task scheduler. Without one, writes
// and deletes still maintain locks and edges but snapshot propagation only
// happens through explicit Refresh calls.
func (s *Store) SetScheduler(scheduler Scheduler) { s.scheduler = scheduler }

// SetLogger replaces the default logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Client returns the underlying entity store.
func (s *Store) Client() db.Client { return s.client }

// Registry returns the sealed registry.
func (s *Store) Registry() *Registry { return s.registry }

// NewInstance returns an empty, unstored instance of kind.
func (s *Store) NewInstance(kind string) (*Instance, error) {
	def, err := s.registry.ByKind(kind)
	if err != nil {
		return nil, err
	}
	return &Instance{
		def:      def,
		store:    s,
		values:   map[string]any{},
		accessed: map[string]bool{},
	}, nil
}

// Load reads the entity stored under key into a fresh instance.
func (s *Store) Load(ctx context.Context, key *db.Key) (*Instance, error) {
	def, err := s.registry.ByKind(key.Kind)
	if err != nil {
		return nil, err
	}
	entity, err := s.client.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.instanceFor(def, entity), nil
}

func (s *Store) instanceFor(def *Definition, entity *db.Entity) *Instance {
	return &Instance{
		def:      def,
		store:    s,
		key:      entity.Key,
		entity:   entity,
		values:   map[string]any{},
		accessed: map[string]bool{},
	}
}

// Refresh rebuilds every bone's derived state from its source of truth,
// marking refreshed bones accessed so a following Write persists them.
func (s *Store) Refresh(ctx context.Context, inst *Instance) error {
	if inst.key == nil {
		return ErrNotStored
	}
	for _, f := range inst.def.fields {
		if err := f.Bone.Refresh(ctx, inst, f.Name); err != nil {
			return err
		}
	}
	return nil
}

// Exists reports whether an entity is stored under key.
func (s *Store) Exists(ctx context.Context, key *db.Key) (bool, error) {
	_, err := s.client.Get(ctx, key)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
