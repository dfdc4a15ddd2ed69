package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/marrowkit/marrow/db"
	"github.com/marrowkit/marrow/skeleton"
)

// ErrPermanent marks a task that can never succeed (malformed payload,
// unknown kind). Queue runners should drop such tasks instead of retrying.
var ErrPermanent = errors.New("tasks: permanent failure")

const (
	defaultBatchSize = 5
	minBatchSize     = 5
	maxBatchSize     = 100
)

// Config tunes a Handler.
type Config struct {
	// BatchSize is how many relation edges one task execution processes
	// before re-enqueueing itself with a cursor. Clamped to [5, 100];
	// zero means 5.
	BatchSize int

	// Logger receives progress and integrity warnings. Defaults to
	// slog.Default.
	Logger *slog.Logger
}

func (c *Config) validate() {
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BatchSize < minBatchSize {
		c.BatchSize = minBatchSize
	}
	if c.BatchSize > maxBatchSize {
		c.BatchSize = maxBatchSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Handler executes propagation tasks against a skeleton store. Executions
// are idempotent: re-running a task converges to the same state, so
// at-least-once delivery and overlapping runs are safe.
type Handler struct {
	store  *skeleton.Store
	queue  Queue
	config Config
}

// NewHandler returns a handler writing through store and re-enqueueing
// continuation tasks onto queue.
func NewHandler(store *skeleton.Store, queue Queue, config Config) *Handler {
	config.validate()
	return &Handler{store: store, queue: queue, config: config}
}

// Handle executes one task.
func (h *Handler) Handle(ctx context.Context, task Task) error {
	switch t := task.(type) {
	case UpdateRelations:
		return h.updateRelations(ctx, t)
	case ProcessRemovedRelations:
		return h.processRemovedRelations(ctx, t)
	default:
		return fmt.Errorf("%w: unknown task type %T", ErrPermanent, task)
	}
}

// updateRelations refreshes one batch of stale edges pointing at the
// changed entity and re-enqueues itself while more remain. Each affected
// owner is reloaded, refreshed and rewritten with a cleared update tag; the
// rewrite restamps its edges, which is what retires them from the stale
// set.
func (h *Handler) updateRelations(ctx context.Context, task UpdateRelations) error {
	if _, err := db.DecodeKey(task.DestKey); err != nil {
		return fmt.Errorf("%w: dest key: %v", ErrPermanent, err)
	}
	q := db.NewQuery(skeleton.RelationEdgeKind).
		Filter(skeleton.EdgePropDestKey, db.Equal, task.DestKey).
		Filter(skeleton.EdgePropUpdateLevel, db.Equal, int64(skeleton.AlwaysUpdate)).
		Filter(skeleton.EdgePropUpdateTag, db.Less, task.MinChangeTime).
		WithLimit(h.config.BatchSize).
		WithCursor(task.Cursor)
	if task.ChangedBone != "" {
		q.Filter(skeleton.EdgePropForeignKeys, db.Equal, task.ChangedBone)
	}
	page, err := h.store.Client().Run(ctx, q)
	if err != nil {
		return err
	}
	for _, edge := range page.Entities {
		if err := h.refreshEdgeOwner(ctx, edge); err != nil {
			return err
		}
	}
	if page.Cursor != "" {
		next := task
		next.Cursor = page.Cursor
		return h.queue.Enqueue(ctx, next)
	}
	return nil
}

func (h *Handler) refreshEdgeOwner(ctx context.Context, edge *db.Entity) error {
	srcEncoded, _ := edge.Get(skeleton.EdgePropSrcKey).(string)
	srcKey, err := db.DecodeKey(srcEncoded)
	if err != nil {
		h.config.Logger.Warn("dropping relation edge with malformed owner key",
			"edge", edge.Key.Encode(), "src_key", srcEncoded)
		return h.store.Client().Delete(ctx, edge.Key)
	}
	inst, err := h.store.Load(ctx, srcKey)
	if errors.Is(err, db.ErrNotFound) {
		// The owner is gone but its edge survived a crashed delete; the
		// edge is all that is left to clean up.
		h.config.Logger.Warn("dropping relation edge of vanished owner",
			"edge", edge.Key.Encode(), "src_key", srcEncoded)
		return h.store.Client().Delete(ctx, edge.Key)
	}
	if err != nil {
		return err
	}
	if err := h.store.Refresh(ctx, inst); err != nil {
		return err
	}
	_, err = h.store.WriteWithOptions(ctx, inst, skeleton.WriteOptions{ClearUpdateTag: true})
	return err
}

// processRemovedRelations resolves one batch of relations that referenced
// the deleted entity. PreventDeletion edges cannot exist here (the delete
// would have been refused), so only SetNull and CascadeDeletion remain.
func (h *Handler) processRemovedRelations(ctx context.Context, task ProcessRemovedRelations) error {
	deletedKey, err := db.DecodeKey(task.DeletedKey)
	if err != nil {
		return fmt.Errorf("%w: deleted key: %v", ErrPermanent, err)
	}
	q := db.NewQuery(skeleton.RelationEdgeKind).
		Filter(skeleton.EdgePropDestKey, db.Equal, task.DeletedKey).
		Filter(skeleton.EdgePropConsistency, db.Greater, int64(skeleton.PreventDeletion)).
		WithLimit(h.config.BatchSize).
		WithCursor(task.Cursor)
	page, err := h.store.Client().Run(ctx, q)
	if err != nil {
		return err
	}
	for _, edge := range page.Entities {
		if err := h.resolveRemovedEdge(ctx, edge, deletedKey); err != nil {
			return err
		}
	}
	if page.Cursor != "" {
		next := task
		next.Cursor = page.Cursor
		return h.queue.Enqueue(ctx, next)
	}
	return nil
}

func (h *Handler) resolveRemovedEdge(ctx context.Context, edge *db.Entity, deletedKey *db.Key) error {
	srcEncoded, _ := edge.Get(skeleton.EdgePropSrcKey).(string)
	srcKey, err := db.DecodeKey(srcEncoded)
	if err != nil {
		h.config.Logger.Warn("dropping relation edge with malformed owner key",
			"edge", edge.Key.Encode(), "src_key", srcEncoded)
		return h.store.Client().Delete(ctx, edge.Key)
	}
	inst, err := h.store.Load(ctx, srcKey)
	if errors.Is(err, db.ErrNotFound) {
		return h.store.Client().Delete(ctx, edge.Key)
	}
	if err != nil {
		return err
	}
	consistency, _ := edge.Get(skeleton.EdgePropConsistency).(int64)
	switch skeleton.RelationalConsistency(consistency) {
	case skeleton.CascadeDeletion:
		err := h.store.Delete(ctx, inst)
		if errors.Is(err, skeleton.ErrLocked) {
			// Someone else still prevents deleting the owner; leave the
			// dangling reference rather than violating their lock.
			h.config.Logger.Warn("cascade target is deletion-locked, skipping",
				"src_key", srcEncoded, "deleted", deletedKey.Encode())
			return nil
		}
		return err
	case skeleton.SetNull:
		if err := stripReference(inst, deletedKey); err != nil {
			return err
		}
		_, err = h.store.WriteWithOptions(ctx, inst, skeleton.WriteOptions{ClearUpdateTag: true})
		return err
	default:
		// Ignore-level edges are filtered out by the query; nothing to do.
		return nil
	}
}

// stripReference removes every reference to deletedKey from each relational
// bone of the instance. The following write's edge reconciliation drops the
// now-orphaned edges.
func stripReference(inst *skeleton.Instance, deletedKey *db.Key) error {
	for _, f := range inst.Definition().Fields() {
		rb, ok := f.Bone.(*skeleton.RelationalBone)
		if !ok {
			continue
		}
		if rb.IsMultiple() {
			var kept []any
			removed := false
			for _, item := range asRelationList(inst.Get(f.Name)) {
				if deletedKey.Equal(item.DestKey()) {
					removed = true
					continue
				}
				kept = append(kept, item)
			}
			if removed {
				if err := inst.Set(f.Name, kept); err != nil {
					return err
				}
			}
			continue
		}
		if value, ok := inst.Get(f.Name).(*skeleton.RelationValue); ok && value != nil {
			if deletedKey.Equal(value.DestKey()) {
				if err := inst.Set(f.Name, nil); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func asRelationList(value any) []*skeleton.RelationValue {
	var out []*skeleton.RelationValue
	items, _ := value.([]any)
	for _, item := range items {
		if v, ok := item.(*skeleton.RelationValue); ok && v != nil {
			out = append(out, v)
		}
	}
	return out
}
