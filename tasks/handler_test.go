package tasks_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marrowkit/marrow/db"
	"github.com/marrowkit/marrow/db/memdb"
	"github.com/marrowkit/marrow/skeleton"
	"github.com/marrowkit/marrow/tasks"
)

// harness wires a two-kind schema without the automatic scheduler, so tests
// control exactly which tasks run.
type harness struct {
	store *skeleton.Store
	mem   *memdb.Store
	queue *tasks.MemQueue
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := skeleton.NewRegistry()
	defs := []*skeleton.Definition{
		skeleton.MustDefinition("target",
			skeleton.Field{Name: "name", Bone: skeleton.NewStringBone()},
		),
		skeleton.MustDefinition("owner",
			skeleton.Field{Name: "name", Bone: skeleton.NewStringBone()},
			skeleton.Field{Name: "ref", Bone: &skeleton.RelationalBone{
				Kind:        "target",
				CacheFields: []string{"name"},
				EdgeFields:  []string{"name"},
			}},
		),
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if err := reg.Seal(); err != nil {
		t.Fatalf("seal: %v", err)
	}
	mem := memdb.New()
	store, err := skeleton.New(mem, reg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return &harness{store: store, mem: mem, queue: tasks.NewMemQueue()}
}

func (h *harness) handler(batch int) *tasks.Handler {
	return tasks.NewHandler(h.store, h.queue, tasks.Config{BatchSize: batch})
}

func TestUpdateRelations_BatchesThroughCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	target, _ := h.store.NewInstance("target")
	target.Set("name", "before")
	if _, err := h.store.Write(ctx, target); err != nil {
		t.Fatalf("write target: %v", err)
	}
	var owners []*skeleton.Instance
	for i := 0; i < 7; i++ {
		owner, _ := h.store.NewInstance("owner")
		owner.Set("name", "owner")
		if err := owner.SetRelation(ctx, "ref", target.Key(), nil); err != nil {
			t.Fatalf("set ref: %v", err)
		}
		if _, err := h.store.Write(ctx, owner); err != nil {
			t.Fatalf("write owner: %v", err)
		}
		owners = append(owners, owner)
	}

	renamed, err := h.store.Load(ctx, target.Key())
	if err != nil {
		t.Fatalf("load target: %v", err)
	}
	renamed.Set("name", "after")
	if _, err := h.store.Write(ctx, renamed); err != nil {
		t.Fatalf("rename target: %v", err)
	}

	task := tasks.UpdateRelations{
		DestKey:       target.Key().Encode(),
		MinChangeTime: time.Now().UnixMicro() + 1,
	}
	handler := h.handler(5)
	if err := handler.Handle(ctx, task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	// One batch of five processed, the continuation carries a cursor.
	if h.queue.Len() != 1 {
		t.Fatalf("expected one continuation task, queue has %d", h.queue.Len())
	}
	if err := h.queue.Drain(ctx, handler); err != nil {
		t.Fatalf("drain: %v", err)
	}

	for _, owner := range owners {
		inst, err := h.store.Load(ctx, owner.Key())
		if err != nil {
			t.Fatalf("load owner: %v", err)
		}
		value, _ := inst.Get("ref").(*skeleton.RelationValue)
		if value == nil || value.Dest.Get("name") != "after" {
			t.Errorf("owner %s kept a stale snapshot", owner.Key().ID)
		}
	}
}

func TestUpdateRelations_DropsEdgeOfVanishedOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	target, _ := h.store.NewInstance("target")
	target.Set("name", "before")
	if _, err := h.store.Write(ctx, target); err != nil {
		t.Fatalf("write target: %v", err)
	}
	owner, _ := h.store.NewInstance("owner")
	owner.SetRelation(ctx, "ref", target.Key(), nil)
	if _, err := h.store.Write(ctx, owner); err != nil {
		t.Fatalf("write owner: %v", err)
	}
	// Simulate a crashed delete that removed the entity but not its edges.
	if err := h.mem.Delete(ctx, owner.Key()); err != nil {
		t.Fatalf("raw delete: %v", err)
	}

	task := tasks.UpdateRelations{
		DestKey:       target.Key().Encode(),
		MinChangeTime: time.Now().UnixMicro() + 1,
	}
	if err := h.handler(5).Handle(ctx, task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	edges, err := db.RunAll(ctx, h.mem, db.NewQuery(skeleton.RelationEdgeKind).
		Filter(skeleton.EdgePropDestKey, db.Equal, target.Key().Encode()))
	if err != nil {
		t.Fatalf("edges: %v", err)
	}
	if len(edges) != 0 {
		t.Errorf("expected orphaned edge removed, got %d", len(edges))
	}
}

func TestHandle_MalformedKeysArePermanent(t *testing.T) {
	h := newHarness(t)
	handler := h.handler(5)

	err := handler.Handle(context.Background(), tasks.UpdateRelations{DestKey: "garbage"})
	if !errors.Is(err, tasks.ErrPermanent) {
		t.Errorf("update-relations: expected ErrPermanent, got %v", err)
	}
	err = handler.Handle(context.Background(), tasks.ProcessRemovedRelations{DeletedKey: "garbage"})
	if !errors.Is(err, tasks.ErrPermanent) {
		t.Errorf("removed-relations: expected ErrPermanent, got %v", err)
	}
}

func TestScheduler_BuildsTaskPayloads(t *testing.T) {
	queue := tasks.NewMemQueue()
	s := tasks.NewScheduler(queue)
	ctx := context.Background()
	key := db.NewKey("target", "t1")

	if err := s.ScheduleUpdateRelations(ctx, key, 42, "name"); err != nil {
		t.Fatalf("schedule update: %v", err)
	}
	if err := s.ScheduleProcessRemovedRelations(ctx, key); err != nil {
		t.Fatalf("schedule removed: %v", err)
	}
	if queue.Len() != 2 {
		t.Fatalf("expected 2 tasks, got %d", queue.Len())
	}
}
