package skeleton_test

import (
	"context"
	"errors"
	"testing"

	"github.com/marrowkit/marrow/db"
	"github.com/marrowkit/marrow/db/memdb"
	"github.com/marrowkit/marrow/skeleton"
	"github.com/marrowkit/marrow/tasks"
)

// fixture wires a sealed registry, an in-memory store and the propagation
// task loop together the way a deployment would.
type fixture struct {
	store   *skeleton.Store
	mem     *memdb.Store
	queue   *tasks.MemQueue
	handler *tasks.Handler
}

func buildRegistry(t *testing.T) *skeleton.Registry {
	t.Helper()
	reg := skeleton.NewRegistry()
	defs := []*skeleton.Definition{
		skeleton.MustDefinition("author",
			skeleton.Field{Name: "name", Bone: &skeleton.StringBone{
				BaseBone:      skeleton.BaseBone{Required: true},
				CaseSensitive: true,
			}},
			skeleton.Field{Name: "email", Bone: &skeleton.StringBone{
				BaseBone: skeleton.BaseBone{Unique: &skeleton.UniqueValue{
					Method:  skeleton.SameValue,
					Message: "email already registered",
				}},
				CaseSensitive: true,
			}},
		),
		skeleton.MustDefinition("book",
			skeleton.Field{Name: "title", Bone: &skeleton.StringBone{CaseSensitive: true}},
			skeleton.Field{Name: "author", Bone: &skeleton.RelationalBone{
				Kind:        "author",
				CacheFields: []string{"name"},
				EdgeFields:  []string{"title"},
				Consistency: skeleton.PreventDeletion,
			}},
		),
		skeleton.MustDefinition("tag",
			skeleton.Field{Name: "name", Bone: &skeleton.StringBone{CaseSensitive: true}},
		),
		skeleton.MustDefinition("item",
			skeleton.Field{Name: "name", Bone: &skeleton.StringBone{CaseSensitive: true}},
			skeleton.Field{Name: "count", Bone: &skeleton.NumericBone{}},
			skeleton.Field{Name: "tags", Bone: &skeleton.RelationalBone{
				BaseBone:    skeleton.BaseBone{Multiple: true},
				Kind:        "tag",
				CacheFields: []string{"name"},
				EdgeFields:  []string{"name"},
				Consistency: skeleton.SetNull,
				Using: skeleton.MustDefinition("item_tags",
					skeleton.Field{Name: "role", Bone: &skeleton.StringBone{CaseSensitive: true}},
				),
			}},
		),
		skeleton.MustDefinition("profile",
			skeleton.Field{Name: "bio", Bone: &skeleton.StringBone{CaseSensitive: true}},
			skeleton.Field{Name: "owner", Bone: &skeleton.RelationalBone{
				Kind:        "author",
				CacheFields: []string{"name"},
				EdgeFields:  []string{"bio"},
				Consistency: skeleton.CascadeDeletion,
			}},
		),
		skeleton.MustDefinition("note",
			skeleton.Field{Name: "text", Bone: &skeleton.StringBone{CaseSensitive: true}},
			skeleton.Field{Name: "about", Bone: &skeleton.RelationalBone{
				Kind:        "tag",
				CacheFields: []string{"name"},
				EdgeFields:  []string{"text"},
				Consistency: skeleton.Ignore,
				UpdateLevel: skeleton.NeverUpdate,
			}},
		),
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			t.Fatalf("register %s: %v", def.Kind(), err)
		}
	}
	if err := reg.Seal(); err != nil {
		t.Fatalf("seal: %v", err)
	}
	return reg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := memdb.New()
	store, err := skeleton.New(mem, buildRegistry(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	queue := tasks.NewMemQueue()
	store.SetScheduler(tasks.NewScheduler(queue))
	handler := tasks.NewHandler(store, queue, tasks.Config{})
	return &fixture{store: store, mem: mem, queue: queue, handler: handler}
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	if err := f.queue.Drain(context.Background(), f.handler); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func (f *fixture) write(t *testing.T, kind string, props map[string]any) *skeleton.Instance {
	t.Helper()
	inst, err := f.store.NewInstance(kind)
	if err != nil {
		t.Fatalf("new %s: %v", kind, err)
	}
	for name, value := range props {
		if err := inst.Set(name, value); err != nil {
			t.Fatalf("set %s.%s: %v", kind, name, err)
		}
	}
	if _, err := f.store.Write(context.Background(), inst); err != nil {
		t.Fatalf("write %s: %v (errors: %v)", kind, err, inst.Errors)
	}
	return inst
}

func (f *fixture) load(t *testing.T, key *db.Key) *skeleton.Instance {
	t.Helper()
	inst, err := f.store.Load(context.Background(), key)
	if err != nil {
		t.Fatalf("load %s: %v", key.Encode(), err)
	}
	return inst
}

func (f *fixture) rawEntity(t *testing.T, key *db.Key) *db.Entity {
	t.Helper()
	entity, err := f.mem.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("raw get %s: %v", key.Encode(), err)
	}
	return entity
}

func cachedDestName(t *testing.T, value any) string {
	t.Helper()
	rv, ok := value.(*skeleton.RelationValue)
	if !ok || rv == nil {
		t.Fatalf("expected a relation value, got %T", value)
	}
	name, _ := rv.Dest.Get("name").(string)
	return name
}

func TestWrite_PersistsAndLoads(t *testing.T) {
	f := newFixture(t)
	author := f.write(t, "author", map[string]any{"name": "Ada", "email": "ada@example.com"})
	if author.Key() == nil {
		t.Fatal("expected a key after write")
	}

	loaded := f.load(t, author.Key())
	if loaded.Get("name") != "Ada" {
		t.Errorf("expected Ada, got %v", loaded.Get("name"))
	}
	if loaded.Get("email") != "ada@example.com" {
		t.Errorf("expected email, got %v", loaded.Get("email"))
	}
}

func TestWrite_MergesUntouchedBones(t *testing.T) {
	f := newFixture(t)
	author := f.write(t, "author", map[string]any{"name": "Ada", "email": "ada@example.com"})

	partial := f.load(t, author.Key())
	partial.Set("name", "Ada Lovelace")
	if _, err := f.store.Write(context.Background(), partial); err != nil {
		t.Fatalf("partial write: %v", err)
	}

	reloaded := f.load(t, author.Key())
	if reloaded.Get("name") != "Ada Lovelace" {
		t.Errorf("expected updated name, got %v", reloaded.Get("name"))
	}
	if reloaded.Get("email") != "ada@example.com" {
		t.Errorf("untouched email was lost: %v", reloaded.Get("email"))
	}
}

func TestWrite_StampsUpdateTag(t *testing.T) {
	f := newFixture(t)
	author := f.write(t, "author", map[string]any{"name": "Ada"})

	entity := f.rawEntity(t, author.Key())
	tag, _ := entity.Get(skeleton.PropDelayedUpdateTag).(int64)
	if tag == 0 {
		t.Error("expected a nonzero update tag after a regular write")
	}
}

func TestFromClient_RequiredAndSeverities(t *testing.T) {
	f := newFixture(t)
	inst, _ := f.store.NewInstance("author")

	complete := inst.FromClient(context.Background(), skeleton.ClientData{
		"email": {"ada@example.com"},
	})
	if complete {
		t.Error("expected incomplete input: required name missing")
	}
	foundNotSet := false
	for _, e := range inst.Errors {
		if e.Severity == skeleton.NotSet && e.FieldPath[0] == "name" {
			foundNotSet = true
		}
	}
	if !foundNotSet {
		t.Errorf("expected NotSet error on name, got %v", inst.Errors)
	}

	complete = inst.FromClient(context.Background(), skeleton.ClientData{
		"name":  {"Ada"},
		"email": {"ada@example.com"},
	})
	if !complete {
		t.Errorf("expected complete input, errors: %v", inst.Errors)
	}
	if inst.Get("name") != "Ada" {
		t.Errorf("expected parsed name, got %v", inst.Get("name"))
	}
}

func TestFromClient_InvalidValueKeepsRecordWritable(t *testing.T) {
	f := newFixture(t)
	inst, _ := f.store.NewInstance("item")

	complete := inst.FromClient(context.Background(), skeleton.ClientData{
		"name":  {"widget"},
		"count": {"not-a-number"},
	})
	if complete {
		t.Error("expected incomplete input for invalid number")
	}
	if _, err := f.store.Write(context.Background(), inst); err != nil {
		t.Errorf("record should stay writable after an invalid field: %v", err)
	}
}

func TestWrite_UniqueConflict(t *testing.T) {
	f := newFixture(t)
	f.write(t, "author", map[string]any{"name": "Ada", "email": "shared@example.com"})

	second, _ := f.store.NewInstance("author")
	second.Set("name", "Grace")
	second.Set("email", "shared@example.com")
	_, err := f.store.Write(context.Background(), second)
	if !errors.Is(err, skeleton.ErrUniqueValueTaken) {
		t.Fatalf("expected ErrUniqueValueTaken, got %v", err)
	}
	if len(second.Errors) == 0 ||
		second.Errors[0].Severity != skeleton.Invalid ||
		second.Errors[0].FieldPath[0] != "email" ||
		second.Errors[0].Message != "email already registered" {
		t.Errorf("expected configured conflict error on email, got %v", second.Errors)
	}
	if second.Key() != nil {
		t.Error("failed write must not assign a key")
	}

	// The write is retryable with a different value.
	second.Set("email", "grace@example.com")
	if _, err := f.store.Write(context.Background(), second); err != nil {
		t.Fatalf("retry with free value: %v", err)
	}
}

func TestWrite_ReleasesStaleUniqueLock(t *testing.T) {
	f := newFixture(t)
	first := f.write(t, "author", map[string]any{"name": "Ada", "email": "old@example.com"})

	moved := f.load(t, first.Key())
	moved.Set("email", "new@example.com")
	if _, err := f.store.Write(context.Background(), moved); err != nil {
		t.Fatalf("change email: %v", err)
	}

	// The old value must be claimable again.
	other, _ := f.store.NewInstance("author")
	other.Set("name", "Grace")
	other.Set("email", "old@example.com")
	if _, err := f.store.Write(context.Background(), other); err != nil {
		t.Errorf("expected released lock to be claimable, got %v", err)
	}
}

func TestDelete_ReleasesUniqueLock(t *testing.T) {
	f := newFixture(t)
	author := f.write(t, "author", map[string]any{"name": "Ada", "email": "ada@example.com"})

	if err := f.store.Delete(context.Background(), author); err != nil {
		t.Fatalf("delete: %v", err)
	}
	replacement, _ := f.store.NewInstance("author")
	replacement.Set("name", "Grace")
	replacement.Set("email", "ada@example.com")
	if _, err := f.store.Write(context.Background(), replacement); err != nil {
		t.Errorf("expected lock freed by delete, got %v", err)
	}
}

func TestRelation_DeletionLockSymmetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	author := f.write(t, "author", map[string]any{"name": "Ada"})

	book, _ := f.store.NewInstance("book")
	book.Set("title", "Notes")
	if err := book.SetRelation(ctx, "author", author.Key(), nil); err != nil {
		t.Fatalf("set relation: %v", err)
	}
	if _, err := f.store.Write(ctx, book); err != nil {
		t.Fatalf("write book: %v", err)
	}

	authorEntity := f.rawEntity(t, author.Key())
	incoming := authorEntity.StringList(skeleton.PropIncomingLocks)
	if len(incoming) != 1 || incoming[0] != book.Key().Encode() {
		t.Fatalf("expected incoming lock from book, got %v", incoming)
	}
	bookEntity := f.rawEntity(t, book.Key())
	outgoing := bookEntity.StringList("author" + skeleton.SuffixOutgoingLocks)
	if len(outgoing) != 1 || outgoing[0] != author.Key().Encode() {
		t.Fatalf("expected outgoing lock on author, got %v", outgoing)
	}

	// Referenced entity is undeletable while the reference exists.
	if err := f.store.Delete(ctx, f.load(t, author.Key())); !errors.Is(err, skeleton.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	// Deleting the owner releases the lock and unblocks the target.
	if err := f.store.Delete(ctx, f.load(t, book.Key())); err != nil {
		t.Fatalf("delete book: %v", err)
	}
	if err := f.store.Delete(ctx, f.load(t, author.Key())); err != nil {
		t.Errorf("expected author deletable after lock release, got %v", err)
	}
}

func TestRelation_ReassignmentMovesLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.write(t, "author", map[string]any{"name": "Ada"})
	second := f.write(t, "author", map[string]any{"name": "Grace"})

	book, _ := f.store.NewInstance("book")
	book.SetRelation(ctx, "author", first.Key(), nil)
	if _, err := f.store.Write(ctx, book); err != nil {
		t.Fatalf("write book: %v", err)
	}

	reassigned := f.load(t, book.Key())
	reassigned.SetRelation(ctx, "author", second.Key(), nil)
	if _, err := f.store.Write(ctx, reassigned); err != nil {
		t.Fatalf("reassign: %v", err)
	}

	if locks := f.rawEntity(t, first.Key()).StringList(skeleton.PropIncomingLocks); len(locks) != 0 {
		t.Errorf("expected old target unlocked, got %v", locks)
	}
	if locks := f.rawEntity(t, second.Key()).StringList(skeleton.PropIncomingLocks); len(locks) != 1 {
		t.Errorf("expected new target locked, got %v", locks)
	}
}

func TestRelation_EdgeRecordsWritten(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	author := f.write(t, "author", map[string]any{"name": "Ada"})

	book, _ := f.store.NewInstance("book")
	book.Set("title", "Notes")
	book.SetRelation(ctx, "author", author.Key(), nil)
	if _, err := f.store.Write(ctx, book); err != nil {
		t.Fatalf("write book: %v", err)
	}

	edges, err := db.RunAll(ctx, f.mem, db.NewQuery(skeleton.RelationEdgeKind).
		Filter(skeleton.EdgePropDestKey, db.Equal, author.Key().Encode()))
	if err != nil {
		t.Fatalf("run edges: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(edges))
	}
	edge := edges[0]
	if edge.Get(skeleton.EdgePropSrcKind) != "book" ||
		edge.Get(skeleton.EdgePropSrcProperty) != "author" ||
		edge.Get(skeleton.EdgePropSrcKey) != book.Key().Encode() {
		t.Errorf("unexpected edge source: %v", edge.Props)
	}
	if dest, _ := edge.Get(skeleton.EdgePropDest).(*db.Entity); dest == nil || dest.Get("name") != "Ada" {
		t.Errorf("expected cached dest snapshot on edge, got %v", edge.Get(skeleton.EdgePropDest))
	}
	if src, _ := edge.Get(skeleton.EdgePropSrc).(*db.Entity); src == nil || src.Get("title") != "Notes" {
		t.Errorf("expected projected edge fields, got %v", edge.Get(skeleton.EdgePropSrc))
	}

	// Deleting the owner removes its edges.
	if err := f.store.Delete(ctx, f.load(t, book.Key())); err != nil {
		t.Fatalf("delete book: %v", err)
	}
	edges, _ = db.RunAll(ctx, f.mem, db.NewQuery(skeleton.RelationEdgeKind).
		Filter(skeleton.EdgePropDestKey, db.Equal, author.Key().Encode()))
	if len(edges) != 0 {
		t.Errorf("expected edges removed with owner, got %d", len(edges))
	}
}
