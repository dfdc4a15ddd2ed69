package db_test

import (
	"testing"

	"github.com/marrowkit/marrow/db"
)

func bookWithAuthor(id, author string) *db.Entity {
	entity := db.NewEntity(db.NewKey("book", id))
	sub := db.NewEntity(db.NewKey("author", "a-"+author))
	sub.Set("name", author)
	wrapper := db.NewEntity(nil)
	wrapper.Set("dest", sub)
	entity.Set("author", wrapper)
	return entity
}

func TestLookupPath_Nested(t *testing.T) {
	entity := bookWithAuthor("b1", "Ada")

	value, ok := db.LookupPath(entity, "author.dest.name")
	if !ok || value != "Ada" {
		t.Errorf("expected Ada, got %v (ok=%v)", value, ok)
	}
	if _, ok := db.LookupPath(entity, "author.dest.missing"); ok {
		t.Error("expected missing leaf to not resolve")
	}
	if _, ok := db.LookupPath(entity, "author.dest.name.deeper"); ok {
		t.Error("expected descending through a scalar to fail")
	}
}

func TestMatchFilter_ListContains(t *testing.T) {
	entity := db.NewEntity(db.NewKey("item", "i1"))
	entity.Set("labels", []any{"red", "blue"})

	if !db.MatchFilter(entity, db.Filter{Property: "labels", Op: db.Equal, Value: "blue"}) {
		t.Error("expected equality filter on list to match an element")
	}
	if db.MatchFilter(entity, db.Filter{Property: "labels", Op: db.Equal, Value: "green"}) {
		t.Error("expected no match for absent element")
	}
}

func TestMatchFilter_Ordering(t *testing.T) {
	entity := db.NewEntity(db.NewKey("item", "i1"))
	entity.Set("count", int64(5))

	tests := []struct {
		op    db.FilterOp
		value any
		want  bool
	}{
		{db.Less, int64(10), true},
		{db.Less, int64(5), false},
		{db.LessOrEqual, int64(5), true},
		{db.Greater, int64(4), true},
		{db.GreaterOrEqual, float64(5), true},
	}
	for _, tt := range tests {
		got := db.MatchFilter(entity, db.Filter{Property: "count", Op: tt.op, Value: tt.value})
		if got != tt.want {
			t.Errorf("count %s %v = %v, want %v", tt.op, tt.value, got, tt.want)
		}
	}
}

func TestCompareValues_CrossNumeric(t *testing.T) {
	cmp, ok := db.CompareValues(int64(2), float64(2.5))
	if !ok || cmp != -1 {
		t.Errorf("expected int64 2 < float64 2.5, got cmp=%d ok=%v", cmp, ok)
	}
	if _, ok := db.CompareValues("a", int64(1)); ok {
		t.Error("expected string vs number to be incomparable")
	}
}

func TestSortEntities_MissingPropertySortsFirst(t *testing.T) {
	a := db.NewEntity(db.NewKey("item", "a"))
	a.Set("rank", int64(2))
	b := db.NewEntity(db.NewKey("item", "b"))
	c := db.NewEntity(db.NewKey("item", "c"))
	c.Set("rank", int64(1))

	entities := []*db.Entity{a, b, c}
	db.SortEntities(entities, []db.Order{{Property: "rank", Direction: db.Ascending}})

	got := []string{entities[0].Key.ID, entities[1].Key.ID, entities[2].Key.ID}
	want := []string{"b", "c", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestHasAncestor(t *testing.T) {
	root := db.NewKey("library", "l1")
	entity := db.NewEntity(root.ChildKey("book", "b1"))

	if !db.HasAncestor(entity, root) {
		t.Error("expected child to have root as ancestor")
	}
	if !db.HasAncestor(entity, entity.Key) {
		t.Error("expected ancestor check to be inclusive")
	}
	if db.HasAncestor(entity, db.NewKey("library", "other")) {
		t.Error("expected unrelated key to not be an ancestor")
	}
	if !db.HasAncestor(entity, nil) {
		t.Error("expected nil ancestor to match everything")
	}
}
