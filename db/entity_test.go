package db_test

import (
	"testing"
	"time"

	"github.com/marrowkit/marrow/db"
)

func TestEntity_Clone_IsDeep(t *testing.T) {
	entity := db.NewEntity(db.NewKey("book", "b1"))
	sub := db.NewEntity(db.NewKey("author", "a1"))
	sub.Set("name", "Ada")
	entity.Set("author", sub)
	entity.Set("tags", []any{"one", "two"})

	clone := entity.Clone()
	clone.Get("author").(*db.Entity).Set("name", "Bob")
	clone.Get("tags").([]any)[0] = "changed"

	if got := entity.Get("author").(*db.Entity).Get("name"); got != "Ada" {
		t.Errorf("clone mutation leaked into original sub-record: %v", got)
	}
	if got := entity.Get("tags").([]any)[0]; got != "one" {
		t.Errorf("clone mutation leaked into original list: %v", got)
	}
}

func TestEntity_StringList(t *testing.T) {
	entity := db.NewEntity(db.NewKey("book", "b1"))
	entity.Set("a", []any{"x", int64(1), "y"})
	entity.Set("b", []string{"p", "q"})
	entity.Set("c", "scalar")

	if got := entity.StringList("a"); len(got) != 2 || got[0] != "x" || got[1] != "y" {
		t.Errorf("expected [x y], got %v", got)
	}
	if got := entity.StringList("b"); len(got) != 2 {
		t.Errorf("expected 2 strings, got %v", got)
	}
	if got := entity.StringList("c"); got != nil {
		t.Errorf("expected nil for scalar, got %v", got)
	}
	if got := entity.StringList("missing"); got != nil {
		t.Errorf("expected nil for missing property, got %v", got)
	}
}

func TestValueEqual(t *testing.T) {
	now := time.Now()
	subA := db.NewEntity(db.NewKey("author", "a1"))
	subA.Set("name", "Ada")
	subB := db.NewEntity(db.NewKey("author", "a1"))
	subB.Set("name", "Ada")
	subC := db.NewEntity(db.NewKey("author", "a1"))
	subC.Set("name", "Bob")

	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"nil nil", nil, nil, true},
		{"nil value", nil, "x", false},
		{"strings", "a", "a", true},
		{"ints", int64(3), int64(3), true},
		{"int vs string", int64(3), "3", false},
		{"times", now, now, true},
		{"keys", db.NewKey("k", "1"), db.NewKey("k", "1"), true},
		{"lists", []any{"a", int64(1)}, []any{"a", int64(1)}, true},
		{"lists order", []any{"a", "b"}, []any{"b", "a"}, false},
		{"entities equal", subA, subB, true},
		{"entities differ", subA, subC, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := db.ValueEqual(tt.a, tt.b); got != tt.want {
				t.Errorf("ValueEqual(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
