package db_test

import (
	"errors"
	"testing"

	"github.com/marrowkit/marrow/db"
)

func TestKey_EncodeDecodeRoundtrip(t *testing.T) {
	tests := []struct {
		name string
		key  *db.Key
	}{
		{"simple", db.NewKey("book", "b1")},
		{"with parent", db.NewKey("shelf", "s1").ChildKey("book", "b2")},
		{"two ancestors", db.NewKey("library", "l1").ChildKey("shelf", "s1").ChildKey("book", "b3")},
		{"special characters", db.NewKey("odd/kind", "id:with/stuff%20")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.key.Encode()
			decoded, err := db.DecodeKey(encoded)
			if err != nil {
				t.Fatalf("decode %q: %v", encoded, err)
			}
			if !decoded.Equal(tt.key) {
				t.Errorf("roundtrip mismatch: %q decoded to %q", encoded, decoded.Encode())
			}
		})
	}
}

func TestKey_EncodeAncestorsFirst(t *testing.T) {
	key := db.NewKey("shelf", "s1").ChildKey("book", "b1")
	if got := key.Encode(); got != "shelf:s1/book:b1" {
		t.Errorf("expected 'shelf:s1/book:b1', got %q", got)
	}
}

func TestDecodeKey_Malformed(t *testing.T) {
	for _, encoded := range []string{"", "no-colon", ":id", "kind:id/"} {
		if _, err := db.DecodeKey(encoded); !errors.Is(err, db.ErrInvalidKey) {
			t.Errorf("DecodeKey(%q): expected ErrInvalidKey, got %v", encoded, err)
		}
	}
}

func TestKey_Equal(t *testing.T) {
	a := db.NewKey("shelf", "s1").ChildKey("book", "b1")
	b := db.NewKey("shelf", "s1").ChildKey("book", "b1")
	c := db.NewKey("shelf", "s2").ChildKey("book", "b1")

	if !a.Equal(b) {
		t.Error("expected equal keys")
	}
	if a.Equal(c) {
		t.Error("expected different parents to compare unequal")
	}
	if a.Equal(db.NewKey("book", "b1")) {
		t.Error("expected parentless key to compare unequal")
	}
}

func TestKey_RootAndIncomplete(t *testing.T) {
	root := db.NewKey("library", "l1")
	child := root.ChildKey("book", "b1")

	if !child.Root().Equal(root) {
		t.Errorf("expected root library:l1, got %q", child.Root().Encode())
	}
	if child.Incomplete() {
		t.Error("key with ID should be complete")
	}
	if !(&db.Key{Kind: "book"}).Incomplete() {
		t.Error("key without ID should be incomplete")
	}
}
