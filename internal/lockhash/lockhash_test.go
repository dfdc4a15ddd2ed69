package lockhash

import (
	"strings"
	"testing"

	"github.com/marrowkit/marrow/db"
)

func TestValue_TypePrefixes(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		prefix string
	}{
		{"string", "hello", "S-"},
		{"int", int64(42), "I-"},
		{"float", float64(4.2), "I-"},
		{"bool", true, "B-"},
		{"key", db.NewKey("book", "b1"), "K-"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := Value(tt.value)
			if err != nil {
				t.Fatalf("Value(%v): %v", tt.value, err)
			}
			if !strings.HasPrefix(h, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, h)
			}
		})
	}
}

func TestValue_SameTextDifferentTypeDiffers(t *testing.T) {
	asString, _ := Value("1")
	asInt, _ := Value(int64(1))
	if asString == asInt {
		t.Error("expected string \"1\" and int64 1 to claim different locks")
	}
}

func TestValue_Deterministic(t *testing.T) {
	a, _ := Value("same")
	b, _ := Value("same")
	if a != b {
		t.Errorf("expected identical hashes, got %q and %q", a, b)
	}
}

func TestValue_KeyStructure(t *testing.T) {
	flat, _ := Value(db.NewKey("book", "b1"))
	parented, _ := Value(db.NewKey("shelf", "s1").ChildKey("book", "b1"))
	if flat == parented {
		t.Error("expected ancestry to change the key hash")
	}
}

func TestValue_Unsupported(t *testing.T) {
	if _, err := Value(struct{}{}); err == nil {
		t.Error("expected error for unsupported type")
	}
}

func TestList_OrderSensitive(t *testing.T) {
	a, _ := Value("a")
	b, _ := Value("b")

	ab := List([]string{a, b})
	ba := List([]string{b, a})
	if !strings.HasPrefix(ab, "L-") {
		t.Errorf("expected L- prefix, got %q", ab)
	}
	if ab == ba {
		t.Error("expected list hash to depend on order")
	}
}
