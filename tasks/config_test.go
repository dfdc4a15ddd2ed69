package tasks

import (
	"context"
	"errors"
	"testing"
)

func TestConfigValidate_ClampsBatchSize(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{"zero defaults", 0, 5},
		{"below minimum", 2, 5},
		{"in range", 42, 42},
		{"above maximum", 500, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Config{BatchSize: tt.in}
			c.validate()
			if c.BatchSize != tt.want {
				t.Errorf("BatchSize = %d, want %d", c.BatchSize, tt.want)
			}
			if c.Logger == nil {
				t.Error("expected a default logger")
			}
		})
	}
}

type bogusTask struct{}

func (bogusTask) isTask() {}

func TestHandle_UnknownTaskIsPermanent(t *testing.T) {
	h := NewHandler(nil, nil, Config{})
	if err := h.Handle(context.Background(), bogusTask{}); !errors.Is(err, ErrPermanent) {
		t.Errorf("expected ErrPermanent, got %v", err)
	}
}
