package skeleton

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/marrowkit/marrow/db"
)

// StringBone stores free-form text.
type StringBone struct {
	BaseBone

	// MaxLength bounds the accepted input length in runes (0 = unbounded).
	MaxLength int

	// CaseSensitive, when false, lowercases input before storing.
	CaseSensitive bool
}

// NewStringBone returns a case-sensitive string bone.
func NewStringBone() *StringBone {
	return &StringBone{CaseSensitive: true}
}

func (b *StringBone) parseValue(inst *Instance, name, raw string) (any, []Error) {
	value := strings.TrimSpace(raw)
	if !b.CaseSensitive {
		value = strings.ToLower(value)
	}
	if b.MaxLength > 0 && len([]rune(value)) > b.MaxLength {
		return "", []Error{{Severity: Invalid, Message: fmt.Sprintf("value exceeds %d characters", b.MaxLength)}}
	}
	return value, nil
}

func (b *StringBone) serializeValue(value any) any { return value }

func (b *StringBone) unserializeValue(raw any) (any, bool) {
	s, ok := raw.(string)
	return s, ok
}

func (b *StringBone) FromClient(ctx context.Context, inst *Instance, name string, data ClientData) []Error {
	return boneFromClient(&b.BaseBone, b, inst, name, data)
}

func (b *StringBone) Serialize(ctx context.Context, tx db.Tx, inst *Instance, name string) error {
	boneSerialize(&b.BaseBone, b, inst, name)
	return nil
}

func (b *StringBone) Unserialize(inst *Instance, name string) bool {
	return boneUnserialize(&b.BaseBone, b, inst, name)
}

// NumericBone stores numbers: int64 when Precision is zero, float64
// otherwise.
type NumericBone struct {
	BaseBone

	// Precision is the number of accepted decimal places; zero means
	// integer-only.
	Precision int

	// Min and Max bound accepted values when MinMaxSet is true.
	Min, Max  float64
	MinMaxSet bool
}

func (b *NumericBone) parseValue(inst *Instance, name, raw string) (any, []Error) {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, ",", "."))
	if b.Precision == 0 {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, []Error{{Severity: Invalid, Message: "not a valid integer"}}
		}
		if b.MinMaxSet && (float64(n) < b.Min || float64(n) > b.Max) {
			return nil, []Error{{Severity: Invalid, Message: "value out of range"}}
		}
		return n, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, []Error{{Severity: Invalid, Message: "not a valid number"}}
	}
	shift := 1.0
	for i := 0; i < b.Precision; i++ {
		shift *= 10
	}
	f = float64(int64(f*shift+0.5)) / shift
	if b.MinMaxSet && (f < b.Min || f > b.Max) {
		return nil, []Error{{Severity: Invalid, Message: "value out of range"}}
	}
	return f, nil
}

func (b *NumericBone) serializeValue(value any) any { return value }

func (b *NumericBone) unserializeValue(raw any) (any, bool) {
	switch raw.(type) {
	case int64, float64:
		return raw, true
	default:
		return nil, false
	}
}

func (b *NumericBone) FromClient(ctx context.Context, inst *Instance, name string, data ClientData) []Error {
	return boneFromClient(&b.BaseBone, b, inst, name, data)
}

func (b *NumericBone) Serialize(ctx context.Context, tx db.Tx, inst *Instance, name string) error {
	boneSerialize(&b.BaseBone, b, inst, name)
	return nil
}

func (b *NumericBone) Unserialize(inst *Instance, name string) bool {
	return boneUnserialize(&b.BaseBone, b, inst, name)
}

// BooleanBone stores a flag. It treats "true", "1" and "yes" as true and
// anything else as false, so it never produces an Invalid error.
type BooleanBone struct {
	BaseBone
}

func (b *BooleanBone) parseValue(inst *Instance, name, raw string) (any, []Error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func (b *BooleanBone) serializeValue(value any) any { return value }

func (b *BooleanBone) unserializeValue(raw any) (any, bool) {
	v, ok := raw.(bool)
	return v, ok
}

func (b *BooleanBone) FromClient(ctx context.Context, inst *Instance, name string, data ClientData) []Error {
	return boneFromClient(&b.BaseBone, b, inst, name, data)
}

func (b *BooleanBone) Serialize(ctx context.Context, tx db.Tx, inst *Instance, name string) error {
	boneSerialize(&b.BaseBone, b, inst, name)
	return nil
}

func (b *BooleanBone) Unserialize(inst *Instance, name string) bool {
	return boneUnserialize(&b.BaseBone, b, inst, name)
}

// DateBone stores a point in time, accepted and stored in UTC.
type DateBone struct {
	BaseBone
}

func (b *DateBone) parseValue(inst *Instance, name, raw string) (any, []Error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return nil, []Error{{Severity: Invalid, Message: "not a valid date"}}
}

func (b *DateBone) serializeValue(value any) any { return value }

func (b *DateBone) unserializeValue(raw any) (any, bool) {
	t, ok := raw.(time.Time)
	return t, ok
}

func (b *DateBone) FromClient(ctx context.Context, inst *Instance, name string, data ClientData) []Error {
	return boneFromClient(&b.BaseBone, b, inst, name, data)
}

func (b *DateBone) Serialize(ctx context.Context, tx db.Tx, inst *Instance, name string) error {
	boneSerialize(&b.BaseBone, b, inst, name)
	return nil
}

func (b *DateBone) Unserialize(inst *Instance, name string) bool {
	return boneUnserialize(&b.BaseBone, b, inst, name)
}

// SelectBone stores one of a fixed set of string values.
type SelectBone struct {
	BaseBone

	// Values is the accepted value set.
	Values []string
}

func (b *SelectBone) parseValue(inst *Instance, name, raw string) (any, []Error) {
	raw = strings.TrimSpace(raw)
	for _, v := range b.Values {
		if v == raw {
			return raw, nil
		}
	}
	return nil, []Error{{Severity: Invalid, Message: "value not in the accepted set"}}
}

func (b *SelectBone) serializeValue(value any) any { return value }

func (b *SelectBone) unserializeValue(raw any) (any, bool) {
	s, ok := raw.(string)
	return s, ok
}

func (b *SelectBone) FromClient(ctx context.Context, inst *Instance, name string, data ClientData) []Error {
	return boneFromClient(&b.BaseBone, b, inst, name, data)
}

func (b *SelectBone) Serialize(ctx context.Context, tx db.Tx, inst *Instance, name string) error {
	boneSerialize(&b.BaseBone, b, inst, name)
	return nil
}

func (b *SelectBone) Unserialize(inst *Instance, name string) bool {
	return boneUnserialize(&b.BaseBone, b, inst, name)
}
