package db

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// cursorTimeLayout is RFC 3339 with fixed-width nanoseconds, so encoded
// timestamps compare chronologically as strings.
const cursorTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// cursorPos is the serialized sort position of one result entity: the value
// of each ordered property (with a presence flag, since missing properties
// sort before present ones) and the encoded key as the final tie-break.
type cursorPos struct {
	Values  []any  `json:"v"`
	Present []bool `json:"p"`
	Key     string `json:"k"`
}

// CursorFor encodes entity's position within the sort order defined by
// orders. Unlike an offset, the position stays valid when earlier results
// drop out of the filter between pages, which batched background work relies
// on.
func CursorFor(entity *Entity, orders []Order) string {
	pos := cursorPos{Key: entity.Key.Encode()}
	for _, order := range orders {
		value, ok := LookupPath(entity, order.Property)
		pos.Values = append(pos.Values, normalizeCursorValue(value))
		pos.Present = append(pos.Present, ok)
	}
	raw, err := json.Marshal(pos)
	if err != nil {
		// Only unsupported value types can fail here; fall back to a
		// key-only position.
		raw, _ = json.Marshal(cursorPos{Key: entity.Key.Encode()})
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// CursorPosition is a decoded result cursor.
type CursorPosition struct {
	pos cursorPos
}

// DecodeCursor parses a cursor produced by CursorFor for a query with the
// same orders.
func DecodeCursor(cursor string, orders []Order) (*CursorPosition, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var pos cursorPos
	if err := json.Unmarshal(raw, &pos); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if len(pos.Values) != len(orders) || len(pos.Present) != len(orders) {
		return nil, fmt.Errorf("%w: cursor does not match the query's orders", ErrInvalidCursor)
	}
	return &CursorPosition{pos: pos}, nil
}

// Before reports whether the cursor position sorts strictly before entity,
// i.e. whether entity belongs on the pages after the cursor. The comparison
// mirrors SortEntities: order properties first, missing values sorting
// ahead of present ones, encoded key as the tie-break.
func (c *CursorPosition) Before(entity *Entity, orders []Order) bool {
	for i, order := range orders {
		value, ok := LookupPath(entity, order.Property)
		cursorPresent := c.pos.Present[i]
		if !ok && !cursorPresent {
			continue
		}
		if ok != cursorPresent {
			// One side misses the property; the missing side sorts first on
			// ascending orders.
			cursorFirst := !cursorPresent
			if order.Direction == Descending {
				return !cursorFirst
			}
			return cursorFirst
		}
		cmp, comparable := CompareValues(normalizeCursorValue(value), c.pos.Values[i])
		if !comparable || cmp == 0 {
			continue
		}
		if order.Direction == Descending {
			return cmp < 0
		}
		return cmp > 0
	}
	return strings.Compare(entity.Key.Encode(), c.pos.Key) > 0
}

// normalizeCursorValue maps a property value onto a JSON-stable type that
// still compares correctly against the live value: timestamps and keys
// become ordered strings, numbers stay numeric (CompareValues bridges int64
// and float64).
func normalizeCursorValue(value any) any {
	switch v := value.(type) {
	case time.Time:
		return v.UTC().Format(cursorTimeLayout)
	case *Key:
		return v.Encode()
	default:
		return value
	}
}
