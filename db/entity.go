package db

import "time"

// Entity is a keyed property bag, the raw representation every record is
// serialized to and from.
type Entity struct {
	// Key is the entity's key. Sub-records embedded inside another entity's
	// property may carry a nil key.
	Key *Key

	// Props holds the property values. See the package doc for the set of
	// supported value types.
	Props map[string]any
}

// NewEntity returns an empty entity bound to key.
func NewEntity(key *Key) *Entity {
	return &Entity{Key: key, Props: map[string]any{}}
}

// Get returns the named property or nil if unset.
func (e *Entity) Get(name string) any {
	if e == nil || e.Props == nil {
		return nil
	}
	return e.Props[name]
}

// Has reports whether the named property is set (possibly to nil).
func (e *Entity) Has(name string) bool {
	if e == nil || e.Props == nil {
		return false
	}
	_, ok := e.Props[name]
	return ok
}

// Set stores a property value.
func (e *Entity) Set(name string, value any) {
	if e.Props == nil {
		e.Props = map[string]any{}
	}
	e.Props[name] = value
}

// Remove deletes a property.
func (e *Entity) Remove(name string) {
	delete(e.Props, name)
}

// Names returns the set property names in unspecified order.
func (e *Entity) Names() []string {
	names := make([]string, 0, len(e.Props))
	for name := range e.Props {
		names = append(names, name)
	}
	return names
}

// StringList returns the named property as a list of strings, tolerating
// both []any and []string representations. Non-string elements are skipped.
func (e *Entity) StringList(name string) []string {
	switch v := e.Get(name).(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Clone returns a deep copy of the entity. The key is shared (keys are
// immutable once created).
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := &Entity{Key: e.Key, Props: make(map[string]any, len(e.Props))}
	for name, value := range e.Props {
		out.Props[name] = CloneValue(value)
	}
	return out
}

// CloneValue deep-copies a property value.
func CloneValue(value any) any {
	switch v := value.(type) {
	case *Entity:
		return v.Clone()
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = CloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	default:
		// Scalars, *Key and time.Time are immutable by convention.
		return value
	}
}

// ValueEqual reports whether two property values are equal, descending into
// sub-records and lists.
func ValueEqual(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case *Entity:
		bv, ok := b.(*Entity)
		if !ok || av == nil || bv == nil {
			return ok && av == bv
		}
		if (av.Key == nil) != (bv.Key == nil) {
			return false
		}
		if av.Key != nil && !av.Key.Equal(bv.Key) {
			return false
		}
		if len(av.Props) != len(bv.Props) {
			return false
		}
		for name, value := range av.Props {
			other, ok := bv.Props[name]
			if !ok || !ValueEqual(value, other) {
				return false
			}
		}
		return true
	case *Key:
		bv, ok := b.(*Key)
		return ok && av.Equal(bv)
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !ValueEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case []string:
		bv, ok := b.([]string)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	default:
		return a == b
	}
}
