package db

import (
	"sort"
	"strings"
	"time"
)

// LookupPath resolves a dotted property path against an entity, descending
// into sub-records. It returns the value and whether the full path resolved.
func LookupPath(entity *Entity, path string) (any, bool) {
	if entity == nil {
		return nil, false
	}
	var current any = entity
	for _, seg := range strings.Split(path, ".") {
		sub, ok := current.(*Entity)
		if !ok || sub == nil || !sub.Has(seg) {
			return nil, false
		}
		current = sub.Get(seg)
	}
	return current, true
}

// CompareValues orders two property values of compatible types. It returns
// -1, 0 or +1 and whether the values were comparable at all. Cross-numeric
// comparisons (int64 vs float64) are supported; everything else must match
// in type.
func CompareValues(a, b any) (int, bool) {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		default:
			return 1, true
		}
	case int64:
		return compareFloat(float64(av), b)
	case float64:
		return compareFloat(av, b)
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		switch {
		case av.Equal(bv):
			return 0, true
		case av.Before(bv):
			return -1, true
		default:
			return 1, true
		}
	case *Key:
		bv, ok := b.(*Key)
		if !ok {
			return 0, false
		}
		return strings.Compare(av.Encode(), bv.Encode()), true
	default:
		return 0, false
	}
}

func compareFloat(av float64, b any) (int, bool) {
	var bv float64
	switch n := b.(type) {
	case int64:
		bv = float64(n)
	case float64:
		bv = n
	default:
		return 0, false
	}
	switch {
	case av == bv:
		return 0, true
	case av < bv:
		return -1, true
	default:
		return 1, true
	}
}

// MatchFilter evaluates one filter against an entity, honoring the
// list-property equality rule (an Equal filter on a list matches if any
// element matches; ordering filters on lists match if any element does).
func MatchFilter(entity *Entity, f Filter) bool {
	value, ok := LookupPath(entity, f.Property)
	if !ok {
		return false
	}
	if list, isList := value.([]any); isList {
		for _, item := range list {
			if matchScalar(item, f) {
				return true
			}
		}
		return false
	}
	if list, isList := value.([]string); isList {
		for _, item := range list {
			if matchScalar(item, f) {
				return true
			}
		}
		return false
	}
	return matchScalar(value, f)
}

func matchScalar(value any, f Filter) bool {
	if f.Op == Equal {
		return ValueEqual(value, f.Value)
	}
	cmp, ok := CompareValues(value, f.Value)
	if !ok {
		return false
	}
	switch f.Op {
	case Less:
		return cmp < 0
	case LessOrEqual:
		return cmp <= 0
	case Greater:
		return cmp > 0
	case GreaterOrEqual:
		return cmp >= 0
	default:
		return false
	}
}

// SortEntities sorts entities by the query orders, with the encoded key as
// a stable tie-break. Entities missing an ordered property sort first,
// matching sparse-index behavior closely enough for client-side evaluation.
func SortEntities(entities []*Entity, orders []Order) {
	sort.SliceStable(entities, func(i, j int) bool {
		for _, order := range orders {
			vi, oki := LookupPath(entities[i], order.Property)
			vj, okj := LookupPath(entities[j], order.Property)
			if !oki && !okj {
				continue
			}
			if oki != okj {
				if order.Direction == Descending {
					return oki
				}
				return okj
			}
			cmp, ok := CompareValues(vi, vj)
			if !ok || cmp == 0 {
				continue
			}
			if order.Direction == Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return strings.Compare(entities[i].Key.Encode(), entities[j].Key.Encode()) < 0
	})
}

// HasAncestor reports whether the entity's key sits under ancestor
// (inclusive).
func HasAncestor(entity *Entity, ancestor *Key) bool {
	if ancestor == nil {
		return true
	}
	if entity == nil || entity.Key == nil {
		return false
	}
	for cur := entity.Key; cur != nil; cur = cur.Parent {
		if cur.Equal(ancestor) {
			return true
		}
	}
	return false
}
