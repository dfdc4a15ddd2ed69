package skeleton

import (
	"context"
	"fmt"
	"strings"

	"github.com/marrowkit/marrow/db"
)

// Query builds a filtered query over one kind. Filter paths may descend
// into relational bones ("author.dest.name", "tags.rel.role"); filtering or
// ordering on a multiple-valued relational bone transparently rewrites the
// query to run over that bone's relation-edge records, since the flattened
// list on the owning entity cannot answer combined per-edge conditions.
// After a rewrite, plain filters are limited to the bone's edge fields.
//
// Builder errors accumulate and surface at Run.
type Query struct {
	store *Store
	def   *Definition
	dq    *db.Query

	// rewriteBone is set once the query runs over relation edges instead of
	// the kind itself.
	rewriteName string
	rewriteBone *RelationalBone

	err error
}

// Query starts a query over kind.
func (s *Store) Query(kind string) *Query {
	q := &Query{store: s}
	def, err := s.registry.ByKind(kind)
	if err != nil {
		q.err = err
		return q
	}
	q.def = def
	q.dq = db.NewQuery(kind)
	return q
}

// Err returns the first builder error.
func (q *Query) Err() error { return q.err }

func (q *Query) fail(format string, args ...any) *Query {
	if q.err == nil {
		q.err = fmt.Errorf("skeleton: "+format, args...)
	}
	return q
}

// Filter adds a comparison on a bone path.
func (q *Query) Filter(path string, op db.FilterOp, value any) *Query {
	if q.err != nil {
		return q
	}
	property, err := q.resolvePath(path)
	if err != nil {
		q.err = err
		return q
	}
	q.dq.Filter(property, op, value)
	return q
}

// Order adds a sort order on a bone path.
func (q *Query) Order(path string, direction db.SortDirection) *Query {
	if q.err != nil {
		return q
	}
	property, err := q.resolvePath(path)
	if err != nil {
		q.err = err
		return q
	}
	q.dq.Order(property, direction)
	return q
}

// Limit bounds the page size. On a rewritten query the bound applies to
// edges, so fewer distinct owners may come back.
func (q *Query) Limit(n int) *Query {
	if q.err == nil {
		q.dq.WithLimit(n)
	}
	return q
}

// Cursor resumes at a cursor returned by a previous Run.
func (q *Query) Cursor(cursor string) *Query {
	if q.err == nil {
		q.dq.WithCursor(cursor)
	}
	return q
}

// resolvePath translates a bone path into a stored property path, rewriting
// the query onto relation edges when the path crosses a multiple-valued
// relational bone.
func (q *Query) resolvePath(path string) (string, error) {
	segs := strings.Split(path, ".")
	name := segs[0]
	bone, ok := q.def.byName[name]
	if !ok {
		return "", fmt.Errorf("%w: %s.%s", ErrUnknownBone, q.def.kind, name)
	}
	rb, isRelational := bone.(*RelationalBone)
	if !isRelational {
		if len(segs) > 1 {
			return "", fmt.Errorf("skeleton: %s.%s is not a relation, cannot descend into %s", q.def.kind, name, path)
		}
		if q.rewriteBone != nil {
			if !q.isEdgeField(name) {
				return "", fmt.Errorf("skeleton: %s is not an edge field of %s.%s, cannot combine with a filter on that relation",
					name, q.def.kind, q.rewriteName)
			}
			return EdgePropSrc + "." + name, nil
		}
		return name, nil
	}

	side, field, err := relationSubPath(segs[1:])
	if err != nil {
		return "", fmt.Errorf("skeleton: %s.%s: %w", q.def.kind, name, err)
	}
	if err := rb.checkSubField(side, field); err != nil {
		return "", fmt.Errorf("skeleton: %s.%s: %w", q.def.kind, name, err)
	}
	if !rb.IsMultiple() {
		return name + "." + side + "." + field, nil
	}
	if err := q.rewriteOnto(name, rb); err != nil {
		return "", err
	}
	return side + "." + field, nil
}

// relationSubPath normalizes the path below a relational bone: a bare field
// addresses the cached snapshot, "dest.x" and "rel.x" are explicit.
func relationSubPath(segs []string) (side, field string, err error) {
	switch len(segs) {
	case 0:
		return "", "", fmt.Errorf("a relation needs a sub-field to filter on")
	case 1:
		return EdgePropDest, segs[0], nil
	case 2:
		if segs[0] != EdgePropDest && segs[0] != EdgePropRel {
			return "", "", fmt.Errorf("unknown relation side %q", segs[0])
		}
		return segs[0], segs[1], nil
	default:
		return "", "", fmt.Errorf("path too deep: %s", strings.Join(segs, "."))
	}
}

func (b *RelationalBone) checkSubField(side, field string) error {
	if side == EdgePropRel {
		if b.Using == nil {
			return fmt.Errorf("relation has no edge schema")
		}
		if _, ok := b.Using.Bone(field); !ok {
			return fmt.Errorf("%w: edge schema has no field %s", ErrUnknownBone, field)
		}
		return nil
	}
	if field == "key" {
		return nil
	}
	if _, ok := b.refDef.Bone(field); !ok {
		return fmt.Errorf("%w: %s is not a cached field", ErrUnknownBone, field)
	}
	return nil
}

func (q *Query) isEdgeField(name string) bool {
	for _, f := range q.rewriteBone.EdgeFields {
		if f == name {
			return true
		}
	}
	return name == "key"
}

// rewriteOnto switches the query to the bone's relation edges, migrating
// already-added plain filters and orders into the edge's src projection.
func (q *Query) rewriteOnto(name string, b *RelationalBone) error {
	if q.rewriteBone != nil {
		if q.rewriteName == name {
			return nil
		}
		return fmt.Errorf("skeleton: only one multiple-valued relation may be filtered per query (%s and %s)",
			q.rewriteName, name)
	}
	q.rewriteName = name
	q.rewriteBone = b

	edge := db.NewQuery(RelationEdgeKind).
		Filter(EdgePropSrcKind, db.Equal, q.def.kind).
		Filter(EdgePropSrcProperty, db.Equal, name).
		Filter(EdgePropDestKind, db.Equal, b.Kind)
	for _, f := range q.dq.Filters {
		if !q.isEdgeField(f.Property) {
			return fmt.Errorf("skeleton: %s is not an edge field of %s.%s, cannot combine with a filter on that relation",
				f.Property, q.def.kind, name)
		}
		edge.Filter(EdgePropSrc+"."+f.Property, f.Op, f.Value)
	}
	for _, o := range q.dq.Orders {
		if !q.isEdgeField(o.Property) {
			return fmt.Errorf("skeleton: %s is not an edge field of %s.%s, cannot combine with an order on that relation",
				o.Property, q.def.kind, name)
		}
		edge.Order(EdgePropSrc+"."+o.Property, o.Direction)
	}
	edge.Limit = q.dq.Limit
	edge.Cursor = q.dq.Cursor
	q.dq = edge
	return nil
}

// Run executes one page and returns the matched instances plus the resume
// cursor. On a rewritten query the matched edges are mapped back to their
// owning entities, deduplicated in result order; edges whose owner vanished
// are logged and skipped.
func (q *Query) Run(ctx context.Context) ([]*Instance, string, error) {
	if q.err != nil {
		return nil, "", q.err
	}
	page, err := q.store.client.Run(ctx, q.dq)
	if err != nil {
		return nil, "", err
	}
	if q.rewriteBone == nil {
		out := make([]*Instance, 0, len(page.Entities))
		for _, entity := range page.Entities {
			out = append(out, q.store.instanceFor(q.def, entity))
		}
		return out, page.Cursor, nil
	}

	seen := map[string]bool{}
	var keys []*db.Key
	for _, edge := range page.Entities {
		encoded, _ := edge.Get(EdgePropSrcKey).(string)
		if encoded == "" || seen[encoded] {
			continue
		}
		seen[encoded] = true
		key, err := db.DecodeKey(encoded)
		if err != nil {
			q.store.logger.Warn("relation edge carries a malformed owner key",
				"edge", edge.Key.Encode(), "src_key", encoded)
			continue
		}
		keys = append(keys, key)
	}
	entities, err := q.store.client.GetMulti(ctx, keys)
	if err != nil {
		return nil, "", err
	}
	var out []*Instance
	for i, entity := range entities {
		if entity == nil {
			q.store.logger.Warn("relation edge references a vanished entity",
				"src_key", keys[i].Encode())
			continue
		}
		out = append(out, q.store.instanceFor(q.def, entity))
	}
	return out, page.Cursor, nil
}

// RunAll drains the query and returns every matched instance. Owners
// reached through several edges of a rewritten query appear once.
func (q *Query) RunAll(ctx context.Context) ([]*Instance, error) {
	var all []*Instance
	seen := map[string]bool{}
	for {
		page, cursor, err := q.Run(ctx)
		if err != nil {
			return nil, err
		}
		for _, inst := range page {
			encoded := inst.Key().Encode()
			if seen[encoded] {
				continue
			}
			seen[encoded] = true
			all = append(all, inst)
		}
		if cursor == "" {
			return all, nil
		}
		q.dq.WithCursor(cursor)
	}
}
