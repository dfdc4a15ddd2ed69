package skeleton

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/marrowkit/marrow/db"
	"github.com/marrowkit/marrow/internal/lockhash"
)

// RelationalConsistency selects what happens to a reference when its target
// entity is deleted.
type RelationalConsistency int

const (
	// Ignore leaves the reference dangling.
	Ignore RelationalConsistency = iota + 1

	// PreventDeletion blocks deleting the target while the reference exists.
	PreventDeletion

	// SetNull strips the reference from the owning entity after the target
	// is deleted.
	SetNull

	// CascadeDeletion deletes the owning entity after the target is deleted.
	CascadeDeletion
)

// RelationalUpdateLevel selects when a bone's cached snapshots are brought
// back in line with the referenced entities.
type RelationalUpdateLevel int

const (
	// AlwaysUpdate lets the background propagation task refresh snapshots
	// after every target write.
	AlwaysUpdate RelationalUpdateLevel = iota

	// UpdateOnRebuild refreshes snapshots only during an explicit Refresh.
	UpdateOnRebuild

	// NeverUpdate freezes the snapshot at assignment time.
	NeverUpdate
)

// RelationValue is one reference held by a relational bone: the cached
// snapshot of the target plus the optional per-edge payload.
type RelationValue struct {
	// Dest is the cached snapshot: the target's key, its encoded form under
	// "key", and a copy of each cached field.
	Dest *db.Entity

	// Rel is the edge payload for bones with an edge schema, nil otherwise.
	Rel *db.Entity
}

// DestKey returns the referenced entity's key.
func (v *RelationValue) DestKey() *db.Key {
	if v == nil || v.Dest == nil {
		return nil
	}
	return v.Dest.Key
}

// RelationalBone references entities of another kind and keeps a
// denormalized snapshot of selected target fields inside the owning entity,
// so queries over the owner never need a join. The snapshot goes stale when
// the target changes; the relation-edge records written by PostSaved let the
// background propagation task find and refresh it.
type RelationalBone struct {
	BaseBone

	// Kind is the referenced kind.
	Kind string

	// CacheFields names the target fields copied into the snapshot. The
	// target's key is always included. Empty defaults to ["name"].
	CacheFields []string

	// EdgeFields names the owning entity's fields projected onto each
	// relation edge, bounding what a rewritten query can filter the owner
	// by. The owner's key is always included. Empty defaults to ["name"].
	EdgeFields []string

	// Consistency is the delete rule; zero means Ignore.
	Consistency RelationalConsistency

	// UpdateLevel gates snapshot propagation.
	UpdateLevel RelationalUpdateLevel

	// Using is the edge payload schema, nil for plain references. It may
	// only contain plain value bones.
	Using *Definition

	// refDef is the subset of the target definition covering CacheFields,
	// resolved at Seal.
	refDef *Definition
}

func (b *RelationalBone) consistency() RelationalConsistency {
	if b.Consistency == 0 {
		return Ignore
	}
	return b.Consistency
}

// sealBone resolves the target definition and validates the field lists.
func (b *RelationalBone) sealBone(r *Registry, owner *Definition, name string) error {
	if b.Kind == "" {
		return fmt.Errorf("relational bone needs a target kind")
	}
	target, err := r.ByKind(b.Kind)
	if err != nil {
		return err
	}
	cacheFields := b.CacheFields
	if len(cacheFields) == 0 {
		// The conventional display field, when the target has one.
		if _, ok := target.Bone("name"); ok {
			cacheFields = []string{"name"}
		}
	}
	var plain []string
	for _, f := range cacheFields {
		if f == "key" {
			continue
		}
		plain = append(plain, f)
	}
	b.refDef, err = target.subset(plain)
	if err != nil {
		return fmt.Errorf("cache field: %w", err)
	}
	edgeFields := b.EdgeFields
	if len(edgeFields) == 0 {
		if _, ok := owner.Bone("name"); ok {
			edgeFields = []string{"name"}
		}
	}
	for _, f := range edgeFields {
		if f == "key" || f == name {
			continue
		}
		if _, ok := owner.Bone(f); !ok {
			return fmt.Errorf("edge field: %w: %s.%s", ErrUnknownBone, owner.kind, f)
		}
	}
	b.EdgeFields = edgeFields
	if b.Using != nil {
		for _, f := range b.Using.fields {
			if _, nested := f.Bone.(*RelationalBone); nested {
				return fmt.Errorf("edge schema field %s must not be relational", f.Name)
			}
		}
	}
	return nil
}

// cacheFieldNames returns the cached field names including the implicit key.
func (b *RelationalBone) cacheFieldNames() []string {
	names := []string{"key"}
	for _, f := range b.refDef.fields {
		names = append(names, f.Name)
	}
	return names
}

// buildValue resolves destKey and builds a fresh snapshot from the target's
// current stored state.
func (b *RelationalBone) buildValue(ctx context.Context, reader db.Reader, destKey *db.Key, rel *db.Entity) (*RelationValue, error) {
	if destKey == nil {
		return nil, db.ErrInvalidKey
	}
	if destKey.Kind != b.Kind {
		return nil, fmt.Errorf("skeleton: key of kind %s assigned to a relation targeting %s", destKey.Kind, b.Kind)
	}
	entity, err := reader.Get(ctx, destKey)
	if err != nil {
		return nil, err
	}
	return &RelationValue{Dest: b.destSnapshot(destKey, entity), Rel: rel.Clone()}, nil
}

func (b *RelationalBone) destSnapshot(destKey *db.Key, entity *db.Entity) *db.Entity {
	dest := db.NewEntity(destKey)
	dest.Set("key", destKey.Encode())
	for _, f := range b.refDef.fields {
		if entity.Has(f.Name) {
			dest.Set(f.Name, db.CloneValue(entity.Get(f.Name)))
		}
	}
	return dest
}

// FromClient accepts encoded target keys (and edge sub-fields when an edge
// schema is set). A reference whose target cannot be resolved falls back to
// the previously stored snapshot when one exists, still reporting an
// Invalid error.
func (b *RelationalBone) FromClient(ctx context.Context, inst *Instance, name string, data ClientData) []Error {
	raws, submitted := data[name]
	if !submitted {
		return []Error{{Severity: NotSet, Message: "field was not submitted"}}
	}
	previous := normalizeRelationValues(inst.current(name))
	if !b.Multiple {
		raw := ""
		if len(raws) > 0 {
			raw = raws[0]
		}
		if raw == "" {
			inst.Set(name, nil)
			return []Error{{Severity: Empty, Message: "no value submitted"}}
		}
		var rel *db.Entity
		var errs []Error
		if b.Using != nil {
			var relErrs []Error
			rel, relErrs = b.relFromClient(ctx, inst.store, data.Sub(name))
			errs = append(errs, relErrs...)
		}
		value, itemErrs := b.parseReference(ctx, inst, raw, rel, previous)
		errs = append(errs, itemErrs...)
		if value != nil {
			inst.Set(name, value)
		} else {
			inst.Set(name, nil)
		}
		return errs
	}

	var errs []Error
	values := []any{}
	for idx, raw := range raws {
		if raw == "" {
			continue
		}
		var rel *db.Entity
		if b.Using != nil {
			sub := data.Sub(name + "." + strconv.Itoa(idx))
			var relErrs []Error
			rel, relErrs = b.relFromClient(ctx, inst.store, sub)
			errs = append(errs, prefixPaths(relErrs, strconv.Itoa(idx))...)
		}
		value, itemErrs := b.parseReference(ctx, inst, raw, rel, previous)
		errs = append(errs, prefixPaths(itemErrs, strconv.Itoa(idx))...)
		if value != nil {
			values = append(values, value)
		}
	}
	inst.Set(name, values)
	if len(values) == 0 {
		errs = append(errs, Error{Severity: Empty, Message: "no value submitted"})
		return errs
	}
	return append(errs, checkConstraints(b.Constraints, values)...)
}

func (b *RelationalBone) parseReference(ctx context.Context, inst *Instance, raw string, rel *db.Entity, previous []*RelationValue) (*RelationValue, []Error) {
	destKey, err := db.DecodeKey(raw)
	if err != nil || destKey.Kind != b.Kind {
		return nil, []Error{{Severity: Invalid, Message: "not a valid reference"}}
	}
	value, err := b.buildValue(ctx, inst.store.client, destKey, rel)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, []Error{{Severity: Invalid, Message: "reference could not be resolved"}}
	}
	for _, prev := range previous {
		if destKey.Equal(prev.DestKey()) {
			restored := &RelationValue{Dest: prev.Dest.Clone(), Rel: rel.Clone()}
			return restored, []Error{{Severity: Invalid, Message: "referenced entity no longer exists"}}
		}
	}
	return nil, []Error{{Severity: Invalid, Message: "referenced entity not found"}}
}

// relFromClient parses the edge payload sub-fields into an entity.
func (b *RelationalBone) relFromClient(ctx context.Context, store *Store, data ClientData) (*db.Entity, []Error) {
	sub := &Instance{
		def:      b.Using,
		store:    store,
		entity:   db.NewEntity(nil),
		values:   map[string]any{},
		accessed: map[string]bool{},
	}
	sub.FromClient(ctx, data)
	for _, f := range b.Using.fields {
		// Edge schemas hold plain value bones only, so tx is never used.
		f.Bone.Serialize(ctx, nil, sub, f.Name)
	}
	return sub.entity, sub.Errors
}

// Serialize stores the value and reconciles deletion locks. For
// PreventDeletion bones it diffs the referenced key set against the
// previously stored one, adding the owner to newly referenced entities'
// incoming lock lists and removing it from no-longer referenced ones, all
// inside the write transaction. A lock target that has vanished is logged
// and skipped rather than failing the write.
func (b *RelationalBone) Serialize(ctx context.Context, tx db.Tx, inst *Instance, name string) error {
	values := normalizeRelationValues(inst.current(name))

	if b.Multiple {
		out := make([]any, 0, len(values))
		for _, v := range values {
			out = append(out, serializeRelationValue(v))
		}
		inst.entity.Set(name, out)
	} else if len(values) > 0 {
		inst.entity.Set(name, serializeRelationValue(values[0]))
	} else {
		inst.entity.Set(name, nil)
	}

	oldLocks := inst.entity.StringList(name + SuffixOutgoingLocks)
	var newLocks []string
	if b.consistency() == PreventDeletion {
		for _, v := range values {
			newLocks = append(newLocks, v.DestKey().Encode())
		}
		newLocks = dedupeStrings(newLocks)
	}
	inst.entity.Set(name+SuffixOutgoingLocks, toAnyList(newLocks))

	owner := inst.key.Encode()
	for _, encoded := range diffStrings(newLocks, oldLocks) {
		if err := b.editIncomingLock(ctx, tx, inst, encoded, owner, true); err != nil {
			return err
		}
	}
	for _, encoded := range diffStrings(oldLocks, newLocks) {
		if err := b.editIncomingLock(ctx, tx, inst, encoded, owner, false); err != nil {
			return err
		}
	}
	return nil
}

// editIncomingLock adds or removes the owner from one target's incoming lock
// list.
func (b *RelationalBone) editIncomingLock(ctx context.Context, tx db.Tx, inst *Instance, encodedTarget, owner string, add bool) error {
	targetKey, err := db.DecodeKey(encodedTarget)
	if err != nil {
		return err
	}
	target, err := tx.Get(ctx, targetKey)
	if errors.Is(err, db.ErrNotFound) {
		inst.store.logger.Warn("relation lock target is gone",
			"target", encodedTarget, "owner", owner, "add", add)
		return nil
	}
	if err != nil {
		return err
	}
	locks := target.StringList(PropIncomingLocks)
	if add {
		locks = dedupeStrings(append(locks, owner))
	} else {
		locks = removeString(locks, owner)
	}
	target.Set(PropIncomingLocks, toAnyList(locks))
	_, err = tx.Put(ctx, target)
	return err
}

// Unserialize rebuilds RelationValues from the stored representation.
func (b *RelationalBone) Unserialize(inst *Instance, name string) bool {
	if !inst.entity.Has(name) {
		return false
	}
	raw := inst.entity.Get(name)
	if b.Multiple {
		items := asList(raw)
		out := []any{}
		for _, item := range items {
			if v := unserializeRelationValue(item); v != nil {
				out = append(out, v)
			}
		}
		inst.values[name] = out
		return true
	}
	inst.values[name] = unserializeRelationValue(raw)
	return true
}

// UniqueIndexValues hashes the referenced keys rather than the snapshots, so
// a stale cached field never changes the claimed lock.
func (b *RelationalBone) UniqueIndexValues(inst *Instance, name string) ([]string, error) {
	u := b.Unique
	if u == nil {
		return nil, nil
	}
	values := normalizeRelationValues(inst.current(name))
	if len(values) == 0 && !u.LockEmpty {
		return nil, nil
	}
	var hashes []string
	for _, v := range values {
		h, err := lockhash.Value(v.DestKey())
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	if len(hashes) == 0 {
		// LockEmpty: claim the empty marker.
		h, err := lockhash.Value("")
		if err != nil {
			return nil, err
		}
		return []string{h}, nil
	}
	if !b.Multiple {
		return hashes[:1], nil
	}
	return applyLockMethod(u.Method, hashes), nil
}

// Refresh rebuilds the cached snapshots from the referenced entities'
// current state. Vanished targets keep their last snapshot; NeverUpdate
// bones are left untouched.
func (b *RelationalBone) Refresh(ctx context.Context, inst *Instance, name string) error {
	if b.UpdateLevel == NeverUpdate {
		return nil
	}
	values := normalizeRelationValues(inst.current(name))
	if len(values) == 0 {
		return nil
	}
	refreshed := make([]any, 0, len(values))
	for _, v := range values {
		destKey := v.DestKey()
		entity, err := inst.store.client.Get(ctx, destKey)
		if errors.Is(err, db.ErrNotFound) {
			inst.store.logger.Info("referenced entity vanished, keeping stale snapshot",
				"kind", inst.def.kind, "bone", name, "dest", destKey.Encode())
			refreshed = append(refreshed, v)
			continue
		}
		if err != nil {
			return err
		}
		refreshed = append(refreshed, &RelationValue{Dest: b.destSnapshot(destKey, entity), Rel: v.Rel})
	}
	if b.Multiple {
		return inst.Set(name, refreshed)
	}
	return inst.Set(name, refreshed[0])
}

// ReleaseLocks removes the owner from every referenced entity's incoming
// lock list, using the stored outgoing list as the source of truth.
func (b *RelationalBone) ReleaseLocks(ctx context.Context, tx db.Tx, inst *Instance, name string) error {
	owner := inst.key.Encode()
	for _, encoded := range inst.entity.StringList(name + SuffixOutgoingLocks) {
		if err := b.editIncomingLock(ctx, tx, inst, encoded, owner, false); err != nil {
			return err
		}
	}
	return nil
}

// PostSaved reconciles the bone's relation-edge records against the
// committed value: obsolete edges are deleted, surviving ones get fresh
// snapshots and a new update tag, missing ones are created. It runs outside
// the write transaction; edges are eventually consistent by design and the
// propagation task repairs interleavings.
func (b *RelationalBone) PostSaved(ctx context.Context, inst *Instance, name string, key *db.Key) error {
	client := inst.store.client
	values := normalizeRelationValues(inst.current(name))
	pending := map[string]*RelationValue{}
	for _, v := range values {
		pending[v.DestKey().Encode()] = v
	}

	src := b.srcProjection(inst, key)
	now := nowMicros()

	edges, err := db.RunAll(ctx, client, b.edgeQuery(inst.def.kind, name, key))
	if err != nil {
		return err
	}
	for _, edge := range edges {
		destEncoded, _ := edge.Get(EdgePropDestKey).(string)
		value, keep := pending[destEncoded]
		if !keep {
			if err := client.Delete(ctx, edge.Key); err != nil {
				return err
			}
			continue
		}
		delete(pending, destEncoded)
		b.fillEdge(edge, src, value, now)
		if _, err := client.Put(ctx, edge); err != nil {
			return err
		}
	}
	for destEncoded, value := range pending {
		edgeKey, err := client.AllocateKey(ctx, RelationEdgeKind, key)
		if err != nil {
			return err
		}
		edge := db.NewEntity(edgeKey)
		edge.Set(EdgePropSrcKind, inst.def.kind)
		edge.Set(EdgePropSrcProperty, name)
		edge.Set(EdgePropSrcKey, key.Encode())
		edge.Set(EdgePropDestKind, b.Kind)
		edge.Set(EdgePropDestKey, destEncoded)
		b.fillEdge(edge, src, value, now)
		if _, err := client.Put(ctx, edge); err != nil {
			return err
		}
	}
	return nil
}

// PostDeleted removes every edge the deleted entity owned through this bone.
func (b *RelationalBone) PostDeleted(ctx context.Context, inst *Instance, name string, key *db.Key) error {
	client := inst.store.client
	edges, err := db.RunAll(ctx, client, b.edgeQuery(inst.def.kind, name, key))
	if err != nil {
		return err
	}
	keys := make([]*db.Key, len(edges))
	for i, edge := range edges {
		keys[i] = edge.Key
	}
	return client.DeleteMulti(ctx, keys)
}

func (b *RelationalBone) edgeQuery(srcKind, name string, key *db.Key) *db.Query {
	return db.NewQuery(RelationEdgeKind).
		Filter(EdgePropSrcKind, db.Equal, srcKind).
		Filter(EdgePropSrcProperty, db.Equal, name).
		Filter(EdgePropSrcKey, db.Equal, key.Encode())
}

// srcProjection builds the owner-side snapshot stored on each edge.
func (b *RelationalBone) srcProjection(inst *Instance, key *db.Key) *db.Entity {
	src := db.NewEntity(key)
	src.Set("key", key.Encode())
	for _, f := range b.EdgeFields {
		if f == "key" {
			continue
		}
		if inst.entity.Has(f) {
			src.Set(f, db.CloneValue(inst.entity.Get(f)))
		}
	}
	return src
}

func (b *RelationalBone) fillEdge(edge *db.Entity, src *db.Entity, value *RelationValue, now int64) {
	edge.Set(EdgePropSrc, src.Clone())
	edge.Set(EdgePropDest, value.Dest.Clone())
	edge.Set(EdgePropRel, value.Rel.Clone())
	edge.Set(EdgePropUpdateLevel, int64(b.UpdateLevel))
	edge.Set(EdgePropConsistency, int64(b.consistency()))
	edge.Set(EdgePropForeignKeys, toAnyList(b.cacheFieldNames()))
	edge.Set(EdgePropUpdateTag, now)
}

func serializeRelationValue(v *RelationValue) *db.Entity {
	out := db.NewEntity(nil)
	out.Set(EdgePropDest, v.Dest.Clone())
	out.Set(EdgePropRel, v.Rel.Clone())
	return out
}

func unserializeRelationValue(raw any) *RelationValue {
	sub, ok := raw.(*db.Entity)
	if !ok || sub == nil {
		return nil
	}
	dest, ok := sub.Get(EdgePropDest).(*db.Entity)
	if !ok || dest == nil || dest.Key == nil {
		return nil
	}
	rel, _ := sub.Get(EdgePropRel).(*db.Entity)
	return &RelationValue{Dest: dest.Clone(), Rel: rel.Clone()}
}

// normalizeRelationValues flattens single values, lists and nils into one
// slice, dropping nils.
func normalizeRelationValues(value any) []*RelationValue {
	var out []*RelationValue
	for _, item := range asList(value) {
		if v, ok := item.(*RelationValue); ok && v != nil && v.DestKey() != nil {
			out = append(out, v)
		}
	}
	return out
}

func toAnyList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// diffStrings returns the elements of a not present in b.
func diffStrings(a, b []string) []string {
	inB := map[string]bool{}
	for _, s := range b {
		inB[s] = true
	}
	var out []string
	for _, s := range a {
		if !inB[s] {
			out = append(out, s)
		}
	}
	return out
}

func removeString(in []string, s string) []string {
	var out []string
	for _, item := range in {
		if item != s {
			out = append(out, item)
		}
	}
	return out
}
