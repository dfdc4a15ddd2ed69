package skeleton

import (
	"context"
	"fmt"

	"github.com/marrowkit/marrow/db"
)

// Instance is one record of a kind: bone values plus the raw stored entity
// they came from. Values unserialize lazily on first access; every Get and
// Set marks the bone as accessed, and a write only re-serializes accessed
// bones, merging everything else from the stored state. Instances are not
// safe for concurrent use.
type Instance struct {
	def   *Definition
	store *Store

	key    *db.Key
	entity *db.Entity

	values   map[string]any
	accessed map[string]bool

	// Errors collects validation failures from FromClient and from
	// unique-lock conflicts during Write.
	Errors []Error
}

// Definition returns the instance's schema.
func (i *Instance) Definition() *Definition { return i.def }

// Kind returns the instance's kind name.
func (i *Instance) Kind() string { return i.def.kind }

// Key returns the stored key, or nil before the first write.
func (i *Instance) Key() *db.Key { return i.key }

// Entity returns the raw stored entity snapshot, or nil before the first
// write. Callers must not mutate it.
func (i *Instance) Entity() *db.Entity { return i.entity }

// Get returns the named bone's value, unserializing it from the stored
// entity or materializing the bone's default on first access. The bone is
// marked accessed, so the next write re-serializes it. Unknown names return
// nil.
func (i *Instance) Get(name string) any {
	if _, ok := i.def.byName[name]; !ok {
		return nil
	}
	value := i.current(name)
	i.accessed[name] = true
	return value
}

// Set assigns the named bone's value and marks it accessed.
func (i *Instance) Set(name string, value any) error {
	if _, ok := i.def.byName[name]; !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownBone, i.def.kind, name)
	}
	i.values[name] = value
	i.accessed[name] = true
	return nil
}

// Touched reports whether the bone was read or written since loading, i.e.
// whether the next write will re-serialize it.
func (i *Instance) Touched(name string) bool {
	return i.accessed[name]
}

// current returns the bone's value without marking it accessed. The lazy
// unserialize result is cached in values.
func (i *Instance) current(name string) any {
	if value, ok := i.values[name]; ok {
		return value
	}
	bone := i.def.byName[name]
	if i.entity != nil && bone.Unserialize(i, name) {
		return i.values[name]
	}
	value := bone.DefaultValue()
	i.values[name] = value
	return value
}

// FromClient parses client input into the instance. It reports whether the
// input was complete: no Invalid or InvalidatesOther error occurred, and no
// required bone ended up empty. Partial input is fine: bones absent from
// data keep their current values (their NotSet errors are only fatal when
// the bone is required and still empty). All errors are collected on
// i.Errors, replacing previous ones.
func (i *Instance) FromClient(ctx context.Context, data ClientData) bool {
	i.Errors = nil
	complete := true
	for _, f := range i.def.fields {
		if f.Bone.IsReadOnly() {
			continue
		}
		errs := f.Bone.FromClient(ctx, i, f.Name, data)
		for _, e := range errs {
			e.FieldPath = append([]string{f.Name}, e.FieldPath...)
			i.Errors = append(i.Errors, e)
			switch {
			case e.Severity == Invalid || e.Severity == InvalidatesOther:
				complete = false
			case f.Bone.IsRequired() && (e.Severity == Empty || e.Severity == NotSet):
				if f.Bone.IsEmpty(i.current(f.Name)) {
					complete = false
				}
			}
		}
	}
	return complete
}

// SetRelation points a single-valued relational bone at destKey, building
// the cached snapshot from the referenced entity's current stored state.
// rel carries the edge payload for bones with an edge schema and may be nil.
func (i *Instance) SetRelation(ctx context.Context, name string, destKey *db.Key, rel *db.Entity) error {
	bone, err := i.relationalBone(name)
	if err != nil {
		return err
	}
	if bone.IsMultiple() {
		return fmt.Errorf("skeleton: %s.%s is multiple-valued, use AddRelation", i.def.kind, name)
	}
	if destKey == nil {
		return i.Set(name, nil)
	}
	value, err := bone.buildValue(ctx, i.store.client, destKey, rel)
	if err != nil {
		return err
	}
	return i.Set(name, value)
}

// AddRelation appends a reference to a multiple-valued relational bone.
func (i *Instance) AddRelation(ctx context.Context, name string, destKey *db.Key, rel *db.Entity) error {
	bone, err := i.relationalBone(name)
	if err != nil {
		return err
	}
	if !bone.IsMultiple() {
		return fmt.Errorf("skeleton: %s.%s is single-valued, use SetRelation", i.def.kind, name)
	}
	value, err := bone.buildValue(ctx, i.store.client, destKey, rel)
	if err != nil {
		return err
	}
	list := asList(i.current(name))
	return i.Set(name, append(list, value))
}

func (i *Instance) relationalBone(name string) (*RelationalBone, error) {
	b, ok := i.def.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownBone, i.def.kind, name)
	}
	rb, ok := b.(*RelationalBone)
	if !ok {
		return nil, fmt.Errorf("skeleton: %s.%s is not a relational bone", i.def.kind, name)
	}
	return rb, nil
}
