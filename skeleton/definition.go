package skeleton

import (
	"fmt"
	"strings"
)

// Field is one named bone of a definition. Field order is preserved and
// drives serialization and client-input processing order.
type Field struct {
	Name string
	Bone Bone
}

// Definition is the schema of one kind: an ordered list of named bones.
type Definition struct {
	kind   string
	fields []Field
	byName map[string]Bone
}

// NewDefinition builds a definition for kind. Field names must be unique and
// must not collide with the reserved property names of the persisted layout.
func NewDefinition(kind string, fields ...Field) (*Definition, error) {
	if kind == "" {
		return nil, fmt.Errorf("skeleton: definition needs a kind")
	}
	d := &Definition{kind: kind, byName: make(map[string]Bone, len(fields))}
	for _, f := range fields {
		if err := checkFieldName(f.Name); err != nil {
			return nil, fmt.Errorf("skeleton: kind %s: %w", kind, err)
		}
		if f.Bone == nil {
			return nil, fmt.Errorf("skeleton: kind %s: field %s has no bone", kind, f.Name)
		}
		if _, dup := d.byName[f.Name]; dup {
			return nil, fmt.Errorf("skeleton: kind %s: duplicate field %s", kind, f.Name)
		}
		d.fields = append(d.fields, f)
		d.byName[f.Name] = f.Bone
	}
	return d, nil
}

// MustDefinition is NewDefinition that panics on error, for static schemas.
func MustDefinition(kind string, fields ...Field) *Definition {
	d, err := NewDefinition(kind, fields...)
	if err != nil {
		panic(err)
	}
	return d
}

func checkFieldName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty field name")
	case name == "key", name == PropDelayedUpdateTag, name == PropIncomingLocks:
		return fmt.Errorf("field name %s is reserved", name)
	case strings.HasSuffix(name, SuffixOutgoingLocks), strings.HasSuffix(name, SuffixUniqueValues):
		return fmt.Errorf("field name %s uses a reserved suffix", name)
	case strings.Contains(name, "."):
		return fmt.Errorf("field name %s must not contain dots", name)
	}
	return nil
}

// Kind returns the kind this definition describes.
func (d *Definition) Kind() string { return d.kind }

// Fields returns the fields in declaration order.
func (d *Definition) Fields() []Field {
	return append([]Field(nil), d.fields...)
}

// Bone returns the named bone.
func (d *Definition) Bone(name string) (Bone, bool) {
	b, ok := d.byName[name]
	return b, ok
}

// subset returns a definition containing only the named fields, in the
// receiver's declaration order. Unknown names are rejected.
func (d *Definition) subset(names []string) (*Definition, error) {
	want := map[string]bool{}
	for _, name := range names {
		if _, ok := d.byName[name]; !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownBone, d.kind, name)
		}
		want[name] = true
	}
	var fields []Field
	for _, f := range d.fields {
		if want[f.Name] {
			fields = append(fields, f)
		}
	}
	return NewDefinition(d.kind, fields...)
}

// Registry holds every definition of an application. Startup is two-phase:
// register all definitions, then Seal once so cross-kind references can be
// validated and resolved. A store only accepts a sealed registry.
type Registry struct {
	defs   map[string]*Definition
	sealed bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: map[string]*Definition{}}
}

// Register adds a definition. It fails after Seal and on duplicate kinds.
func (r *Registry) Register(def *Definition) error {
	if r.sealed {
		return ErrRegistrySealed
	}
	if _, dup := r.defs[def.kind]; dup {
		return fmt.Errorf("skeleton: kind %s registered twice", def.kind)
	}
	r.defs[def.kind] = def
	return nil
}

// Seal completes startup: every relational bone resolves its target kind and
// validates its cached and edge field lists. After Seal the registry is
// immutable.
func (r *Registry) Seal() error {
	if r.sealed {
		return nil
	}
	for _, def := range r.defs {
		for _, f := range def.fields {
			s, ok := f.Bone.(sealer)
			if !ok {
				continue
			}
			if err := s.sealBone(r, def, f.Name); err != nil {
				return fmt.Errorf("skeleton: kind %s field %s: %w", def.kind, f.Name, err)
			}
		}
	}
	r.sealed = true
	return nil
}

// Sealed reports whether Seal has completed.
func (r *Registry) Sealed() bool { return r.sealed }

// ByKind returns the definition registered for kind.
func (r *Registry) ByKind(kind string) (*Definition, error) {
	def, ok := r.defs[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return def, nil
}
