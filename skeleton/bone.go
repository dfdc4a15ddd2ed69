package skeleton

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/marrowkit/marrow/db"
	"github.com/marrowkit/marrow/internal/lockhash"
)

// ClientData is raw client input, one or more string values per field name.
// List fields submit one value per element; edge sub-fields use dotted names
// ("tag.role", "tag.0.role").
type ClientData map[string][]string

// Sub returns the client data scoped below prefix, with the prefix stripped.
func (d ClientData) Sub(prefix string) ClientData {
	out := ClientData{}
	for name, values := range d {
		if rest, ok := strings.CutPrefix(name, prefix+"."); ok {
			out[rest] = values
		}
	}
	return out
}

// UniqueLockMethod selects how a multiple-valued bone's unique constraint
// interprets its list.
type UniqueLockMethod int

const (
	// SameValue locks each value individually: no two entities may share any
	// single value. On a single-valued bone this is the only meaningful
	// method.
	SameValue UniqueLockMethod = iota + 1

	// SameSet locks the value set as a whole, ignoring order: two entities
	// conflict only when their sets are equal.
	SameSet

	// SameList locks the exact ordered list.
	SameList
)

// UniqueValue declares a unique constraint on a bone.
type UniqueValue struct {
	Method UniqueLockMethod

	// LockEmpty claims a lock even for empty values, making emptiness itself
	// unique.
	LockEmpty bool

	// Message is the validation error reported on a conflict.
	Message string
}

// MultipleConstraints bounds a multiple-valued bone's list.
type MultipleConstraints struct {
	MinAmount         int
	MaxAmount         int
	PreventDuplicates bool
}

// Bone is one typed field of a definition. Implementations embed BaseBone
// and add their value handling; RelationalBone additionally participates in
// the write and delete transactions.
type Bone interface {
	// Description returns the human-readable field description.
	Description() string

	// IsRequired reports whether client input must supply a value.
	IsRequired() bool

	// IsMultiple reports whether the bone holds a list of values.
	IsMultiple() bool

	// IsReadOnly reports whether client input is ignored for this bone.
	IsReadOnly() bool

	// UniqueSpec returns the unique constraint, or nil.
	UniqueSpec() *UniqueValue

	// DefaultValue returns the value an unset bone materializes to.
	DefaultValue() any

	// IsEmpty reports whether a value counts as empty for required/lock
	// checks.
	IsEmpty(value any) bool

	// FromClient parses the field's client input into the instance value and
	// returns any validation errors. FieldPaths are relative to the bone.
	FromClient(ctx context.Context, inst *Instance, name string, data ClientData) []Error

	// Serialize writes the instance value into the instance's entity. It
	// runs inside the write transaction; relational bones use tx for lock
	// bookkeeping.
	Serialize(ctx context.Context, tx db.Tx, inst *Instance, name string) error

	// Unserialize loads the stored property into the instance value,
	// reporting whether a stored value existed.
	Unserialize(inst *Instance, name string) bool

	// UniqueIndexValues returns the lock record names the current value
	// claims. Nil when the bone has no unique constraint.
	UniqueIndexValues(inst *Instance, name string) ([]string, error)

	// ReferencedBlobKeys lists blob identifiers the current value keeps
	// alive.
	ReferencedBlobKeys(inst *Instance, name string) []string

	// Refresh re-reads any derived parts of the value from their source of
	// truth (relational bones rebuild their cached snapshots).
	Refresh(ctx context.Context, inst *Instance, name string) error

	// ReleaseLocks undoes this bone's claims on other entities inside the
	// delete transaction.
	ReleaseLocks(ctx context.Context, tx db.Tx, inst *Instance, name string) error

	// PostSaved runs after a successful write commit, outside the
	// transaction.
	PostSaved(ctx context.Context, inst *Instance, name string, key *db.Key) error

	// PostDeleted runs after a successful delete commit, outside the
	// transaction.
	PostDeleted(ctx context.Context, inst *Instance, name string, key *db.Key) error
}

// sealer is implemented by bones that need registry-wide validation once all
// definitions are known.
type sealer interface {
	sealBone(r *Registry, owner *Definition, name string) error
}

// BaseBone carries the declaration shared by every bone type.
type BaseBone struct {
	Descr       string
	Required    bool
	Multiple    bool
	ReadOnly    bool
	Unique      *UniqueValue
	Constraints *MultipleConstraints

	// Default is the value materialized when nothing was ever assigned.
	// For multiple-valued bones a nil default materializes to an empty list.
	Default any
}

func (b *BaseBone) Description() string      { return b.Descr }
func (b *BaseBone) IsRequired() bool         { return b.Required }
func (b *BaseBone) IsMultiple() bool         { return b.Multiple }
func (b *BaseBone) IsReadOnly() bool         { return b.ReadOnly }
func (b *BaseBone) UniqueSpec() *UniqueValue { return b.Unique }

// DefaultValue returns a copy of the declared default.
func (b *BaseBone) DefaultValue() any {
	if b.Multiple {
		if b.Default == nil {
			return []any{}
		}
		return db.CloneValue(b.Default)
	}
	return db.CloneValue(b.Default)
}

// IsEmpty reports whether value is nil, an empty string or an empty list.
func (b *BaseBone) IsEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []any:
		return len(v) == 0
	case []string:
		return len(v) == 0
	default:
		return false
	}
}

// ReferencedBlobKeys returns nil; bones holding blob references override it.
func (b *BaseBone) ReferencedBlobKeys(inst *Instance, name string) []string { return nil }

// Refresh is a no-op for plain value bones.
func (b *BaseBone) Refresh(ctx context.Context, inst *Instance, name string) error { return nil }

// ReleaseLocks is a no-op for plain value bones.
func (b *BaseBone) ReleaseLocks(ctx context.Context, tx db.Tx, inst *Instance, name string) error {
	return nil
}

// PostSaved is a no-op for plain value bones.
func (b *BaseBone) PostSaved(ctx context.Context, inst *Instance, name string, key *db.Key) error {
	return nil
}

// PostDeleted is a no-op for plain value bones.
func (b *BaseBone) PostDeleted(ctx context.Context, inst *Instance, name string, key *db.Key) error {
	return nil
}

// UniqueIndexValues hashes the bone's current scalar value(s) per the
// declared lock method.
func (b *BaseBone) UniqueIndexValues(inst *Instance, name string) ([]string, error) {
	u := b.Unique
	if u == nil {
		return nil, nil
	}
	value := inst.current(name)
	if !b.Multiple {
		if b.IsEmpty(value) && !u.LockEmpty {
			return nil, nil
		}
		h, err := hashLockValue(value)
		if err != nil {
			return nil, err
		}
		return []string{h}, nil
	}
	var hashes []string
	for _, item := range asList(value) {
		if b.IsEmpty(item) && !u.LockEmpty {
			continue
		}
		h, err := hashLockValue(item)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return applyLockMethod(u.Method, hashes), nil
}

func hashLockValue(value any) (string, error) {
	if value == nil {
		value = ""
	}
	return lockhash.Value(value)
}

// applyLockMethod folds the per-value hashes according to the lock method.
func applyLockMethod(method UniqueLockMethod, hashes []string) []string {
	if len(hashes) == 0 {
		return nil
	}
	switch method {
	case SameSet:
		sorted := append([]string(nil), hashes...)
		sort.Strings(sorted)
		return []string{lockhash.List(sorted)}
	case SameList:
		return []string{lockhash.List(hashes)}
	default:
		return dedupeStrings(hashes)
	}
}

func dedupeStrings(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func asList(value any) []any {
	switch v := value.(type) {
	case nil:
		return nil
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	default:
		return []any{v}
	}
}

// valueHandler is the per-type piece of a plain value bone: parsing one
// client value and converting one value to and from its stored form.
type valueHandler interface {
	parseValue(inst *Instance, name, raw string) (any, []Error)
	serializeValue(value any) any
	unserializeValue(raw any) (any, bool)
}

// boneFromClient implements FromClient for plain value bones.
func boneFromClient(b *BaseBone, h valueHandler, inst *Instance, name string, data ClientData) []Error {
	raws, submitted := data[name]
	if !submitted {
		return []Error{{Severity: NotSet, Message: "field was not submitted"}}
	}
	if b.Multiple {
		return multipleFromClient(b, h, inst, name, raws)
	}
	raw := ""
	if len(raws) > 0 {
		raw = raws[0]
	}
	if raw == "" {
		inst.Set(name, b.DefaultValue())
		return []Error{{Severity: Empty, Message: "no value submitted"}}
	}
	value, errs := h.parseValue(inst, name, raw)
	inst.Set(name, value)
	return errs
}

func multipleFromClient(b *BaseBone, h valueHandler, inst *Instance, name string, raws []string) []Error {
	var errs []Error
	values := []any{}
	for idx, raw := range raws {
		if raw == "" {
			continue
		}
		value, itemErrs := h.parseValue(inst, name, raw)
		errs = append(errs, prefixPaths(itemErrs, strconv.Itoa(idx))...)
		if hasFatal(itemErrs) {
			continue
		}
		values = append(values, value)
	}
	inst.Set(name, values)
	if len(values) == 0 {
		errs = append(errs, Error{Severity: Empty, Message: "no value submitted"})
		return errs
	}
	return append(errs, checkConstraints(b.Constraints, values)...)
}

func hasFatal(errs []Error) bool {
	for _, e := range errs {
		if e.Severity == Invalid || e.Severity == InvalidatesOther {
			return true
		}
	}
	return false
}

func checkConstraints(c *MultipleConstraints, values []any) []Error {
	if c == nil {
		return nil
	}
	var errs []Error
	if c.MinAmount > 0 && len(values) < c.MinAmount {
		errs = append(errs, Error{
			Severity: Invalid,
			Message:  fmt.Sprintf("requires at least %d values", c.MinAmount),
		})
	}
	if c.MaxAmount > 0 && len(values) > c.MaxAmount {
		errs = append(errs, Error{
			Severity: Invalid,
			Message:  fmt.Sprintf("allows at most %d values", c.MaxAmount),
		})
	}
	if c.PreventDuplicates {
		for i := 0; i < len(values); i++ {
			for j := i + 1; j < len(values); j++ {
				if db.ValueEqual(values[i], values[j]) {
					errs = append(errs, Error{Severity: Invalid, Message: "duplicate values are not allowed"})
					return errs
				}
			}
		}
	}
	return errs
}

// boneSerialize implements Serialize for plain value bones.
func boneSerialize(b *BaseBone, h valueHandler, inst *Instance, name string) {
	value := inst.current(name)
	if b.Multiple {
		items := asList(value)
		out := make([]any, 0, len(items))
		for _, item := range items {
			out = append(out, h.serializeValue(item))
		}
		inst.entity.Set(name, out)
		return
	}
	if value == nil {
		inst.entity.Set(name, nil)
		return
	}
	inst.entity.Set(name, h.serializeValue(value))
}

// boneUnserialize implements Unserialize for plain value bones.
func boneUnserialize(b *BaseBone, h valueHandler, inst *Instance, name string) bool {
	if !inst.entity.Has(name) {
		return false
	}
	raw := inst.entity.Get(name)
	if b.Multiple {
		items := asList(raw)
		out := make([]any, 0, len(items))
		for _, item := range items {
			if value, ok := h.unserializeValue(item); ok {
				out = append(out, value)
			}
		}
		inst.values[name] = out
		return true
	}
	if raw == nil {
		inst.values[name] = nil
		return true
	}
	value, ok := h.unserializeValue(raw)
	if !ok {
		return false
	}
	inst.values[name] = value
	return true
}
