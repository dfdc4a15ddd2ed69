package skeleton

import (
	"errors"
	"strings"
)

// Severity classifies a client-input validation failure.
type Severity int

const (
	// NotSet means the field was not part of the submitted data at all.
	NotSet Severity = iota

	// InvalidatesOther means the submitted value is well-formed but makes
	// another field's value invalid.
	InvalidatesOther

	// Empty means the field was submitted without a usable value.
	Empty

	// Invalid means the submitted value could not be accepted.
	Invalid
)

// String implements fmt.Stringer.
func (s Severity) String() string {
	switch s {
	case NotSet:
		return "NotSet"
	case InvalidatesOther:
		return "InvalidatesOther"
	case Empty:
		return "Empty"
	case Invalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// Error is one validation failure reported while reading client input or
// acquiring a unique-value lock. Validation errors are values, not Go
// errors: they are collected on the instance and never abort the process.
type Error struct {
	Severity Severity
	Message  string

	// FieldPath locates the failing value: bone name, then list index
	// and/or edge sub-field where applicable.
	FieldPath []string
}

// String renders the error for logs and test output.
func (e Error) String() string {
	return e.Severity.String() + " " + strings.Join(e.FieldPath, ".") + ": " + e.Message
}

func prefixPaths(errs []Error, segments ...string) []Error {
	for i := range errs {
		errs[i].FieldPath = append(append([]string{}, segments...), errs[i].FieldPath...)
	}
	return errs
}

var (
	// ErrUnknownKind is returned when no definition is registered for a kind.
	ErrUnknownKind = errors.New("skeleton: unknown kind")

	// ErrUnknownBone is returned when a field name does not exist on a
	// definition.
	ErrUnknownBone = errors.New("skeleton: unknown bone")

	// ErrRegistrySealed is returned when registering a definition after the
	// registry has been sealed.
	ErrRegistrySealed = errors.New("skeleton: registry already sealed")

	// ErrRegistryNotSealed is returned when a store is built on a registry
	// that has not completed its two-phase startup.
	ErrRegistryNotSealed = errors.New("skeleton: registry not sealed")

	// ErrUniqueValueTaken is returned from a write whose unique-value lock
	// is held by a different entity. It is reported alongside a validation
	// error on the instance; the write did not commit and may be retried
	// with a different value.
	ErrUniqueValueTaken = errors.New("skeleton: unique value already taken")

	// ErrLocked is returned when deleting an entity that is still
	// referenced through PreventDeletion relations.
	ErrLocked = errors.New("skeleton: entity is locked by incoming relations")

	// ErrNotStored is returned for operations that need a stored entity
	// (delete, refresh of a never-written instance).
	ErrNotStored = errors.New("skeleton: instance has no stored entity")
)

// uniqueConflictError carries the failing bone out of the write transaction
// so the pipeline can convert it into a validation error.
type uniqueConflictError struct {
	bone    string
	message string
}

func (e *uniqueConflictError) Error() string {
	return "unique value of bone " + e.bone + " already claimed"
}
