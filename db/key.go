package db

import (
	"fmt"
	"strings"
)

// Key identifies a single entity in the store.
type Key struct {
	// Kind is the entity kind (collection) name.
	Kind string

	// ID is the string identifier within the kind.
	ID string

	// Parent is the optional ancestor key. Entities sharing a root ancestor
	// form one entity group, the unit of transactional consistency.
	Parent *Key
}

// NewKey returns a key for kind and id with no ancestor.
func NewKey(kind, id string) *Key {
	return &Key{Kind: kind, ID: id}
}

// ChildKey returns a key for kind and id parented under k.
func (k *Key) ChildKey(kind, id string) *Key {
	return &Key{Kind: kind, ID: id, Parent: k}
}

// Root returns the outermost ancestor of k (k itself if it has no parent).
func (k *Key) Root() *Key {
	for k.Parent != nil {
		k = k.Parent
	}
	return k
}

// Equal reports whether two keys name the same entity.
func (k *Key) Equal(other *Key) bool {
	for k != nil && other != nil {
		if k.Kind != other.Kind || k.ID != other.ID {
			return false
		}
		k, other = k.Parent, other.Parent
	}
	return k == nil && other == nil
}

// Incomplete reports whether the key still needs an ID assigned.
func (k *Key) Incomplete() bool {
	return k.ID == ""
}

// Encode renders the key as a stable path string, ancestors first:
// "kind:id/kind:id". The encoding is part of the persisted layout (lock
// lists and relation edges store encoded keys) and must not change.
func (k *Key) Encode() string {
	if k == nil {
		return ""
	}
	var parts []string
	for cur := k; cur != nil; cur = cur.Parent {
		parts = append(parts, escapeSegment(cur.Kind)+":"+escapeSegment(cur.ID))
	}
	// Reverse so the root ancestor comes first.
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/")
}

// String implements fmt.Stringer.
func (k *Key) String() string {
	return k.Encode()
}

// DecodeKey parses a key previously produced by [Key.Encode].
func DecodeKey(encoded string) (*Key, error) {
	if encoded == "" {
		return nil, fmt.Errorf("%w: empty encoded key", ErrInvalidKey)
	}
	var key *Key
	for _, seg := range strings.Split(encoded, "/") {
		kind, id, ok := strings.Cut(seg, ":")
		if !ok || kind == "" {
			return nil, fmt.Errorf("%w: malformed segment %q", ErrInvalidKey, seg)
		}
		key = &Key{
			Kind:   unescapeSegment(kind),
			ID:     unescapeSegment(id),
			Parent: key,
		}
	}
	return key, nil
}

const (
	escSlash = "%2F"
	escColon = "%3A"
	escPct   = "%25"
)

func escapeSegment(s string) string {
	s = strings.ReplaceAll(s, "%", escPct)
	s = strings.ReplaceAll(s, "/", escSlash)
	return strings.ReplaceAll(s, ":", escColon)
}

func unescapeSegment(s string) string {
	s = strings.ReplaceAll(s, escColon, ":")
	s = strings.ReplaceAll(s, escSlash, "/")
	return strings.ReplaceAll(s, escPct, "%")
}
