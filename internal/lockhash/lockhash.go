// Package lockhash derives stable record names for unique-value lock
// entities. Hashing keeps arbitrary user input (including very long strings)
// usable as a store key and distributes lock records evenly.
package lockhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/marrowkit/marrow/db"
)

// Value hashes a single property value into a lock record name. The result
// carries a type prefix so an int64 1 and the string "1" claim different
// locks. The scheme is part of the persisted layout: changing it would
// orphan every existing lock record.
func Value(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return "S-" + digest(v), nil
	case int64:
		return "I-" + digest(strconv.FormatInt(v, 10)), nil
	case float64:
		return "I-" + digest(strconv.FormatFloat(v, 'g', -1, 64)), nil
	case bool:
		return "B-" + digest(strconv.FormatBool(v)), nil
	case *db.Key:
		// Keys are hashed structurally rather than through Encode so a
		// future change to the encoding cannot invalidate existing locks.
		return "K-" + keyDigest(v), nil
	default:
		return "", fmt.Errorf("lockhash: unsupported value type %T", value)
	}
}

// List hashes an ordered list of already-hashed values into one lock record
// name, for lock methods that claim a whole list at once.
func List(hashes []string) string {
	joined := ""
	for i, h := range hashes {
		if i > 0 {
			joined += ", "
		}
		joined += h
	}
	return "L-" + digest(joined)
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func keyDigest(key *db.Key) string {
	if key == nil {
		return "-"
	}
	return fmt.Sprintf("%s-%s-<%s>", digest(key.Kind), digest(key.ID), keyDigest(key.Parent))
}
