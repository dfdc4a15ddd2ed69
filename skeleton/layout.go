package skeleton

import "time"

// Persisted layout. Kind names, property names and suffixes below are part
// of the stored data format shared by the write pipeline, the relation-edge
// records and the background tasks. Changing any of them orphans existing
// records.
const (
	// RelationEdgeKind holds one record per (owning entity, relational bone,
	// referenced entity) triple.
	RelationEdgeKind = "relation_edges"

	// BlobLockKind holds per-entity blob reference bookkeeping.
	BlobLockKind = "blob_locks"

	// EdgePropSrc is the owning entity's projected edge-field snapshot.
	EdgePropSrc = "src"
	// EdgePropDest is the referenced entity's cached snapshot.
	EdgePropDest = "dest"
	// EdgePropRel is the per-edge payload record, nil without an edge schema.
	EdgePropRel = "rel"

	EdgePropSrcKind     = "src_kind"
	EdgePropSrcProperty = "src_property"
	EdgePropSrcKey      = "src_key"
	EdgePropDestKind    = "dest_kind"
	EdgePropDestKey     = "dest_key"

	// EdgePropUpdateLevel mirrors the bone's propagation level so the
	// background task can skip OnRebuild/Never edges without loading the
	// definition.
	EdgePropUpdateLevel = "update_level"

	// EdgePropConsistency mirrors the bone's consistency rule for the
	// removed-relations task.
	EdgePropConsistency = "consistency"

	// EdgePropForeignKeys lists the cached field names, letting the
	// propagation task skip edges whose cached fields did not change.
	EdgePropForeignKeys = "foreign_keys"

	// EdgePropUpdateTag is the edge's last-propagated timestamp in unix
	// microseconds.
	EdgePropUpdateTag = "delayed_update_tag"

	// PropDelayedUpdateTag on an owning entity is the time of its last
	// regular write in unix microseconds, or 0 right after a propagation
	// task refreshed it.
	PropDelayedUpdateTag = "delayed_update_tag"

	// PropIncomingLocks lists encoded keys of entities whose PreventDeletion
	// relations point at this entity.
	PropIncomingLocks = "incoming_relational_locks"

	// SuffixOutgoingLocks, appended to a bone name, lists encoded keys of
	// entities this bone's PreventDeletion relations point at.
	SuffixOutgoingLocks = "_outgoing_relational_locks"

	// SuffixUniqueValues, appended to a bone name, lists the lock record
	// names the stored value claims.
	SuffixUniqueValues = "_unique_index_values"

	// LockPropReferences on a unique-lock record names the owning entity's
	// key ID.
	LockPropReferences = "references"

	BlobPropActive  = "active_blob_references"
	BlobPropOld     = "old_blob_references"
	BlobPropHasOld  = "has_old_blob_references"
	BlobPropIsStale = "is_stale"
)

// UniqueLockKind returns the kind name holding unique-value locks for one
// bone.
func UniqueLockKind(kind, bone string) string {
	return kind + "_" + bone + "_uniquePropertyIndex"
}

func nowMicros() int64 {
	return time.Now().UnixMicro()
}
