// Package db defines the entity-store contract the storage engine runs on.
//
// The engine treats the underlying document store as an external service that
// offers keyed get/put/delete, bounded transactions scoped to a single entity
// group, and eventually-consistent secondary queries. Everything above this
// package (skeletons, relational bones, background propagation) is written
// against the [Client] interface; the concrete adapters live in db/memdb and
// db/dynamo.
//
// # Keys and Entities
//
// A [Key] names one entity: a kind, a string ID and an optional ancestor
// chain. An [Entity] is an opaque property bag bound to a key. Property
// values are restricted to the types every adapter can round-trip:
//
//   - nil, bool, int64, float64, string, time.Time
//   - *Key (a reference)
//   - *Entity (a keyless or keyed sub-record)
//   - []any of the above
//
// # Transactions
//
// [Client.RunInTransaction] runs fn against a transactional view. All reads
// and writes that touch more than one entity of the same group must happen
// inside one transaction; on a concurrency collision the whole fn is the
// retry unit and the adapter reports [ErrConcurrentTransaction]. Adapters
// enforce their native transaction size bounds by failing fast with the same
// error.
//
// # Queries
//
// Queries are descriptions, not cursors over live state: adapters may serve
// them from eventually-consistent indexes. Equality filters on list-valued
// properties match if any element matches, and property paths may traverse
// sub-records with a dot ("dest.name").
package db
