// Package store defines the persistent object store contract used by the
// transaction engine: stable object identifiers, stored records, and the
// Store/Conn/Txn interfaces with optimistic concurrency semantics.
// Backend implementations live in the memstore, filestore, and redistore
// subpackages.
package store
