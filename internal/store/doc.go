// Package store provides the SQLite-backed durable mutation store.
//
// Two tables live in one database file:
//   - entities: the local cache of domain records, keyed by (entity_type, id),
//     each with a synced flag and a revision counter bumped on every Put.
//   - sync_queue: persisted queue items, so pending deliveries survive a
//     restart. Rows are removed when an item completes.
//
// # Atomicity
//
// The pool is limited to a single connection, so every statement and every
// transaction is serialized. Read-modify-write operations (MarkSynced,
// ReplaceAll) therefore never interleave with a concurrent Put.
//
// # Failure semantics
//
// Storage failures are returned as *LocalStoreError. They are fatal for the
// operation that hit them and are never retried here; retry is a remote
// concern owned by the sync manager.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
