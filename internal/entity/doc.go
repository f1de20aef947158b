// Package entity defines the records that flow through syncq.
//
// An Entity is a typed record with a caller-assigned id, an opaque field
// map owned by the domain strategy, and a synced flag that the sync
// manager flips once every destination acknowledged the current revision.
//
// The package also owns the two encodings the rest of the engine relies on:
//   - Snapshots: CBOR deep copies taken at enqueue time and persisted with
//     queue items, so later edits to the live record never leak into a
//     pending delivery.
//   - Canonical JSON: sorted keys, NFC strings, no HTML escaping. Used for
//     content digests and for deterministic harness traces.
package entity
