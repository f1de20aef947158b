// Package harness plays offline/online scenarios against the sync
// manager and checks the outcome.
//
// A scenario wires the catalog strategies to fake destinations, runs its
// steps against a fresh in-memory store and evaluates assertions over the
// resulting trace and final state.
//
// # Scenario Format
//
//	name: offline_then_online
//	description: "Writes made offline are delivered once back online"
//	online: false
//	max_attempts: 3
//	export_window: 1h
//	remote:
//	  - { type: product, id: p9, fields: { price: 5 } }
//	steps:
//	  - enqueue: { type: product, id: p1, op: create, fields: { price: 10 } }
//	  - fail: { destination: primary, times: 1, error: "connection reset" }
//	  - down: primary
//	  - up: primary
//	  - online: true
//	  - drain: true
//	  - reconcile: product
//	assertions:
//	  - { type: item_status, entity_type: product, entity_id: p1, status: completed }
//	  - { type: call_count, destination: primary, op: upsert, count: 1 }
//	  - { type: call_order, calls: ["primary upsert product/p1", "export rewrite_all product"] }
//	  - { type: local_state, entity_type: product, entity_id: p1, synced: true }
//	  - { type: remote_state, entity_type: product, entity_id: p1, fields: { price: 10 } }
//	  - { type: export_rows, entity_type: product, count: 1 }
//	  - { type: stats, expect: { pending_count: 0 } }
//
// # Determinism
//
// The manager runs with one delivery slot, sequential item ids and a step
// clock. Retry backoff is long enough that timers never fire; retrying
// items move again only when a drain promotes them. The same scenario
// therefore always produces the same trace, which is compared against
// testdata/golden/<name>.golden.
package harness
