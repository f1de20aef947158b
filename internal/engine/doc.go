// Package engine implements the sync manager: the scheduler that delivers
// queued local mutations to remote destinations.
//
// ARCHITECTURE:
//
// Enqueue writes the mutation to the local store (unsynced), snapshots
// the entity and persists a queue item. Run dispatches eligible items to
// worker goroutines, at most Concurrency at a time. A worker resolves the
// item's strategy through the registry, validates the payload, then walks
// the destinations in order:
//
//	pending -> processing -> completed (record deleted, entity marked synced)
//	                      -> retrying  (transient failure, backoff timer)
//	                      -> failed    (validation error, or attempts exhausted)
//	retrying -> pending   (timer fired, or the manager came back online)
//	failed   -> pending   (Requeue)
//
// ORDERING:
//
// Items are served by priority (descending), then createdAt, then seq.
// Each entity has a chain of its active items in enqueue order and only the
// head of a chain is dispatched, so one entity never has two deliveries in
// flight and its mutations arrive in the order they were made. Within an
// item, destination k+1 is only attempted after destination k succeeded.
//
// FAILURES:
//
// The manager never returns delivery failures to callers. Validation
// errors fail the item at once without counting an attempt. Everything
// else (network, timeout, credential refresh failure) counts an attempt
// and retries after RetryDelays[attempts-1], the last delay repeating,
// until MaxAttempts. Failed items stay in the queue until requeued or
// discarded.
//
// RESTART:
//
// Every transition is persisted, and a completed item's record is deleted
// before it leaves memory, so after a crash the sync_queue table holds
// every unfinished item. Restore reloads it: items caught processing or
// retrying come back pending. Destinations are idempotent, so delivering
// again is safe. Debounce windows are not persisted; items that were
// waiting on one re-enter a window through the normal path.
package engine
