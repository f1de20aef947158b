// Package strategy defines how one entity type is validated and delivered.
//
// A Strategy is registered per entity type in a Registry. The sync manager
// resolves the strategy once per queue item and never branches on the
// entity type itself, so adding a type means registering a strategy.
//
// Beyond the required Strategy methods, a strategy may implement the
// optional Preparer, SuccessHook and Debounced interfaces. The manager
// discovers them by type assertion.
//
// RecordStrategy is a ready-made strategy for the common shape: a schema,
// one or more per-record primaries and any number of whole-collection
// exports fed from the local cache.
package strategy
