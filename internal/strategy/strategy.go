package strategy

import (
	"context"
	"time"

	"github.com/roach88/syncq/internal/entity"
)

// Mutation is the unit a strategy validates and delivers: one operation on
// an entity snapshot, on behalf of a tenant.
type Mutation struct {
	Tenant    string
	Operation entity.Operation
	Entity    entity.Entity
}

// Clone returns a deep copy of m.
func (m Mutation) Clone() Mutation {
	m.Entity = m.Entity.Clone()
	return m
}

// Key returns the (type, id) of the mutated entity.
func (m Mutation) Key() entity.Key {
	return m.Entity.Key()
}

// Strategy validates and delivers mutations of one entity type.
type Strategy interface {
	// Validate checks structural invariants of m. It must be pure: no I/O.
	// A failure is a *ValidationError and is never retried.
	Validate(m Mutation) error

	// SyncToDestination applies m to the destination tagged destination.
	// It must be idempotent for the same (operation, entity id).
	SyncToDestination(ctx context.Context, destination string, m Mutation) error
}

// Preparer rewrites a mutation before it is sent to one destination.
type Preparer interface {
	PrepareForDestination(destination string, m Mutation) (Mutation, error)
}

// SuccessHook is told about every destination that accepted a mutation.
type SuccessHook interface {
	OnSuccess(ctx context.Context, destination string, m Mutation)
}

// Debounced marks destinations that only support whole-collection rewrite.
// Debounce returns nil for destinations that take direct per-record calls.
type Debounced interface {
	Debounce(destination string) *DebounceConfig
}

// DebounceConfig describes a coalesced destination.
type DebounceConfig struct {
	// Window is the quiet period after the last mutation before Flush runs.
	Window time.Duration

	// Flush performs one full read-and-rewrite of the collection.
	Flush func(ctx context.Context) error
}

// Router reports which destination tags a strategy accepts.
type Router interface {
	Supports(destination string) bool
}
