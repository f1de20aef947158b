package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/syncq/internal/destination"
	"github.com/roach88/syncq/internal/entity"
	"github.com/roach88/syncq/internal/schema"
)

// Source reads the local cache a whole-collection export is built from.
type Source interface {
	GetAll(ctx context.Context, entityType string) ([]entity.Entity, error)
}

// Export is one whole-collection destination of a RecordStrategy.
type Export struct {
	Target destination.Exporter

	// Window is the debounce quiet period. Zero disables debouncing and
	// every mutation rewrites the collection directly.
	Window time.Duration

	// Row optionally projects a cached entity into an exported row.
	Row func(entity.Entity) entity.Entity
}

// RecordStrategy delivers one entity type to per-record primaries and
// whole-collection exports, keyed by destination tag.
type RecordStrategy struct {
	Type      string
	Schema    *schema.Schema
	Primaries map[string]destination.Primary
	Exports   map[string]Export
	Source    Source
}

var (
	_ Strategy  = (*RecordStrategy)(nil)
	_ Debounced = (*RecordStrategy)(nil)
	_ Router    = (*RecordStrategy)(nil)
)

// Validate requires an id, and for creates and updates, fields satisfying
// the schema. Deletes are checked for an id only.
func (r *RecordStrategy) Validate(m Mutation) error {
	if m.Entity.ID == "" {
		return NewValidationError(r.Type, "", schema.Violation{Field: "id", Message: "id is required"})
	}
	if !m.Operation.Valid() {
		return NewValidationError(r.Type, m.Entity.ID, schema.Violation{
			Field:   "operation",
			Message: fmt.Sprintf("unknown operation %d", m.Operation),
		})
	}
	if m.Operation == entity.OperationDelete || r.Schema == nil {
		return nil
	}
	if vs := r.Schema.Check(m.Entity.Fields); len(vs) > 0 {
		return NewValidationError(r.Type, m.Entity.ID, vs...)
	}
	return nil
}

// SyncToDestination upserts or deletes on a primary, or rewrites an export.
func (r *RecordStrategy) SyncToDestination(ctx context.Context, dest string, m Mutation) error {
	if p, ok := r.Primaries[dest]; ok {
		if m.Operation == entity.OperationDelete {
			return p.Delete(ctx, r.Type, m.Entity.ID)
		}
		return p.Upsert(ctx, r.Type, m.Entity.ID, m.Entity.Fields)
	}
	if _, ok := r.Exports[dest]; ok {
		return r.flush(ctx, dest)
	}
	return NewValidationError(r.Type, m.Entity.ID, schema.Violation{
		Field:   "destination",
		Message: fmt.Sprintf("%s does not sync to %q", r.Type, dest),
	})
}

// Debounce coalesces exports that have a window.
func (r *RecordStrategy) Debounce(dest string) *DebounceConfig {
	e, ok := r.Exports[dest]
	if !ok || e.Window <= 0 {
		return nil
	}
	return &DebounceConfig{
		Window: e.Window,
		Flush: func(ctx context.Context) error {
			return r.flush(ctx, dest)
		},
	}
}

// Supports reports whether dest is a known destination tag.
func (r *RecordStrategy) Supports(dest string) bool {
	if _, ok := r.Primaries[dest]; ok {
		return true
	}
	_, ok := r.Exports[dest]
	return ok
}

func (r *RecordStrategy) flush(ctx context.Context, dest string) error {
	e := r.Exports[dest]
	if r.Source == nil {
		return fmt.Errorf("export %s/%s: no source", r.Type, dest)
	}
	rows, err := r.Source.GetAll(ctx, r.Type)
	if err != nil {
		return fmt.Errorf("export %s/%s: read cache: %w", r.Type, dest, err)
	}
	if e.Row != nil {
		for i := range rows {
			rows[i] = e.Row(rows[i])
		}
	}
	return e.Target.RewriteAll(ctx, r.Type, rows)
}
