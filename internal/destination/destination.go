// Package destination defines the adapter contracts the sync engine writes
// through.
//
// A Primary is the authoritative store of record and supports per-record
// upsert and delete. An Exporter only supports replacing a whole collection
// at once, which is why writes to it are debounced. Both must be
// idempotent: repeating an upsert or rewrite with the same input leaves the
// destination unchanged, and deleting an absent record is a no-op.
package destination

import (
	"context"
	"errors"

	"github.com/roach88/syncq/internal/entity"
)

// Well-known destination tags.
const (
	PrimaryTag = "primary"
	ExportTag  = "export"
)

// ErrUnavailable is returned by adapters that cannot reach their backend.
var ErrUnavailable = errors.New("destination unavailable")

// Primary is the authoritative remote store.
type Primary interface {
	Upsert(ctx context.Context, entityType, id string, data entity.Fields) error
	Delete(ctx context.Context, entityType, id string) error
	FetchAll(ctx context.Context, entityType string) ([]entity.Entity, error)
}

// Exporter is a whole-collection rewrite target.
type Exporter interface {
	RewriteAll(ctx context.Context, entityType string, rows []entity.Entity) error
}

// Pinger reports whether a destination is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}
