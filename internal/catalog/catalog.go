// Package catalog holds the record types this deployment syncs and the
// strategies that deliver them.
package catalog

import (
	"embed"
	"fmt"
	"math"
	"time"

	"github.com/roach88/syncq/internal/destination"
	"github.com/roach88/syncq/internal/entity"
	"github.com/roach88/syncq/internal/schema"
	"github.com/roach88/syncq/internal/strategy"
)

//go:embed schemas/*.cue
var schemaFS embed.FS

// Entity types.
const (
	ProductType = "product"
	SaleType    = "sale"
)

// Types lists every catalog entity type.
func Types() []string {
	return []string{ProductType, SaleType}
}

// Schema returns the compiled schema for entityType.
func Schema(entityType string) (*schema.Schema, error) {
	src, err := schemaFS.ReadFile("schemas/" + entityType + ".cue")
	if err != nil {
		return nil, fmt.Errorf("no schema for %q", entityType)
	}
	return schema.Compile(entityType, string(src))
}

// Destinations wires strategies to adapters. Export may be nil, in which
// case no strategy accepts the export tag.
type Destinations struct {
	Primary      destination.Primary
	Export       destination.Exporter
	ExportWindow time.Duration

	// Source is read when an export is rewritten, normally the local store.
	Source strategy.Source
}

// Product builds the product strategy.
func Product(d Destinations) (*strategy.RecordStrategy, error) {
	return record(ProductType, d, nil)
}

// Sale delivers sales with a derived total on every destination.
type Sale struct {
	*strategy.RecordStrategy
}

var _ strategy.Preparer = Sale{}

// NewSale builds the sale strategy.
func NewSale(d Destinations) (Sale, error) {
	rs, err := record(SaleType, d, withTotal)
	if err != nil {
		return Sale{}, err
	}
	return Sale{RecordStrategy: rs}, nil
}

// PrepareForDestination adds total = quantity * unit_price for the
// primary. Exports derive it per row instead.
func (s Sale) PrepareForDestination(dest string, m strategy.Mutation) (strategy.Mutation, error) {
	if dest != destination.PrimaryTag || m.Operation == entity.OperationDelete {
		return m, nil
	}
	m.Entity = withTotal(m.Entity)
	return m, nil
}

// Register adds every catalog strategy to reg.
func Register(reg *strategy.Registry, d Destinations) error {
	product, err := Product(d)
	if err != nil {
		return err
	}
	sale, err := NewSale(d)
	if err != nil {
		return err
	}
	if err := reg.Register(ProductType, product); err != nil {
		return err
	}
	return reg.Register(SaleType, sale)
}

func record(entityType string, d Destinations, row func(entity.Entity) entity.Entity) (*strategy.RecordStrategy, error) {
	sch, err := Schema(entityType)
	if err != nil {
		return nil, err
	}
	rs := &strategy.RecordStrategy{
		Type:   entityType,
		Schema: sch,
		Source: d.Source,
	}
	if d.Primary != nil {
		rs.Primaries = map[string]destination.Primary{destination.PrimaryTag: d.Primary}
	}
	if d.Export != nil {
		rs.Exports = map[string]strategy.Export{
			destination.ExportTag: {Target: d.Export, Window: d.ExportWindow, Row: row},
		}
	}
	return rs, nil
}

func withTotal(e entity.Entity) entity.Entity {
	qty, ok1 := e.Fields.Number("quantity")
	price, ok2 := e.Fields.Number("unit_price")
	if !ok1 || !ok2 {
		return e
	}
	e.Fields = e.Fields.Clone()
	e.Fields["total"] = math.Round(qty*price*100) / 100
	return e
}
