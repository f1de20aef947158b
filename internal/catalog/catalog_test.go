package catalog

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncq/internal/destination"
	"github.com/roach88/syncq/internal/engine"
	"github.com/roach88/syncq/internal/entity"
	"github.com/roach88/syncq/internal/store"
	"github.com/roach88/syncq/internal/strategy"
	"github.com/roach88/syncq/internal/testutil"
)

func TestSchemas(t *testing.T) {
	tests := []struct {
		name      string
		typ       string
		fields    entity.Fields
		wantField string
	}{
		{name: "product minimal", typ: ProductType, fields: entity.Fields{"price": int64(25)}},
		{name: "product full", typ: ProductType, fields: entity.Fields{"name": "Widget", "sku": "W-1", "price": 2.5, "stock": int64(4)}},
		{name: "product negative price", typ: ProductType, fields: entity.Fields{"price": int64(-1)}, wantField: "price"},
		{name: "product bad sku", typ: ProductType, fields: entity.Fields{"price": int64(1), "sku": "w 1"}, wantField: "sku"},
		{name: "product fractional stock", typ: ProductType, fields: entity.Fields{"price": int64(1), "stock": 1.5}, wantField: "stock"},
		{name: "sale", typ: SaleType, fields: entity.Fields{"product_id": "p1", "quantity": int64(2), "unit_price": 3.5}},
		{name: "sale zero quantity", typ: SaleType, fields: entity.Fields{"product_id": "p1", "quantity": int64(0), "unit_price": 1}, wantField: "quantity"},
		{name: "sale missing product", typ: SaleType, fields: entity.Fields{"quantity": int64(1), "unit_price": 1}, wantField: "product_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sch, err := Schema(tt.typ)
			require.NoError(t, err)

			vs := sch.Check(tt.fields)
			if tt.wantField == "" {
				assert.Empty(t, vs)
				return
			}
			require.NotEmpty(t, vs)
			var fields []string
			for _, v := range vs {
				fields = append(fields, v.Field)
			}
			assert.Contains(t, fields, tt.wantField)
		})
	}

	_, err := Schema("invoice")
	assert.Error(t, err)
}

func TestRegister(t *testing.T) {
	reg := strategy.NewRegistry()
	require.NoError(t, Register(reg, Destinations{Primary: testutil.NewFakePrimary("primary", nil)}))
	assert.Equal(t, []string{ProductType, SaleType}, reg.Types())

	s, ok := reg.Lookup(ProductType)
	require.True(t, ok)
	r, ok := s.(strategy.Router)
	require.True(t, ok)
	assert.True(t, r.Supports(destination.PrimaryTag))
	assert.False(t, r.Supports(destination.ExportTag), "no exporter configured")

	assert.Error(t, Register(reg, Destinations{}), "types are registered once")
}

func TestSale_PrepareForDestination(t *testing.T) {
	sale, err := NewSale(Destinations{})
	require.NoError(t, err)

	in := strategy.Mutation{
		Operation: entity.OperationCreate,
		Entity: entity.Entity{Type: SaleType, ID: "s1", Fields: entity.Fields{
			"product_id": "p1", "quantity": int64(3), "unit_price": 0.1,
		}},
	}

	out, err := sale.PrepareForDestination(destination.PrimaryTag, in)
	require.NoError(t, err)
	assert.Equal(t, 0.3, out.Entity.Fields["total"])
	assert.NotContains(t, in.Entity.Fields, "total", "the input mutation is not modified")

	out, err = sale.PrepareForDestination(destination.ExportTag, in)
	require.NoError(t, err)
	assert.NotContains(t, out.Entity.Fields, "total")
}

// The catalog strategies delivered end to end through the sync manager.
func TestCatalog_Delivery(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	primary := testutil.NewFakePrimary(destination.PrimaryTag, nil)
	export := testutil.NewFakeExporter(destination.ExportTag, nil)

	reg := strategy.NewRegistry()
	require.NoError(t, Register(reg, Destinations{
		Primary:      primary,
		Export:       export,
		ExportWindow: 10 * time.Millisecond,
		Source:       s,
	}))

	m, err := engine.New(s, reg,
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		engine.WithDefaultDestinations(destination.PrimaryTag, destination.ExportTag),
	)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	_, err = m.Enqueue(ctx, engine.EnqueueRequest{
		EntityType: SaleType,
		Operation:  entity.OperationCreate,
		Entity: entity.Entity{ID: "s1", Fields: entity.Fields{
			"product_id": "p1", "quantity": int64(4), "unit_price": 2.5,
		}},
	})
	require.NoError(t, err)

	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, m.ForceDrain(dctx))

	rec, ok := primary.Record(SaleType, "s1")
	require.True(t, ok)
	assert.Equal(t, 10.0, rec["total"])

	rows := export.Rows(SaleType)
	require.Len(t, rows, 1)
	assert.Equal(t, 10.0, rows[0].Fields["total"], "exported rows carry the derived total")

	local, err := s.Get(ctx, SaleType, "s1")
	require.NoError(t, err)
	assert.True(t, local.Synced)
	assert.NotContains(t, local.Fields, "total", "derived fields are not written back locally")
}
