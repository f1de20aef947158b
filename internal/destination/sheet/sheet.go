// Package sheet is an export destination that keeps one CSV file per
// entity type and rewrites it whole on every export.
package sheet

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/roach88/syncq/internal/destination"
	"github.com/roach88/syncq/internal/entity"
)

// IDColumn is always the first column.
const IDColumn = "id"

// Exporter writes <dir>/<entity type>.csv.
type Exporter struct {
	name    string
	dir     string
	columns map[string][]string

	mu sync.Mutex
}

var (
	_ destination.Exporter = (*Exporter)(nil)
	_ destination.Pinger   = (*Exporter)(nil)
)

// Option configures an Exporter.
type Option func(*Exporter)

// WithColumns fixes the columns written for entityType, after the id.
// Fields not listed are left out. Without it the columns are the sorted
// union of every row's field names.
func WithColumns(entityType string, columns ...string) Option {
	return func(x *Exporter) {
		x.columns[entityType] = append([]string(nil), columns...)
	}
}

// New creates an exporter writing under dir, creating it if needed.
func New(name, dir string, opts ...Option) (*Exporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sheet %s: %w", name, err)
	}
	x := &Exporter{name: name, dir: dir, columns: make(map[string][]string)}
	for _, opt := range opts {
		opt(x)
	}
	return x, nil
}

// Name returns the destination tag.
func (x *Exporter) Name() string { return x.name }

// Path returns the file written for entityType.
func (x *Exporter) Path(entityType string) string {
	return filepath.Join(x.dir, entityType+".csv")
}

// RewriteAll replaces the file for entityType with rows. Readers see
// either the old file or the new one, never a partial write.
func (x *Exporter) RewriteAll(ctx context.Context, entityType string, rows []entity.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	header := x.header(entityType, rows)
	sorted := make([]entity.Entity, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	tmp, err := os.CreateTemp(x.dir, "."+entityType+"-*.csv")
	if err != nil {
		return x.wrap(entityType, err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		tmp.Close()
		return x.wrap(entityType, err)
	}
	record := make([]string, len(header))
	for _, e := range sorted {
		record[0] = e.ID
		for i, col := range header[1:] {
			record[i+1] = entity.Format(e.Fields[col])
		}
		if err := w.Write(record); err != nil {
			tmp.Close()
			return x.wrap(entityType, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return x.wrap(entityType, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return x.wrap(entityType, err)
	}
	if err := tmp.Close(); err != nil {
		return x.wrap(entityType, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return x.wrap(entityType, os.Rename(tmp.Name(), x.Path(entityType)))
}

// Ping checks that the export directory is still there.
func (x *Exporter) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(x.dir)
	if err != nil {
		return fmt.Errorf("sheet %s: %w: %v", x.name, destination.ErrUnavailable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("sheet %s: %w: %s is not a directory", x.name, destination.ErrUnavailable, x.dir)
	}
	return nil
}

func (x *Exporter) header(entityType string, rows []entity.Entity) []string {
	if cols, ok := x.columns[entityType]; ok {
		return append([]string{IDColumn}, cols...)
	}
	seen := make(map[string]bool)
	var cols []string
	for _, e := range rows {
		for k := range e.Fields {
			if k != IDColumn && !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return append([]string{IDColumn}, cols...)
}

func (x *Exporter) wrap(entityType string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("sheet %s: rewrite %s: %w", x.name, entityType, err)
}
