package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/syncq/internal/entity"
)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEntity(typ, id string, synced bool, fields entity.Fields) entity.Entity {
	return entity.Entity{
		Type:      typ,
		ID:        id,
		Synced:    synced,
		Fields:    fields,
		UpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}
