package reconcile

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncq/internal/credential"
	"github.com/roach88/syncq/internal/entity"
	"github.com/roach88/syncq/internal/store"
	"github.com/roach88/syncq/internal/testutil"
)

type fakeState struct {
	mu      sync.Mutex
	online  bool
	deletes map[string]map[string]bool
}

func (s *fakeState) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *fakeState) PendingDeletes(entityType string) map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletes[entityType]
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func put(t *testing.T, s *store.Store, id string, synced bool, fields entity.Fields) {
	t.Helper()
	_, err := s.Put(context.Background(), entity.Entity{
		Type: "product", ID: id, Synced: synced, Fields: fields,
	})
	require.NoError(t, err)
}

func ids(es []entity.Entity) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.ID
	}
	return out
}

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestReconcile_PreservesPendingWrites(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	put(t, s, "A", false, entity.Fields{"price": int64(1)})
	put(t, s, "B", true, entity.Fields{"price": int64(2)})

	primary := testutil.NewFakePrimary("primary", nil)
	primary.Seed("product",
		entity.Entity{ID: "B", Fields: entity.Fields{"price": int64(20)}},
		entity.Entity{ID: "C", Fields: entity.Fields{"price": int64(30)}},
	)

	r := New(s, primary, WithState(&fakeState{online: true}), quiet())
	res, err := r.Reconcile(ctx, "product")
	require.NoError(t, err)

	assert.Equal(t, OriginRemote, res.Origin)
	assert.Equal(t, 2, res.Fetched)
	assert.NoError(t, res.FetchErr)
	assert.Equal(t, []string{"A", "B", "C"}, ids(res.Entities))

	a, err := s.Get(ctx, "product", "A")
	require.NoError(t, err)
	assert.False(t, a.Synced, "unsynced local record survives")
	assert.EqualValues(t, 1, a.Fields["price"])

	b, err := s.Get(ctx, "product", "B")
	require.NoError(t, err)
	assert.True(t, b.Synced)
	assert.EqualValues(t, 20, b.Fields["price"], "authoritative record replaces the synced copy")

	c, err := s.Get(ctx, "product", "C")
	require.NoError(t, err)
	assert.True(t, c.Synced)
}

func TestReconcile_DropsStaleSyncedRecords(t *testing.T) {
	s := setupTestStore(t)
	put(t, s, "gone", true, entity.Fields{"price": int64(1)})

	primary := testutil.NewFakePrimary("primary", nil)
	primary.Seed("product", entity.Entity{ID: "kept", Fields: entity.Fields{"price": int64(2)}})

	res, err := New(s, primary, quiet()).Reconcile(context.Background(), "product")
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, ids(res.Entities), "records deleted remotely leave the cache")
}

func TestReconcile_OfflineServesCache(t *testing.T) {
	s := setupTestStore(t)
	put(t, s, "A", false, entity.Fields{"price": int64(1)})

	primary := testutil.NewFakePrimary("primary", nil)
	primary.Seed("product", entity.Entity{ID: "Z"})

	r := New(s, primary, WithState(&fakeState{online: false}), quiet())
	res, err := r.Reconcile(context.Background(), "product")
	require.NoError(t, err)

	assert.Equal(t, OriginCache, res.Origin)
	assert.Equal(t, []string{"A"}, ids(res.Entities))
	assert.Zero(t, primary.CallCount(""), "offline passes do not touch the primary")
}

func TestReconcile_FetchFailureFallsBackToCache(t *testing.T) {
	s := setupTestStore(t)
	put(t, s, "A", true, entity.Fields{"price": int64(1)})

	primary := testutil.NewFakePrimary("primary", nil)
	primary.SetDown(true)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	res, err := New(s, primary, WithLogger(logger)).Reconcile(context.Background(), "product")
	require.NoError(t, err, "remote failures are not returned to the caller")

	assert.Equal(t, OriginCache, res.Origin)
	assert.Error(t, res.FetchErr)
	assert.Equal(t, []string{"A"}, ids(res.Entities), "the cache is left untouched")
	assert.Contains(t, buf.String(), "reconcile fetch failed")
}

func TestReconcile_SkipsPendingDeletes(t *testing.T) {
	s := setupTestStore(t)

	primary := testutil.NewFakePrimary("primary", nil)
	primary.Seed("product",
		entity.Entity{ID: "A", Fields: entity.Fields{"price": int64(1)}},
		entity.Entity{ID: "B", Fields: entity.Fields{"price": int64(2)}},
	)

	state := &fakeState{online: true, deletes: map[string]map[string]bool{
		"product": {"A": true},
	}}
	res, err := New(s, primary, WithState(state), quiet()).Reconcile(context.Background(), "product")
	require.NoError(t, err)

	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []string{"B"}, ids(res.Entities), "a locally deleted record is not brought back")
}

type refusingProvider struct{}

func (refusingProvider) Credential(context.Context) (credential.Credential, error) {
	return credential.Credential{}, credential.ErrAuth
}

func (refusingProvider) Refresh(context.Context) (credential.Credential, error) {
	return credential.Credential{}, errors.New("refresh token revoked")
}

func TestReconcile_CredentialFailure(t *testing.T) {
	s := setupTestStore(t)
	put(t, s, "A", true, nil)

	primary := testutil.NewFakePrimary("primary", nil)
	r := New(s, primary, WithCredentials(refusingProvider{}), quiet())

	res, err := r.Reconcile(context.Background(), "product")
	require.NoError(t, err)
	assert.Equal(t, OriginCache, res.Origin)
	require.Error(t, res.FetchErr)
	assert.Contains(t, res.FetchErr.Error(), "refresh token revoked")
	assert.Zero(t, primary.CallCount(""))
}

func TestReconcileAll(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	_, err := s.Put(ctx, entity.Entity{Type: "sale", ID: "local", Fields: entity.Fields{"quantity": int64(1)}})
	require.NoError(t, err)

	primary := testutil.NewFakePrimary("primary", nil)
	primary.Seed("product", entity.Entity{ID: "p1"}, entity.Entity{ID: "p2"})
	primary.Seed("sale", entity.Entity{ID: "s1"})

	r := New(s, primary, WithParallelism(2), quiet())
	results, err := r.ReconcileAll(ctx, []string{"product", "sale", "invoice"})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "product", results[0].EntityType)
	assert.Equal(t, []string{"p1", "p2"}, ids(results[0].Entities))
	assert.Equal(t, []string{"local", "s1"}, ids(results[1].Entities))
	assert.Empty(t, results[2].Entities)
	assert.Equal(t, 3, primary.CallCount(testutil.OpFetchAll))
}

func TestReconcile_CancelledContext(t *testing.T) {
	s := setupTestStore(t)
	primary := testutil.NewFakePrimary("primary", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(s, primary, quiet()).Reconcile(ctx, "product")
	assert.ErrorIs(t, err, context.Canceled)
}
