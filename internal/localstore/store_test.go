package localstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testDatabaseCounter int

func newTestStore(t *testing.T) *Store {
	t.Helper()
	testDatabaseCounter++
	dsn := fmt.Sprintf("file:localstore-test-%d?mode=memory&cache=shared", testDatabaseCounter)
	db, err := OpenSQLite(dsn, zap.NewNop())
	require.NoError(t, err)

	store, err := NewStore(StoreConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1767000000, 0).UTC() },
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	return store
}

func TestReplaceCollectionSwapsSnapshot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := []Document{
		{ID: "m1", Data: map[string]any{"name": "Margherita"}},
		{ID: "m2", Data: map[string]any{"name": "Diavola"}},
	}
	require.NoError(t, store.ReplaceCollection(ctx, "menu_items", first))

	second := []Document{
		{ID: "m3", Data: map[string]any{"name": "Quattro Formaggi"}},
	}
	require.NoError(t, store.ReplaceCollection(ctx, "menu_items", second))

	documents, err := store.ListCollection(ctx, "menu_items")
	require.NoError(t, err)
	require.Len(t, documents, 1)
	assert.Equal(t, "m3", documents[0].ID)
}

func TestUpsertDocumentOverwritesExisting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertDocument(ctx, "orders", Document{ID: "o1", Data: map[string]any{"status": "pending"}}))
	require.NoError(t, store.UpsertDocument(ctx, "orders", Document{ID: "o1", Data: map[string]any{"status": "paid"}}))

	documents, err := store.ListCollection(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, documents, 1)
	assert.Equal(t, "paid", documents[0].Data["status"])
}

func TestPendingQueuePreservesFIFOOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, recordID := range []string{"a", "b", "c"} {
		item := PendingItem{
			Collection: "orders",
			Action:     "create",
			RecordID:   recordID,
			Payload:    map[string]any{"id": recordID},
			EnqueuedAt: time.Unix(1767000000, 0),
		}
		require.NoError(t, store.AppendPending(ctx, item))
	}

	for _, expected := range []string{"a", "b", "c"} {
		item, ok, err := store.OldestPending(ctx)
		require.NoError(t, err)
		require.True(t, ok, "expected a pending item")
		assert.Equal(t, expected, item.RecordID)
		require.NoError(t, store.RemovePending(ctx, item.Sequence))
	}

	_, ok, err := store.OldestPending(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "expected an empty queue")
}

func TestPendingSurvivesPeekWithoutRemoval(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendPending(ctx, PendingItem{
		Collection: "orders",
		Action:     "update",
		RecordID:   "o1",
		Payload:    map[string]any{"status": "served"},
		EnqueuedAt: time.Unix(1767000000, 0),
	}))

	// A failed flush peeks but never removes; the entry must remain first.
	first, ok, err := store.OldestPending(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	again, ok, err := store.OldestPending(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.Sequence, again.Sequence)

	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestIdentityRoundTripIsStable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.LoadIdentity(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "expected no identity before first save")

	identity := Identity{
		DeviceID:   "device-1234",
		DeviceName: "Front Register",
		DeviceType: "register",
		CreatedAt:  time.Unix(1767000000, 0).UTC(),
	}
	require.NoError(t, store.SaveIdentity(ctx, identity))

	loaded, ok, err := store.LoadIdentity(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, identity.DeviceID, loaded.DeviceID)
	assert.Equal(t, identity.DeviceType, loaded.DeviceType)

	// Saving again must keep the single-row constraint.
	identity.DeviceName = "Front Register (renamed)"
	require.NoError(t, store.SaveIdentity(ctx, identity))
	loaded, ok, err = store.LoadIdentity(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Front Register (renamed)", loaded.DeviceName)
	assert.Equal(t, "device-1234", loaded.DeviceID)
}
