package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tavolalabs/tavola/syncd/internal/remote"
)

func newTestQueue(t *testing.T, store remote.Store, online *onlineFlag) *Queue {
	t.Helper()
	queue, err := NewQueue(QueueConfig{
		Local:      newTestLocalStore(t),
		Remote:     store,
		Tenant:     testTenant,
		DeviceID:   "device-self",
		IsOnline:   online.isOnline,
		IDProvider: &sequenceIDProvider{prefix: "id"},
	})
	require.NoError(t, err)
	return queue
}

func TestQueueFlushReplaysInFIFOOrder(t *testing.T) {
	store := newRecordingStore()
	online := &onlineFlag{}
	queue := newTestQueue(t, store, online)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		change := Change{
			Collection: CollectionMenuItems,
			Action:     ActionCreate,
			RecordID:   id,
			Payload:    map[string]any{"id": id},
		}
		require.NoError(t, queue.Enqueue(ctx, change))
	}

	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, depth)
	assert.Empty(t, store.recordedWrites(), "nothing should reach the remote store while offline")

	online.set(true)
	require.NoError(t, queue.Flush(ctx))

	assert.Equal(t, []string{"menu_items/a", "menu_items/b", "menu_items/c"}, store.recordedWrites())
	depth, err = queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestQueueFailureLeavesFailedChangeAtFront(t *testing.T) {
	store := newRecordingStore()
	online := &onlineFlag{}
	queue := newTestQueue(t, store, online)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		change := Change{
			Collection: CollectionMenuItems,
			Action:     ActionCreate,
			RecordID:   id,
			Payload:    map[string]any{"id": id},
		}
		require.NoError(t, queue.Enqueue(ctx, change))
	}

	store.failOn("b")
	online.set(true)

	err := queue.Flush(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, remote.ErrUnavailable))

	// a committed once, b never landed, c was never attempted.
	assert.Equal(t, []string{"menu_items/a"}, store.recordedWrites())
	depth, depthErr := queue.Depth(ctx)
	require.NoError(t, depthErr)
	assert.EqualValues(t, 2, depth)

	store.failOn("")
	require.NoError(t, queue.Flush(ctx))
	assert.Equal(t, []string{"menu_items/a", "menu_items/b", "menu_items/c"}, store.recordedWrites())
	depth, depthErr = queue.Depth(ctx)
	require.NoError(t, depthErr)
	assert.Zero(t, depth)
}

func TestQueueEnqueueWhileOnlineFlushesAsynchronously(t *testing.T) {
	store := newRecordingStore()
	online := &onlineFlag{}
	online.set(true)
	queue := newTestQueue(t, store, online)
	ctx := context.Background()

	change := Change{
		Collection: CollectionTables,
		Action:     ActionUpdate,
		RecordID:   "t1",
		Payload:    map[string]any{"id": "t1", "status": "occupied"},
	}
	require.NoError(t, queue.Enqueue(ctx, change))

	waitUntil(t, time.Second, "async flush to drain the queue", func() bool {
		depth, err := queue.Depth(ctx)
		return err == nil && depth == 0
	})
	assert.Equal(t, []string{"tables/t1"}, store.recordedWrites())
}

func TestQueueApplyDirectEmitsSyncEventWithSource(t *testing.T) {
	store := newRecordingStore()
	online := &onlineFlag{}
	queue := newTestQueue(t, store, online)
	ctx := context.Background()

	change := Change{
		Collection: CollectionMenuItems,
		Action:     ActionCreate,
		RecordID:   "m1",
		Payload:    map[string]any{"id": "m1", "name": "Tiramisu"},
	}
	require.NoError(t, queue.ApplyDirect(ctx, change))

	events, err := store.Query(ctx, testTenant, CollectionSyncEvents, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "device-self", events[0].Data["source_device_id"])
	assert.Equal(t, "menu_items_created", events[0].Data["event_type"])
	assert.Equal(t, "m1", events[0].Data["record_id"])
}

func TestQueueAppendsOrderAuditTrail(t *testing.T) {
	store := newRecordingStore()
	online := &onlineFlag{}
	queue := newTestQueue(t, store, online)
	ctx := context.Background()

	orderChange := Change{
		Collection: CollectionOrders,
		Action:     ActionCreate,
		RecordID:   "o1",
		Payload:    map[string]any{"id": "o1", "total": 42.0},
		UserID:     "user-7",
	}
	require.NoError(t, queue.ApplyDirect(ctx, orderChange))

	logs, err := store.Query(ctx, testTenant, CollectionOrderLogs, nil)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "o1", logs[0].Data["order_id"])
	assert.Equal(t, "create", logs[0].Data["action"])
	assert.Equal(t, "user-7", logs[0].Data["user_id"])
	assert.Equal(t, "device-self", logs[0].Data["device_id"])

	menuChange := Change{
		Collection: CollectionMenuItems,
		Action:     ActionUpdate,
		RecordID:   "m1",
		Payload:    map[string]any{"id": "m1"},
	}
	require.NoError(t, queue.ApplyDirect(ctx, menuChange))

	logs, err = store.Query(ctx, testTenant, CollectionOrderLogs, nil)
	require.NoError(t, err)
	assert.Len(t, logs, 1, "non-order changes must not grow the audit trail")
}

func TestQueueApplyDirectDeleteRemovesRecord(t *testing.T) {
	store := newRecordingStore()
	online := &onlineFlag{}
	queue := newTestQueue(t, store, online)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, testTenant, CollectionTables, "t1", map[string]any{"id": "t1"}, remote.MergeReplace))

	change := Change{Collection: CollectionTables, Action: ActionDelete, RecordID: "t1"}
	require.NoError(t, queue.ApplyDirect(ctx, change))

	_, err := store.Get(ctx, testTenant, CollectionTables, "t1")
	assert.True(t, errors.Is(err, remote.ErrNotFound))
}

func TestQueueFlushStopsWhenOffline(t *testing.T) {
	store := newRecordingStore()
	online := &onlineFlag{}
	queue := newTestQueue(t, store, online)
	ctx := context.Background()

	change := Change{
		Collection: CollectionMenuItems,
		Action:     ActionCreate,
		RecordID:   "a",
		Payload:    map[string]any{"id": "a"},
	}
	require.NoError(t, queue.Enqueue(ctx, change))
	require.NoError(t, queue.Flush(ctx))

	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth, "offline flush must leave the queue untouched")
	assert.Empty(t, store.recordedWrites())
}
