package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/tavolalabs/tavola/syncd/internal/device"
	"github.com/tavolalabs/tavola/syncd/internal/localstore"
	"github.com/tavolalabs/tavola/syncd/internal/remote"
)

const (
	opQueueEnqueue = "queue.enqueue"
	opQueueFlush   = "queue.flush"
	opQueueApply   = "queue.apply"
)

var (
	errMissingQueueLocal  = errors.New("queue: local store is required")
	errMissingQueueRemote = errors.New("queue: remote store is required")
)

// Change is one mutation heading for the remote store.
type Change struct {
	Collection string
	Action     Action
	RecordID   string
	Payload    map[string]any
	UserID     string
}

// QueueConfig configures the pending change queue.
type QueueConfig struct {
	Local      *localstore.Store
	Remote     remote.Store
	Tenant     string
	DeviceID   string
	IsOnline   func() bool
	IDProvider device.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Queue buffers local writes that cannot commit remotely right away and
// replays them in strict FIFO order once connectivity returns. It is the
// single owner of pending-change storage: nothing else dequeues.
type Queue struct {
	local      *localstore.Store
	remote     remote.Store
	tenant     string
	deviceID   string
	isOnline   func() bool
	idProvider device.IDProvider
	clock      func() time.Time
	logger     *zap.Logger

	// flushMu serializes flush runs; a concurrent trigger waits instead of
	// interleaving dequeues.
	flushMu stdsync.Mutex
}

// NewQueue constructs a Queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Local == nil {
		return nil, errMissingQueueLocal
	}
	if cfg.Remote == nil {
		return nil, errMissingQueueRemote
	}
	isOnline := cfg.IsOnline
	if isOnline == nil {
		isOnline = func() bool { return false }
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = device.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		local:      cfg.Local,
		remote:     cfg.Remote,
		tenant:     cfg.Tenant,
		deviceID:   cfg.DeviceID,
		isOnline:   isOnline,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Enqueue appends a change to the back of the queue and returns immediately.
// If the agent is online a flush is kicked off asynchronously; enqueue never
// blocks on network I/O.
func (q *Queue) Enqueue(ctx context.Context, change Change) error {
	item := localstore.PendingItem{
		Collection: change.Collection,
		Action:     string(change.Action),
		RecordID:   change.RecordID,
		UserID:     change.UserID,
		Payload:    change.Payload,
		EnqueuedAt: q.clock().UTC(),
	}
	if err := q.local.AppendPending(ctx, item); err != nil {
		return newSyncError(opQueueEnqueue, "append_failed", ClassLifecycle, err)
	}

	q.logger.Debug("change enqueued",
		zap.String("collection", change.Collection),
		zap.String("action", string(change.Action)),
		zap.String("record_id", change.RecordID))

	if q.isOnline() {
		go func() {
			if err := q.Flush(context.Background()); err != nil {
				q.logger.Warn("async flush stopped", zap.Error(err))
			}
		}()
	}
	return nil
}

// Flush replays queued changes oldest-first while online. The first failure
// stops the run with the failed change still at the front of the queue, so
// order is preserved across retries and nothing is dropped.
func (q *Queue) Flush(ctx context.Context) error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	for {
		if !q.isOnline() {
			return nil
		}

		item, found, err := q.local.OldestPending(ctx)
		if err != nil {
			return newSyncError(opQueueFlush, "peek_failed", ClassLifecycle, err)
		}
		if !found {
			return nil
		}

		change := Change{
			Collection: item.Collection,
			Action:     Action(item.Action),
			RecordID:   item.RecordID,
			UserID:     item.UserID,
			Payload:    item.Payload,
		}
		if err := q.ApplyDirect(ctx, change); err != nil {
			// The change stays at the front; the next flush resumes here.
			return newSyncError(opQueueFlush, "apply_failed", ClassOf(err), err)
		}

		if err := q.local.RemovePending(ctx, item.Sequence); err != nil {
			return newSyncError(opQueueFlush, "dequeue_failed", ClassLifecycle, err)
		}
	}
}

// ApplyDirect commits one change to the remote store and, on success, emits
// the sync event announcing it (with this device as source) plus the order
// audit entry when the change touches an order.
func (q *Queue) ApplyDirect(ctx context.Context, change Change) error {
	var err error
	switch change.Action {
	case ActionCreate:
		err = q.remote.Set(ctx, q.tenant, change.Collection, change.RecordID, change.Payload, remote.MergeReplace)
	case ActionUpdate:
		err = q.remote.Set(ctx, q.tenant, change.Collection, change.RecordID, change.Payload, remote.MergeFields)
	case ActionDelete:
		err = q.remote.Delete(ctx, q.tenant, change.Collection, change.RecordID)
	default:
		return newSyncError(opQueueApply, "unknown_action", ClassLifecycle, errors.New(string(change.Action)))
	}
	if err != nil {
		return err
	}

	q.emitSyncEvent(ctx, change)
	if change.Collection == CollectionOrders {
		q.appendOrderLog(ctx, change)
	}
	return nil
}

// Depth returns how many changes are waiting to commit.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.local.PendingCount(ctx)
}

// emitSyncEvent is best-effort: the data already committed, and a missed
// event is healed by the next full reconciliation on the other devices.
func (q *Queue) emitSyncEvent(ctx context.Context, change Change) {
	eventID, err := q.idProvider.NewID()
	if err != nil {
		q.logger.Warn("sync event id generation failed", zap.Error(err))
		return
	}
	event := NewSyncEvent(eventID, change.Collection, change.Action, change.RecordID, q.deviceID, q.clock())
	if err := q.remote.Set(ctx, q.tenant, CollectionSyncEvents, eventID, event.Record(), remote.MergeReplace); err != nil {
		q.logger.Warn("sync event emission failed",
			zap.String("collection", change.Collection),
			zap.String("record_id", change.RecordID),
			zap.Error(err))
	}
}

// appendOrderLog mirrors the order audit trail kept by the backend schema.
// Best-effort: a failed append never fails the flush.
func (q *Queue) appendOrderLog(ctx context.Context, change Change) {
	logID, err := q.idProvider.NewID()
	if err != nil {
		q.logger.Warn("order log id generation failed", zap.Error(err))
		return
	}
	entry := map[string]any{
		"id":          logID,
		"order_id":    change.RecordID,
		"action":      string(change.Action),
		"user_id":     change.UserID,
		"device_id":   q.deviceID,
		"timestamp_s": q.clock().UTC().Unix(),
	}
	if err := q.remote.Set(ctx, q.tenant, CollectionOrderLogs, logID, entry, remote.MergeReplace); err != nil {
		q.logger.Warn("order log append failed",
			zap.String("order_id", change.RecordID),
			zap.Error(err))
	}
}
