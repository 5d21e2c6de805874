package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	stdsync "sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tavolalabs/tavola/syncd/internal/auth"
	"github.com/tavolalabs/tavola/syncd/internal/device"
	"github.com/tavolalabs/tavola/syncd/internal/localstore"
	"github.com/tavolalabs/tavola/syncd/internal/remote"
)

// State is the orchestrator lifecycle position.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	opConnect    = "orchestrator.connect"
	opDisconnect = "orchestrator.disconnect"
	opFullSync   = "orchestrator.full_sync"
	opMutate     = "orchestrator.mutate"
)

var (
	errMissingOrchestratorRemote    = errors.New("orchestrator: remote store is required")
	errMissingOrchestratorLocal     = errors.New("orchestrator: local store is required")
	errMissingOrchestratorRegistry  = errors.New("orchestrator: presence registry is required")
	errMissingOrchestratorValidator = errors.New("orchestrator: session validator is required")

	// ErrAlreadyConnected indicates Connect on a live orchestrator.
	ErrAlreadyConnected = errors.New("orchestrator: already connected")
	// ErrNotConnected indicates an operation that needs a connected tenant.
	ErrNotConnected = errors.New("orchestrator: not connected")
)

// OrchestratorConfig configures the sync orchestrator.
type OrchestratorConfig struct {
	Remote           remote.Store
	Local            *localstore.Store
	Registry         *device.Registry
	SessionValidator *auth.SessionValidator
	IDProvider       device.IDProvider

	HeartbeatInterval    time.Duration
	BackgroundInterval   time.Duration
	CleanupInterval      time.Duration
	ConnectivityInterval time.Duration
	StaleAfter           time.Duration
	EventRetention       time.Duration
	PresenceDebounce     time.Duration

	Clock  func() time.Time
	Logger *zap.Logger
}

// Orchestrator coordinates the whole sync engine: connect/disconnect
// lifecycle, full reconciliation across collections, the mutation path, and
// caller-facing event streams. One instance is owned by the composition root
// and handed to whatever needs it; there is no implicit global state.
type Orchestrator struct {
	remoteStore remote.Store
	local       *localstore.Store
	registry    *device.Registry
	validator   *auth.SessionValidator
	idProvider  device.IDProvider
	clock       func() time.Time
	logger      *zap.Logger

	heartbeatInterval    time.Duration
	backgroundInterval   time.Duration
	cleanupInterval      time.Duration
	connectivityInterval time.Duration
	staleAfter           time.Duration
	eventRetention       time.Duration
	presenceDebounce     time.Duration

	dispatcher *Dispatcher[Notification]
	status     *Dispatcher[StatusMessage]

	state        atomic.Int32
	syncing      atomic.Bool
	lastFullSync atomic.Int64

	mu            stdsync.Mutex
	tenant        string
	session       auth.SessionClaims
	queue         *Queue
	monitor       *Monitor
	fanout        *Fanout
	cancelRun     context.CancelFunc
	activeDevices []string
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Remote == nil {
		return nil, errMissingOrchestratorRemote
	}
	if cfg.Local == nil {
		return nil, errMissingOrchestratorLocal
	}
	if cfg.Registry == nil {
		return nil, errMissingOrchestratorRegistry
	}
	if cfg.SessionValidator == nil {
		return nil, errMissingOrchestratorValidator
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

	orchestrator := &Orchestrator{
		remoteStore:          cfg.Remote,
		local:                cfg.Local,
		registry:             cfg.Registry,
		validator:            cfg.SessionValidator,
		idProvider:           idProvider,
		clock:                clock,
		logger:               logger,
		heartbeatInterval:    cfg.HeartbeatInterval,
		backgroundInterval:   cfg.BackgroundInterval,
		cleanupInterval:      cfg.CleanupInterval,
		connectivityInterval: cfg.ConnectivityInterval,
		staleAfter:           cfg.StaleAfter,
		eventRetention:       cfg.EventRetention,
		presenceDebounce:     cfg.PresenceDebounce,
		dispatcher:           NewDispatcher[Notification](),
		status:               NewDispatcher[StatusMessage](),
	}
	if orchestrator.staleAfter <= 0 {
		orchestrator.staleAfter = 10 * time.Minute
	}
	if orchestrator.eventRetention <= 0 {
		orchestrator.eventRetention = 24 * time.Hour
	}
	return orchestrator, nil
}

// Connect validates the session, registers this device under the tenant,
// reconciles every collection, opens the change-stream subscriptions, and
// starts the timers. Session validation failure is fatal; everything after
// it degrades instead of failing, so a downed remote store still yields a
// working cache-only agent.
func (o *Orchestrator) Connect(ctx context.Context, tenant, sessionToken string) error {
	if !o.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return newSyncError(opConnect, "already_connected", ClassLifecycle, ErrAlreadyConnected)
	}

	claims, err := o.validator.ValidateToken(sessionToken)
	if err != nil {
		o.state.Store(int32(StateDisconnected))
		return newSyncError(opConnect, "invalid_session", ClassLifecycle, err)
	}
	if claims.TenantID != "" && claims.TenantID != tenant {
		o.state.Store(int32(StateDisconnected))
		return newSyncError(opConnect, "tenant_mismatch", ClassLifecycle,
			fmt.Errorf("session tenant %q does not match %q", claims.TenantID, tenant))
	}

	monitor, err := NewMonitor(MonitorConfig{
		Remote:   o.remoteStore,
		Interval: o.connectivityInterval,
		Logger:   o.logger,
	})
	if err != nil {
		o.state.Store(int32(StateDisconnected))
		return newSyncError(opConnect, "monitor_init_failed", ClassLifecycle, err)
	}
	queue, err := NewQueue(QueueConfig{
		Local:      o.local,
		Remote:     o.remoteStore,
		Tenant:     tenant,
		DeviceID:   o.registry.DeviceID(),
		IsOnline:   monitor.IsOnline,
		IDProvider: o.idProvider,
		Clock:      o.clock,
		Logger:     o.logger,
	})
	if err != nil {
		o.state.Store(int32(StateDisconnected))
		return newSyncError(opConnect, "queue_init_failed", ClassLifecycle, err)
	}
	fanout, err := NewFanout(FanoutConfig{
		Remote:           o.remoteStore,
		Local:            o.local,
		Tenant:           tenant,
		DeviceID:         o.registry.DeviceID(),
		Dispatcher:       o.dispatcher,
		PresenceDebounce: o.presenceDebounce,
		Clock:            o.clock,
		Logger:           o.logger,
	})
	if err != nil {
		o.state.Store(int32(StateDisconnected))
		return newSyncError(opConnect, "fanout_init_failed", ClassLifecycle, err)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())

	o.mu.Lock()
	o.tenant = tenant
	o.session = claims
	o.queue = queue
	o.monitor = monitor
	o.fanout = fanout
	o.cancelRun = cancelRun
	o.mu.Unlock()

	// Probe before registering the regain callback: the callback re-opens
	// subscriptions, and none exist until SubscribeAll runs below. Later
	// transitions all come from monitor.Run on the orchestrator's own context.
	monitor.CheckNow(ctx)
	monitor.OnOnline(func(onlineCtx context.Context) {
		o.onConnectivityRegained(onlineCtx)
	})

	o.publishProgress("connecting to " + tenant)

	if monitor.IsOnline() {
		if err := o.registry.RegisterActiveDevice(ctx, tenant, claims); err != nil {
			// Registration failures are non-fatal: the agent continues in
			// degraded mode and the next heartbeat retries.
			o.logger.Warn("device registration failed, continuing degraded",
				zap.String("tenant", tenant),
				zap.Error(err))
			o.publishError("device registration failed: " + err.Error())
		}
		if err := o.FullSync(ctx); err != nil {
			o.logger.Warn("initial full sync failed", zap.Error(err))
		}
	} else {
		o.publishError("remote store unreachable, starting in offline mode")
	}

	fanout.SubscribeAll(runCtx)
	o.watchPresence(runCtx)

	scheduler := NewScheduler(SchedulerConfig{
		HeartbeatInterval:  o.heartbeatInterval,
		BackgroundInterval: o.backgroundInterval,
		CleanupInterval:    o.cleanupInterval,
		Heartbeat:          o.heartbeatTick,
		BackgroundSync:     o.backgroundTick,
		Cleanup:            o.cleanupTick,
		Logger:             o.logger,
	})
	go scheduler.Run(runCtx)
	go monitor.Run(runCtx)

	o.state.Store(int32(StateConnected))
	o.publishProgress("connected to " + tenant)
	return nil
}

// Disconnect cancels subscriptions, stops the timers, and unregisters the
// device. Idempotent: disconnecting a disconnected orchestrator is a no-op.
func (o *Orchestrator) Disconnect(ctx context.Context) {
	previous := State(o.state.Swap(int32(StateDisconnected)))
	if previous == StateDisconnected {
		return
	}

	o.mu.Lock()
	tenant := o.tenant
	fanout := o.fanout
	cancelRun := o.cancelRun
	o.tenant = ""
	o.queue = nil
	o.monitor = nil
	o.fanout = nil
	o.cancelRun = nil
	o.activeDevices = nil
	o.mu.Unlock()

	if fanout != nil {
		fanout.UnsubscribeAll()
	}
	if cancelRun != nil {
		cancelRun()
	}
	if tenant != "" {
		o.registry.UnregisterActiveDevice(ctx, tenant)
	}
	o.publishProgress("disconnected")
}

// FullSync fetches every tenant collection and replaces the corresponding
// cache snapshots. Collection failures are independent: one failing fetch is
// logged and the rest still complete. Overlapping runs are skipped, not
// queued.
func (o *Orchestrator) FullSync(ctx context.Context) error {
	tenant := o.currentTenant()
	if tenant == "" {
		return newSyncError(opFullSync, "not_connected", ClassLifecycle, ErrNotConnected)
	}
	if !o.syncing.CompareAndSwap(false, true) {
		o.logger.Debug("full sync already running, skipping")
		return nil
	}
	defer o.syncing.Store(false)

	o.publishProgress("full sync started")
	for _, collection := range FullSyncCollections() {
		records, err := o.remoteStore.Query(ctx, tenant, collection, nil)
		if err != nil {
			o.logger.Warn("collection sync failed",
				zap.String("collection", collection),
				zap.Error(err))
			o.publishError("sync failed for " + collection)
			continue
		}

		documents := make([]localstore.Document, 0, len(records))
		ids := make([]string, 0, len(records))
		for _, record := range records {
			documents = append(documents, localstore.Document{ID: record.ID, Data: record.Data})
			ids = append(ids, record.ID)
		}
		if err := o.local.ReplaceCollection(ctx, collection, documents); err != nil {
			o.logger.Warn("cache replace failed",
				zap.String("collection", collection),
				zap.Error(err))
			continue
		}

		o.dispatcher.Publish(collection, Notification{
			Collection: collection,
			Action:     ActionUpdate,
			RecordIDs:  ids,
			Timestamp:  o.clock().UTC(),
		})
		o.publishProgress("synced " + collection)
	}

	o.refreshActiveDevices(ctx, tenant, true)
	o.lastFullSync.Store(o.clock().UTC().Unix())
	o.publishProgress("full sync finished")
	return nil
}

// CreateOrUpdate commits a record mutation. Online, the write lands on the
// remote store immediately with its sync event; offline or on a transient
// failure it is queued and the call still succeeds, because the mutation is
// durable locally and converges on flush. Returns the record id.
func (o *Orchestrator) CreateOrUpdate(ctx context.Context, collection string, record map[string]any) (string, error) {
	if State(o.state.Load()) != StateConnected {
		return "", newSyncError(opMutate, "not_connected", ClassLifecycle, ErrNotConnected)
	}
	if !slices.Contains(DataCollections(), collection) {
		return "", newSyncError(opMutate, "unknown_collection", ClassLifecycle,
			fmt.Errorf("collection %q is not device-writable", collection))
	}

	recordID, _ := record["id"].(string)
	if recordID == "" {
		generated, err := o.idProvider.NewID()
		if err != nil {
			return "", newSyncError(opMutate, "id_generation_failed", ClassLifecycle, err)
		}
		recordID = generated
		record["id"] = recordID
	}

	action := ActionCreate
	if _, exists, err := o.local.GetDocument(ctx, collection, recordID); err == nil && exists {
		action = ActionUpdate
	}

	if err := o.local.UpsertDocument(ctx, collection, localstore.Document{ID: recordID, Data: record}); err != nil {
		return "", newSyncError(opMutate, "cache_write_failed", ClassLifecycle, err)
	}

	o.submit(ctx, Change{
		Collection: collection,
		Action:     action,
		RecordID:   recordID,
		Payload:    record,
		UserID:     o.currentSession().UserID,
	})
	return recordID, nil
}

// Delete removes a record. Same durability contract as CreateOrUpdate.
func (o *Orchestrator) Delete(ctx context.Context, collection, recordID string) error {
	if State(o.state.Load()) != StateConnected {
		return newSyncError(opMutate, "not_connected", ClassLifecycle, ErrNotConnected)
	}
	if !slices.Contains(DataCollections(), collection) {
		return newSyncError(opMutate, "unknown_collection", ClassLifecycle,
			fmt.Errorf("collection %q is not device-writable", collection))
	}

	if err := o.local.DeleteDocument(ctx, collection, recordID); err != nil {
		return newSyncError(opMutate, "cache_delete_failed", ClassLifecycle, err)
	}

	o.submit(ctx, Change{
		Collection: collection,
		Action:     ActionDelete,
		RecordID:   recordID,
		UserID:     o.currentSession().UserID,
	})
	return nil
}

// GetCached returns the cached snapshot of a collection for offline reads.
func (o *Orchestrator) GetCached(ctx context.Context, collection string) ([]localstore.Document, error) {
	return o.local.ListCollection(ctx, collection)
}

// IsConnected reports whether the orchestrator is connected and the remote
// store is reachable. An unreachable store leaves the agent initialized but
// not connected, per the offline-first contract.
func (o *Orchestrator) IsConnected() bool {
	return State(o.state.Load()) == StateConnected && o.IsOnline()
}

// IsSyncing reports whether a full reconciliation is in flight.
func (o *Orchestrator) IsSyncing() bool {
	return o.syncing.Load()
}

// IsOnline reports last observed remote reachability.
func (o *Orchestrator) IsOnline() bool {
	o.mu.Lock()
	monitor := o.monitor
	o.mu.Unlock()
	return monitor != nil && monitor.IsOnline()
}

// LastSyncTime returns when the last full reconciliation finished, or the
// zero time if none has.
func (o *Orchestrator) LastSyncTime() time.Time {
	seconds := o.lastFullSync.Load()
	if seconds == 0 {
		return time.Time{}
	}
	return time.Unix(seconds, 0).UTC()
}

// ActiveDeviceIDs returns the most recently observed active device set.
func (o *Orchestrator) ActiveDeviceIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.activeDevices...)
}

// PendingChanges returns the queue depth.
func (o *Orchestrator) PendingChanges(ctx context.Context) (int64, error) {
	o.mu.Lock()
	queue := o.queue
	o.mu.Unlock()
	if queue == nil {
		return o.local.PendingCount(ctx)
	}
	return queue.Depth(ctx)
}

// OnCollectionChanged subscribes to change notifications for one collection.
// Multiple independent subscribers are supported.
func (o *Orchestrator) OnCollectionChanged(ctx context.Context, collection string) (<-chan Notification, func()) {
	return o.dispatcher.Subscribe(ctx, collection)
}

// OnSyncProgress subscribes to sync progress messages.
func (o *Orchestrator) OnSyncProgress(ctx context.Context) (<-chan StatusMessage, func()) {
	return o.status.Subscribe(ctx, TopicSyncProgress)
}

// OnSyncError subscribes to non-fatal sync error messages.
func (o *Orchestrator) OnSyncError(ctx context.Context) (<-chan StatusMessage, func()) {
	return o.status.Subscribe(ctx, TopicSyncError)
}

// submit routes a change directly to the remote store when online, falling
// back to the queue so no mutation is ever lost.
func (o *Orchestrator) submit(ctx context.Context, change Change) {
	o.mu.Lock()
	queue := o.queue
	monitor := o.monitor
	o.mu.Unlock()
	if queue == nil {
		return
	}

	if monitor != nil && monitor.IsOnline() {
		err := queue.ApplyDirect(ctx, change)
		if err == nil {
			return
		}
		if ClassOf(err) == ClassTransient {
			monitor.MarkOffline()
		}
		o.logger.Warn("direct write failed, queuing change",
			zap.String("collection", change.Collection),
			zap.String("record_id", change.RecordID),
			zap.String("class", ClassOf(err).String()),
			zap.Error(err))
	}

	if err := queue.Enqueue(ctx, change); err != nil {
		o.logger.Error("failed to enqueue change",
			zap.String("collection", change.Collection),
			zap.String("record_id", change.RecordID),
			zap.Error(err))
		o.publishError("failed to queue change for " + change.Collection)
	}
}

// onConnectivityRegained drains the queue, re-opens any dropped
// subscriptions, and reconciles if the cache has gone stale.
func (o *Orchestrator) onConnectivityRegained(ctx context.Context) {
	o.publishProgress("connectivity regained")

	o.mu.Lock()
	queue := o.queue
	fanout := o.fanout
	o.mu.Unlock()

	if fanout != nil {
		fanout.EnsureSubscribed(ctx)
	}
	if queue != nil {
		if err := queue.Flush(ctx); err != nil {
			o.logger.Warn("flush after reconnect stopped", zap.Error(err))
		}
	}
	if o.isStale() {
		if err := o.FullSync(ctx); err != nil {
			o.logger.Warn("reconciliation after reconnect failed", zap.Error(err))
		}
	}
}

func (o *Orchestrator) heartbeatTick(ctx context.Context) {
	if State(o.state.Load()) != StateConnected {
		return
	}
	tenant := o.currentTenant()
	if tenant == "" {
		return
	}
	if err := o.registry.Heartbeat(ctx, tenant); err != nil {
		if errors.Is(err, device.ErrNotRegistered) {
			// Registration never landed (offline connect); retry it.
			if o.IsOnline() {
				if regErr := o.registry.RegisterActiveDevice(ctx, tenant, o.currentSession()); regErr != nil {
					o.logger.Warn("late device registration failed", zap.Error(regErr))
				}
			}
			return
		}
		o.logger.Warn("heartbeat failed", zap.Error(err))
		o.mu.Lock()
		monitor := o.monitor
		o.mu.Unlock()
		if monitor != nil && ClassOf(err) == ClassTransient {
			monitor.MarkOffline()
		}
	}
}

func (o *Orchestrator) backgroundTick(ctx context.Context) {
	if State(o.state.Load()) != StateConnected || !o.IsOnline() {
		return
	}

	o.mu.Lock()
	queue := o.queue
	o.mu.Unlock()
	if queue != nil {
		if err := queue.Flush(ctx); err != nil {
			o.logger.Warn("background flush stopped", zap.Error(err))
		}
	}

	if o.isStale() {
		if err := o.FullSync(ctx); err != nil {
			o.logger.Warn("background reconciliation failed", zap.Error(err))
		}
	}
}

func (o *Orchestrator) cleanupTick(ctx context.Context) {
	if State(o.state.Load()) != StateConnected || !o.IsOnline() {
		return
	}
	tenant := o.currentTenant()
	if tenant == "" {
		return
	}

	o.pruneSyncEvents(ctx, tenant)
	if _, err := o.registry.CleanupStaleDevices(ctx, tenant); err != nil {
		o.logger.Warn("stale device cleanup failed", zap.Error(err))
	}
	o.refreshActiveDevices(ctx, tenant, false)
}

// pruneSyncEvents deletes events older than the retention window. Events are
// pure notifications, so late deletion is harmless and early readers have
// already consumed them.
func (o *Orchestrator) pruneSyncEvents(ctx context.Context, tenant string) {
	records, err := o.remoteStore.Query(ctx, tenant, CollectionSyncEvents, nil)
	if err != nil {
		o.logger.Warn("sync event query failed during cleanup", zap.Error(err))
		return
	}

	cutoff := o.clock().UTC().Add(-o.eventRetention)
	pruned := 0
	for _, record := range records {
		event, err := syncEventFromRecord(record)
		if err != nil {
			// Malformed events are deleted outright; they can never be
			// delivered anyway.
			if delErr := o.remoteStore.Delete(ctx, tenant, CollectionSyncEvents, record.ID); delErr == nil {
				pruned++
			}
			continue
		}
		if event.Timestamp.After(cutoff) {
			continue
		}
		if err := o.remoteStore.Delete(ctx, tenant, CollectionSyncEvents, record.ID); err != nil {
			o.logger.Warn("sync event prune failed",
				zap.String("event_id", record.ID),
				zap.Error(err))
			continue
		}
		pruned++
	}
	if pruned > 0 {
		o.logger.Info("pruned sync events", zap.Int("count", pruned))
	}
}

// watchPresence keeps the cached active-device set current by subscribing to
// the same dispatcher topic offered to callers.
func (o *Orchestrator) watchPresence(ctx context.Context) {
	stream, _ := o.dispatcher.Subscribe(ctx, CollectionActiveDevices)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case notification := <-stream:
				ids := append([]string(nil), notification.RecordIDs...)
				slices.Sort(ids)
				o.mu.Lock()
				o.activeDevices = ids
				o.mu.Unlock()
			}
		}
	}()
}

func (o *Orchestrator) refreshActiveDevices(ctx context.Context, tenant string, seedFanout bool) {
	ids, err := o.registry.ActiveDeviceIDs(ctx, tenant)
	if err != nil {
		o.logger.Warn("active device query failed", zap.Error(err))
		return
	}

	o.mu.Lock()
	o.activeDevices = ids
	fanout := o.fanout
	o.mu.Unlock()

	if seedFanout && fanout != nil {
		fanout.SeedDeviceSet(ids)
	}
}

func (o *Orchestrator) isStale() bool {
	seconds := o.lastFullSync.Load()
	if seconds == 0 {
		return true
	}
	return o.clock().UTC().Sub(time.Unix(seconds, 0)) > o.staleAfter
}

func (o *Orchestrator) currentTenant() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tenant
}

func (o *Orchestrator) currentSession() auth.SessionClaims {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

func (o *Orchestrator) publishProgress(message string) {
	o.logger.Info("sync progress", zap.String("message", message))
	o.status.Publish(TopicSyncProgress, StatusMessage{Message: message, At: o.clock().UTC()})
}

func (o *Orchestrator) publishError(message string) {
	o.logger.Warn("sync error", zap.String("message", message))
	o.status.Publish(TopicSyncError, StatusMessage{Message: message, At: o.clock().UTC()})
}
