package sync

import (
	"context"
	"errors"
	"sort"
	"strings"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/tavolalabs/tavola/syncd/internal/localstore"
	"github.com/tavolalabs/tavola/syncd/internal/remote"
)

var errMissingFanoutRemote = errors.New("fanout: remote store is required")

// FanoutConfig configures the change propagation fan-out.
type FanoutConfig struct {
	Remote           remote.Store
	Local            *localstore.Store
	Tenant           string
	DeviceID         string
	Dispatcher       *Dispatcher[Notification]
	PresenceDebounce time.Duration
	Clock            func() time.Time
	Logger           *zap.Logger
}

// Fanout subscribes to the tenant's remote change streams and distributes
// notifications to local subscribers. It owns loop prevention: sync events
// written by this device are dropped, and presence snapshots that do not
// change the device-id set are swallowed before they can feed back into
// another write.
//
// Data-collection streams maintain the local cache silently; caller-facing
// collection notifications derive solely from sync events, so each committed
// change surfaces exactly once on every other device and never on its own.
type Fanout struct {
	remote     remote.Store
	local      *localstore.Store
	tenant     string
	deviceID   string
	dispatcher *Dispatcher[Notification]
	debounce   time.Duration
	clock      func() time.Time
	logger     *zap.Logger

	mu            stdsync.Mutex
	subscriptions map[string]*fanoutSubscription
	deviceSet     map[string]struct{}
	lastDelivered string
	presence      *Debouncer[Notification]
}

// fanoutSubscription identifies one live stream so a replaced reader cannot
// tear down its successor's map entry.
type fanoutSubscription struct {
	cancel func()
}

// NewFanout constructs a Fanout.
func NewFanout(cfg FanoutConfig) (*Fanout, error) {
	if cfg.Remote == nil {
		return nil, errMissingFanoutRemote
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher[Notification]()
	}
	debounce := cfg.PresenceDebounce
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{
		remote:     cfg.Remote,
		local:      cfg.Local,
		tenant:     cfg.Tenant,
		deviceID:   cfg.DeviceID,
		dispatcher: dispatcher,
		debounce:   debounce,
		clock:         clock,
		logger:        logger,
		subscriptions: make(map[string]*fanoutSubscription),
		deviceSet:     make(map[string]struct{}),
	}, nil
}

// SeedDeviceSet primes the presence tracking with the device ids observed
// during the initial full sync, so the first stream delta does not read as a
// wholesale membership change.
func (f *Fanout) SeedDeviceSet(ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deviceSet = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		f.deviceSet[id] = struct{}{}
	}
	f.lastDelivered = fingerprintDeviceSet(f.deviceSet)
}

// SubscribeAll opens one long-lived subscription per synchronized collection
// plus the presence and sync-event streams. Individual subscription failures
// are logged and do not abort the others.
func (f *Fanout) SubscribeAll(ctx context.Context) {
	f.mu.Lock()
	if f.presence == nil {
		f.presence = NewDebouncer(f.debounce, func(notification Notification) {
			f.dispatcher.Publish(notification.Collection, notification)
		})
	}
	f.mu.Unlock()

	for _, collection := range f.subscribedCollections() {
		if err := f.subscribe(ctx, collection); err != nil {
			f.logger.Warn("collection subscription failed",
				zap.String("collection", collection),
				zap.Error(err))
		}
	}
}

// EnsureSubscribed re-opens subscriptions that are missing, typically after
// connectivity returns.
func (f *Fanout) EnsureSubscribed(ctx context.Context) {
	for _, collection := range f.subscribedCollections() {
		f.mu.Lock()
		_, alive := f.subscriptions[collection]
		f.mu.Unlock()
		if alive {
			continue
		}
		if err := f.subscribe(ctx, collection); err != nil {
			f.logger.Warn("collection resubscription failed",
				zap.String("collection", collection),
				zap.Error(err))
		}
	}
}

// UnsubscribeAll cancels every open subscription. Safe to call repeatedly
// and from the teardown path.
func (f *Fanout) UnsubscribeAll() {
	f.mu.Lock()
	subscriptions := f.subscriptions
	f.subscriptions = make(map[string]*fanoutSubscription)
	presence := f.presence
	f.presence = nil
	f.mu.Unlock()

	for _, subscription := range subscriptions {
		subscription.cancel()
	}
	if presence != nil {
		presence.Stop()
	}
}

func (f *Fanout) subscribedCollections() []string {
	return append(DataCollections(), CollectionActiveDevices, CollectionSyncEvents)
}

func (f *Fanout) subscribe(ctx context.Context, collection string) error {
	stream, cancel, err := f.remote.Subscribe(ctx, f.tenant, collection)
	if err != nil {
		return err
	}

	subscription := &fanoutSubscription{cancel: cancel}
	f.mu.Lock()
	if previous, ok := f.subscriptions[collection]; ok {
		previous.cancel()
	}
	f.subscriptions[collection] = subscription
	f.mu.Unlock()

	go func() {
		defer func() {
			// Only remove the entry if it is still ours: a replaced reader
			// must not evict its successor, or EnsureSubscribed would open a
			// duplicate stream and double every notification.
			f.mu.Lock()
			if current, ok := f.subscriptions[collection]; ok && current == subscription {
				delete(f.subscriptions, collection)
			}
			f.mu.Unlock()
		}()
		for change := range stream {
			f.handle(ctx, collection, change)
		}
	}()
	return nil
}

func (f *Fanout) handle(ctx context.Context, collection string, change remote.ChangeSet) {
	switch collection {
	case CollectionSyncEvents:
		f.handleSyncEvents(change)
	case CollectionActiveDevices:
		f.handlePresence(change)
	default:
		f.applyToCache(ctx, collection, change)
	}
}

// handleSyncEvents is the caller-facing notification path. Events sourced by
// this device are dropped before any callback fires.
func (f *Fanout) handleSyncEvents(change remote.ChangeSet) {
	for _, record := range change.Added {
		event, err := syncEventFromRecord(record)
		if err != nil {
			f.logger.Warn("skipping malformed sync event",
				zap.String("event_id", record.ID),
				zap.Error(err))
			continue
		}
		if event.SourceDeviceID == f.deviceID {
			continue
		}
		f.dispatcher.Publish(event.Collection, Notification{
			Collection: event.Collection,
			Action:     event.Action,
			RecordIDs:  []string{event.RecordID},
			Timestamp:  event.Timestamp,
		})
	}
}

// handlePresence folds stream deltas into the tracked device-id set. A delta
// that leaves the set unchanged (a heartbeat refresh, most commonly) is
// swallowed; genuine membership changes are debounced so a burst of joins
// and leaves produces one callback.
func (f *Fanout) handlePresence(change remote.ChangeSet) {
	f.mu.Lock()
	for _, record := range change.Added {
		f.deviceSet[record.ID] = struct{}{}
	}
	for _, record := range change.Modified {
		f.deviceSet[record.ID] = struct{}{}
	}
	for _, record := range change.Removed {
		delete(f.deviceSet, record.ID)
	}

	fingerprint := fingerprintDeviceSet(f.deviceSet)
	if fingerprint == f.lastDelivered {
		f.mu.Unlock()
		return
	}
	f.lastDelivered = fingerprint

	ids := make([]string, 0, len(f.deviceSet))
	for id := range f.deviceSet {
		ids = append(ids, id)
	}
	presence := f.presence
	f.mu.Unlock()

	notification := Notification{
		Collection: CollectionActiveDevices,
		Action:     ActionUpdate,
		RecordIDs:  ids,
		Timestamp:  f.clock().UTC(),
	}
	if presence != nil {
		presence.Publish(notification)
	}
}

// applyToCache keeps the local snapshot current for data collections. No
// notification fires here; the sync-event stream announces the change.
func (f *Fanout) applyToCache(ctx context.Context, collection string, change remote.ChangeSet) {
	if f.local == nil {
		return
	}
	for _, record := range append(change.Added, change.Modified...) {
		document := localstore.Document{ID: record.ID, Data: record.Data}
		if err := f.local.UpsertDocument(ctx, collection, document); err != nil {
			f.logger.Warn("cache upsert failed",
				zap.String("collection", collection),
				zap.String("record_id", record.ID),
				zap.Error(err))
		}
	}
	for _, record := range change.Removed {
		if err := f.local.DeleteDocument(ctx, collection, record.ID); err != nil {
			f.logger.Warn("cache delete failed",
				zap.String("collection", collection),
				zap.String("record_id", record.ID),
				zap.Error(err))
		}
	}
}

func fingerprintDeviceSet(set map[string]struct{}) string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}
