package sync

import (
	"errors"
	"time"

	"github.com/tavolalabs/tavola/syncd/internal/device"
	"github.com/tavolalabs/tavola/syncd/internal/remote"
)

// Tenant collection names, mirroring the hosted schema.
const (
	CollectionOrders       = "orders"
	CollectionMenuItems    = "menu_items"
	CollectionCategories   = "categories"
	CollectionUsers        = "users"
	CollectionTables       = "tables"
	CollectionInventory    = "inventory"
	CollectionCustomers    = "customers"
	CollectionReservations = "reservations"
	CollectionAppMetadata  = "app_metadata"
	CollectionOrderLogs    = "order_logs"
	CollectionSyncEvents   = "sync_events"

	// CollectionActiveDevices aliases the device package constant so sync
	// callers have one vocabulary for collection names.
	CollectionActiveDevices = device.CollectionActiveDevices
)

// Action is the kind of mutation a sync event announces.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

var errMalformedSyncEvent = errors.New("malformed sync event")

// DataCollections returns the tenant collections devices mutate and whose
// changes propagate between devices.
func DataCollections() []string {
	return []string{
		CollectionOrders,
		CollectionMenuItems,
		CollectionCategories,
		CollectionUsers,
		CollectionTables,
		CollectionInventory,
		CollectionCustomers,
		CollectionReservations,
	}
}

// FullSyncCollections returns every collection a full reconciliation fetches.
// app_metadata is read-only on devices but cached for offline settings reads.
func FullSyncCollections() []string {
	return append(DataCollections(), CollectionAppMetadata)
}

// SyncEvent is the append-only record one device writes after committing a
// remote change, so that every other device learns something moved without
// shipping the data itself.
type SyncEvent struct {
	EventID        string
	EventType      string
	Collection     string
	Action         Action
	RecordID       string
	SourceDeviceID string
	Timestamp      time.Time
}

// NewSyncEvent builds the event announcing one committed change.
func NewSyncEvent(eventID, collection string, action Action, recordID, sourceDeviceID string, at time.Time) SyncEvent {
	return SyncEvent{
		EventID:        eventID,
		EventType:      eventTypeName(collection, action),
		Collection:     collection,
		Action:         action,
		RecordID:       recordID,
		SourceDeviceID: sourceDeviceID,
		Timestamp:      at.UTC(),
	}
}

// Record encodes the event for the sync_events collection.
func (e SyncEvent) Record() map[string]any {
	return map[string]any{
		"event_id":         e.EventID,
		"event_type":       e.EventType,
		"collection":       e.Collection,
		"action":           string(e.Action),
		"record_id":        e.RecordID,
		"source_device_id": e.SourceDeviceID,
		"timestamp_s":      e.Timestamp.UTC().Unix(),
	}
}

func syncEventFromRecord(record remote.Record) (SyncEvent, error) {
	collection, ok := record.Data["collection"].(string)
	if !ok || collection == "" {
		return SyncEvent{}, errMalformedSyncEvent
	}
	action, ok := record.Data["action"].(string)
	if !ok || action == "" {
		return SyncEvent{}, errMalformedSyncEvent
	}
	sourceDeviceID, ok := record.Data["source_device_id"].(string)
	if !ok || sourceDeviceID == "" {
		return SyncEvent{}, errMalformedSyncEvent
	}

	event := SyncEvent{
		EventID:        record.ID,
		Collection:     collection,
		Action:         Action(action),
		SourceDeviceID: sourceDeviceID,
	}
	event.EventType, _ = record.Data["event_type"].(string)
	event.RecordID, _ = record.Data["record_id"].(string)

	if seconds, err := eventTimestamp(record.Data); err == nil {
		event.Timestamp = time.Unix(seconds, 0).UTC()
	}
	return event, nil
}

func eventTimestamp(data map[string]any) (int64, error) {
	switch value := data["timestamp_s"].(type) {
	case int64:
		return value, nil
	case int:
		return int64(value), nil
	case float64:
		return int64(value), nil
	default:
		return 0, errMalformedSyncEvent
	}
}

func eventTypeName(collection string, action Action) string {
	switch action {
	case ActionCreate:
		return collection + "_created"
	case ActionDelete:
		return collection + "_deleted"
	default:
		return collection + "_updated"
	}
}
