package localstore

import "time"

// CacheRecord is one cached remote document. The cache answers reads while
// offline and is replaceable at any time; the remote store stays the source
// of truth.
type CacheRecord struct {
	Collection       string `gorm:"column:collection;primaryKey;size:64;not null"`
	RecordID         string `gorm:"column:record_id;primaryKey;size:190;not null"`
	PayloadJSON      string `gorm:"column:payload_json;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName exposes the table backing the data cache.
func (CacheRecord) TableName() string {
	return "cache_records"
}

// PendingChangeRecord is one locally buffered write awaiting remote
// commitment. Sequence ordering is the queue's FIFO order.
type PendingChangeRecord struct {
	Sequence          int64  `gorm:"column:sequence;primaryKey;autoIncrement"`
	Collection        string `gorm:"column:collection;size:64;not null"`
	Action            string `gorm:"column:action;size:16;not null"`
	RecordID          string `gorm:"column:record_id;size:190;not null"`
	UserID            string `gorm:"column:user_id;size:190"`
	PayloadJSON       string `gorm:"column:payload_json;not null"`
	EnqueuedAtSeconds int64  `gorm:"column:enqueued_at_s;not null"`
}

// TableName exposes the table backing the pending change queue.
func (PendingChangeRecord) TableName() string {
	return "pending_changes"
}

// DeviceIdentityRecord pins the device id generated at first launch. One row
// per database file.
type DeviceIdentityRecord struct {
	RowID            int64  `gorm:"column:row_id;primaryKey"`
	DeviceID         string `gorm:"column:device_id;size:64;not null"`
	DeviceName       string `gorm:"column:device_name;size:190;not null"`
	DeviceType       string `gorm:"column:device_type;size:64;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName exposes the table backing the persisted device identity.
func (DeviceIdentityRecord) TableName() string {
	return "device_identities"
}

// Document is the in-memory shape of a cached record.
type Document struct {
	ID   string
	Data map[string]any
}

// PendingItem is the in-memory shape of a queued write.
type PendingItem struct {
	Sequence   int64
	Collection string
	Action     string
	RecordID   string
	UserID     string
	Payload    map[string]any
	EnqueuedAt time.Time
}

// Identity is the in-memory shape of the persisted device identity.
type Identity struct {
	DeviceID   string
	DeviceName string
	DeviceType string
	CreatedAt  time.Time
}
