package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const identityRowID = 1

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreConfig configures the local persistence layer.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store wraps the agent's SQLite database: the data cache, the pending
// change queue, and the persisted device identity.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store over an opened database handle.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// ReplaceCollection swaps the cached snapshot of one collection atomically.
func (s *Store) ReplaceCollection(ctx context.Context, collection string, documents []Document) error {
	now := s.clock().UTC().Unix()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("collection = ?", collection).Delete(&CacheRecord{}).Error; err != nil {
			return err
		}
		for _, document := range documents {
			payload, err := json.Marshal(document.Data)
			if err != nil {
				return fmt.Errorf("encoding cached document %s/%s: %w", collection, document.ID, err)
			}
			record := CacheRecord{
				Collection:       collection,
				RecordID:         document.ID,
				PayloadJSON:      string(payload),
				UpdatedAtSeconds: now,
			}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertDocument writes one document into the cache.
func (s *Store) UpsertDocument(ctx context.Context, collection string, document Document) error {
	payload, err := json.Marshal(document.Data)
	if err != nil {
		return fmt.Errorf("encoding cached document %s/%s: %w", collection, document.ID, err)
	}
	record := CacheRecord{
		Collection:       collection,
		RecordID:         document.ID,
		PayloadJSON:      string(payload),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collection"}, {Name: "record_id"}},
			UpdateAll: true,
		}).
		Create(&record).Error
}

// GetDocument returns one cached document; the second return value reports
// whether it exists.
func (s *Store) GetDocument(ctx context.Context, collection, id string) (Document, bool, error) {
	var record CacheRecord
	err := s.db.WithContext(ctx).
		Where("collection = ? AND record_id = ?", collection, id).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(record.PayloadJSON), &data); err != nil {
		return Document{}, false, fmt.Errorf("decoding cached document %s/%s: %w", collection, id, err)
	}
	return Document{ID: record.RecordID, Data: data}, true, nil
}

// DeleteDocument removes one document from the cache.
func (s *Store) DeleteDocument(ctx context.Context, collection, id string) error {
	return s.db.WithContext(ctx).
		Where("collection = ? AND record_id = ?", collection, id).
		Delete(&CacheRecord{}).Error
}

// ListCollection returns the cached documents of one collection. Malformed
// rows are skipped so one corrupt payload cannot block offline reads.
func (s *Store) ListCollection(ctx context.Context, collection string) ([]Document, error) {
	var records []CacheRecord
	if err := s.db.WithContext(ctx).
		Where("collection = ?", collection).
		Order("record_id ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}

	documents := make([]Document, 0, len(records))
	for _, record := range records {
		var data map[string]any
		if err := json.Unmarshal([]byte(record.PayloadJSON), &data); err != nil {
			s.logger.Warn("skipping corrupt cached document",
				zap.String("collection", collection),
				zap.String("record_id", record.RecordID),
				zap.Error(err))
			continue
		}
		documents = append(documents, Document{ID: record.RecordID, Data: data})
	}
	return documents, nil
}

// AppendPending appends one change to the back of the queue.
func (s *Store) AppendPending(ctx context.Context, item PendingItem) error {
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("encoding pending payload %s/%s: %w", item.Collection, item.RecordID, err)
	}
	record := PendingChangeRecord{
		Collection:        item.Collection,
		Action:            item.Action,
		RecordID:          item.RecordID,
		UserID:            item.UserID,
		PayloadJSON:       string(payload),
		EnqueuedAtSeconds: item.EnqueuedAt.UTC().Unix(),
	}
	return s.db.WithContext(ctx).Create(&record).Error
}

// OldestPending returns the front of the queue without removing it. The
// second return value reports whether the queue held anything.
func (s *Store) OldestPending(ctx context.Context) (PendingItem, bool, error) {
	var record PendingChangeRecord
	err := s.db.WithContext(ctx).Order("sequence ASC").Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PendingItem{}, false, nil
	}
	if err != nil {
		return PendingItem{}, false, err
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(record.PayloadJSON), &payload); err != nil {
		return PendingItem{}, false, fmt.Errorf("decoding pending payload %s/%s: %w", record.Collection, record.RecordID, err)
	}

	return PendingItem{
		Sequence:   record.Sequence,
		Collection: record.Collection,
		Action:     record.Action,
		RecordID:   record.RecordID,
		UserID:     record.UserID,
		Payload:    payload,
		EnqueuedAt: time.Unix(record.EnqueuedAtSeconds, 0).UTC(),
	}, true, nil
}

// RemovePending deletes one queue entry after it committed remotely.
func (s *Store) RemovePending(ctx context.Context, sequence int64) error {
	return s.db.WithContext(ctx).
		Where("sequence = ?", sequence).
		Delete(&PendingChangeRecord{}).Error
}

// PendingCount returns the queue depth.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&PendingChangeRecord{}).Count(&count).Error
	return count, err
}

// LoadIdentity returns the persisted device identity if one exists.
func (s *Store) LoadIdentity(ctx context.Context) (Identity, bool, error) {
	var record DeviceIdentityRecord
	err := s.db.WithContext(ctx).Where("row_id = ?", identityRowID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, err
	}
	return Identity{
		DeviceID:   record.DeviceID,
		DeviceName: record.DeviceName,
		DeviceType: record.DeviceType,
		CreatedAt:  time.Unix(record.CreatedAtSeconds, 0).UTC(),
	}, true, nil
}

// SaveIdentity persists the device identity. The single-row constraint keeps
// the device id stable across restarts.
func (s *Store) SaveIdentity(ctx context.Context, identity Identity) error {
	record := DeviceIdentityRecord{
		RowID:            identityRowID,
		DeviceID:         identity.DeviceID,
		DeviceName:       identity.DeviceName,
		DeviceType:       identity.DeviceType,
		CreatedAtSeconds: identity.CreatedAt.UTC().Unix(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "row_id"}},
			UpdateAll: true,
		}).
		Create(&record).Error
}
