package device

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tavolalabs/tavola/syncd/internal/auth"
	"github.com/tavolalabs/tavola/syncd/internal/localstore"
	"github.com/tavolalabs/tavola/syncd/internal/remote"
)

// CollectionActiveDevices is the tenant collection holding presence records.
const CollectionActiveDevices = "active_devices"

var (
	errMissingRemoteStore = errors.New("presence registry: remote store is required")
	errMissingIdentity    = errors.New("presence registry: device identity is required")
	// ErrNotRegistered indicates a heartbeat before RegisterActiveDevice.
	ErrNotRegistered = errors.New("presence registry: device not registered")
)

// Device is one presence record under a tenant's active-devices collection.
type Device struct {
	DeviceID        string
	DeviceName      string
	DeviceType      string
	TenantID        string
	UserID          string
	UserDisplayName string
	UserRole        string
	IsActive        bool
	LastActivity    time.Time
}

// RegistryConfig configures the presence registry.
type RegistryConfig struct {
	Remote         remote.Store
	Identity       localstore.Identity
	OfflineTimeout time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Registry maintains this device's presence record and reads the tenant's
// active-device set. Permission failures flip a local degraded flag instead
// of propagating; the rest of the agent keeps working off the cache.
type Registry struct {
	remote         remote.Store
	identity       localstore.Identity
	offlineTimeout time.Duration
	clock          func() time.Time
	logger         *zap.Logger

	mu         sync.Mutex
	registered bool
	session    auth.SessionClaims
	degraded   bool
}

// NewRegistry constructs a presence Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Remote == nil {
		return nil, errMissingRemoteStore
	}
	if cfg.Identity.DeviceID == "" {
		return nil, errMissingIdentity
	}
	offlineTimeout := cfg.OfflineTimeout
	if offlineTimeout <= 0 {
		offlineTimeout = 2 * time.Minute
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		remote:         cfg.Remote,
		identity:       cfg.Identity,
		offlineTimeout: offlineTimeout,
		clock:          clock,
		logger:         logger,
	}, nil
}

// DeviceID returns this device's stable identifier.
func (r *Registry) DeviceID() string {
	return r.identity.DeviceID
}

// Degraded reports whether the registry observed a permission failure and
// dropped to cache-only operation.
func (r *Registry) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

// RegisterActiveDevice upserts this device's presence record under the
// tenant. Other devices observe the join within one propagation cycle.
func (r *Registry) RegisterActiveDevice(ctx context.Context, tenant string, session auth.SessionClaims) error {
	record := r.presenceRecord(tenant, session, r.clock().UTC())
	if err := r.remote.Set(ctx, tenant, CollectionActiveDevices, r.identity.DeviceID, record, remote.MergeReplace); err != nil {
		return err
	}

	r.mu.Lock()
	r.registered = true
	r.session = session
	r.degraded = false
	r.mu.Unlock()

	r.logger.Info("device registered",
		zap.String("tenant", tenant),
		zap.String("device_id", r.identity.DeviceID),
		zap.String("user_id", session.UserID))
	return nil
}

// UnregisterActiveDevice deletes this device's presence record. Failure is
// logged, not fatal: a stale record is cleaned up by another device's
// cleanup tick.
func (r *Registry) UnregisterActiveDevice(ctx context.Context, tenant string) {
	r.mu.Lock()
	r.registered = false
	r.mu.Unlock()

	if err := r.remote.Delete(ctx, tenant, CollectionActiveDevices, r.identity.DeviceID); err != nil {
		r.logger.Warn("device unregister failed",
			zap.String("tenant", tenant),
			zap.String("device_id", r.identity.DeviceID),
			zap.Error(err))
		return
	}
	r.logger.Info("device unregistered",
		zap.String("tenant", tenant),
		zap.String("device_id", r.identity.DeviceID))
}

// Heartbeat refreshes lastActivity on this device's presence record. A
// missing record (for example after a cleanup pass removed it) is
// re-created; a permission failure flips the degraded flag and is swallowed.
func (r *Registry) Heartbeat(ctx context.Context, tenant string) error {
	r.mu.Lock()
	registered := r.registered
	session := r.session
	r.mu.Unlock()

	if !registered {
		return ErrNotRegistered
	}

	now := r.clock().UTC()
	err := r.remote.Update(ctx, tenant, CollectionActiveDevices, r.identity.DeviceID, map[string]any{
		"is_active":       true,
		"last_activity_s": now.Unix(),
	})
	if errors.Is(err, remote.ErrNotFound) {
		err = r.remote.Set(ctx, tenant, CollectionActiveDevices, r.identity.DeviceID, r.presenceRecord(tenant, session, now), remote.MergeReplace)
	}
	if errors.Is(err, remote.ErrPermissionDenied) {
		r.mu.Lock()
		r.degraded = true
		r.mu.Unlock()
		r.logger.Warn("heartbeat denied, degrading to cache-only operation",
			zap.String("tenant", tenant),
			zap.String("device_id", r.identity.DeviceID))
		return nil
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.degraded = false
	r.mu.Unlock()
	return nil
}

// ActiveDeviceIDs returns the sorted ids of devices currently considered
// active: isActive set and heartbeat younger than the offline timeout.
func (r *Registry) ActiveDeviceIDs(ctx context.Context, tenant string) ([]string, error) {
	records, err := r.remote.Query(ctx, tenant, CollectionActiveDevices, nil)
	if err != nil {
		return nil, err
	}

	now := r.clock().UTC()
	ids := make([]string, 0, len(records))
	for _, record := range records {
		presence, err := presenceFromRecord(record)
		if err != nil {
			r.logger.Warn("skipping malformed presence record",
				zap.String("tenant", tenant),
				zap.String("record_id", record.ID),
				zap.Error(err))
			continue
		}
		if !presence.IsActive {
			continue
		}
		if now.Sub(presence.LastActivity) >= r.offlineTimeout {
			continue
		}
		ids = append(ids, presence.DeviceID)
	}
	sort.Strings(ids)
	return ids, nil
}

// CleanupStaleDevices deletes presence records whose heartbeat exceeded the
// offline timeout. They belong to crashed or abandoned sessions.
func (r *Registry) CleanupStaleDevices(ctx context.Context, tenant string) (int, error) {
	records, err := r.remote.Query(ctx, tenant, CollectionActiveDevices, nil)
	if err != nil {
		return 0, err
	}

	now := r.clock().UTC()
	removed := 0
	for _, record := range records {
		presence, err := presenceFromRecord(record)
		if err != nil {
			r.logger.Warn("skipping malformed presence record",
				zap.String("tenant", tenant),
				zap.String("record_id", record.ID),
				zap.Error(err))
			continue
		}
		if presence.IsActive && now.Sub(presence.LastActivity) < r.offlineTimeout {
			continue
		}
		if err := r.remote.Delete(ctx, tenant, CollectionActiveDevices, record.ID); err != nil {
			r.logger.Warn("failed to remove stale device",
				zap.String("tenant", tenant),
				zap.String("device_id", record.ID),
				zap.Error(err))
			continue
		}
		removed++
	}

	if removed > 0 {
		r.logger.Info("removed stale devices",
			zap.String("tenant", tenant),
			zap.Int("count", removed))
	}
	return removed, nil
}

func (r *Registry) presenceRecord(tenant string, session auth.SessionClaims, now time.Time) map[string]any {
	return map[string]any{
		"device_id":       r.identity.DeviceID,
		"device_name":     r.identity.DeviceName,
		"device_type":     r.identity.DeviceType,
		"tenant_id":       tenant,
		"user_id":         session.UserID,
		"user_name":       session.UserDisplayName,
		"user_role":       session.UserRole,
		"is_active":       true,
		"last_activity_s": now.Unix(),
	}
}

func presenceFromRecord(record remote.Record) (Device, error) {
	deviceID, ok := record.Data["device_id"].(string)
	if !ok || deviceID == "" {
		return Device{}, errors.New("missing device_id")
	}

	presence := Device{DeviceID: deviceID}
	presence.DeviceName, _ = record.Data["device_name"].(string)
	presence.DeviceType, _ = record.Data["device_type"].(string)
	presence.TenantID, _ = record.Data["tenant_id"].(string)
	presence.UserID, _ = record.Data["user_id"].(string)
	presence.UserDisplayName, _ = record.Data["user_name"].(string)
	presence.UserRole, _ = record.Data["user_role"].(string)
	presence.IsActive, _ = record.Data["is_active"].(bool)

	seconds, err := numericField(record.Data, "last_activity_s")
	if err != nil {
		return Device{}, err
	}
	presence.LastActivity = time.Unix(seconds, 0).UTC()
	return presence, nil
}

// numericField tolerates both int64 (in-process writes) and float64 (values
// that round-tripped through JSON).
func numericField(data map[string]any, field string) (int64, error) {
	switch value := data[field].(type) {
	case int64:
		return value, nil
	case int:
		return int64(value), nil
	case float64:
		return int64(value), nil
	default:
		return 0, errors.New("missing or non-numeric " + field)
	}
}
