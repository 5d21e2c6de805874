package device

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tavolalabs/tavola/syncd/internal/localstore"
)

const fallbackDeviceName = "tavola-device"

var errMissingLocalStore = errors.New("identity manager: local store is required")

// IDProvider issues new device identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// IdentityConfig configures the device identity manager.
type IdentityConfig struct {
	Local      *localstore.Store
	IDProvider IDProvider
	DeviceName string
	DeviceType string
	Clock      func() time.Time
	Logger     *zap.Logger
}

// IdentityManager owns the device's stable identity: generated exactly once
// at first launch, persisted locally, identical across restarts.
type IdentityManager struct {
	local      *localstore.Store
	idProvider IDProvider
	deviceName string
	deviceType string
	clock      func() time.Time
	logger     *zap.Logger
}

// NewIdentityManager constructs an IdentityManager.
func NewIdentityManager(cfg IdentityConfig) (*IdentityManager, error) {
	if cfg.Local == nil {
		return nil, errMissingLocalStore
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityManager{
		local:      cfg.Local,
		idProvider: idProvider,
		deviceName: strings.TrimSpace(cfg.DeviceName),
		deviceType: strings.TrimSpace(cfg.DeviceType),
		clock:      clock,
		logger:     logger,
	}, nil
}

// EnsureDeviceIdentity loads the persisted device identity, generating and
// persisting a new one exactly once if none exists. Idempotent.
func (m *IdentityManager) EnsureDeviceIdentity(ctx context.Context) (localstore.Identity, error) {
	identity, found, err := m.local.LoadIdentity(ctx)
	if err != nil {
		return localstore.Identity{}, err
	}
	if found {
		return identity, nil
	}

	deviceID, err := m.idProvider.NewID()
	if err != nil {
		return localstore.Identity{}, err
	}

	identity = localstore.Identity{
		DeviceID:   deviceID,
		DeviceName: m.resolveDeviceName(),
		DeviceType: m.deviceType,
		CreatedAt:  m.clock().UTC(),
	}
	if identity.DeviceType == "" {
		identity.DeviceType = "register"
	}

	if err := m.local.SaveIdentity(ctx, identity); err != nil {
		return localstore.Identity{}, err
	}

	m.logger.Info("device identity generated",
		zap.String("device_id", identity.DeviceID),
		zap.String("device_name", identity.DeviceName),
		zap.String("device_type", identity.DeviceType))

	return identity, nil
}

func (m *IdentityManager) resolveDeviceName() string {
	if m.deviceName != "" {
		return m.deviceName
	}
	if hostname, err := os.Hostname(); err == nil && strings.TrimSpace(hostname) != "" {
		return hostname
	}
	return fallbackDeviceName
}
