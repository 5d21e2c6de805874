package device

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tavolalabs/tavola/syncd/internal/localstore"
)

var identityTestCounter int

func newTestLocalStore(t *testing.T) *localstore.Store {
	t.Helper()
	identityTestCounter++
	dsn := fmt.Sprintf("file:device-test-%d?mode=memory&cache=shared", identityTestCounter)
	db, err := localstore.OpenSQLite(dsn, zap.NewNop())
	require.NoError(t, err)

	store, err := localstore.NewStore(localstore.StoreConfig{Database: db})
	require.NoError(t, err)
	return store
}

func TestEnsureDeviceIdentityIsIdempotent(t *testing.T) {
	local := newTestLocalStore(t)
	manager, err := NewIdentityManager(IdentityConfig{
		Local:      local,
		DeviceName: "Front Register",
		DeviceType: "register",
		Clock:      func() time.Time { return time.Unix(1767000000, 0).UTC() },
	})
	require.NoError(t, err)

	first, err := manager.EnsureDeviceIdentity(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, first.DeviceID)

	second, err := manager.EnsureDeviceIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.DeviceID, second.DeviceID, "device id must be stable within a process lifetime")
}

func TestEnsureDeviceIdentitySurvivesManagerRestart(t *testing.T) {
	local := newTestLocalStore(t)

	build := func() *IdentityManager {
		manager, err := NewIdentityManager(IdentityConfig{
			Local:      local,
			DeviceName: "Kitchen Display",
			DeviceType: "kitchen_display",
		})
		require.NoError(t, err)
		return manager
	}

	first, err := build().EnsureDeviceIdentity(context.Background())
	require.NoError(t, err)

	// A new manager over the same local store models an app restart.
	second, err := build().EnsureDeviceIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.DeviceID, second.DeviceID, "device id must survive restarts")
}

func TestEnsureDeviceIdentityUsesStaticIDProvider(t *testing.T) {
	local := newTestLocalStore(t)
	manager, err := NewIdentityManager(IdentityConfig{
		Local:      local,
		IDProvider: staticIDProvider{id: "device-fixed"},
		DeviceType: "manager_tablet",
	})
	require.NoError(t, err)

	identity, err := manager.EnsureDeviceIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "device-fixed", identity.DeviceID)
	assert.NotEmpty(t, identity.DeviceName, "device name falls back to the hostname")
}

type staticIDProvider struct {
	id string
}

func (p staticIDProvider) NewID() (string, error) {
	return p.id, nil
}
