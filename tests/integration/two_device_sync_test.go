package integration_test

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tavolalabs/tavola/syncd/internal/auth"
	"github.com/tavolalabs/tavola/syncd/internal/device"
	"github.com/tavolalabs/tavola/syncd/internal/localstore"
	"github.com/tavolalabs/tavola/syncd/internal/remote"
	"github.com/tavolalabs/tavola/syncd/internal/sync"
)

const (
	integrationTenant = "trattoria-7"
	integrationSecret = "integration-secret"
	integrationIssuer = "tavola-auth"
)

var agentCounter int

// agent is one full on-device stack: its own SQLite cache and orchestrator,
// sharing only the remote store with its peers.
type agent struct {
	deviceID     string
	local        *localstore.Store
	orchestrator *sync.Orchestrator
}

func newAgent(t *testing.T, store remote.Store, deviceID string) *agent {
	t.Helper()

	agentCounter++
	dsn := fmt.Sprintf("file:integration-agent-%d?mode=memory&cache=shared", agentCounter)
	db, err := localstore.OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open sqlite for %s: %v", deviceID, err)
	}
	local, err := localstore.NewStore(localstore.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build local store for %s: %v", deviceID, err)
	}

	registry, err := device.NewRegistry(device.RegistryConfig{
		Remote: store,
		Identity: localstore.Identity{
			DeviceID:   deviceID,
			DeviceName: deviceID,
			DeviceType: "register",
			CreatedAt:  time.Now().UTC(),
		},
	})
	if err != nil {
		t.Fatalf("failed to build registry for %s: %v", deviceID, err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(integrationSecret),
		Issuer:        integrationIssuer,
	})
	if err != nil {
		t.Fatalf("failed to build validator for %s: %v", deviceID, err)
	}

	orchestrator, err := sync.NewOrchestrator(sync.OrchestratorConfig{
		Remote:               store,
		Local:                local,
		Registry:             registry,
		SessionValidator:     validator,
		HeartbeatInterval:    25 * time.Millisecond,
		BackgroundInterval:   30 * time.Millisecond,
		CleanupInterval:      50 * time.Millisecond,
		ConnectivityInterval: 20 * time.Millisecond,
		PresenceDebounce:     20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build orchestrator for %s: %v", deviceID, err)
	}

	return &agent{deviceID: deviceID, local: local, orchestrator: orchestrator}
}

func (a *agent) connect(t *testing.T) {
	t.Helper()
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(integrationSecret),
		Issuer:        integrationIssuer,
		SessionTTL:    time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	token, err := issuer.IssueSessionToken("user-"+a.deviceID, "Operator", "server", integrationTenant)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	if err := a.orchestrator.Connect(context.Background(), integrationTenant, token); err != nil {
		t.Fatalf("%s failed to connect: %v", a.deviceID, err)
	}
}

func waitFor(t *testing.T, deadline time.Duration, description string, condition func() bool) {
	t.Helper()
	expire := time.After(deadline)
	for {
		if condition() {
			return
		}
		select {
		case <-expire:
			t.Fatalf("timed out waiting for %s", description)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestTwoDeviceChangePropagation(t *testing.T) {
	store := remote.NewMemoryStore()
	ctx := context.Background()

	registerDevice := newAgent(t, store, "register-1")
	kitchenDevice := newAgent(t, store, "kitchen-1")

	registerDevice.connect(t)
	defer registerDevice.orchestrator.Disconnect(ctx)
	kitchenDevice.connect(t)
	defer kitchenDevice.orchestrator.Disconnect(ctx)

	kitchenStream, kitchenCleanup := kitchenDevice.orchestrator.OnCollectionChanged(ctx, "orders")
	defer kitchenCleanup()
	registerStream, registerCleanup := registerDevice.orchestrator.OnCollectionChanged(ctx, "orders")
	defer registerCleanup()

	orderID, err := registerDevice.orchestrator.CreateOrUpdate(ctx, "orders", map[string]any{
		"table":  4,
		"status": "open",
		"total":  36.5,
	})
	if err != nil {
		t.Fatalf("order creation failed: %v", err)
	}

	// The kitchen display hears about the order exactly once.
	select {
	case notification := <-kitchenStream:
		if len(notification.RecordIDs) != 1 || notification.RecordIDs[0] != orderID {
			t.Fatalf("kitchen received wrong notification %+v", notification)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("kitchen never heard about the new order")
	}
	select {
	case notification := <-kitchenStream:
		t.Fatalf("kitchen heard about the order twice: %+v", notification)
	case <-time.After(150 * time.Millisecond):
	}

	// The register never hears its own change back.
	select {
	case notification := <-registerStream:
		t.Fatalf("register observed its own change: %+v", notification)
	case <-time.After(150 * time.Millisecond):
	}

	// The order body lands in the kitchen's cache through the data stream.
	waitFor(t, 2*time.Second, "order to reach the kitchen cache", func() bool {
		document, found, err := kitchenDevice.local.GetDocument(ctx, "orders", orderID)
		return err == nil && found && document.Data["status"] == "open"
	})

	// A status update from the kitchen flows back to the register.
	if _, err := kitchenDevice.orchestrator.CreateOrUpdate(ctx, "orders", map[string]any{
		"id":     orderID,
		"status": "ready",
	}); err != nil {
		t.Fatalf("order update failed: %v", err)
	}
	select {
	case notification := <-registerStream:
		if notification.RecordIDs[0] != orderID {
			t.Fatalf("register received wrong notification %+v", notification)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("register never heard about the status update")
	}
}

func TestTwoDevicePresenceVisibility(t *testing.T) {
	store := remote.NewMemoryStore()
	ctx := context.Background()

	registerDevice := newAgent(t, store, "register-1")
	managerDevice := newAgent(t, store, "manager-1")

	registerDevice.connect(t)
	defer registerDevice.orchestrator.Disconnect(ctx)
	managerDevice.connect(t)
	defer managerDevice.orchestrator.Disconnect(ctx)

	waitFor(t, 2*time.Second, "register to see both devices", func() bool {
		ids := registerDevice.orchestrator.ActiveDeviceIDs()
		return slices.Contains(ids, "register-1") && slices.Contains(ids, "manager-1")
	})
	waitFor(t, 2*time.Second, "manager to see both devices", func() bool {
		ids := managerDevice.orchestrator.ActiveDeviceIDs()
		return slices.Contains(ids, "register-1") && slices.Contains(ids, "manager-1")
	})

	managerDevice.orchestrator.Disconnect(ctx)
	waitFor(t, 2*time.Second, "register to see the manager leave", func() bool {
		return !slices.Contains(registerDevice.orchestrator.ActiveDeviceIDs(), "manager-1")
	})
}
