package sync

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tavolalabs/tavola/syncd/internal/localstore"
	"github.com/tavolalabs/tavola/syncd/internal/remote"
)

const testTenant = "resto-1"

var syncTestCounter int

func newTestLocalStore(t *testing.T) *localstore.Store {
	t.Helper()
	syncTestCounter++
	dsn := fmt.Sprintf("file:sync-test-%d?mode=memory&cache=shared", syncTestCounter)
	db, err := localstore.OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	store, err := localstore.NewStore(localstore.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build local store: %v", err)
	}
	return store
}

// onlineFlag is a toggleable connectivity signal for queue tests.
type onlineFlag struct {
	online atomic.Bool
}

func (f *onlineFlag) set(online bool) {
	f.online.Store(online)
}

func (f *onlineFlag) isOnline() bool {
	return f.online.Load()
}

// recordingStore wraps a MemoryStore and logs the order of remote writes.
type recordingStore struct {
	*remote.MemoryStore

	mu     chan struct{}
	writes []string
	failID string
}

func newRecordingStore() *recordingStore {
	store := &recordingStore{
		MemoryStore: remote.NewMemoryStore(),
		mu:          make(chan struct{}, 1),
	}
	store.mu <- struct{}{}
	return store
}

func (s *recordingStore) Set(ctx context.Context, tenant, collection, id string, data map[string]any, mode remote.MergeMode) error {
	if collection != CollectionSyncEvents && collection != CollectionOrderLogs {
		if s.shouldFail(id) {
			return remote.ErrUnavailable
		}
		s.record(collection + "/" + id)
	}
	return s.MemoryStore.Set(ctx, tenant, collection, id, data, mode)
}

func (s *recordingStore) Delete(ctx context.Context, tenant, collection, id string) error {
	if collection != CollectionSyncEvents && collection != CollectionOrderLogs {
		if s.shouldFail(id) {
			return remote.ErrUnavailable
		}
		s.record(collection + "/" + id + "/delete")
	}
	return s.MemoryStore.Delete(ctx, tenant, collection, id)
}

func (s *recordingStore) failOn(id string) {
	<-s.mu
	s.failID = id
	s.mu <- struct{}{}
}

func (s *recordingStore) shouldFail(id string) bool {
	<-s.mu
	failed := s.failID == id
	s.mu <- struct{}{}
	return failed
}

func (s *recordingStore) record(entry string) {
	<-s.mu
	s.writes = append(s.writes, entry)
	s.mu <- struct{}{}
}

func (s *recordingStore) recordedWrites() []string {
	<-s.mu
	writes := append([]string(nil), s.writes...)
	s.mu <- struct{}{}
	return writes
}

// waitUntil polls the condition until it holds or the deadline passes.
func waitUntil(t *testing.T, deadline time.Duration, description string, condition func() bool) {
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

type sequenceIDProvider struct {
	counter atomic.Int64
	prefix  string
}

func (p *sequenceIDProvider) NewID() (string, error) {
	return fmt.Sprintf("%s-%d", p.prefix, p.counter.Add(1)), nil
}
