package remote

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store used by the memory remote driver and the
// test suite. It mirrors RedisStore semantics, including change notifications
// to live subscribers, and supports failure injection.
type MemoryStore struct {
	mu          sync.Mutex
	tenants     map[string]map[string]map[string]map[string]any
	subscribers map[string]map[int64]*memorySubscriber
	nextID      int64

	pingErr  error
	writeErr error
	queryErr map[string]error
}

type memorySubscriber struct {
	stream chan ChangeSet
}

// NewMemoryStore constructs an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:     make(map[string]map[string]map[string]map[string]any),
		subscribers: make(map[string]map[int64]*memorySubscriber),
		queryErr:    make(map[string]error),
	}
}

// FailPing makes Ping return the provided error until cleared with nil.
func (s *MemoryStore) FailPing(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

// FailWrites makes Set, Update, and Delete return the provided error until
// cleared with nil.
func (s *MemoryStore) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// FailQuery makes Query on one collection return the provided error.
func (s *MemoryStore) FailQuery(collection string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.queryErr, collection)
		return
	}
	s.queryErr[collection] = err
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *MemoryStore) Get(ctx context.Context, tenant, collection, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.lookup(tenant, collection)[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return Record{ID: id, Data: cloneDocument(data)}, nil
}

func (s *MemoryStore) Set(ctx context.Context, tenant, collection, id string, data map[string]any, mode MergeMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return s.writeErr
	}

	documents := s.ensure(tenant, collection)
	existing, existed := documents[id]
	payload := cloneDocument(data)
	if mode == MergeFields && existed {
		payload = mergeFields(existing, payload)
	}
	documents[id] = payload

	change := ChangeSet{Modified: []Record{{ID: id, Data: cloneDocument(payload)}}}
	if !existed {
		change = ChangeSet{Added: []Record{{ID: id, Data: cloneDocument(payload)}}}
	}
	s.broadcast(tenant, collection, change)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, tenant, collection, id string, partial map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return s.writeErr
	}
	existing, ok := s.lookup(tenant, collection)[id]
	if !ok {
		return ErrNotFound
	}
	merged := mergeFields(existing, partial)
	s.ensure(tenant, collection)[id] = merged

	s.broadcast(tenant, collection, ChangeSet{Modified: []Record{{ID: id, Data: cloneDocument(merged)}}})
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, tenant, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return s.writeErr
	}
	documents := s.lookup(tenant, collection)
	if _, ok := documents[id]; !ok {
		return nil
	}
	delete(documents, id)

	s.broadcast(tenant, collection, ChangeSet{Removed: []Record{{ID: id}}})
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, tenant, collection string, filter Filter) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.queryErr[collection]; ok {
		return nil, err
	}

	documents := s.lookup(tenant, collection)
	records := make([]Record, 0, len(documents))
	for id, data := range documents {
		record := Record{ID: id, Data: cloneDocument(data)}
		if filter != nil && !filter.Matches(record) {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, tenant, collection string) (<-chan ChangeSet, func(), error) {
	key := tenant + "/" + collection
	subscriber := &memorySubscriber{stream: make(chan ChangeSet, subscriptionBacklog)}

	s.mu.Lock()
	s.nextID++
	subscriberID := s.nextID
	if _, ok := s.subscribers[key]; !ok {
		s.subscribers[key] = make(map[int64]*memorySubscriber)
	}
	s.subscribers[key][subscriberID] = subscriber
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers[key], subscriberID)
			close(subscriber.stream)
			s.mu.Unlock()
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return subscriber.stream, cancel, nil
}

// broadcast fans a change out to live subscribers. Callers hold s.mu, which
// also serializes against cancel closing a stream mid-send; sends never block
// because subscriber channels are buffered and drops are acceptable (a full
// reconciliation sweep catches anything a slow consumer misses).
func (s *MemoryStore) broadcast(tenant, collection string, change ChangeSet) {
	for _, subscriber := range s.subscribers[tenant+"/"+collection] {
		select {
		case subscriber.stream <- change:
		default:
		}
	}
}

func (s *MemoryStore) lookup(tenant, collection string) map[string]map[string]any {
	collections, ok := s.tenants[tenant]
	if !ok {
		return nil
	}
	return collections[collection]
}

func (s *MemoryStore) ensure(tenant, collection string) map[string]map[string]any {
	collections, ok := s.tenants[tenant]
	if !ok {
		collections = make(map[string]map[string]map[string]any)
		s.tenants[tenant] = collections
	}
	documents, ok := collections[collection]
	if !ok {
		documents = make(map[string]map[string]any)
		collections[collection] = documents
	}
	return documents
}

func cloneDocument(data map[string]any) map[string]any {
	clone := make(map[string]any, len(data))
	for field, value := range data {
		clone[field] = value
	}
	return clone
}
