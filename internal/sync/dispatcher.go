package sync

import (
	"context"
	stdsync "sync"
	"time"
)

const dispatcherBufferSize = 16

// Notification tells callers that records in one collection changed and the
// cache already reflects it.
type Notification struct {
	Collection string
	Action     Action
	RecordIDs  []string
	Timestamp  time.Time
}

// StatusMessage is one observability emission from the orchestrator.
type StatusMessage struct {
	Message string
	At      time.Time
}

// Status topics for the status dispatcher.
const (
	TopicSyncProgress = "sync_progress"
	TopicSyncError    = "sync_error"
)

// Dispatcher fans values out to every subscriber of a topic. Multiple
// independent subscribers per topic are supported; a slow subscriber drops
// messages instead of blocking the publisher.
type Dispatcher[T any] struct {
	mu          stdsync.RWMutex
	subscribers map[string]map[int64]*dispatcherSubscriber[T]
	nextID      int64
}

type dispatcherSubscriber[T any] struct {
	id     int64
	stream chan T
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher[T any]() *Dispatcher[T] {
	return &Dispatcher[T]{
		subscribers: make(map[string]map[int64]*dispatcherSubscriber[T]),
	}
}

// Subscribe registers a subscriber for the topic. The subscription ends when
// the context is cancelled or the returned cleanup function runs; both are
// safe to trigger multiple times.
func (d *Dispatcher[T]) Subscribe(ctx context.Context, topic string) (<-chan T, func()) {
	if topic == "" {
		stream := make(chan T)
		close(stream)
		return stream, func() {}
	}

	subscriber := &dispatcherSubscriber[T]{
		id:     d.nextSequence(),
		stream: make(chan T, dispatcherBufferSize),
	}
	d.registerSubscriber(topic, subscriber)

	var once stdsync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(topic, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the value to every current subscriber of the topic.
func (d *Dispatcher[T]) Publish(topic string, value T) {
	if topic == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[topic]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*dispatcherSubscriber[T], 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()

	for _, subscriber := range copies {
		select {
		case subscriber.stream <- value:
		default:
		}
	}
}

func (d *Dispatcher[T]) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher[T]) registerSubscriber(topic string, subscriber *dispatcherSubscriber[T]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*dispatcherSubscriber[T])
	}
	d.subscribers[topic][subscriber.id] = subscriber
}

func (d *Dispatcher[T]) unregisterSubscriber(topic string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}
