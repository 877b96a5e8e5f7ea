// Package realtime fans out row-insert events to in-process subscribers.
package realtime

import (
	"context"
	"sync"
	"time"
)

const (
	TableNotes    = "notes"
	TableComments = "comments"
	TableFollows  = "follows"
	TableCheers   = "cheers"

	defaultBufferSize = 64
)

// InsertEvent describes a newly inserted row. Row carries the raw column values.
type InsertEvent struct {
	Table     string            `json:"table"`
	Row       map[string]string `json:"row"`
	Timestamp time.Time         `json:"timestamp"`
	Origin    string            `json:"origin,omitempty"`
}

// Filter scopes a subscription to a table and an optional column equality.
type Filter struct {
	Table  string
	Column string
	Value  string
}

// Matches reports whether the event satisfies the filter.
func (f Filter) Matches(event InsertEvent) bool {
	if f.Table != event.Table {
		return false
	}
	if f.Column == "" {
		return true
	}
	value, ok := event.Row[f.Column]
	return ok && value == f.Value
}

// Publisher accepts insert events.
type Publisher interface {
	Publish(event InsertEvent)
}

// Hub keeps per-table subscriber registries and delivers events without blocking publishers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	filter Filter
	stream chan InsertEvent
	once   sync.Once
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a subscriber for events matching filter. The returned cleanup
// unregisters the subscriber and closes the stream; it is also invoked when ctx ends.
// No event is delivered after cleanup returns.
func (h *Hub) Subscribe(ctx context.Context, filter Filter) (<-chan InsertEvent, func()) {
	if filter.Table == "" {
		ch := make(chan InsertEvent)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		filter: filter,
		stream: make(chan InsertEvent, h.bufferSize),
	}
	h.registerSubscriber(sub)
	cleanup := func() {
		h.unregisterSubscriber(sub)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the event to every matching subscriber. Subscribers with a full buffer miss the event.
func (h *Hub) Publish(event InsertEvent) {
	if event.Table == "" {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subscribers[event.Table] {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.stream <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of live subscribers for table.
func (h *Hub) SubscriberCount(table string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[table])
}

func (h *Hub) registerSubscriber(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub.id = h.nextID
	if _, ok := h.subscribers[sub.filter.Table]; !ok {
		h.subscribers[sub.filter.Table] = make(map[int64]*subscriber)
	}
	h.subscribers[sub.filter.Table][sub.id] = sub
}

func (h *Hub) unregisterSubscriber(sub *subscriber) {
	sub.once.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subscribers := h.subscribers[sub.filter.Table]
		if subscribers != nil {
			delete(subscribers, sub.id)
			if len(subscribers) == 0 {
				delete(h.subscribers, sub.filter.Table)
			}
		}
		close(sub.stream)
	})
}
