package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const subscriberBuffer = 64

// HubOption configures a MemoryHub.
type HubOption func(*MemoryHub)

// WithDropHook registers fn to be called with the event type of every event
// dropped because a subscriber was not keeping up.
func WithDropHook(fn func(eventType string)) HubOption {
	return func(h *MemoryHub) { h.onDrop = fn }
}

// MemoryHub fans status events out to in-process subscribers. Publishing
// never blocks: a subscriber whose buffer is full misses the event.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	nextID  atomic.Uint64
	dropped atomic.Uint64
	onDrop  func(eventType string)
}

type subscription struct {
	ch     chan StreamEvent
	filter EventFilter
}

func NewMemoryHub(opts ...HubOption) *MemoryHub {
	h := &MemoryHub{subs: make(map[uint64]*subscription)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish delivers event to every matching subscriber. A zero Timestamp is
// set to the current UTC time.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
			if h.onDrop != nil {
				h.onDrop(event.EventType)
			}
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. The channel is closed when
// the returned cancel function is called or ctx ends, whichever comes first.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.nextID.Add(1)
	sub := &subscription{ch: make(chan StreamEvent, subscriberBuffer), filter: filter}
	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	stop := context.AfterFunc(ctx, cancel)

	return sub.ch, func() {
		stop()
		cancel()
	}, nil
}

// SubscriberCount returns the number of open subscriptions.
func (h *MemoryHub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (h *MemoryHub) Dropped() uint64 { return h.dropped.Load() }

// Matches reports whether e passes every criterion set on f. Empty criteria
// match anything.
func (f EventFilter) Matches(e StreamEvent) bool {
	switch {
	case f.OrganizationID != "" && f.OrganizationID != e.OrganizationID:
		return false
	case f.ExecutionID != "" && f.ExecutionID != e.ExecutionID:
		return false
	case f.JobID != "" && f.JobID != e.JobID:
		return false
	case len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType):
		return false
	}
	return true
}

var _ EventHub = (*MemoryHub)(nil)
