package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"repaircoin/services/redemptiond/ledger"
)

const subscriberBuffer = 16

// Filter selects the events a subscriber receives. Empty fields match anything.
type Filter struct {
	CustomerAddress string
	ShopID          string
}

func (f Filter) matches(e Event) bool {
	if f.CustomerAddress != "" && f.CustomerAddress != ledger.NormalizeAddress(e.CustomerAddress) {
		return false
	}
	if f.ShopID != "" && f.ShopID != e.ShopID {
		return false
	}
	return true
}

type subscriber struct {
	filter Filter
	ch     chan Event
}

// Hub is an in-process fan-out of session events to stream subscribers.
// A subscriber that falls behind loses events rather than blocking publishers;
// clients recover by polling.
type Hub struct {
	mu      sync.RWMutex
	next    uint64
	subs    map[uint64]*subscriber
	dropped atomic.Uint64
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a subscriber. The returned cancel function must be
// called to release it; it closes the channel.
func (h *Hub) Subscribe(filter Filter) (<-chan Event, func()) {
	filter.CustomerAddress = ledger.NormalizeAddress(filter.CustomerAddress)
	sub := &subscriber{filter: filter, ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Publish delivers the event to every matching subscriber without blocking.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.filter.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports how many deliveries were skipped for slow subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
