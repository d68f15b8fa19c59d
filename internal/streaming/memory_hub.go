package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 256

type subscriber struct {
	ch     chan Notification
	filter Filter
}

// MemoryHub is an in-process Notifier that fans notifications out to
// channel subscribers.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	seq    atomic.Uint64
	buffer int
	drops  atomic.Uint64
}

// NewMemoryHub creates a hub whose subscriber channels hold buffer
// notifications (a default is used when buffer <= 0).
func NewMemoryHub(buffer int) *MemoryHub {
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	return &MemoryHub{
		subs:   make(map[uint64]*subscriber),
		buffer: buffer,
	}
}

// Notify sends n to all matching subscribers without blocking. A notification
// is dropped for a subscriber whose channel is full.
func (h *MemoryHub) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.filter.match(n) {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			h.drops.Add(1)
		}
	}
	return nil
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan Notification, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan Notification, h.buffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

// Dropped returns the number of notifications dropped for slow subscribers.
func (h *MemoryHub) Dropped() uint64 { return h.drops.Load() }

var _ Notifier = (*MemoryHub)(nil)
