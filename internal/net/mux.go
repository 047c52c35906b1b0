package net

import (
	"sync"

	"replicore/internal/net/proto"
)

type handlerEntry struct {
	id      uint64
	handler Handler
}

// Mux queues inbound envelopes from transport goroutines and dispatches them
// to channel handlers when drained.
type Mux struct {
	mu       sync.Mutex
	queue    []Envelope
	handlers map[proto.Channel][]handlerEntry
	nextID   uint64
	limit    int
	dropped  uint64
}

// DefaultQueueLimit bounds the inbound queue between drains.
const DefaultQueueLimit = 4096

// NewMux returns a mux whose queue holds at most limit envelopes. A
// non-positive limit selects DefaultQueueLimit.
func NewMux(limit int) *Mux {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	return &Mux{handlers: make(map[proto.Channel][]handlerEntry), limit: limit}
}

// Deliver enqueues an envelope. It reports false when the queue is full.
func (m *Mux) Deliver(env Envelope) bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) >= m.limit {
		m.dropped++
		return false
	}
	m.queue = append(m.queue, env)
	return true
}

// DeliverControl enqueues a presence envelope regardless of the queue limit.
// Joins and leaves drive ownership bookkeeping and must never be dropped.
func (m *Mux) DeliverControl(env Envelope) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.queue = append(m.queue, env)
	m.mu.Unlock()
}

// Subscribe registers handler for channel.
func (m *Mux) Subscribe(channel proto.Channel, handler Handler) Subscription {
	if m == nil || handler == nil {
		return noopSubscription{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.handlers[channel] = append(m.handlers[channel], handlerEntry{id: id, handler: handler})
	return &subscription{mux: m, channel: channel, id: id}
}

// Drain dispatches every queued envelope in arrival order and returns how
// many were dispatched. Envelopes enqueued by handlers wait for the next drain.
func (m *Mux) Drain() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	batch := m.queue
	m.queue = nil
	m.mu.Unlock()

	for _, env := range batch {
		m.mu.Lock()
		entries := append([]handlerEntry(nil), m.handlers[env.Channel]...)
		m.mu.Unlock()
		for _, entry := range entries {
			entry.handler(env)
		}
	}
	return len(batch)
}

// Pending reports how many envelopes wait for the next drain.
func (m *Mux) Pending() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Dropped reports how many envelopes overflowed the queue.
func (m *Mux) Dropped() uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

func (m *Mux) remove(channel proto.Channel, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.handlers[channel]
	for i, entry := range entries {
		if entry.id == id {
			m.handlers[channel] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(m.handlers[channel]) == 0 {
		delete(m.handlers, channel)
	}
}

type subscription struct {
	once    sync.Once
	mux     *Mux
	channel proto.Channel
	id      uint64
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() { s.mux.remove(s.channel, s.id) })
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() {}
