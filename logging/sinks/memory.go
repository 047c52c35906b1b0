package sinks

import (
	"context"
	"sync"

	"replicore/logging"
)

// MemorySink records events for assertions. It doubles as a synchronous
// logging.Publisher, so tests can skip the router entirely.
type MemorySink struct {
	mu     sync.RWMutex
	events []logging.Event
}

var (
	_ logging.Sink      = (*MemorySink)(nil)
	_ logging.Publisher = (*MemorySink)(nil)
)

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(event logging.Event) error {
	s.mu.Lock()
	s.events = append(s.events, event.Clone())
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Publish(_ context.Context, event logging.Event) {
	_ = s.Write(event)
}

// Events returns every recorded event in arrival order.
func (s *MemorySink) Events() []logging.Event {
	return s.filter(func(logging.Event) bool { return true })
}

// OfType returns the recorded events with the given type.
func (s *MemorySink) OfType(eventType logging.EventType) []logging.Event {
	return s.filter(func(e logging.Event) bool { return e.Type == eventType })
}

// OfCategory returns the recorded events in category.
func (s *MemorySink) OfCategory(category string) []logging.Event {
	return s.filter(func(e logging.Event) bool { return e.Category == category })
}

func (s *MemorySink) filter(keep func(logging.Event) bool) []logging.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]logging.Event, 0, len(s.events))
	for _, e := range s.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func (s *MemorySink) Reset() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}

func (s *MemorySink) Close(context.Context) error { return nil }
