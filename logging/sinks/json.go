package sinks

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"replicore/logging"
)

// record is the line format of the JSON sink. Entity references are
// flattened to "kind:id" so lines grep well.
type record struct {
	Time     string         `json:"time"`
	Type     string         `json:"type"`
	Severity string         `json:"severity"`
	Category string         `json:"category,omitempty"`
	Tick     uint64         `json:"tick"`
	Actor    string         `json:"actor"`
	Targets  []string       `json:"targets,omitempty"`
	Payload  any            `json:"payload,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
	TraceID  string         `json:"traceId,omitempty"`
}

func toRecord(event logging.Event) record {
	rec := record{
		Time:     event.Time.UTC().Format(time.RFC3339Nano),
		Type:     string(event.Type),
		Severity: event.Severity.String(),
		Category: event.Category,
		Tick:     event.Tick,
		Actor:    formatEntity(event.Actor),
		Payload:  event.Payload,
		Extra:    event.Extra,
		TraceID:  event.TraceID,
	}
	for _, target := range event.Targets {
		rec.Targets = append(rec.Targets, formatEntity(target))
	}
	return rec
}

// JSON appends one JSON object per event. With a positive flush interval
// lines are buffered and flushed on that cadence; otherwise every write
// flushes.
type JSON struct {
	mu       sync.Mutex
	buf      *bufio.Writer
	enc      *json.Encoder
	buffered bool
	done     chan struct{}
	once     sync.Once
}

func NewJSON(w io.Writer, flushInterval time.Duration) *JSON {
	if w == nil {
		w = io.Discard
	}
	buf := bufio.NewWriter(w)
	s := &JSON{buf: buf, enc: json.NewEncoder(buf), buffered: flushInterval > 0, done: make(chan struct{})}
	if s.buffered {
		go s.flushEvery(flushInterval)
	}
	return s
}

func (s *JSON) Write(event logging.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(toRecord(event)); err != nil {
		return err
	}
	if s.buffered {
		return nil
	}
	return s.buf.Flush()
}

func (s *JSON) Close(context.Context) error {
	s.once.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Flush()
}

func (s *JSON) flushEvery(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			_ = s.buf.Flush()
			s.mu.Unlock()
		}
	}
}
