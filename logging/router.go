package logging

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

type NamedSink struct {
	Name string
	Sink Sink
}

// RouterStats counts events at each stage. Filtered events were below their
// category threshold; dropped events found the queue full.
type RouterStats struct {
	EventsTotal   uint64
	FilteredTotal uint64
	DroppedTotal  uint64
}

// Router fans published events out to its sinks. Publish filters by
// category threshold on the caller's goroutine and never blocks: when the
// queue is saturated the event is dropped and counted.
type Router struct {
	cfg      Config
	clock    Clock
	fallback zerolog.Logger
	queue    chan Event
	lanes    []*lane
	stop     chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool

	forwarded atomic.Uint64
	filtered  atomic.Uint64
	dropped   atomic.Uint64
	nextWarn  atomic.Int64
}

// NewRouter starts a router delivering to sinks. When cfg.EnabledSinks is
// set, only the named sinks are attached and every enabled name must be
// supplied. A nil clock uses the wall clock.
func NewRouter(clock Clock, cfg Config, sinks []NamedSink) (*Router, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.DropWarnInterval <= 0 {
		cfg.DropWarnInterval = DefaultConfig().DropWarnInterval
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = DefaultConfig().RetryCap
	}
	cfg.Fields = cloneExtra(cfg.Fields)

	supplied := make(map[string]bool, len(sinks))
	for _, named := range sinks {
		if named.Sink != nil {
			supplied[named.Name] = true
		}
	}
	for _, name := range cfg.EnabledSinks {
		if !supplied[name] {
			return nil, eris.Errorf("logging: sink %q is enabled but was not provided", name)
		}
	}

	r := &Router{
		cfg:      cfg,
		clock:    clock,
		fallback: zerolog.New(os.Stderr).With().Timestamp().Str("component", "logging").Logger(),
		queue:    make(chan Event, cfg.BufferSize),
		stop:     make(chan struct{}),
	}
	laneDepth := min(max(cfg.BufferSize/4, 32), 1024)
	for _, named := range sinks {
		if named.Sink == nil || (len(cfg.EnabledSinks) > 0 && !cfg.HasSink(named.Name)) {
			continue
		}
		r.lanes = append(r.lanes, &lane{
			name:     named.Name,
			sink:     named.Sink,
			events:   make(chan Event, laneDepth),
			retryCap: cfg.RetryCap,
			fallback: r.fallback,
		})
	}

	r.wg.Add(1 + len(r.lanes))
	go r.dispatch()
	for _, l := range r.lanes {
		go func(l *lane) {
			defer r.wg.Done()
			l.run()
		}(l)
	}
	return r, nil
}

func (r *Router) Publish(_ context.Context, event Event) {
	if event.Type == "" || r.closed.Load() {
		return
	}
	if event.Severity < r.cfg.Threshold(event.Category) {
		r.filtered.Add(1)
		return
	}
	select {
	case r.queue <- event:
	default:
		r.dropped.Add(1)
		r.warnDrop(event)
	}
}

func (r *Router) warnDrop(event Event) {
	now := r.clock.Now().UnixNano()
	next := r.nextWarn.Load()
	if now < next {
		return
	}
	if r.nextWarn.CompareAndSwap(next, now+r.cfg.DropWarnInterval.Nanoseconds()) {
		r.fallback.Warn().
			Str("type", string(event.Type)).
			Uint64("tick", event.Tick).
			Uint64("dropped", r.dropped.Load()).
			Msg("event queue full")
	}
}

// dispatch moves events from the shared queue to every lane. After stop it
// flushes whatever is still queued, then closes the lanes.
func (r *Router) dispatch() {
	defer r.wg.Done()
	defer func() {
		for _, l := range r.lanes {
			close(l.events)
		}
	}()
	for {
		select {
		case event := <-r.queue:
			r.fanout(event)
		case <-r.stop:
			for {
				select {
				case event := <-r.queue:
					r.fanout(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) fanout(event Event) {
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	if event.TraceID == "" {
		event.TraceID = uuid.NewString()
	}
	event = stampFields(event, r.cfg.Fields)
	r.forwarded.Add(1)
	for _, l := range r.lanes {
		l.offer(event.Clone())
	}
}

// Close stops accepting events, waits until every lane has written its
// backlog and closes the sinks. Sink close errors are joined.
func (r *Router) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.stop)
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "logging: close")
	}
	var errs []error
	for _, l := range r.lanes {
		if err := l.sink.Close(ctx); err != nil {
			errs = append(errs, eris.Wrapf(err, "logging: close sink %s", l.name))
		}
	}
	return errors.Join(errs...)
}

func (r *Router) Stats() RouterStats {
	return RouterStats{
		EventsTotal:   r.forwarded.Load(),
		FilteredTotal: r.filtered.Load(),
		DroppedTotal:  r.dropped.Load(),
	}
}

// Sink returns the attached sink called name, or nil.
func (r *Router) Sink(name string) Sink {
	for _, l := range r.lanes {
		if l.name == name {
			return l.sink
		}
	}
	return nil
}

// lane serialises writes to one sink. A failing sink backs off
// exponentially, capped at retryCap, so it cannot spin.
type lane struct {
	name     string
	sink     Sink
	events   chan Event
	retryCap time.Duration
	fallback zerolog.Logger
	failures int
}

func (l *lane) offer(event Event) {
	select {
	case l.events <- event:
	default:
		l.fallback.Warn().Str("sink", l.name).Str("type", string(event.Type)).Msg("sink backlog full")
	}
}

func (l *lane) run() {
	for event := range l.events {
		if l.failures > 0 {
			time.Sleep(l.backoff())
		}
		if err := l.sink.Write(event); err != nil {
			l.failures++
			l.fallback.Error().Err(err).Str("sink", l.name).Int("failures", l.failures).Msg("sink write failed")
			continue
		}
		l.failures = 0
	}
}

func (l *lane) backoff() time.Duration {
	delay := time.Second << min(l.failures-1, 5)
	return min(delay, l.retryCap)
}

func stampFields(event Event, fields map[string]any) Event {
	if len(fields) == 0 {
		return event
	}
	event = event.Clone()
	if event.Extra == nil {
		event.Extra = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		if _, set := event.Extra[k]; !set {
			event.Extra[k] = v
		}
	}
	return event
}

func cloneExtra(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
