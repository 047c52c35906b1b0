package telemetry

import (
	"fmt"
	"sort"
	"sync"

	ddstatsd "github.com/DataDog/datadog-go/v5/statsd"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Logger exposes the logging capabilities required by server components.
type Logger interface {
	Printf(format string, args ...any)
}

// LoggerFunc adapts functions into the Logger interface.
type LoggerFunc func(format string, args ...any)

// Printf implements Logger for LoggerFunc.
func (f LoggerFunc) Printf(format string, args ...any) {
	if f == nil {
		return
	}
	f(format, args...)
}

// WrapZerolog adapts a zerolog logger to the Logger interface.
func WrapZerolog(logger zerolog.Logger) Logger {
	return &zerologAdapter{logger: logger}
}

type zerologAdapter struct {
	logger zerolog.Logger
}

func (l *zerologAdapter) Printf(format string, args ...any) {
	l.logger.Info().Msg(fmt.Sprintf(format, args...))
}

// Metrics exposes the telemetry methods required by server components.
type Metrics interface {
	Add(key string, delta uint64)
	Store(key string, value uint64)
}

// NopMetrics discards every measurement.
type NopMetrics struct{}

func (NopMetrics) Add(string, uint64)   {}
func (NopMetrics) Store(string, uint64) {}

// Statsd forwards counters and gauges to a DogStatsD agent.
type Statsd struct {
	client ddstatsd.ClientInterface
	tags   []string
}

// NewStatsd dials the agent at address. An empty address yields a no-op client
// so callers never need to special-case disabled metrics.
func NewStatsd(address, namespace string, tags []string) (*Statsd, error) {
	if address == "" {
		return &Statsd{client: &ddstatsd.NoOpClient{}}, nil
	}
	opts := []ddstatsd.Option{ddstatsd.WithNamespace(namespace)}
	if len(tags) > 0 {
		opts = append(opts, ddstatsd.WithTags(tags))
	}
	client, err := ddstatsd.New(address, opts...)
	if err != nil {
		return nil, eris.Wrapf(err, "statsd client for %s", address)
	}
	return &Statsd{client: client}, nil
}

func (s *Statsd) Add(key string, delta uint64) {
	_ = s.client.Count(key, int64(delta), s.tags, 1)
}

func (s *Statsd) Store(key string, value uint64) {
	_ = s.client.Gauge(key, float64(value), s.tags, 1)
}

func (s *Statsd) Close() error {
	return s.client.Close()
}

// Counters keeps metrics in memory; used by tests and the debug endpoint.
type Counters struct {
	mu     sync.Mutex
	values map[string]uint64
}

func NewCounters() *Counters {
	return &Counters{values: make(map[string]uint64)}
}

func (c *Counters) Add(key string, delta uint64) {
	c.mu.Lock()
	c.values[key] += delta
	c.mu.Unlock()
}

func (c *Counters) Store(key string, value uint64) {
	c.mu.Lock()
	c.values[key] = value
	c.mu.Unlock()
}

func (c *Counters) Get(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key]
}

// Snapshot returns a copy of every recorded value.
func (c *Counters) Snapshot() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Keys lists recorded metric names in order.
func (c *Counters) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Fanout sends every measurement to each of the provided sinks.
func Fanout(metrics ...Metrics) Metrics {
	return fanout(metrics)
}

type fanout []Metrics

func (f fanout) Add(key string, delta uint64) {
	for _, m := range f {
		if m != nil {
			m.Add(key, delta)
		}
	}
}

func (f fanout) Store(key string, value uint64) {
	for _, m := range f {
		if m != nil {
			m.Store(key, value)
		}
	}
}
