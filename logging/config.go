package logging

import "time"

// Config is captured by NewRouter; later edits have no effect.
type Config struct {
	// EnabledSinks names the sinks the router attaches. Empty attaches every
	// sink handed to NewRouter.
	EnabledSinks []string
	BufferSize   int
	// MinimumSeverity applies to categories without an entry in Categories.
	MinimumSeverity Severity
	// Categories overrides the threshold per event category, e.g. ownership
	// at debug while replication stays at warn.
	Categories map[string]Severity
	// Fields are stamped into every event's Extra unless already set.
	Fields  map[string]any
	JSON    JSONConfig
	Console ConsoleConfig
	// DropWarnInterval rate-limits the warning logged when the queue overflows.
	DropWarnInterval time.Duration
	// RetryCap bounds the backoff applied to a sink after failed writes.
	RetryCap time.Duration
}

type JSONConfig struct {
	FilePath      string
	FlushInterval time.Duration
}

type ConsoleConfig struct {
	UseColor bool
}

func DefaultConfig() Config {
	return Config{
		EnabledSinks:     []string{"console"},
		BufferSize:       512,
		MinimumSeverity:  SeverityInfo,
		DropWarnInterval: 5 * time.Second,
		RetryCap:         30 * time.Second,
		JSON:             JSONConfig{FlushInterval: 2 * time.Second},
	}
}

// HasSink reports whether name is enabled.
func (c Config) HasSink(name string) bool {
	for _, enabled := range c.EnabledSinks {
		if enabled == name {
			return true
		}
	}
	return false
}

// Threshold is the lowest severity forwarded for category.
func (c Config) Threshold(category string) Severity {
	if sev, ok := c.Categories[category]; ok {
		return sev
	}
	return c.MinimumSeverity
}
