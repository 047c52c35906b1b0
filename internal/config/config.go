// Package config assembles the server's immutable startup configuration from
// defaults, an optional YAML file and the environment.
package config

import (
	"os"
	"sort"
	"strings"
	"time"

	jlconfig "github.com/JeremyLoy/config"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"replicore/internal/behavior"
	"replicore/internal/entity"
	"replicore/internal/interp"
	"replicore/logging"
)

type Config struct {
	Server   Server           `yaml:"server"`
	Logging  Logging          `yaml:"logging"`
	Metrics  Metrics          `yaml:"metrics"`
	Classes  map[string]Class `yaml:"classes"`
	Behavior behavior.Config  `yaml:"behavior"`
}

type Server struct {
	Addr            string `yaml:"addr"`
	SimTickHz       int    `yaml:"simTickHz"`
	FrameHz         int    `yaml:"frameHz"`
	CatchupMaxTicks int    `yaml:"catchupMaxTicks"`
	QueueLimit      int    `yaml:"queueLimit"`
}

type Logging struct {
	MinSeverity string `yaml:"minSeverity"`
	// Categories overrides MinSeverity per event category.
	Categories map[string]string `yaml:"categories"`
	Sinks      []string          `yaml:"sinks"`
	JSONPath   string            `yaml:"jsonPath"`
	BufferSize int               `yaml:"bufferSize"`
}

type Metrics struct {
	StatsdAddr string   `yaml:"statsdAddr"`
	Namespace  string   `yaml:"namespace"`
	Tags       []string `yaml:"tags"`
}

// Class tunes one entity class.
type Class struct {
	PublishInterval time.Duration `yaml:"publishInterval"`
	Heartbeat       time.Duration `yaml:"heartbeat"`
	ApproachRate    float64       `yaml:"approachRate"`
	RotationRate    float64       `yaml:"rotationRate"`
	JitterFloor     time.Duration `yaml:"jitterFloor"`
	MaxCatchup      time.Duration `yaml:"maxCatchup"`
	Claimable       bool          `yaml:"claimable"`
}

// UnmarshalYAML fills fields missing from a class entry with the default
// class values.
func (cl *Class) UnmarshalYAML(node *yaml.Node) error {
	type plain Class
	base := plain(class(200*time.Millisecond, true))
	if err := node.Decode(&base); err != nil {
		return err
	}
	*cl = Class(base)
	return nil
}

// Env is the flat environment overlay. Empty values leave the file and
// defaults untouched.
type Env struct {
	ServerAddr  string `config:"SERVER_ADDR"`
	SimTickHz   int    `config:"SIM_TICK_HZ"`
	FrameHz     int    `config:"FRAME_HZ"`
	LogLevel    string `config:"LOG_LEVEL"`
	LogJSONPath string `config:"LOG_JSON_PATH"`
	StatsdAddr  string `config:"STATSD_ADDR"`
}

func class(interval time.Duration, claimable bool) Class {
	smoothing := interp.DefaultConfig()
	return Class{
		PublishInterval: interval,
		Heartbeat:       time.Second,
		ApproachRate:    smoothing.ApproachRate,
		RotationRate:    smoothing.ApproachRate,
		JitterFloor:     smoothing.JitterFloor,
		MaxCatchup:      smoothing.MaxCatchup,
		Claimable:       claimable,
	}
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			SimTickHz:       20,
			FrameHz:         60,
			CatchupMaxTicks: 5,
			QueueLimit:      4096,
		},
		Logging: Logging{
			MinSeverity: "info",
			Sinks:       []string{"console"},
			BufferSize:  512,
		},
		Metrics: Metrics{
			Namespace: "replicore.",
		},
		Classes: map[string]Class{
			entity.DefaultClassName: class(200*time.Millisecond, true),
			"pet":                   class(125*time.Millisecond, true),
			"enemy":                 class(200*time.Millisecond, false),
			"drone":                 class(125*time.Millisecond, true),
			"actor":                 class(150*time.Millisecond, true),
		},
		Behavior: behavior.DefaultConfig(),
	}
}

// Load reads path over the defaults, then applies the environment. An empty
// path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, eris.Wrapf(err, "config: read %s", path)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, eris.Wrapf(err, "config: parse %s", path)
		}
	}
	var env Env
	if err := jlconfig.FromEnv().To(&env); err != nil {
		return Config{}, eris.Wrap(err, "config: environment")
	}
	cfg = cfg.WithEnv(env)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WithEnv returns a copy of c with every non-empty env value applied.
func (c Config) WithEnv(env Env) Config {
	if env.ServerAddr != "" {
		c.Server.Addr = env.ServerAddr
	}
	if env.SimTickHz > 0 {
		c.Server.SimTickHz = env.SimTickHz
	}
	if env.FrameHz > 0 {
		c.Server.FrameHz = env.FrameHz
	}
	if env.LogLevel != "" {
		c.Logging.MinSeverity = strings.ToLower(env.LogLevel)
	}
	if env.LogJSONPath != "" {
		c.Logging.JSONPath = env.LogJSONPath
		if !c.Logging.hasSink("json") {
			c.Logging.Sinks = append(append([]string(nil), c.Logging.Sinks...), "json")
		}
	}
	if env.StatsdAddr != "" {
		c.Metrics.StatsdAddr = env.StatsdAddr
	}
	return c
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return eris.New("config: server.addr is required")
	}
	if c.Server.SimTickHz <= 0 || c.Server.FrameHz <= 0 {
		return eris.New("config: tick rates must be positive")
	}
	if len(c.Classes) == 0 {
		return eris.New("config: at least one entity class is required")
	}
	for _, name := range c.ClassNames() {
		cl := c.Classes[name]
		if cl.PublishInterval <= 0 {
			return eris.Errorf("config: class %s: publishInterval must be positive", name)
		}
		if cl.ApproachRate <= 0 || cl.RotationRate <= 0 {
			return eris.Errorf("config: class %s: approach rates must be positive", name)
		}
		if cl.Heartbeat < 0 || cl.JitterFloor < 0 || cl.MaxCatchup < 0 {
			return eris.Errorf("config: class %s: durations must not be negative", name)
		}
	}
	for _, sink := range c.Logging.Sinks {
		switch sink {
		case "console", "json":
		default:
			return eris.Errorf("config: unknown log sink %q", sink)
		}
	}
	if c.Logging.hasSink("json") && c.Logging.JSONPath == "" {
		return eris.New("config: json sink needs logging.jsonPath")
	}
	if err := c.Behavior.Validate(); err != nil {
		return eris.Wrap(err, "config")
	}
	return nil
}

// SimStep is the fixed simulation step.
func (c Config) SimStep() time.Duration {
	return time.Second / time.Duration(c.Server.SimTickHz)
}

// ClassNames lists the configured classes in name order.
func (c Config) ClassNames() []string {
	names := make([]string, 0, len(c.Classes))
	for name := range c.Classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EntityClasses converts the class table for the runtime.
func (c Config) EntityClasses() map[string]entity.Class {
	out := make(map[string]entity.Class, len(c.Classes))
	for name, cl := range c.Classes {
		out[name] = cl.Entity(name)
	}
	return out
}

// Entity captures the class as the runtime's immutable form.
func (cl Class) Entity(name string) entity.Class {
	return entity.Class{
		Name:            name,
		PublishInterval: cl.PublishInterval,
		Heartbeat:       cl.Heartbeat,
		Position: interp.Config{
			ApproachRate: cl.ApproachRate,
			JitterFloor:  cl.JitterFloor,
			MaxCatchup:   cl.MaxCatchup,
		},
		Rotation: interp.Config{
			ApproachRate: cl.RotationRate,
			JitterFloor:  cl.JitterFloor,
			MaxCatchup:   cl.MaxCatchup,
		},
		Claimable: cl.Claimable,
	}
}

// Router converts the logging section for the event router.
func (l Logging) Router() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = append([]string(nil), l.Sinks...)
	cfg.MinimumSeverity = logging.ParseSeverity(l.MinSeverity)
	cfg.JSON.FilePath = l.JSONPath
	if len(l.Categories) > 0 {
		cfg.Categories = make(map[string]logging.Severity, len(l.Categories))
		for category, sev := range l.Categories {
			cfg.Categories[category] = logging.ParseSeverity(sev)
		}
	}
	if l.BufferSize > 0 {
		cfg.BufferSize = l.BufferSize
	}
	return cfg
}

func (l Logging) hasSink(name string) bool {
	for _, s := range l.Sinks {
		if s == name {
			return true
		}
	}
	return false
}
