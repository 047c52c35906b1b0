package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replicore/internal/entity"
	"replicore/logging"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replicore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 50*time.Millisecond, cfg.SimStep())
	assert.Equal(t, []string{"actor", "default", "drone", "enemy", "pet"}, cfg.ClassNames())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
server:
  addr: ":9090"
  simTickHz: 30
classes:
  pet:
    publishInterval: 150ms
  crate:
    publishInterval: 250ms
    claimable: false
behavior:
  leashRadius: 30
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 30, cfg.Server.SimTickHz)
	assert.Equal(t, 60, cfg.Server.FrameHz)

	pet := cfg.Classes["pet"]
	assert.Equal(t, 150*time.Millisecond, pet.PublishInterval)
	assert.Equal(t, time.Second, pet.Heartbeat)
	assert.Equal(t, 10.0, pet.ApproachRate)
	assert.True(t, pet.Claimable)

	assert.False(t, cfg.Classes["crate"].Claimable)
	assert.Contains(t, cfg.Classes, "enemy")
	assert.Equal(t, 30.0, cfg.Behavior.LeashRadius)
	assert.Equal(t, 8.0, cfg.Behavior.AggroRadius)
}

func TestLoadAppliesEnvironment(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":7000")
	t.Setenv("SIM_TICK_HZ", "25")
	t.Setenv("LOG_JSON_PATH", filepath.Join(t.TempDir(), "events.jsonl"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, 25, cfg.Server.SimTickHz)
	assert.Equal(t, []string{"console", "json"}, cfg.Logging.Sinks)
}

func TestLoadReportsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read")
}

func TestWithEnvLeavesEmptyValuesAlone(t *testing.T) {
	base := Default()
	cfg := base.WithEnv(Env{LogLevel: "DEBUG"})
	assert.Equal(t, "debug", cfg.Logging.MinSeverity)
	assert.Equal(t, base.Server, cfg.Server)
	assert.Equal(t, base.Logging.Sinks, cfg.Logging.Sinks)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"missing addr":       func(c *Config) { c.Server.Addr = "" },
		"zero tick rate":     func(c *Config) { c.Server.SimTickHz = 0 },
		"no classes":         func(c *Config) { c.Classes = nil },
		"zero interval":      func(c *Config) { c.Classes["pet"] = Class{ApproachRate: 1, RotationRate: 1} },
		"negative heartbeat": func(c *Config) { cl := c.Classes["pet"]; cl.Heartbeat = -time.Second; c.Classes["pet"] = cl },
		"unknown sink":       func(c *Config) { c.Logging.Sinks = []string{"syslog"} },
		"json without path":  func(c *Config) { c.Logging.Sinks = []string{"json"} },
		"leash inside aggro": func(c *Config) { c.Behavior.LeashRadius = 1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEntityClassesCarrySmoothing(t *testing.T) {
	classes := Default().EntityClasses()
	require.Len(t, classes, 5)

	enemy := classes["enemy"]
	assert.Equal(t, "enemy", enemy.Name)
	assert.False(t, enemy.Claimable)
	assert.Equal(t, 200*time.Millisecond, enemy.PublishInterval)
	assert.Equal(t, 10.0, enemy.Position.ApproachRate)
	assert.Equal(t, 10.0, enemy.Rotation.ApproachRate)

	assert.Equal(t, entity.DefaultClassName, classes[entity.DefaultClassName].Name)
}

func TestLoggingRouterConfig(t *testing.T) {
	l := Logging{
		MinSeverity: "warn",
		Categories:  map[string]string{"ownership": "debug"},
		Sinks:       []string{"console", "json"},
		JSONPath:    "/tmp/x.jsonl",
		BufferSize:  64,
	}
	cfg := l.Router()
	assert.Equal(t, logging.SeverityDebug, cfg.Threshold(logging.CategoryOwnership))
	assert.Equal(t, logging.SeverityWarn, cfg.Threshold(logging.CategoryReplication))
	assert.Equal(t, []string{"console", "json"}, cfg.EnabledSinks)
	assert.Equal(t, logging.ParseSeverity("warn"), cfg.MinimumSeverity)
	assert.Equal(t, "/tmp/x.jsonl", cfg.JSON.FilePath)
	assert.Equal(t, 64, cfg.BufferSize)
}
