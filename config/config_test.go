package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrl-z-9000-times/npc-maker/evo"
)

func TestDefaultsValidate(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadFileOverDefaults(t *testing.T) {
	doc := `
log_level: debug
heartbeat:
  interval: 1s
  timeout: 10s
controller:
  quit_grace: 2s
  stderr: discard
evolution:
  mode: local
  population: critters
  replacement: Worst
  size: 50
environments:
  - spec: /worlds/gridworld.json
    settings:
      speed: "2.5"
`
	path := filepath.Join(t.TempDir(), "npcmaker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat, "unset fields keep defaults")
	assert.Equal(t, time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, "discard", cfg.Controller.Stderr)
	require.Len(t, cfg.Environments, 1)
	assert.Equal(t, "2.5", cfg.Environments[0].Settings["speed"])

	strategy, err := cfg.Replacement()
	require.NoError(t, err)
	assert.Equal(t, evo.ReplaceWorst, strategy)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvNATSURL, "nats://elsewhere:4222")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "nats://elsewhere:4222", cfg.Evolution.NATSURL)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
		{"timeout under interval", func(c *Config) {
			c.Heartbeat.Interval = 10 * time.Second
			c.Heartbeat.Timeout = time.Second
		}},
		{"file stderr without dir", func(c *Config) { c.Controller.Stderr = "file" }},
		{"bad stderr policy", func(c *Config) { c.Controller.Stderr = "syslog" }},
		{"bad replacement", func(c *Config) { c.Evolution.Replacement = "Eldest" }},
		{"nats without url", func(c *Config) { c.Evolution.Mode = "nats" }},
		{"bad mode", func(c *Config) { c.Evolution.Mode = "psychic" }},
		{"environment without spec", func(c *Config) {
			c.Environments = []EnvironmentConfig{{}}
		}},
		{"bad environment mode", func(c *Config) {
			c.Environments = []EnvironmentConfig{{Spec: "/w.json", Mode: "fancy"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
