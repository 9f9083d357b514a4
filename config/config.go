// Package config loads the management process's configuration from a YAML
// file, with environment-variable overrides for deployment knobs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ctrl-z-9000-times/npc-maker/errors"
	"github.com/ctrl-z-9000-times/npc-maker/evo"
)

// Environment variables recognized as overrides.
const (
	EnvNATSURL  = "NPCMAKER_NATS_URL"
	EnvLogLevel = "NPCMAKER_LOG_LEVEL"
)

// Config is the complete management configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// LogFormat is text or json.
	LogFormat string `yaml:"log_format"`

	Heartbeat  HeartbeatConfig  `yaml:"heartbeat"`
	Controller ControllerConfig `yaml:"controller"`
	Evolution  EvolutionConfig  `yaml:"evolution"`
	Metrics    MetricsConfig    `yaml:"metrics"`

	// Environments to launch at startup.
	Environments []EnvironmentConfig `yaml:"environments"`
}

// HeartbeatConfig paces the management-side watchdog.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ControllerConfig applies to every controller subprocess.
type ControllerConfig struct {
	// QuitGrace is how long a controller may linger after quit before it
	// is killed.
	QuitGrace time.Duration `yaml:"quit_grace"`
	// Stderr is inherit, discard or file.
	Stderr string `yaml:"stderr"`
	// StderrDir holds per-controller logs under the file policy.
	StderrDir string `yaml:"stderr_dir"`
}

// EvolutionConfig selects and tunes the evolution service.
type EvolutionConfig struct {
	// Mode is local or nats.
	Mode string `yaml:"mode"`

	// Local population manager settings.
	Population      string   `yaml:"population"`
	Size            int      `yaml:"size"`
	Replacement     string   `yaml:"replacement"`
	NumParents      int      `yaml:"num_parents"`
	Dir             string   `yaml:"dir"`
	LeaderboardSize int      `yaml:"leaderboard_size"`
	HallOfFameSize  int      `yaml:"hall_of_fame_size"`
	Controller      []string `yaml:"controller"`
	// SeedGenome is a JSON file handed to individuals born with no
	// parents. Empty seeds an empty genome.
	SeedGenome string `yaml:"seed_genome"`

	// Remote service settings for the nats mode.
	NATSURL       string        `yaml:"nats_url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	BirthTimeout  time.Duration `yaml:"birth_timeout"`
}

// MetricsConfig exposes Prometheus metrics and health over HTTP.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// EnvironmentConfig names one environment to launch.
type EnvironmentConfig struct {
	// Spec is the path to the environment specification file.
	Spec string `yaml:"spec"`
	// Mode is graphical or headless. Empty means graphical.
	Mode string `yaml:"mode"`
	// Settings override the specification's defaults.
	Settings map[string]string `yaml:"settings"`
	// Seed individuals to hand the environment at startup.
	Seed int `yaml:"seed"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Heartbeat: HeartbeatConfig{
			Interval: 5 * time.Second,
			Timeout:  30 * time.Second,
		},
		Controller: ControllerConfig{
			QuitGrace: 5 * time.Second,
			Stderr:    "inherit",
		},
		Evolution: EvolutionConfig{
			Mode:          "local",
			Replacement:   "Unbounded",
			NumParents:    2,
			SubjectPrefix: "npc.evo",
			BirthTimeout:  30 * time.Second,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load reads a YAML configuration file over the defaults and applies the
// environment-variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "read file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
				"config", "Load", "decode yaml")
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvNATSURL); v != "" {
		c.Evolution.NATSURL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	bad := func(field, detail string) error {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s: %s", errors.ErrInvalidConfig, field, detail),
			"config", "Validate", "check field")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return bad("log_level", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return bad("log_format", c.LogFormat)
	}
	if c.Heartbeat.Interval <= 0 || c.Heartbeat.Timeout <= 0 {
		return bad("heartbeat", "interval and timeout must be positive")
	}
	if c.Heartbeat.Timeout < c.Heartbeat.Interval {
		return bad("heartbeat", "timeout shorter than interval")
	}
	switch c.Controller.Stderr {
	case "inherit", "discard":
	case "file":
		if c.Controller.StderrDir == "" {
			return bad("controller.stderr_dir", "required for the file policy")
		}
	default:
		return bad("controller.stderr", c.Controller.Stderr)
	}
	switch c.Evolution.Mode {
	case "local":
		if _, err := c.Replacement(); err != nil {
			return err
		}
	case "nats":
		if c.Evolution.NATSURL == "" {
			return bad("evolution.nats_url", "required for the nats mode")
		}
	default:
		return bad("evolution.mode", c.Evolution.Mode)
	}
	for i, env := range c.Environments {
		if env.Spec == "" {
			return bad(fmt.Sprintf("environments[%d].spec", i), "required")
		}
		switch env.Mode {
		case "", "graphical", "headless":
		default:
			return bad(fmt.Sprintf("environments[%d].mode", i), env.Mode)
		}
	}
	return nil
}

// Replacement parses the configured replacement strategy.
func (c *Config) Replacement() (evo.Replacement, error) {
	switch c.Evolution.Replacement {
	case "Unbounded", "":
		return evo.ReplaceUnbounded, nil
	case "Random":
		return evo.ReplaceRandom, nil
	case "Oldest":
		return evo.ReplaceOldest, nil
	case "Worst":
		return evo.ReplaceWorst, nil
	case "Generation":
		return evo.ReplaceGeneration, nil
	default:
		return 0, errors.WrapInvalid(
			fmt.Errorf("%w: evolution.replacement: %q",
				errors.ErrInvalidConfig, c.Evolution.Replacement),
			"config", "Replacement", "parse strategy")
	}
}
