package config

import (
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/KeckObservatory/mKTL/errors"
)

// AppConfig carries the process-level options for the mKTL binaries,
// loaded from a YAML file. Everything has a working default; the file is
// optional.
type AppConfig struct {
	Log struct {
		// Level is one of debug, info, warn, error.
		Level string `yaml:"level"`
		// Format is text or json.
		Format string `yaml:"format"`
	} `yaml:"log"`

	Daemon struct {
		// SearchWindowMS bounds discovery response collection when
		// announcing to registries.
		SearchWindowMS int `yaml:"search_window_ms"`
		// Workers is parsed from the file but no binary reads it; the request
		// handler pool keeps its built-in size.
		Workers int `yaml:"workers"`
	} `yaml:"daemon"`

	Registry struct {
		// SweepIntervalS paces the daemon discovery sweep.
		SweepIntervalS int `yaml:"sweep_interval_s"`
		// Port pins the registry's request port.
		Port int `yaml:"port"`
	} `yaml:"registry"`
}

// DefaultAppConfig returns the configuration used when no file is given.
func DefaultAppConfig() *AppConfig {
	cfg := &AppConfig{}
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Daemon.SearchWindowMS = 500
	cfg.Registry.SweepIntervalS = 30
	return cfg
}

// LoadAppConfig reads and validates a YAML application configuration.
func LoadAppConfig(path string) (*AppConfig, error) {
	cfg := DefaultAppConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config", "LoadAppConfig", "file read")
	}

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.WrapKind(err, errors.KindValue,
			"config", "LoadAppConfig", "yaml parsing")
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return nil, errors.Newf(errors.KindValue, "unknown log level: %q", cfg.Log.Level)
	}

	switch cfg.Log.Format {
	case "text", "json":
	default:
		return nil, errors.Newf(errors.KindValue, "unknown log format: %q", cfg.Log.Format)
	}

	return cfg, nil
}

// SlogLevel converts the configured level to its slog value.
func (c *AppConfig) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SearchWindow returns the daemon discovery window as a duration.
func (c *AppConfig) SearchWindow() time.Duration {
	return time.Duration(c.Daemon.SearchWindowMS) * time.Millisecond
}

// SweepInterval returns the registry sweep interval as a duration.
func (c *AppConfig) SweepInterval() time.Duration {
	return time.Duration(c.Registry.SweepIntervalS) * time.Second
}

// NewLogger builds the process logger described by the configuration.
func (c *AppConfig) NewLogger() *slog.Logger {
	options := &slog.HandlerOptions{Level: c.SlogLevel()}

	var handler slog.Handler
	if c.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, options)
	} else {
		handler = slog.NewTextHandler(os.Stderr, options)
	}

	return slog.New(handler)
}
