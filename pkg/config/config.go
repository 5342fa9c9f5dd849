package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/locator"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration. Zero values in a config file keep
// the defaults from the struct tags.
type Config struct {
	LogLevel string `yaml:"log_level" json:"log_level" default:"info"`
	Backend  string `yaml:"backend" json:"backend" default:"goble"`

	// Suite forces a host test suite instead of waiting for __host_test_name.
	Suite string `yaml:"suite" json:"suite"`
	// ProfilePath points to an extra YAML profile loaded next to the bundled ones.
	ProfilePath string `yaml:"profile" json:"profile"`

	ScanAttempts   int           `yaml:"scan_attempts" json:"scan_attempts" default:"5"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attempt_timeout" default:"10s"`
	AttemptDelay   time.Duration `yaml:"attempt_delay" json:"attempt_delay" default:"0s"`

	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" default:"30s"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout" default:"5s"`
	NotifyWindow   time.Duration `yaml:"notify_window" json:"notify_window" default:"10s"`
	Linger         time.Duration `yaml:"linger" json:"linger" default:"2s"`
	QueueSize      int           `yaml:"queue_size" json:"queue_size" default:"8"`

	OutputFormat string `yaml:"output_format" json:"output_format" default:"table"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML configuration file on top of the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the values that cannot be caught by YAML decoding.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue size must be at least 1, got %d", c.QueueSize)
	}
	for name, d := range map[string]time.Duration{
		"connect timeout": c.ConnectTimeout,
		"read timeout":    c.ReadTimeout,
		"notify window":   c.NotifyWindow,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	if c.Linger < 0 {
		return fmt.Errorf("linger must not be negative, got %v", c.Linger)
	}
	switch c.OutputFormat {
	case "table", "json":
	default:
		return fmt.Errorf("invalid output format %q (table, json)", c.OutputFormat)
	}
	return c.LocateOptions().Validate()
}

// LocateOptions converts the scan settings into locator options.
func (c *Config) LocateOptions() locator.Options {
	return locator.Options{
		MaxAttempts:    c.ScanAttempts,
		AttemptTimeout: c.AttemptTimeout,
		AttemptDelay:   c.AttemptDelay,
	}
}

// NewLogger creates a configured logger instance writing to stderr;
// stdout belongs to the relay channel.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
