package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/locator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "goble", cfg.Backend)
	assert.Equal(t, 5, cfg.ScanAttempts)
	assert.Equal(t, 10*time.Second, cfg.AttemptTimeout)
	assert.Zero(t, cfg.AttemptDelay, "inter-attempt delay MUST default to zero")
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.NotifyWindow)
	assert.Equal(t, 2*time.Second, cfg.Linger)
	assert.Equal(t, 8, cfg.QueueSize)
	assert.Equal(t, "table", cfg.OutputFormat)
	assert.NoError(t, cfg.Validate())

	assert.Equal(t, locator.Options{MaxAttempts: 5, AttemptTimeout: 10 * time.Second}, cfg.LocateOptions())
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{
			name:     "creates logger with debug level",
			logLevel: "debug",
			want:     logrus.DebugLevel,
		},
		{
			name:     "creates logger with warn level",
			logLevel: "warn",
			want:     logrus.WarnLevel,
		},
		{
			name:     "falls back to info on garbage",
			logLevel: "chatty",
			want:     logrus.InfoLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				LogLevel: tt.logLevel,
			}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.want, logger.GetLevel())
			assert.Equal(t, os.Stderr, logger.Out, "logs MUST NOT share stdout with the relay")

			// Verify formatter is set correctly
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestLoad(t *testing.T) {
	write := func(t *testing.T, body string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "blehost.yaml")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		return path
	}

	t.Run("overrides keep other defaults", func(t *testing.T) {
		cfg, err := Load(write(t, "backend: bluez\nscan_attempts: 3\nattempt_delay: 500ms\n"))
		require.NoError(t, err)

		assert.Equal(t, "bluez", cfg.Backend)
		assert.Equal(t, 3, cfg.ScanAttempts)
		assert.Equal(t, 500*time.Millisecond, cfg.AttemptDelay)
		assert.Equal(t, 10*time.Second, cfg.AttemptTimeout, "unset keys MUST keep their defaults")
	})

	t.Run("empty file", func(t *testing.T) {
		cfg, err := Load(write(t, ""))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := Load(write(t, "scan_attempt: 3\n"))
		assert.Error(t, err)
	})

	t.Run("invalid values", func(t *testing.T) {
		for _, body := range []string{
			"scan_attempts: 0\n",
			"attempt_timeout: 0s\n",
			"queue_size: 0\n",
			"log_level: loud\n",
			"output_format: csv\n",
			"linger: -1s\n",
		} {
			_, err := Load(write(t, body))
			assert.Errorf(t, err, "%q MUST be rejected", body)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}
