package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/ridelink/internal/peripheral"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "table", cfg.OutputFormat)
	assert.Equal(t, "ridelink.db", cfg.Database.Path)
	assert.Equal(t, 5*time.Second, cfg.Database.BusyTimeout)
	assert.Equal(t, peripheral.DefaultCompanyID, cfg.Advertising.CompanyID)
	assert.Equal(t, peripheral.DefaultKey, cfg.Advertising.Key)
	assert.Equal(t, 5*time.Second, cfg.Advertising.RetryDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.Advertising.RestartDelay)
	assert.Equal(t, 1<<20, cfg.Reassembly.MaxBufferBytes)
	assert.False(t, cfg.Reassembly.ResetOnCorrupt)
	assert.Equal(t, 64, cfg.Ingest.QueueSize)
	assert.Equal(t, 10*time.Second, cfg.BLE.ResponseTimeout)
	assert.Empty(t, cfg.Permissions.Deny)

	assert.NoError(t, cfg.Validate(), "defaults MUST be valid")
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{name: "creates logger with debug level", logLevel: "debug", want: logrus.DebugLevel},
		{name: "creates logger with info level", logLevel: "info", want: logrus.InfoLevel},
		{name: "creates logger with warn level", logLevel: "warn", want: logrus.WarnLevel},
		{name: "creates logger with error level", logLevel: "error", want: logrus.ErrorLevel},
		{name: "unknown level falls back to info", logLevel: "chatty", want: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.want, logger.GetLevel())

			// Verify formatter is set correctly
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("empty path yields defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("file values override defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ridelink.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
output_format: json
database:
  path: /tmp/rides.db
advertising:
  company_id: 0x0059
  key: bike
  retry_delay: 1s
reassembly:
  reset_on_corrupt: true
  max_buffer_age: 2m
permissions:
  deny: [respond]
`), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, logrus.DebugLevel, cfg.Level())
		assert.Equal(t, "json", cfg.OutputFormat)
		assert.Equal(t, "/tmp/rides.db", cfg.Database.Path)
		assert.Equal(t, uint16(0x0059), cfg.Advertising.CompanyID)
		assert.Equal(t, "bike", cfg.Advertising.Key)
		assert.Equal(t, time.Second, cfg.Advertising.RetryDelay)
		assert.True(t, cfg.Reassembly.ResetOnCorrupt)
		assert.Equal(t, 2*time.Minute, cfg.Reassembly.MaxBufferAge)
		assert.Equal(t, []string{"respond"}, cfg.Permissions.Deny)

		// untouched keys keep their defaults
		assert.Equal(t, 500*time.Millisecond, cfg.Advertising.RestartDelay)
		assert.Equal(t, 64, cfg.Ingest.QueueSize)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorContains(t, err, "failed to read config")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("database: [\n"), 0o600))
		_, err := Load(path)
		assert.ErrorContains(t, err, "failed to parse config")
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "invalid.yaml")
		require.NoError(t, os.WriteFile(path, []byte("output_format: xml\n"), 0o600))
		_, err := Load(path)
		assert.ErrorContains(t, err, "output_format")
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "json format is valid", mutate: func(c *Config) { c.OutputFormat = "json" }},
		{name: "unknown format", mutate: func(c *Config) { c.OutputFormat = "csv" }, wantErr: "output_format"},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "log_level"},
		{name: "empty database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: "database.path"},
		{
			name:    "manufacturer key too long",
			mutate:  func(c *Config) { c.Advertising.Key = "this key is far too long to advertise" },
			wantErr: "advertising.key",
		},
		{name: "local name too long", mutate: func(c *Config) { c.Advertising.LocalName = "ridelink-peripheral" }, wantErr: "advertising.local_name"},
		{name: "zero queue", mutate: func(c *Config) { c.Ingest.QueueSize = 0 }, wantErr: "ingest.queue_size"},
		{name: "zero sweep interval", mutate: func(c *Config) { c.Reassembly.SweepInterval = 0 }, wantErr: "reassembly.sweep_interval"},
		{name: "zero response timeout", mutate: func(c *Config) { c.BLE.ResponseTimeout = 0 }, wantErr: "ble.response_timeout"},
		{name: "unknown capability", mutate: func(c *Config) { c.Permissions.Deny = []string{"scan"} }, wantErr: "permissions.deny"},
		{name: "empty key is valid", mutate: func(c *Config) { c.Advertising.Key = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfig_Options(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reassembly.ResetOnCorrupt = true
	cfg.Reassembly.SweepInterval = time.Second
	cfg.Ingest.RefreshSummaries = true
	cfg.Permissions.Deny = []string{"respond"}

	srv := cfg.ServerOptions()
	assert.True(t, srv.Reassembly.ResetOnCorrupt)
	assert.Equal(t, 1<<20, srv.Reassembly.MaxBufferBytes)
	assert.Equal(t, time.Second, srv.SweepInterval)
	assert.Equal(t, peripheral.DefaultServerOptions().EventBuffer, srv.EventBuffer)

	assert.True(t, cfg.IngestOptions().RefreshSummaries)
	assert.Equal(t, 5*time.Second, cfg.StoreOptions().BusyTimeout)
	assert.Equal(t, 10*time.Second, cfg.GATTOptions().ResponseTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.AdvertisingOptions().RestartDelay)

	gate, err := cfg.Gate()
	require.NoError(t, err)
	assert.Equal(t, peripheral.Denied, gate.Check(peripheral.CapabilityRespond))
	assert.Equal(t, peripheral.Granted, gate.Check(peripheral.CapabilityConnect))
}

func BenchmarkDefaultConfig(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = DefaultConfig()
	}
}
