package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/ridelink/internal/ingest"
	"github.com/srg/ridelink/internal/peripheral"
	goble "github.com/srg/ridelink/internal/peripheral/go-ble"
	"github.com/srg/ridelink/internal/store"
)

// Config holds application configuration
type Config struct {
	LogLevel     string `yaml:"log_level" default:"info"`
	OutputFormat string `yaml:"output_format" default:"table"` // table, json

	Database    DatabaseConfig    `yaml:"database"`
	Advertising AdvertisingConfig `yaml:"advertising"`
	Reassembly  ReassemblyConfig  `yaml:"reassembly"`
	Ingest      IngestConfig      `yaml:"ingest"`
	BLE         BLEConfig         `yaml:"ble"`
	Permissions PermissionsConfig `yaml:"permissions"`
}

type DatabaseConfig struct {
	Path        string        `yaml:"path" default:"ridelink.db"`
	BusyTimeout time.Duration `yaml:"busy_timeout" default:"5s"`
}

type AdvertisingConfig struct {
	CompanyID    uint16        `yaml:"company_id" default:"61680"`
	Key          string        `yaml:"key" default:"Oficinas3"`
	LocalName    string        `yaml:"local_name"`
	RetryDelay   time.Duration `yaml:"retry_delay" default:"5s"`
	RestartDelay time.Duration `yaml:"restart_delay" default:"500ms"`
}

type ReassemblyConfig struct {
	MaxBufferBytes int           `yaml:"max_buffer_bytes" default:"1048576"`
	MaxBufferAge   time.Duration `yaml:"max_buffer_age" default:"30s"`
	SweepInterval  time.Duration `yaml:"sweep_interval" default:"5s"`
	ResetOnCorrupt bool          `yaml:"reset_on_corrupt"`
}

type IngestConfig struct {
	QueueSize        int  `yaml:"queue_size" default:"64"`
	RefreshSummaries bool `yaml:"refresh_summaries"`
}

type BLEConfig struct {
	ResponseTimeout time.Duration `yaml:"response_timeout" default:"10s"`
}

// PermissionsConfig withholds host capabilities, e.g. to run without responding.
type PermissionsConfig struct {
	Deny []string `yaml:"deny"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges and names.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.OutputFormat {
	case "table", "json":
	default:
		errs = append(errs, fmt.Errorf("output_format: unsupported format %q (must be table or json)", c.OutputFormat))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path: must not be empty"))
	}
	if len(c.Advertising.Key) > peripheral.MaxManufacturerKeyLen {
		errs = append(errs, fmt.Errorf("advertising.key: %d bytes exceeds %d", len(c.Advertising.Key), peripheral.MaxManufacturerKeyLen))
	}
	if len(c.Advertising.LocalName) > peripheral.MaxLocalNameLen {
		errs = append(errs, fmt.Errorf("advertising.local_name: %d bytes exceeds %d", len(c.Advertising.LocalName), peripheral.MaxLocalNameLen))
	}
	if c.Reassembly.MaxBufferBytes < 0 {
		errs = append(errs, errors.New("reassembly.max_buffer_bytes: must not be negative"))
	}
	if c.Reassembly.SweepInterval <= 0 {
		errs = append(errs, errors.New("reassembly.sweep_interval: must be positive"))
	}
	if c.Ingest.QueueSize <= 0 {
		errs = append(errs, errors.New("ingest.queue_size: must be positive"))
	}
	if c.BLE.ResponseTimeout <= 0 {
		errs = append(errs, errors.New("ble.response_timeout: must be positive"))
	}
	if _, err := peripheral.NewStaticGate(c.Permissions.Deny...); err != nil {
		errs = append(errs, fmt.Errorf("permissions.deny: %w", err))
	}

	return errors.Join(errs...)
}

// Level returns the parsed log level, defaulting to info.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

func (c *Config) StoreOptions() *store.Options {
	return &store.Options{BusyTimeout: c.Database.BusyTimeout}
}

func (c *Config) IngestOptions() *ingest.Options {
	return &ingest.Options{
		QueueSize:        c.Ingest.QueueSize,
		RefreshSummaries: c.Ingest.RefreshSummaries,
	}
}

func (c *Config) ServerOptions() *peripheral.ServerOptions {
	opts := peripheral.DefaultServerOptions()
	opts.Reassembly = peripheral.ReassemblerOptions{
		MaxBufferBytes: c.Reassembly.MaxBufferBytes,
		MaxBufferAge:   c.Reassembly.MaxBufferAge,
		ResetOnCorrupt: c.Reassembly.ResetOnCorrupt,
	}
	opts.SweepInterval = c.Reassembly.SweepInterval
	return opts
}

func (c *Config) AdvertisingOptions() *peripheral.AdvertisingOptions {
	return &peripheral.AdvertisingOptions{
		LocalName:    c.Advertising.LocalName,
		RetryDelay:   c.Advertising.RetryDelay,
		RestartDelay: c.Advertising.RestartDelay,
	}
}

func (c *Config) GATTOptions() *goble.Options {
	return &goble.Options{ResponseTimeout: c.BLE.ResponseTimeout}
}

// Gate builds the capability gate from permissions.deny.
func (c *Config) Gate() (*peripheral.StaticGate, error) {
	return peripheral.NewStaticGate(c.Permissions.Deny...)
}
