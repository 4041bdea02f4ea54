package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/pkg/stack"
	"gopkg.in/yaml.v3"
)

// Config holds the BLE manager configuration
type Config struct {
	LogLevel             string           `yaml:"log_level" default:"info"`
	EventTimeout         time.Duration    `yaml:"event_timeout" default:"20ms"`
	MaxDeviceConnections int              `yaml:"max_device_connections" default:"5"`
	MaxScanDevices       int              `yaml:"max_scan_devices" default:"20"`
	Subscribers          SubscriberLimits `yaml:"subscribers"`
	Pairing              PairingConfig    `yaml:"pairing"`
	BondStore            BondStoreConfig  `yaml:"bond_store"`
}

// SubscriberLimits caps the number of subscribers per event category.
type SubscriberLimits struct {
	GAP        int `yaml:"gap" default:"5"`
	GATTClient int `yaml:"gatt_client" default:"5"`
	GATTServer int `yaml:"gatt_server" default:"5"`
	L2CAP      int `yaml:"l2cap" default:"1"`
	HTPT       int `yaml:"htpt" default:"1"`
	DTM        int `yaml:"dtm" default:"5"`
	Custom     int `yaml:"custom" default:"1"`
}

// PairingConfig holds the local security parameters.
type PairingConfig struct {
	// Enabled turns off the security procedure entirely when false; links are
	// reported as paired right after connecting.
	Enabled        bool          `yaml:"enabled" default:"true"`
	MITM           bool          `yaml:"mitm" default:"true"`
	Bond           bool          `yaml:"bond" default:"true"`
	OOB            bool          `yaml:"oob" default:"false"`
	IOCapability   string        `yaml:"io_capability" default:"display_only"`
	AuthLevel      string        `yaml:"auth_level" default:"mitm_bond"`
	Passkey        string        `yaml:"passkey" default:"123456"`
	PasskeyTimeout time.Duration `yaml:"passkey_timeout" default:"30s"`
	KeySize        uint8         `yaml:"key_size" default:"16"`
}

// BondStoreConfig points at the persistent bonding store.
type BondStoreConfig struct {
	Path     string `yaml:"path"`
	Capacity int    `yaml:"capacity" default:"10"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}

	if c.EventTimeout <= 0 {
		return fmt.Errorf("event_timeout must be > 0")
	}

	if c.MaxDeviceConnections <= 0 || c.MaxDeviceConnections > 255 {
		return fmt.Errorf("max_device_connections must be in 1..255, got %d", c.MaxDeviceConnections)
	}

	if c.MaxScanDevices <= 0 {
		return fmt.Errorf("max_scan_devices must be > 0")
	}

	limits := map[string]int{
		"gap":         c.Subscribers.GAP,
		"gatt_client": c.Subscribers.GATTClient,
		"gatt_server": c.Subscribers.GATTServer,
		"l2cap":       c.Subscribers.L2CAP,
		"htpt":        c.Subscribers.HTPT,
		"dtm":         c.Subscribers.DTM,
		"custom":      c.Subscribers.Custom,
	}
	for name, n := range limits {
		if n < 0 {
			return fmt.Errorf("subscribers.%s must be >= 0, got %d", name, n)
		}
	}
	// The manager occupies one GAP and one GATT server slot itself.
	if c.Subscribers.GAP < 1 || c.Subscribers.GATTServer < 1 {
		return fmt.Errorf("subscribers.gap and subscribers.gatt_server must be >= 1")
	}

	if _, err := stack.ParseIOCapability(c.Pairing.IOCapability); err != nil {
		return fmt.Errorf("pairing.io_capability: %w", err)
	}
	if _, err := c.Pairing.Auth(); err != nil {
		return err
	}
	if len(c.Pairing.Passkey) != 6 {
		return fmt.Errorf("pairing.passkey must be 6 digits, got %q", c.Pairing.Passkey)
	}
	for _, r := range c.Pairing.Passkey {
		if r < '0' || r > '9' {
			return fmt.Errorf("pairing.passkey must be 6 digits, got %q", c.Pairing.Passkey)
		}
	}
	if c.Pairing.KeySize < 7 || c.Pairing.KeySize > 16 {
		return fmt.Errorf("pairing.key_size must be in 7..16, got %d", c.Pairing.KeySize)
	}

	if c.BondStore.Capacity <= 0 {
		return fmt.Errorf("bond_store.capacity must be > 0")
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (logrus.Level, error) {
	switch c.LogLevel {
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}
}

// Auth parses AuthLevel.
func (p PairingConfig) Auth() (stack.AuthLevel, error) {
	a, err := stack.ParseAuthLevel(p.AuthLevel)
	if err != nil {
		return 0, fmt.Errorf("pairing.auth_level: %w", err)
	}
	return a, nil
}

// IO parses IOCapability, falling back to display-only.
func (p PairingConfig) IO() stack.IOCapability {
	c, err := stack.ParseIOCapability(p.IOCapability)
	if err != nil {
		return stack.IODisplayOnly
	}
	return c
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := c.Level()
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
