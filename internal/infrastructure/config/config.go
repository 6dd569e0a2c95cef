package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"go.yaml.in/yaml/v4"
)

// Config represents the application configuration
type Config struct {
	Myth     MythConfig     `yaml:"myth"`
	LiveTV   LiveTVConfig   `yaml:"livetv"`
	Events   EventsConfig   `yaml:"events"`
	Channels ChannelsConfig `yaml:"channels"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// MythConfig contains backend connection settings
type MythConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ProtocolVersion pins the announced version; 0 negotiates.
	ProtocolVersion int           `yaml:"protocol_version"`
	Timeout         time.Duration `yaml:"timeout"`
	ClientName      string        `yaml:"client_name"`
	StorageGroup    string        `yaml:"storage_group"`
	ReconnectLimit  int           `yaml:"reconnect_limit"`
	WOLMAC          string        `yaml:"wol_mac"`
	WOLBroadcast    string        `yaml:"wol_broadcast"`
}

// LiveTVConfig contains live-TV settings
type LiveTVConfig struct {
	ChainTimeout   time.Duration `yaml:"chain_timeout"`
	ConflictPolicy string        `yaml:"conflict_policy"`
	// ChannelSwitchFallback closes and reopens the stream when an in-place
	// channel change fails.
	ChannelSwitchFallback bool `yaml:"channel_switch_fallback"`
	ReadBlockSize         int  `yaml:"read_block_size"`
}

// EventsConfig contains event loop timing
type EventsConfig struct {
	PollMin       time.Duration `yaml:"poll_min"`
	PollMid       time.Duration `yaml:"poll_mid"`
	PollMax       time.Duration `yaml:"poll_max"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// ChannelsConfig points at the channel list file
type ChannelsConfig struct {
	File string `yaml:"file"`
}

// ServerConfig contains status HTTP server settings
type ServerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Myth: MythConfig{
			Host:           "localhost",
			Port:           6543,
			Timeout:        10 * time.Second,
			StorageGroup:   "LiveTV",
			ReconnectLimit: 10,
		},
		LiveTV: LiveTVConfig{
			ChainTimeout:          30 * time.Second,
			ConflictPolicy:        "stop_livetv",
			ChannelSwitchFallback: true,
			ReadBlockSize:         64 * 1024,
		},
		Events: EventsConfig{
			PollMin:       100 * time.Millisecond,
			PollMid:       500 * time.Millisecond,
			PollMax:       2 * time.Second,
			RetryInterval: time.Second,
		},
		Server: ServerConfig{
			Enabled:        true,
			Host:           "127.0.0.1",
			Port:           8089,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			MaxHeaderBytes: 1 << 20, // 1 MB
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	cfg := Default()

	// If config file exists, load it
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, cfg.Validate() // Use defaults if file doesn't exist
			}
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration and fills in derived defaults
func (c *Config) Validate() error {
	if c.Myth.Host == "" {
		return fmt.Errorf("myth host is required")
	}
	if c.Myth.Port < 1 || c.Myth.Port > 65535 {
		return fmt.Errorf("invalid myth port: %d", c.Myth.Port)
	}
	if c.Myth.ProtocolVersion != 0 && (c.Myth.ProtocolVersion < 8 || c.Myth.ProtocolVersion > 91) {
		return fmt.Errorf("unsupported protocol version: %d", c.Myth.ProtocolVersion)
	}
	if c.Myth.Timeout <= 0 {
		return fmt.Errorf("myth timeout must be positive")
	}
	if c.Myth.ClientName == "" {
		host, _ := os.Hostname()
		if i := strings.IndexByte(host, '.'); i > 0 {
			host = host[:i]
		}
		if host == "" {
			host = "mythpvr"
		}
		c.Myth.ClientName = host
	}
	if strings.ContainsAny(c.Myth.ClientName, " \t") {
		return fmt.Errorf("myth client_name must not contain spaces: %q", c.Myth.ClientName)
	}
	if c.Myth.ReconnectLimit < -1 {
		return fmt.Errorf("invalid reconnect limit: %d (-1 disables reconnects)", c.Myth.ReconnectLimit)
	}
	if c.Myth.WOLMAC != "" {
		hw, err := net.ParseMAC(c.Myth.WOLMAC)
		if err != nil || len(hw) != 6 {
			return fmt.Errorf("invalid wol_mac: %q", c.Myth.WOLMAC)
		}
	}

	if c.LiveTV.ChainTimeout <= 0 {
		return fmt.Errorf("livetv chain_timeout must be positive")
	}
	switch strings.ToLower(c.LiveTV.ConflictPolicy) {
	case "", "stop_livetv", "cancel_recording":
	default:
		return fmt.Errorf("invalid livetv.conflict_policy: %q (must be stop_livetv or cancel_recording)", c.LiveTV.ConflictPolicy)
	}
	if c.LiveTV.ReadBlockSize < 0 || c.LiveTV.ReadBlockSize > 64*1024 {
		return fmt.Errorf("invalid livetv.read_block_size: %d (must be 0-65536)", c.LiveTV.ReadBlockSize)
	}

	e := c.Events
	if e.PollMin < 0 || e.PollMid < 0 || e.PollMax < 0 || e.RetryInterval < 0 {
		return fmt.Errorf("event intervals must not be negative")
	}
	if e.PollMin > 0 && e.PollMid > 0 && e.PollMax > 0 && !(e.PollMin <= e.PollMid && e.PollMid <= e.PollMax) {
		return fmt.Errorf("event intervals must satisfy poll_min <= poll_mid <= poll_max")
	}

	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log.format: %q (must be text or json)", c.Log.Format)
	}

	return nil
}

// Save saves the configuration to a YAML file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
