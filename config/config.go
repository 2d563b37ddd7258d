// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads fabricd configuration from YAML with environment
// overrides.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/luxfi/fabric/transport"
)

// EnvPrefix prefixes environment overrides: FABRIC_LOG_LEVEL=debug.
const EnvPrefix = "FABRIC"

// Config is the daemon configuration.
type Config struct {
	// HostID names this host in the directory. Empty means a random id.
	HostID string `mapstructure:"host_id"`

	// Listen is the directory-sync descriptor, e.g. tcp-oneway://0.0.0.0:7946.
	Listen string `mapstructure:"listen"`

	// Peers are directory-sync descriptors of other hosts.
	Peers []string `mapstructure:"peers"`

	// Services are registered locally at startup.
	Services []ServiceConfig `mapstructure:"services"`

	// StatePath is the bolt file holding local registrations. Empty keeps
	// them in memory only.
	StatePath string `mapstructure:"state_path"`

	// ResyncInterval is how often every peer is sent a full snapshot. Zero
	// disables periodic resync.
	ResyncInterval time.Duration `mapstructure:"resync_interval"`

	Timeouts  TimeoutConfig   `mapstructure:"timeouts"`
	Transport TransportConfig `mapstructure:"transport"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServiceConfig struct {
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address"`
}

type TimeoutConfig struct {
	Dial  time.Duration `mapstructure:"dial"`
	IO    time.Duration `mapstructure:"io"`
	Call  time.Duration `mapstructure:"call"`
	Drain time.Duration `mapstructure:"drain"`
}

type TransportConfig struct {
	GroupPort int    `mapstructure:"group_port"`
	Interface string `mapstructure:"interface"`
	MaxFrame  int    `mapstructure:"max_frame"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func Default() *Config {
	return &Config{
		Listen:         "tcp-oneway://0.0.0.0:7946",
		ResyncInterval: 30 * time.Second,
		Timeouts: TimeoutConfig{
			Dial:  transport.DefaultDialTimeout,
			IO:    transport.DefaultIOTimeout,
			Call:  15 * time.Second,
			Drain: 5 * time.Second,
		},
		Transport: TransportConfig{
			GroupPort: transport.DefaultGroupPort,
			MaxFrame:  transport.DefaultMaxFrame,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Filename:   "logs/fabricd.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads path (or fabricd.yaml in the usual places when path is empty),
// applies FABRIC_* environment overrides and validates the result. A missing
// config file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("host_id", cfg.HostID)
	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("peers", cfg.Peers)
	v.SetDefault("services", cfg.Services)
	v.SetDefault("state_path", cfg.StatePath)
	v.SetDefault("resync_interval", cfg.ResyncInterval)
	v.SetDefault("timeouts.dial", cfg.Timeouts.Dial)
	v.SetDefault("timeouts.io", cfg.Timeouts.IO)
	v.SetDefault("timeouts.call", cfg.Timeouts.Call)
	v.SetDefault("timeouts.drain", cfg.Timeouts.Drain)
	v.SetDefault("transport.group_port", cfg.Transport.GroupPort)
	v.SetDefault("transport.interface", cfg.Transport.Interface)
	v.SetDefault("transport.max_frame", cfg.Transport.MaxFrame)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fabricd")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/fabric")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".fabric"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks descriptors, durations and the log level.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.Errorf("invalid log.level: %q", c.Log.Level)
	}

	d, err := c.ListenDescriptor()
	if err != nil {
		return err
	}
	if !d.Oneway() || d.Kind.Datagram() {
		return errors.Errorf("listen %q: directory sync needs a oneway stream transport", c.Listen)
	}

	for _, p := range c.Peers {
		pd, err := transport.Parse(p)
		if err != nil {
			return errors.Wrapf(err, "peer %q", p)
		}
		if pd.Kind != d.Kind {
			return errors.Errorf("peer %q: kind %v does not match listen kind %v", p, pd.Kind, d.Kind)
		}
	}

	for i, s := range c.Services {
		if s.Name == "" || s.Address == "" {
			return errors.Errorf("services[%d]: name and address are required", i)
		}
	}

	if c.ResyncInterval < 0 {
		return errors.Errorf("resync_interval must not be negative, got %v", c.ResyncInterval)
	}
	if c.Timeouts.Dial < 0 || c.Timeouts.IO < 0 || c.Timeouts.Call < 0 || c.Timeouts.Drain < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.Timeouts.IO == 0 {
		return errors.New("timeouts.io must be positive; peer I/O is always bounded")
	}
	if c.Transport.MaxFrame < 0 {
		return errors.Errorf("transport.max_frame must not be negative, got %d", c.Transport.MaxFrame)
	}
	return nil
}

func (c *Config) ListenDescriptor() (transport.Descriptor, error) {
	d, err := transport.Parse(c.Listen)
	if err != nil {
		return transport.Descriptor{}, errors.Wrapf(err, "listen %q", c.Listen)
	}
	return d, nil
}

// TransportOptions translates the timeout and transport sections.
func (c *Config) TransportOptions() []transport.Option {
	opts := []transport.Option{
		transport.WithDialTimeout(c.Timeouts.Dial),
		transport.WithIOTimeout(c.Timeouts.IO),
		transport.WithGroupPort(c.Transport.GroupPort),
		transport.WithInterface(c.Transport.Interface),
	}
	if c.Transport.MaxFrame > 0 {
		opts = append(opts, transport.WithMaxFrame(c.Transport.MaxFrame))
	}
	return opts
}
