// Package config loads sync server settings from defaults, an optional YAML
// file, a .env file and the environment, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverBolt     = "bolt"
)

// Config is the complete server configuration.
type Config struct {
	Listen string `yaml:"listen"`

	// Debounce is the quiet period before a document snapshot is persisted.
	Debounce     time.Duration `yaml:"debounce"`
	AuthTimeout  time.Duration `yaml:"auth_timeout"`
	LoadTimeout  time.Duration `yaml:"load_timeout"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
	// StateTimeout bounds the wait for other nodes' state when a document
	// opens while a relay is configured.
	StateTimeout time.Duration `yaml:"state_timeout"`

	// SendBuffer is the number of outbound messages queued per connection
	// before the connection is dropped as a slow consumer.
	SendBuffer int `yaml:"send_buffer"`

	Log   LogConfig   `yaml:"log"`
	Store StoreConfig `yaml:"store"`
	Redis RedisConfig `yaml:"redis"`

	Discovery DiscoveryConfig `yaml:"discovery"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"database_url"`
	BoltPath    string `yaml:"bolt_path"`
}

// RedisConfig enables cross-process relaying when Addr is set.
type RedisConfig struct {
	Addr   string `yaml:"addr"`
	Prefix string `yaml:"prefix"`
}

// DiscoveryConfig advertises the server on the local network over mDNS.
type DiscoveryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:       ":8081",
		Debounce:     500 * time.Millisecond,
		AuthTimeout:  5 * time.Second,
		LoadTimeout:  5 * time.Second,
		FlushTimeout: 5 * time.Second,
		StateTimeout: 300 * time.Millisecond,
		SendBuffer:   256,
		Log:          LogConfig{Level: "info"},
		Store:        StoreConfig{Driver: DriverMemory, BoltPath: "collabtext.db"},
		Redis:        RedisConfig{Prefix: "collabtext"},
	}
}

// Load builds a Config. path may be empty; a missing .env file is ignored.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("COLLAB_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("COLLAB_DEBOUNCE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid COLLAB_DEBOUNCE %q: %w", v, err)
		}
		cfg.Debounce = d
	}
	if v := os.Getenv("COLLAB_STATE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid COLLAB_STATE_TIMEOUT %q: %w", v, err)
		}
		cfg.StateTimeout = d
	}
	if v := os.Getenv("COLLAB_SEND_BUFFER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid COLLAB_SEND_BUFFER %q: %w", v, err)
		}
		cfg.SendBuffer = n
	}
	if v := os.Getenv("COLLAB_STORE"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("COLLAB_BOLT_PATH"); v != "" {
		cfg.Store.BoltPath = v
	}
	// DATABASE_URL implies the postgres driver unless one was chosen explicitly.
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.DatabaseURL = v
		if os.Getenv("COLLAB_STORE") == "" {
			cfg.Store.Driver = DriverPostgres
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_PRETTY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid LOG_PRETTY %q: %w", v, err)
		}
		cfg.Log.Pretty = b
	}
	if v := os.Getenv("COLLAB_MDNS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid COLLAB_MDNS %q: %w", v, err)
		}
		cfg.Discovery.Enabled = b
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Debounce <= 0 {
		return fmt.Errorf("debounce must be positive, got %s", c.Debounce)
	}
	if c.StateTimeout <= 0 {
		return fmt.Errorf("state timeout must be positive, got %s", c.StateTimeout)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("send buffer must be positive, got %d", c.SendBuffer)
	}
	switch c.Store.Driver {
	case DriverMemory, DriverBolt:
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return errors.New("postgres store requires a database url")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	return nil
}
