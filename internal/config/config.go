package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.carewire/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	Server ServerConfig `toml:"server"`
	Sync   SyncConfig   `toml:"sync"`
}

// ServerConfig holds the endpoints of the chat backend.
type ServerConfig struct {
	// BaseURL is the REST endpoint used for room lookup/creation and
	// presence polling while the push connection is down.
	BaseURL string `toml:"base_url"`
	// WSURL is the persistent push connection endpoint.
	WSURL string `toml:"ws_url"`
}

// SyncConfig holds the tuning knobs of the sync engine. Zero values are
// replaced with defaults by Normalize; the defaults are reasonable, not a
// server contract.
type SyncConfig struct {
	BackoffBaseMS       int `toml:"backoff_base_ms"`
	BackoffMaxMS        int `toml:"backoff_max_ms"`
	HeartbeatIntervalMS int `toml:"heartbeat_interval_ms"`
	SendTimeoutMS       int `toml:"send_timeout_ms"`
	PresencePollMS      int `toml:"presence_poll_ms"`
	OutboundQueueSize   int `toml:"outbound_queue_size"`
}

// Normalize fills unset sync knobs with defaults.
func (c *Config) Normalize() {
	if c.Sync.BackoffBaseMS <= 0 {
		c.Sync.BackoffBaseMS = 1000
	}
	if c.Sync.BackoffMaxMS <= 0 {
		c.Sync.BackoffMaxMS = 30000
	}
	if c.Sync.HeartbeatIntervalMS <= 0 {
		c.Sync.HeartbeatIntervalMS = 15000
	}
	if c.Sync.SendTimeoutMS <= 0 {
		c.Sync.SendTimeoutMS = 10000
	}
	if c.Sync.PresencePollMS <= 0 {
		c.Sync.PresencePollMS = 30000
	}
	if c.Sync.OutboundQueueSize <= 0 {
		c.Sync.OutboundQueueSize = 256
	}
}

// BackoffBase returns the reconnect backoff base delay.
func (s SyncConfig) BackoffBase() time.Duration {
	return time.Duration(s.BackoffBaseMS) * time.Millisecond
}

// BackoffMax returns the reconnect backoff cap.
func (s SyncConfig) BackoffMax() time.Duration {
	return time.Duration(s.BackoffMaxMS) * time.Millisecond
}

// HeartbeatInterval returns the liveness probe period.
func (s SyncConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalMS) * time.Millisecond
}

// SendTimeout returns how long a pending send waits for an ack.
func (s SyncConfig) SendTimeout() time.Duration {
	return time.Duration(s.SendTimeoutMS) * time.Millisecond
}

// PresencePoll returns the disconnected presence poll period.
func (s SyncConfig) PresencePoll() time.Duration {
	return time.Duration(s.PresencePollMS) * time.Millisecond
}

// Load reads config from the given path. Returns zero config and error if
// file missing. The result is normalized.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
