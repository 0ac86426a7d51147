// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"errors"
	"fmt"
	"time"
)

// Config represents the application configuration
type Config struct {
	Version          string
	Host             string `toml:"host" mapstructure:"host"`
	Port             int    `toml:"port" mapstructure:"port"`
	EncryptionSecret string `toml:"encryptionSecret" mapstructure:"encryptionSecret"`
	LogLevel         string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath          string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize       int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups    int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir          string `toml:"dataDir" mapstructure:"dataDir"`
	MetricsEnabled   bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost      string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort      int    `toml:"metricsPort" mapstructure:"metricsPort"`

	// Upstream API
	TorboxBaseURL           string `toml:"torboxBaseUrl" mapstructure:"torboxBaseUrl"`
	TorboxRequestsPerMinute int    `toml:"torboxRequestsPerMinute" mapstructure:"torboxRequestsPerMinute"`

	// Polling and pooling knobs. Durations are milliseconds in the file so
	// operators can copy values straight from environment documentation.
	MaxDBConnections           int     `toml:"maxDbConnections" mapstructure:"maxDbConnections"`
	PollCheckIntervalMs        int     `toml:"pollCheckIntervalMs" mapstructure:"pollCheckIntervalMs"`
	RefreshIntervalMs          int     `toml:"refreshIntervalMs" mapstructure:"refreshIntervalMs"`
	PollTimeoutMs              int     `toml:"pollTimeoutMs" mapstructure:"pollTimeoutMs"`
	MaxConcurrentPolls         int     `toml:"maxConcurrentPolls" mapstructure:"maxConcurrentPolls"`
	PollerCleanupIntervalHours int     `toml:"pollerCleanupIntervalHours" mapstructure:"pollerCleanupIntervalHours"`
	PoolEvictionThreshold      float64 `toml:"poolEvictionThreshold" mapstructure:"poolEvictionThreshold"`
	PoolIdleTimeoutMs          int     `toml:"poolIdleTimeoutMs" mapstructure:"poolIdleTimeoutMs"`
}

// ApplyDefaults back-fills zero-valued fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 7171
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	if c.LogMaxSize == 0 {
		c.LogMaxSize = 50
	}
	if c.LogMaxBackups == 0 {
		c.LogMaxBackups = 3
	}
	if c.MetricsHost == "" {
		c.MetricsHost = "127.0.0.1"
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = 9074
	}
	if c.TorboxBaseURL == "" {
		c.TorboxBaseURL = "https://api.torbox.app/v1/api"
	}
	if c.TorboxRequestsPerMinute == 0 {
		c.TorboxRequestsPerMinute = 60
	}
	if c.MaxDBConnections == 0 {
		c.MaxDBConnections = 200
	}
	if c.PollCheckIntervalMs == 0 {
		c.PollCheckIntervalMs = 30_000
	}
	if c.RefreshIntervalMs == 0 {
		c.RefreshIntervalMs = 60_000
	}
	if c.PollTimeoutMs == 0 {
		c.PollTimeoutMs = 300_000
	}
	if c.MaxConcurrentPolls == 0 {
		c.MaxConcurrentPolls = 7
	}
	if c.PollerCleanupIntervalHours == 0 {
		c.PollerCleanupIntervalHours = 24
	}
	if c.PoolEvictionThreshold == 0 {
		c.PoolEvictionThreshold = 0.85
	}
	if c.PoolIdleTimeoutMs == 0 {
		c.PoolIdleTimeoutMs = 420_000
	}
}

// Validate rejects configurations the process cannot safely start with.
func (c *Config) Validate() error {
	if c.EncryptionSecret == "" {
		return errors.New("encryptionSecret is required; run gen-config to create one")
	}
	if c.MaxConcurrentPolls < 1 {
		return fmt.Errorf("maxConcurrentPolls must be at least 1, got %d", c.MaxConcurrentPolls)
	}
	if c.MaxDBConnections < 1 {
		return fmt.Errorf("maxDbConnections must be at least 1, got %d", c.MaxDBConnections)
	}
	if c.PoolEvictionThreshold <= 0 || c.PoolEvictionThreshold > 1 {
		return fmt.Errorf("poolEvictionThreshold must be in (0, 1], got %v", c.PoolEvictionThreshold)
	}
	return nil
}

func (c *Config) PollCheckInterval() time.Duration {
	return time.Duration(c.PollCheckIntervalMs) * time.Millisecond
}

func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMs) * time.Millisecond
}

func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMs) * time.Millisecond
}

func (c *Config) PollerCleanupInterval() time.Duration {
	return time.Duration(c.PollerCleanupIntervalHours) * time.Hour
}

func (c *Config) PoolIdleTimeout() time.Duration {
	return time.Duration(c.PoolIdleTimeoutMs) * time.Millisecond
}
