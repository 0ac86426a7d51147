// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads and watches the TOML configuration. Precedence is
// environment variables over the config file over built-in defaults; a
// missing config file is generated on first run.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/jittarao/torboxd/internal/domain"
	"github.com/jittarao/torboxd/internal/logger"
	"github.com/jittarao/torboxd/pkg/debounce"
)

const (
	envPrefix        = "TORBOXD__"
	configFileName   = "config.toml"
	catalogFileName  = "torboxd.db"
	reloadQuietDelay = 500 * time.Millisecond
)

// envBindings maps config keys to their environment variable names. Explicit
// bindings keep the mapping greppable instead of relying on a key replacer.
var envBindings = map[string]string{
	"host":                       envPrefix + "HOST",
	"port":                       envPrefix + "PORT",
	"encryptionSecret":           envPrefix + "ENCRYPTION_SECRET",
	"logLevel":                   envPrefix + "LOG_LEVEL",
	"logPath":                    envPrefix + "LOG_PATH",
	"logMaxSize":                 envPrefix + "LOG_MAX_SIZE",
	"logMaxBackups":              envPrefix + "LOG_MAX_BACKUPS",
	"dataDir":                    envPrefix + "DATA_DIR",
	"databasePath":               envPrefix + "DATABASE_PATH",
	"metricsEnabled":             envPrefix + "METRICS_ENABLED",
	"metricsHost":                envPrefix + "METRICS_HOST",
	"metricsPort":                envPrefix + "METRICS_PORT",
	"torboxBaseUrl":              envPrefix + "TORBOX_BASE_URL",
	"torboxRequestsPerMinute":    envPrefix + "TORBOX_REQUESTS_PER_MINUTE",
	"maxDbConnections":           envPrefix + "MAX_DB_CONNECTIONS",
	"pollCheckIntervalMs":        envPrefix + "POLL_CHECK_INTERVAL_MS",
	"refreshIntervalMs":          envPrefix + "REFRESH_INTERVAL_MS",
	"pollTimeoutMs":              envPrefix + "POLL_TIMEOUT_MS",
	"maxConcurrentPolls":         envPrefix + "MAX_CONCURRENT_POLLS",
	"pollerCleanupIntervalHours": envPrefix + "POLLER_CLEANUP_INTERVAL_HOURS",
	"poolEvictionThreshold":      envPrefix + "POOL_EVICTION_THRESHOLD",
	"poolIdleTimeoutMs":          envPrefix + "POOL_IDLE_TIMEOUT_MS",
}

// AppConfig is the live configuration: the parsed domain config plus the
// viper instance watching the file behind it.
type AppConfig struct {
	Config *domain.Config

	viper      *viper.Viper
	configPath string
	debouncer  *debounce.Debouncer

	mu        sync.RWMutex
	onReload  []func(*domain.Config)
	watchOnce sync.Once
}

// New loads configuration from configPath, or from the default location when
// configPath is empty. A missing config file is written from the default
// template first.
func New(configPath string) (*AppConfig, error) {
	c := &AppConfig{
		viper:     viper.New(),
		debouncer: debounce.New(reloadQuietDelay),
	}

	if configPath == "" {
		configPath = filepath.Join(getDefaultConfigDir(), configFileName)
	} else if info, err := os.Stat(configPath); err == nil && info.IsDir() {
		configPath = filepath.Join(configPath, configFileName)
	}
	c.configPath = configPath

	c.viper.SetConfigType("toml")
	c.viper.SetConfigFile(configPath)

	for key, env := range envBindings {
		if err := c.viper.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := writeDefaultConfig(configPath); err != nil {
			return nil, err
		}
		log.Info().Str("path", configPath).Msg("config: generated default config file")
	}

	if err := c.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	cfg, err := c.parse()
	if err != nil {
		return nil, err
	}
	c.Config = cfg

	return c, nil
}

func (c *AppConfig) parse() (*domain.Config, error) {
	var cfg domain.Config
	if err := c.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ConfigPath returns the resolved config file location.
func (c *AppConfig) ConfigPath() string {
	return c.configPath
}

// GetDatabasePath resolves the catalog database location: an explicit
// databasePath (env or file) wins, otherwise the catalog sits next to the
// config file.
func (c *AppConfig) GetDatabasePath() string {
	if p := c.viper.GetString("databasePath"); p != "" {
		return p
	}
	return filepath.Join(filepath.Dir(c.configPath), catalogFileName)
}

// GetStoreDir resolves the per-user store directory: dataDir when set,
// otherwise a users/ directory next to the config file.
func (c *AppConfig) GetStoreDir() string {
	if c.Config.DataDir != "" {
		return filepath.Join(c.Config.DataDir, "users")
	}
	return filepath.Join(filepath.Dir(c.configPath), "users")
}

// OnReload registers a callback invoked with the fresh config after a
// successful file reload.
func (c *AppConfig) OnReload(fn func(*domain.Config)) {
	c.mu.Lock()
	c.onReload = append(c.onReload, fn)
	c.mu.Unlock()
}

// Watch starts watching the config file. Filesystem events are debounced;
// a reload that fails to parse keeps the previous config.
func (c *AppConfig) Watch() {
	c.watchOnce.Do(func() {
		c.viper.OnConfigChange(func(e fsnotify.Event) {
			c.debouncer.Do(c.reload)
		})
		c.viper.WatchConfig()
		log.Debug().Str("path", c.configPath).Msg("config: watching for changes")
	})
}

func (c *AppConfig) reload() {
	if err := c.viper.ReadInConfig(); err != nil {
		log.Error().Err(err).Msg("config: reload failed, keeping previous config")
		return
	}

	cfg, err := c.parse()
	if err != nil {
		log.Error().Err(err).Msg("config: reload failed, keeping previous config")
		return
	}

	c.mu.Lock()
	c.Config = cfg
	callbacks := make([]func(*domain.Config), len(c.onReload))
	copy(callbacks, c.onReload)
	c.mu.Unlock()

	logger.SetLevel(cfg.LogLevel)
	log.Info().Str("logLevel", cfg.LogLevel).Msg("config: reloaded")

	for _, fn := range callbacks {
		fn(cfg)
	}
}

// Stop shuts down the reload debouncer.
func (c *AppConfig) Stop() {
	c.debouncer.Stop()
}

// getDefaultConfigDir resolves where the config lives when no path is given.
// A container-style XDG_CONFIG_HOME of /config is used directly; otherwise
// the platform config dir gets a torboxd subdirectory.
func getDefaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		if xdg == "/config" {
			return xdg
		}
		return filepath.Join(xdg, "torboxd")
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return "."
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "torboxd")
}

const defaultConfigTemplate = `# config.toml - Auto-generated on first run

# Hostname / IP for the HTTP server
# Default: "127.0.0.1"
host = "%s"

# Port for the HTTP server
# Default: 7171
port = %d

# Encryption secret for stored upstream credentials
# Generated on first run; keep this stable or stored credentials become
# unreadable
encryptionSecret = "%s"

# Log level
# Default: "INFO"
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "INFO"

# Log file path
# If not defined, logs to stdout
# Optional
#logPath = "log/torboxd.log"

# Log rotation
# Maximum log file size in megabytes before rotation
# Default: 50
#logMaxSize = 50

# Number of rotated log files to retain (0 keeps all)
# Default: 3
#logMaxBackups = 3

# Directory for per-user stores
# Default: a users/ directory next to this file
#dataDir = ""

# Catalog database path
# Default: torboxd.db next to this file
#databasePath = ""

# Prometheus metrics endpoint
# Default: disabled
#metricsEnabled = false
#metricsHost = "127.0.0.1"
#metricsPort = 9074

# Upstream API
#torboxBaseUrl = "https://api.torbox.app/v1/api"
#torboxRequestsPerMinute = 60

# Polling
#pollCheckIntervalMs = 30000
#refreshIntervalMs = 60000
#pollTimeoutMs = 300000
#maxConcurrentPolls = 7

# Store pool
#maxDbConnections = 200
#poolEvictionThreshold = 0.85
#poolIdleTimeoutMs = 420000
`

// writeDefaultConfig materializes the commented default config, generating a
// fresh encryption secret.
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	secret, err := generateSecret()
	if err != nil {
		return err
	}

	content := fmt.Sprintf(defaultConfigTemplate, "127.0.0.1", 7171, secret)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}

// Defaults returns a fresh config with defaults applied, for gen-config.
func Defaults() *domain.Config {
	cfg := &domain.Config{}
	cfg.ApplyDefaults()
	return cfg
}

// RenderDefault renders the default config template with the given secret,
// for writing to stdout or a custom location.
func RenderDefault(secret string) string {
	return fmt.Sprintf(defaultConfigTemplate, "127.0.0.1", 7171, secret)
}

// GenerateSecret returns a fresh hex-encoded 32-byte encryption secret.
func GenerateSecret() (string, error) {
	return generateSecret()
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate encryption secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
