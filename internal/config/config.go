// Package config loads server configuration from YAML with safe defaults.
package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dmforge/encounterd/internal/logger"
)

// ServerConfig holds server-wide configuration settings.
type ServerConfig struct {
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	Connections ConnectionsConfig `yaml:"connections"`
	Session     SessionConfig     `yaml:"session"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Logging     logger.Config     `yaml:"logging"`
}

// WebSocketConfig holds WebSocket-specific settings.
type WebSocketConfig struct {
	// AllowedOrigins lists origins allowed to connect. Empty enforces
	// same-origin; "*" allows everything (not recommended in production).
	AllowedOrigins []string `yaml:"allowed_origins"`

	// MaxMessageSize is the maximum inbound message size in bytes.
	MaxMessageSize int64 `yaml:"max_message_size"`
}

// ConnectionsConfig holds connection limit settings. Zero means unlimited.
type ConnectionsConfig struct {
	MaxPerIP int `yaml:"max_per_ip"`
	MaxTotal int `yaml:"max_total"`
}

// SessionConfig holds encounter session housekeeping settings.
type SessionConfig struct {
	// AutoSaveIntervalMinutes is how often hot encounters are snapshotted
	// in the background. 0 disables the periodic pass; mutations are still
	// saved asynchronously as they happen.
	AutoSaveIntervalMinutes int `yaml:"auto_save_interval_minutes"`

	// SaveQueueSize is the capacity of the asynchronous save queue.
	SaveQueueSize int `yaml:"save_queue_size"`
}

// DatabaseConfig selects the snapshot store backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`

	// Path is the database file path (sqlite only).
	Path string `yaml:"path"`

	// DSN is the connection string (postgres only).
	DSN string `yaml:"dsn"`
}

// AuthConfig points at the API token registry.
type AuthConfig struct {
	// TokenFile is a YAML file of caller ids and bcrypt token hashes.
	TokenFile string `yaml:"token_file"`
}

// DefaultConfig returns a ServerConfig with secure defaults.
func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		WebSocket: WebSocketConfig{
			AllowedOrigins: []string{},
			MaxMessageSize: 16384,
		},
		Connections: ConnectionsConfig{
			MaxPerIP: 8,
			MaxTotal: 500,
		},
		Session: SessionConfig{
			AutoSaveIntervalMinutes: 5,
			SaveQueueSize:           256,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "data/encounterd.db",
		},
		Auth: AuthConfig{
			TokenFile: "data/tokens.yaml",
		},
		Logging: logger.DefaultConfig(),
	}
}

// Load loads server configuration from a YAML file.
// A missing file yields the defaults; a malformed file is an error.
func Load(path string) (*ServerConfig, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return DefaultConfig(), err
	}

	return cfg, nil
}

// IsOriginAllowed reports whether the given Origin header value may connect.
// An empty allow-list enforces same-origin against the request host.
func (c *WebSocketConfig) IsOriginAllowed(origin, requestHost string) bool {
	if len(c.AllowedOrigins) == 0 {
		return isSameOrigin(origin, requestHost)
	}

	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}

	return false
}

func isSameOrigin(origin, requestHost string) bool {
	// No Origin header means a non-browser client.
	if origin == "" {
		return true
	}

	originHost := origin
	if idx := strings.Index(origin, "://"); idx != -1 {
		originHost = origin[idx+3:]
	}
	originHost = strings.TrimSuffix(originHost, "/")

	return originHost == requestHost
}
