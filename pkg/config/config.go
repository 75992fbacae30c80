// Package config loads the ensync-node configuration from YAML files and
// ENSYNC_NODE_* environment variables.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig is the full node configuration.
type NodeConfig struct {
	GRPC     ListenConfig   `yaml:"grpc"`
	HTTP     ListenConfig   `yaml:"http"`
	Auth     AuthConfig     `yaml:"auth"`
	Bus      BusConfig      `yaml:"bus"`
	Store    StoreConfig    `yaml:"store"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ListenConfig is a server bind address.
type ListenConfig struct {
	Address string `yaml:"address"`
}

// AuthConfig controls who may connect.
type AuthConfig struct {
	// AccessKeys accepted on Connect. Empty accepts any non-empty key.
	AccessKeys []string `yaml:"access_keys"`
	// TokenSecret signs session tokens. Empty generates one per process.
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

// BusConfig selects the internal message bus.
type BusConfig struct {
	// URL is "memory://" or a NATS URL.
	URL     string        `yaml:"url"`
	Name    string        `yaml:"name"`
	Timeout time.Duration `yaml:"timeout"`
}

// StoreConfig locates the event log.
type StoreConfig struct {
	DSN       string        `yaml:"dsn"`
	Retention time.Duration `yaml:"retention"`
}

// DeliveryConfig tunes redelivery.
type DeliveryConfig struct {
	MaxDeferDelay   time.Duration `yaml:"max_defer_delay"`
	PendingBatch    int           `yaml:"pending_batch"`
	SessionBuffer   int           `yaml:"session_buffer"`
	PruneInterval   time.Duration `yaml:"prune_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig selects level and handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig toggles the stdout span exporter.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultNodeConfig returns the configuration used when nothing is set.
func DefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		GRPC: ListenConfig{Address: ":50051"},
		HTTP: ListenConfig{Address: ":8080"},
		Auth: AuthConfig{TokenTTL: 24 * time.Hour},
		Bus: BusConfig{
			URL:     "memory://",
			Name:    "ensync-node",
			Timeout: 10 * time.Second,
		},
		Store: StoreConfig{
			DSN:       defaultStoreDSN(),
			Retention: 7 * 24 * time.Hour,
		},
		Delivery: DeliveryConfig{
			MaxDeferDelay:   24 * time.Hour,
			PendingBatch:    100,
			SessionBuffer:   256,
			PruneInterval:   time.Hour,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

func defaultStoreDSN() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".ensync", "events.db")
	}
	return filepath.Join(home, ".ensync", "events.db")
}

// Load reads ~/.ensync/node.yaml and then ./ensync-node.yaml, each
// overriding the last, and applies environment overrides.
func Load() (*NodeConfig, error) {
	cfg := DefaultNodeConfig()

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userPath := filepath.Join(home, ".ensync", "node.yaml")
		if err := loadAndMerge(cfg, userPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}
	if err := loadAndMerge(cfg, "ensync-node.yaml"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*NodeConfig, error) {
	cfg := DefaultNodeConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// loadAndMerge decodes a YAML file over cfg. Keys absent from the file keep
// their current values.
func loadAndMerge(cfg *NodeConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *NodeConfig) {
	if v := os.Getenv("ENSYNC_NODE_GRPC_ADDR"); v != "" {
		cfg.GRPC.Address = v
	}
	if v := os.Getenv("ENSYNC_NODE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Address = v
	}
	if v := os.Getenv("ENSYNC_NODE_ACCESS_KEYS"); v != "" {
		cfg.Auth.AccessKeys = splitCommaList(v)
	}
	if v := os.Getenv("ENSYNC_NODE_TOKEN_SECRET"); v != "" {
		cfg.Auth.TokenSecret = v
	}
	if v := os.Getenv("ENSYNC_NODE_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Auth.TokenTTL = d
		}
	}
	if v := os.Getenv("ENSYNC_NODE_BUS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv("ENSYNC_NODE_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("ENSYNC_NODE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ENSYNC_NODE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if val, ok := envBool("ENSYNC_NODE_TRACING"); ok {
		cfg.Tracing.Enabled = val
	}
}

func splitCommaList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func isLoopbackBindAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	switch strings.ToLower(host) {
	case "localhost":
		return true
	case "0.0.0.0", "::":
		return false
	default:
		ip := net.ParseIP(host)
		if ip == nil {
			return false
		}
		return ip.IsLoopback()
	}
}

// Validate checks configuration validity
func (c *NodeConfig) Validate() error {
	if strings.TrimSpace(c.GRPC.Address) == "" {
		return fmt.Errorf("grpc.address is required")
	}
	if strings.TrimSpace(c.HTTP.Address) == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive, got %s", c.Auth.TokenTTL)
	}

	u, err := url.Parse(c.Bus.URL)
	if err != nil {
		return fmt.Errorf("invalid bus.url %q: %w", c.Bus.URL, err)
	}
	switch u.Scheme {
	case "memory", "nats", "tls", "ws", "wss":
	default:
		return fmt.Errorf("invalid bus.url scheme %q (valid: memory, nats, tls, ws, wss)", u.Scheme)
	}

	if strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if c.Delivery.MaxDeferDelay <= 0 {
		return fmt.Errorf("delivery.max_defer_delay must be positive")
	}
	if c.Delivery.SessionBuffer <= 0 {
		return fmt.Errorf("delivery.session_buffer must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging.level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging.format: %s (valid: json, text)", c.Logging.Format)
	}
	return nil
}

// ValidationWarnings lists settings that are valid but probably unintended.
func (c *NodeConfig) ValidationWarnings() []string {
	var warnings []string
	if len(c.Auth.AccessKeys) == 0 {
		if !isLoopbackBindAddress(c.GRPC.Address) || !isLoopbackBindAddress(c.HTTP.Address) {
			warnings = append(warnings, "no access keys configured and the node listens beyond loopback; any key will be accepted")
		} else {
			warnings = append(warnings, "no access keys configured; any key will be accepted")
		}
	}
	if c.Auth.TokenSecret == "" {
		warnings = append(warnings, "auth.token_secret is empty; sessions will not survive a restart")
	}
	return warnings
}
