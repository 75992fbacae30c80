package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultNodeConfig(t *testing.T) {
	cfg := DefaultNodeConfig()

	if cfg.GRPC.Address != ":50051" || cfg.HTTP.Address != ":8080" {
		t.Fatalf("unexpected default addresses: %+v %+v", cfg.GRPC, cfg.HTTP)
	}
	if cfg.Bus.URL != "memory://" {
		t.Fatalf("default bus should be in-process, got %q", cfg.Bus.URL)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "node.yaml", `
grpc:
  address: 127.0.0.1:6000
auth:
  access_keys: [key-a, key-b]
  token_ttl: 2h
bus:
  url: nats://localhost:4222
logging:
  level: debug
`)

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.GRPC.Address != "127.0.0.1:6000" {
		t.Errorf("grpc address = %q", cfg.GRPC.Address)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Errorf("unset http address should keep default, got %q", cfg.HTTP.Address)
	}
	if len(cfg.Auth.AccessKeys) != 2 || cfg.Auth.TokenTTL != 2*time.Hour {
		t.Errorf("unexpected auth config: %+v", cfg.Auth)
	}
	if cfg.Bus.URL != "nats://localhost:4222" || cfg.Logging.Level != "debug" {
		t.Errorf("unexpected bus/logging: %+v %+v", cfg.Bus, cfg.Logging)
	}
}

func TestLoadFromPathMissingFile(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadHierarchy(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	t.Setenv("HOME", home)

	writeConfig(t, home, filepath.Join(".ensync", "node.yaml"), `
grpc:
  address: 127.0.0.1:7000
http:
  address: 127.0.0.1:7001
`)
	writeConfig(t, project, "ensync-node.yaml", `
http:
  address: 127.0.0.1:9000
`)

	oldWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(project); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(oldWD) })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GRPC.Address != "127.0.0.1:7000" {
		t.Errorf("user config should set grpc address, got %q", cfg.GRPC.Address)
	}
	if cfg.HTTP.Address != "127.0.0.1:9000" {
		t.Errorf("project config should win for http address, got %q", cfg.HTTP.Address)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ENSYNC_NODE_GRPC_ADDR", "127.0.0.1:1")
	t.Setenv("ENSYNC_NODE_ACCESS_KEYS", " a, ,b ")
	t.Setenv("ENSYNC_NODE_TOKEN_TTL", "30m")
	t.Setenv("ENSYNC_NODE_BUS_URL", "nats://bus:4222")
	t.Setenv("ENSYNC_NODE_STORE_DSN", ":memory:")
	t.Setenv("ENSYNC_NODE_LOG_FORMAT", "text")
	t.Setenv("ENSYNC_NODE_TRACING", "yes")

	cfg := DefaultNodeConfig()
	applyEnvOverrides(cfg)

	if cfg.GRPC.Address != "127.0.0.1:1" {
		t.Errorf("grpc address = %q", cfg.GRPC.Address)
	}
	if strings.Join(cfg.Auth.AccessKeys, "|") != "a|b" {
		t.Errorf("access keys = %v", cfg.Auth.AccessKeys)
	}
	if cfg.Auth.TokenTTL != 30*time.Minute {
		t.Errorf("token ttl = %s", cfg.Auth.TokenTTL)
	}
	if cfg.Bus.URL != "nats://bus:4222" || cfg.Store.DSN != ":memory:" || cfg.Logging.Format != "text" {
		t.Errorf("unexpected overrides: %+v", cfg)
	}
	if !cfg.Tracing.Enabled {
		t.Error("tracing should be enabled")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*NodeConfig)
		want   string
	}{
		{"empty grpc", func(c *NodeConfig) { c.GRPC.Address = "" }, "grpc.address"},
		{"bad ttl", func(c *NodeConfig) { c.Auth.TokenTTL = 0 }, "token_ttl"},
		{"bad bus scheme", func(c *NodeConfig) { c.Bus.URL = "kafka://x" }, "bus.url scheme"},
		{"empty dsn", func(c *NodeConfig) { c.Store.DSN = " " }, "store.dsn"},
		{"bad level", func(c *NodeConfig) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *NodeConfig) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultNodeConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestValidationWarnings(t *testing.T) {
	cfg := DefaultNodeConfig()
	warnings := cfg.ValidationWarnings()
	if len(warnings) != 2 || !strings.Contains(warnings[0], "beyond loopback") {
		t.Fatalf("unexpected warnings: %v", warnings)
	}

	cfg.Auth.AccessKeys = []string{"k"}
	cfg.Auth.TokenSecret = "s"
	if w := cfg.ValidationWarnings(); len(w) != 0 {
		t.Fatalf("expected no warnings, got %v", w)
	}
}
