package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	t.Setenv("AGENT_RELAY_CONFIG_DIR", t.TempDir())

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StorageType != "memory" {
		t.Errorf("storage_type = %q", cfg.StorageType)
	}
	if cfg.HTTPAddr != "127.0.0.1:3737" {
		t.Errorf("http_addr = %q", cfg.HTTPAddr)
	}
	if cfg.AckTimeout != 2*time.Second || cfg.DeliveryTTL != 60*time.Second || cfg.MaxAttempts != 5 {
		t.Errorf("delivery tuning = %v/%v/%d", cfg.AckTimeout, cfg.DeliveryTTL, cfg.MaxAttempts)
	}
	if cfg.SocketPath != filepath.Join(cfg.DataDir, "relay.sock") {
		t.Errorf("socket_path = %q", cfg.SocketPath)
	}
	if !cfg.AutoStartDaemons {
		t.Error("auto_start_daemons should default on")
	}
	if !strings.HasPrefix(cfg.DataDir, cfg.ConfigDir) {
		t.Errorf("data dir %q should nest under config dir %q", cfg.DataDir, cfg.ConfigDir)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENT_RELAY_CONFIG_DIR", t.TempDir())
	t.Setenv("AGENT_RELAY_STORAGE_TYPE", "bolt")
	t.Setenv("AGENT_RELAY_STORAGE_PATH", "/tmp/custom.db")
	t.Setenv("AGENT_RELAY_CLOUD_URL", "https://relay.example.com")
	t.Setenv("AGENT_RELAY_API_KEY", "k1")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StorageType != "bolt" || cfg.StoragePath != "/tmp/custom.db" {
		t.Errorf("storage = %q %q", cfg.StorageType, cfg.StoragePath)
	}
	if cfg.CloudURL != "https://relay.example.com" || cfg.APIKey != "k1" {
		t.Errorf("cloud = %q %q", cfg.CloudURL, cfg.APIKey)
	}
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	contents := `
storage_type: bolt
log_level: debug
max_attempts: 7
ws_addr: "127.0.0.1:9100"
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(contents), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("AGENT_RELAY_CONFIG_DIR", dir)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StorageType != "bolt" || cfg.LogLevel != "debug" || cfg.MaxAttempts != 7 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.WSAddr != "127.0.0.1:9100" {
		t.Errorf("ws_addr = %q", cfg.WSAddr)
	}
}

func TestEnvBeatsConfigFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("storage_type: bolt\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("AGENT_RELAY_CONFIG_DIR", dir)
	t.Setenv("AGENT_RELAY_STORAGE_TYPE", "memory")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StorageType != "memory" {
		t.Errorf("storage_type = %q, want the env value", cfg.StorageType)
	}
}

func TestValidation(t *testing.T) {
	t.Run("bad storage type", func(t *testing.T) {
		t.Setenv("AGENT_RELAY_CONFIG_DIR", t.TempDir())
		t.Setenv("AGENT_RELAY_STORAGE_TYPE", "postgres")
		if _, err := LoadConfig(); err == nil {
			t.Error("unknown storage type accepted")
		}
	})

	t.Run("cloud url without key", func(t *testing.T) {
		t.Setenv("AGENT_RELAY_CONFIG_DIR", t.TempDir())
		t.Setenv("AGENT_RELAY_CLOUD_URL", "https://relay.example.com")
		t.Setenv("AGENT_RELAY_API_KEY", "")
		if _, err := LoadConfig(); err == nil {
			t.Error("cloud url without api key accepted")
		}
	})

	t.Run("bad tuning from file", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("max_attempts: 0\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		t.Setenv("AGENT_RELAY_CONFIG_DIR", dir)
		if _, err := LoadConfig(); err == nil {
			t.Error("zero max_attempts accepted")
		}
	})
}

func TestDerivedDirs(t *testing.T) {
	cfg := &Config{ConfigDir: "/etc/agent-relay"}
	if got := cfg.LocalPolicyDir(); got != filepath.Join("/etc/agent-relay", "policies") {
		t.Errorf("policy dir = %q", got)
	}
	if got := cfg.KeyDir(); got != filepath.Join("/etc/agent-relay", "keys") {
		t.Errorf("key dir = %q", got)
	}
}
