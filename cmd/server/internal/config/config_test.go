package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validTestConfig() *Config {
	cfg := defaults()
	cfg.Security.JWTSecret = strings.Repeat("s", 32)
	return cfg
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Server.Port != "8000" {
		t.Errorf("Expected default port 8000, got %s", cfg.Server.Port)
	}
	if cfg.WS.MaxConnsPerDocUser != 5 {
		t.Errorf("Expected default connection cap 5, got %d", cfg.WS.MaxConnsPerDocUser)
	}
	if cfg.WS.PresenceTTLSec != 300 {
		t.Errorf("Expected default presence TTL 300, got %d", cfg.WS.PresenceTTLSec)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("WS_OP_THROTTLE_MS", "200")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Server.Port != "9000" {
		t.Errorf("Expected port 9000 from env, got %s", cfg.Server.Port)
	}
	if cfg.WS.OpThrottleMs != 200 {
		t.Errorf("Expected op throttle 200ms from env, got %d", cfg.WS.OpThrottleMs)
	}
}

func TestLoadConfigYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "server:\n  port: \"8443\"\nws:\n  version_keep_count: 10\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	t.Setenv("CODOCS_CONFIG", path)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Server.Port != "8443" {
		t.Errorf("Expected port 8443 from file, got %s", cfg.Server.Port)
	}
	if cfg.WS.VersionKeepCount != 10 {
		t.Errorf("Expected keep count 10 from file, got %d", cfg.WS.VersionKeepCount)
	}
}

func TestValidateConfig(t *testing.T) {
	cfg := validTestConfig()
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateConfigShortSecret(t *testing.T) {
	cfg := validTestConfig()
	cfg.Security.JWTSecret = "short"

	err := ValidateConfig(cfg)
	if err == nil {
		t.Fatal("expected error for short JWT secret")
	}
	if !strings.Contains(err.Error(), "at least 32 characters") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestValidateConfigPresenceTTL(t *testing.T) {
	cfg := validTestConfig()
	cfg.WS.PresenceTTLSec = 10
	cfg.WS.HeartbeatSec = 30

	err := ValidateConfig(cfg)
	if err == nil {
		t.Fatal("expected error when presence TTL <= heartbeat interval")
	}
	if !strings.Contains(err.Error(), "WS_PRESENCE_TTL") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestMaskSecret(t *testing.T) {
	if got := maskSecret(""); got != "<not set>" {
		t.Errorf("Expected <not set>, got %s", got)
	}
	if got := maskSecret("abc"); got != "***" {
		t.Errorf("Expected ***, got %s", got)
	}
	masked := maskSecret("supersecretvalue")
	if strings.Contains(masked, "secretva") {
		t.Errorf("mask leaked middle of secret: %s", masked)
	}
}
