package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestGetConfigDir(t *testing.T) {
	if runtime.GOOS != "windows" {
		t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	}

	configDir, err := GetConfigDir()
	if err != nil {
		t.Fatalf("GetConfigDir() error = %v", err)
	}
	if !strings.Contains(configDir, "iotgate") {
		t.Errorf("GetConfigDir() = %v, should contain 'iotgate'", configDir)
	}
	if runtime.GOOS == "linux" && configDir != filepath.Join("/tmp/xdg", "iotgate") {
		t.Errorf("GetConfigDir() = %v, want XDG_CONFIG_HOME based path", configDir)
	}
}

func TestGetConfigPath(t *testing.T) {
	configPath, err := GetConfigPath()
	if err != nil {
		t.Fatalf("GetConfigPath() error = %v", err)
	}
	if filepath.Base(configPath) != "server.yaml" {
		t.Errorf("GetConfigPath() should end with 'server.yaml', got: %v", configPath)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Listen.Port != 5050 {
		t.Errorf("Port = %v, want 5050", cfg.Listen.Port)
	}
	if cfg.Listen.PollInterval != time.Second {
		t.Errorf("PollInterval = %v, want 1s", cfg.Listen.PollInterval)
	}
	if cfg.Listen.IdleTimeout != 90*time.Second {
		t.Errorf("IdleTimeout = %v, want 90s", cfg.Listen.IdleTimeout)
	}
	if cfg.Credentials.Backend != "file" {
		t.Errorf("Backend = %v, want file", cfg.Credentials.Backend)
	}
	if cfg.TLS.Enabled() {
		t.Error("TLS should be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Listen.Port = 70000 }, "listen.port"},
		{"zero poll", func(c *Config) { c.Listen.PollInterval = 0 }, "poll_interval"},
		{"zero idle", func(c *Config) { c.Listen.IdleTimeout = 0 }, "idle_timeout"},
		{"cert without key", func(c *Config) { c.TLS.Cert = "cert.pem" }, "tls.cert and tls.key"},
		{"hmac without secret", func(c *Config) { c.Credentials.Backend = "hmac" }, "credentials.secret"},
		{"sqlite without path", func(c *Config) {
			c.Credentials.Backend = "sqlite"
			c.Credentials.Path = ""
		}, "credentials.path"},
		{"unknown backend", func(c *Config) { c.Credentials.Backend = "ldap" }, "unknown credentials.backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Listen.Port != 5050 {
		t.Errorf("missing file should give defaults, got port %d", cfg.Listen.Port)
	}
}

func TestLoadKeepsDefaultsForMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	content := "version: 1\nlisten:\n  port: 6060\n  idle_timeout: 2m\ncapture:\n  dir: /var/lib/iotgate\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Listen.Port != 6060 {
		t.Errorf("Port = %v, want 6060", cfg.Listen.Port)
	}
	if cfg.Listen.IdleTimeout != 2*time.Minute {
		t.Errorf("IdleTimeout = %v, want 2m", cfg.Listen.IdleTimeout)
	}
	if cfg.Listen.PollInterval != time.Second {
		t.Errorf("PollInterval = %v, want default 1s", cfg.Listen.PollInterval)
	}
	if cfg.Capture.Dir != "/var/lib/iotgate" {
		t.Errorf("Capture.Dir = %v", cfg.Capture.Dir)
	}
}

func TestLoadRejectsVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte("version: 2\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() should reject version 2")
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "server.yaml")

	cfg := Default()
	cfg.Listen.Host = "127.0.0.1"
	cfg.TLS.Generate = true
	cfg.TLS.Hosts = []string{"gateway.local"}
	cfg.Credentials.Backend = "hmac"
	cfg.Credentials.Secret = "fleet-secret"
	cfg.Discovery.Enabled = true
	cfg.LogLevel = "debug"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file should be renamed away")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Listen.Host != "127.0.0.1" || !loaded.TLS.Enabled() || loaded.Credentials.Secret != "fleet-secret" {
		t.Errorf("Load() = %+v, lost saved values", loaded)
	}
	if loaded.Listen.WriteTimeout != 100*time.Millisecond {
		t.Errorf("WriteTimeout = %v, want 100ms", loaded.Listen.WriteTimeout)
	}
	if !loaded.Discovery.Enabled || loaded.LogLevel != "debug" {
		t.Errorf("Load() = %+v, lost discovery or log level", loaded)
	}
}
