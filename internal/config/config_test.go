package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromPathMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := `
dataDir: /var/lib/kraken-chat
network:
  backend: go-waku
  port: 61000
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path, Overrides{})
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Network.Backend != "go-waku" || cfg.Network.Port != 61000 {
		t.Fatalf("file values should win: %+v", cfg.Network)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unset values should keep defaults, got %q", cfg.LogLevel)
	}
	if cfg.StorePath != filepath.Join("/var/lib/kraken-chat", "chat.db") {
		t.Fatalf("store path should derive from data dir, got %q", cfg.StorePath)
	}
	if cfg.Cache.PassphraseEnv != EnvCachePassphrase {
		t.Fatalf("unexpected passphrase env %q", cfg.Cache.PassphraseEnv)
	}
}

func TestLoadFromPathExplicitPathMustExist(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"), Overrides{}); err == nil {
		t.Fatalf("explicit missing path should error")
	}
}

func TestDataDirOverrideMovesDerivedPaths(t *testing.T) {
	cfg, err := LoadFromPath("", Overrides{DataDir: "/x"})
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.DataDir != "/x" {
		t.Fatalf("override should set the data dir, got %q", cfg.DataDir)
	}
	if cfg.StorePath != filepath.Join("/x", "chat.db") {
		t.Fatalf("store path must follow the overridden data dir, got %q", cfg.StorePath)
	}
	if cfg.Cache.Path != filepath.Join("/x", "cache.enc") {
		t.Fatalf("cache path must follow the overridden data dir, got %q", cfg.Cache.Path)
	}
}

func TestExplicitPathsSurviveDataDirOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("storePath: /var/db/chat.db\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path, Overrides{DataDir: "/x"})
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.StorePath != "/var/db/chat.db" {
		t.Fatalf("explicit store path must win over derivation, got %q", cfg.StorePath)
	}
	if cfg.Cache.Path != filepath.Join("/x", "cache.enc") {
		t.Fatalf("derived cache path must follow the override, got %q", cfg.Cache.Path)
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("logLevel: warn\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv(envLogLevel, "debug")
	t.Setenv(envTransportBackend, "mock")

	cfg, err := LoadFromPath(path, Overrides{})
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("env override should win, got %q", cfg.LogLevel)
	}
	if cfg.Network.Backend != "mock" {
		t.Fatalf("env backend override should win, got %q", cfg.Network.Backend)
	}
}
