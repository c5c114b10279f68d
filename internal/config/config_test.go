package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{
		DefaultProfile: "work",
		Server: ServerConfig{
			BaseURL: "https://chat.example.com",
			WSURL:   "wss://chat.example.com/ws",
		},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Server.WSURL != "wss://chat.example.com/ws" {
		t.Errorf("WSURL = %q", loaded.Server.WSURL)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadAppliesSyncDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	if err := Save(path, &Config{DefaultProfile: "default"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Sync.BackoffBase(); got != time.Second {
		t.Errorf("BackoffBase = %v, want 1s", got)
	}
	if got := cfg.Sync.BackoffMax(); got != 30*time.Second {
		t.Errorf("BackoffMax = %v, want 30s", got)
	}
	if got := cfg.Sync.SendTimeout(); got != 10*time.Second {
		t.Errorf("SendTimeout = %v, want 10s", got)
	}
	if got := cfg.Sync.PresencePoll(); got != 30*time.Second {
		t.Errorf("PresencePoll = %v, want 30s", got)
	}
	if cfg.Sync.OutboundQueueSize != 256 {
		t.Errorf("OutboundQueueSize = %d, want 256", cfg.Sync.OutboundQueueSize)
	}
}

func TestNormalizeKeepsExplicitValues(t *testing.T) {
	cfg := &Config{Sync: SyncConfig{BackoffBaseMS: 250, SendTimeoutMS: 5000}}
	cfg.Normalize()
	if got := cfg.Sync.BackoffBase(); got != 250*time.Millisecond {
		t.Errorf("BackoffBase = %v, want 250ms", got)
	}
	if got := cfg.Sync.SendTimeout(); got != 5*time.Second {
		t.Errorf("SendTimeout = %v, want 5s", got)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultProfile: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
