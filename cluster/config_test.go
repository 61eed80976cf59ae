package cluster

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exchange.toml")
	contents := "tag = 7\npoll_interval_ms = 25\ntimeout_ms = 1500\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Tag != 7 {
		t.Fatalf("expected tag 7, got %d", cfg.Tag)
	}
	if cfg.PollInterval != 25*time.Millisecond {
		t.Fatalf("expected 25ms poll interval, got %v", cfg.PollInterval)
	}
	if cfg.Timeout != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s timeout, got %v", cfg.Timeout)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFileConfigRejectsNegativeDurations(t *testing.T) {
	if _, err := (FileConfig{PollIntervalMS: -1}).Config(); err == nil {
		t.Fatal("expected error for negative poll interval")
	}
	if _, err := (FileConfig{TimeoutMS: -5}).Config(); err == nil {
		t.Fatal("expected error for negative timeout")
	}
}
