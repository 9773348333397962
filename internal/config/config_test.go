package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Relays) == 0 {
		t.Fatal("expected default relays, got none")
	}
	if cfg.Redundancy != 2 {
		t.Fatalf("expected default redundancy 2, got %d", cfg.Redundancy)
	}
}

func TestLoadParsesDurationsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
relays = ["wss://a.example", "wss://b.example"]
redundancy = 4
max_relays = 10
backoff_base = "1s"
backoff_cap = "30s"
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Relays) != 2 {
		t.Fatalf("expected 2 relays, got %d", len(cfg.Relays))
	}
	if cfg.Redundancy != 4 {
		t.Fatalf("expected redundancy 4, got %d", cfg.Redundancy)
	}
	if cfg.MaxRelays != 10 {
		t.Fatalf("expected max_relays 10, got %d", cfg.MaxRelays)
	}
	if cfg.BackoffBase.Duration != time.Second {
		t.Fatalf("expected backoff_base 1s, got %v", cfg.BackoffBase.Duration)
	}
	if cfg.BackoffCap.Duration != 30*time.Second {
		t.Fatalf("expected backoff_cap 30s, got %v", cfg.BackoffCap.Duration)
	}
	// Untouched fields keep their defaults.
	if cfg.PingInterval.Duration != 55*time.Second {
		t.Fatalf("expected default ping_interval, got %v", cfg.PingInterval.Duration)
	}
}

func TestConfigConversionsThreadOverridesThrough(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
redundancy = 7
max_relays = 9
backoff_base = "1s"
backoff_cap = "30s"
connect_timeout = "3s"
compact_interval_days = 2
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	pc := cfg.PickerConfig()
	if pc.N != 7 || pc.M != 9 {
		t.Fatalf("PickerConfig = %+v, want N=7 M=9", pc)
	}

	mc := cfg.MinionConfig()
	if mc.BackoffBase != time.Second || mc.BackoffCap != 30*time.Second {
		t.Fatalf("MinionConfig backoff = %+v, want base=1s cap=30s", mc)
	}
	if mc.ConnectTimeout != 3*time.Second {
		t.Fatalf("MinionConfig.ConnectTimeout = %v, want 3s", mc.ConnectTimeout)
	}

	oc := cfg.OverlordConfig()
	if oc.Picker.N != 7 {
		t.Fatalf("OverlordConfig.Picker.N = %d, want 7", oc.Picker.N)
	}
	if oc.Minion.BackoffCap != 30*time.Second {
		t.Fatalf("OverlordConfig.Minion.BackoffCap = %v, want 30s", oc.Minion.BackoffCap)
	}
	// Fields the config file didn't override keep the package default.
	if oc.ShutdownGrace != 5*time.Second {
		t.Fatalf("OverlordConfig.ShutdownGrace = %v, want package default 5s", oc.ShutdownGrace)
	}
}

func TestProfileDirRespectsEnv(t *testing.T) {
	t.Setenv("PROFILE_DIR", "/tmp/gossip-test-base")
	t.Setenv("PROFILE_NAME", "alice")
	dir, err := ProfileDir()
	if err != nil {
		t.Fatalf("ProfileDir: %v", err)
	}
	want := filepath.Join("/tmp/gossip-test-base", "alice")
	if dir != want {
		t.Fatalf("expected %s, got %s", want, dir)
	}
}
