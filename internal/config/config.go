// Package config loads the engine's TOML configuration, following the
// teacher's config.go: a defaulted struct, a PROFILE_DIR/PROFILE_NAME-aware
// path resolver, and tolerant defaulting of zero-value fields after
// unmarshal.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/gossipnostr/gossip/internal/minion"
	"github.com/gossipnostr/gossip/internal/overlord"
	"github.com/gossipnostr/gossip/internal/picker"
	"github.com/gossipnostr/gossip/internal/seekers"
)

// Config is the full set of user-tunable engine parameters. Fields map
// 1:1 onto spec §4.4 (Relay Picker), §4.3 (Minion timeouts/backoff), and
// §6 (Environment).
type Config struct {
	Relays         []string      `toml:"relays"`
	PrivateKeyFile string        `toml:"private_key_file"`

	// Relay Picker tuning (§4.4).
	Redundancy      int  `toml:"redundancy"`       // N: desired relays per followed person
	MaxRelays       int  `toml:"max_relays"`        // M: max simultaneous following-feed relays
	SpamSafeOnly    bool `toml:"spam_safe_only"`     // copied to picker.Config.SpamSafe, which the picker does not act on

	// Minion tuning (§4.3).
	ConnectTimeout  Duration `toml:"connect_timeout"`
	IdleTimeout     Duration `toml:"idle_timeout"`
	PingInterval    Duration `toml:"ping_interval"`
	BackoffBase     Duration `toml:"backoff_base"`
	BackoffCap      Duration `toml:"backoff_cap"`
	CursorOverlap   Duration `toml:"cursor_overlap"`

	// Storage tuning (§4.1).
	CompactIntervalDays int `toml:"compact_interval_days"`

	// Seeker tuning (§4.6).
	MetadataSeekInterval Duration `toml:"metadata_seek_interval"`
	MetadataStaleAfter   Duration `toml:"metadata_stale_after"`
	SeekDeadline         Duration `toml:"seek_deadline"`
	AvoidanceDecayEvery  Duration `toml:"avoidance_decay_every"`
}

// Duration wraps time.Duration so it can be loaded from a TOML string like
// "15s" or "5m", matching how the rest of the ecosystem (e.g. Shugur's
// viper-backed config) expresses tunables, without requiring a custom
// unmarshaler on every call site.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

func defaultConfig() Config {
	return Config{
		Relays: []string{
			"wss://relay.damus.io",
			"wss://relay.nostr.band",
			"wss://nos.lol",
		},
		Redundancy:           2,
		MaxRelays:            25,
		SpamSafeOnly:         false,
		ConnectTimeout:       Duration{15 * time.Second},
		IdleTimeout:          Duration{30 * time.Second},
		PingInterval:         Duration{55 * time.Second},
		BackoffBase:          Duration{2 * time.Second},
		BackoffCap:           Duration{5 * time.Minute},
		CursorOverlap:        Duration{2 * time.Minute},
		CompactIntervalDays:  7,
		MetadataSeekInterval: Duration{5 * time.Minute},
		MetadataStaleAfter:   Duration{12 * time.Hour},
		SeekDeadline:         Duration{30 * time.Second},
		AvoidanceDecayEvery:  Duration{1 * time.Minute},
	}
}

// ProfileDir resolves the storage directory per spec §6: PROFILE_DIR
// overrides the base directory, PROFILE_NAME selects the subdirectory
// (default "default") within it.
func ProfileDir() (string, error) {
	base := os.Getenv("PROFILE_DIR")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("config: resolve home dir: %w", err)
		}
		base = filepath.Join(home, ".local", "share", "gossip")
	}
	name := os.Getenv("PROFILE_NAME")
	if name == "" {
		name = "default"
	}
	return filepath.Join(base, name), nil
}

func configPath(flagPath string) (string, error) {
	if flagPath != "" {
		return flagPath, nil
	}
	dir, err := ProfileDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads the TOML config at flagPath (or the profile-derived default
// path), applying defaults for anything missing or zero.
func Load(flagPath string) (Config, error) {
	cfg := defaultConfig()

	path, err := configPath(flagPath)
	if err != nil {
		return cfg, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	d := defaultConfig()
	if len(cfg.Relays) == 0 {
		cfg.Relays = d.Relays
	}
	if cfg.Redundancy <= 0 {
		cfg.Redundancy = d.Redundancy
	}
	if cfg.MaxRelays <= 0 {
		cfg.MaxRelays = d.MaxRelays
	}
	if cfg.ConnectTimeout.Duration <= 0 {
		cfg.ConnectTimeout = d.ConnectTimeout
	}
	if cfg.IdleTimeout.Duration <= 0 {
		cfg.IdleTimeout = d.IdleTimeout
	}
	if cfg.PingInterval.Duration <= 0 {
		cfg.PingInterval = d.PingInterval
	}
	if cfg.BackoffBase.Duration <= 0 {
		cfg.BackoffBase = d.BackoffBase
	}
	if cfg.BackoffCap.Duration <= 0 {
		cfg.BackoffCap = d.BackoffCap
	}
	if cfg.CursorOverlap.Duration <= 0 {
		cfg.CursorOverlap = d.CursorOverlap
	}
	if cfg.CompactIntervalDays <= 0 {
		cfg.CompactIntervalDays = d.CompactIntervalDays
	}
	if cfg.MetadataSeekInterval.Duration <= 0 {
		cfg.MetadataSeekInterval = d.MetadataSeekInterval
	}
	if cfg.MetadataStaleAfter.Duration <= 0 {
		cfg.MetadataStaleAfter = d.MetadataStaleAfter
	}
	if cfg.SeekDeadline.Duration <= 0 {
		cfg.SeekDeadline = d.SeekDeadline
	}
	if cfg.AvoidanceDecayEvery.Duration <= 0 {
		cfg.AvoidanceDecayEvery = d.AvoidanceDecayEvery
	}
}

// MinionConfig maps the loaded tunables onto a minion.Config, so a
// user's config.toml actually reaches the per-relay connect/publish/
// backoff behavior (spec §4.3) instead of the package's own hardcoded
// defaults.
func (c Config) MinionConfig() minion.Config {
	return minion.Config{
		ConnectTimeout: c.ConnectTimeout.Duration,
		PingInterval:   c.PingInterval.Duration,
		IdleTimeout:    c.IdleTimeout.Duration,
		OverlapWindow:  c.CursorOverlap.Duration,
		BackoffBase:    c.BackoffBase.Duration,
		BackoffCap:     c.BackoffCap.Duration,
	}
}

// PickerConfig maps the loaded tunables onto a picker.Config (spec
// §4.4's N/M/SpamSafeOnly).
func (c Config) PickerConfig() picker.Config {
	return picker.Config{N: c.Redundancy, M: c.MaxRelays, SpamSafe: c.SpamSafeOnly}
}

// OverlordConfig maps the loaded tunables onto an overlord.Config,
// starting from its package defaults for the fields spec §4.5/§6 leaves
// unexposed (shutdown grace, thread-climb depth cap) so a config.toml
// only has to name what it wants to override.
func (c Config) OverlordConfig() overlord.Config {
	cfg := overlord.DefaultConfig()
	cfg.Picker = c.PickerConfig()
	cfg.Minion = c.MinionConfig()
	cfg.ConnectTimeout = c.ConnectTimeout.Duration
	return cfg
}

// SeekersConfig maps the loaded tunables onto a seekers.Config, starting
// from its package defaults for the batch sizes and secondary intervals
// spec §4.6 doesn't name as user-tunable.
func (c Config) SeekersConfig() seekers.Config {
	cfg := seekers.DefaultConfig()
	cfg.MetadataInterval = c.MetadataSeekInterval.Duration
	cfg.MetadataStaleAfter = c.MetadataStaleAfter.Duration
	cfg.EventSeekDeadline = c.SeekDeadline.Duration
	cfg.AvoidanceDecayInterval = c.AvoidanceDecayEvery.Duration
	return cfg
}
