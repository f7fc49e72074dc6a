package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"wallwatch/internal/state"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppConfigDefaults(t *testing.T) {
	cfg, err := LoadAppConfig("")
	if err != nil {
		t.Fatalf("LoadAppConfig: %v", err)
	}
	if cfg.MarketData.Depth != 20 {
		t.Fatalf("default depth = %d", cfg.MarketData.Depth)
	}
	if cfg.Walls.CandidateRatioToMedian != 10.0 {
		t.Fatalf("default ratio = %v", cfg.Walls.CandidateRatioToMedian)
	}
	if !cfg.Telegram.Enabled || !cfg.Telegram.Polling {
		t.Fatalf("telegram defaults = %+v", cfg.Telegram)
	}
	if len(cfg.Telegram.SendEvents) != 3 {
		t.Fatalf("default send events = %v", cfg.Telegram.SendEvents)
	}
}

func TestLoadAppConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
marketdata:
  depth: 10
walls:
  top_n_levels: 5
  candidate_ratio_to_median: 4.0
  candidate_max_distance_ticks: 3
  confirm_dwell_seconds: 12.5
  confirm_max_distance_ticks: 2
  consume_window_seconds: 6.0
  consume_drop_pct: 0.3
  teleport_reset: true
debug:
  walls_enabled: true
  walls_interval_seconds: 2.0
telegram:
  send_events: [wall_confirmed]
  cooldown_seconds:
    wall_confirmed: 90
`)
	cfg, err := LoadAppConfig(path)
	if err != nil {
		t.Fatalf("LoadAppConfig: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.MarketData.Depth != 10 {
		t.Fatalf("top sections = %+v", cfg)
	}
	if !cfg.Debug.WallsEnabled || cfg.Debug.WallsIntervalSeconds != 2.0 {
		t.Fatalf("debug section = %+v", cfg.Debug)
	}
	if cfg.Telegram.CooldownSeconds[state.EventWallConfirmed] != 90 {
		t.Fatalf("cooldowns = %v", cfg.Telegram.CooldownSeconds)
	}

	d := cfg.DetectorConfig()
	if d.Depth != 10 || d.VRefLevels != 5 || d.KRatio != 4.0 || d.DistanceTicks != 3 {
		t.Fatalf("detector candidate knobs = %+v", d)
	}
	if d.DwellSeconds != 12.5 || d.ConfirmMaxDistanceTicks != 2 {
		t.Fatalf("detector confirm knobs = %+v", d)
	}
	if d.ConsumingWindowSeconds != 6.0 || d.ConsumingDropPct != 0.3 || !d.TeleportReset {
		t.Fatalf("detector consume knobs = %+v", d)
	}
	if d.EMin != 200.0 || d.CooldownConfirmedSeconds != 120.0 {
		t.Fatalf("unexposed knobs should keep defaults, got %+v", d)
	}
	// MaxSymbols feeds the /watch cap and must survive the projection.
	if d.MaxSymbols != 10 {
		t.Fatalf("max symbols = %d, want 10", d.MaxSymbols)
	}
}

func TestLoadAppConfigRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero depth", "marketdata:\n  depth: 0\n"},
		{"bad drop pct", "walls:\n  consume_drop_pct: 1.5\n"},
		{"unknown send event", "telegram:\n  send_events: [wall_teleported]\n"},
		{"negative cooldown", "telegram:\n  cooldown_seconds:\n    wall_lost: -1\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			_, err := LoadAppConfig(path)
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
		})
	}
}

func TestLoadAppConfigMissingFile(t *testing.T) {
	_, err := LoadAppConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}
