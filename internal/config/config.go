// Package config loads the YAML application config and the process
// environment settings, including the optional CA bundle for the
// exchange gRPC endpoint.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"wallwatch/internal/detector"
	"wallwatch/internal/state"
)

// ConfigError reports an unusable configuration value.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

func configErrorf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// AppConfig maps the YAML file structure.
type AppConfig struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	MarketData MarketDataConfig `mapstructure:"marketdata"`
	Walls      WallsConfig      `mapstructure:"walls"`
	Debug      DebugConfig      `mapstructure:"debug"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type MarketDataConfig struct {
	Depth int `mapstructure:"depth"`
}

// WallsConfig tunes the wall detector.
//
//   - TopNLevels: depth of the reference-volume median.
//   - CandidateRatioToMedian: size/median ratio that makes a level a
//     candidate.
//   - CandidateMaxDistanceTicks: how far from the spread a candidate
//     may sit.
//   - ConfirmDwellSeconds: minimum candidate lifetime before a confirm.
//   - ConfirmMaxDistanceTicks: extra confirm-time distance gate
//     (0 disables it).
//   - ConsumeWindowSeconds / ConsumeDropPct: size-drop window and
//     threshold for the consuming transition.
//   - TeleportReset: whether a repositioning wall resets its dwell.
type WallsConfig struct {
	TopNLevels                int     `mapstructure:"top_n_levels"`
	CandidateRatioToMedian    float64 `mapstructure:"candidate_ratio_to_median"`
	CandidateMaxDistanceTicks int     `mapstructure:"candidate_max_distance_ticks"`
	ConfirmDwellSeconds       float64 `mapstructure:"confirm_dwell_seconds"`
	ConfirmMaxDistanceTicks   int     `mapstructure:"confirm_max_distance_ticks"`
	ConsumeWindowSeconds      float64 `mapstructure:"consume_window_seconds"`
	ConsumeDropPct            float64 `mapstructure:"consume_drop_pct"`
	TeleportReset             bool    `mapstructure:"teleport_reset"`
}

type DebugConfig struct {
	WallsEnabled         bool    `mapstructure:"walls_enabled"`
	WallsIntervalSeconds float64 `mapstructure:"walls_interval_seconds"`
}

// TelegramConfig controls the notification and command surface.
type TelegramConfig struct {
	Enabled                 bool               `mapstructure:"enabled"`
	Polling                 bool               `mapstructure:"polling"`
	PollIntervalSeconds     float64            `mapstructure:"poll_interval_seconds"`
	StartupMessage          bool               `mapstructure:"startup_message"`
	SendEvents              []string           `mapstructure:"send_events"`
	CooldownSeconds         map[string]float64 `mapstructure:"cooldown_seconds"`
	DisableWebPreview       bool               `mapstructure:"disable_web_preview"`
	CommandsEnabled         bool               `mapstructure:"commands_enabled"`
	IncludeInstrumentButton bool               `mapstructure:"include_instrument_button"`
	ButtonText              string             `mapstructure:"button_text"`
	AppendSecurityShareUTM  bool               `mapstructure:"append_security_share_utm"`
}

// DefaultAppConfig mirrors the detector defaults and a conservative
// notification surface.
func DefaultAppConfig() AppConfig {
	d := detector.DefaultConfig()
	return AppConfig{
		Logging:    LoggingConfig{Level: "info"},
		MarketData: MarketDataConfig{Depth: d.Depth},
		Walls: WallsConfig{
			TopNLevels:                d.VRefLevels,
			CandidateRatioToMedian:    d.KRatio,
			CandidateMaxDistanceTicks: d.DistanceTicks,
			ConfirmDwellSeconds:       d.DwellSeconds,
			ConfirmMaxDistanceTicks:   d.ConfirmMaxDistanceTicks,
			ConsumeWindowSeconds:      d.ConsumingWindowSeconds,
			ConsumeDropPct:            d.ConsumingDropPct,
			TeleportReset:             d.TeleportReset,
		},
		Debug: DebugConfig{WallsEnabled: false, WallsIntervalSeconds: 5.0},
		Telegram: TelegramConfig{
			Enabled:             true,
			Polling:             true,
			PollIntervalSeconds: 1.0,
			StartupMessage:      true,
			SendEvents: []string{
				state.EventWallConfirmed,
				state.EventWallConsuming,
				state.EventWallLost,
			},
			CooldownSeconds:         map[string]float64{},
			DisableWebPreview:       true,
			CommandsEnabled:         true,
			IncludeInstrumentButton: true,
			ButtonText:              "Open instrument",
			AppendSecurityShareUTM:  false,
		},
	}
}

// LoadAppConfig reads the YAML file at path on top of the defaults.
// An empty path returns the defaults untouched.
func LoadAppConfig(path string) (AppConfig, error) {
	cfg := DefaultAppConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		return cfg, configErrorf("config file not found: %s", path)
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return cfg, configErrorf("invalid config file %s: %v", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, configErrorf("unmarshal config file %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *AppConfig) Validate() error {
	if c.MarketData.Depth <= 0 {
		return configErrorf("marketdata.depth must be > 0")
	}
	if c.Walls.TopNLevels <= 0 {
		return configErrorf("walls.top_n_levels must be > 0")
	}
	if c.Walls.CandidateRatioToMedian <= 0 {
		return configErrorf("walls.candidate_ratio_to_median must be > 0")
	}
	if c.Walls.CandidateMaxDistanceTicks < 0 {
		return configErrorf("walls.candidate_max_distance_ticks must be >= 0")
	}
	if c.Walls.ConfirmDwellSeconds < 0 {
		return configErrorf("walls.confirm_dwell_seconds must be >= 0")
	}
	if c.Walls.ConfirmMaxDistanceTicks < 0 {
		return configErrorf("walls.confirm_max_distance_ticks must be >= 0")
	}
	if c.Walls.ConsumeWindowSeconds <= 0 {
		return configErrorf("walls.consume_window_seconds must be > 0")
	}
	if c.Walls.ConsumeDropPct <= 0 || c.Walls.ConsumeDropPct >= 1 {
		return configErrorf("walls.consume_drop_pct must be in (0, 1)")
	}
	if c.Debug.WallsIntervalSeconds <= 0 {
		return configErrorf("debug.walls_interval_seconds must be > 0")
	}
	if c.Telegram.PollIntervalSeconds <= 0 {
		return configErrorf("telegram.poll_interval_seconds must be > 0")
	}
	for _, event := range c.Telegram.SendEvents {
		if !knownWallEvent(event) {
			return configErrorf("telegram.send_events contains unknown event %q", event)
		}
	}
	for event, cooldown := range c.Telegram.CooldownSeconds {
		if !knownWallEvent(event) {
			return configErrorf("telegram.cooldown_seconds contains unknown event %q", event)
		}
		if cooldown < 0 {
			return configErrorf("telegram.cooldown_seconds[%s] must be >= 0", event)
		}
	}
	return nil
}

// DetectorConfig projects the file sections onto the detector knobs.
// Knobs the file does not expose keep their defaults.
func (c *AppConfig) DetectorConfig() detector.Config {
	d := detector.DefaultConfig()
	d.Depth = c.MarketData.Depth
	d.VRefLevels = c.Walls.TopNLevels
	d.KRatio = c.Walls.CandidateRatioToMedian
	d.DistanceTicks = c.Walls.CandidateMaxDistanceTicks
	d.DwellSeconds = c.Walls.ConfirmDwellSeconds
	d.ConfirmMaxDistanceTicks = c.Walls.ConfirmMaxDistanceTicks
	d.ConsumingWindowSeconds = c.Walls.ConsumeWindowSeconds
	d.ConsumingDropPct = c.Walls.ConsumeDropPct
	d.TeleportReset = c.Walls.TeleportReset
	return d
}

func knownWallEvent(event string) bool {
	switch event {
	case state.EventWallCandidate, state.EventWallConfirmed,
		state.EventWallConsuming, state.EventWallLost:
		return true
	}
	return false
}
