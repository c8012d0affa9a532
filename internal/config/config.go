package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	coresys "github.com/l1jgo/statebridge/internal/core/system"
)

type Config struct {
	Loop      LoopConfig      `toml:"loop"`
	StateTree StateTreeConfig `toml:"statetree"`
	Scene     SceneConfig     `toml:"scene"`
	Scripting ScriptingConfig `toml:"scripting"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Profile   ProfileConfig   `toml:"profile"`
}

type LoopConfig struct {
	TickRate         time.Duration `toml:"tick_rate" env:"STATEBRIDGE_TICK_RATE"`
	TickPhase        string        `toml:"tick_phase" env:"STATEBRIDGE_TICK_PHASE"` // phase name, e.g. "Update"
	PhaseDelayFrames int           `toml:"phase_delay_frames" env:"STATEBRIDGE_PHASE_DELAY_FRAMES"`
	RunFor           time.Duration `toml:"run_for" env:"STATEBRIDGE_RUN_FOR"` // 0 = until signalled
}

type StateTreeConfig struct {
	AssetDir   string `toml:"asset_dir" env:"STATEBRIDGE_ASSET_DIR"`
	SystemName string `toml:"system_name"`
}

type SceneConfig struct {
	Path string `toml:"path" env:"STATEBRIDGE_SCENE"`
}

type ScriptingConfig struct {
	Dir string `toml:"dir" env:"STATEBRIDGE_SCRIPTS_DIR"`
}

type LoggingConfig struct {
	Level  string `toml:"level" env:"STATEBRIDGE_LOG_LEVEL"`
	Format string `toml:"format" env:"STATEBRIDGE_LOG_FORMAT"` // "json" or "console"
}

type TelemetryConfig struct {
	OTLPEndpoint string `toml:"otlp_endpoint" env:"STATEBRIDGE_OTLP_ENDPOINT"` // empty disables export
	Insecure     bool   `toml:"insecure" env:"STATEBRIDGE_OTLP_INSECURE"`
	ServiceName  string `toml:"service_name"`
}

type ProfileConfig struct {
	Mode string `toml:"mode" env:"STATEBRIDGE_PROFILE"` // "cpu", "mem" or "off"
	Dir  string `toml:"dir"`
}

// Load reads the TOML file at path over the defaults, then applies
// STATEBRIDGE_* environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := defaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config { return defaults() }

// Phase returns the configured state tree tick phase.
func (c *Config) Phase() (coresys.Phase, error) {
	return coresys.ParsePhase(c.Loop.TickPhase)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Loop.TickRate <= 0 {
		errs = append(errs, fmt.Errorf("loop.tick_rate must be positive, got %s", c.Loop.TickRate))
	}
	if _, err := c.Phase(); err != nil {
		errs = append(errs, fmt.Errorf("loop.tick_phase: %w", err))
	}
	if c.Loop.PhaseDelayFrames < 0 {
		errs = append(errs, errors.New("loop.phase_delay_frames must not be negative"))
	}
	if c.StateTree.AssetDir == "" {
		errs = append(errs, errors.New("statetree.asset_dir is required"))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	switch c.Profile.Mode {
	case "", "off", "cpu", "mem":
	default:
		errs = append(errs, fmt.Errorf("profile.mode: unknown mode %q", c.Profile.Mode))
	}
	return errors.Join(errs...)
}

func defaults() *Config {
	return &Config{
		Loop: LoopConfig{
			TickRate:  time.Second / 60,
			TickPhase: coresys.PhaseUpdate.String(),
		},
		StateTree: StateTreeConfig{
			AssetDir:   "data/statetree",
			SystemName: "statetree.step",
		},
		Scene: SceneConfig{
			Path: "data/scene.yaml",
		},
		Scripting: ScriptingConfig{
			Dir: "scripts",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "statebridge",
		},
		Profile: ProfileConfig{
			Mode: "off",
			Dir:  ".",
		},
	}
}
