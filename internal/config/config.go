// Package config loads shmctl configuration from JSONC files and SHMIPC_*
// environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/shmipc/internal/logging"
	"github.com/calvinalkan/shmipc/pkg/channel"
	"github.com/calvinalkan/shmipc/pkg/shm"
)

// Error variables for config loading.
var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
	ErrEnvInvalid         = errors.New("invalid SHMIPC_* environment variable")
	ErrValueInvalid       = errors.New("invalid config value")
)

// EnvPrefix prefixes every environment override, e.g. SHMIPC_SEGMENT_DIR.
const EnvPrefix = "SHMIPC"

// FileName is the project config file name.
const FileName = ".shmipc.json"

// Config holds all configuration options.
type Config struct {
	SegmentDir     string   `json:"segment_dir,omitempty"     envconfig:"SEGMENT_DIR"`
	ChannelDir     string   `json:"channel_dir,omitempty"     envconfig:"CHANNEL_DIR"`
	LogLevel       string   `json:"log_level,omitempty"       envconfig:"LOG_LEVEL"`
	LogDevelopment bool     `json:"log_development,omitempty" envconfig:"LOG_DEVELOPMENT"`
	MaxInstances   int      `json:"max_instances,omitempty"   envconfig:"MAX_INSTANCES"`
	DrainTimeout   Duration `json:"drain_timeout,omitempty"   envconfig:"DRAIN_TIMEOUT"`

	// Sources tracks which config files were loaded (for diagnostics).
	Sources Sources `json:"-" ignored:"true"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project or explicit config if loaded, empty otherwise
}

// Duration is a time.Duration written as a Go duration string ("1.5s") in
// JSON and in the environment.
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = Duration(v)

	return nil
}

// MarshalText formats the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		SegmentDir:   shm.DefaultDir,
		ChannelDir:   channel.DefaultDir(),
		LogLevel:     logging.DefaultConfig().Level,
		DrainTimeout: Duration(channel.DefaultDrainTimeout),
	}
}

// Overrides are values from command line flags. Empty fields do not override.
type Overrides struct {
	SegmentDir string
	ChannelDir string
	LogLevel   string
}

// LoadInput holds the inputs for Load.
type LoadInput struct {
	WorkDir      string            // directory for the project config and relative paths; os.Getwd() if empty
	ConfigPath   string            // -c/--config flag value
	Overrides    Overrides         // CLI flag values
	Env          map[string]string // used to locate the global config (XDG_CONFIG_HOME, HOME)
	EnvOverrides Config            // SHMIPC_* values, see FromEnvironment; zero fields do not override
}

// FromEnvironment decodes the SHMIPC_* variables of the process environment.
// Unset variables leave their fields zero.
func FromEnvironment() (Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrEnvInvalid, err)
	}

	return cfg, nil
}

// Load loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/shmipc/config.json or ~/.config/shmipc/config.json)
// 3. Project config file in WorkDir (.shmipc.json, if exists)
// 4. Explicit config file via ConfigPath (replaces 3; must exist)
// 5. SHMIPC_* environment variables (EnvOverrides)
// 6. CLI overrides.
//
// Relative directories are resolved against WorkDir.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDir
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := Default()

	if globalPath := globalConfigPath(input.Env); globalPath != "" {
		fileCfg, loaded, err := loadFile(globalPath, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg = merge(cfg, fileCfg)
			cfg.Sources.Global = globalPath
		}
	}

	projectPath, mustExist := filepath.Join(workDir, FileName), false
	if input.ConfigPath != "" {
		projectPath, mustExist = input.ConfigPath, true
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(workDir, projectPath)
		}
	}

	fileCfg, loaded, err := loadFile(projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg = merge(cfg, fileCfg)
		cfg.Sources.Project = projectPath
	}

	cfg = merge(cfg, input.EnvOverrides)
	cfg = merge(cfg, Config{
		SegmentDir: input.Overrides.SegmentDir,
		ChannelDir: input.Overrides.ChannelDir,
		LogLevel:   input.Overrides.LogLevel,
	})

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	cfg.SegmentDir = absPath(workDir, cfg.SegmentDir)
	cfg.ChannelDir = absPath(workDir, cfg.ChannelDir)

	return cfg, nil
}

// Format renders cfg as indented JSON.
func Format(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("format config: %w", err)
	}

	return string(data), nil
}

// Logging returns the logger configuration derived from cfg.
func (c Config) Logging() logging.Config {
	return logging.Config{
		Level:       c.LogLevel,
		Development: c.LogDevelopment,
		OutputPaths: []string{"stderr"},
	}
}

// globalConfigPath returns $XDG_CONFIG_HOME/shmipc/config.json, falling back
// to ~/.config/shmipc/config.json. Empty if neither variable is set.
func globalConfigPath(env map[string]string) string {
	if xdgConfig := env["XDG_CONFIG_HOME"]; xdgConfig != "" {
		return filepath.Join(xdgConfig, "shmipc", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "shmipc", "config.json")
	}

	return ""
}

// loadFile loads a config file. If mustExist is false, a missing file is not
// an error and loaded is false.
func loadFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if mustExist {
				return Config{}, false, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
			}

			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w: %s: %w", ErrConfigFileRead, path, err)
	}

	cfg, err := parse(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.SegmentDir != "" {
		base.SegmentDir = overlay.SegmentDir
	}

	if overlay.ChannelDir != "" {
		base.ChannelDir = overlay.ChannelDir
	}

	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}

	if overlay.LogDevelopment {
		base.LogDevelopment = true
	}

	if overlay.MaxInstances != 0 {
		base.MaxInstances = overlay.MaxInstances
	}

	if overlay.DrainTimeout != 0 {
		base.DrainTimeout = overlay.DrainTimeout
	}

	return base
}

func validate(cfg Config) error {
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %w", ErrValueInvalid, err)
	}

	if cfg.MaxInstances < 0 {
		return fmt.Errorf("%w: max_instances must be >= 0, got %d", ErrValueInvalid, cfg.MaxInstances)
	}

	if cfg.DrainTimeout < 0 {
		return fmt.Errorf("%w: drain_timeout must be >= 0, got %s", ErrValueInvalid, time.Duration(cfg.DrainTimeout))
	}

	return nil
}

func absPath(workDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(workDir, path)
}
