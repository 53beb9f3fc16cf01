// Package config resolves the lifecycle configuration for one invocation.
// Values come from environment variables, then the JSON config file, then
// built-in defaults. Nothing here is ever persisted.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"github.com/tidwall/jsonc"

	"github.com/andywolf/baton/internal/errkind"
)

// Environment variables read by Load.
const (
	EnvProjectDir = "CLAUDE_PROJECT_DIR"
	EnvConfigFile = "HANDOVER_CONFIG"
)

// DefaultConfigFile is the config path relative to the project directory.
var DefaultConfigFile = filepath.Join(".claude", "handover-config.json")

// DefaultStateDir is the state directory relative to the project directory.
var DefaultStateDir = filepath.Join(".claude", "state")

// Source represents where a config value came from.
type Source string

const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceEnv     Source = "environment"
)

// setting describes one configurable key.
type setting struct {
	key string
	env string
	def interface{}
}

var settings = []setting{
	{key: "active_retention_days", env: "HANDOVER_RETENTION_DAYS", def: 7},
	{key: "archive_retention_days", env: "HANDOVER_ARCHIVE_DAYS", def: 30},
	{key: "min_retention_days", env: "HANDOVER_MIN_RETENTION_DAYS", def: 3},
	{key: "compression_level", env: "HANDOVER_COMPRESSION_LEVEL", def: 6},
	{key: "compression", env: "HANDOVER_COMPRESSION", def: "zstd"},
	{key: "rotation_threshold", env: "HANDOVER_ROTATION_THRESHOLD", def: 450},
	{key: "important_cap", env: "HANDOVER_IMPORTANT_CAP", def: 100},
	{key: "max_archive_entries", env: "HANDOVER_MAX_ARCHIVES", def: 50},
	{key: "lock_timeout", env: "HANDOVER_LOCK_TIMEOUT", def: "10s"},
	{key: "exec_timeout", env: "HANDOVER_EXEC_TIMEOUT", def: "60s"},
	{key: "state_dir", env: "HANDOVER_STATE_DIR", def: ""},
}

// LifecycleConfig is the resolved configuration.
type LifecycleConfig struct {
	ActiveRetentionDays  int           `mapstructure:"active_retention_days" json:"active_retention_days"`
	ArchiveRetentionDays int           `mapstructure:"archive_retention_days" json:"archive_retention_days"`
	MinRetentionDays     int           `mapstructure:"min_retention_days" json:"min_retention_days"`
	CompressionLevel     int           `mapstructure:"compression_level" json:"compression_level"`
	Compression          string        `mapstructure:"compression" json:"compression"`
	RotationThreshold    int           `mapstructure:"rotation_threshold" json:"rotation_threshold"`
	ImportantCap         int           `mapstructure:"important_cap" json:"important_cap"`
	MaxArchiveEntries    int           `mapstructure:"max_archive_entries" json:"max_archive_entries"`
	LockTimeout          time.Duration `mapstructure:"lock_timeout" json:"lock_timeout"`
	ExecTimeout          time.Duration `mapstructure:"exec_timeout" json:"exec_timeout"`
	StateDir             string        `mapstructure:"state_dir" json:"state_dir"`

	// ProjectDir is the resolved project root.
	ProjectDir string `mapstructure:"-" json:"project_dir"`
	// ConfigFile is the config file that was read, empty if none.
	ConfigFile string `mapstructure:"-" json:"config_file,omitempty"`
	// Sources records where each key's value came from.
	Sources map[string]Source `mapstructure:"-" json:"sources"`
}

// Options control where Load looks.
type Options struct {
	// ProjectDir overrides CLAUDE_PROJECT_DIR and the working directory.
	ProjectDir string
	// ConfigFile overrides HANDOVER_CONFIG and the default location.
	// An explicitly named file must exist.
	ConfigFile string
}

// Load resolves the configuration: env > file > default.
func Load(opts Options) (*LifecycleConfig, error) {
	projectDir, err := resolveProjectDir(opts.ProjectDir)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	for _, s := range settings {
		v.SetDefault(s.key, s.def)
		if err := v.BindEnv(s.key, s.env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", s.env, err)
		}
	}

	configFile, explicit := opts.ConfigFile, opts.ConfigFile != ""
	if !explicit {
		if env := os.Getenv(EnvConfigFile); env != "" {
			configFile, explicit = env, true
		} else {
			configFile = filepath.Join(projectDir, DefaultConfigFile)
		}
	}

	used, err := readConfigFile(v, configFile, explicit)
	if err != nil {
		return nil, err
	}

	cfg := &LifecycleConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, "load config", fmt.Errorf("failed to unmarshal config: %w", err))
	}

	cfg.ProjectDir = projectDir
	cfg.ConfigFile = used
	cfg.Sources = make(map[string]Source, len(settings))
	for _, s := range settings {
		switch {
		case os.Getenv(s.env) != "":
			cfg.Sources[s.key] = SourceEnv
		case used != "" && v.InConfig(s.key):
			cfg.Sources[s.key] = SourceFile
		default:
			cfg.Sources[s.key] = SourceDefault
		}
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration for projectDir.
func Default(projectDir string) *LifecycleConfig {
	cfg := &LifecycleConfig{
		ActiveRetentionDays:  7,
		ArchiveRetentionDays: 30,
		MinRetentionDays:     3,
		CompressionLevel:     6,
		Compression:          "zstd",
		RotationThreshold:    450,
		ImportantCap:         100,
		MaxArchiveEntries:    50,
		LockTimeout:          10 * time.Second,
		ExecTimeout:          60 * time.Second,
		ProjectDir:           projectDir,
		Sources:              make(map[string]Source, len(settings)),
	}
	for _, s := range settings {
		cfg.Sources[s.key] = SourceDefault
	}
	applyDefaults(cfg)
	return cfg
}

func resolveProjectDir(dir string) (string, error) {
	if dir == "" {
		dir = os.Getenv(EnvProjectDir)
	}
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", errkind.Wrap(errkind.IOError, "load config", fmt.Errorf("failed to get working directory: %w", err))
		}
		dir = cwd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", errkind.Wrap(errkind.IOError, "load config", err)
	}
	return abs, nil
}

// readConfigFile loads path into v. Comments and trailing commas are
// stripped first. A missing default file is not an error.
func readConfigFile(v *viper.Viper, path string, explicit bool) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		return "", nil
	}
	if err != nil {
		return "", errkind.Wrap(errkind.IOError, "read config", err)
	}

	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(jsonc.ToJSON(data))); err != nil {
		return "", errkind.Wrap(errkind.InvalidInput, "read config", fmt.Errorf("%s: %w", path, err))
	}
	return path, nil
}

// applyDefaults fills derived values.
func applyDefaults(cfg *LifecycleConfig) {
	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join(cfg.ProjectDir, DefaultStateDir)
	} else if !filepath.IsAbs(cfg.StateDir) {
		cfg.StateDir = filepath.Join(cfg.ProjectDir, cfg.StateDir)
	}
}

// Validate checks ranges. Violations are InvalidInput errors.
func (c *LifecycleConfig) Validate() error {
	const op = "validate config"

	if c.ActiveRetentionDays < 0 {
		return errkind.New(errkind.InvalidInput, op, "active_retention_days must be >= 0, got %d", c.ActiveRetentionDays)
	}
	if c.MinRetentionDays < 0 {
		return errkind.New(errkind.InvalidInput, op, "min_retention_days must be >= 0, got %d", c.MinRetentionDays)
	}
	if c.ArchiveRetentionDays < c.ActiveRetentionDays {
		return errkind.New(errkind.InvalidInput, op,
			"archive_retention_days (%d) must be >= active_retention_days (%d)", c.ArchiveRetentionDays, c.ActiveRetentionDays)
	}
	if c.CompressionLevel < 1 || c.CompressionLevel > 9 {
		return errkind.New(errkind.InvalidInput, op, "compression_level must be between 1 and 9, got %d", c.CompressionLevel)
	}
	switch c.Compression {
	case "zstd", "lz4":
	default:
		return errkind.New(errkind.InvalidInput, op, "invalid compression: %s (must be zstd or lz4)", c.Compression)
	}
	if c.RotationThreshold < 1 {
		return errkind.New(errkind.InvalidInput, op, "rotation_threshold must be positive, got %d", c.RotationThreshold)
	}
	if c.ImportantCap < 0 {
		return errkind.New(errkind.InvalidInput, op, "important_cap must be >= 0, got %d", c.ImportantCap)
	}
	if c.MaxArchiveEntries < 1 {
		return errkind.New(errkind.InvalidInput, op, "max_archive_entries must be positive, got %d", c.MaxArchiveEntries)
	}
	if c.LockTimeout <= 0 {
		return errkind.New(errkind.InvalidInput, op, "lock_timeout must be positive, got %s", c.LockTimeout)
	}
	if c.ExecTimeout <= 0 {
		return errkind.New(errkind.InvalidInput, op, "exec_timeout must be positive, got %s", c.ExecTimeout)
	}
	return nil
}

// Entry is one resolved key for display.
type Entry struct {
	Key    string      `json:"key"`
	Value  interface{} `json:"value"`
	Source Source      `json:"source"`
}

// Entries returns every key in declaration order with its value and source.
func (c *LifecycleConfig) Entries() []Entry {
	values := map[string]interface{}{
		"active_retention_days":  c.ActiveRetentionDays,
		"archive_retention_days": c.ArchiveRetentionDays,
		"min_retention_days":     c.MinRetentionDays,
		"compression_level":      c.CompressionLevel,
		"compression":            c.Compression,
		"rotation_threshold":     c.RotationThreshold,
		"important_cap":          c.ImportantCap,
		"max_archive_entries":    c.MaxArchiveEntries,
		"lock_timeout":           c.LockTimeout.String(),
		"exec_timeout":           c.ExecTimeout.String(),
		"state_dir":              c.StateDir,
	}
	entries := make([]Entry, 0, len(settings))
	for _, s := range settings {
		source := c.Sources[s.key]
		if source == "" {
			source = SourceDefault
		}
		entries = append(entries, Entry{Key: s.key, Value: values[s.key], Source: source})
	}
	return entries
}

// ActiveRetention returns the active window as a duration.
func (c *LifecycleConfig) ActiveRetention() time.Duration {
	return days(c.ActiveRetentionDays)
}

// ArchiveRetention returns the archive window as a duration.
func (c *LifecycleConfig) ArchiveRetention() time.Duration {
	return days(c.ArchiveRetentionDays)
}

// MinRetention returns the safety floor as a duration.
func (c *LifecycleConfig) MinRetention() time.Duration {
	return days(c.MinRetentionDays)
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
