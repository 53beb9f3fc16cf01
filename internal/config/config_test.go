package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andywolf/baton/internal/errkind"
)

// clearEnv blanks every variable Load reads; empty values are ignored.
func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv(EnvProjectDir, "")
	t.Setenv(EnvConfigFile, "")
	for _, s := range settings {
		t.Setenv(s.env, "")
	}
}

func writeConfig(t *testing.T, projectDir, content string) string {
	t.Helper()
	path := filepath.Join(projectDir, DefaultConfigFile)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	projectDir := t.TempDir()

	cfg, err := Load(Options{ProjectDir: projectDir})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ActiveRetentionDays != 7 {
		t.Errorf("ActiveRetentionDays = %d, want 7", cfg.ActiveRetentionDays)
	}
	if cfg.ArchiveRetentionDays != 30 {
		t.Errorf("ArchiveRetentionDays = %d, want 30", cfg.ArchiveRetentionDays)
	}
	if cfg.MinRetentionDays != 3 {
		t.Errorf("MinRetentionDays = %d, want 3", cfg.MinRetentionDays)
	}
	if cfg.CompressionLevel != 6 || cfg.Compression != "zstd" {
		t.Errorf("compression = %s/%d, want zstd/6", cfg.Compression, cfg.CompressionLevel)
	}
	if cfg.RotationThreshold != 450 || cfg.ImportantCap != 100 || cfg.MaxArchiveEntries != 50 {
		t.Errorf("unexpected rotation settings: %+v", cfg)
	}
	if cfg.LockTimeout != 10*time.Second || cfg.ExecTimeout != 60*time.Second {
		t.Errorf("unexpected timeouts: %s %s", cfg.LockTimeout, cfg.ExecTimeout)
	}
	if cfg.StateDir != filepath.Join(projectDir, ".claude", "state") {
		t.Errorf("StateDir = %q", cfg.StateDir)
	}
	if cfg.ConfigFile != "" {
		t.Errorf("ConfigFile = %q, want empty", cfg.ConfigFile)
	}
	for key, source := range cfg.Sources {
		if source != SourceDefault {
			t.Errorf("Sources[%s] = %s, want default", key, source)
		}
	}
}

func TestLoad_Precedence(t *testing.T) {
	clearEnv(t)
	projectDir := t.TempDir()
	writeConfig(t, projectDir, `{
		// retention windows
		"active_retention_days": 10,
		"archive_retention_days": 60,
		"compression": "lz4",
		"lock_timeout": "2s",
	}`)
	t.Setenv("HANDOVER_RETENTION_DAYS", "14")

	cfg, err := Load(Options{ProjectDir: projectDir})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tests := []struct {
		key    string
		got    interface{}
		want   interface{}
		source Source
	}{
		{"active_retention_days", cfg.ActiveRetentionDays, 14, SourceEnv},
		{"archive_retention_days", cfg.ArchiveRetentionDays, 60, SourceFile},
		{"compression", cfg.Compression, "lz4", SourceFile},
		{"lock_timeout", cfg.LockTimeout, 2 * time.Second, SourceFile},
		{"min_retention_days", cfg.MinRetentionDays, 3, SourceDefault},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.key, tt.got, tt.want)
		}
		if cfg.Sources[tt.key] != tt.source {
			t.Errorf("Sources[%s] = %s, want %s", tt.key, cfg.Sources[tt.key], tt.source)
		}
	}
	if !strings.HasSuffix(cfg.ConfigFile, "handover-config.json") {
		t.Errorf("ConfigFile = %q", cfg.ConfigFile)
	}
}

func TestLoad_ProjectDirFromEnv(t *testing.T) {
	clearEnv(t)
	projectDir := t.TempDir()
	t.Setenv(EnvProjectDir, projectDir)

	cfg, err := Load(Options{})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ProjectDir != projectDir {
		t.Errorf("ProjectDir = %q, want %q", cfg.ProjectDir, projectDir)
	}
}

func TestLoad_ExplicitConfigFile(t *testing.T) {
	clearEnv(t)
	projectDir := t.TempDir()

	t.Run("missing explicit file fails", func(t *testing.T) {
		_, err := Load(Options{ProjectDir: projectDir, ConfigFile: filepath.Join(projectDir, "nope.json")})
		if !errors.Is(err, errkind.IOError) {
			t.Errorf("expected IOError, got %v", err)
		}
	})

	t.Run("env names the file", func(t *testing.T) {
		path := filepath.Join(projectDir, "custom.json")
		if err := os.WriteFile(path, []byte(`{"state_dir": "var/state"}`), 0600); err != nil {
			t.Fatal(err)
		}
		t.Setenv(EnvConfigFile, path)

		cfg, err := Load(Options{ProjectDir: projectDir})
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.StateDir != filepath.Join(projectDir, "var", "state") {
			t.Errorf("StateDir = %q", cfg.StateDir)
		}
	})
}

func TestLoad_MalformedFile(t *testing.T) {
	clearEnv(t)
	projectDir := t.TempDir()
	writeConfig(t, projectDir, `{"active_retention_days": `)

	if _, err := Load(Options{ProjectDir: projectDir}); !errors.Is(err, errkind.InvalidInput) {
		t.Errorf("expected InvalidInput, got %v", err)
	}
}

func TestLifecycleConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*LifecycleConfig)
		wantErr bool
		errMsg  string
	}{
		{name: "defaults are valid", mutate: func(*LifecycleConfig) {}},
		{name: "negative retention", mutate: func(c *LifecycleConfig) { c.ActiveRetentionDays = -1 }, wantErr: true, errMsg: "active_retention_days"},
		{name: "archive window shorter than active", mutate: func(c *LifecycleConfig) { c.ArchiveRetentionDays = 5 }, wantErr: true, errMsg: "archive_retention_days"},
		{name: "compression level too high", mutate: func(c *LifecycleConfig) { c.CompressionLevel = 22 }, wantErr: true, errMsg: "compression_level"},
		{name: "unknown codec", mutate: func(c *LifecycleConfig) { c.Compression = "gzip" }, wantErr: true, errMsg: "invalid compression"},
		{name: "zero threshold", mutate: func(c *LifecycleConfig) { c.RotationThreshold = 0 }, wantErr: true, errMsg: "rotation_threshold"},
		{name: "negative cap", mutate: func(c *LifecycleConfig) { c.ImportantCap = -5 }, wantErr: true, errMsg: "important_cap"},
		{name: "zero max archives", mutate: func(c *LifecycleConfig) { c.MaxArchiveEntries = 0 }, wantErr: true, errMsg: "max_archive_entries"},
		{name: "zero lock timeout", mutate: func(c *LifecycleConfig) { c.LockTimeout = 0 }, wantErr: true, errMsg: "lock_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default(t.TempDir())
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !errors.Is(err, errkind.InvalidInput) {
					t.Errorf("expected InvalidInput, got %v", err)
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("error %q does not contain %q", err.Error(), tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoad_InvalidEnvValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("HANDOVER_COMPRESSION_LEVEL", "42")

	if _, err := Load(Options{ProjectDir: t.TempDir()}); !errors.Is(err, errkind.InvalidInput) {
		t.Errorf("expected InvalidInput, got %v", err)
	}
}

func TestEntries(t *testing.T) {
	cfg := Default("/project")
	entries := cfg.Entries()
	if len(entries) != len(settings) {
		t.Fatalf("expected %d entries, got %d", len(settings), len(entries))
	}
	if entries[0].Key != "active_retention_days" || entries[0].Value != 7 {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if cfg.ActiveRetention() != 7*24*time.Hour {
		t.Errorf("ActiveRetention = %s", cfg.ActiveRetention())
	}
}
