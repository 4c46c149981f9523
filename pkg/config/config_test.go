package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"aihub/pkg/config"
)

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultCLI != "codex" {
		t.Errorf("default cli = %q", cfg.DefaultCLI)
	}
	if cfg.DefaultBaseBranch != "main" {
		t.Errorf("default base branch = %q", cfg.DefaultBaseBranch)
	}
	if cfg.SpaceLease {
		t.Error("space lease should default off")
	}
	if cfg.LeaseTTL.Std() != 10*time.Minute {
		t.Errorf("lease ttl = %v", cfg.LeaseTTL)
	}
	if cfg.ProgressStaleAfter.Std() != 2*time.Minute {
		t.Errorf("progress stale after = %v", cfg.ProgressStaleAfter)
	}
}

func TestLoad_OverridesAndDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := "default_cli = \"claude\"\nspace_lease = true\nlease_ttl = \"30m\"\n"
	if err := os.WriteFile(filepath.Join(dir, config.File), []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultCLI != "claude" {
		t.Errorf("cli = %q, want claude", cfg.DefaultCLI)
	}
	if !cfg.SpaceLease {
		t.Error("space lease not enabled")
	}
	if cfg.LeaseTTL.Std() != 30*time.Minute {
		t.Errorf("lease ttl = %v, want 30m", cfg.LeaseTTL)
	}
	// Unset fields still get defaults.
	if cfg.DefaultBaseBranch != "main" {
		t.Errorf("base branch = %q, want main", cfg.DefaultBaseBranch)
	}
	if cfg.ProgressStaleAfter.Std() != 2*time.Minute {
		t.Errorf("progress stale after = %v, want default", cfg.ProgressStaleAfter)
	}
}

func TestLoad_BadDurationString(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, config.File), []byte("lease_ttl = \"soon\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.Load(dir); err == nil {
		t.Fatal("expected parse error for malformed duration")
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, config.File), []byte("default_cli = [broken"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.Load(dir); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDataRoot_EnvOverride(t *testing.T) {
	t.Setenv("AIHUB_HOME", "/tmp/custom-aihub")

	root, err := config.DataRoot()
	if err != nil {
		t.Fatalf("DataRoot: %v", err)
	}
	if root != "/tmp/custom-aihub" {
		t.Errorf("root = %q", root)
	}
}
