// Package config loads the aihub configuration file. The data root
// defaults to ~/.aihub and can be overridden with AIHUB_HOME; the config
// file lives at <dataRoot>/config.toml and every field is optional.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// File is the config file name under the data root.
const File = "config.toml"

// Duration decodes TOML duration strings like "10m" or "1h30m".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds aihub settings.
type Config struct {
	// DefaultCLI is the agent backend used when spawn doesn't name one.
	DefaultCLI string `toml:"default_cli"`

	// DefaultBaseBranch is the branch worktrees fork from when the
	// caller doesn't specify one.
	DefaultBaseBranch string `toml:"default_base_branch"`

	// SpaceLease enables the write-lease commands over the space
	// worktree.
	SpaceLease bool `toml:"space_lease"`

	// LeaseTTL is the default lease duration.
	LeaseTTL Duration `toml:"lease_ttl"`

	// ProgressStaleAfter is how long without progress updates before a
	// worker with a live handle is reported hung rather than running.
	ProgressStaleAfter Duration `toml:"progress_stale_after"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.DefaultCLI == "" {
		out.DefaultCLI = "codex"
	}
	if out.DefaultBaseBranch == "" {
		out.DefaultBaseBranch = "main"
	}
	if out.LeaseTTL == 0 {
		out.LeaseTTL = Duration(10 * time.Minute)
	}
	if out.ProgressStaleAfter == 0 {
		out.ProgressStaleAfter = Duration(2 * time.Minute)
	}
	return out
}

// DataRoot returns the aihub home directory: AIHUB_HOME if set,
// otherwise ~/.aihub.
func DataRoot() (string, error) {
	if v := os.Getenv("AIHUB_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".aihub"), nil
}

// Load reads <dataRoot>/config.toml and applies defaults. A missing file
// yields pure defaults, not an error.
func Load(dataRoot string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(filepath.Join(dataRoot, File)) //nolint:gosec // path is under the configured data root
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			out := cfg.withDefaults()
			return &out, nil
		}
		return nil, fmt.Errorf("read %s: %w", File, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", File, err)
	}
	out := cfg.withDefaults()
	return &out, nil
}
