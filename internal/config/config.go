package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultFileName = "dxeforge.yaml"

	// BootstrapEnvVar must hold BootstrapRequiredValue for cargo to accept the
	// -Z build-std options on a stable toolchain.
	BootstrapEnvVar        = "RUSTC_BOOTSTRAP"
	BootstrapRequiredValue = "1"

	defaultWorkspaceDir  = "."
	defaultCargoBin      = "cargo"
	defaultOverrideTable = "patch.crates-io"
	defaultLogTailLines  = 40
)

// Config controls one dxeforge invocation.
type Config struct {
	WorkspaceDir  string        `yaml:"workspace_dir"`
	ManifestPath  string        `yaml:"manifest"`
	TargetDir     string        `yaml:"target_dir"`
	CargoBin      string        `yaml:"cargo_bin"`
	OverrideTable string        `yaml:"override_table"`
	ExtraFeatures []string      `yaml:"features"`
	LockTimeout   time.Duration `yaml:"lock_timeout"`
	LogTailLines  int           `yaml:"log_tail_lines"`
	History       bool          `yaml:"history"`

	// BootstrapValue is the value of RUSTC_BOOTSTRAP captured at load time. It is
	// handed to the build driver explicitly rather than read from the process env.
	BootstrapValue string `yaml:"-"`
}

func Default() Config {
	return Config{
		WorkspaceDir:  defaultWorkspaceDir,
		CargoBin:      defaultCargoBin,
		OverrideTable: defaultOverrideTable,
		LogTailLines:  defaultLogTailLines,
		History:       true,
	}
}

// Load layers defaults, the YAML file and the environment. An empty path means
// <workspace>/dxeforge.yaml, which is optional.
func Load(path string) (Config, error) {
	cfg := Default()
	if ws := strings.TrimSpace(os.Getenv("DXEFORGE_WORKSPACE")); ws != "" {
		cfg.WorkspaceDir = ws
	}
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = filepath.Join(cfg.WorkspaceDir, DefaultFileName)
	}
	if err := cfg.mergeFile(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func FromEnv() (Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.WorkspaceDir = getEnv("DXEFORGE_WORKSPACE", c.WorkspaceDir)
	c.ManifestPath = getEnv("DXEFORGE_MANIFEST", c.ManifestPath)
	c.TargetDir = getEnv("DXEFORGE_TARGET_DIR", c.TargetDir)
	c.CargoBin = getEnv("DXEFORGE_CARGO_BIN", c.CargoBin)
	c.OverrideTable = getEnv("DXEFORGE_OVERRIDE_TABLE", c.OverrideTable)
	if v := os.Getenv("DXEFORGE_FEATURES"); strings.TrimSpace(v) != "" {
		c.ExtraFeatures = parseCSV(v)
	}
	c.BootstrapValue = strings.TrimSpace(os.Getenv(BootstrapEnvVar))

	if v := strings.TrimSpace(os.Getenv("DXEFORGE_LOCK_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse DXEFORGE_LOCK_TIMEOUT: %w", err)
		}
		c.LockTimeout = d
	}
	if v := strings.TrimSpace(os.Getenv("DXEFORGE_LOG_TAIL_LINES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse DXEFORGE_LOG_TAIL_LINES: %w", err)
		}
		c.LogTailLines = n
	}
	if v := strings.TrimSpace(os.Getenv("DXEFORGE_HISTORY")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse DXEFORGE_HISTORY: %w", err)
		}
		c.History = b
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.WorkspaceDir) == "" {
		return errors.New("workspace dir is required")
	}
	if strings.TrimSpace(c.CargoBin) == "" {
		return errors.New("cargo bin is required")
	}
	table := strings.TrimSpace(c.OverrideTable)
	if table == "" {
		return errors.New("override table is required")
	}
	for _, part := range strings.Split(table, ".") {
		if part == "" || strings.ContainsAny(part, " \t[]\"") {
			return fmt.Errorf("invalid override table %q", c.OverrideTable)
		}
	}
	for _, f := range c.ExtraFeatures {
		if f == "" || strings.ContainsAny(f, " \t,") {
			return fmt.Errorf("invalid feature %q", f)
		}
	}
	if c.LockTimeout < 0 {
		return errors.New("lock timeout must be >= 0")
	}
	if c.LogTailLines < 0 {
		return errors.New("log tail lines must be >= 0")
	}
	return nil
}

// Manifest is the manifest path, defaulting to <workspace>/Cargo.toml.
func (c Config) Manifest() string {
	if strings.TrimSpace(c.ManifestPath) != "" {
		return c.ManifestPath
	}
	return filepath.Join(c.WorkspaceDir, "Cargo.toml")
}

// TargetRoot is cargo's target directory, defaulting to <workspace>/target.
func (c Config) TargetRoot() string {
	if strings.TrimSpace(c.TargetDir) != "" {
		return c.TargetDir
	}
	return filepath.Join(c.WorkspaceDir, "target")
}

func (c Config) HistoryDir() string {
	return filepath.Join(c.TargetRoot(), "dxeforge", "builds")
}

func (c Config) BootstrapEnabled() bool {
	return c.BootstrapValue == BootstrapRequiredValue
}

func getEnv(k, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return fallback
}

func parseCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
