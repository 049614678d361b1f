// Package config holds the settings of one migration run.
//
// Values come from, in increasing precedence: built-in defaults, an
// optional YAML file, the MIGRATE_TMP_DIR environment variable (work
// directory only), and command-line flags applied by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/cidermigrate/internal/artifact"
	"github.com/roach88/cidermigrate/internal/migration"
	"github.com/roach88/cidermigrate/internal/validation"
)

// TmpDirEnv overrides the parent of the default work directory.
const TmpDirEnv = "MIGRATE_TMP_DIR"

// Config is the full set of run settings.
type Config struct {
	SourceURL     string `yaml:"source_url"`
	BackendURL    string `yaml:"backend_url"`
	RepoID        string `yaml:"repo_id"`
	AdminUser     string `yaml:"admin_user"`
	AdminPassword string `yaml:"admin_password"`

	// WorkDir holds the keyed stores and the promise database.
	WorkDir   string `yaml:"work_dir"`
	OutputDir string `yaml:"output_dir"`

	BufferSize int `yaml:"buffer_size"`
	CacheSize  int `yaml:"cache_size"`
	Workers    int `yaml:"workers"`
	ChunkSize  int `yaml:"chunk_size"`

	AgentRoles            []string `yaml:"agent_roles"`
	DiscardFailedPromises bool     `yaml:"discard_failed_promises"`
	ValidationMode        string   `yaml:"validation_mode"`

	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`

	S3 artifact.Config `yaml:"s3"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		RepoID:         migration.DefaultRepoID,
		AdminUser:      "admin",
		WorkDir:        defaultWorkDir(),
		OutputDir:      ".",
		BufferSize:     5,
		CacheSize:      10,
		Workers:        runtime.GOMAXPROCS(0),
		ChunkSize:      500,
		ValidationMode: validation.Strict.String(),
		LogLevel:       "info",
	}
}

func defaultWorkDir() string {
	parent := os.Getenv(TmpDirEnv)
	if parent == "" {
		parent = os.TempDir()
	}
	return filepath.Join(parent, "cider_migration")
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path returns the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Mode returns the parsed validation mode.
func (c Config) Mode() (validation.Mode, error) {
	return validation.ParseMode(c.ValidationMode)
}

// Validate checks the settings that every command relies on.
func (c Config) Validate() error {
	var problems []string
	if c.BufferSize <= 0 {
		problems = append(problems, "buffer_size must be positive")
	}
	if c.CacheSize < c.BufferSize {
		problems = append(problems, fmt.Sprintf("cache_size (%d) must be at least buffer_size (%d)", c.CacheSize, c.BufferSize))
	}
	if c.Workers <= 0 {
		problems = append(problems, "workers must be positive")
	}
	if c.ChunkSize <= 0 {
		problems = append(problems, "chunk_size must be positive")
	}
	if c.WorkDir == "" {
		problems = append(problems, "work_dir is required")
	}
	if _, err := c.Mode(); err != nil {
		problems = append(problems, err.Error())
	}
	for _, role := range c.AgentRoles {
		if role == "" || strings.Contains(role, "/") {
			problems = append(problems, fmt.Sprintf("invalid agent role %q", role))
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("unknown log_level %q", c.LogLevel))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// RequireSource checks that a source database URL is set.
func (c Config) RequireSource() error {
	if c.SourceURL == "" {
		return fmt.Errorf("invalid config: source_url is required")
	}
	return nil
}

// RequireBackend checks the settings needed to import into the backend.
func (c Config) RequireBackend() error {
	var missing []string
	if c.BackendURL == "" {
		missing = append(missing, "backend_url")
	}
	if c.RepoID == "" {
		missing = append(missing, "repo_id")
	}
	if c.AdminPassword == "" {
		missing = append(missing, "admin_password")
	}
	if len(missing) > 0 {
		return fmt.Errorf("invalid config: %s required", strings.Join(missing, ", "))
	}
	return nil
}
