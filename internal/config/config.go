// Package config loads gadugi's configuration from YAML and the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Config is the full runtime configuration.
type Config struct {
	Executor  ExecutorConfig  `koanf:"executor"`
	Registry  RegistryConfig  `koanf:"registry"`
	Isolation IsolationConfig `koanf:"isolation"`
	GitHub    GitHubConfig    `koanf:"github"`
	Review    ReviewConfig    `koanf:"review"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ExecutorConfig bounds parallel execution and retries.
type ExecutorConfig struct {
	MaxWorkers   int           `koanf:"max_workers"`
	TaskTimeout  time.Duration `koanf:"task_timeout"`
	MaxRetries   int           `koanf:"max_retries"`
	RetryBackoff time.Duration `koanf:"retry_backoff"`
}

// RegistryConfig controls process tracking and state persistence.
type RegistryConfig struct {
	HeartbeatTimeout time.Duration `koanf:"heartbeat_timeout"`
	StateDir         string        `koanf:"state_dir"`
}

// IsolationConfig selects and tunes the sandbox strategy.
type IsolationConfig struct {
	Mode        string          `koanf:"mode"` // none, worktree, container
	Require     bool            `koanf:"require"`
	BaseBranch  string          `koanf:"base_branch"`
	WorktreeDir string          `koanf:"worktree_dir"`
	Container   ContainerConfig `koanf:"container"`
}

// ContainerConfig tunes container sandboxes.
type ContainerConfig struct {
	Image    string            `koanf:"image"`
	CPUs     float64           `koanf:"cpus"`
	MemoryMB int               `koanf:"memory_mb"`
	Network  string            `koanf:"network"`
	Env      map[string]string `koanf:"env"`
}

// GitHubConfig holds repository coordinates and credentials.
type GitHubConfig struct {
	Token string `koanf:"token"`
	Owner string `koanf:"owner"`
	Repo  string `koanf:"repo"`
}

// ReviewConfig tunes the review-consistency checks.
type ReviewConfig struct {
	OrphanThreshold time.Duration `koanf:"orphan_threshold"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Debug bool `koanf:"debug"`
}

// defaults is the base layer every load starts from.
var defaults = []byte(`
executor:
  max_workers: 4
  task_timeout: 1h
  max_retries: 3
  retry_backoff: 5s
registry:
  heartbeat_timeout: 2m
isolation:
  mode: worktree
  base_branch: main
  worktree_dir: .gadugi/worktrees
  container:
    image: gadugi-agent:latest
    network: none
review:
  orphan_threshold: 5m
`)

// Load reads configuration with precedence env > file > defaults. An
// empty path uses the default location; a missing file is not an
// error, the defaults stand.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaults), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading default config: %w", err)
	}

	if path == "" {
		path = DefaultPath()
	}
	if content, err := os.ReadFile(path); err == nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	// GADUGI_EXECUTOR_MAX_WORKERS -> executor.max_workers
	if err := k.Load(env.Provider("GADUGI_", ".", func(s string) string {
		trimmed := strings.ToLower(strings.TrimPrefix(s, "GADUGI_"))
		parts := strings.SplitN(trimmed, "_", 2)
		if len(parts) == 1 {
			return trimmed
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Registry.StateDir == "" {
		cfg.Registry.StateDir = filepath.Join(xdg.StateHome, "gadugi")
	}
	if cfg.GitHub.Token == "" {
		cfg.GitHub.Token = os.Getenv("GITHUB_TOKEN")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultPath returns the config file location under the XDG config home.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "gadugi", "config.yaml")
}

// Validate rejects configurations the runtime cannot honor.
func (c *Config) Validate() error {
	if c.Executor.MaxWorkers < 1 {
		return fmt.Errorf("executor.max_workers must be at least 1, got %d", c.Executor.MaxWorkers)
	}
	if c.Executor.MaxRetries < 0 {
		return fmt.Errorf("executor.max_retries must not be negative, got %d", c.Executor.MaxRetries)
	}
	switch c.Isolation.Mode {
	case "none", "worktree", "container":
	default:
		return fmt.Errorf("isolation.mode must be none, worktree, or container, got %q", c.Isolation.Mode)
	}
	if c.Registry.HeartbeatTimeout <= 0 {
		return fmt.Errorf("registry.heartbeat_timeout must be positive, got %s", c.Registry.HeartbeatTimeout)
	}
	return nil
}
