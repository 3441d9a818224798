package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Executor.MaxWorkers)
	assert.Equal(t, time.Hour, cfg.Executor.TaskTimeout)
	assert.Equal(t, 3, cfg.Executor.MaxRetries)
	assert.Equal(t, 2*time.Minute, cfg.Registry.HeartbeatTimeout)
	assert.Equal(t, "worktree", cfg.Isolation.Mode)
	assert.Equal(t, "main", cfg.Isolation.BaseBranch)
	assert.Equal(t, 5*time.Minute, cfg.Review.OrphanThreshold)
	assert.NotEmpty(t, cfg.Registry.StateDir)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"executor:\n  max_workers: 8\nisolation:\n  mode: container\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Executor.MaxWorkers)
	assert.Equal(t, "container", cfg.Isolation.Mode)
	// untouched keys keep their defaults
	assert.Equal(t, 3, cfg.Executor.MaxRetries)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("executor:\n  max_workers: 8\n"), 0o600))
	t.Setenv("GADUGI_EXECUTOR_MAX_WORKERS", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Executor.MaxWorkers)
}

func TestLoadGitHubTokenFromEnv(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "ghp_test")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "ghp_test", cfg.GitHub.Token)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"zero workers", func(c *Config) { c.Executor.MaxWorkers = 0 }, "max_workers"},
		{"negative retries", func(c *Config) { c.Executor.MaxRetries = -1 }, "max_retries"},
		{"bad isolation mode", func(c *Config) { c.Isolation.Mode = "vm" }, "isolation.mode"},
		{"zero heartbeat", func(c *Config) { c.Registry.HeartbeatTimeout = 0 }, "heartbeat_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSub)
		})
	}
}
