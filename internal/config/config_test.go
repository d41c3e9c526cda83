package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TARGET_DOMAIN", "example.com")
	t.Setenv("SEED_URL", "https://example.com/")

	cfg, err := LoadWithEnvFiles("")
	require.NoError(t, err)

	require.Equal(t, 10, cfg.Fetch.MaxWorkers)
	require.Equal(t, 10*time.Second, cfg.FetchTimeout())
	require.Equal(t, 3, cfg.Fetch.MaxRetries)
	require.Equal(t, 5000, cfg.Normalize.MaxContentLength)
	require.Equal(t, 500, cfg.Chunk.SizeTokens)
	require.Equal(t, 250*time.Millisecond, cfg.BackoffInitial())
	require.Equal(t, 2*time.Second, cfg.BackoffMax())
	require.Equal(t, DefaultUserAgent, cfg.Fetch.UserAgent)
	require.False(t, cfg.Fetch.RespectRobots)
	require.Equal(t, "scraped_data.csv", cfg.Output.PagesFile)
	require.Equal(t, "chunked_data.csv", cfg.Output.ChunksFile)
	require.Equal(t, "output.jsonl", cfg.Output.DiscoveryFile)
	require.Equal(t, "errors.log", cfg.Output.ErrorLog)
	require.NoError(t, cfg.ValidateTarget())
	require.Equal(t, []string{"example.com"}, cfg.DomainPatterns())
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
target:
  domain: "example.com, *.docs.example.com"
  seed_url: https://example.com/
fetch:
  max_workers: 4
  max_retries: 5
  rate_limit_rps: 2.5
  respect_robots: true
chunk:
  size_tokens: 100
output:
  dir: /data
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))
	t.Setenv("MAX_WORKERS", "7")
	t.Setenv("CHUNK_SIZE_TOKENS", "250")

	cfg, err := LoadWithEnvFiles(path)
	require.NoError(t, err)

	require.Equal(t, 7, cfg.Fetch.MaxWorkers)
	require.Equal(t, 5, cfg.Fetch.MaxRetries)
	require.InDelta(t, 2.5, cfg.Fetch.RateLimitRPS, 0.0001)
	require.True(t, cfg.Fetch.RespectRobots)
	require.Equal(t, 250, cfg.Chunk.SizeTokens)
	require.Equal(t, []string{"example.com", "*.docs.example.com"}, cfg.DomainPatterns())
	require.Equal(t, filepath.Join("/data", "scraped_data.csv"), cfg.OutputPath(cfg.Output.PagesFile))
	require.Equal(t, "/abs/chunks.csv", cfg.OutputPath("/abs/chunks.csv"))
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("MAX_CONTENT_LENGTH=1234\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("MAX_CONTENT_LENGTH") })

	cfg, err := LoadWithEnvFiles("", envPath, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	require.Equal(t, 1234, cfg.Normalize.MaxContentLength)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := LoadWithEnvFiles(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := Config{
		Fetch:     FetchConfig{MaxWorkers: 1, TimeoutSeconds: 1, MaxRetries: 1},
		Normalize: NormalizeConfig{MaxContentLength: 10},
		Chunk:     ChunkConfig{SizeTokens: 5},
		Output:    OutputConfig{PagesFile: "p.csv", ChunksFile: "c.csv"},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"workers", func(c *Config) { c.Fetch.MaxWorkers = 0 }, "fetch.max_workers must be > 0"},
		{"timeout", func(c *Config) { c.Fetch.TimeoutSeconds = 0 }, "fetch.timeout_seconds must be > 0"},
		{"retries", func(c *Config) { c.Fetch.MaxRetries = 0 }, "fetch.max_retries must be > 0"},
		{"rps", func(c *Config) { c.Fetch.RateLimitRPS = -1 }, "fetch.rate_limit_rps must be >= 0"},
		{"content", func(c *Config) { c.Normalize.MaxContentLength = 0 }, "normalize.max_content_length must be > 0"},
		{"chunk", func(c *Config) { c.Chunk.SizeTokens = 0 }, "chunk.size_tokens must be > 0"},
		{"pubsub", func(c *Config) { c.PubSub.ProjectID = "p" }, "pubsub.topic_name must be set when pubsub.project_id is set"},
	}
	for _, tt := range tests {
		cfg := valid
		tt.mutate(&cfg)
		require.EqualError(t, cfg.Validate(), tt.want, tt.name)
	}

	require.EqualError(t, valid.ValidateTarget(), "target.seed_url must be set")
	valid.Target.SeedURL = "https://example.com"
	require.EqualError(t, valid.ValidateTarget(), "target.domain must be set")
}
