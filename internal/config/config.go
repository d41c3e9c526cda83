// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures every knob of one ingestion run.
type Config struct {
	Target    TargetConfig    `mapstructure:"target"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Normalize NormalizeConfig `mapstructure:"normalize"`
	Chunk     ChunkConfig     `mapstructure:"chunk"`
	Output    OutputConfig    `mapstructure:"output"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// TargetConfig names the seed page and the domain scope.
type TargetConfig struct {
	// Domain is a comma-separated list of hosts, "*.host" suffixes, or URL prefixes.
	Domain  string `mapstructure:"domain"`
	SeedURL string `mapstructure:"seed_url"`
}

// FetchConfig governs the fetch pool.
type FetchConfig struct {
	MaxWorkers       int     `mapstructure:"max_workers"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	MaxRetries       int     `mapstructure:"max_retries"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
	RateLimitRPS     float64 `mapstructure:"rate_limit_rps"`
	UserAgent        string  `mapstructure:"user_agent"`
	RespectRobots    bool    `mapstructure:"respect_robots"`
}

// NormalizeConfig bounds normalized page content.
type NormalizeConfig struct {
	MaxContentLength int `mapstructure:"max_content_length"`
}

// ChunkConfig sets the chunk size in whitespace tokens.
type ChunkConfig struct {
	SizeTokens int `mapstructure:"size_tokens"`
}

// OutputConfig locates the files written by a run.
type OutputConfig struct {
	Dir           string `mapstructure:"dir"`
	DiscoveryFile string `mapstructure:"discovery_file"`
	PagesFile     string `mapstructure:"pages_file"`
	ChunksFile    string `mapstructure:"chunks_file"`
	ErrorLog      string `mapstructure:"error_log"`
}

// StorageConfig enables the optional database sinks and the GCS mirror.
type StorageConfig struct {
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	GCSPrefix   string `mapstructure:"gcs_prefix"`
	// MirrorDir mirrors outputs to a local directory when no bucket is set.
	MirrorDir string `mapstructure:"mirror_dir"`
}

// PubSubConfig holds metadata for run-completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig exposes Prometheus metrics when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features and file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
}

// DefaultUserAgent mimics a desktop browser; several sites refuse bot agents.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// envBindings maps config keys to their environment variable names.
var envBindings = map[string]string{
	"target.domain":                "TARGET_DOMAIN",
	"target.seed_url":              "SEED_URL",
	"fetch.max_workers":            "MAX_WORKERS",
	"fetch.timeout_seconds":        "FETCH_TIMEOUT_SECONDS",
	"fetch.max_retries":            "MAX_RETRIES",
	"fetch.backoff_initial_ms":     "FETCH_BACKOFF_INITIAL_MS",
	"fetch.backoff_max_ms":         "FETCH_BACKOFF_MAX_MS",
	"fetch.rate_limit_rps":         "FETCH_RATE_LIMIT_RPS",
	"fetch.user_agent":             "FETCH_USER_AGENT",
	"fetch.respect_robots":         "RESPECT_ROBOTS",
	"normalize.max_content_length": "MAX_CONTENT_LENGTH",
	"chunk.size_tokens":            "CHUNK_SIZE_TOKENS",
	"output.dir":                   "OUTPUT_DIR",
	"output.discovery_file":        "DISCOVERY_FILE",
	"output.pages_file":            "PAGES_FILE",
	"output.chunks_file":           "CHUNKS_FILE",
	"output.error_log":             "ERROR_LOG",
	"storage.sqlite_path":          "SQLITE_PATH",
	"storage.postgres_dsn":         "POSTGRES_DSN",
	"storage.gcs_bucket":           "GCS_BUCKET",
	"storage.gcs_prefix":           "GCS_PREFIX",
	"storage.mirror_dir":           "MIRROR_DIR",
	"pubsub.project_id":            "PUBSUB_PROJECT_ID",
	"pubsub.topic_name":            "PUBSUB_TOPIC",
	"metrics.addr":                 "METRICS_ADDR",
	"logging.development":          "LOG_DEVELOPMENT",
	"logging.file":                 "LOG_FILE",
}

// Load builds a Config from defaults, an optional config file, a .env file in
// the working directory, and the environment (highest precedence).
func Load(path string) (Config, error) {
	return LoadWithEnvFiles(path, ".env")
}

// LoadWithEnvFiles is Load with explicit dotenv files. Missing files are
// ignored; variables already present in the environment win.
func LoadWithEnvFiles(path string, envFiles ...string) (Config, error) {
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", file, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("fetch.max_workers", 10)
	v.SetDefault("fetch.timeout_seconds", 10)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.backoff_initial_ms", 250)
	v.SetDefault("fetch.backoff_max_ms", 2000)
	v.SetDefault("fetch.rate_limit_rps", 0)
	v.SetDefault("fetch.user_agent", DefaultUserAgent)
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("normalize.max_content_length", 5000)
	v.SetDefault("chunk.size_tokens", 500)
	v.SetDefault("output.dir", ".")
	v.SetDefault("output.discovery_file", "output.jsonl")
	v.SetDefault("output.pages_file", "scraped_data.csv")
	v.SetDefault("output.chunks_file", "chunked_data.csv")
	v.SetDefault("output.error_log", "errors.log")
	v.SetDefault("storage.gcs_prefix", "site-ingest")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits. The target is
// checked separately by ValidateTarget because the chunk stage needs none.
func (c Config) Validate() error {
	if c.Fetch.MaxWorkers <= 0 {
		return fmt.Errorf("fetch.max_workers must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxRetries <= 0 {
		return fmt.Errorf("fetch.max_retries must be > 0")
	}
	if c.Fetch.BackoffInitialMs < 0 || c.Fetch.BackoffMaxMs < 0 {
		return fmt.Errorf("fetch backoff must be >= 0")
	}
	if c.Fetch.RateLimitRPS < 0 {
		return fmt.Errorf("fetch.rate_limit_rps must be >= 0")
	}
	if c.Normalize.MaxContentLength <= 0 {
		return fmt.Errorf("normalize.max_content_length must be > 0")
	}
	if c.Chunk.SizeTokens <= 0 {
		return fmt.Errorf("chunk.size_tokens must be > 0")
	}
	if strings.TrimSpace(c.Output.PagesFile) == "" || strings.TrimSpace(c.Output.ChunksFile) == "" {
		return fmt.Errorf("output.pages_file and output.chunks_file must be set")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	return nil
}

// ValidateTarget checks the keys needed by the discovery and fetch stages.
func (c Config) ValidateTarget() error {
	if strings.TrimSpace(c.Target.SeedURL) == "" {
		return fmt.Errorf("target.seed_url must be set")
	}
	if len(c.DomainPatterns()) == 0 {
		return fmt.Errorf("target.domain must be set")
	}
	return nil
}

// DomainPatterns splits Target.Domain on commas.
func (c Config) DomainPatterns() []string {
	var out []string
	for _, part := range strings.Split(c.Target.Domain, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// FetchTimeout is the per-attempt deadline.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// BackoffInitial is the base delay between attempts.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.Fetch.BackoffInitialMs) * time.Millisecond
}

// BackoffMax caps the delay between attempts.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Fetch.BackoffMaxMs) * time.Millisecond
}

// OutputPath joins a file name with the output directory. Absolute names are
// returned unchanged.
func (c Config) OutputPath(name string) string {
	if filepath.IsAbs(name) || c.Output.Dir == "" {
		return name
	}
	return filepath.Join(c.Output.Dir, name)
}
