// Package config loads and validates harvest configuration via Viper.
// Every knob resolves from the environment without a prefix (CRAWL_ID,
// CONCURRENCY, DATABASE_URL, ...); an optional config file and a local
// .env can supply the same keys.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all pipeline configuration knobs.
type Config struct {
	// CrawlID names the crawl to harvest; empty means newest published.
	CrawlID     string `mapstructure:"crawl_id"`
	Concurrency int    `mapstructure:"concurrency"`
	// BatchSize stops a scrape run after this many uploads; 0 means no cap.
	BatchSize int             `mapstructure:"batch_size"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// RateLimitConfig seeds the adaptive limiter.
type RateLimitConfig struct {
	RPS    float64 `mapstructure:"rps"`
	MinRPS float64 `mapstructure:"min_rps"`
	MaxRPS float64 `mapstructure:"max_rps"`
}

// FetchConfig governs archive range requests.
type FetchConfig struct {
	TimeoutMS    int    `mapstructure:"timeout_ms"`
	MaxRetries   int    `mapstructure:"max_retries"`
	MaxBackoffMS int    `mapstructure:"max_backoff_ms"`
	BaseURL      string `mapstructure:"base_url"`
	UserAgent    string `mapstructure:"user_agent"`
}

// Timeout converts the per-attempt deadline to a duration.
func (c FetchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// MaxBackoff converts the retry-wait cap to a duration.
func (c FetchConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMS) * time.Millisecond
}

// StorageConfig selects and parameterizes the blob backend.
type StorageConfig struct {
	// Path is the local blob root, also used for manifest output.
	Path string `mapstructure:"path"`
	// GCSBucket selects the Google Cloud Storage backend. Credentials
	// come from the ambient application-default chain.
	GCSBucket string   `mapstructure:"gcs_bucket"`
	R2        R2Config `mapstructure:"r2"`
}

// R2Config holds S3-API credentials for the remote backend.
type R2Config struct {
	AccountID       string `mapstructure:"account_id"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Bucket          string `mapstructure:"bucket"`
}

// UseRemote reports whether the three credential fields are all set,
// which selects the blob API over the local filesystem.
func (c StorageConfig) UseRemote() bool {
	return c.R2.AccessKeyID != "" && c.R2.SecretAccessKey != "" && c.R2.Bucket != ""
}

// UseGCS reports whether blobs go to Google Cloud Storage.
func (c StorageConfig) UseGCS() bool {
	return c.GCSBucket != ""
}

// DatabaseConfig points at the metadata store.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// ExtractConfig governs the extraction pipeline.
type ExtractConfig struct {
	InputPrefix  string `mapstructure:"input_prefix"`
	OutputPrefix string `mapstructure:"output_prefix"`
	BatchSize    int    `mapstructure:"batch_size"`
	Workers      int    `mapstructure:"workers"`
	// Command launches the extractor subprocess; empty selects the
	// in-process engine.
	Command   string `mapstructure:"command"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
}

// Timeout converts the per-document deadline to a duration.
func (c ExtractConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// PubSubConfig names the optional uploaded-document topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Enabled reports whether uploads should be published.
func (c PubSubConfig) Enabled() bool {
	return c.ProjectID != "" && c.Topic != ""
}

// ServerConfig controls the optional status HTTP server.
type ServerConfig struct {
	// Listen is the bind address; empty disables the server.
	Listen string `mapstructure:"listen"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from defaults, an optional config file, a local
// .env, and the environment.
func Load(path string) (Config, error) {
	// A missing .env is the normal production case.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	bindEnvAliases(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

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
	v.SetDefault("crawl_id", "")
	v.SetDefault("concurrency", 10)
	v.SetDefault("batch_size", 0)
	v.SetDefault("rate_limit.rps", 3.0)
	v.SetDefault("rate_limit.min_rps", 0.5)
	v.SetDefault("rate_limit.max_rps", 10.0)
	v.SetDefault("fetch.timeout_ms", 45000)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.max_backoff_ms", 60000)
	v.SetDefault("fetch.base_url", "https://data.commoncrawl.org")
	v.SetDefault("fetch.user_agent", "")
	v.SetDefault("storage.path", "./data")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("database.url", "")
	v.SetDefault("extract.input_prefix", "documents")
	v.SetDefault("extract.output_prefix", "extracted")
	v.SetDefault("extract.batch_size", 100)
	v.SetDefault("extract.workers", 2)
	v.SetDefault("extract.command", "")
	v.SetDefault("extract.timeout_ms", 30000)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("server.listen", "")
	v.SetDefault("logging.development", false)
}

// bindEnvAliases maps the documented flat environment names onto the
// nested config keys.
func bindEnvAliases(v *viper.Viper) {
	aliases := map[string]string{
		"crawl_id":                     "CRAWL_ID",
		"concurrency":                  "CONCURRENCY",
		"batch_size":                   "BATCH_SIZE",
		"rate_limit.rps":               "RATE_LIMIT_RPS",
		"rate_limit.min_rps":           "MIN_RPS",
		"rate_limit.max_rps":           "MAX_RPS",
		"fetch.timeout_ms":             "TIMEOUT_MS",
		"fetch.max_retries":            "MAX_RETRIES",
		"fetch.max_backoff_ms":         "MAX_BACKOFF_MS",
		"storage.path":                 "STORAGE_PATH",
		"storage.gcs_bucket":           "GCS_BUCKET",
		"storage.r2.account_id":        "CLOUDFLARE_ACCOUNT_ID",
		"storage.r2.access_key_id":     "R2_ACCESS_KEY_ID",
		"storage.r2.secret_access_key": "R2_SECRET_ACCESS_KEY",
		"storage.r2.bucket":            "R2_BUCKET_NAME",
		"database.url":                 "DATABASE_URL",
		"extract.input_prefix":         "EXTRACT_INPUT_PREFIX",
		"extract.output_prefix":        "EXTRACT_OUTPUT_PREFIX",
		"extract.batch_size":           "EXTRACT_BATCH_SIZE",
		"extract.workers":              "EXTRACT_WORKERS",
		"extract.command":              "EXTRACT_COMMAND",
		"extract.timeout_ms":           "EXTRACT_TIMEOUT_MS",
		"pubsub.project_id":            "PUBSUB_PROJECT_ID",
		"pubsub.topic":                 "PUBSUB_TOPIC",
		"server.listen":                "LISTEN_ADDR",
		"logging.development":          "LOG_DEVELOPMENT",
	}
	for key, env := range aliases {
		// BindEnv only errors on empty arguments.
		_ = v.BindEnv(key, env)
	}
}

// Validate enforces required values and documented ranges.
func (c Config) Validate() error {
	if c.Concurrency < 1 || c.Concurrency > 50 {
		return fmt.Errorf("concurrency must be between 1 and 50, got %d", c.Concurrency)
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch_size must be >= 0, got %d", c.BatchSize)
	}
	if c.RateLimit.RPS <= 0 {
		return fmt.Errorf("rate_limit.rps must be > 0")
	}
	if c.RateLimit.MinRPS <= 0 || c.RateLimit.MinRPS > c.RateLimit.MaxRPS {
		return fmt.Errorf("rate_limit.min_rps must be > 0 and <= rate_limit.max_rps")
	}
	if c.Fetch.TimeoutMS <= 0 {
		return fmt.Errorf("fetch.timeout_ms must be > 0")
	}
	if c.Fetch.MaxRetries < 1 || c.Fetch.MaxRetries > 10 {
		return fmt.Errorf("fetch.max_retries must be between 1 and 10, got %d", c.Fetch.MaxRetries)
	}
	if c.Fetch.MaxBackoffMS < 0 {
		return fmt.Errorf("fetch.max_backoff_ms must be >= 0")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if err := c.validateR2(); err != nil {
		return err
	}
	if c.Storage.UseRemote() && c.Storage.UseGCS() {
		return fmt.Errorf("choose one blob backend: r2 credentials and gcs bucket are both set")
	}
	if c.Extract.InputPrefix == "" || c.Extract.OutputPrefix == "" {
		return fmt.Errorf("extract prefixes must not be empty")
	}
	if c.Extract.BatchSize < 1 {
		return fmt.Errorf("extract.batch_size must be >= 1, got %d", c.Extract.BatchSize)
	}
	if c.Extract.Workers < 1 {
		return fmt.Errorf("extract.workers must be >= 1, got %d", c.Extract.Workers)
	}
	if c.Extract.TimeoutMS <= 0 {
		return fmt.Errorf("extract.timeout_ms must be > 0")
	}
	return nil
}

// validateR2 rejects partially supplied credentials: either all three
// of key, secret and bucket are present (plus the account id that the
// endpoint derives from) or none are.
func (c Config) validateR2() error {
	r2 := c.Storage.R2
	supplied := 0
	for _, field := range []string{r2.AccessKeyID, r2.SecretAccessKey, r2.Bucket} {
		if field != "" {
			supplied++
		}
	}
	if supplied == 0 {
		return nil
	}
	if supplied < 3 {
		return fmt.Errorf("r2 credentials are incomplete: access key, secret and bucket must all be set")
	}
	if r2.AccountID == "" {
		return fmt.Errorf("cloudflare account id is required with r2 credentials")
	}
	return nil
}
