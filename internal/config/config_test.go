package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.CrawlID != "" {
		t.Fatalf("expected empty crawl id, got %q", cfg.CrawlID)
	}
	if cfg.Concurrency != 10 {
		t.Fatalf("expected concurrency 10, got %d", cfg.Concurrency)
	}
	if cfg.RateLimit.RPS != 3 || cfg.RateLimit.MinRPS != 0.5 || cfg.RateLimit.MaxRPS != 10 {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if got := cfg.Fetch.Timeout(); got != 45*time.Second {
		t.Fatalf("expected fetch timeout 45s, got %v", got)
	}
	if cfg.Fetch.MaxRetries != 3 {
		t.Fatalf("expected 3 retries, got %d", cfg.Fetch.MaxRetries)
	}
	if got := cfg.Fetch.MaxBackoff(); got != time.Minute {
		t.Fatalf("expected max backoff 1m, got %v", got)
	}
	if cfg.Storage.Path != "./data" {
		t.Fatalf("expected ./data storage path, got %q", cfg.Storage.Path)
	}
	if cfg.Storage.UseRemote() {
		t.Fatalf("expected local backend without credentials")
	}
	if cfg.Extract.InputPrefix != "documents" || cfg.Extract.OutputPrefix != "extracted" {
		t.Fatalf("unexpected extract prefixes: %+v", cfg.Extract)
	}
	if cfg.Extract.BatchSize != 100 || cfg.Extract.Workers != 2 {
		t.Fatalf("unexpected extract defaults: %+v", cfg.Extract)
	}
	if got := cfg.Extract.Timeout(); got != 30*time.Second {
		t.Fatalf("expected extract timeout 30s, got %v", got)
	}
	if cfg.PubSub.Enabled() {
		t.Fatalf("expected pubsub disabled by default")
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	t.Setenv("CRAWL_ID", "CC-MAIN-2024-33")
	t.Setenv("CONCURRENCY", "25")
	t.Setenv("BATCH_SIZE", "500")
	t.Setenv("RATE_LIMIT_RPS", "5")
	t.Setenv("MIN_RPS", "1")
	t.Setenv("MAX_RPS", "20")
	t.Setenv("TIMEOUT_MS", "10000")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("MAX_BACKOFF_MS", "30000")
	t.Setenv("STORAGE_PATH", "/var/lib/harvest")
	t.Setenv("DATABASE_URL", "postgres://harvest:secret@db/harvest")
	t.Setenv("EXTRACT_INPUT_PREFIX", "docs")
	t.Setenv("EXTRACT_OUTPUT_PREFIX", "text")
	t.Setenv("EXTRACT_BATCH_SIZE", "40")
	t.Setenv("EXTRACT_WORKERS", "4")
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("LOG_DEVELOPMENT", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.CrawlID != "CC-MAIN-2024-33" {
		t.Fatalf("expected crawl id override, got %q", cfg.CrawlID)
	}
	if cfg.Concurrency != 25 || cfg.BatchSize != 500 {
		t.Fatalf("expected concurrency 25 and batch 500, got %d and %d", cfg.Concurrency, cfg.BatchSize)
	}
	if cfg.RateLimit.RPS != 5 || cfg.RateLimit.MinRPS != 1 || cfg.RateLimit.MaxRPS != 20 {
		t.Fatalf("unexpected rate limit overrides: %+v", cfg.RateLimit)
	}
	if got := cfg.Fetch.Timeout(); got != 10*time.Second {
		t.Fatalf("expected fetch timeout 10s, got %v", got)
	}
	if cfg.Fetch.MaxRetries != 5 {
		t.Fatalf("expected 5 retries, got %d", cfg.Fetch.MaxRetries)
	}
	if got := cfg.Fetch.MaxBackoff(); got != 30*time.Second {
		t.Fatalf("expected max backoff 30s, got %v", got)
	}
	if cfg.Storage.Path != "/var/lib/harvest" {
		t.Fatalf("expected storage path override, got %q", cfg.Storage.Path)
	}
	if cfg.Database.URL != "postgres://harvest:secret@db/harvest" {
		t.Fatalf("expected database url override, got %q", cfg.Database.URL)
	}
	if cfg.Extract.InputPrefix != "docs" || cfg.Extract.OutputPrefix != "text" {
		t.Fatalf("unexpected extract prefixes: %+v", cfg.Extract)
	}
	if cfg.Extract.BatchSize != 40 || cfg.Extract.Workers != 4 {
		t.Fatalf("unexpected extract overrides: %+v", cfg.Extract)
	}
	if cfg.Server.Listen != ":9090" {
		t.Fatalf("expected listen override, got %q", cfg.Server.Listen)
	}
	if !cfg.Logging.Development {
		t.Fatalf("expected development logging enabled")
	}
}

func TestLoadR2Credentials(t *testing.T) {
	t.Setenv("CLOUDFLARE_ACCOUNT_ID", "acct123")
	t.Setenv("R2_ACCESS_KEY_ID", "key")
	t.Setenv("R2_SECRET_ACCESS_KEY", "secret")
	t.Setenv("R2_BUCKET_NAME", "harvest-blobs")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Storage.UseRemote() {
		t.Fatalf("expected remote backend with full credentials")
	}
	if cfg.Storage.R2.AccountID != "acct123" || cfg.Storage.R2.Bucket != "harvest-blobs" {
		t.Fatalf("unexpected r2 config: %+v", cfg.Storage.R2)
	}
}

func TestLoadGCSBucket(t *testing.T) {
	t.Setenv("GCS_BUCKET", "harvest-blobs")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Storage.UseGCS() {
		t.Fatalf("expected gcs backend with bucket set")
	}
	if cfg.Storage.GCSBucket != "harvest-blobs" {
		t.Fatalf("unexpected gcs bucket: %q", cfg.Storage.GCSBucket)
	}
}

func TestLoadPartialR2CredentialsRejected(t *testing.T) {
	t.Setenv("R2_ACCESS_KEY_ID", "key")

	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "incomplete") {
		t.Fatalf("expected incomplete-credentials error, got %v", err)
	}
}

func TestLoadR2RequiresAccountID(t *testing.T) {
	t.Setenv("R2_ACCESS_KEY_ID", "key")
	t.Setenv("R2_SECRET_ACCESS_KEY", "secret")
	t.Setenv("R2_BUCKET_NAME", "harvest-blobs")

	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "account id") {
		t.Fatalf("expected account-id error, got %v", err)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
crawl_id: CC-MAIN-2023-50
concurrency: 8
rate_limit:
  rps: 2
extract:
  workers: 3
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CrawlID != "CC-MAIN-2023-50" {
		t.Fatalf("expected crawl id from file, got %q", cfg.CrawlID)
	}
	if cfg.Concurrency != 8 || cfg.RateLimit.RPS != 2 || cfg.Extract.Workers != 3 {
		t.Fatalf("expected file overrides to apply: %+v", cfg)
	}
}

func TestEnvWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("concurrency: 8\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("CONCURRENCY", "12")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Concurrency != 12 {
		t.Fatalf("expected env to win over file, got %d", cfg.Concurrency)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Concurrency: 10,
		RateLimit:   RateLimitConfig{RPS: 3, MinRPS: 0.5, MaxRPS: 10},
		Fetch:       FetchConfig{TimeoutMS: 45000, MaxRetries: 3, MaxBackoffMS: 60000},
		Storage:     StorageConfig{Path: "./data"},
		Extract: ExtractConfig{
			InputPrefix:  "documents",
			OutputPrefix: "extracted",
			BatchSize:    100,
			Workers:      2,
			TimeoutMS:    30000,
		},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "concurrency too low",
			cfg: func() Config {
				c := base
				c.Concurrency = 0
				return c
			}(),
			want: "concurrency",
		},
		{
			name: "concurrency too high",
			cfg: func() Config {
				c := base
				c.Concurrency = 51
				return c
			}(),
			want: "concurrency",
		},
		{
			name: "negative batch size",
			cfg: func() Config {
				c := base
				c.BatchSize = -1
				return c
			}(),
			want: "batch_size",
		},
		{
			name: "zero rps",
			cfg: func() Config {
				c := base
				c.RateLimit.RPS = 0
				return c
			}(),
			want: "rps",
		},
		{
			name: "min above max",
			cfg: func() Config {
				c := base
				c.RateLimit.MinRPS = 20
				return c
			}(),
			want: "min_rps",
		},
		{
			name: "zero fetch timeout",
			cfg: func() Config {
				c := base
				c.Fetch.TimeoutMS = 0
				return c
			}(),
			want: "timeout_ms",
		},
		{
			name: "retries too low",
			cfg: func() Config {
				c := base
				c.Fetch.MaxRetries = 0
				return c
			}(),
			want: "max_retries",
		},
		{
			name: "retries too high",
			cfg: func() Config {
				c := base
				c.Fetch.MaxRetries = 11
				return c
			}(),
			want: "max_retries",
		},
		{
			name: "missing storage path",
			cfg: func() Config {
				c := base
				c.Storage.Path = ""
				return c
			}(),
			want: "storage.path",
		},
		{
			name: "partial r2 credentials",
			cfg: func() Config {
				c := base
				c.Storage.R2.AccessKeyID = "key"
				return c
			}(),
			want: "incomplete",
		},
		{
			name: "r2 and gcs both configured",
			cfg: func() Config {
				c := base
				c.Storage.GCSBucket = "harvest-blobs"
				c.Storage.R2 = R2Config{
					AccountID:       "acct",
					AccessKeyID:     "key",
					SecretAccessKey: "secret",
					Bucket:          "blobs",
				}
				return c
			}(),
			want: "one blob backend",
		},
		{
			name: "empty extract prefix",
			cfg: func() Config {
				c := base
				c.Extract.InputPrefix = ""
				return c
			}(),
			want: "prefixes",
		},
		{
			name: "zero extract workers",
			cfg: func() Config {
				c := base
				c.Extract.Workers = 0
				return c
			}(),
			want: "workers",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
