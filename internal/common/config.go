package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config is the process-wide application configuration, layered as
// defaults -> config file(s) -> environment variables -> CLI flags.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Queue   QueueConfig   `toml:"queue"`
	Storage StorageConfig `toml:"storage"`
	Logging LoggingConfig `toml:"logging"`
	Crawler CrawlerConfig `toml:"crawler"`
	Worker  WorkerConfig  `toml:"worker"`
}

// ServerConfig controls the Submission API's HTTP listener.
type ServerConfig struct {
	Port   int    `toml:"port"`
	Host   string `toml:"host"`
	APIKey string `toml:"api_key"` // shared secret required in the X-API-Key header; auth is disabled when empty
}

// QueueConfig controls the persistent job queue's retry and cleanup
// behavior.
type QueueConfig struct {
	MaxAttempts          int    `toml:"max_attempts"`            // terminal-failure threshold per queue entry
	BaseRetryDelay       string `toml:"base_retry_delay"`        // e.g. "5s" - exponential backoff base
	MaxRetryDelay        string `toml:"max_retry_delay"`         // e.g. "5m" - not read anywhere; retry delays have no ceiling
	StuckClaimTimeout    string `toml:"stuck_claim_timeout"`     // e.g. "15m" - claims older than this are reset to pending
	CompletedRetention   string `toml:"completed_retention"`     // e.g. "168h" - age at which CleanupOldJobs removes completed rows
}

// StorageConfig controls the SQLite-backed job store and queue.
type StorageConfig struct {
	SQLite   SQLiteConfig `toml:"sqlite"`
	JobsDir  string       `toml:"jobs_dir"`  // canonical per-job output location, e.g. "./output/jobs"
	ScratchDir string     `toml:"scratch_dir"` // per-task transient files before aggregation
}

// SQLiteConfig is database-file and connection configuration.
type SQLiteConfig struct {
	Path           string `toml:"path"`             // database file path
	ResetOnStartup bool   `toml:"reset_on_startup"` // not passed to sqlitedb.Open by cmd/crawlkeeper; setting it deletes nothing
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // time.Format layout for console output
	FilePath   string   `toml:"file_path"`   // log file path when "file" is in Output
}

// CrawlerConfig controls the headless-browser Crawl Session.
type CrawlerConfig struct {
	UserAgent              string `toml:"user_agent"`
	MaxPagesToCrawl        string `toml:"max_pages_to_crawl"` // positive integer or "unlimited"
	MaxTokens              string `toml:"max_tokens"`         // positive integer or "unlimited"
	JavaScriptWaitTimeMs   int    `toml:"javascript_wait_time_ms"`
	MaxFileSizeMB          int    `toml:"max_file_size_mb"`
}

// WorkerConfig controls the worker pool's concurrency and polling.
type WorkerConfig struct {
	Concurrency      int    `toml:"concurrency"`        // bounded number of simultaneous task runners
	MinPollInterval  string `toml:"min_poll_interval"`  // e.g. "250ms" - poll interval when work was recently found
	MaxPollInterval  string `toml:"max_poll_interval"`  // e.g. "10s" - poll interval ceiling when idle
	PollBackoffRatio float64 `toml:"poll_backoff_ratio"` // multiplier applied to poll interval on each empty poll
	ShutdownTimeout  string `toml:"shutdown_timeout"`   // e.g. "30s" - grace period to drain in-flight tasks
}

// NewDefaultConfig returns the configuration used when no file,
// environment variable, or flag overrides it.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Queue: QueueConfig{
			MaxAttempts:        3,
			BaseRetryDelay:     "5s",
			MaxRetryDelay:      "5m",
			StuckClaimTimeout:  "30m",
			CompletedRetention: "168h",
		},
		Storage: StorageConfig{
			SQLite: SQLiteConfig{
				Path: "./data/crawlkeeper.db",
			},
			JobsDir:    "./output/jobs",
			ScratchDir: "./output/.scratch",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05.000",
			FilePath:   "./logs/crawlkeeper.log",
		},
		Crawler: CrawlerConfig{
			UserAgent:            "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			MaxPagesToCrawl:      "unlimited",
			MaxTokens:            "unlimited",
			JavaScriptWaitTimeMs: 0,
			MaxFileSizeMB:        0,
		},
		Worker: WorkerConfig{
			Concurrency:      2,
			MinPollInterval:  "1s",
			MaxPollInterval:  "10s",
			PollBackoffRatio: 1.5,
			ShutdownTimeout:  "30s",
		},
	}
}

// LoadFromFiles loads configuration from defaults, merges each path in
// order (later files override earlier ones), then applies environment
// variable overrides. Empty paths are skipped so callers can pass a
// fixed-size slice from repeatable CLI flags.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// applyEnvOverrides applies the environment variables named by the
// Submission API's external contract, plus a handful of
// CRAWLKEEPER_-prefixed extras for knobs the contract leaves
// unspecified.
func applyEnvOverrides(config *Config) {
	if port := os.Getenv("API_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("API_HOST"); host != "" {
		config.Server.Host = host
	}
	if apiKey := os.Getenv("API_KEY"); apiKey != "" {
		config.Server.APIKey = apiKey
	}

	if concurrency := os.Getenv("WORKER_CONCURRENCY"); concurrency != "" {
		if n, err := strconv.Atoi(concurrency); err == nil {
			config.Worker.Concurrency = n
		}
	}
	if pollMS := os.Getenv("POLL_INTERVAL_MS"); pollMS != "" {
		if ms, err := strconv.Atoi(pollMS); err == nil {
			config.Worker.MinPollInterval = fmt.Sprintf("%dms", ms)
		}
	}
	if maxPollMS := os.Getenv("MAX_POLL_INTERVAL_MS"); maxPollMS != "" {
		if ms, err := strconv.Atoi(maxPollMS); err == nil {
			config.Worker.MaxPollInterval = fmt.Sprintf("%dms", ms)
		}
	}
	if jobTimeoutMS := os.Getenv("JOB_TIMEOUT_MS"); jobTimeoutMS != "" {
		if ms, err := strconv.Atoi(jobTimeoutMS); err == nil {
			config.Queue.StuckClaimTimeout = fmt.Sprintf("%dms", ms)
		}
	}
	if backoffMS := os.Getenv("BACKOFF_DELAY_MS"); backoffMS != "" {
		if ms, err := strconv.Atoi(backoffMS); err == nil {
			config.Queue.BaseRetryDelay = fmt.Sprintf("%dms", ms)
		}
	}

	if maxAttempts := os.Getenv("CRAWLKEEPER_QUEUE_MAX_ATTEMPTS"); maxAttempts != "" {
		if n, err := strconv.Atoi(maxAttempts); err == nil {
			config.Queue.MaxAttempts = n
		}
	}
	if dbPath := os.Getenv("CRAWLKEEPER_SQLITE_PATH"); dbPath != "" {
		config.Storage.SQLite.Path = dbPath
	}
	if jobsDir := os.Getenv("CRAWLKEEPER_JOBS_DIR"); jobsDir != "" {
		config.Storage.JobsDir = jobsDir
	}

	if level := os.Getenv("CRAWLKEEPER_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("CRAWLKEEPER_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("CRAWLKEEPER_LOG_OUTPUT"); output != "" {
		var outputs []string
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	if userAgent := os.Getenv("CRAWLKEEPER_CRAWLER_USER_AGENT"); userAgent != "" {
		config.Crawler.UserAgent = userAgent
	}
	if maxPages := os.Getenv("CRAWLKEEPER_CRAWLER_MAX_PAGES"); maxPages != "" {
		config.Crawler.MaxPagesToCrawl = maxPages
	}
	if maxTokens := os.Getenv("CRAWLKEEPER_CRAWLER_MAX_TOKENS"); maxTokens != "" {
		config.Crawler.MaxTokens = maxTokens
	}
}

// ApplyFlagOverrides applies command-line flag overrides, which take
// precedence over file and environment configuration.
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}
