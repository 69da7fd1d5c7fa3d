// Package config provides configuration management for the videa pipeline.
// Configuration is loaded from environment variables with sensible defaults;
// a .env file is merged into the environment first when present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// Default values
	DefaultPort     = 8787
	DefaultHost     = "127.0.0.1"
	DefaultLogLevel = "info"
	DefaultDataDir  = ".videa"

	// Environment variable names
	EnvPort     = "VIDEA_PORT"
	EnvHost     = "VIDEA_HOST"
	EnvLogLevel = "VIDEA_LOG_LEVEL"
	EnvDataDir  = "VIDEA_DATA_DIR"

	// Pipeline environment variable names
	EnvPollInterval   = "VIDEA_POLL_INTERVAL_SECONDS"
	EnvMaxPolls       = "VIDEA_MAX_POLLS"
	EnvPollRetries    = "VIDEA_POLL_RETRIES"
	EnvConcurrency    = "VIDEA_PIPELINE_CONCURRENCY"
	EnvRunnerInterval = "VIDEA_RUNNER_INTERVAL_SECONDS"

	// Provider environment variable names
	EnvProvider         = "VIDEA_PROVIDER"
	EnvProviderURL      = "VIDEA_PROVIDER_URL"
	EnvProviderToken    = "VIDEA_PROVIDER_TOKEN"
	EnvTranscriptBucket = "VIDEA_TRANSCRIPT_BUCKET"
	EnvLanguageCode     = "VIDEA_LANGUAGE_CODE"

	// Intake and observability
	EnvAMQPURL   = "VIDEA_AMQP_URL"
	EnvAMQPQueue = "VIDEA_AMQP_QUEUE"
	EnvTracing   = "VIDEA_TRACING"

	// Database filename
	DBFilename = "videa.db"

	// Pipeline defaults
	DefaultPollIntervalSeconds   = 5
	DefaultMaxPolls              = 360 // 30 minutes at the default interval
	DefaultPollRetries           = 3
	DefaultConcurrency           = 2
	DefaultRunnerIntervalSeconds = 2

	DefaultProvider     = ProviderHTTP
	DefaultLanguageCode = "en-US"
	DefaultAMQPQueue    = "video_processing_queue"

	ProviderHTTP = "http"
	ProviderGCP  = "gcp"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	Host() string
	LogLevel() string
	DataDir() string
	DBPath() string
	PollInterval() time.Duration
	MaxPolls() int
	PollRetries() int
	Concurrency() int
	RunnerInterval() time.Duration
	Provider() string
	ProviderURL() string
	ProviderToken() string
	TranscriptBucket() string
	LanguageCode() string
	AMQPURL() string
	AMQPQueue() string
	TracingEnabled() bool
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port     int
	host     string
	logLevel string
	dataDir  string

	pollInterval   time.Duration
	maxPolls       int
	pollRetries    int
	concurrency    int
	runnerInterval time.Duration

	provider         string
	providerURL      string
	providerToken    string
	transcriptBucket string
	languageCode     string

	amqpURL   string
	amqpQueue string
	tracing   bool
}

// LoadDotEnv merges the given .env files into the process environment.
// Variables already set in the environment win. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:           DefaultPort,
		host:           DefaultHost,
		logLevel:       DefaultLogLevel,
		dataDir:        defaultDataDir(),
		pollInterval:   DefaultPollIntervalSeconds * time.Second,
		maxPolls:       DefaultMaxPolls,
		pollRetries:    DefaultPollRetries,
		concurrency:    DefaultConcurrency,
		runnerInterval: DefaultRunnerIntervalSeconds * time.Second,
		provider:       DefaultProvider,
		languageCode:   DefaultLanguageCode,
		amqpQueue:      DefaultAMQPQueue,
	}

	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if h := strings.TrimSpace(os.Getenv(EnvHost)); h != "" {
		cfg.host = h
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}

	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	secs, err := positiveInt(EnvPollInterval, DefaultPollIntervalSeconds)
	if err != nil {
		return nil, err
	}
	cfg.pollInterval = time.Duration(secs) * time.Second

	if cfg.maxPolls, err = positiveInt(EnvMaxPolls, DefaultMaxPolls); err != nil {
		return nil, err
	}
	if cfg.pollRetries, err = nonNegativeInt(EnvPollRetries, DefaultPollRetries); err != nil {
		return nil, err
	}
	if cfg.concurrency, err = positiveInt(EnvConcurrency, DefaultConcurrency); err != nil {
		return nil, err
	}

	secs, err = positiveInt(EnvRunnerInterval, DefaultRunnerIntervalSeconds)
	if err != nil {
		return nil, err
	}
	cfg.runnerInterval = time.Duration(secs) * time.Second

	if pv := os.Getenv(EnvProvider); pv != "" {
		pv = strings.ToLower(strings.TrimSpace(pv))
		if pv != ProviderHTTP && pv != ProviderGCP {
			return nil, fmt.Errorf("invalid %s: must be %q or %q", EnvProvider, ProviderHTTP, ProviderGCP)
		}
		cfg.provider = pv
	}

	cfg.providerURL = strings.TrimRight(os.Getenv(EnvProviderURL), "/")
	cfg.providerToken = os.Getenv(EnvProviderToken)
	cfg.transcriptBucket = os.Getenv(EnvTranscriptBucket)

	if lc := os.Getenv(EnvLanguageCode); lc != "" {
		cfg.languageCode = lc
	}

	cfg.amqpURL = os.Getenv(EnvAMQPURL)
	if q := os.Getenv(EnvAMQPQueue); q != "" {
		cfg.amqpQueue = q
	}

	if t := os.Getenv(EnvTracing); t != "" {
		enabled, err := strconv.ParseBool(t)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvTracing, err)
		}
		cfg.tracing = enabled
	}

	if cfg.provider == ProviderGCP && cfg.transcriptBucket == "" {
		return nil, fmt.Errorf("%s is required when %s=%s", EnvTranscriptBucket, EnvProvider, ProviderGCP)
	}

	return cfg, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// Host is the interface the HTTP server binds to.
func (c *EnvConfig) Host() string {
	return c.host
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// PollInterval is the fixed delay between two status polls of one job.
func (c *EnvConfig) PollInterval() time.Duration {
	return c.pollInterval
}

// MaxPolls bounds the number of status polls per job. Together with
// PollInterval it forms the per-job hard timeout.
func (c *EnvConfig) MaxPolls() int {
	return c.maxPolls
}

// PollRetries is how often one failing status call is retried. Zero
// disables retries.
func (c *EnvConfig) PollRetries() int {
	return c.pollRetries
}

func (c *EnvConfig) Concurrency() int {
	return c.concurrency
}

func (c *EnvConfig) RunnerInterval() time.Duration {
	return c.runnerInterval
}

func (c *EnvConfig) Provider() string {
	return c.provider
}

func (c *EnvConfig) ProviderURL() string {
	return c.providerURL
}

func (c *EnvConfig) ProviderToken() string {
	return c.providerToken
}

func (c *EnvConfig) TranscriptBucket() string {
	return c.transcriptBucket
}

func (c *EnvConfig) LanguageCode() string {
	return c.languageCode
}

func (c *EnvConfig) AMQPURL() string {
	return c.amqpURL
}

func (c *EnvConfig) AMQPQueue() string {
	return c.amqpQueue
}

func (c *EnvConfig) TracingEnabled() bool {
	return c.tracing
}

func positiveInt(env string, def int) (int, error) {
	v := os.Getenv(env)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", env, err)
	}
	if n < 1 {
		return 0, fmt.Errorf("invalid %s: must be at least 1", env)
	}
	return n, nil
}

func nonNegativeInt(env string, def int) (int, error) {
	v := os.Getenv(env)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", env, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", env)
	}
	return n, nil
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
