package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

const (
	defaultVersion                 = 1
	defaultCacheDir                = "~/.restcache/cache"
	defaultSessionDir              = "~/.restcache/session"
	defaultSerializationIntervalMS = 30000
	defaultFetchTimeoutMS          = 60000
	defaultFetchMaxConcurrent      = 4
	defaultQueueDebounceMS         = 2000
	defaultQueueResponseTimeoutMS  = 60000
	defaultPrefetchIntervalMin     = 30
	defaultPrefetchCleanDelaySec   = 60
	defaultPrefetchBatchSize       = 20
	defaultMemoryCacheEntries      = 128

	// EnvPrefix is prepended to every environment override.
	EnvPrefix = "RESTCACHE_"
)

// Store backends.
const (
	StoreBackendFile  = "file"
	StoreBackendBBolt = "bbolt"
)

var ErrConfigMissing = errors.New("cache config missing")

// ValidationError aggregates config validation issues.
type ValidationError struct {
	Issues []string
}

func (v ValidationError) Error() string {
	if len(v.Issues) == 0 {
		return "config validation failed"
	}
	if len(v.Issues) == 1 {
		return v.Issues[0]
	}
	return fmt.Sprintf("config validation failed: %s", v.Issues)
}

// Config describes the cache engine: where documents and payloads live, how
// the network is used and how background maintenance behaves.
type Config struct {
	Version                 int      `yaml:"version" env:"VERSION"`
	CacheDir                string   `yaml:"cache_dir" env:"CACHE_DIR"`
	SessionDir              string   `yaml:"session_dir" env:"SESSION_DIR"`
	CaseSensitive           bool     `yaml:"case_sensitive" env:"CASE_SENSITIVE"`
	SerializationIntervalMS int      `yaml:"serialization_interval_ms" env:"SERIALIZATION_INTERVAL_MS"`
	HeadersFile             string   `yaml:"headers_file" env:"HEADERS_FILE"`
	Indexes                 []string `yaml:"indexes" env:"INDEXES" envSeparator:","`
	StatusAddr              string   `yaml:"status_addr" env:"STATUS_ADDR"`

	Fetch    FetchConfig    `yaml:"fetch" envPrefix:"FETCH_"`
	Queue    QueueConfig    `yaml:"queue" envPrefix:"QUEUE_"`
	Prefetch PrefetchConfig `yaml:"prefetch" envPrefix:"PREFETCH_"`
	Store    StoreConfig    `yaml:"store" envPrefix:"STORE_"`
	OAuth2   OAuth2Config   `yaml:"oauth2" envPrefix:"OAUTH2_"`
	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
}

// FetchConfig tunes the cache fetcher.
type FetchConfig struct {
	TimeoutMS            int    `yaml:"timeout_ms" env:"TIMEOUT_MS"`
	DefaultExpirationSec int    `yaml:"default_expiration_sec" env:"DEFAULT_EXPIRATION_SEC"`
	MaxConcurrent        int    `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	StaleMethod          string `yaml:"stale_method" env:"STALE_METHOD"`
	AttemptRefreshHeader string `yaml:"attempt_refresh_header" env:"ATTEMPT_REFRESH_HEADER"`
	MemoryCacheEntries   int    `yaml:"memory_cache_entries" env:"MEMORY_CACHE_ENTRIES"`
}

// QueueConfig tunes outbound transaction queues.
type QueueConfig struct {
	DebounceMS        int  `yaml:"debounce_ms" env:"DEBOUNCE_MS"`
	ResponseTimeoutMS int  `yaml:"response_timeout_ms" env:"RESPONSE_TIMEOUT_MS"`
	DequeueOnError    bool `yaml:"dequeue_on_error" env:"DEQUEUE_ON_ERROR"`
}

// PrefetchConfig drives periodic clean and prefetch passes.
type PrefetchConfig struct {
	Disable       bool `yaml:"disable" env:"DISABLE"`
	IntervalMin   int  `yaml:"interval_min" env:"INTERVAL_MIN"`
	CleanDelaySec int  `yaml:"clean_delay_sec" env:"CLEAN_DELAY_SEC"`
	BatchSize     int  `yaml:"batch_size" env:"BATCH_SIZE"`
}

// StoreConfig selects where index, queue and ledger documents are kept.
type StoreConfig struct {
	Backend       string `yaml:"backend" env:"BACKEND"`
	EncryptionKey string `yaml:"encryption_key" env:"ENCRYPTION_KEY"`
}

// OAuth2Config enables client-credentials bearer tokens on every request.
type OAuth2Config struct {
	ClientID     string   `yaml:"client_id" env:"CLIENT_ID"`
	ClientSecret string   `yaml:"client_secret" env:"CLIENT_SECRET"`
	TokenURL     string   `yaml:"token_url" env:"TOKEN_URL"`
	Scopes       []string `yaml:"scopes" env:"SCOPES" envSeparator:","`
}

// Enabled reports whether enough is configured to request tokens.
func (o OAuth2Config) Enabled() bool {
	return o.ClientID != "" && o.TokenURL != ""
}

// LogConfig mirrors the CLI logging flags so they can live in the file.
type LogConfig struct {
	Level      string `yaml:"level" env:"LEVEL"`
	Format     string `yaml:"format" env:"FORMAT"`
	File       string `yaml:"file" env:"FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS"`
	Compress   bool   `yaml:"compress" env:"COMPRESS"`
}

// LoadConfig reads config from the provided path and applies RESTCACHE_*
// environment overrides. When the file does not exist it writes a template
// and returns ErrConfigMissing to prompt the user to edit the newly created
// file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if writeErr := writeTemplate(path); writeErr != nil {
				return nil, writeErr
			}
			return nil, ErrConfigMissing
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse cache config: %w", err)
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse cache config environment: %w", err)
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns a validated configuration with every default
// applied, rooted at the given directories when they are non-empty.
func DefaultConfig(cacheDir, sessionDir string) (*Config, error) {
	cfg := Config{CacheDir: cacheDir, SessionDir: sessionDir}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finish() error {
	c.applyDefaults()
	if vErr := c.validate(); len(vErr.Issues) > 0 {
		return vErr
	}
	var err error
	if c.CacheDir, err = homedir.Expand(c.CacheDir); err != nil {
		return fmt.Errorf("expand cache_dir: %w", err)
	}
	if c.SessionDir, err = homedir.Expand(c.SessionDir); err != nil {
		return fmt.Errorf("expand session_dir: %w", err)
	}
	if c.HeadersFile != "" {
		if c.HeadersFile, err = homedir.Expand(c.HeadersFile); err != nil {
			return fmt.Errorf("expand headers_file: %w", err)
		}
	}
	return nil
}

// SerializationInterval is the minimum spacing of rate-limited index writes.
func (c Config) SerializationInterval() time.Duration {
	return time.Duration(c.SerializationIntervalMS) * time.Millisecond
}

// FetchTimeout bounds a single cache fetch.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutMS) * time.Millisecond
}

// DefaultExpiration is added to the download time when the origin sends no
// Expires header. Zero selects the one hour fallback.
func (c Config) DefaultExpiration() time.Duration {
	return time.Duration(c.Fetch.DefaultExpirationSec) * time.Second
}

// QueueDebounce is the quiet period between an enqueue and the drain attempt.
func (c Config) QueueDebounce() time.Duration {
	return time.Duration(c.Queue.DebounceMS) * time.Millisecond
}

// QueueResponseTimeout bounds a single queued request.
func (c Config) QueueResponseTimeout() time.Duration {
	return time.Duration(c.Queue.ResponseTimeoutMS) * time.Millisecond
}

// PrefetchInterval is the period of the maintenance scheduler.
func (c Config) PrefetchInterval() time.Duration {
	return time.Duration(c.Prefetch.IntervalMin) * time.Minute
}

// PrefetchCleanDelay separates the clean pass from the prefetch pass.
func (c Config) PrefetchCleanDelay() time.Duration {
	return time.Duration(c.Prefetch.CleanDelaySec) * time.Second
}

func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = defaultVersion
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.SessionDir == "" {
		c.SessionDir = defaultSessionDir
	}
	if c.SerializationIntervalMS == 0 {
		c.SerializationIntervalMS = defaultSerializationIntervalMS
	}
	if c.Fetch.TimeoutMS == 0 {
		c.Fetch.TimeoutMS = defaultFetchTimeoutMS
	}
	if c.Fetch.MaxConcurrent == 0 {
		c.Fetch.MaxConcurrent = defaultFetchMaxConcurrent
	}
	if c.Fetch.StaleMethod == "" {
		c.Fetch.StaleMethod = "deferred"
	}
	if c.Fetch.MemoryCacheEntries == 0 {
		c.Fetch.MemoryCacheEntries = defaultMemoryCacheEntries
	}
	if c.Queue.DebounceMS == 0 {
		c.Queue.DebounceMS = defaultQueueDebounceMS
	}
	if c.Queue.ResponseTimeoutMS == 0 {
		c.Queue.ResponseTimeoutMS = defaultQueueResponseTimeoutMS
	}
	if c.Prefetch.IntervalMin == 0 {
		c.Prefetch.IntervalMin = defaultPrefetchIntervalMin
	}
	if c.Prefetch.CleanDelaySec == 0 {
		c.Prefetch.CleanDelaySec = defaultPrefetchCleanDelaySec
	}
	if c.Prefetch.BatchSize == 0 {
		c.Prefetch.BatchSize = defaultPrefetchBatchSize
	}
	if c.Store.Backend == "" {
		c.Store.Backend = StoreBackendFile
	}
	for i, uri := range c.Indexes {
		c.Indexes[i] = strings.TrimRight(uri, "/")
	}
}

func (c Config) validate() ValidationError {
	issues := make([]string, 0)

	if c.Version != defaultVersion {
		issues = append(issues, "version must be 1")
	}
	if c.SerializationIntervalMS < 0 {
		issues = append(issues, "serialization_interval_ms must be >= 0")
	}
	if c.Fetch.TimeoutMS <= 0 {
		issues = append(issues, "fetch.timeout_ms must be > 0")
	}
	if c.Fetch.DefaultExpirationSec < 0 {
		issues = append(issues, "fetch.default_expiration_sec must be >= 0")
	}
	if c.Fetch.MaxConcurrent <= 0 {
		issues = append(issues, "fetch.max_concurrent must be > 0")
	}
	switch strings.ToLower(c.Fetch.StaleMethod) {
	case "deferred", "immediate":
	default:
		issues = append(issues, "fetch.stale_method must be deferred or immediate")
	}
	if c.Fetch.MemoryCacheEntries < 0 {
		issues = append(issues, "fetch.memory_cache_entries must be >= 0")
	}
	if c.Queue.DebounceMS <= 0 {
		issues = append(issues, "queue.debounce_ms must be > 0")
	}
	if c.Queue.ResponseTimeoutMS <= 0 {
		issues = append(issues, "queue.response_timeout_ms must be > 0")
	}
	if c.Prefetch.IntervalMin <= 0 {
		issues = append(issues, "prefetch.interval_min must be > 0")
	}
	if c.Prefetch.CleanDelaySec < 0 {
		issues = append(issues, "prefetch.clean_delay_sec must be >= 0")
	}
	if c.Prefetch.BatchSize <= 0 {
		issues = append(issues, "prefetch.batch_size must be > 0")
	}
	switch c.Store.Backend {
	case StoreBackendFile, StoreBackendBBolt:
	default:
		issues = append(issues, "store.backend must be file or bbolt")
	}
	if c.OAuth2.ClientID != "" && c.OAuth2.TokenURL == "" {
		issues = append(issues, "oauth2.token_url is required when oauth2.client_id is set")
	}
	for _, uri := range c.Indexes {
		if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
			issues = append(issues, fmt.Sprintf("indexes: %q must be an absolute http(s) uri", uri))
		}
	}

	return ValidationError{Issues: issues}
}

func writeTemplate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tpl := bytes.NewBufferString("# restcache configuration\n")
	tpl.WriteString("version: 1\n")
	tpl.WriteString("cache_dir: ~/.restcache/cache\n")
	tpl.WriteString("session_dir: ~/.restcache/session\n")
	tpl.WriteString("case_sensitive: false\n")
	tpl.WriteString("serialization_interval_ms: 30000\n")
	tpl.WriteString("# headers_file: ~/.restcache/headers.ini\n")
	tpl.WriteString("# indexes:\n")
	tpl.WriteString("#   - https://api.example.com\n")
	tpl.WriteString("# status_addr: 127.0.0.1:8089\n")
	tpl.WriteString("fetch:\n")
	tpl.WriteString("  timeout_ms: 60000\n")
	tpl.WriteString("  default_expiration_sec: 0\n")
	tpl.WriteString("  max_concurrent: 4\n")
	tpl.WriteString("  stale_method: deferred\n")
	tpl.WriteString("  memory_cache_entries: 128\n")
	tpl.WriteString("queue:\n")
	tpl.WriteString("  debounce_ms: 2000\n")
	tpl.WriteString("  response_timeout_ms: 60000\n")
	tpl.WriteString("  dequeue_on_error: false\n")
	tpl.WriteString("prefetch:\n")
	tpl.WriteString("  disable: false\n")
	tpl.WriteString("  interval_min: 30\n")
	tpl.WriteString("  clean_delay_sec: 60\n")
	tpl.WriteString("  batch_size: 20\n")
	tpl.WriteString("store:\n")
	tpl.WriteString("  backend: file\n")
	tpl.WriteString("  # encryption_key: \n")
	tpl.WriteString("log:\n")
	tpl.WriteString("  level: info\n")
	tpl.WriteString("  # file: ~/.restcache/restcache.log\n")
	tpl.WriteString("  # max_size_mb: 50\n")

	if err := os.WriteFile(path, tpl.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config template: %w", err)
	}
	return nil
}
