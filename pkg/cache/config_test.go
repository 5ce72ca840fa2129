package cache_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/valandreev/restcache/pkg/cache"
)

func TestLoadConfigCreatesTemplateWhenMissing(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	cfg, err := cache.LoadConfig(configPath)
	if !errors.Is(err, cache.ErrConfigMissing) {
		t.Fatalf("expected ErrConfigMissing, got %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil config when missing, got %#v", cfg)
	}

	data, readErr := os.ReadFile(configPath)
	if readErr != nil {
		t.Fatalf("expected template to be created, read failed: %v", readErr)
	}
	if !strings.Contains(string(data), "serialization_interval_ms") {
		t.Fatalf("template content does not contain expected default, got:\n%s", string(data))
	}

	// The template itself must load cleanly once it exists.
	if _, err := cache.LoadConfig(configPath); err != nil {
		t.Fatalf("template does not load: %v", err)
	}
}

func TestLoadConfigFailsValidation(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	yaml := `version: 1
fetch:
  timeout_ms: -5
  stale_method: sometimes
store:
  backend: redis
indexes:
  - ftp://example.com
`
	if err := os.WriteFile(configPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := cache.LoadConfig(configPath)
	if err == nil {
		t.Fatalf("expected validation error, got nil")
	}
	if cfg != nil {
		t.Fatalf("expected nil config on validation failure, got %#v", cfg)
	}
	var vErr cache.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(vErr.Issues) != 4 {
		t.Fatalf("expected 4 validation issues, got %v", vErr.Issues)
	}
}

func TestLoadConfigParsesValidFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	yaml := `version: 1
cache_dir: ` + filepath.Join(dir, "cache") + `
session_dir: ` + filepath.Join(dir, "session") + `
case_sensitive: true
indexes:
  - https://api.example.com/
fetch:
  timeout_ms: 5000
  default_expiration_sec: 600
  stale_method: immediate
queue:
  debounce_ms: 250
  dequeue_on_error: true
store:
  backend: bbolt
`
	if err := os.WriteFile(configPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := cache.LoadConfig(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.CaseSensitive {
		t.Fatalf("expected case_sensitive true")
	}
	if cfg.FetchTimeout().Seconds() != 5 {
		t.Fatalf("expected 5s fetch timeout, got %v", cfg.FetchTimeout())
	}
	if cfg.DefaultExpiration().Minutes() != 10 {
		t.Fatalf("expected 10m default expiration, got %v", cfg.DefaultExpiration())
	}
	if cfg.QueueDebounce().Milliseconds() != 250 {
		t.Fatalf("expected 250ms debounce, got %v", cfg.QueueDebounce())
	}
	if !cfg.Queue.DequeueOnError {
		t.Fatalf("expected dequeue_on_error true")
	}
	if cfg.Store.Backend != cache.StoreBackendBBolt {
		t.Fatalf("expected bbolt backend, got %q", cfg.Store.Backend)
	}
	if cfg.Indexes[0] != "https://api.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.Indexes[0])
	}
	if cfg.Queue.ResponseTimeoutMS != 60000 {
		t.Fatalf("expected default response timeout, got %d", cfg.Queue.ResponseTimeoutMS)
	}
	if cfg.PrefetchInterval().Minutes() != 30 {
		t.Fatalf("expected default prefetch interval, got %v", cfg.PrefetchInterval())
	}
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("version: 1\nfetch:\n  max_concurrent: 2\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("RESTCACHE_FETCH_MAX_CONCURRENT", "9")
	t.Setenv("RESTCACHE_CACHE_DIR", filepath.Join(dir, "env-cache"))

	cfg, err := cache.LoadConfig(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Fetch.MaxConcurrent != 9 {
		t.Fatalf("expected env override 9, got %d", cfg.Fetch.MaxConcurrent)
	}
	if cfg.CacheDir != filepath.Join(dir, "env-cache") {
		t.Fatalf("expected env cache dir, got %q", cfg.CacheDir)
	}
}

func TestDefaultConfigExpandsHome(t *testing.T) {
	cfg, err := cache.DefaultConfig("", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.HasPrefix(cfg.CacheDir, "~") {
		t.Fatalf("cache dir not expanded: %q", cfg.CacheDir)
	}
	if cfg.SerializationInterval().Seconds() != 30 {
		t.Fatalf("unexpected serialization interval %v", cfg.SerializationInterval())
	}
}
