// Package config provides centralized configuration for the NutriStats E2E
// authentication testkit. It loads configuration from environment variables
// (with optional per-call overrides layered on top), validates every field,
// and provides sensible defaults.
//
// Loading happens exactly once per process: the first Load call builds and
// caches the result, subsequent calls return the cached config. Tests use
// ResetForTesting to clear the cache.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Strategy names accepted by AUTH_STRATEGY.
const (
	StrategyLogin   = "login"
	StrategyJWT     = "jwt"
	StrategyUILogin = "ui-login"
)

// ValidStrategies lists the accepted AUTH_STRATEGY values.
var ValidStrategies = []string{StrategyLogin, StrategyJWT, StrategyUILogin}

// Config holds all testkit configuration. Immutable after Load.
type Config struct {
	// Strategy selection
	Strategy string // AUTH_STRATEGY / AUTH_METHOD: login | jwt | ui-login

	// Target application
	BaseURL    string // BASE_URL: origin the browser navigates to
	APIBaseURL string // API_BASE_URL: origin for direct API calls (defaults to BaseURL)

	// Storage-state persistence
	StoragePath  string // AUTH_STORAGE_PATH: persisted session snapshot file
	PersistState bool   // PERSIST_AUTH_STATE

	// JWT strategy tuning
	JWTFallbackLogin bool          // JWT_FALLBACK_LOGIN: wrap jwt in fallback-to-login
	JWTValidateAPI   bool          // JWT_VALIDATE_API: re-check token against the API
	TokenEndpoint    string        // TOKEN_ENDPOINT: path for direct token acquisition
	TokenExpiration  time.Duration // TOKEN_EXPIRATION: seconds, informational

	// Fallback retry tuning
	MaxRetries        int           // AUTH_MAX_RETRIES
	RetryDelay        time.Duration // AUTH_RETRY_DELAY (milliseconds)
	BackoffMultiplier float64       // AUTH_BACKOFF_MULTIPLIER

	// Cleanup behavior
	CleanupEnabled bool // CLEANUP_ENABLED: delete test users on teardown
	DebugCleanup   bool // DEBUG_CLEANUP: verbose cleanup logging
}

// ValidationError aggregates every configuration violation so a user fixing
// configuration sees all problems at once instead of one per run.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("auth configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

var (
	loadMu    sync.Mutex
	cached    *Config
	cachedErr error
)

// Load builds the configuration from environment variables with overrides
// layered on top, validates it, and caches the result. Subsequent calls
// return the cached config regardless of arguments.
func Load(overrides map[string]string) (*Config, error) {
	loadMu.Lock()
	defer loadMu.Unlock()

	if cached != nil || cachedErr != nil {
		return cached, cachedErr
	}

	cfg, err := build(overrides)
	cached, cachedErr = cfg, err
	return cached, cachedErr
}

// MustLoad loads configuration and panics if validation fails.
func MustLoad(overrides map[string]string) *Config {
	cfg, err := Load(overrides)
	if err != nil {
		panic(fmt.Sprintf("failed to load auth configuration: %v", err))
	}
	return cfg
}

// ResetForTesting clears the cached configuration. Intended for tests.
func ResetForTesting() {
	loadMu.Lock()
	defer loadMu.Unlock()
	cached = nil
	cachedErr = nil
}

func build(overrides map[string]string) (*Config, error) {
	var errs []string

	get := func(keys ...string) (string, string) {
		for _, key := range keys {
			if overrides != nil {
				if v, ok := overrides[key]; ok && strings.TrimSpace(v) != "" {
					return strings.TrimSpace(v), key
				}
			}
		}
		for _, key := range keys {
			if v := strings.TrimSpace(os.Getenv(key)); v != "" {
				return v, key
			}
		}
		return "", keys[0]
	}

	getBool := func(def bool, keys ...string) bool {
		raw, key := get(keys...)
		if raw == "" {
			return def
		}
		switch raw {
		case "true":
			return true
		case "false":
			return false
		default:
			errs = append(errs, fmt.Sprintf("%s must be exactly \"true\" or \"false\", got %q", key, raw))
			return def
		}
	}

	getInt := func(def int, keys ...string) int {
		raw, key := get(keys...)
		if raw == "" {
			return def
		}
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			errs = append(errs, fmt.Sprintf("%s must be a non-negative integer, got %q", key, raw))
			return def
		}
		return parsed
	}

	getFloat := func(def float64, keys ...string) float64 {
		raw, key := get(keys...)
		if raw == "" {
			return def
		}
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed < 0 {
			errs = append(errs, fmt.Sprintf("%s must be a non-negative number, got %q", key, raw))
			return def
		}
		return parsed
	}

	cfg := &Config{}

	strategy, _ := get("AUTH_STRATEGY", "AUTH_METHOD")
	if strategy == "" {
		strategy = StrategyLogin
	}
	cfg.Strategy = strings.ToLower(strategy)

	baseURL, _ := get("BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:3000"
	}
	cfg.BaseURL = strings.TrimRight(baseURL, "/")

	apiBaseURL, _ := get("API_BASE_URL")
	if apiBaseURL == "" {
		apiBaseURL = cfg.BaseURL
	}
	cfg.APIBaseURL = strings.TrimRight(apiBaseURL, "/")

	storagePath, _ := get("AUTH_STORAGE_PATH")
	if storagePath == "" {
		storagePath = filepath.Join(".auth", "storage-state.json")
	}
	cfg.StoragePath = storagePath

	cfg.PersistState = getBool(false, "PERSIST_AUTH_STATE")
	cfg.JWTFallbackLogin = getBool(false, "JWT_FALLBACK_LOGIN")
	cfg.JWTValidateAPI = getBool(true, "JWT_VALIDATE_API")

	tokenEndpoint, _ := get("TOKEN_ENDPOINT")
	if tokenEndpoint == "" {
		tokenEndpoint = "/api/auth/token"
	}
	cfg.TokenEndpoint = tokenEndpoint

	cfg.TokenExpiration = time.Duration(getInt(3600, "TOKEN_EXPIRATION")) * time.Second
	cfg.MaxRetries = getInt(2, "AUTH_MAX_RETRIES")
	cfg.RetryDelay = time.Duration(getInt(1000, "AUTH_RETRY_DELAY")) * time.Millisecond

	multiplier := getFloat(2.0, "AUTH_BACKOFF_MULTIPLIER")
	cfg.BackoffMultiplier = multiplier

	cfg.CleanupEnabled = getBool(true, "CLEANUP_ENABLED")
	cfg.DebugCleanup = getBool(false, "DEBUG_CLEANUP")

	errs = append(errs, cfg.validationErrors()...)

	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}
	return cfg, nil
}

// Validate checks every field and aggregates all violations.
func (c *Config) Validate() error {
	errs := c.validationErrors()
	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

func (c *Config) validationErrors() []string {
	var errs []string

	if !isValidStrategy(c.Strategy) {
		errs = append(errs, fmt.Sprintf(
			"AUTH_STRATEGY must be one of %s, got %q",
			strings.Join(ValidStrategies, ", "), c.Strategy))
	}

	for name, raw := range map[string]string{"BASE_URL": c.BaseURL, "API_BASE_URL": c.APIBaseURL} {
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			errs = append(errs, fmt.Sprintf("%s must be a well-formed URL with scheme and host, got %q", name, raw))
		}
	}

	if c.TokenEndpoint == "" || !strings.HasPrefix(c.TokenEndpoint, "/") {
		errs = append(errs, fmt.Sprintf("TOKEN_ENDPOINT must be an absolute path, got %q", c.TokenEndpoint))
	}

	if c.RetryDelay <= 0 {
		errs = append(errs, "AUTH_RETRY_DELAY must be a positive number of milliseconds")
	}
	if c.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Sprintf("AUTH_BACKOFF_MULTIPLIER must be >= 1, got %g", c.BackoffMultiplier))
	}

	// The jwt strategy is the only one that writes a session snapshot to
	// disk, so the storage path is probed up front: a bad path should fail
	// at config time, not mid-test.
	if c.Strategy == StrategyJWT && c.PersistState {
		if err := probeWritable(filepath.Dir(c.StoragePath)); err != nil {
			errs = append(errs, fmt.Sprintf("AUTH_STORAGE_PATH parent directory is not writable: %v", err))
		}
	}

	return errs
}

func isValidStrategy(name string) bool {
	for _, s := range ValidStrategies {
		if name == s {
			return true
		}
	}
	return false
}

// probeWritable verifies a directory exists (creating it if needed) and is
// writable by performing a real write-then-delete probe.
func probeWritable(dir string) error {
	if dir == "" || dir == "." {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	probe, err := os.CreateTemp(dir, ".auth-probe-*")
	if err != nil {
		return fmt.Errorf("write probe in %s: %w", dir, err)
	}
	name := probe.Name()
	if _, err := probe.WriteString("probe"); err != nil {
		probe.Close()
		os.Remove(name)
		return fmt.Errorf("write probe in %s: %w", dir, err)
	}
	if err := probe.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close probe in %s: %w", dir, err)
	}
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("delete probe in %s: %w", dir, err)
	}
	return nil
}
