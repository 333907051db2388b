package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/cookiecms/cookiecli/session"
)

// Defaults used when neither flag, env nor config file set a value.
const (
	defaultAPIURL      = "http://localhost:8000/api"
	defaultStore       = "file"
	defaultSessionFile = ".cookiecms-session.json"
	defaultRedisAddr   = "localhost:6379"
	defaultRedisPrefix = "cookiecms"
	defaultSessionID   = "default"
)

// Store backends selectable with --store / SESSION_STORE.
const (
	storeFile   = "file"
	storeRedis  = "redis"
	storeMemory = "memory"
)

const redisPingTimeout = 3 * time.Second

// flagValues holds the raw persistent flag values. Empty means "not set".
type flagValues struct {
	configFile       string
	apiURL           string
	store            string
	sessionFile      string
	redisAddr        string
	redisPrefix      string
	sessionID        string
	refreshAttempts  string
	refreshBackoff   string
	requestTimeout   string
	transportRetries string
	verbose          bool
}

// fileConfig is the YAML config file layout.
type fileConfig struct {
	APIURL           string `yaml:"api_url"`
	Store            string `yaml:"store"`
	SessionFile      string `yaml:"session_file"`
	RedisAddr        string `yaml:"redis_addr"`
	RedisPrefix      string `yaml:"redis_prefix"`
	SessionID        string `yaml:"session_id"`
	RefreshAttempts  int    `yaml:"refresh_attempts"`
	RefreshBackoff   string `yaml:"refresh_backoff"`
	RequestTimeout   string `yaml:"request_timeout"`
	TransportRetries int    `yaml:"transport_retries"`
}

// Config is the resolved cookiecli configuration.
type Config struct {
	APIURL           string
	Store            string
	SessionFile      string
	RedisAddr        string
	RedisPrefix      string
	SessionID        string
	RefreshAttempts  int
	RefreshBackoff   time.Duration
	RequestTimeout   time.Duration
	TransportRetries int
	Verbose          bool
}

// loadConfig resolves every setting with priority: flag > env > config file > default.
func loadConfig(fs afero.Fs, f flagValues) (*Config, error) {
	fc, err := readConfigFile(fs, getConfig(f.configFile, "COOKIECLI_CONFIG", "", ""))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		APIURL:      getConfig(f.apiURL, "API_URL", fc.APIURL, defaultAPIURL),
		Store:       strings.ToLower(getConfig(f.store, "SESSION_STORE", fc.Store, defaultStore)),
		SessionFile: getConfig(f.sessionFile, "SESSION_FILE", fc.SessionFile, defaultSessionFile),
		RedisAddr:   getConfig(f.redisAddr, "REDIS_ADDR", fc.RedisAddr, defaultRedisAddr),
		RedisPrefix: getConfig(f.redisPrefix, "REDIS_PREFIX", fc.RedisPrefix, defaultRedisPrefix),
		SessionID:   getConfig(f.sessionID, "SESSION_ID", fc.SessionID, defaultSessionID),
		Verbose:     f.verbose,
	}

	if err := validateServerURL(cfg.APIURL); err != nil {
		return nil, fmt.Errorf("invalid API_URL: %w", err)
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	switch cfg.Store {
	case storeFile, storeRedis, storeMemory:
	default:
		return nil, fmt.Errorf("unknown session store %q (want file, redis or memory)", cfg.Store)
	}

	if cfg.RefreshAttempts, err = getInt(
		f.refreshAttempts, "REFRESH_ATTEMPTS", fc.RefreshAttempts,
		session.DefaultRetryPolicy().MaxAttempts,
	); err != nil {
		return nil, err
	}
	if cfg.RefreshAttempts < 1 {
		return nil, fmt.Errorf("refresh attempts must be at least 1, got: %d", cfg.RefreshAttempts)
	}
	if cfg.TransportRetries, err = getInt(
		f.transportRetries, "TRANSPORT_RETRIES", fc.TransportRetries, 0,
	); err != nil {
		return nil, err
	}
	if cfg.TransportRetries < 0 {
		return nil, fmt.Errorf("transport retries cannot be negative, got: %d", cfg.TransportRetries)
	}
	if cfg.RefreshBackoff, err = getDuration(
		f.refreshBackoff, "REFRESH_BACKOFF", fc.RefreshBackoff,
		session.DefaultRetryPolicy().BackoffBase,
	); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = getDuration(
		f.requestTimeout, "REQUEST_TIMEOUT", fc.RequestTimeout,
		session.DefaultRequestTimeout,
	); err != nil {
		return nil, err
	}

	return cfg, nil
}

// readConfigFile parses the YAML config at path. An empty path means no file.
func readConfigFile(fs afero.Fs, path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return fc, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return fc, nil
}

// getConfig returns value with priority: flag > env > file > default
func getConfig(flagValue, envKey, fileValue, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if fileValue != "" {
		defaultValue = fileValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(flagValue, envKey string, fileValue, defaultValue int) (int, error) {
	fallback := strconv.Itoa(defaultValue)
	if fileValue != 0 {
		fallback = strconv.Itoa(fileValue)
	}
	raw := getConfig(flagValue, envKey, "", fallback)
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", envKey, raw, err)
	}
	return n, nil
}

func getDuration(flagValue, envKey, fileValue string, defaultValue time.Duration) (time.Duration, error) {
	raw := getConfig(flagValue, envKey, fileValue, defaultValue.String())
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", envKey, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got: %s", envKey, raw)
	}
	return d, nil
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

// warnPlainHTTP prints a warning when tokens would travel unencrypted.
func warnPlainHTTP(w io.Writer, apiURL string) {
	if !strings.HasPrefix(strings.ToLower(apiURL), "http://") {
		return
	}
	fmt.Fprintln(w, "⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!")
	fmt.Fprintln(w, "⚠️  This is only safe for local development. Use HTTPS in production.")
	fmt.Fprintln(w)
}

// apiOrigin returns scheme://host of the API URL; file store sessions are
// keyed by it.
func apiOrigin(apiURL string) string {
	u, err := url.Parse(apiURL)
	if err != nil {
		return apiURL
	}
	return u.Scheme + "://" + u.Host
}

// openStore builds the configured session store. The returned closer
// releases backend connections.
func openStore(ctx context.Context, fs afero.Fs, cfg *Config) (session.Store, string, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Store {
	case storeMemory:
		return session.NewMemoryStore(), "memory", noop, nil

	case storeRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, "", nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		where := fmt.Sprintf("redis://%s (%s:session:%s)", cfg.RedisAddr, cfg.RedisPrefix, cfg.SessionID)
		return session.NewRedisStore(client, cfg.RedisPrefix, cfg.SessionID), where, client.Close, nil

	default:
		s := session.NewFileStore(fs, cfg.SessionFile, apiOrigin(cfg.APIURL))
		return s, s.Path(), noop, nil
	}
}

// newDoer wraps a TLS 1.2+ HTTP client with go-httpretry. Transport
// retries default to zero so that every logical request is one network call.
func newDoer(cfg *Config) (session.Doer, error) {
	baseHTTPClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	retryClient, err := retry.NewClient(
		retry.WithHTTPClient(baseHTTPClient),
		retry.WithMaxRetries(cfg.TransportRetries),
		retry.WithNoLogging(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}
	return retryClient, nil
}
