package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/cookiecms/cookiecli/session"
)

var configEnvKeys = []string{
	"COOKIECLI_CONFIG", "API_URL", "SESSION_STORE", "SESSION_FILE",
	"REDIS_ADDR", "REDIS_PREFIX", "SESSION_ID", "REFRESH_ATTEMPTS",
	"REFRESH_BACKOFF", "REQUEST_TIMEOUT", "TRANSPORT_RETRIES",
}

// clearConfigEnv blanks every config variable for the duration of the test.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := loadConfig(afero.NewMemMapFs(), flagValues{})
	require.NoError(t, err)

	assert.Equal(t, defaultAPIURL, cfg.APIURL)
	assert.Equal(t, storeFile, cfg.Store)
	assert.Equal(t, defaultSessionFile, cfg.SessionFile)
	assert.Equal(t, defaultRedisAddr, cfg.RedisAddr)
	assert.Equal(t, defaultRedisPrefix, cfg.RedisPrefix)
	assert.Equal(t, defaultSessionID, cfg.SessionID)
	assert.Equal(t, 3, cfg.RefreshAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.RefreshBackoff)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Zero(t, cfg.TransportRetries)
}

func TestLoadConfig_Priority(t *testing.T) {
	clearConfigEnv(t)

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/cookiecli.yaml", []byte(`
api_url: https://file.example.com/api
store: memory
session_file: /tmp/from-file.json
refresh_attempts: 5
refresh_backoff: 2s
request_timeout: 30s
`), 0o600))

	t.Setenv("COOKIECLI_CONFIG", "/etc/cookiecli.yaml")
	t.Setenv("SESSION_FILE", "/tmp/from-env.json")
	t.Setenv("REFRESH_ATTEMPTS", "4")

	cfg, err := loadConfig(fs, flagValues{
		apiURL:         "https://flag.example.com/api/",
		refreshBackoff: "250ms",
	})
	require.NoError(t, err)

	assert.Equal(t, "https://flag.example.com/api", cfg.APIURL, "flag wins, trailing slash trimmed")
	assert.Equal(t, "/tmp/from-env.json", cfg.SessionFile, "env beats file")
	assert.Equal(t, 4, cfg.RefreshAttempts, "env beats file")
	assert.Equal(t, 250*time.Millisecond, cfg.RefreshBackoff, "flag beats file")
	assert.Equal(t, storeMemory, cfg.Store, "file beats default")
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout, "file beats default")
	assert.Equal(t, defaultRedisAddr, cfg.RedisAddr)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name  string
		flags flagValues
		env   map[string]string
		want  string
	}{
		{
			name:  "bad scheme",
			flags: flagValues{apiURL: "ftp://cms.example.com"},
			want:  "invalid API_URL",
		},
		{
			name:  "missing host",
			flags: flagValues{apiURL: "http://"},
			want:  "URL must include a host",
		},
		{
			name:  "unknown store",
			flags: flagValues{store: "sqlite"},
			want:  "unknown session store",
		},
		{
			name:  "attempts not a number",
			flags: flagValues{refreshAttempts: "three"},
			want:  "invalid REFRESH_ATTEMPTS",
		},
		{
			name: "zero attempts",
			env:  map[string]string{"REFRESH_ATTEMPTS": "0"},
			want: "at least 1",
		},
		{
			name:  "negative transport retries",
			flags: flagValues{transportRetries: "-1"},
			want:  "cannot be negative",
		},
		{
			name:  "bad duration",
			flags: flagValues{requestTimeout: "soon"},
			want:  "invalid REQUEST_TIMEOUT",
		},
		{
			name: "non-positive duration",
			env:  map[string]string{"REFRESH_BACKOFF": "0s"},
			want: "REFRESH_BACKOFF must be positive",
		},
		{
			name:  "missing config file",
			flags: flagValues{configFile: "/nope.yaml"},
			want:  "failed to read config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadConfig(afero.NewMemMapFs(), tt.flags)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	clearConfigEnv(t)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "c.yaml", []byte("api_url: [unterminated"), 0o600))

	_, err := loadConfig(fs, flagValues{configFile: "c.yaml"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestValidateServerURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://cms.example.com/api", false},
		{"http://localhost:8000/api", false},
		{"", true},
		{"cms.example.com", true},
		{"ws://cms.example.com", true},
		{"https://", true},
	}
	for _, tt := range tests {
		err := validateServerURL(tt.url)
		if tt.wantErr {
			assert.Error(t, err, "validateServerURL(%q)", tt.url)
		} else {
			assert.NoError(t, err, "validateServerURL(%q)", tt.url)
		}
	}
}

func TestWarnPlainHTTP(t *testing.T) {
	var buf bytes.Buffer
	warnPlainHTTP(&buf, "https://cms.example.com/api")
	assert.Empty(t, buf.String())

	warnPlainHTTP(&buf, "HTTP://localhost:8000/api")
	assert.Contains(t, buf.String(), "Using HTTP instead of HTTPS")
}

func TestAPIOrigin(t *testing.T) {
	assert.Equal(t, "https://cms.example.com", apiOrigin("https://cms.example.com/api/v1"))
	assert.Equal(t, "http://localhost:8000", apiOrigin("http://localhost:8000/api"))
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		store, where, closer, err := openStore(ctx, afero.NewMemMapFs(), &Config{Store: storeMemory})
		require.NoError(t, err)
		assert.IsType(t, &session.MemoryStore{}, store)
		assert.Equal(t, "memory", where)
		assert.NoError(t, closer())
	})

	t.Run("file", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		store, where, closer, err := openStore(ctx, fs, &Config{
			Store:       storeFile,
			APIURL:      "https://cms.example.com/api",
			SessionFile: "/home/steve/session.json",
		})
		require.NoError(t, err)
		defer closer()
		assert.Equal(t, "/home/steve/session.json", where)

		require.NoError(t, store.Set(ctx, session.KeyAccessToken, "a", session.Options{}))
		data, err := afero.ReadFile(fs, "/home/steve/session.json")
		require.NoError(t, err)
		assert.Contains(t, string(data), "https://cms.example.com")
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		store, where, closer, err := openStore(ctx, afero.NewMemMapFs(), &Config{
			Store:       storeRedis,
			RedisAddr:   mr.Addr(),
			RedisPrefix: "cms",
			SessionID:   "laptop",
		})
		require.NoError(t, err)
		defer closer()
		assert.Contains(t, where, "cms:session:laptop")

		require.NoError(t, store.Set(ctx, session.KeyAccessToken, "a", session.Options{}))
		assert.True(t, mr.Exists("cms:session:laptop:"+session.KeyAccessToken))
	})

	t.Run("redis unreachable", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		addr := mr.Addr()
		mr.Close()

		_, _, _, err = openStore(ctx, afero.NewMemMapFs(), &Config{Store: storeRedis, RedisAddr: addr})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to connect to redis")
	})
}

func TestNewDoer_FinalStatusIsResponse(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":true,"msg":"db down"}`))
	}))
	defer server.Close()

	doer, err := newDoer(&Config{TransportRetries: 0})
	require.NoError(t, err)

	store := session.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, session.KeyAccessToken, "access", session.Options{}))
	require.NoError(t, store.Set(ctx, session.KeyRefreshToken, "refresh", session.Options{}))

	client, err := session.NewClient(session.Config{
		APIURL: server.URL + "/api",
		Store:  store,
		Doer:   doer,
		Retry:  session.RetryPolicy{MaxAttempts: 1, BackoffBase: time.Millisecond},
	})
	require.NoError(t, err)

	resp, err := client.Get(ctx, "/users/me")
	require.NoError(t, err)
	require.NotNil(t, resp)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, string(body), "db down")
	assert.Equal(t, int32(1), calls.Load(), "no transport retries by default")

	_, err = client.Refresh(ctx)
	require.ErrorIs(t, err, session.ErrSessionExpired)
	var refreshErr *session.RefreshError
	require.ErrorAs(t, err, &refreshErr)
	assert.Equal(t, http.StatusInternalServerError, refreshErr.StatusCode)
	var retrieveErr *oauth2.RetrieveError
	assert.ErrorAs(t, err, &retrieveErr)
}
