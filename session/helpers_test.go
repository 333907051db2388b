package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// recordingSleeper returns immediately and remembers every requested delay.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func (s *recordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// countingObserver counts the events tests assert on.
type countingObserver struct {
	NoopObserver
	expired  atomic.Int32
	rejected atomic.Int32
	retries  atomic.Int32
	retried  atomic.Int32
}

func (o *countingObserver) SessionExpired()      { o.expired.Add(1) }
func (o *countingObserver) AccessTokenRejected() { o.rejected.Add(1) }
func (o *countingObserver) RetryingRequest()     { o.retried.Add(1) }
func (o *countingObserver) RefreshRetry(_ int, _ time.Duration, _ error) {
	o.retries.Add(1)
}

type testEnv struct {
	store    *MemoryStore
	sleeper  *recordingSleeper
	observer *countingObserver
}

func newTestEnv() *testEnv {
	return &testEnv{
		store:    NewMemoryStore(),
		sleeper:  &recordingSleeper{},
		observer: &countingObserver{},
	}
}

func (e *testEnv) config(apiURL string) Config {
	logger := zerolog.Nop()
	return Config{
		APIURL:         apiURL,
		Store:          e.store,
		Doer:           HTTPDoer{Client: http.DefaultClient},
		Retry:          DefaultRetryPolicy(),
		RequestTimeout: 5 * time.Second,
		Sleep:          e.sleeper.Sleep,
		Observer:       e.observer,
		Logger:         &logger,
	}
}

func (e *testEnv) client(t *testing.T, apiURL string) *Client {
	t.Helper()
	c, err := NewClient(e.config(apiURL))
	require.NoError(t, err)
	return c
}

func (e *testEnv) seed(t *testing.T, access, refresh string) {
	t.Helper()
	ctx := context.Background()
	if access != "" {
		require.NoError(t, e.store.Set(ctx, KeyAccessToken, access, Options{Lifetime: AccessTokenLifetime}))
	}
	if refresh != "" {
		require.NoError(t, e.store.Set(ctx, KeyRefreshToken, refresh, Options{Lifetime: RefreshTokenLifetime}))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func refreshOK(jwtValue, refreshToken string) map[string]any {
	return map[string]any{
		"error": false,
		"data": map[string]string{
			"jwt":          jwtValue,
			"refreshToken": refreshToken,
		},
	}
}

// fakeBackend is a minimal CookieCMS API: signed access tokens, rotating
// refresh tokens and one protected profile endpoint.
type fakeBackend struct {
	t      *testing.T
	server *httptest.Server
	secret []byte

	mu            sync.Mutex
	refreshTokens map[string]bool
	issued        int

	refreshCalls  atomic.Int32
	profileCalls  atomic.Int32
	refreshFails  atomic.Int32 // leading refresh calls answered with 500
	refreshDelay  time.Duration
	unauthBarrier *barrier
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		t:             t,
		secret:        []byte("test-secret"),
		refreshTokens: map[string]bool{"refresh-0": true},
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/refresh", b.handleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/users/me", b.handleProfile).Methods(http.MethodGet)

	b.server = httptest.NewServer(r)
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBackend) APIURL() string {
	return b.server.URL + "/api"
}

func (b *fakeBackend) mint(subject string) string {
	b.mu.Lock()
	b.issued++
	n := b.issued
	b.mu.Unlock()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ID:        fmt.Sprintf("jti-%d", n),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
	require.NoError(b.t, err)
	return signed
}

func (b *fakeBackend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b.refreshCalls.Add(1)
	if b.refreshDelay > 0 {
		time.Sleep(b.refreshDelay)
	}

	if b.refreshFails.Load() > 0 {
		b.refreshFails.Add(-1)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": true, "msg": "boom"})
		return
	}

	cookie, err := r.Cookie(KeyRefreshToken)
	b.mu.Lock()
	valid := err == nil && b.refreshTokens[cookie.Value]
	if valid {
		delete(b.refreshTokens, cookie.Value)
	}
	b.mu.Unlock()
	if !valid {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": true, "msg": "invalid refresh token"})
		return
	}

	access := b.mint("steve")
	b.mu.Lock()
	next := fmt.Sprintf("refresh-%d", b.issued)
	b.refreshTokens[next] = true
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, refreshOK(access, next))
}

func (b *fakeBackend) handleProfile(w http.ResponseWriter, r *http.Request) {
	b.profileCalls.Add(1)

	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	_, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return b.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if b.unauthBarrier != nil {
			b.unauthBarrier.wait()
		}
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": true, "msg": "unauthorized"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"error": false,
		"data":  map[string]string{"username": "steve"},
	})
}

// barrier releases waiters once n of them have arrived.
type barrier struct {
	mu      sync.Mutex
	n       int
	arrived int
	done    chan struct{}
}

func newBarrier(n int) *barrier {
	return &barrier{n: n, done: make(chan struct{})}
}

func (b *barrier) wait() {
	b.mu.Lock()
	b.arrived++
	if b.arrived == b.n {
		close(b.done)
	}
	b.mu.Unlock()

	select {
	case <-b.done:
	case <-time.After(5 * time.Second):
	}
}

// exhaustedRetryDoer behaves like go-httpretry once its budget is spent: a
// final 5xx or 429 comes back together with an error.
type exhaustedRetryDoer struct {
	HTTPDoer
}

func (d exhaustedRetryDoer) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := d.HTTPDoer.DoWithContext(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return resp, fmt.Errorf("request failed after 1 attempts: HTTP %d", resp.StatusCode)
	}
	return resp, nil
}
