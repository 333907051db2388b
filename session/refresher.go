package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// RefreshPath is appended to the API URL to form the refresh endpoint.
const RefreshPath = "/auth/refresh"

// maxRefreshBody bounds how much of a refresh response is read.
const maxRefreshBody = 1 << 20

var errNoAccessTokenIssued = errors.New("refresh response carries no access token")

// RetryPolicy bounds the refresh retry loop.
type RetryPolicy struct {
	// MaxAttempts is the total number of refresh calls. 1 disables retry.
	MaxAttempts int
	// BackoffBase is the wait after the first failed attempt; it doubles
	// after each further failure.
	BackoffBase time.Duration
}

// DefaultRetryPolicy allows three attempts with waits of 500ms, then 1s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BackoffBase: 500 * time.Millisecond,
	}
}

// Delay returns the wait after failed attempt (0-indexed): base * 2^attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	return p.BackoffBase * time.Duration(1<<attempt)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// refreshData is the "data" member of a successful refresh response.
type refreshData struct {
	JWT          string `json:"jwt"`
	RefreshToken string `json:"refreshToken"`
}

// Refresher renews the access token from the stored refresh credential.
// Concurrent Refresh calls share a single in-flight run.
type Refresher struct {
	doer           Doer
	store          Store
	endpoint       string
	policy         RetryPolicy
	requestTimeout time.Duration
	sleep          Sleeper
	expirer        *Expirer
	observer       Observer
	log            zerolog.Logger

	group singleflight.Group
}

// NewRefresher builds a Refresher for cfg. NewClient calls it; use it
// directly only when refreshing outside of a Client.
func NewRefresher(cfg Config) (*Refresher, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return newRefresher(cfg), nil
}

func newRefresher(cfg Config) *Refresher {
	return &Refresher{
		doer:           cfg.Doer,
		store:          cfg.Store,
		endpoint:       joinURL(cfg.APIURL, RefreshPath),
		policy:         cfg.Retry,
		requestTimeout: cfg.RequestTimeout,
		sleep:          cfg.Sleep,
		expirer:        NewExpirer(cfg.Store, cfg.Observer, *cfg.Logger),
		observer:       cfg.Observer,
		log:            cfg.Logger.With().Str("component", "refresher").Logger(),
	}
}

// Refresh exchanges the refresh credential for a new access token and
// stores the new pair. When renewal is impossible it clears the session and
// returns an error matching ErrSessionExpired.
//
// The shared run does not observe ctx cancellation, so one impatient caller
// cannot fail the refresh for the others; ctx only bounds how long this
// caller waits.
func (r *Refresher) Refresh(ctx context.Context) (string, error) {
	ch := r.group.DoChan("refresh", func() (any, error) {
		return r.run(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (r *Refresher) run(ctx context.Context) (string, error) {
	refreshToken, ok := r.store.Get(ctx, KeyRefreshToken)
	if !ok {
		r.log.Warn().Msg("no refresh credential stored")
		r.expirer.HandleExpiration(ctx)
		return "", &expiredError{cause: ErrNoRefreshCredential}
	}

	r.observer.Refreshing()

	maxAttempts := max(r.policy.MaxAttempts, 1)
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		data, err := r.attempt(ctx, attempt, refreshToken)
		if err == nil {
			r.persist(ctx, data)
			r.log.Debug().Int("attempt", attempt+1).Msg("access token refreshed")
			r.observer.RefreshOK()
			return data.JWT, nil
		}
		lastErr = err

		if attempt+1 >= maxAttempts {
			break
		}

		delay := r.policy.Delay(attempt)
		r.log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Dur("retry_in", delay).
			Msg("token refresh failed, retrying")
		r.observer.RefreshRetry(attempt, delay, err)

		if err := r.sleep(ctx, delay); err != nil {
			lastErr = fmt.Errorf("refresh backoff interrupted: %w", err)
			break
		}
	}

	r.log.Error().Err(lastErr).Int("attempts", maxAttempts).Msg("token refresh exhausted")
	r.expirer.HandleExpiration(ctx)
	return "", &expiredError{cause: lastErr}
}

// attempt performs one refresh call. Every failure it reports is retryable.
func (r *Refresher) attempt(ctx context.Context, attempt int, refreshToken string) (*refreshData, error) {
	reqCtx, cancel := context.WithTimeout(ctx, r.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.endpoint, http.NoBody)
	if err != nil {
		return nil, &RefreshError{Attempt: attempt, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: KeyRefreshToken, Value: refreshToken})

	resp, err := do(reqCtx, r.doer, req)
	if err != nil {
		return nil, &RefreshError{Attempt: attempt, Err: fmt.Errorf("refresh request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRefreshBody))
	if err != nil {
		return nil, &RefreshError{
			Attempt:    attempt,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("failed to read response: %w", err),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rerr := &RefreshError{
			Attempt:    attempt,
			StatusCode: resp.StatusCode,
			Err:        &oauth2.RetrieveError{Response: resp, Body: body},
		}
		var env Envelope[json.RawMessage]
		if json.Unmarshal(body, &env) == nil {
			rerr.Message = env.Msg
		}
		return nil, rerr
	}

	var env Envelope[*refreshData]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &RefreshError{
			Attempt:    attempt,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("failed to parse refresh response: %w", err),
		}
	}
	if env.Error {
		return nil, &RefreshError{
			Attempt:    attempt,
			StatusCode: resp.StatusCode,
			Message:    env.Msg,
			Err:        ErrBackendRejected,
		}
	}
	if env.Data == nil || env.Data.JWT == "" {
		return nil, &RefreshError{
			Attempt:    attempt,
			StatusCode: resp.StatusCode,
			Err:        errNoAccessTokenIssued,
		}
	}

	return env.Data, nil
}

// persist stores the renewed pair. A response without a refresh token keeps
// the current one (non-rotating backend). Store failures are logged: the
// caller still gets the fresh token for its retry.
func (r *Refresher) persist(ctx context.Context, data *refreshData) {
	if err := r.store.Set(ctx, KeyAccessToken, data.JWT, Options{
		Lifetime: AccessTokenLifetime,
		SameSite: http.SameSiteLaxMode,
	}); err != nil {
		r.log.Error().Err(err).Msg("failed to store access token")
	}

	if data.RefreshToken == "" {
		r.log.Debug().Msg("refresh response did not rotate the refresh token")
		return
	}
	if err := r.store.Set(ctx, KeyRefreshToken, data.RefreshToken, Options{
		Lifetime: RefreshTokenLifetime,
		SameSite: http.SameSiteStrictMode,
	}); err != nil {
		r.log.Error().Err(err).Msg("failed to store refresh token")
	}
}
