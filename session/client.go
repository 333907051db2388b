package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// DefaultRequestTimeout bounds each network step.
const DefaultRequestTimeout = 10 * time.Second

// Doer sends HTTP requests. *retry.Client from go-httpretry satisfies it.
// A Doer may return the final response together with an error; the
// response is used and the error dropped.
type Doer interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

// HTTPDoer adapts a plain *http.Client to Doer.
type HTTPDoer struct {
	Client *http.Client
}

func (d HTTPDoer) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	c := d.Client
	if c == nil {
		c = http.DefaultClient
	}
	return c.Do(req.WithContext(ctx))
}

// Config wires a Client and its Refresher.
type Config struct {
	// APIURL is the backend base URL, e.g. https://cms.example.com/api.
	APIURL string
	Store  Store
	// Doer defaults to HTTPDoer{http.DefaultClient}.
	Doer           Doer
	Retry          RetryPolicy
	RequestTimeout time.Duration
	// Sleep defaults to a context-aware timer; tests inject a fake.
	Sleep    Sleeper
	Observer Observer
	Logger   *zerolog.Logger
}

func (cfg Config) withDefaults() (Config, error) {
	if cfg.Store == nil {
		return cfg, errors.New("session store is required")
	}
	u, err := url.Parse(cfg.APIURL)
	if err != nil {
		return cfg, fmt.Errorf("invalid API URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return cfg, fmt.Errorf("API URL must be absolute, got: %q", cfg.APIURL)
	}
	if cfg.Doer == nil {
		cfg.Doer = HTTPDoer{Client: http.DefaultClient}
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if cfg.Retry.BackoffBase <= 0 {
		cfg.Retry.BackoffBase = DefaultRetryPolicy().BackoffBase
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Observer == nil {
		cfg.Observer = NoopObserver{}
	}
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
	return cfg, nil
}

// Client sends requests with the stored bearer token and renews the token
// once when the backend answers 401.
type Client struct {
	apiURL         string
	store          Store
	doer           Doer
	refresher      *Refresher
	observer       Observer
	requestTimeout time.Duration
	log            zerolog.Logger
}

func NewClient(cfg Config) (*Client, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Client{
		apiURL:         cfg.APIURL,
		store:          cfg.Store,
		doer:           cfg.Doer,
		refresher:      newRefresher(cfg),
		observer:       cfg.Observer,
		requestTimeout: cfg.RequestTimeout,
		log:            cfg.Logger.With().Str("component", "client").Logger(),
	}, nil
}

// Request is a replayable request. Body is kept in memory so that it can be
// sent again after a refresh.
type Request struct {
	Method string
	// URL is absolute or relative to the API URL.
	URL    string
	Header http.Header
	Body   []byte
}

// Do sends r with the current access token. A 401 triggers one refresh and
// one retry; the retry's response is returned whatever its status. If the
// refresh fails the original 401 response is returned. Only transport
// failures are reported as errors.
func (c *Client) Do(ctx context.Context, r *Request) (*http.Response, error) {
	return c.execute(ctx, r, true)
}

// Get is shorthand for a GET Do.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, URL: rawURL})
}

// Upload posts form as multipart/form-data with the same 401 handling as Do.
func (c *Client) Upload(ctx context.Context, rawURL string, form *Form) (*http.Response, error) {
	body, contentType, err := form.encode()
	if err != nil {
		return nil, err
	}
	header := make(http.Header)
	header.Set("Content-Type", contentType)
	return c.execute(ctx, &Request{
		Method: http.MethodPost,
		URL:    rawURL,
		Header: header,
		Body:   body,
	}, false)
}

// Refresh forces a token renewal.
func (c *Client) Refresh(ctx context.Context) (string, error) {
	return c.refresher.Refresh(ctx)
}

// Credentials is a token pair obtained from a login performed elsewhere.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// Import seeds the store with an existing session.
func (c *Client) Import(ctx context.Context, creds Credentials, profile Profile) error {
	if creds.AccessToken == "" && creds.RefreshToken == "" {
		return errors.New("at least one of access token or refresh token is required")
	}
	if creds.AccessToken != "" {
		if err := c.store.Set(ctx, KeyAccessToken, creds.AccessToken, Options{
			Lifetime: AccessTokenLifetime,
			SameSite: http.SameSiteLaxMode,
		}); err != nil {
			return fmt.Errorf("failed to store access token: %w", err)
		}
	}
	if creds.RefreshToken != "" {
		if err := c.store.Set(ctx, KeyRefreshToken, creds.RefreshToken, Options{
			Lifetime: RefreshTokenLifetime,
			SameSite: http.SameSiteStrictMode,
		}); err != nil {
			return fmt.Errorf("failed to store refresh token: %w", err)
		}
	}
	if err := SaveProfile(ctx, c.store, profile); err != nil {
		return fmt.Errorf("failed to store profile: %w", err)
	}
	return nil
}

// Logout clears the session without an expiry notice.
func (c *Client) Logout(ctx context.Context) {
	ClearAll(c.log.WithContext(ctx), c.store, KnownKeys)
}

// Profile returns the cached display attributes.
func (c *Client) Profile(ctx context.Context) Profile {
	return LoadProfile(ctx, c.store)
}

// Authenticated reports whether any session credential is stored.
func (c *Client) Authenticated(ctx context.Context) bool {
	if _, ok := c.store.Get(ctx, KeyAccessToken); ok {
		return true
	}
	_, ok := c.store.Get(ctx, KeyRefreshToken)
	return ok
}

// Token implements oauth2.TokenSource. An absent access token is renewed
// first.
func (c *Client) Token() (*oauth2.Token, error) {
	ctx := context.Background()
	token, ok := c.store.Get(ctx, KeyAccessToken)
	if !ok {
		var err error
		if token, err = c.refresher.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	return &oauth2.Token{AccessToken: token, TokenType: "Bearer"}, nil
}

func (c *Client) execute(ctx context.Context, r *Request, defaultJSON bool) (*http.Response, error) {
	target := c.resolve(r.URL)
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	log := c.log.With().
		Str("method", r.Method).
		Str("url", target).
		Str("request_id", requestID).
		Logger()

	// The bearer token only goes to the API origin.
	authorized := sameOrigin(target, c.apiURL)
	var token string
	if authorized {
		token, _ = c.store.Get(ctx, KeyAccessToken)
	}
	resp, err := c.send(ctx, r, target, requestID, token, defaultJSON)
	if err != nil {
		return nil, err
	}
	log.Debug().Int("status", resp.StatusCode).Msg("request sent")

	if resp.StatusCode != http.StatusUnauthorized || !authorized {
		return resp, nil
	}

	c.observer.AccessTokenRejected()
	newToken, err := c.renew(ctx, token)
	if err != nil {
		log.Info().Err(err).Msg("token renewal failed, returning 401")
		return resp, nil
	}

	drain(resp)
	c.observer.RetryingRequest()

	resp, err = c.send(ctx, r, target, requestID, newToken, defaultJSON)
	if err != nil {
		return nil, fmt.Errorf("retry failed: %w", err)
	}
	log.Debug().Int("status", resp.StatusCode).Msg("request retried")
	return resp, nil
}

// renew returns a token to retry with. When another caller already replaced
// the rejected token, the stored one is used without a refresh call.
func (c *Client) renew(ctx context.Context, rejected string) (string, error) {
	if current, ok := c.store.Get(ctx, KeyAccessToken); ok && current != rejected {
		return current, nil
	}
	return c.refresher.Refresh(ctx)
}

func (c *Client) send(
	ctx context.Context,
	r *Request,
	target, requestID, token string,
	defaultJSON bool,
) (*http.Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)

	var body io.Reader = http.NoBody
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range r.Header {
		req.Header[k] = append([]string(nil), vs...)
	}
	if defaultJSON && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Request-ID", requestID)

	resp, err := do(reqCtx, c.doer, req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("request failed: %w", err)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c *Client) resolve(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.IsAbs() {
		return raw
	}
	return joinURL(c.apiURL, raw)
}

// sameOrigin reports whether a and b share scheme and host.
func sameOrigin(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return strings.EqualFold(ua.Scheme, ub.Scheme) && strings.EqualFold(ua.Host, ub.Host)
}

// do sends req through d. go-httpretry reports an exhausted retry budget
// together with the final response; a response always wins over the error.
func do(ctx context.Context, d Doer, req *http.Request) (*http.Response, error) {
	resp, err := d.DoWithContext(ctx, req)
	if resp != nil {
		return resp, nil
	}
	return nil, err
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// cancelOnClose keeps the per-request deadline alive until the caller is
// done with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
