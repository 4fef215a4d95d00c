// Package api is the chat backend's HTTP client: a request pipeline that
// attaches credentials, refreshes the token on 401 and retries transient
// failures, plus the typed auth and message endpoints built on it.
package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/go-authgate/chat-cli/session"
)

const (
	// HeaderRequestID carries a per-attempt trace id.
	HeaderRequestID = "X-Request-ID"

	apiPrefix         = "/api/v1"
	requestTimeout    = 10 * time.Second
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
	defaultRetryAfter = time.Second
	maxRetryAfter     = 24 * time.Hour
	maxResponseBytes  = 10 << 20
)

// Doer executes a single HTTP attempt.
type Doer interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Request describes one logical API call. The pipeline may send it several
// times.
type Request struct {
	Method string
	Path   string // relative to /api/v1
	Query  url.Values
	JSON   any
	Form   url.Values

	// SkipAuthRefresh exempts the call from refresh and retry handling; any
	// failure is returned as is. Set on login, register and refresh.
	SkipAuthRefresh bool
	// NoAuth omits the Authorization header.
	NoAuth bool
	// Token, when set, is sent instead of the session token.
	Token string
}

// retryState is the per-call retry bookkeeping.
type retryState struct {
	retryCount  int
	isAuthRetry bool
	rateLimited int
}

// Client is the backend API client.
type Client struct {
	baseURL string
	wsURL   string
	doer    Doer
	store   *session.Store
	refresh *Coordinator
	logger  zerolog.Logger

	maxRetries          int
	retryDelay          time.Duration
	maxRateLimitRetries int
	sleep               func(ctx context.Context, d time.Duration) error
	newRequestID        func() string
}

// Option configures a Client.
type Option func(*Client)

// WithDoer replaces the HTTP transport.
func WithDoer(d Doer) Option {
	return func(c *Client) { c.doer = d }
}

// WithLogger sets the pipeline logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithWebSocketURL sets the WebSocket host, e.g. ws://localhost:8000.
func WithWebSocketURL(u string) Option {
	return func(c *Client) { c.wsURL = strings.TrimRight(u, "/") }
}

// WithRetryPolicy sets the network/5xx retry ceiling and the linear backoff
// base delay.
func WithRetryPolicy(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.retryDelay = baseDelay
	}
}

// WithMaxRateLimitRetries caps how many times a single call is re-sent after
// 429 responses. Zero, the default, means no cap.
func WithMaxRateLimitRetries(n int) Option {
	return func(c *Client) { c.maxRateLimitRetries = n }
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// New returns a client for the backend at baseURL (without /api/v1). It
// registers itself as the store's refresher and routes the store's renewal
// timer through the refresh coordinator.
func New(baseURL string, store *session.Store, opts ...Option) (*Client, error) {
	if store == nil {
		return nil, errors.New("api: nil session store")
	}

	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		store:        store,
		logger:       zerolog.Nop(),
		maxRetries:   defaultMaxRetries,
		retryDelay:   defaultRetryDelay,
		sleep:        sleepContext,
		newRequestID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.wsURL == "" {
		c.wsURL = defaultWebSocketURL(c.baseURL)
	}

	if c.doer == nil {
		doer, err := newRetryDoer()
		if err != nil {
			return nil, err
		}
		c.doer = doer
	}

	c.refresh = NewCoordinator(store.RefreshToken)
	store.SetRefresher(c)
	store.OnRenew(func(ctx context.Context) {
		if _, err := c.refresh.Refresh(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("scheduled token renewal failed")
		}
	})

	return c, nil
}

// newRetryDoer builds the transport. Transport-level retries are disabled:
// every retry decision belongs to the pipeline.
func newRetryDoer() (*retry.Client, error) {
	httpClient := &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
	rc, err := retry.NewClient(
		retry.WithHTTPClient(httpClient),
		retry.WithMaxRetries(0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http client: %w", err)
	}
	return rc, nil
}

func defaultWebSocketURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return baseURL
	}
}

// Coordinator returns the client's refresh coordinator.
func (c *Client) Coordinator() *Coordinator {
	return c.refresh
}

// Store returns the session store the client authenticates with.
func (c *Client) Store() *session.Store {
	return c.store
}

// Do sends r through the pipeline and decodes a successful JSON response into
// out (which may be nil).
func (c *Client) Do(ctx context.Context, r *Request, out any) error {
	body, contentType, err := encodeBody(r)
	if err != nil {
		return err
	}

	var st retryState
	for {
		resp, err := c.attempt(ctx, r, body, contentType)
		if err == nil && resp.status >= 200 && resp.status < 300 {
			if out == nil || len(resp.body) == 0 {
				return nil
			}
			if err := json.Unmarshal(resp.body, out); err != nil {
				return fmt.Errorf("failed to parse response: %w", err)
			}
			return nil
		}

		if err := c.handleFailure(ctx, r, &st, resp, err); err != nil {
			return err
		}
	}
}

// response is a fully read HTTP response.
type response struct {
	status  int
	header  http.Header
	body    []byte
	url     string
	reqID   string
	token   string // bearer token the attempt carried
	elapsed time.Duration
}

// attempt performs one send: the pre-send stage, the round trip, and reading
// the body. Transport failures are returned as *NetworkError.
func (c *Client) attempt(ctx context.Context, r *Request, body []byte, contentType string) (*response, error) {
	fullURL := c.baseURL + apiPrefix + r.Path
	if len(r.Query) > 0 {
		fullURL += "?" + r.Query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, fullURL, rdr)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	var sentToken string
	if !r.NoAuth {
		sentToken = r.Token
		if sentToken == "" {
			sentToken = c.store.Token()
		}
		if sentToken != "" {
			(&oauth2.Token{AccessToken: sentToken, TokenType: "Bearer"}).SetAuthHeader(req)
		}
	}

	reqID := c.newRequestID()
	req.Header.Set(HeaderRequestID, reqID)

	ev := c.logger.Debug().Str("method", r.Method).Str("url", fullURL).Str("request_id", reqID)
	// Unauthenticated calls carry credentials in the body.
	if r.JSON != nil && !r.NoAuth {
		ev = ev.RawJSON("payload", body)
	}
	ev.Msg("api request")

	start := time.Now()
	resp, err := c.doer.DoWithContext(ctx, req)
	if err != nil {
		return nil, &NetworkError{Method: r.Method, URL: fullURL, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &NetworkError{Method: r.Method, URL: fullURL, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	out := &response{
		status:  resp.StatusCode,
		header:  resp.Header,
		body:    data,
		url:     fullURL,
		reqID:   reqID,
		token:   sentToken,
		elapsed: time.Since(start),
	}
	c.logger.Debug().
		Str("method", r.Method).
		Str("url", fullURL).
		Str("request_id", reqID).
		Int("status", resp.StatusCode).
		Dur("elapsed", out.elapsed).
		Msg("api response")
	return out, nil
}

// handleFailure applies the failure policy. A nil return means re-send.
func (c *Client) handleFailure(ctx context.Context, r *Request, st *retryState, resp *response, sendErr error) error {
	var failure error
	status := 0
	if sendErr != nil {
		failure = sendErr
	} else {
		status = resp.status
		detail, code := parseErrorBody(resp.body)
		failure = &APIError{Status: status, Code: code, Detail: detail, URL: resp.url, Method: r.Method}
	}

	log := c.logger.With().Str("method", r.Method).Str("path", r.Path).Int("status", status).Logger()

	// 1. Exempt or already through an auth retry: no further policy.
	if r.SkipAuthRefresh || st.isAuthRetry {
		log.Debug().Err(failure).Msg("api call failed")
		return failure
	}

	switch {
	// 2. Unauthorized: one refresh cycle, then re-send.
	case status == http.StatusUnauthorized:
		st.isAuthRetry = true
		// A refresh already finished after this attempt went out: re-send
		// with the current token instead of refreshing again.
		if current := c.store.Token(); current != "" && resp.token != "" && current != resp.token {
			log.Info().Msg("access token was replaced in flight, re-sending")
			return nil
		}
		log.Info().Msg("access token rejected, refreshing")
		if _, err := c.refresh.Refresh(ctx); err != nil {
			return err
		}
		return nil

	// 3. Rate limited: wait as told and re-send.
	case status == http.StatusTooManyRequests:
		wait := retryAfter(resp.header, time.Now())
		st.rateLimited++
		if c.maxRateLimitRetries > 0 && st.rateLimited > c.maxRateLimitRetries {
			var apiErr *APIError
			errors.As(failure, &apiErr)
			return &RateLimitError{APIError: *apiErr, RetryAfter: wait}
		}
		log.Info().Dur("retry_after", wait).Msg("rate limited, waiting")
		return c.wait(ctx, wait)

	// 4. Network error or server error: linear backoff up to the ceiling.
	case IsNetworkError(sendErr) || (status >= 500 && status < 600):
		st.retryCount++
		if st.retryCount > c.maxRetries {
			log.Warn().Err(failure).Int("attempts", st.retryCount).Msg("giving up after retries")
			return failure
		}
		delay := c.retryDelay * time.Duration(st.retryCount)
		log.Info().Err(failure).Int("retry", st.retryCount).Dur("delay", delay).Msg("retrying request")
		return c.wait(ctx, delay)
	}

	// 5. Everything else.
	log.Debug().Err(failure).Msg("api call failed")
	return failure
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	if err := c.sleep(ctx, d); err != nil {
		return fmt.Errorf("request aborted while waiting to retry: %w", err)
	}
	return nil
}

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

// retryAfter reads Retry-After as seconds or an HTTP date, defaulting to one
// second when absent or unparseable and capped at maxRetryAfter.
func retryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return defaultRetryAfter
		}
		if secs > int(maxRetryAfter/time.Second) {
			return maxRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return min(d, maxRetryAfter)
		}
		return 0
	}
	return defaultRetryAfter
}

func encodeBody(r *Request) ([]byte, string, error) {
	switch {
	case r.Form != nil:
		return []byte(r.Form.Encode()), "application/x-www-form-urlencoded", nil
	case r.JSON != nil:
		data, err := json.Marshal(r.JSON)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode request: %w", err)
		}
		return data, "application/json", nil
	default:
		return nil, "", nil
	}
}
