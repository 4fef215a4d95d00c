package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/chat-cli/session"
)

const (
	oldToken = "old-token-0123456789"
	newToken = "new-token-9876543210"
)

var testUser = session.UserProfile{ID: 7, Email: "ada@example.com", FullName: "Ada", IsActive: true}

// sleepRecorder replaces the backoff sleep and records each requested delay.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// newTestClient returns a client for srv with an authenticated session.
func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) (*Client, *session.Store, *sleepRecorder) {
	t.Helper()
	store := session.NewStore(&session.MemoryStore{})
	require.NoError(t, store.Login(testUser, oldToken))

	rec := &sleepRecorder{}
	opts = append([]Option{WithSleep(rec.sleep)}, opts...)
	c, err := New(srv.URL, store, opts...)
	require.NoError(t, err)
	return c, store, rec
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func TestDo_ConcurrentUnauthorizedSharesOneRefresh(t *testing.T) {
	const n = 5

	var refreshCalls atomic.Int32
	release := make(chan struct{})
	var mu sync.Mutex
	retriedWith := map[string]int{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/refresh-token":
			refreshCalls.Add(1)
			assert.Equal(t, oldToken, bearer(r))
			<-release
			writeJSON(w, http.StatusOK, map[string]string{"access_token": newToken, "token_type": "bearer"})
		case "/api/v1/messages/":
			tok := bearer(r)
			if tok == oldToken {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Could not validate credentials"})
				return
			}
			mu.Lock()
			retriedWith[tok]++
			mu.Unlock()
			writeJSON(w, http.StatusOK, []Message{})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, store, _ := newTestClient(t, srv)

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Messages(context.Background(), "general", 0, 0)
		}(i)
	}

	// Release the refresh only once every other caller is queued behind it.
	require.Eventually(t, func() bool {
		return refreshCalls.Load() == 1 && c.refresh.pending() == n-1
	}, 5*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}
	assert.Equal(t, int32(1), refreshCalls.Load())
	assert.Equal(t, 1, c.Coordinator().Calls())
	mu.Lock()
	assert.Equal(t, map[string]int{newToken: n}, retriedWith)
	mu.Unlock()
	assert.Equal(t, newToken, store.Token())
}

func TestDo_LateUnauthorizedAfterRefreshResends(t *testing.T) {
	var refreshCalls atomic.Int32
	slowArrived := make(chan struct{})
	releaseSlow := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/refresh-token":
			refreshCalls.Add(1)
			writeJSON(w, http.StatusOK, map[string]string{"access_token": newToken, "token_type": "bearer"})
		case "/api/v1/messages/":
			if bearer(r) == oldToken {
				if r.URL.Query().Get("room_id") == "slow" {
					close(slowArrived)
					<-releaseSlow
				}
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Could not validate credentials"})
				return
			}
			writeJSON(w, http.StatusOK, []Message{})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, store, _ := newTestClient(t, srv)

	slowErr := make(chan error, 1)
	go func() {
		_, err := c.Messages(context.Background(), "slow", 0, 0)
		slowErr <- err
	}()
	<-slowArrived

	// A second call hits 401 and completes a full refresh cycle while the
	// first is still waiting on its response.
	_, err := c.Messages(context.Background(), "fast", 0, 0)
	require.NoError(t, err)
	require.Equal(t, newToken, store.Token())

	close(releaseSlow)
	require.NoError(t, <-slowErr)
	assert.Equal(t, int32(1), refreshCalls.Load())
	assert.Equal(t, 1, c.Coordinator().Calls())
}

func TestDo_RefreshFailureRejectsAllAndClearsSession(t *testing.T) {
	const n = 4

	var refreshCalls atomic.Int32
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/refresh-token":
			refreshCalls.Add(1)
			<-release
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Token expired"})
		default:
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Could not validate credentials"})
		}
	}))
	defer srv.Close()

	c, store, _ := newTestClient(t, srv)

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Messages(context.Background(), "general", 0, 0)
		}(i)
	}

	require.Eventually(t, func() bool {
		return refreshCalls.Load() == 1 && c.refresh.pending() == n-1
	}, 5*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		require.Error(t, err, "caller %d", i)
		assert.ErrorIs(t, err, session.ErrSessionExpired, "caller %d", i)
		assert.True(t, IsAuthError(err), "caller %d", i)
	}
	assert.Equal(t, int32(1), refreshCalls.Load())
	assert.False(t, store.IsAuthenticated())
	assert.Empty(t, store.Token())
}

func TestDo_SecondUnauthorizedIsSurfaced(t *testing.T) {
	var refreshCalls, apiCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/auth/refresh-token" {
			refreshCalls.Add(1)
			writeJSON(w, http.StatusOK, map[string]string{"access_token": newToken})
			return
		}
		apiCalls.Add(1)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Not allowed"})
	}))
	defer srv.Close()

	c, store, _ := newTestClient(t, srv)

	_, err := c.Messages(context.Background(), "general", 0, 0)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "Not allowed", apiErr.Detail)
	assert.Equal(t, int32(1), refreshCalls.Load())
	assert.Equal(t, int32(2), apiCalls.Load())
	// The session stays: the refresh itself succeeded.
	assert.Equal(t, newToken, store.Token())
}

func TestDo_ServerErrorLinearBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "try later"})
	}))
	defer srv.Close()

	c, _, rec := newTestClient(t, srv)

	_, err := c.Messages(context.Background(), "general", 0, 0)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, rec.recorded())
}

func TestDo_ServerErrorRecovers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, []Message{{ID: 1, Content: "hi"}})
	}))
	defer srv.Close()

	c, _, rec := newTestClient(t, srv)

	msgs, err := c.Messages(context.Background(), "general", 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.recorded())
}

func TestDo_NetworkErrorRetriedThenSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c, _, rec := newTestClient(t, srv)
	srv.Close()

	_, err := c.Messages(context.Background(), "general", 0, 0)
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
	assert.Len(t, rec.recorded(), 3)
}

func TestDo_RateLimitWaitsAndReissues(t *testing.T) {
	type seen struct {
		method, path, query, body string
		reqID                     string
	}
	var mu sync.Mutex
	var requests []seen

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, seen{r.Method, r.URL.Path, r.URL.RawQuery, string(body), r.Header.Get(HeaderRequestID)})
		n := len(requests)
		mu.Unlock()

		if n == 1 {
			w.Header().Set("Retry-After", "2")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"detail": "slow down"})
			return
		}
		writeJSON(w, http.StatusOK, Message{ID: 9, Content: "hello"})
	}))
	defer srv.Close()

	c, _, rec := newTestClient(t, srv)

	msg, err := c.SendMessage(context.Background(), SendMessageData{Content: "hello", RoomID: "general"})
	require.NoError(t, err)
	assert.Equal(t, 9, msg.ID)
	assert.Equal(t, []time.Duration{2 * time.Second}, rec.recorded())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, requests, 2)
	first, second := requests[0], requests[1]
	assert.Equal(t, first.method, second.method)
	assert.Equal(t, first.path, second.path)
	assert.Equal(t, first.query, second.query)
	assert.JSONEq(t, first.body, second.body)
	assert.NotEmpty(t, first.reqID)
	assert.NotEqual(t, first.reqID, second.reqID)
}

func TestDo_RateLimitCap(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, _, rec := newTestClient(t, srv, WithMaxRateLimitRetries(2))

	_, err := c.Messages(context.Background(), "general", 0, 0)
	require.Error(t, err)

	var rlErr *RateLimitError
	require.True(t, errors.As(err, &rlErr))
	assert.Equal(t, time.Second, rlErr.RetryAfter)
	assert.True(t, IsRateLimitError(err))
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, rec.recorded(), 2)
}

func TestDo_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": []map[string]any{
				{"loc": []string{"body", "content"}, "msg": "field required", "type": "value_error.missing"},
			},
		})
	}))
	defer srv.Close()

	c, _, rec := newTestClient(t, srv)

	_, err := c.MarkAsRead(context.Background(), 3)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Equal(t, "field required", apiErr.Detail)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, rec.recorded())
}

func TestDo_ExemptRequestSurfacesFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _, rec := newTestClient(t, srv)

	err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/health", SkipAuthRefresh: true}, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, rec.recorded())
}

func TestDo_Headers(t *testing.T) {
	var mu sync.Mutex
	var last http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		last = r.Header.Clone()
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, _, _ := newTestClient(t, srv)
	got := func() http.Header {
		mu.Lock()
		defer mu.Unlock()
		return last
	}

	require.NoError(t, c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/ping"}, nil))
	assert.Equal(t, "Bearer "+oldToken, got().Get("Authorization"))
	assert.Len(t, got().Get(HeaderRequestID), 36)

	require.NoError(t, c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/ping", NoAuth: true}, nil))
	assert.Empty(t, got().Get("Authorization"))

	require.NoError(t, c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/ping", Token: "explicit-token"}, nil))
	assert.Equal(t, "Bearer explicit-token", got().Get("Authorization"))
}

func TestDo_ContextCanceledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := session.NewStore(&session.MemoryStore{})
	require.NoError(t, store.Login(testUser, oldToken))
	c, err := New(srv.URL, store, WithRetryPolicy(3, time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = c.Messages(ctx, "general", 0, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"absent", "", time.Second},
		{"seconds", "2", 2 * time.Second},
		{"zero", "0", 0},
		{"negative", "-3", time.Second},
		{"garbage", "soon", time.Second},
		{"http date", now.Add(4 * time.Second).Format(http.TimeFormat), 4 * time.Second},
		{"past date", now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"huge seconds", "99999999999", maxRetryAfter},
		{"far date", now.Add(48 * time.Hour).Format(http.TimeFormat), maxRetryAfter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.value != "" {
				h.Set("Retry-After", tt.value)
			}
			assert.Equal(t, tt.want, retryAfter(h, now))
		})
	}
}

func TestNew_DefaultWebSocketURL(t *testing.T) {
	store := session.NewStore(nil)

	c, err := New("https://chat.example.com/", store)
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.com/ws/chat/general?token=a%2Bb", c.WebSocketURL("general", "a+b"))

	c, err = New("http://localhost:8000", store, WithWebSocketURL("ws://localhost:9000/"))
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:9000/ws/chat/room%201?token=t", c.WebSocketURL("room 1", "t"))

	_, err = New("http://localhost:8000", nil)
	assert.Error(t, err)
}
