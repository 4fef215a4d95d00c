package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-authgate/chat-cli/session"
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status int
	Code   string
	Detail string
	URL    string
	Method string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %s failed with status %d: %s", e.Method, e.URL, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s %s failed with status %d", e.Method, e.URL, e.Status)
}

// AuthenticationError is a login, registration or refresh rejected by the server.
type AuthenticationError struct {
	Status int
	Code   string
	Detail string
}

func (e *AuthenticationError) Error() string {
	if e.Status == 0 {
		return e.Detail
	}
	return fmt.Sprintf("%s (status %d)", e.Detail, e.Status)
}

// NetworkError is a request that never got a response.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: network error: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RateLimitError is a 429 response. It is only surfaced when a rate-limit
// retry cap is configured and exhausted.
type RateLimitError struct {
	APIError
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s (retry after %s)", e.APIError.Error(), e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return &e.APIError }

// IsAuthError reports whether err means the user must authenticate again.
func IsAuthError(err error) bool {
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return true
	}
	if errors.Is(err, session.ErrSessionExpired) || errors.Is(err, session.ErrNotAuthenticated) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// IsNetworkError reports whether err is a request that got no response.
func IsNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// IsRateLimitError reports whether err is a 429 or a rate_limited error code.
func IsRateLimitError(err error) bool {
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		(apiErr.Status == http.StatusTooManyRequests || apiErr.Code == "rate_limited")
}

// toAuthError converts a rejected auth call into an AuthenticationError,
// using fallback when the server sent no detail. Other errors pass through.
func toAuthError(err error, fallback string) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	detail := apiErr.Detail
	if detail == "" {
		detail = fallback
	}
	return &AuthenticationError{Status: apiErr.Status, Code: apiErr.Code, Detail: detail}
}

// errorBody covers the FastAPI {"detail": ...} shape and a generic
// {"message", "code"} shape.
type errorBody struct {
	Detail  json.RawMessage `json:"detail"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
}

// parseErrorBody extracts a human-readable detail and an error code.
// Bodies that are not JSON are returned verbatim as the detail.
func parseErrorBody(body []byte) (detail, code string) {
	if len(body) == 0 {
		return "", ""
	}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return strings.TrimSpace(string(body)), ""
	}

	if len(eb.Detail) > 0 {
		var s string
		if json.Unmarshal(eb.Detail, &s) == nil {
			return s, eb.Code
		}
		// Validation errors: [{"loc": [...], "msg": "...", "type": "..."}]
		var items []struct {
			Msg string `json:"msg"`
		}
		if json.Unmarshal(eb.Detail, &items) == nil {
			msgs := make([]string, 0, len(items))
			for _, it := range items {
				if it.Msg != "" {
					msgs = append(msgs, it.Msg)
				}
			}
			return strings.Join(msgs, "; "), eb.Code
		}
		return string(eb.Detail), eb.Code
	}
	return eb.Message, eb.Code
}
