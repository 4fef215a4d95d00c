package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-authgate/chat-cli/session"
)

// tokenResponse covers the login, register and refresh payloads. Register may
// nest the token as {"user": ..., "token": {"access_token": ...}}.
type tokenResponse struct {
	AccessToken string               `json:"access_token"`
	TokenType   string               `json:"token_type"`
	User        *session.UserProfile `json:"user"`
	Token       *struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	} `json:"token"`
}

func (r *tokenResponse) accessToken() (string, string) {
	if r.AccessToken == "" && r.Token != nil {
		return r.Token.AccessToken, r.Token.TokenType
	}
	return r.AccessToken, r.TokenType
}

// validateTokenResponse checks the token fields of an auth response.
func validateTokenResponse(accessToken, tokenType string) error {
	if accessToken == "" {
		return errors.New("access_token is empty")
	}

	if len(accessToken) < 10 {
		return fmt.Errorf("access_token is too short (length: %d)", len(accessToken))
	}

	// Token type is optional, but if present, should be "bearer"
	if tokenType != "" && !strings.EqualFold(tokenType, "bearer") {
		return fmt.Errorf("unexpected token_type: %s (expected bearer)", tokenType)
	}

	return nil
}

// Login authenticates with email and password and stores the session.
func (c *Client) Login(ctx context.Context, email, password string) (*session.UserProfile, error) {
	if err := checkInput(loginInput{Email: email, Password: password}); err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("username", email)
	form.Set("password", password)

	var resp tokenResponse
	err := c.Do(ctx, &Request{
		Method:          http.MethodPost,
		Path:            "/auth/login",
		Form:            form,
		SkipAuthRefresh: true,
		NoAuth:          true,
	}, &resp)
	if err != nil {
		return nil, toAuthError(err, "Authentication failed")
	}

	return c.establish(ctx, &resp, "Authentication failed")
}

// Register creates an account and stores the resulting session.
func (c *Client) Register(ctx context.Context, email, password, fullName string) (*session.UserProfile, error) {
	body := registerInput{Email: email, Password: password, FullName: fullName}
	if err := checkInput(body); err != nil {
		return nil, err
	}

	var resp tokenResponse
	err := c.Do(ctx, &Request{
		Method:          http.MethodPost,
		Path:            "/auth/register",
		JSON:            body,
		SkipAuthRefresh: true,
		NoAuth:          true,
	}, &resp)
	if err != nil {
		return nil, toAuthError(err, "Registration failed")
	}

	return c.establish(ctx, &resp, "Registration failed")
}

// establish validates an auth response, fetches the profile when the
// response carried none, and stores the session.
func (c *Client) establish(ctx context.Context, resp *tokenResponse, fallback string) (*session.UserProfile, error) {
	token, tokenType := resp.accessToken()
	if err := validateTokenResponse(token, tokenType); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}

	user := resp.User
	if user == nil {
		u, err := c.fetchUser(ctx, token)
		if err != nil {
			return nil, toAuthError(err, fallback)
		}
		user = u
	}

	if err := c.store.Login(*user, token); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return user, nil
}

// CurrentUser fetches the signed-in user's profile and updates the session.
// A rejected session is cleared.
func (c *Client) CurrentUser(ctx context.Context) (*session.UserProfile, error) {
	user, err := c.fetchUser(ctx, "")
	if err != nil {
		if IsAuthError(err) {
			if lErr := c.store.Logout(); lErr != nil {
				c.logger.Error().Err(lErr).Msg("failed to clear session")
			}
		}
		return nil, err
	}

	if err := c.store.SetUser(*user); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return user, nil
}

// fetchUser reads /users/me. A non-empty token is sent as-is and exempts the
// call from refresh handling.
func (c *Client) fetchUser(ctx context.Context, token string) (*session.UserProfile, error) {
	var raw json.RawMessage
	err := c.Do(ctx, &Request{
		Method:          http.MethodGet,
		Path:            "/users/me",
		Token:           token,
		SkipAuthRefresh: token != "",
	}, &raw)
	if err != nil {
		return nil, err
	}
	return decodeUser(raw)
}

// decodeUser accepts a bare user or {"user": {...}}.
func decodeUser(raw json.RawMessage) (*session.UserProfile, error) {
	var wrapped struct {
		User *session.UserProfile `json:"user"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.User != nil {
		return wrapped.User, nil
	}

	var user session.UserProfile
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, fmt.Errorf("failed to parse user: %w", err)
	}
	if user.ID == 0 && user.Email == "" {
		return nil, errors.New("user response is empty")
	}
	return &user, nil
}

// Refresh exchanges token for a new access token. It is the store's
// refresher and is never subject to the refresh policy itself.
func (c *Client) Refresh(ctx context.Context, token string) (string, *session.UserProfile, error) {
	var resp tokenResponse
	err := c.Do(ctx, &Request{
		Method:          http.MethodPost,
		Path:            "/auth/refresh-token",
		JSON:            struct{}{},
		Token:           token,
		SkipAuthRefresh: true,
	}, &resp)
	if err != nil {
		return "", nil, toAuthError(err, "Token refresh failed")
	}

	newToken, tokenType := resp.accessToken()
	if err := validateTokenResponse(newToken, tokenType); err != nil {
		return "", nil, fmt.Errorf("invalid token response: %w", err)
	}
	return newToken, resp.User, nil
}

// Logout clears the stored session.
func (c *Client) Logout() error {
	return c.store.Logout()
}
