package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-authgate/chat-cli/chat"
)

// Config is the resolved CLI configuration.
type Config struct {
	APIURL         string
	WSURL          string
	SessionFile    string
	SessionBackend string
	LogLevel       string
	LogFormat      string
	Reconnect      chat.ReconnectPolicy
}

// flagValues holds the raw persistent flags. Empty means unset.
type flagValues struct {
	apiURL               string
	wsURL                string
	sessionFile          string
	sessionBackend       string
	logLevel             string
	logFormat            string
	reconnectDelay       string
	reconnectMaxAttempts string
}

// loadConfig resolves every setting with priority: flag > env > default,
// and validates the result. Warnings go to warn.
func loadConfig(f flagValues, warn io.Writer) (*Config, error) {
	cfg := &Config{
		APIURL:         strings.TrimRight(getConfig(f.apiURL, "API_URL", "http://localhost:8000"), "/"),
		WSURL:          strings.TrimRight(getConfig(f.wsURL, "WS_URL", ""), "/"),
		SessionFile:    getConfig(f.sessionFile, "SESSION_FILE", ".chat-cli-session.json"),
		SessionBackend: strings.ToLower(getConfig(f.sessionBackend, "SESSION_BACKEND", "file")),
		LogLevel:       getConfig(f.logLevel, "LOG_LEVEL", "warn"),
		LogFormat:      getConfig(f.logFormat, "LOG_FORMAT", "console"),
		Reconnect:      chat.DefaultReconnectPolicy(),
	}

	if err := validateServerURL(cfg.APIURL); err != nil {
		return nil, fmt.Errorf("invalid API_URL: %w", err)
	}
	if cfg.WSURL != "" {
		if err := validateSocketURL(cfg.WSURL); err != nil {
			return nil, fmt.Errorf("invalid WS_URL: %w", err)
		}
	}

	switch cfg.SessionBackend {
	case "file", "keyring":
	default:
		return nil, fmt.Errorf("invalid SESSION_BACKEND %q: must be file or keyring", cfg.SessionBackend)
	}

	if v := getConfig(f.reconnectDelay, "RECONNECT_DELAY", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid RECONNECT_DELAY %q: must be a positive duration", v)
		}
		cfg.Reconnect.Delay = d
	}
	if v := getConfig(f.reconnectMaxAttempts, "RECONNECT_MAX_ATTEMPTS", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid RECONNECT_MAX_ATTEMPTS %q: must be a non-negative integer", v)
		}
		cfg.Reconnect.MaxAttempts = n
	}

	// Warn if using HTTP instead of HTTPS
	if strings.HasPrefix(strings.ToLower(cfg.APIURL), "http://") {
		fmt.Fprintln(
			warn,
			"⚠️  WARNING: Using HTTP instead of HTTPS. Passwords and tokens will be transmitted in plaintext!",
		)
		fmt.Fprintln(
			warn,
			"⚠️  This is only safe for local development. Use HTTPS in production.",
		)
		fmt.Fprintln(warn)
	}

	return cfg, nil
}

// getConfig returns value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	return validateURL(rawURL, "http", "https")
}

func validateSocketURL(rawURL string) error {
	return validateURL(rawURL, "ws", "wss")
}

func validateURL(rawURL, plain, secure string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != plain && u.Scheme != secure {
		return fmt.Errorf("URL scheme must be %s or %s, got: %s", plain, secure, u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}
