package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Credential store backends.
const (
	storeFile   = "file"
	storeSQLite = "sqlite"
)

const (
	defaultServerURL   = "http://localhost:8000"
	defaultTokenFile   = ".mobileid-tokens.json"
	defaultTokenDB     = ".mobileid-tokens.db"
	defaultHealthPath  = "/health/"
	defaultProfilePath = "/authn/me/"
	defaultLoginPath   = "/authn/login/"
)

// config is the resolved CLI configuration.
type config struct {
	ServerURL      string
	ClientID       string
	TokenFile      string
	TokenStore     string
	RequestTimeout time.Duration
	FailOpen       bool
	HealthPath     string
	ProfilePath    string
	LoginPath      string
}

// rootFlags holds the raw persistent flag values. Empty means "not set".
type rootFlags struct {
	serverURL      string
	clientID       string
	tokenFile      string
	tokenStore     string
	requestTimeout string
	failOpen       string
	debug          bool
}

// loadConfig resolves every setting with priority flag > env > default.
// Warnings go to warn; they never fail the command.
func loadConfig(f rootFlags, warn io.Writer) (*config, error) {
	cfg := &config{
		ServerURL:   strings.TrimRight(getConfig(f.serverURL, "SERVER_URL", defaultServerURL), "/"),
		ClientID:    getConfig(f.clientID, "CLIENT_ID", "default"),
		TokenStore:  strings.ToLower(getConfig(f.tokenStore, "TOKEN_STORE", storeFile)),
		HealthPath:  getEnv("HEALTH_PATH", defaultHealthPath),
		ProfilePath: getEnv("PROFILE_PATH", defaultProfilePath),
		LoginPath:   getEnv("LOGIN_PATH", defaultLoginPath),
	}

	if err := validateServerURL(cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("invalid SERVER_URL: %w", err)
	}

	switch cfg.TokenStore {
	case storeFile:
		cfg.TokenFile = getConfig(f.tokenFile, "TOKEN_FILE", defaultTokenFile)
	case storeSQLite:
		cfg.TokenFile = getConfig(f.tokenFile, "TOKEN_FILE", defaultTokenDB)
	default:
		return nil, fmt.Errorf("TOKEN_STORE must be %q or %q, got: %s", storeFile, storeSQLite, cfg.TokenStore)
	}

	timeout, err := time.ParseDuration(getConfig(f.requestTimeout, "REQUEST_TIMEOUT", "10s"))
	if err != nil {
		return nil, fmt.Errorf("invalid REQUEST_TIMEOUT: %w", err)
	}
	if timeout <= 0 {
		return nil, errors.New("REQUEST_TIMEOUT must be positive")
	}
	cfg.RequestTimeout = timeout

	failOpen, err := strconv.ParseBool(getConfig(f.failOpen, "FAIL_OPEN", "true"))
	if err != nil {
		return nil, fmt.Errorf("invalid FAIL_OPEN: %w", err)
	}
	cfg.FailOpen = failOpen

	// Warn if using HTTP instead of HTTPS
	if strings.HasPrefix(strings.ToLower(cfg.ServerURL), "http://") {
		fmt.Fprintln(
			warn,
			"⚠️  WARNING: Using HTTP instead of HTTPS. Credentials will be transmitted in plaintext!",
		)
		fmt.Fprintln(warn)
	}

	// Client IDs issued by the backend are UUIDs; "default" is for single-user setups.
	if cfg.ClientID != "default" {
		if _, err := uuid.Parse(cfg.ClientID); err != nil {
			fmt.Fprintf(
				warn,
				"⚠️  Warning: CLIENT_ID doesn't appear to be a valid UUID: %s\n\n",
				cfg.ClientID,
			)
		}
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

// parseHeaders turns "Name: value" strings into a header set.
func parseHeaders(raw []string) (http.Header, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(http.Header, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, expected \"Name: value\"", h)
		}
		out.Add(name, strings.TrimSpace(value))
	}
	return out, nil
}
