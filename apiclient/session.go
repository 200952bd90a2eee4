package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"golang.org/x/oauth2"

	"github.com/go-authgate/mobileid-cli/credentials"
)

// ProfileKey is the session cache key VerifySession stores the profile under.
const ProfileKey = "profile"

// SessionCache holds per-session data (user profile and the like) that must
// not outlive the credentials it was fetched with.
type SessionCache interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	Clear()
}

// MemorySessionCache is an in-process SessionCache.
type MemorySessionCache struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewMemorySessionCache creates an empty cache.
func NewMemorySessionCache() *MemorySessionCache {
	return &MemorySessionCache{values: make(map[string]any)}
}

func (m *MemorySessionCache) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *MemorySessionCache) Set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

func (m *MemorySessionCache) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = make(map[string]any)
}

// Login posts body to path without credentials and stores the returned
// {access, refresh} pair. A rejected login returns ErrInvalidCredentials; a
// 400 returns *ValidationError with the field detail.
func (c *Client) Login(ctx context.Context, path string, body any) error {
	payload, err := encodeBody(body)
	if err != nil {
		return err
	}

	out := c.attempt(ctx, http.MethodPost, path, RequestOptions{}, payload, true, false)
	c.metrics.Attempts.WithLabelValues(out.Kind.String()).Inc()

	switch out.Kind {
	case OutcomeSuccess:
	case OutcomeAuthError:
		return ErrInvalidCredentials
	default:
		return c.outcomeError(out, http.MethodPost, path)
	}

	var pair credentials.Pair
	if err := json.Unmarshal(out.Body, &pair); err != nil {
		return fmt.Errorf("failed to parse login response: %w", err)
	}
	if pair.Access == "" || pair.Refresh == "" {
		return errors.New("login response is missing credentials")
	}

	c.session.Clear()
	c.store.Set(pair)
	c.logger.Info().Msg("Signed in")
	return nil
}

// Logout tells the server to revoke the refresh credential and then clears
// local state. The request is best-effort: local state is cleared whatever
// the server says.
func (c *Client) Logout(ctx context.Context) {
	if pair := c.store.Get(); pair != nil && pair.Refresh != "" {
		if err := c.revoke(ctx, *pair); err != nil {
			c.logger.Warn().Err(err).Msg("Logout request failed, clearing local credentials anyway")
		}
	}

	c.store.Clear()
	c.session.Clear()
	c.clearCSRF()
	c.logger.Info().Msg("Signed out")
}

func (c *Client) revoke(ctx context.Context, pair credentials.Pair) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	payload, err := json.Marshal(refreshRequest{Refresh: pair.Refresh})
	if err != nil {
		return fmt.Errorf("failed to encode logout request: %w", err)
	}
	csrf := c.EnsureCSRFToken(ctx)

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.resolve(c.endpoints.Logout),
		bytes.NewReader(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to create logout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if pair.Access != "" {
		(&oauth2.Token{AccessToken: pair.Access}).SetAuthHeader(req)
	}
	if csrf != "" {
		req.Header.Set(c.csrfHeader, csrf)
	}

	resp, err := c.aux.DoWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("logout request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("logout failed with status %d", resp.StatusCode)
	}
	return nil
}

// VerifySession checks that the stored credentials still grant access by
// fetching the profile at path, caching it under ProfileKey on success.
//
// An authentication failure means signed out. Any other failure (outage,
// timeout, unexpected status) returns the fail-open policy: true by default,
// so a flaky network does not lock the user out.
func (c *Client) VerifySession(ctx context.Context, path string) bool {
	if pair := c.store.Get(); pair == nil {
		return false
	}

	resp, err := c.Do(ctx, path, RequestOptions{Method: http.MethodGet})
	if err == nil {
		var profile map[string]any
		if err := resp.Decode(&profile); err == nil && profile != nil {
			c.session.Set(ProfileKey, profile)
		}
		return true
	}
	if errors.Is(err, ErrAuthenticationFailed) {
		return false
	}

	c.logger.Warn().Err(err).Bool("fail_open", c.failOpen).Msg("Session check could not complete")
	return c.failOpen
}

// Reload drops every cached value so the client starts clean: pending
// refresh and anti-forgery fetches are forgotten, the session cache is
// emptied and credentials are re-read from the persister. It is the wakeup
// poller's reload hook.
func (c *Client) Reload() {
	c.refreshes.Forget()
	c.csrfFetches.Forget()
	c.clearCSRF()
	c.session.Clear()

	if err := c.store.Load(context.Background()); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to reload credentials")
	}
	c.logger.Info().Msg("Client reloaded")
}
