package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

type csrfResponse struct {
	CSRFToken      string `json:"csrfToken"`
	CSRFTokenSnake string `json:"csrf_token"`
}

// unavailableError is an anti-forgery fetch that found the backend down.
type unavailableError struct {
	out Outcome
}

func (e *unavailableError) Error() string {
	if e.out.Err != nil {
		return fmt.Sprintf("anti-forgery request: %s: %v", e.out.Kind, e.out.Err)
	}
	return fmt.Sprintf("anti-forgery request: %s (status %d)", e.out.Kind, e.out.Status)
}

func (e *unavailableError) Unwrap() error { return ErrServerUnavailable }

// EnsureCSRFToken returns an anti-forgery token for unsafe requests.
//
// The cookie jar and the in-memory cache are checked first. Otherwise a
// single fetch is shared by all concurrent callers. Any failure yields ""
// so the request goes out without the header and the server decides.
func (c *Client) EnsureCSRFToken(ctx context.Context) string {
	tok, _ := c.csrfFor(ctx)
	return tok
}

// csrfFor is EnsureCSRFToken for the executor. When the fetch found the
// backend down it also returns that outcome, and the request is not sent.
func (c *Client) csrfFor(ctx context.Context) (string, *Outcome) {
	if tok := c.cachedCSRF(); tok != "" {
		return tok, nil
	}

	tok, role, err := c.csrfFetches.Do(ctx, csrfKey, c.fetchCSRF)
	if err == nil {
		return tok, nil
	}
	var unavailable *unavailableError
	if errors.As(err, &unavailable) {
		return "", &unavailable.out
	}
	c.logger.Warn().Err(err).Stringer("role", role).Msg("Proceeding without anti-forgery token")
	return "", nil
}

func (c *Client) cachedCSRF() string {
	if u, err := url.Parse(c.baseURL); err == nil {
		for _, ck := range c.http.Jar.Cookies(u) {
			if ck.Name == c.csrfCookie && ck.Value != "" {
				return ck.Value
			}
		}
	}
	c.csrfMu.Lock()
	defer c.csrfMu.Unlock()
	return c.csrfToken
}

func (c *Client) clearCSRF() {
	c.csrfMu.Lock()
	c.csrfToken = ""
	c.csrfMu.Unlock()
}

func (c *Client) fetchCSRF(ctx context.Context) (tok string, err error) {
	defer func() {
		result := "success"
		if err != nil {
			result = "failure"
		}
		c.metrics.CSRFFetches.WithLabelValues(result).Inc()
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), min(DefaultCSRFTimeout, c.requestTimeout))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(c.endpoints.CSRF), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create anti-forgery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.aux.DoWithContext(ctx, req)
	if err != nil {
		// The fetch is detached from the caller, so any failure here is the server's.
		return "", &unavailableError{out: classifyTransport(context.Background(), err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read anti-forgery response: %w", err)
	}
	if out := Classify(resp.StatusCode, body); out.Kind.Unavailable() {
		return "", &unavailableError{out: out}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("anti-forgery request failed with status %d", resp.StatusCode)
	}

	var cr csrfResponse
	if len(body) > 0 {
		// Some backends only set the cookie; a non-JSON body is not an error.
		_ = json.Unmarshal(body, &cr)
	}
	tok = cr.CSRFToken
	if tok == "" {
		tok = cr.CSRFTokenSnake
	}
	if tok == "" {
		for _, ck := range resp.Cookies() {
			if ck.Name == c.csrfCookie {
				tok = ck.Value
			}
		}
	}
	if tok == "" {
		return "", errors.New("anti-forgery response carried no token")
	}

	c.csrfMu.Lock()
	c.csrfToken = tok
	c.csrfMu.Unlock()
	return tok, nil
}
