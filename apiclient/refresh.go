package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-authgate/mobileid-cli/credentials"
	"github.com/go-authgate/mobileid-cli/singleflight"
)

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type refreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Refresh exchanges the stored refresh credential for a new access
// credential and reports whether it succeeded.
//
// Without a refresh credential it returns false and makes no request.
// Concurrent callers share a single request; a caller that joins one already
// running waits at most the refresh wait ceiling and then reports false.
// Failures never mutate the store.
func (c *Client) Refresh(ctx context.Context) bool {
	refresh := c.store.Refresh()
	if refresh == "" {
		c.logger.Debug().Err(ErrNoRefreshToken).Msg("Skipping refresh")
		c.metrics.Refreshes.WithLabelValues("none", "skipped").Inc()
		return false
	}

	ok, role, err := c.refreshes.Do(ctx, refreshKey, func(ctx context.Context) (bool, error) {
		return c.refreshOnce(ctx, refresh)
	})
	if errors.Is(err, singleflight.ErrWaitTimeout) {
		err = ErrRefreshTimeout
	}

	result := "success"
	if err != nil || !ok {
		result = "failure"
	}
	c.metrics.Refreshes.WithLabelValues(role.String(), result).Inc()

	if err != nil {
		c.logger.Warn().Err(err).Stringer("role", role).Msg("Credential refresh failed")
		return false
	}
	c.logger.Debug().Stringer("role", role).Bool("ok", ok).Msg("Credential refresh finished")
	if ok && role == singleflight.Leader {
		c.emit(Event{Kind: EventRefreshed})
	}
	return ok
}

// refreshOnce performs the refresh request. It is detached from the caller's
// cancellation because followers depend on its outcome.
func (c *Client) refreshOnce(ctx context.Context, refresh string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
	defer cancel()

	payload, err := json.Marshal(refreshRequest{Refresh: refresh})
	if err != nil {
		return false, fmt.Errorf("failed to encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.resolve(c.endpoints.Refresh),
		bytes.NewReader(payload),
	)
	if err != nil {
		return false, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("failed to read refresh response: %w", err)
	}

	if out := Classify(resp.StatusCode, body); out.Kind != OutcomeSuccess {
		return false, fmt.Errorf("refresh rejected with status %d (%s)", resp.StatusCode, out.Kind)
	}

	var tr refreshResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return false, fmt.Errorf("failed to parse refresh response: %w", err)
	}
	if tr.Access == "" {
		return false, errors.New("refresh response carried no access credential")
	}

	// Servers that do not rotate refresh credentials omit the field.
	next := credentials.Pair{Access: tr.Access, Refresh: tr.Refresh}
	if next.Refresh == "" {
		next.Refresh = refresh
	}
	c.store.Set(next)

	return true, nil
}
