package wakeup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// DefaultHealthyStatus is the value of the "status" field a healthy backend reports.
const DefaultHealthyStatus = "healthy"

// ErrUnhealthy is returned by a probe that reached the server but did not get
// an explicit healthy report.
var ErrUnhealthy = errors.New("health endpoint did not report healthy")

// Prober checks backend health once. A nil error means healthy.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTPProber probes a JSON health endpoint. The backend is healthy only when
// the response is 2xx and its body carries {"status": HealthyStatus}; a bare
// 200 with any other body counts as unhealthy.
type HTTPProber struct {
	Client        *http.Client
	URL           string
	HealthyStatus string
}

type healthBody struct {
	Status string `json:"status"`
}

func (h *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrUnhealthy, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("failed to read health response: %w", err)
	}
	var hb healthBody
	if err := json.Unmarshal(body, &hb); err != nil {
		return fmt.Errorf("%w: unparseable body", ErrUnhealthy)
	}

	want := h.HealthyStatus
	if want == "" {
		want = DefaultHealthyStatus
	}
	if hb.Status != want {
		return fmt.Errorf("%w: status %q", ErrUnhealthy, hb.Status)
	}
	return nil
}
