package wakeup

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHTTPProber(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		healthy string
		wantErr bool
	}{
		{name: "healthy", status: http.StatusOK, body: `{"status":"healthy"}`},
		{name: "custom healthy value", status: http.StatusOK, body: `{"status":"ok"}`, healthy: "ok"},
		{name: "bare 200", status: http.StatusOK, body: `OK`, wantErr: true},
		{name: "200 without status", status: http.StatusOK, body: `{"uptime":12}`, wantErr: true},
		{name: "degraded", status: http.StatusOK, body: `{"status":"degraded"}`, wantErr: true},
		{name: "503", status: http.StatusServiceUnavailable, body: `{"status":"healthy"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			p := &HTTPProber{Client: server.Client(), URL: server.URL, HealthyStatus: tt.healthy}
			err := p.Probe(context.Background())
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnhealthy)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHTTPProber_ConnectionFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	p := &HTTPProber{URL: url}
	err := p.Probe(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnhealthy)
}

func TestHTTPProber_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p := &HTTPProber{Client: server.Client(), URL: server.URL}
	assert.Error(t, p.Probe(ctx))
}
