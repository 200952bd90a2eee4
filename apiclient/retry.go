package apiclient

import (
	"net/http"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/rs/zerolog"
)

// Auxiliary requests (anti-forgery fetch, logout) get one quick retry.
const (
	auxMaxRetries = 1
	auxRetryDelay = 100 * time.Millisecond
)

// auxRetryable retries only answers from a live server that may succeed on
// a second try. Gateway errors and transport failures mean the backend is
// down; they go to the wakeup poller instead.
func auxRetryable(err error, resp *http.Response) bool {
	if err != nil || resp == nil {
		return false
	}
	return resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusInternalServerError
}

// retryLogger routes go-httpretry's key/value logging into zerolog.
type retryLogger struct {
	l zerolog.Logger
}

var _ retry.Logger = retryLogger{}

func (r retryLogger) Debug(msg string, args ...any) { r.l.Debug().Fields(args).Msg(msg) }
func (r retryLogger) Info(msg string, args ...any)  { r.l.Debug().Fields(args).Msg(msg) }
func (r retryLogger) Warn(msg string, args ...any)  { r.l.Warn().Fields(args).Msg(msg) }
func (r retryLogger) Error(msg string, args ...any) { r.l.Error().Fields(args).Msg(msg) }
