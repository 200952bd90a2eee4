package apiclient

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-authgate/mobileid-cli/credentials"
)

// Timeout configuration.
const (
	DefaultRequestTimeout     = 10 * time.Second
	DefaultRefreshTimeout     = 10 * time.Second
	DefaultRefreshWaitCeiling = 10 * time.Second
	DefaultCSRFTimeout        = 10 * time.Second
)

// Endpoints are the backend paths the client itself calls, relative to the
// base URL.
type Endpoints struct {
	Refresh string
	CSRF    string
	Logout  string
}

// DefaultEndpoints returns the standard endpoint paths.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Refresh: "/authn/token/refresh/",
		CSRF:    "/authn/csrf/",
		Logout:  "/authn/logout/",
	}
}

// Default anti-forgery cookie and header names.
const (
	DefaultCSRFCookie = "csrftoken"
	DefaultCSRFHeader = "X-CSRFToken"
)

// Waker is signalled when a call observes the backend as unavailable.
// Implementations must be idempotent while a wakeup is already running.
type Waker interface {
	TriggerWakeup() bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient uses hc for all requests. The client gets a cookie jar if it
// has none; hc itself is not modified.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			cp := *hc
			c.http = &cp
		}
	}
}

// WithStore sets the credential store shared with the rest of the application.
func WithStore(s *credentials.Store) Option {
	return func(c *Client) {
		if s != nil {
			c.store = s
		}
	}
}

// WithWaker sets the component signalled on server unavailability.
func WithWaker(w Waker) Option {
	return func(c *Client) {
		c.waker = w
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithEndpoints overrides the refresh, CSRF and logout paths. Empty fields
// keep their defaults.
func WithEndpoints(e Endpoints) Option {
	return func(c *Client) {
		if e.Refresh != "" {
			c.endpoints.Refresh = e.Refresh
		}
		if e.CSRF != "" {
			c.endpoints.CSRF = e.CSRF
		}
		if e.Logout != "" {
			c.endpoints.Logout = e.Logout
		}
	}
}

// WithRequestTimeout sets the default per-request timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithRefreshTimeout bounds the refresh network call itself.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.refreshTimeout = d
		}
	}
}

// WithRefreshWaitCeiling bounds how long a caller waits on another caller's
// refresh or CSRF fetch.
func WithRefreshWaitCeiling(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.waitCeiling = d
		}
	}
}

// WithSessionCache sets the profile/session cache cleared on escalation,
// logout and reload.
func WithSessionCache(sc SessionCache) Option {
	return func(c *Client) {
		if sc != nil {
			c.session = sc
		}
	}
}

// WithReauthenticate sets the hook that sends the user back to login once
// escalation gives up. It runs on its own goroutine.
func WithReauthenticate(fn func()) Option {
	return func(c *Client) {
		c.reauth = fn
	}
}

// WithFailOpen sets the VerifySession policy for non-auth failures: true lets
// the user proceed when the check itself could not complete.
func WithFailOpen(failOpen bool) Option {
	return func(c *Client) {
		c.failOpen = failOpen
	}
}

// WithCSRFNames overrides the anti-forgery cookie and header names.
func WithCSRFNames(cookie, header string) Option {
	return func(c *Client) {
		if cookie != "" {
			c.csrfCookie = cookie
		}
		if header != "" {
			c.csrfHeader = header
		}
	}
}

// WithEventHandler receives client events (auth rejections, refreshes,
// sign-outs, outages) for display. fn runs on the calling goroutine and must
// not block.
func WithEventHandler(fn func(Event)) Option {
	return func(c *Client) {
		c.events = fn
	}
}
