package apiclient

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthenticationFailed is returned when a call was rejected for
	// authentication and neither refresh nor escalation recovered it.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrServerUnavailable is returned when the backend looked down (gateway
	// errors, timeouts, refused connections). The call is not retried; the
	// wakeup poller has been signalled instead.
	ErrServerUnavailable = errors.New("server unavailable")

	// ErrRefreshTimeout means a caller gave up waiting on another caller's
	// refresh. It counts as a refresh failure.
	ErrRefreshTimeout = errors.New("timed out waiting for credential refresh")

	// ErrNoRefreshToken means refresh was requested with no refresh credential stored.
	ErrNoRefreshToken = errors.New("no refresh credential stored")

	// ErrInvalidCredentials is returned by Login when the server rejects the
	// submitted credentials.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidMethod is returned before any network I/O for methods outside
	// the supported set.
	ErrInvalidMethod = errors.New("unsupported HTTP method")
)

// ValidationError carries field-level detail from a 400 response. It is
// never retried.
type ValidationError struct {
	Status int
	Fields map[string]any
	Body   []byte
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("validation failed with status %d", e.Status)
	}
	return fmt.Sprintf("validation failed with status %d (%d fields)", e.Status, len(e.Fields))
}

// HTTPError is an unclassified non-2xx response, surfaced with its raw body.
type HTTPError struct {
	Status int
	Body   []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.Status, truncate(e.Body, 200))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// TransportError is a request that never produced an HTTP response. It
// matches ErrServerUnavailable with errors.Is.
type TransportError struct {
	Kind OutcomeKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrServerUnavailable, e.Err}
}
