// Package apiclient is an authenticated JSON API client that refreshes
// credentials on demand, attaches anti-forgery tokens to unsafe requests and
// hands server outages to a wakeup poller instead of retrying inline.
package apiclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/go-authgate/mobileid-cli/credentials"
	"github.com/go-authgate/mobileid-cli/singleflight"
)

const tracerName = "github.com/go-authgate/mobileid-cli/apiclient"

// maxAuthRetries is the number of times one call is re-sent after recovering
// from an authentication failure.
const maxAuthRetries = 1

// Single-flight keys.
const (
	refreshKey = "refresh"
	csrfKey    = "csrf"
)

// Client executes authenticated calls against one backend.
type Client struct {
	baseURL string
	http    *http.Client
	// aux retries transient failures; it is only used for idempotent-safe
	// side requests (anti-forgery token fetch, logout).
	aux *retry.Client

	store   *credentials.Store
	session SessionCache
	waker   Waker
	reauth  func()
	events  func(Event)

	logger  zerolog.Logger
	metrics *Metrics
	tracer  trace.Tracer

	endpoints      Endpoints
	requestTimeout time.Duration
	refreshTimeout time.Duration
	waitCeiling    time.Duration
	failOpen       bool
	csrfCookie     string
	csrfHeader     string

	refreshes   *singleflight.Group[bool]
	csrfFetches *singleflight.Group[string]

	csrfMu    sync.Mutex
	csrfToken string

	escalating atomic.Bool
}

// New creates a Client for baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if err := validateBaseURL(baseURL); err != nil {
		return nil, err
	}

	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           defaultHTTPClient(),
		session:        NewMemorySessionCache(),
		logger:         log.Logger,
		endpoints:      DefaultEndpoints(),
		requestTimeout: DefaultRequestTimeout,
		refreshTimeout: DefaultRefreshTimeout,
		waitCeiling:    DefaultRefreshWaitCeiling,
		failOpen:       true,
		csrfCookie:     DefaultCSRFCookie,
		csrfHeader:     DefaultCSRFHeader,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.store == nil {
		c.store = credentials.NewStore(credentials.WithLogger(c.logger))
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	if c.http.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		c.http.Jar = jar
	}

	aux, err := retry.NewClient(
		retry.WithHTTPClient(c.http),
		retry.WithMaxRetries(auxMaxRetries),
		retry.WithInitialRetryDelay(auxRetryDelay),
		retry.WithMaxRetryDelay(2*auxRetryDelay),
		retry.WithRetryableChecker(auxRetryable),
		retry.WithLogger(retryLogger{l: c.logger}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}
	c.aux = aux

	c.refreshes = singleflight.New[bool](singleflight.WithWaitCeiling(c.waitCeiling))
	c.csrfFetches = singleflight.New[string](singleflight.WithWaitCeiling(c.waitCeiling))

	return c, nil
}

func defaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

func validateBaseURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("base URL cannot be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base URL scheme must be http or https, got: %s", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("base URL must include a host")
	}
	return nil
}

// Store returns the credential store the client reads from.
func (c *Client) Store() *credentials.Store { return c.store }

// BaseURL returns the backend root without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// resolve turns an endpoint into an absolute URL. Absolute URLs pass through.
func (c *Client) resolve(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
}

// RequestOptions describes one call. The zero value is a GET with the
// client's default timeout.
type RequestOptions struct {
	Method  string
	Headers http.Header
	// Body is sent as-is when it is []byte or string and JSON-encoded otherwise.
	Body    any
	Timeout time.Duration
}

var methods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodTrace:   true,
	http.MethodPost:    false,
	http.MethodPut:     false,
	http.MethodPatch:   false,
	http.MethodDelete:  false,
}

// normalizeMethod upper-cases method and reports whether it is safe.
func normalizeMethod(method string) (string, bool, error) {
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)
	safe, ok := methods[method]
	if !ok {
		return "", false, fmt.Errorf("%w: %s", ErrInvalidMethod, method)
	}
	return method, safe, nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case json.RawMessage:
		return b, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		return data, nil
	}
}

// Response is a successful call's payload.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Empty reports whether the response carried no payload (204 or zero length).
func (r *Response) Empty() bool {
	return len(bytes.TrimSpace(r.Body)) == 0
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (r *Response) Decode(v any) error {
	if r.Empty() {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// CallJSON performs c.Do and decodes the payload into T. An empty payload
// yields the zero value of T.
func CallJSON[T any](ctx context.Context, c *Client, endpoint string, opts RequestOptions) (T, error) {
	var out T
	resp, err := c.Do(ctx, endpoint, opts)
	if err != nil {
		return out, err
	}
	err = resp.Decode(&out)
	return out, err
}

// Do executes one logical call.
//
// Unsafe methods carry an anti-forgery token. An authentication failure is
// recovered at most once, through refresh and then escalation; a second one
// runs escalation as a last resort and fails with ErrAuthenticationFailed.
// Server unavailability is never retried here: the Waker is signalled and the
// call fails with an error matching ErrServerUnavailable. A 400 fails with
// *ValidationError and any other non-2xx status with *HTTPError.
func (c *Client) Do(ctx context.Context, endpoint string, opts RequestOptions) (*Response, error) {
	method, safe, err := normalizeMethod(opts.Method)
	if err != nil {
		return nil, err
	}
	payload, err := encodeBody(opts.Body)
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "apiclient.Do", trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("endpoint", endpoint),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		c.metrics.CallDurationMs.Observe(float64(time.Since(start).Milliseconds()))
	}()

	for attempt := 0; ; attempt++ {
		out := c.attempt(ctx, method, endpoint, opts, payload, !safe, true)
		c.metrics.Attempts.WithLabelValues(out.Kind.String()).Inc()
		span.AddEvent("attempt", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("outcome", out.Kind.String()),
			attribute.Int("http.status_code", out.Status),
		))

		if out.Kind == OutcomeSuccess {
			return &Response{Status: out.Status, Header: out.Header, Body: out.Body}, nil
		}

		if out.Kind == OutcomeAuthError {
			c.logger.Debug().
				Str("endpoint", endpoint).
				Str("auth_kind", out.AuthKind).
				Int("attempt", attempt).
				Msg("Request rejected for authentication")
			c.emit(Event{Kind: EventAuthRejected, Endpoint: endpoint})

			if c.recoverAuth(ctx, attempt) {
				c.emit(Event{Kind: EventRetrying, Endpoint: endpoint})
				continue
			}
			err = fmt.Errorf("%s %s: %w", method, endpoint, ErrAuthenticationFailed)
		} else {
			err = c.outcomeError(out, method, endpoint)
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, out.Kind.String())
		return nil, err
	}
}

// outcomeError maps every non-success, non-auth outcome to the caller-facing
// error. Unavailable outcomes signal the Waker.
func (c *Client) outcomeError(out Outcome, method, endpoint string) error {
	switch {
	case out.Kind.Unavailable():
		c.signalWakeup(endpoint, out)
		if out.Err != nil {
			return fmt.Errorf("%s %s: %w", method, endpoint, &TransportError{Kind: out.Kind, Err: out.Err})
		}
		return fmt.Errorf("%s %s: %w (status %d)", method, endpoint, ErrServerUnavailable, out.Status)
	case out.Kind == OutcomeValidationError:
		return &ValidationError{Status: out.Status, Fields: out.Fields, Body: out.Body}
	case out.Kind == OutcomeCanceled:
		return fmt.Errorf("%s %s: %w", method, endpoint, out.Err)
	case out.Err != nil:
		return fmt.Errorf("%s %s: %w", method, endpoint, out.Err)
	default:
		return &HTTPError{Status: out.Status, Body: out.Body}
	}
}

func (c *Client) signalWakeup(endpoint string, out Outcome) {
	c.logger.Warn().
		Str("endpoint", endpoint).
		Str("outcome", out.Kind.String()).
		Int("status", out.Status).
		Err(out.Err).
		Msg("Server unavailable")
	c.emit(Event{Kind: EventServerUnavailable, Endpoint: endpoint, Err: out.Err})

	if c.waker == nil {
		return
	}
	if c.waker.TriggerWakeup() {
		c.metrics.WakeupSignals.Inc()
	}
}

// attempt sends one request and classifies the result. It never returns an
// error: failures are part of the Outcome.
func (c *Client) attempt(
	ctx context.Context,
	method, endpoint string,
	opts RequestOptions,
	payload []byte,
	withCSRF, withAuth bool,
) Outcome {
	var csrf string
	if withCSRF {
		var unavailable *Outcome
		if csrf, unavailable = c.csrfFor(ctx); unavailable != nil {
			return *unavailable
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.requestTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.resolve(endpoint), body)
	if err != nil {
		return Outcome{Kind: OutcomeFailure, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	for name, values := range opts.Headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if payload != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	if withAuth {
		if access := c.store.Access(); access != "" {
			(&oauth2.Token{AccessToken: access}).SetAuthHeader(req)
		}
	}
	if csrf != "" {
		req.Header.Set(c.csrfHeader, csrf)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransport(ctx, err)
	}

	out := Classify(resp.StatusCode, data)
	out.Header = resp.Header
	return out
}

func (c *Client) emit(e Event) {
	if c.events != nil {
		c.events(e)
	}
}
