package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
)

// OutcomeKind tags a classified response.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeAuthError
	OutcomeValidationError
	OutcomeServerUnavailable
	OutcomeNetworkError
	OutcomeTimeout
	// OutcomeFailure is any other non-2xx response.
	OutcomeFailure
	// OutcomeCanceled means the caller's own context ended.
	OutcomeCanceled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeAuthError:
		return "auth_error"
	case OutcomeValidationError:
		return "validation_error"
	case OutcomeServerUnavailable:
		return "server_unavailable"
	case OutcomeNetworkError:
		return "network_error"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "failure"
	}
}

// Unavailable reports whether the outcome points at an unreachable backend.
func (k OutcomeKind) Unavailable() bool {
	return k == OutcomeServerUnavailable || k == OutcomeNetworkError || k == OutcomeTimeout
}

// Auth failure kinds.
const (
	AuthKindStatus        = "status"
	AuthKindTokenNotValid = "token_not_valid"
	AuthKindDetail        = "detail"
)

// invalidTokenCode is the error code the backend uses for a rejected credential.
const invalidTokenCode = "token_not_valid"

// invalidTokenPhrases are matched case-sensitively inside the "detail" field.
var invalidTokenPhrases = []string{
	"token not valid",
	"Token is expired",
	"Invalid token",
}

// Outcome is one response (or transport failure) after classification.
type Outcome struct {
	Kind     OutcomeKind
	Status   int
	AuthKind string
	Fields   map[string]any
	Header   http.Header
	Body     []byte
	Err      error
}

// Classify maps an HTTP status and body to an Outcome. Only the "code",
// "detail" and "errors" body fields are interpreted; anything else is opaque.
func Classify(status int, body []byte) Outcome {
	o := Outcome{Status: status, Body: body}
	fields := decodeObject(body)

	if kind := authMarker(fields); kind != "" {
		o.Kind = OutcomeAuthError
		o.AuthKind = kind
		return o
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		o.Kind = OutcomeAuthError
		o.AuthKind = AuthKindStatus
	case status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout:
		o.Kind = OutcomeServerUnavailable
	case status >= 200 && status <= 299:
		o.Kind = OutcomeSuccess
	case status == http.StatusBadRequest:
		o.Kind = OutcomeValidationError
		o.Fields = validationFields(fields)
	default:
		o.Kind = OutcomeFailure
	}
	return o
}

// classifyTransport maps a transport error. callerCtx is the caller's own
// context: if it ended, the failure is the caller's and not the server's.
func classifyTransport(callerCtx context.Context, err error) Outcome {
	if callerCtx.Err() != nil {
		return Outcome{Kind: OutcomeCanceled, Err: callerCtx.Err()}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return Outcome{Kind: OutcomeTimeout, Err: err}
	}
	return Outcome{Kind: OutcomeNetworkError, Err: err}
}

func decodeObject(body []byte) map[string]json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil
	}
	return fields
}

func stringField(fields map[string]json.RawMessage, name string) string {
	raw, ok := fields[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func authMarker(fields map[string]json.RawMessage) string {
	if fields == nil {
		return ""
	}
	if stringField(fields, "code") == invalidTokenCode {
		return AuthKindTokenNotValid
	}
	detail := stringField(fields, "detail")
	for _, phrase := range invalidTokenPhrases {
		if strings.Contains(detail, phrase) {
			return AuthKindDetail
		}
	}
	return ""
}

// validationFields prefers a structured "errors" object and falls back to
// the whole body when the backend reports field errors at the top level.
func validationFields(fields map[string]json.RawMessage) map[string]any {
	if fields == nil {
		return nil
	}
	if raw, ok := fields["errors"]; ok {
		var nested map[string]any
		if err := json.Unmarshal(raw, &nested); err == nil {
			return nested
		}
	}
	out := make(map[string]any, len(fields))
	for k, raw := range fields {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			out[k] = v
		}
	}
	return out
}
