package apiclient

// EventKind identifies a client event.
type EventKind int

const (
	// EventAuthRejected means a request was rejected for authentication.
	EventAuthRejected EventKind = iota
	// EventRetrying means credentials were recovered and the request is re-sent.
	EventRetrying
	// EventRefreshed means this caller's refresh stored a new access credential.
	EventRefreshed
	// EventSignedOut means escalation gave up and cleared the credentials.
	EventSignedOut
	// EventServerUnavailable means a request observed the backend as down.
	EventServerUnavailable
)

func (k EventKind) String() string {
	switch k {
	case EventAuthRejected:
		return "auth_rejected"
	case EventRetrying:
		return "retrying"
	case EventRefreshed:
		return "refreshed"
	case EventSignedOut:
		return "signed_out"
	case EventServerUnavailable:
		return "server_unavailable"
	default:
		return "unknown"
	}
}

// Event is delivered to the handler set with WithEventHandler.
type Event struct {
	Kind     EventKind
	Endpoint string
	Err      error
}
