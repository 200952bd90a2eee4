package tui

import (
	"time"

	"github.com/go-authgate/mobileid-cli/wakeup"
)

// SessionInfo summarizes the stored credentials for the status view.
type SessionInfo struct {
	Server        string
	Store         string
	SignedIn      bool
	AccessPreview string
	HasRefresh    bool
	// ExpiresAt is zero when the access credential carries no expiry.
	ExpiresAt time.Time
}

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{ Server string }

// MsgCredentialsLoaded signals that stored credentials were found.
type MsgCredentialsLoaded struct{ Source string }

// MsgCredentialsMissing signals that no credentials are stored.
type MsgCredentialsMissing struct{}

// MsgWakeup carries a wakeup poller state change.
type MsgWakeup struct{ State wakeup.State }

// MsgAuthRejected signals that a request was rejected for authentication.
type MsgAuthRejected struct{ Endpoint string }

// MsgRefreshed signals that the access credential was refreshed.
type MsgRefreshed struct{}

// MsgRetrying signals that a request is re-sent after recovery.
type MsgRetrying struct{ Endpoint string }

// MsgSignedOut signals that the session ended and sign-in is required.
type MsgSignedOut struct{}

// MsgServerUnavailable signals that a request found the backend down.
type MsgServerUnavailable struct{ Endpoint string }

// MsgCallStarted signals that a call is being sent.
type MsgCallStarted struct {
	Method   string
	Endpoint string
}

// MsgCallOK signals that a call succeeded.
type MsgCallOK struct {
	Endpoint string
	Status   int
}

// MsgCallFailed signals that a call failed.
type MsgCallFailed struct {
	Endpoint string
	Err      error
}

// MsgStatus carries the session summary.
type MsgStatus struct{ Info SessionInfo }

// MsgDone signals that the command finished.
type MsgDone struct{ Summary string }

// MsgFatal signals a fatal error that should terminate the command.
type MsgFatal struct{ Err error }
