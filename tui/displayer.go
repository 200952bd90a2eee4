package tui

import (
	"fmt"
	"io"
	"sync"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/common-nighthawk/go-figure"

	"github.com/go-authgate/mobileid-cli/wakeup"
)

// Displayer abstracts all output from the CLI commands.
type Displayer interface {
	Banner(server string)
	CredentialsLoaded(source string)
	CredentialsMissing()
	Wakeup(s wakeup.State)
	AuthRejected(endpoint string)
	Refreshed()
	Retrying(endpoint string)
	SignedOut()
	ServerUnavailable(endpoint string)
	CallStarted(method, endpoint string)
	CallOK(endpoint string, status int)
	CallFailed(endpoint string, err error)
	Status(info SessionInfo)
	Done(summary string)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stdout is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer

	mu sync.Mutex
	// wakeBucket is the last 5s interval a reconnect line was printed for;
	// -1 when none has been printed this episode.
	wakeBucket time.Duration
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w, wakeBucket: -1}
}

func (p *PlainDisplayer) Banner(server string) {
	fmt.Fprintln(p.w, figure.NewFigure("mobileid", "cybermedium", true).String())
	fmt.Fprintf(p.w, "Server: %s\n\n", server)
}

func (p *PlainDisplayer) CredentialsLoaded(source string) {
	fmt.Fprintf(p.w, "Loaded credentials from %s\n", source)
}

func (p *PlainDisplayer) CredentialsMissing() {
	fmt.Fprintln(p.w, "No stored credentials, requests are sent anonymously")
}

func (p *PlainDisplayer) Wakeup(s wakeup.State) {
	switch s.Phase {
	case wakeup.Checking:
		fmt.Fprintln(p.w, "Checking server health...")
	case wakeup.Waking:
		// Ticks and polls both report progress; print once per 5s interval.
		elapsed := s.Elapsed.Round(time.Second)
		if p.enterWakeBucket(elapsed / wakeReportEvery) {
			fmt.Fprintf(p.w, "Service unavailable, reconnecting... (%s)\n", formatDuration(elapsed))
		}
		return
	case wakeup.Ready:
		fmt.Fprintln(p.w, "Server is ready")
	}
	p.enterWakeBucket(-1)
}

const wakeReportEvery = 5 * time.Second

// enterWakeBucket records bucket and reports whether it is a new one.
func (p *PlainDisplayer) enterWakeBucket(bucket time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if bucket == p.wakeBucket {
		return false
	}
	p.wakeBucket = bucket
	return true
}

func (p *PlainDisplayer) AuthRejected(endpoint string) {
	fmt.Fprintf(p.w, "Access credential rejected by %s, refreshing...\n", endpoint)
}

func (p *PlainDisplayer) Refreshed() {
	fmt.Fprintln(p.w, "Access credential refreshed")
}

func (p *PlainDisplayer) Retrying(endpoint string) {
	fmt.Fprintf(p.w, "Retrying %s...\n", endpoint)
}

func (p *PlainDisplayer) SignedOut() {
	fmt.Fprintln(p.w, "Session expired, please sign in again")
}

func (p *PlainDisplayer) ServerUnavailable(endpoint string) {
	fmt.Fprintf(p.w, "Server unavailable while calling %s\n", endpoint)
}

func (p *PlainDisplayer) CallStarted(method, endpoint string) {
	fmt.Fprintf(p.w, "%s %s\n", method, endpoint)
}

func (p *PlainDisplayer) CallOK(endpoint string, status int) {
	fmt.Fprintf(p.w, "%s -> %d\n", endpoint, status)
}

func (p *PlainDisplayer) CallFailed(endpoint string, err error) {
	fmt.Fprintf(p.w, "%s failed: %v\n", endpoint, err)
}

func (p *PlainDisplayer) Status(info SessionInfo) {
	fmt.Fprintln(p.w, "========================================")
	fmt.Fprintf(p.w, "Server:        %s\n", info.Server)
	fmt.Fprintf(p.w, "Store:         %s\n", info.Store)
	if !info.SignedIn {
		fmt.Fprintln(p.w, "Signed in:     no")
		fmt.Fprintln(p.w, "========================================")
		return
	}
	fmt.Fprintln(p.w, "Signed in:     yes")
	fmt.Fprintf(p.w, "Access:        %s...\n", info.AccessPreview)
	fmt.Fprintf(p.w, "Refresh:       %t\n", info.HasRefresh)
	if !info.ExpiresAt.IsZero() {
		fmt.Fprintf(p.w, "Expires In:    %s\n", formatDuration(time.Until(info.ExpiresAt)))
	}
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Done(summary string) {
	if summary != "" {
		fmt.Fprintln(p.w, summary)
	}
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner(_ string)              {}
func (NoopDisplayer) CredentialsLoaded(_ string)   {}
func (NoopDisplayer) CredentialsMissing()          {}
func (NoopDisplayer) Wakeup(_ wakeup.State)        {}
func (NoopDisplayer) AuthRejected(_ string)        {}
func (NoopDisplayer) Refreshed()                   {}
func (NoopDisplayer) Retrying(_ string)            {}
func (NoopDisplayer) SignedOut()                   {}
func (NoopDisplayer) ServerUnavailable(_ string)   {}
func (NoopDisplayer) CallStarted(_, _ string)      {}
func (NoopDisplayer) CallOK(_ string, _ int)       {}
func (NoopDisplayer) CallFailed(_ string, _ error) {}
func (NoopDisplayer) Status(_ SessionInfo)         {}
func (NoopDisplayer) Done(_ string)                {}
func (NoopDisplayer) Fatal(_ error)                {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner(server string) {
	t.p.Send(MsgBanner{Server: server})
}

func (t *ProgramDisplayer) CredentialsLoaded(source string) {
	t.p.Send(MsgCredentialsLoaded{Source: source})
}

func (t *ProgramDisplayer) CredentialsMissing() {
	t.p.Send(MsgCredentialsMissing{})
}

func (t *ProgramDisplayer) Wakeup(s wakeup.State) {
	t.p.Send(MsgWakeup{State: s})
}

func (t *ProgramDisplayer) AuthRejected(endpoint string) {
	t.p.Send(MsgAuthRejected{Endpoint: endpoint})
}

func (t *ProgramDisplayer) Refreshed() {
	t.p.Send(MsgRefreshed{})
}

func (t *ProgramDisplayer) Retrying(endpoint string) {
	t.p.Send(MsgRetrying{Endpoint: endpoint})
}

func (t *ProgramDisplayer) SignedOut() {
	t.p.Send(MsgSignedOut{})
}

func (t *ProgramDisplayer) ServerUnavailable(endpoint string) {
	t.p.Send(MsgServerUnavailable{Endpoint: endpoint})
}

func (t *ProgramDisplayer) CallStarted(method, endpoint string) {
	t.p.Send(MsgCallStarted{Method: method, Endpoint: endpoint})
}

func (t *ProgramDisplayer) CallOK(endpoint string, status int) {
	t.p.Send(MsgCallOK{Endpoint: endpoint, Status: status})
}

func (t *ProgramDisplayer) CallFailed(endpoint string, err error) {
	t.p.Send(MsgCallFailed{Endpoint: endpoint, Err: err})
}

func (t *ProgramDisplayer) Status(info SessionInfo) {
	t.p.Send(MsgStatus{Info: info})
}

func (t *ProgramDisplayer) Done(summary string) {
	t.p.Send(MsgDone{Summary: summary})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
