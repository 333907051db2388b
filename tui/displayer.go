package tui

import (
	"fmt"
	"io"
	"time"

	tea "charm.land/bubbletea/v2"
	figure "github.com/common-nighthawk/go-figure"

	"github.com/cookiecms/cookiecli/session"
)

// Displayer abstracts all user-facing output of cookiecli. It receives the
// session events as a session.Observer.
type Displayer interface {
	session.Observer

	Banner()
	Requesting(method, url string)
	Response(status int, body string)
	Imported(where string)
	LoggedOut()
	ShowProfile(p session.Profile)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprint(p.w, figure.NewFigure("cookiecli", "cybermedium", true).String())
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) Requesting(method, url string) {
	fmt.Fprintf(p.w, "%s %s\n", method, url)
}

func (p *PlainDisplayer) AccessTokenRejected() {
	fmt.Fprintln(p.w, "Access token rejected (401), refreshing...")
}

func (p *PlainDisplayer) Refreshing() {
	fmt.Fprintln(p.w, "Refreshing access token...")
}

func (p *PlainDisplayer) RefreshRetry(attempt int, delay time.Duration, err error) {
	fmt.Fprintf(p.w, "Refresh attempt %d failed: %v\n", attempt+1, err)
	fmt.Fprintf(p.w, "Retrying in %s...\n", delay)
}

func (p *PlainDisplayer) RefreshOK() {
	fmt.Fprintln(p.w, "Token refreshed successfully!")
}

func (p *PlainDisplayer) RetryingRequest() {
	fmt.Fprintln(p.w, "Token refreshed, retrying request...")
}

func (p *PlainDisplayer) SessionExpired() {
	fmt.Fprintln(p.w, "Your session has expired, please log in again.")
}

// Response reports the status only; the body goes to stdout.
func (p *PlainDisplayer) Response(status int, body string) {
	fmt.Fprintf(p.w, "Status: %d (%d bytes)\n", status, len(body))
}

func (p *PlainDisplayer) Imported(where string) {
	fmt.Fprintf(p.w, "Session saved to %s\n", where)
}

func (p *PlainDisplayer) LoggedOut() {
	fmt.Fprintln(p.w, "Logged out.")
}

func (p *PlainDisplayer) ShowProfile(pr session.Profile) {
	if pr == (session.Profile{}) {
		fmt.Fprintln(p.w, "No profile stored.")
		return
	}
	fmt.Fprintln(p.w, "========================================")
	fmt.Fprintf(p.w, "Username:         %s\n", pr.Username)
	fmt.Fprintf(p.w, "User ID:          %s\n", pr.UserID)
	fmt.Fprintf(p.w, "Avatar:           %s\n", pr.Avatar)
	fmt.Fprintf(p.w, "Discord:          %s\n", pr.DiscordUsername)
	fmt.Fprintf(p.w, "Permission level: %s\n", pr.PermissionLevel)
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct {
	session.NoopObserver
}

func (NoopDisplayer) Banner()                       {}
func (NoopDisplayer) Requesting(_, _ string)        {}
func (NoopDisplayer) Response(_ int, _ string)      {}
func (NoopDisplayer) Imported(_ string)             {}
func (NoopDisplayer) LoggedOut()                    {}
func (NoopDisplayer) ShowProfile(_ session.Profile) {}
func (NoopDisplayer) Fatal(_ error)                 {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) Requesting(method, url string) {
	t.p.Send(MsgRequesting{Method: method, URL: url})
}

func (t *ProgramDisplayer) AccessTokenRejected() {
	t.p.Send(MsgAccessTokenRejected{})
}

func (t *ProgramDisplayer) Refreshing() {
	t.p.Send(MsgRefreshing{})
}

func (t *ProgramDisplayer) RefreshRetry(attempt int, delay time.Duration, err error) {
	t.p.Send(MsgRefreshRetry{Attempt: attempt, Delay: delay, Err: err})
}

func (t *ProgramDisplayer) RefreshOK() {
	t.p.Send(MsgRefreshOK{})
}

func (t *ProgramDisplayer) RetryingRequest() {
	t.p.Send(MsgRetryingRequest{})
}

func (t *ProgramDisplayer) SessionExpired() {
	t.p.Send(MsgSessionExpired{})
}

func (t *ProgramDisplayer) Response(status int, body string) {
	t.p.Send(MsgResponse{Status: status, Body: body})
}

func (t *ProgramDisplayer) Imported(where string) {
	t.p.Send(MsgImported{Where: where})
}

func (t *ProgramDisplayer) LoggedOut() {
	t.p.Send(MsgLoggedOut{})
}

func (t *ProgramDisplayer) ShowProfile(pr session.Profile) {
	t.p.Send(MsgProfile{Profile: pr})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
