package tui

import (
	"fmt"
	"io"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/common-nighthawk/go-figure"

	"github.com/go-authgate/chat-cli/session"
)

// Displayer abstracts all user-facing output of the CLI.
type Displayer interface {
	Banner()
	SessionRestored(user session.UserProfile)
	SessionMissing()
	LoggedIn(user session.UserProfile)
	LoggedOut()
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	Connected(room string)
	Reconnecting(attempt int, delay time.Duration, err error)
	Disconnected(err error)
	History(lines []Line)
	MessageReceived(line Line)
	Typing(user string, typing bool)
	Presence(user string, joined bool)
	APICallFailed(err error)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stdout is not a TTY (pipes, CI, SSH without pty) and for the
// one-shot commands.
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprint(p.w, figure.NewFigure("chat-cli", "small", true).String())
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) SessionRestored(user session.UserProfile) {
	fmt.Fprintf(p.w, "Signed in as %s\n", displayName(user))
}

func (p *PlainDisplayer) SessionMissing() {
	fmt.Fprintln(p.w, "Not signed in. Run 'chat-cli login' first.")
}

func (p *PlainDisplayer) LoggedIn(user session.UserProfile) {
	fmt.Fprintf(p.w, "Logged in as %s <%s>\n", displayName(user), user.Email)
}

func (p *PlainDisplayer) LoggedOut() {
	fmt.Fprintln(p.w, "Logged out.")
}

func (p *PlainDisplayer) Refreshing() {
	fmt.Fprintln(p.w, "Refreshing access token...")
}

func (p *PlainDisplayer) RefreshOK() {
	fmt.Fprintln(p.w, "Token refreshed successfully!")
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	fmt.Fprintf(p.w, "Refresh failed: %v\n", err)
	fmt.Fprintln(p.w, "Please log in again.")
}

func (p *PlainDisplayer) Connected(room string) {
	fmt.Fprintf(p.w, "Connected to #%s\n", room)
}

func (p *PlainDisplayer) Reconnecting(attempt int, delay time.Duration, err error) {
	fmt.Fprintf(p.w, "Connection lost (%v), reconnecting in %s (attempt %d)\n", err, delay, attempt)
}

func (p *PlainDisplayer) Disconnected(err error) {
	if err != nil {
		fmt.Fprintf(p.w, "Disconnected: %v\n", err)
		return
	}
	fmt.Fprintln(p.w, "Disconnected.")
}

func (p *PlainDisplayer) History(lines []Line) {
	if len(lines) == 0 {
		fmt.Fprintln(p.w, "No messages yet.")
		return
	}
	for _, l := range lines {
		p.MessageReceived(l)
	}
}

func (p *PlainDisplayer) MessageReceived(line Line) {
	fmt.Fprintf(p.w, "[%s] %s: %s\n", formatClock(line.At), line.Sender, line.Content)
}

func (p *PlainDisplayer) Typing(user string, typing bool) {
	if typing {
		fmt.Fprintf(p.w, "%s is typing...\n", user)
	}
}

func (p *PlainDisplayer) Presence(user string, joined bool) {
	if joined {
		fmt.Fprintf(p.w, "%s joined\n", user)
		return
	}
	fmt.Fprintf(p.w, "%s left\n", user)
}

func (p *PlainDisplayer) APICallFailed(err error) {
	fmt.Fprintf(p.w, "API call failed: %v\n", err)
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner()                                      {}
func (NoopDisplayer) SessionRestored(_ session.UserProfile)        {}
func (NoopDisplayer) SessionMissing()                              {}
func (NoopDisplayer) LoggedIn(_ session.UserProfile)               {}
func (NoopDisplayer) LoggedOut()                                   {}
func (NoopDisplayer) Refreshing()                                  {}
func (NoopDisplayer) RefreshOK()                                   {}
func (NoopDisplayer) RefreshFailed(_ error)                        {}
func (NoopDisplayer) Connected(_ string)                           {}
func (NoopDisplayer) Reconnecting(_ int, _ time.Duration, _ error) {}
func (NoopDisplayer) Disconnected(_ error)                         {}
func (NoopDisplayer) History(_ []Line)                             {}
func (NoopDisplayer) MessageReceived(_ Line)                       {}
func (NoopDisplayer) Typing(_ string, _ bool)                      {}
func (NoopDisplayer) Presence(_ string, _ bool)                    {}
func (NoopDisplayer) APICallFailed(_ error)                        {}
func (NoopDisplayer) Fatal(_ error)                                {}

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

func (t *ProgramDisplayer) SessionRestored(user session.UserProfile) {
	t.p.Send(MsgSessionRestored{User: user})
}

func (t *ProgramDisplayer) SessionMissing() {
	t.p.Send(MsgSessionMissing{})
}

func (t *ProgramDisplayer) LoggedIn(user session.UserProfile) {
	t.p.Send(MsgLoggedIn{User: user})
}

func (t *ProgramDisplayer) LoggedOut() {
	t.p.Send(MsgLoggedOut{})
}

func (t *ProgramDisplayer) Refreshing() {
	t.p.Send(MsgRefreshing{})
}

func (t *ProgramDisplayer) RefreshOK() {
	t.p.Send(MsgRefreshOK{})
}

func (t *ProgramDisplayer) RefreshFailed(err error) {
	t.p.Send(MsgRefreshFailed{Err: err})
}

func (t *ProgramDisplayer) Connected(room string) {
	t.p.Send(MsgConnected{Room: room})
}

func (t *ProgramDisplayer) Reconnecting(attempt int, delay time.Duration, err error) {
	t.p.Send(MsgReconnecting{Attempt: attempt, Delay: delay, Err: err})
}

func (t *ProgramDisplayer) Disconnected(err error) {
	t.p.Send(MsgDisconnected{Err: err})
}

func (t *ProgramDisplayer) History(lines []Line) {
	t.p.Send(MsgHistory{Lines: lines})
}

func (t *ProgramDisplayer) MessageReceived(line Line) {
	t.p.Send(MsgMessageReceived{Line: line})
}

func (t *ProgramDisplayer) Typing(user string, typing bool) {
	t.p.Send(MsgTyping{User: user, Typing: typing})
}

func (t *ProgramDisplayer) Presence(user string, joined bool) {
	t.p.Send(MsgPresence{User: user, Joined: joined})
}

func (t *ProgramDisplayer) APICallFailed(err error) {
	t.p.Send(MsgAPICallFailed{Err: err})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}

func displayName(u session.UserProfile) string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Email
}

func formatClock(t time.Time) string {
	if t.IsZero() {
		return "--:--"
	}
	return t.Local().Format("15:04")
}
