package tui

import (
	"time"

	"github.com/go-authgate/chat-cli/session"
)

// Line is one chat message as shown in the thread.
type Line struct {
	Sender  string
	Content string
	At      time.Time
	Own     bool
}

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgSessionRestored signals that a stored session was loaded.
type MsgSessionRestored struct{ User session.UserProfile }

// MsgSessionMissing signals that no stored session exists.
type MsgSessionMissing struct{}

// MsgLoggedIn signals a successful login or registration.
type MsgLoggedIn struct{ User session.UserProfile }

// MsgLoggedOut signals that the session was cleared.
type MsgLoggedOut struct{}

// MsgRefreshing signals that a token refresh is in progress.
type MsgRefreshing struct{}

// MsgRefreshOK signals that the token was refreshed successfully.
type MsgRefreshOK struct{}

// MsgRefreshFailed signals that token refresh failed.
type MsgRefreshFailed struct{ Err error }

// MsgConnected signals that the room socket is up.
type MsgConnected struct{ Room string }

// MsgReconnecting signals that the room socket dropped and will redial.
type MsgReconnecting struct {
	Attempt int
	Delay   time.Duration
	Err     error
}

// MsgDisconnected signals that the room socket is down for good.
type MsgDisconnected struct{ Err error }

// MsgHistory carries previously stored messages, oldest first.
type MsgHistory struct{ Lines []Line }

// MsgMessageReceived carries one live message.
type MsgMessageReceived struct{ Line Line }

// MsgTyping signals that another user started or stopped typing.
type MsgTyping struct {
	User   string
	Typing bool
}

// MsgPresence signals that a user joined or left the room.
type MsgPresence struct {
	User   string
	Joined bool
}

// MsgAPICallFailed signals that an API call failed.
type MsgAPICallFailed struct{ Err error }

// MsgFatal signals a fatal error that should terminate the session.
type MsgFatal struct{ Err error }
