// Package session holds the client's authentication state: the current
// access token and user, how they are persisted between runs, and the timer
// that renews the token before it expires.
package session

import (
	"encoding/json"
	"errors"
)

var (
	// ErrNoSession is returned by a Persister when nothing has been stored yet.
	ErrNoSession = errors.New("no stored session")

	// ErrNotAuthenticated indicates an operation that needs a token was called
	// without one.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrSessionExpired indicates the token could not be refreshed and the
	// session was cleared. The user has to log in again.
	ErrSessionExpired = errors.New("session expired, please log in again")
)

// UserProfile is the authenticated user as returned by the backend.
type UserProfile struct {
	ID          int        `json:"id"`
	Email       string     `json:"email"`
	FullName    string     `json:"full_name"`
	IsActive    bool       `json:"is_active"`
	IsSuperuser bool       `json:"is_superuser"`
	CreatedAt   *Timestamp `json:"created_at,omitempty"`
	UpdatedAt   *Timestamp `json:"updated_at,omitempty"`
}

// Session is a snapshot of the authentication state.
// IsAuthenticated is true iff both User and Token are set.
type Session struct {
	User            *UserProfile
	Token           string
	IsAuthenticated bool
}

// record is the persisted shape. Absent fields are written as null.
type record struct {
	User            *UserProfile `json:"user"`
	Token           *string      `json:"token"`
	IsAuthenticated bool         `json:"isAuthenticated"`
}

func newSession(user *UserProfile, token string) Session {
	return Session{
		User:            user,
		Token:           token,
		IsAuthenticated: user != nil && token != "",
	}
}

// MarshalJSON implements json.Marshaler.
func (s Session) MarshalJSON() ([]byte, error) {
	r := record{User: s.User, IsAuthenticated: s.User != nil && s.Token != ""}
	if s.Token != "" {
		tok := s.Token
		r.Token = &tok
	}
	return json.Marshal(r)
}

// UnmarshalJSON implements json.Unmarshaler. A stored record that claims to be
// authenticated but lacks a user or token is normalized to unauthenticated.
func (s *Session) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	token := ""
	if r.Token != nil {
		token = *r.Token
	}
	*s = newSession(r.User, token)
	return nil
}

func (s Session) clone() Session {
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}

func (s Session) sameAs(o Session) bool {
	if s.Token != o.Token || s.IsAuthenticated != o.IsAuthenticated {
		return false
	}
	if s.User == nil || o.User == nil {
		return s.User == o.User
	}
	a, b := s.User, o.User
	return a.ID == b.ID && a.Email == b.Email && a.FullName == b.FullName &&
		a.IsActive == b.IsActive && a.IsSuperuser == b.IsSuperuser
}
