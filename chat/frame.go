// Package chat is the live room connection: a WebSocket that carries message,
// typing and presence frames and reconnects when it drops.
package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-authgate/chat-cli/session"
)

// Frame types.
const (
	TypeMessage    = "message"
	TypeTyping     = "typing"
	TypeUserJoined = "user_joined"
	TypeUserLeft   = "user_left"
)

// Frame is one JSON object on the room socket. Which fields are set depends
// on Type.
type Frame struct {
	Type string `json:"type"`

	// message
	Content     string `json:"content,omitempty"`
	SenderID    int    `json:"sender_id,omitempty"`
	SenderName  string `json:"sender_name,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
	RecipientID *int   `json:"recipient_id,omitempty"`

	// typing, user_joined, user_left
	UserID   int    `json:"user_id,omitempty"`
	UserName string `json:"user_name,omitempty"`
	IsTyping bool   `json:"is_typing,omitempty"`
}

// Known reports whether the frame type is one the client handles.
func (f Frame) Known() bool {
	switch f.Type {
	case TypeMessage, TypeTyping, TypeUserJoined, TypeUserLeft:
		return true
	}
	return false
}

// Time parses CreatedAt. The zero time is returned when it is absent or
// malformed.
func (f Frame) Time() time.Time {
	t, _ := session.ParseTimestamp(f.CreatedAt)
	return t
}

// DecodeFrame parses one inbound frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("invalid frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("invalid frame: missing type")
	}
	return f, nil
}

// outbound frames carry is_typing even when false.
type messageOut struct {
	Type        string `json:"type"`
	Content     string `json:"content"`
	RecipientID *int   `json:"recipient_id,omitempty"`
}

type typingOut struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}
