package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"unicode/utf8"

	"github.com/go-authgate/chat-cli/session"
)

const (
	defaultPageSize  = 50
	maxMessageLength = 1000
)

// ErrInvalidMessage is returned for empty or oversized message content.
var ErrInvalidMessage = errors.New("message content must be 1 to 1000 characters")

// UserSummary is the sender or recipient embedded in a message.
type UserSummary struct {
	ID       int    `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

// Message is a stored chat message.
type Message struct {
	ID          int                `json:"id"`
	Content     string             `json:"content"`
	RoomID      string             `json:"room_id"`
	SenderID    int                `json:"sender_id"`
	RecipientID *int               `json:"recipient_id,omitempty"`
	IsRead      bool               `json:"is_read"`
	CreatedAt   session.Timestamp  `json:"created_at"`
	UpdatedAt   *session.Timestamp `json:"updated_at,omitempty"`
	ReadAt      *session.Timestamp `json:"read_at,omitempty"`
	Sender      *UserSummary       `json:"sender,omitempty"`
	Recipient   *UserSummary       `json:"recipient,omitempty"`
}

// SendMessageData is the payload for a new message.
type SendMessageData struct {
	Content     string `json:"content"`
	RoomID      string `json:"room_id" validate:"required"`
	RecipientID *int   `json:"recipient_id,omitempty" validate:"omitempty,gt=0"`
}

// ValidateContent checks the length rule shared by the HTTP and socket paths.
func ValidateContent(content string) error {
	if err := validate.Var(content, "min=1,max="+strconv.Itoa(maxMessageLength)); err != nil {
		return fmt.Errorf("%w (got %d)", ErrInvalidMessage, utf8.RuneCountInString(content))
	}
	return nil
}

// Messages lists a room's messages. A non-positive limit uses the default
// page size.
func (c *Client) Messages(ctx context.Context, roomID string, skip, limit int) ([]Message, error) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = defaultPageSize
	}

	q := url.Values{}
	q.Set("room_id", roomID)
	q.Set("skip", strconv.Itoa(skip))
	q.Set("limit", strconv.Itoa(limit))

	var msgs []Message
	if err := c.Do(ctx, &Request{Method: http.MethodGet, Path: "/messages/", Query: q}, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SendMessage posts a message.
func (c *Client) SendMessage(ctx context.Context, data SendMessageData) (*Message, error) {
	if err := ValidateContent(data.Content); err != nil {
		return nil, err
	}
	if err := checkInput(data); err != nil {
		return nil, err
	}

	var msg Message
	if err := c.Do(ctx, &Request{Method: http.MethodPost, Path: "/messages/", JSON: data}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkAsRead flags a message as read.
func (c *Client) MarkAsRead(ctx context.Context, id int) (*Message, error) {
	var msg Message
	path := "/messages/" + strconv.Itoa(id) + "/read"
	if err := c.Do(ctx, &Request{Method: http.MethodPut, Path: path}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// WebSocketURL is the room socket endpoint for token.
func (c *Client) WebSocketURL(roomID, token string) string {
	return c.wsURL + "/ws/chat/" + url.PathEscape(roomID) + "?token=" + url.QueryEscape(token)
}
