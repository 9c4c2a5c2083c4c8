// Package connection defines the capability the bot uses to talk to the
// messaging network. The network protocol itself lives behind Conn; this
// package only fixes the lifecycle events and the calls the rest of the
// system is allowed to make.
package connection

import (
	"context"
	"errors"
	"time"
)

// Conn is one live connection to the messaging network. Implementations
// must deliver lifecycle and inbound events on Events until Destroy is
// called, after which the channel is closed.
type Conn interface {
	// Connect starts the connection. When RestorePath is set the session
	// stored in that file is offered to the network instead of a new QR
	// pairing.
	Connect(ctx context.Context, opts ConnectOptions) error

	// Events returns the event stream for this connection.
	Events() <-chan Event

	// SendMessage delivers text to a chat.
	SendMessage(ctx context.Context, chatID, text string) error

	// FetchMessages returns up to limit of the most recent messages in a chat.
	FetchMessages(ctx context.Context, chatID string, limit int) ([]ChatMessage, error)

	// ContactName resolves a participant id to a display name.
	ContactName(ctx context.Context, id string) (string, error)

	// JoinGroup accepts an invite and returns the joined group's id.
	JoinGroup(ctx context.Context, inviteCode string) (string, error)

	// LeaveGroup leaves a group chat.
	LeaveGroup(ctx context.Context, groupID string) error

	// Destroy tears the connection down. It is safe to call more than once.
	Destroy() error
}

// Factory creates a fresh, unconnected Conn.
type Factory func() Conn

// ConnectOptions configures Connect.
type ConnectOptions struct {
	RestorePath string
}

// Kind identifies an event.
type Kind string

// Event kinds.
const (
	KindQR            Kind = "qr"
	KindLoading       Kind = "loading"
	KindAuthenticated Kind = "authenticated"
	KindReady         Kind = "ready"
	KindDisconnected  Kind = "disconnected"
	KindAuthFailure   Kind = "auth_failure"
	KindSaveRequested Kind = "save_requested"
	KindSaved         Kind = "saved"
	KindSaveError     Kind = "save_error"
	KindMessage       Kind = "message"
)

// Event is one item on a connection's event stream. Only the fields that
// belong to Kind are set.
type Event struct {
	Kind    Kind
	QR      string       // KindQR
	Percent int          // KindLoading
	Reason  string       // KindDisconnected
	Err     error        // KindAuthFailure, KindSaveError
	Path    string       // KindSaveRequested: file holding the raw session blob
	Message *ChatMessage // KindMessage
}

// ChatMessage is a message in a chat, inbound or fetched from history.
type ChatMessage struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	ChatName  string    `json:"chat_name,omitempty"`
	IsGroup   bool      `json:"is_group"`
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
	FromMe    bool      `json:"from_me"`
}

var (
	// ErrNotConnected is returned by calls made before Connect or after Destroy.
	ErrNotConnected = errors.New("connection: not connected")

	// ErrCorrupt reports that restored session data was rejected as
	// unreadable. Retrying with the same data cannot succeed.
	ErrCorrupt = errors.New("connection: session data corrupt")
)
