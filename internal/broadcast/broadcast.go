// Package broadcast pushes status events out of the bot: state transitions,
// QR challenges, queue notices and endpoint snapshots. Publishing is
// fire-and-forget; no sink may block the caller.
package broadcast

import (
	"context"
	"time"
)

// Type classifies an event.
type Type string

// Event types.
const (
	TypeStatus   Type = "status"   // controller state change
	TypeQR       Type = "qr"       // QR challenge for pairing
	TypeQueue    Type = "queue"    // queue position and capacity notices
	TypeEndpoint Type = "endpoint" // endpoint change or health snapshot
	TypeSession  Type = "session"  // session saved, restored or purged
	TypeGroup    Type = "group"    // active group joined or left
	TypeError    Type = "error"    // failures reported upstream
)

// Severity levels.
const (
	SeverityInfo    = "info"
	SeveritySuccess = "success"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Event is one outbound notification.
type Event struct {
	Type     Type           `json:"type"`
	ClientID string         `json:"client_id,omitempty"`
	Severity string         `json:"severity"`
	Message  string         `json:"message,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Time     time.Time      `json:"time"`
}

// New builds an Event stamped with the current time.
func New(typ Type, severity, message string, data map[string]any) Event {
	if severity == "" {
		severity = SeverityInfo
	}
	return Event{Type: typ, Severity: severity, Message: message, Data: data, Time: time.Now()}
}

// Sink receives events. Publish must return promptly.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Sink.
func (Nop) Publish(context.Context, Event) {}

// Multi fans an event out to several sinks.
type Multi []Sink

// Publish implements Sink.
func (m Multi) Publish(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ctx, ev)
		}
	}
}

// WithClient stamps every event with clientID before passing it on.
func WithClient(clientID string, next Sink) Sink {
	return clientSink{id: clientID, next: next}
}

type clientSink struct {
	id   string
	next Sink
}

func (c clientSink) Publish(ctx context.Context, ev Event) {
	if ev.ClientID == "" {
		ev.ClientID = c.id
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	c.next.Publish(ctx, ev)
}

// SeverityColor maps a severity to a sidebar color.
func SeverityColor(severity string) string {
	switch severity {
	case SeveritySuccess:
		return ColorSuccess
	case SeverityInfo:
		return ColorInfo
	case SeverityWarning:
		return ColorWarning
	case SeverityError:
		return ColorError
	default:
		return ColorInfo
	}
}

// SeverityRank orders severities for filtering. Unknown values rank as info.
func SeverityRank(severity string) int {
	switch severity {
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	default:
		return 0
	}
}

// Title returns a short human headline for ev.
func Title(ev Event) string {
	switch ev.Type {
	case TypeStatus:
		if s, ok := ev.Data["state"].(string); ok {
			return "Bot " + s
		}
		return "Bot status"
	case TypeQR:
		return "QR code ready for pairing"
	case TypeQueue:
		return "Request queue"
	case TypeEndpoint:
		return "Endpoint update"
	case TypeSession:
		return "Session update"
	case TypeGroup:
		return "Group update"
	case TypeError:
		return "Bot error"
	default:
		return string(ev.Type)
	}
}
