package controller

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/zulandar/signalbox/internal/broadcast"
	"github.com/zulandar/signalbox/internal/connection"
	"github.com/zulandar/signalbox/internal/endpoint"
	"github.com/zulandar/signalbox/internal/queue"
	"github.com/zulandar/signalbox/internal/sessionstore"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateQRPending     State = "qr_pending"
	StateAuthenticated State = "authenticated"
	StateReady         State = "ready"
	StateCooldown      State = "cooldown"
)

// InputKind identifies something that happened to the controller.
type InputKind string

const (
	InInitialize      InputKind = "initialize"
	InQR              InputKind = "qr"
	InLoading         InputKind = "loading"
	InAuthenticated   InputKind = "authenticated"
	InReady           InputKind = "ready"
	InDisconnected    InputKind = "disconnected"
	InAuthFailure     InputKind = "auth_failure"
	InSaveRequested   InputKind = "save_requested"
	InSaved           InputKind = "saved"
	InSaveError       InputKind = "save_error"
	InMessage         InputKind = "message"
	InReconnectTimer  InputKind = "reconnect_timer"
	InSessionError    InputKind = "session_error"
	InForceReauth     InputKind = "force_reauth"
	InEndpointChanged InputKind = "endpoint_changed"
	InCooldownElapsed InputKind = "cooldown_elapsed"
)

// Input is one event fed to Transition. Epoch ties connection events and
// timers to the connection they belong to; zero means unconditional.
type Input struct {
	Kind    InputKind
	Epoch   uint64
	Now     time.Time
	QR      string
	Percent int
	Reason  string
	Err     error
	Path    string
	Message *connection.ChatMessage
	Prev    endpoint.Endpoint
	Next    endpoint.Endpoint
}

// epochBound reports whether k must match the live connection epoch.
func (k InputKind) epochBound() bool {
	switch k {
	case InQR, InLoading, InAuthenticated, InReady, InDisconnected, InAuthFailure,
		InSaveRequested, InMessage, InReconnectTimer, InSessionError, InCooldownElapsed:
		return true
	}
	return false
}

// EffectKind identifies a side effect requested by Transition.
type EffectKind string

const (
	EffConnect      EffectKind = "connect"
	EffDestroy      EffectKind = "destroy"
	EffSchedule     EffectKind = "schedule"
	EffEmit         EffectKind = "emit"
	EffLock         EffectKind = "lock"
	EffUnlock       EffectKind = "unlock"
	EffQueueResume  EffectKind = "queue_resume"
	EffQueuePause   EffectKind = "queue_pause"
	EffQueueReset   EffectKind = "queue_reset"
	EffPurgeSession EffectKind = "purge_session"
	EffSaveSession  EffectKind = "save_session"
	EffEnqueue      EffectKind = "enqueue"
	EffRebind       EffectKind = "rebind"
)

// Effect is a side effect for the loop to carry out.
type Effect struct {
	Kind    EffectKind
	Epoch   uint64          // EffConnect, EffSchedule
	Force   bool            // EffConnect
	Reason  string          // EffConnect
	After   time.Duration   // EffSchedule
	Input   InputKind       // EffSchedule
	Event   broadcast.Event // EffEmit
	Path    string          // EffSaveSession
	Request queue.Request   // EffEnqueue
	Prev    endpoint.Endpoint
	Next    endpoint.Endpoint
}

// Status is everything the state machine knows. It is a value; Transition
// never mutates its argument.
type Status struct {
	State           State       `json:"state"`
	Epoch           uint64      `json:"epoch"`
	Retries         int         `json:"retries"`
	QRAttempts      int         `json:"qr_attempts"`
	LastQR          time.Time   `json:"last_qr,omitempty"`
	ForceReauth     bool        `json:"force_reauth"`
	QRExhausted     bool        `json:"qr_exhausted"`
	ConnectAttempts []time.Time `json:"-"`
	CooldownUntil   time.Time   `json:"cooldown_until,omitempty"`
	LastError       string      `json:"last_error,omitempty"`
}

// Policy holds the recovery and throttling tunables.
type Policy struct {
	MaxRetries         int
	RetryDelay         time.Duration
	BackoffFactor      float64
	ReconnectDelay     time.Duration
	MinQRInterval      time.Duration
	MaxQRAttempts      int
	MaxConnectAttempts int
	ConnectWindow      time.Duration
	CooldownDuration   time.Duration
}

// DefaultPolicy returns the stock tunables.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:         3,
		RetryDelay:         10 * time.Second,
		BackoffFactor:      2,
		ReconnectDelay:     10 * time.Second,
		MinQRInterval:      30 * time.Second,
		MaxQRAttempts:      3,
		MaxConnectAttempts: 5,
		ConnectWindow:      10 * time.Minute,
		CooldownDuration:   5 * time.Minute,
	}
}

// Backoff returns the wait before recovery attempt retries (1-based).
func (p Policy) Backoff(retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}
	return time.Duration(float64(p.RetryDelay) * math.Pow(p.BackoffFactor, float64(retries-1)))
}

// Transition is the pure state machine: given the current status and an
// input it returns the next status and the effects to apply, in order.
func (p Policy) Transition(s Status, in Input) (Status, []Effect) {
	if in.Kind.epochBound() && in.Epoch != s.Epoch {
		return s, nil
	}
	next, effects := p.transition(s, in)
	if next.State != s.State {
		ev := event(in.Now, broadcast.TypeStatus, stateSeverity(next.State), "state "+string(next.State),
			map[string]any{"state": string(next.State), "previous": string(s.State)})
		effects = append([]Effect{{Kind: EffEmit, Event: ev}}, effects...)
	}
	return next, effects
}

func (p Policy) transition(s Status, in Input) (Status, []Effect) {
	switch in.Kind {
	case InInitialize:
		return p.initialize(s, in.Now, "")

	case InReconnectTimer:
		if s.State != StateDisconnected {
			return s, nil
		}
		return p.initialize(s, in.Now, "")

	case InCooldownElapsed:
		if s.State != StateCooldown || s.CooldownUntil.IsZero() || in.Now.Before(s.CooldownUntil) {
			return s, nil
		}
		s.State = StateDisconnected
		s.CooldownUntil = time.Time{}
		s.ConnectAttempts = nil
		return p.initialize(s, in.Now, "")

	case InQR:
		return p.qr(s, in)

	case InLoading:
		return s, []Effect{emit(in.Now, broadcast.TypeStatus, broadcast.SeverityInfo,
			fmt.Sprintf("loading %d%%", in.Percent), map[string]any{"state": string(s.State), "percent": in.Percent})}

	case InAuthenticated:
		s.State = StateAuthenticated
		s.QRAttempts = 0
		s.LastQR = time.Time{}
		s.ForceReauth = false
		s.QRExhausted = false
		return s, nil

	case InReady:
		s.State = StateReady
		s.Retries = 0
		s.ConnectAttempts = nil
		s.LastError = ""
		return s, []Effect{{Kind: EffLock}, {Kind: EffQueueResume}}

	case InDisconnected:
		if s.State == StateDisconnected || s.State == StateCooldown {
			return s, nil
		}
		s = teardown(s, StateDisconnected)
		s.LastError = in.Reason
		return s, []Effect{
			{Kind: EffDestroy}, {Kind: EffUnlock}, {Kind: EffQueuePause}, {Kind: EffQueueReset},
			emit(in.Now, broadcast.TypeError, broadcast.SeverityWarning, "connection lost", map[string]any{"reason": in.Reason}),
			{Kind: EffSchedule, Input: InReconnectTimer, After: p.ReconnectDelay, Epoch: s.Epoch},
		}

	case InAuthFailure:
		report := emit(in.Now, broadcast.TypeError, broadcast.SeverityError, "authentication failed", map[string]any{"error": errText(in.Err)})
		next, effects := p.recover(s, in.Now, in.Err)
		return next, append([]Effect{report}, effects...)

	case InSessionError:
		return p.recover(s, in.Now, in.Err)

	case InSaveRequested:
		return s, []Effect{{Kind: EffSaveSession, Path: in.Path}}

	case InSaved:
		return s, []Effect{emit(in.Now, broadcast.TypeSession, broadcast.SeveritySuccess, "session saved", nil)}

	case InSaveError:
		return s, []Effect{emit(in.Now, broadcast.TypeSession, broadcast.SeverityError, "session save failed", map[string]any{"error": errText(in.Err)})}

	case InMessage:
		if s.State != StateReady || in.Message == nil || in.Message.FromMe {
			return s, nil
		}
		req, ok := route(in.Message)
		if !ok {
			return s, nil
		}
		return s, []Effect{{Kind: EffEnqueue, Request: req}}

	case InForceReauth:
		s = teardown(s, StateDisconnected)
		s.ForceReauth = true
		s.QRAttempts = 0
		s.LastQR = time.Time{}
		s.QRExhausted = false
		s.CooldownUntil = time.Time{}
		s.ConnectAttempts = nil
		effects := []Effect{{Kind: EffDestroy}, {Kind: EffUnlock}, {Kind: EffQueuePause}, {Kind: EffQueueReset},
			emit(in.Now, broadcast.TypeSession, broadcast.SeverityWarning, "re-authentication forced by operator", nil)}
		next, more := p.initialize(s, in.Now, "operator")
		return next, append(effects, more...)

	case InEndpointChanged:
		return s, []Effect{
			{Kind: EffRebind, Prev: in.Prev, Next: in.Next},
			emit(in.Now, broadcast.TypeEndpoint, broadcast.SeverityInfo, "endpoint changed",
				map[string]any{"from": in.Prev.Name, "to": in.Next.Name}),
		}
	}
	return s, nil
}

// initialize starts a connection attempt unless one is live, in flight or
// throttled. reason overrides the force-reauth reason.
func (p Policy) initialize(s Status, now time.Time, reason string) (Status, []Effect) {
	switch s.State {
	case StateConnecting, StateQRPending, StateAuthenticated, StateReady, StateCooldown:
		return s, nil
	}

	recent := make([]time.Time, 0, len(s.ConnectAttempts)+1)
	for _, t := range s.ConnectAttempts {
		if now.Sub(t) < p.ConnectWindow {
			recent = append(recent, t)
		}
	}
	if len(recent) >= p.MaxConnectAttempts {
		s.State = StateCooldown
		s.ConnectAttempts = recent
		s.CooldownUntil = now.Add(p.CooldownDuration)
		return s, []Effect{
			emit(now, broadcast.TypeError, broadcast.SeverityWarning, "too many connection attempts, cooling down",
				map[string]any{"attempts": len(recent), "cooldown": p.CooldownDuration.String()}),
			{Kind: EffSchedule, Input: InCooldownElapsed, After: p.CooldownDuration, Epoch: s.Epoch},
		}
	}

	s.ConnectAttempts = append(recent, now)
	s.Epoch++
	s.State = StateConnecting
	force := s.ForceReauth || s.Retries >= p.MaxRetries
	if reason == "" {
		switch {
		case s.Retries >= p.MaxRetries:
			reason = "max_retries"
		case s.ForceReauth:
			reason = "forced"
		}
	}
	return s, []Effect{{Kind: EffConnect, Epoch: s.Epoch, Force: force, Reason: reason}}
}

// qr applies the QR throttle: one challenge forwarded per MinQRInterval,
// and the challenge after MaxQRAttempts parks the controller in cooldown
// until an operator forces re-authentication.
func (p Policy) qr(s Status, in Input) (Status, []Effect) {
	if s.State != StateConnecting && s.State != StateQRPending {
		return s, nil
	}
	s.Retries = 0
	if s.QRAttempts >= p.MaxQRAttempts {
		s = teardown(s, StateCooldown)
		s.QRExhausted = true
		s.CooldownUntil = time.Time{}
		return s, []Effect{
			{Kind: EffDestroy}, {Kind: EffQueuePause},
			emit(in.Now, broadcast.TypeError, broadcast.SeverityError, "qr_exhausted: pairing not completed, operator action required",
				map[string]any{"attempts": s.QRAttempts}),
		}
	}
	s.State = StateQRPending
	if !s.LastQR.IsZero() && in.Now.Sub(s.LastQR) < p.MinQRInterval {
		return s, nil
	}
	s.QRAttempts++
	s.LastQR = in.Now
	return s, []Effect{emit(in.Now, broadcast.TypeQR, broadcast.SeverityInfo, "scan to pair",
		map[string]any{"qr": in.QR, "attempt": s.QRAttempts, "max_attempts": p.MaxQRAttempts})}
}

// recover classifies err. Corrupt sessions are purged and a fresh QR cycle
// starts at once without touching the retry counter; everything else is
// retried with exponential backoff.
func (p Policy) recover(s Status, now time.Time, err error) (Status, []Effect) {
	s = teardown(s, StateDisconnected)
	s.LastError = errText(err)
	base := []Effect{{Kind: EffDestroy}, {Kind: EffUnlock}, {Kind: EffQueuePause}, {Kind: EffQueueReset}}

	if isCorrupt(err) {
		s.ForceReauth = true
		effects := append(base, Effect{Kind: EffPurgeSession},
			emit(now, broadcast.TypeSession, broadcast.SeverityError, "persisted session corrupt, purging",
				map[string]any{"error": s.LastError}))
		next, more := p.initialize(s, now, "corrupt_session")
		return next, append(effects, more...)
	}

	s.Retries++
	wait := p.Backoff(s.Retries)
	return s, append(base,
		emit(now, broadcast.TypeError, broadcast.SeverityError, "session error, retrying",
			map[string]any{"error": s.LastError, "retries": s.Retries, "backoff": wait.String()}),
		Effect{Kind: EffSchedule, Input: InReconnectTimer, After: wait, Epoch: s.Epoch})
}

// teardown moves to state and retires the current connection epoch so its
// late events are ignored.
func teardown(s Status, state State) Status {
	s.State = state
	s.Epoch++
	return s
}

func isCorrupt(err error) bool {
	return errors.Is(err, connection.ErrCorrupt) || errors.Is(err, sessionstore.ErrCorrupt)
}

// Command prefixes recognized in chat messages.
const (
	PrefixAI     = "!ai "
	PrefixSearch = "!search "
)

// route turns a chat message into a queue request if it is a command.
func route(m *connection.ChatMessage) (queue.Request, bool) {
	body := strings.TrimSpace(m.Body) + " "
	lower := strings.ToLower(body)
	var prompt string
	var search bool
	switch {
	case strings.HasPrefix(lower, PrefixSearch):
		prompt, search = body[len(PrefixSearch):], true
	case strings.HasPrefix(lower, PrefixAI):
		prompt = body[len(PrefixAI):]
	default:
		return queue.Request{}, false
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return queue.Request{}, false
	}
	name := m.ChatName
	if name == "" {
		name = m.ChatID
	}
	return queue.Request{
		GroupID:   m.ChatID,
		GroupName: name,
		Sender:    m.Sender,
		Prompt:    prompt,
		IsSearch:  search,
		Timestamp: m.Timestamp,
	}, true
}

func event(now time.Time, typ broadcast.Type, severity, msg string, data map[string]any) broadcast.Event {
	return broadcast.Event{Type: typ, Severity: severity, Message: msg, Data: data, Time: now}
}

func emit(now time.Time, typ broadcast.Type, severity, msg string, data map[string]any) Effect {
	return Effect{Kind: EffEmit, Event: event(now, typ, severity, msg, data)}
}

func stateSeverity(s State) string {
	switch s {
	case StateReady, StateAuthenticated:
		return broadcast.SeveritySuccess
	case StateCooldown:
		return broadcast.SeverityWarning
	default:
		return broadcast.SeverityInfo
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
