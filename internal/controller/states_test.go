package controller

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/zulandar/signalbox/internal/broadcast"
	"github.com/zulandar/signalbox/internal/connection"
	"github.com/zulandar/signalbox/internal/endpoint"
	"github.com/zulandar/signalbox/internal/sessionstore"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func kinds(effects []Effect) []EffectKind {
	out := make([]EffectKind, len(effects))
	for i, e := range effects {
		out[i] = e.Kind
	}
	return out
}

func find(effects []Effect, kind EffectKind) (Effect, bool) {
	for _, e := range effects {
		if e.Kind == kind {
			return e, true
		}
	}
	return Effect{}, false
}

func emits(effects []Effect) []broadcast.Event {
	var out []broadcast.Event
	for _, e := range effects {
		if e.Kind == EffEmit {
			out = append(out, e.Event)
		}
	}
	return out
}

func sameKinds(t *testing.T, got []Effect, want ...EffectKind) {
	t.Helper()
	k := kinds(got)
	if len(k) != len(want) {
		t.Fatalf("effects = %v, want %v", k, want)
	}
	for i := range want {
		if k[i] != want[i] {
			t.Fatalf("effects = %v, want %v", k, want)
		}
	}
}

// connecting returns the status right after a first Initialize at t0.
func connecting(t *testing.T, p Policy) Status {
	t.Helper()
	s, _ := p.Transition(Status{State: StateDisconnected}, Input{Kind: InInitialize, Now: t0})
	if s.State != StateConnecting {
		t.Fatalf("state = %s, want connecting", s.State)
	}
	return s
}

// ---------------------------------------------------------------------------
// Initialize
// ---------------------------------------------------------------------------

func TestTransition_InitializeConnects(t *testing.T) {
	p := DefaultPolicy()
	s, effects := p.Transition(Status{State: StateDisconnected}, Input{Kind: InInitialize, Now: t0})

	if s.State != StateConnecting {
		t.Errorf("State = %s, want %s", s.State, StateConnecting)
	}
	if s.Epoch != 1 {
		t.Errorf("Epoch = %d, want 1", s.Epoch)
	}
	sameKinds(t, effects, EffEmit, EffConnect)
	if ev := effects[0].Event; ev.Type != broadcast.TypeStatus || ev.Data["state"] != "connecting" || ev.Data["previous"] != "disconnected" {
		t.Errorf("status event = %+v", ev)
	}
	if c := effects[1]; c.Epoch != 1 || c.Force || c.Reason != "" {
		t.Errorf("connect = %+v, want epoch 1 unforced", c)
	}
	if len(s.ConnectAttempts) != 1 {
		t.Errorf("ConnectAttempts = %d, want 1", len(s.ConnectAttempts))
	}
}

func TestTransition_InitializeIsIdempotent(t *testing.T) {
	p := DefaultPolicy()
	for _, state := range []State{StateConnecting, StateQRPending, StateAuthenticated, StateReady, StateCooldown} {
		t.Run(string(state), func(t *testing.T) {
			in := Status{State: state, Epoch: 4}
			s, effects := p.Transition(in, Input{Kind: InInitialize, Now: t0})
			if s.State != state || s.Epoch != 4 {
				t.Errorf("status = %+v, want unchanged", s)
			}
			if len(effects) != 0 {
				t.Errorf("effects = %v, want none", kinds(effects))
			}
		})
	}
}

func TestTransition_ConnectAttemptThrottle(t *testing.T) {
	p := DefaultPolicy()
	var attempts []time.Time
	for i := 5; i > 0; i-- {
		attempts = append(attempts, t0.Add(-time.Duration(i)*time.Minute))
	}
	s, effects := p.Transition(Status{State: StateDisconnected, Epoch: 7, ConnectAttempts: attempts},
		Input{Kind: InInitialize, Now: t0})

	if s.State != StateCooldown {
		t.Fatalf("State = %s, want cooldown", s.State)
	}
	if !s.CooldownUntil.Equal(t0.Add(5 * time.Minute)) {
		t.Errorf("CooldownUntil = %v, want %v", s.CooldownUntil, t0.Add(5*time.Minute))
	}
	if _, ok := find(effects, EffConnect); ok {
		t.Error("no connection should be attempted while throttled")
	}
	sched, ok := find(effects, EffSchedule)
	if !ok || sched.Input != InCooldownElapsed || sched.After != 5*time.Minute || sched.Epoch != 7 {
		t.Errorf("schedule = %+v, want cooldown_elapsed after 5m at epoch 7", sched)
	}

	// Too early: nothing happens.
	early, effects := p.Transition(s, Input{Kind: InCooldownElapsed, Epoch: 7, Now: t0.Add(4 * time.Minute)})
	if early.State != StateCooldown || len(effects) != 0 {
		t.Errorf("early cooldown_elapsed: state %s effects %v", early.State, kinds(effects))
	}

	after, effects := p.Transition(s, Input{Kind: InCooldownElapsed, Epoch: 7, Now: t0.Add(5 * time.Minute)})
	if after.State != StateConnecting {
		t.Errorf("State = %s, want connecting", after.State)
	}
	if c, ok := find(effects, EffConnect); !ok || c.Epoch != 8 {
		t.Errorf("connect = %+v, want epoch 8", c)
	}
	if !after.CooldownUntil.IsZero() {
		t.Errorf("CooldownUntil = %v, want zero", after.CooldownUntil)
	}
}

func TestTransition_OldConnectAttemptsExpire(t *testing.T) {
	p := DefaultPolicy()
	var attempts []time.Time
	for i := 0; i < 5; i++ {
		attempts = append(attempts, t0.Add(-11*time.Minute))
	}
	s, effects := p.Transition(Status{State: StateDisconnected, ConnectAttempts: attempts},
		Input{Kind: InInitialize, Now: t0})
	if s.State != StateConnecting {
		t.Errorf("State = %s, want connecting", s.State)
	}
	if _, ok := find(effects, EffConnect); !ok {
		t.Error("expected a connect effect")
	}
	if len(s.ConnectAttempts) != 1 {
		t.Errorf("ConnectAttempts = %d, want 1", len(s.ConnectAttempts))
	}
}

// ---------------------------------------------------------------------------
// QR throttling
// ---------------------------------------------------------------------------

func TestTransition_QRForwardedAndThrottled(t *testing.T) {
	p := DefaultPolicy()
	s := connecting(t, p)
	s.Retries = 2

	s, effects := p.Transition(s, Input{Kind: InQR, Epoch: 1, Now: t0, QR: "2@first"})
	if s.State != StateQRPending {
		t.Errorf("State = %s, want qr_pending", s.State)
	}
	if s.Retries != 0 {
		t.Errorf("Retries = %d, want 0", s.Retries)
	}
	if s.QRAttempts != 1 {
		t.Errorf("QRAttempts = %d, want 1", s.QRAttempts)
	}
	evs := emits(effects)
	if len(evs) != 2 || evs[1].Type != broadcast.TypeQR || evs[1].Data["qr"] != "2@first" || evs[1].Data["attempt"] != 1 {
		t.Errorf("events = %+v, want status then qr", evs)
	}

	s, effects = p.Transition(s, Input{Kind: InQR, Epoch: 1, Now: t0.Add(10 * time.Second), QR: "2@second"})
	if len(effects) != 0 {
		t.Errorf("throttled QR effects = %v, want none", kinds(effects))
	}
	if s.QRAttempts != 1 {
		t.Errorf("QRAttempts = %d, want 1 after throttled QR", s.QRAttempts)
	}

	s, effects = p.Transition(s, Input{Kind: InQR, Epoch: 1, Now: t0.Add(31 * time.Second), QR: "2@third"})
	if s.QRAttempts != 2 || len(emits(effects)) != 1 {
		t.Errorf("QRAttempts = %d effects %v, want 2 and one qr event", s.QRAttempts, kinds(effects))
	}
}

func TestTransition_QRExhaustion(t *testing.T) {
	p := DefaultPolicy()
	s := connecting(t, p)
	now := t0
	for i := 0; i < p.MaxQRAttempts; i++ {
		s, _ = p.Transition(s, Input{Kind: InQR, Epoch: 1, Now: now, QR: fmt.Sprintf("qr-%d", i)})
		now = now.Add(p.MinQRInterval)
	}
	if s.QRAttempts != 3 {
		t.Fatalf("QRAttempts = %d, want 3", s.QRAttempts)
	}

	s, effects := p.Transition(s, Input{Kind: InQR, Epoch: 1, Now: now, QR: "qr-final"})
	if s.State != StateCooldown {
		t.Errorf("State = %s, want cooldown", s.State)
	}
	if !s.QRExhausted {
		t.Error("QRExhausted = false, want true")
	}
	if !s.CooldownUntil.IsZero() {
		t.Errorf("CooldownUntil = %v, want zero (operator only)", s.CooldownUntil)
	}
	sameKinds(t, effects, EffEmit, EffDestroy, EffQueuePause, EffEmit)
	if ev := effects[3].Event; ev.Type != broadcast.TypeError || ev.Severity != broadcast.SeverityError {
		t.Errorf("exhaustion event = %+v", ev)
	}

	// Neither initialize nor a cooldown timer leaves the exhausted state.
	if got, _ := p.Transition(s, Input{Kind: InInitialize, Now: now.Add(time.Hour)}); got.State != StateCooldown {
		t.Errorf("initialize: State = %s, want cooldown", got.State)
	}
	if got, _ := p.Transition(s, Input{Kind: InCooldownElapsed, Epoch: s.Epoch, Now: now.Add(time.Hour)}); got.State != StateCooldown {
		t.Errorf("cooldown_elapsed: State = %s, want cooldown", got.State)
	}

	// An operator clears it.
	got, effects := p.Transition(s, Input{Kind: InForceReauth, Now: now.Add(time.Hour)})
	if got.State != StateConnecting {
		t.Errorf("force_reauth: State = %s, want connecting", got.State)
	}
	if got.QRExhausted || got.QRAttempts != 0 {
		t.Errorf("force_reauth left QRExhausted=%v QRAttempts=%d", got.QRExhausted, got.QRAttempts)
	}
	c, ok := find(effects, EffConnect)
	if !ok || !c.Force || c.Reason != "operator" {
		t.Errorf("connect = %+v, want forced by operator", c)
	}
}

func TestTransition_QRIgnoredOutsidePairing(t *testing.T) {
	p := DefaultPolicy()
	s := Status{State: StateReady, Epoch: 1}
	got, effects := p.Transition(s, Input{Kind: InQR, Epoch: 1, Now: t0, QR: "late"})
	if got.State != StateReady || len(effects) != 0 {
		t.Errorf("state %s effects %v, want ready and none", got.State, kinds(effects))
	}
}

// ---------------------------------------------------------------------------
// Epochs
// ---------------------------------------------------------------------------

func TestTransition_StaleEpochIgnored(t *testing.T) {
	p := DefaultPolicy()
	s := Status{State: StateConnecting, Epoch: 2}
	for _, kind := range []InputKind{InReady, InQR, InDisconnected, InAuthFailure, InSessionError, InReconnectTimer, InMessage} {
		got, effects := p.Transition(s, Input{Kind: kind, Epoch: 1, Now: t0})
		if got.State != StateConnecting || got.Epoch != 2 || len(effects) != 0 {
			t.Errorf("%s from epoch 1: state %s epoch %d effects %v", kind, got.State, got.Epoch, kinds(effects))
		}
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestTransition_AuthenticatedClearsQRState(t *testing.T) {
	p := DefaultPolicy()
	s := Status{State: StateQRPending, Epoch: 1, QRAttempts: 2, LastQR: t0, ForceReauth: true}
	got, _ := p.Transition(s, Input{Kind: InAuthenticated, Epoch: 1, Now: t0})
	if got.State != StateAuthenticated {
		t.Errorf("State = %s, want authenticated", got.State)
	}
	if got.QRAttempts != 0 || !got.LastQR.IsZero() || got.ForceReauth {
		t.Errorf("status = %+v, want QR counters and force cleared", got)
	}
}

func TestTransition_ReadyLocksAndResumes(t *testing.T) {
	p := DefaultPolicy()
	s := Status{State: StateAuthenticated, Epoch: 1, Retries: 2, LastError: "boom", ConnectAttempts: []time.Time{t0}}
	got, effects := p.Transition(s, Input{Kind: InReady, Epoch: 1, Now: t0})
	if got.State != StateReady {
		t.Errorf("State = %s, want ready", got.State)
	}
	if got.Retries != 0 || got.LastError != "" || len(got.ConnectAttempts) != 0 {
		t.Errorf("status = %+v, want counters reset", got)
	}
	sameKinds(t, effects, EffEmit, EffLock, EffQueueResume)
}

func TestTransition_DisconnectedSchedulesReconnect(t *testing.T) {
	p := DefaultPolicy()
	s := Status{State: StateReady, Epoch: 1}
	got, effects := p.Transition(s, Input{Kind: InDisconnected, Epoch: 1, Now: t0, Reason: "NAVIGATION"})
	if got.State != StateDisconnected {
		t.Errorf("State = %s, want disconnected", got.State)
	}
	if got.Epoch != 2 {
		t.Errorf("Epoch = %d, want 2", got.Epoch)
	}
	sameKinds(t, effects, EffEmit, EffDestroy, EffUnlock, EffQueuePause, EffQueueReset, EffEmit, EffSchedule)
	sched := effects[6]
	if sched.Input != InReconnectTimer || sched.After != 10*time.Second || sched.Epoch != 2 {
		t.Errorf("schedule = %+v", sched)
	}

	// A second disconnect from the retired connection is ignored.
	if again, effects := p.Transition(got, Input{Kind: InDisconnected, Epoch: 1, Now: t0}); again.Epoch != 2 || len(effects) != 0 {
		t.Errorf("stale disconnect produced %v", kinds(effects))
	}

	next, effects := p.Transition(got, Input{Kind: InReconnectTimer, Epoch: 2, Now: t0.Add(10 * time.Second)})
	if next.State != StateConnecting || next.Epoch != 3 {
		t.Errorf("after timer: state %s epoch %d", next.State, next.Epoch)
	}
	if _, ok := find(effects, EffConnect); !ok {
		t.Error("expected a connect effect after the reconnect timer")
	}
}

func TestTransition_SessionErrorBacksOff(t *testing.T) {
	p := DefaultPolicy()
	s := connecting(t, p)
	now := t0
	wantWaits := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second}

	for i, want := range wantWaits {
		var effects []Effect
		s, effects = p.Transition(s, Input{Kind: InSessionError, Epoch: s.Epoch, Now: now, Err: errors.New("timeout")})
		if s.Retries != i+1 {
			t.Fatalf("Retries = %d, want %d", s.Retries, i+1)
		}
		sched, ok := find(effects, EffSchedule)
		if !ok || sched.After != want || sched.Input != InReconnectTimer {
			t.Fatalf("attempt %d: schedule = %+v, want %v", i+1, sched, want)
		}
		if _, ok := find(effects, EffPurgeSession); ok {
			t.Fatal("transient errors must not purge the session")
		}

		now = now.Add(time.Minute)
		s, effects = p.Transition(s, Input{Kind: InReconnectTimer, Epoch: s.Epoch, Now: now})
		c, ok := find(effects, EffConnect)
		if !ok {
			t.Fatalf("attempt %d: no connect", i+1)
		}
		wantForce := s.Retries >= p.MaxRetries
		if c.Force != wantForce {
			t.Errorf("attempt %d: Force = %v, want %v", i+1, c.Force, wantForce)
		}
		if wantForce && c.Reason != "max_retries" {
			t.Errorf("Reason = %q, want max_retries", c.Reason)
		}
	}
}

func TestTransition_CorruptSessionPurgedWithoutRetry(t *testing.T) {
	p := DefaultPolicy()
	errs := []error{
		fmt.Errorf("restore: %w", sessionstore.ErrChecksumMismatch),
		fmt.Errorf("connect: %w", connection.ErrCorrupt),
	}
	for _, err := range errs {
		t.Run(err.Error(), func(t *testing.T) {
			s := connecting(t, p)
			got, effects := p.Transition(s, Input{Kind: InSessionError, Epoch: 1, Now: t0, Err: err})
			if got.Retries != 0 {
				t.Errorf("Retries = %d, want 0", got.Retries)
			}
			if got.State != StateConnecting {
				t.Errorf("State = %s, want connecting", got.State)
			}
			if _, ok := find(effects, EffPurgeSession); !ok {
				t.Error("expected purge_session")
			}
			if _, ok := find(effects, EffSchedule); ok {
				t.Error("corrupt sessions should reconnect at once, not after backoff")
			}
			c, ok := find(effects, EffConnect)
			if !ok || !c.Force || c.Reason != "corrupt_session" || c.Epoch != got.Epoch {
				t.Errorf("connect = %+v, want forced corrupt_session at epoch %d", c, got.Epoch)
			}
		})
	}
}

func TestTransition_AuthFailureReportsThenBacksOff(t *testing.T) {
	p := DefaultPolicy()
	s := Status{State: StateQRPending, Epoch: 1}
	got, effects := p.Transition(s, Input{Kind: InAuthFailure, Epoch: 1, Now: t0, Err: errors.New("bad credentials")})
	if got.State != StateDisconnected || got.Retries != 1 {
		t.Errorf("state %s retries %d, want disconnected and 1", got.State, got.Retries)
	}
	evs := emits(effects)
	if len(evs) < 2 || evs[1].Message != "authentication failed" || evs[1].Data["error"] != "bad credentials" {
		t.Errorf("events = %+v", evs)
	}
	if sched, ok := find(effects, EffSchedule); !ok || sched.After != 10*time.Second {
		t.Errorf("schedule = %+v, want 10s", sched)
	}
}

func TestTransition_DisconnectIgnoredInCooldown(t *testing.T) {
	p := DefaultPolicy()
	s := Status{State: StateCooldown, Epoch: 3}
	got, effects := p.Transition(s, Input{Kind: InDisconnected, Epoch: 3, Now: t0})
	if got.State != StateCooldown || len(effects) != 0 {
		t.Errorf("state %s effects %v", got.State, kinds(effects))
	}
}

func TestTransition_SaveRequests(t *testing.T) {
	p := DefaultPolicy()
	s := Status{State: StateReady, Epoch: 1}
	_, effects := p.Transition(s, Input{Kind: InSaveRequested, Epoch: 1, Now: t0, Path: "/tmp/blob"})
	sameKinds(t, effects, EffSaveSession)
	if effects[0].Path != "/tmp/blob" {
		t.Errorf("Path = %q", effects[0].Path)
	}

	_, effects = p.Transition(s, Input{Kind: InSaveError, Now: t0, Err: errors.New("db down")})
	if evs := emits(effects); len(evs) != 1 || evs[0].Type != broadcast.TypeSession || evs[0].Severity != broadcast.SeverityError {
		t.Errorf("save error events = %+v", evs)
	}
}

func TestTransition_EndpointChanged(t *testing.T) {
	p := DefaultPolicy()
	prev := endpoint.Endpoint{Name: "a"}
	next := endpoint.Endpoint{Name: "b"}
	_, effects := p.Transition(Status{State: StateReady, Epoch: 1},
		Input{Kind: InEndpointChanged, Now: t0, Prev: prev, Next: next})
	sameKinds(t, effects, EffRebind, EffEmit)
	if effects[0].Prev.Name != "a" || effects[0].Next.Name != "b" {
		t.Errorf("rebind = %+v", effects[0])
	}
	if effects[1].Event.Type != broadcast.TypeEndpoint {
		t.Errorf("event type = %s, want endpoint", effects[1].Event.Type)
	}
}

func TestPolicy_Backoff(t *testing.T) {
	p := DefaultPolicy()
	tests := map[int]time.Duration{0: 10 * time.Second, 1: 10 * time.Second, 2: 20 * time.Second, 3: 40 * time.Second}
	for retries, want := range tests {
		if got := p.Backoff(retries); got != want {
			t.Errorf("Backoff(%d) = %v, want %v", retries, got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Message routing
// ---------------------------------------------------------------------------

func TestTransition_MessageRouting(t *testing.T) {
	p := DefaultPolicy()
	ready := Status{State: StateReady, Epoch: 1}
	msg := func(body string, fromMe bool) *connection.ChatMessage {
		return &connection.ChatMessage{ChatID: "g1", ChatName: "Team", Sender: "u1", Body: body, FromMe: fromMe, Timestamp: t0}
	}

	_, effects := p.Transition(ready, Input{Kind: InMessage, Epoch: 1, Now: t0, Message: msg("!ai what is up", false)})
	sameKinds(t, effects, EffEnqueue)
	if r := effects[0].Request; r.Prompt != "what is up" || r.IsSearch || r.GroupID != "g1" || r.GroupName != "Team" || r.Sender != "u1" {
		t.Errorf("request = %+v", r)
	}

	_, effects = p.Transition(ready, Input{Kind: InMessage, Epoch: 1, Now: t0, Message: msg("!ai hi", true)})
	if len(effects) != 0 {
		t.Error("own messages must not be routed")
	}

	notReady := Status{State: StateAuthenticated, Epoch: 1}
	_, effects = p.Transition(notReady, Input{Kind: InMessage, Epoch: 1, Now: t0, Message: msg("!ai hi", false)})
	if len(effects) != 0 {
		t.Error("messages before ready must not be routed")
	}
}

func TestRoute(t *testing.T) {
	tests := []struct {
		body   string
		ok     bool
		prompt string
		search bool
	}{
		{"!ai hello there", true, "hello there", false},
		{"!AI Hello", true, "Hello", false},
		{"  !search  go generics  ", true, "go generics", true},
		{"!Search news", true, "news", true},
		{"!ai", false, "", false},
		{"!ai    ", false, "", false},
		{"!aihello", false, "", false},
		{"hello !ai", false, "", false},
		{"", false, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			req, ok := route(&connection.ChatMessage{ChatID: "g1", Body: tt.body})
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if req.Prompt != tt.prompt || req.IsSearch != tt.search {
				t.Errorf("route = (%q, %v), want (%q, %v)", req.Prompt, req.IsSearch, tt.prompt, tt.search)
			}
			if req.GroupName != "g1" {
				t.Errorf("GroupName = %q, want chat id fallback", req.GroupName)
			}
		})
	}
}
