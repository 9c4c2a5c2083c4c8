package broadcast

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// recorder is a Sink that keeps every event it receives.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ---------------------------------------------------------------------------
// Event helpers
// ---------------------------------------------------------------------------

func TestNew_DefaultsSeverity(t *testing.T) {
	ev := New(TypeStatus, "", "hello", nil)
	if ev.Severity != SeverityInfo {
		t.Errorf("Severity = %q, want %q", ev.Severity, SeverityInfo)
	}
	if ev.Time.IsZero() {
		t.Error("Time should be set")
	}
}

func TestSeverityColor(t *testing.T) {
	tests := map[string]string{
		SeveritySuccess: ColorSuccess,
		SeverityInfo:    ColorInfo,
		SeverityWarning: ColorWarning,
		SeverityError:   ColorError,
		"bogus":         ColorInfo,
	}
	for sev, want := range tests {
		if got := SeverityColor(sev); got != want {
			t.Errorf("SeverityColor(%q) = %q, want %q", sev, got, want)
		}
	}
}

func TestSeverityRank_Orders(t *testing.T) {
	if !(SeverityRank(SeverityInfo) < SeverityRank(SeverityWarning)) {
		t.Error("info should rank below warning")
	}
	if !(SeverityRank(SeverityWarning) < SeverityRank(SeverityError)) {
		t.Error("warning should rank below error")
	}
	if SeverityRank(SeveritySuccess) != SeverityRank(SeverityInfo) {
		t.Error("success should rank as info")
	}
}

func TestTitle(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{Event{Type: TypeStatus, Data: map[string]any{"state": "ready"}}, "Bot ready"},
		{Event{Type: TypeStatus}, "Bot status"},
		{Event{Type: TypeQR}, "QR code ready for pairing"},
		{Event{Type: TypeEndpoint}, "Endpoint update"},
		{Event{Type: "custom"}, "custom"},
	}
	for _, tt := range tests {
		if got := Title(tt.ev); got != tt.want {
			t.Errorf("Title(%v) = %q, want %q", tt.ev.Type, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Multi / WithClient
// ---------------------------------------------------------------------------

func TestMulti_FansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := Multi{a, nil, b}
	m.Publish(context.Background(), New(TypeQueue, SeverityInfo, "x", nil))
	if len(a.all()) != 1 || len(b.all()) != 1 {
		t.Errorf("got %d and %d events, want 1 and 1", len(a.all()), len(b.all()))
	}
}

func TestWithClient_StampsMissingFields(t *testing.T) {
	r := &recorder{}
	s := WithClient("bot-1", r)
	s.Publish(context.Background(), Event{Type: TypeStatus})
	s.Publish(context.Background(), Event{Type: TypeStatus, ClientID: "other"})

	got := r.all()
	if got[0].ClientID != "bot-1" {
		t.Errorf("ClientID = %q, want %q", got[0].ClientID, "bot-1")
	}
	if got[0].Time.IsZero() {
		t.Error("Time should be stamped")
	}
	if got[1].ClientID != "other" {
		t.Errorf("ClientID = %q, want %q", got[1].ClientID, "other")
	}
}

func TestNop(t *testing.T) {
	var s Sink = Nop{}
	s.Publish(context.Background(), Event{})
}

// ---------------------------------------------------------------------------
// Async
// ---------------------------------------------------------------------------

func TestAsync_DeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	a := NewAsync(AsyncOpts{Name: "test", Deliver: func(_ context.Context, ev Event) error {
		mu.Lock()
		got = append(got, ev.Message)
		mu.Unlock()
		return nil
	}})
	for _, m := range []string{"a", "b", "c"} {
		a.Publish(context.Background(), Event{Type: TypeStatus, Message: m})
	}
	a.Close()

	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("delivered = %v, want [a b c]", got)
	}
}

func TestAsync_DropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	delivered := 0
	a := NewAsync(AsyncOpts{Name: "test", Buffer: 1, Deliver: func(_ context.Context, ev Event) error {
		<-release
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	}})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			a.Publish(context.Background(), Event{Type: TypeStatus})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full buffer")
	}
	close(release)
	a.Close()

	if delivered < 1 || delivered > 2 {
		t.Errorf("delivered = %d, want 1 or 2", delivered)
	}
}

func TestAsync_DeliveryErrorDoesNotStop(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	a := NewAsync(AsyncOpts{Name: "test", Deliver: func(context.Context, Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("boom")
	}})
	a.Publish(context.Background(), Event{Type: TypeError})
	a.Publish(context.Background(), Event{Type: TypeError})
	a.Close()
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestAsync_PublishAfterClose(t *testing.T) {
	a := NewAsync(AsyncOpts{Name: "test", Deliver: func(context.Context, Event) error {
		t.Error("deliver should not be called")
		return nil
	}})
	a.Close()
	a.Close()
	a.Publish(context.Background(), Event{Type: TypeStatus})
}

func TestMinSeverity(t *testing.T) {
	f := MinSeverity(SeverityWarning)
	tests := []struct {
		ev   Event
		want bool
	}{
		{Event{Type: TypeStatus, Severity: SeverityInfo}, false},
		{Event{Type: TypeStatus, Severity: SeveritySuccess}, false},
		{Event{Type: TypeStatus, Severity: SeverityWarning}, true},
		{Event{Type: TypeError, Severity: SeverityError}, true},
		{Event{Type: TypeQR, Severity: SeverityInfo}, true},
	}
	for _, tt := range tests {
		if got := f(tt.ev); got != tt.want {
			t.Errorf("filter(%s/%s) = %v, want %v", tt.ev.Type, tt.ev.Severity, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Hub
// ---------------------------------------------------------------------------

func TestHub_SubscribeReceives(t *testing.T) {
	h := NewHub(4)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(context.Background(), New(TypeQR, SeverityInfo, "", map[string]any{"qr": "abc"}))
	select {
	case ev := <-ch:
		if ev.Type != TypeQR {
			t.Errorf("Type = %q, want %q", ev.Type, TypeQR)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestHub_LatestPerType(t *testing.T) {
	h := NewHub(0)
	h.Publish(context.Background(), Event{Type: TypeStatus, Message: "one"})
	h.Publish(context.Background(), Event{Type: TypeStatus, Message: "two"})
	h.Publish(context.Background(), Event{Type: TypeQR, Message: "qr"})

	ev, ok := h.Latest(TypeStatus)
	if !ok || ev.Message != "two" {
		t.Errorf("Latest(status) = %q, %v, want two, true", ev.Message, ok)
	}
	if _, ok := h.Latest(TypeGroup); ok {
		t.Error("Latest(group) should be absent")
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(1)
	_, cancel := h.Subscribe()
	defer cancel()
	for i := 0; i < 10; i++ {
		h.Publish(context.Background(), Event{Type: TypeStatus})
	}
}

func TestHub_CancelUnsubscribes(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe()
	if h.Subscribers() != 1 {
		t.Fatalf("Subscribers = %d, want 1", h.Subscribers())
	}
	cancel()
	cancel()
	if h.Subscribers() != 0 {
		t.Errorf("Subscribers = %d, want 0", h.Subscribers())
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
}

// ---------------------------------------------------------------------------
// RedisSink
// ---------------------------------------------------------------------------

type fakePublisher struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.channels = append(f.channels, channel)
	if b, ok := message.([]byte); ok {
		f.payloads = append(f.payloads, b)
	}
	cmd.SetVal(1)
	return cmd
}

func TestNewRedisSink_Validation(t *testing.T) {
	if _, err := NewRedisSink(RedisOpts{Addr: "localhost:6379"}); err == nil {
		t.Error("expected error for missing channel")
	}
	if _, err := NewRedisSink(RedisOpts{Channel: "signalbox"}); err == nil {
		t.Error("expected error for missing addr")
	}
}

func TestRedisSink_PublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	s, err := NewRedisSink(RedisOpts{Channel: "signalbox:events", Client: pub})
	if err != nil {
		t.Fatalf("NewRedisSink: %v", err)
	}
	s.Publish(context.Background(), Event{Type: TypeQueue, Severity: SeverityInfo, Message: "queued", ClientID: "bot-1"})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(pub.channels) != 1 || pub.channels[0] != "signalbox:events" {
		t.Fatalf("channels = %v, want [signalbox:events]", pub.channels)
	}
	got := string(pub.payloads[0])
	for _, want := range []string{`"type":"queue"`, `"client_id":"bot-1"`, `"message":"queued"`} {
		if !strings.Contains(got, want) {
			t.Errorf("payload %s missing %s", got, want)
		}
	}
}

func TestRedisSink_DeliverError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection refused")}
	s, err := NewRedisSink(RedisOpts{Channel: "c", Client: pub})
	if err != nil {
		t.Fatalf("NewRedisSink: %v", err)
	}
	defer s.Close()
	if err := s.deliver(context.Background(), Event{Type: TypeStatus}); err == nil {
		t.Error("expected error")
	}
}
