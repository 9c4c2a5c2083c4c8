package connection

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// Mock implements Conn for testing. It records outbound calls and lets tests
// drive the event stream through the Simulate helpers.
type Mock struct {
	mu          sync.Mutex
	connected   bool
	destroyed   bool
	events      chan Event
	opts        ConnectOptions
	connectErr  error
	fetchErr    error
	sendErr     error
	sent        []SentMessage
	history     map[string][]ChatMessage
	contacts    map[string]string
	groups      map[string]bool
	inviteToID  map[string]string
	connectCall int
	restored    []byte
}

// SentMessage is a message recorded by Mock.SendMessage.
type SentMessage struct {
	ChatID string
	Text   string
}

// NewMock creates a Mock with a buffered event channel.
func NewMock() *Mock {
	return &Mock{
		events:     make(chan Event, 256),
		history:    make(map[string][]ChatMessage),
		contacts:   make(map[string]string),
		groups:     make(map[string]bool),
		inviteToID: make(map[string]string),
	}
}

// Connect records opts and marks the mock connected. A restore file is read
// during the call, as a real client would.
func (m *Mock) Connect(ctx context.Context, opts ConnectOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectCall++
	if m.destroyed {
		return fmt.Errorf("mock connection: destroyed")
	}
	if m.connectErr != nil {
		return m.connectErr
	}
	if opts.RestorePath != "" {
		data, err := os.ReadFile(opts.RestorePath)
		if err != nil {
			return fmt.Errorf("mock connection: read restore file: %w", err)
		}
		m.restored = data
	}
	m.opts = opts
	m.connected = true
	return nil
}

// Events returns the event channel.
func (m *Mock) Events() <-chan Event { return m.events }

// SendMessage records the message.
func (m *Mock) SendMessage(ctx context.Context, chatID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, SentMessage{ChatID: chatID, Text: text})
	return nil
}

// FetchMessages returns pre-configured history for chatID.
func (m *Mock) FetchMessages(ctx context.Context, chatID string, limit int) ([]ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, ErrNotConnected
	}
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	msgs := m.history[chatID]
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

// ContactName returns the configured name or an error for unknown ids.
func (m *Mock) ContactName(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name, ok := m.contacts[id]; ok {
		return name, nil
	}
	return "", fmt.Errorf("mock connection: unknown contact %s", id)
}

// JoinGroup resolves the invite configured with SetInvite.
func (m *Mock) JoinGroup(ctx context.Context, inviteCode string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return "", ErrNotConnected
	}
	id, ok := m.inviteToID[inviteCode]
	if !ok {
		return "", fmt.Errorf("mock connection: invalid invite %q", inviteCode)
	}
	m.groups[id] = true
	return id, nil
}

// LeaveGroup removes the group from the joined set.
func (m *Mock) LeaveGroup(ctx context.Context, groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	if !m.groups[groupID] {
		return fmt.Errorf("mock connection: not a member of %s", groupID)
	}
	delete(m.groups, groupID)
	return nil
}

// Destroy closes the event channel.
func (m *Mock) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return nil
	}
	m.destroyed = true
	m.connected = false
	close(m.events)
	return nil
}

// --- Test helpers ---

// Emit pushes ev onto the event stream. Events emitted after Destroy are
// dropped.
func (m *Mock) Emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	m.events <- ev
}

// SimulateQR emits a QR challenge.
func (m *Mock) SimulateQR(code string) { m.Emit(Event{Kind: KindQR, QR: code}) }

// SimulateAuthenticated emits authenticated.
func (m *Mock) SimulateAuthenticated() { m.Emit(Event{Kind: KindAuthenticated}) }

// SimulateReady emits ready.
func (m *Mock) SimulateReady() { m.Emit(Event{Kind: KindReady}) }

// SimulateDisconnected emits disconnected with reason.
func (m *Mock) SimulateDisconnected(reason string) {
	m.Emit(Event{Kind: KindDisconnected, Reason: reason})
}

// SimulateAuthFailure emits auth_failure.
func (m *Mock) SimulateAuthFailure(err error) { m.Emit(Event{Kind: KindAuthFailure, Err: err}) }

// SimulateSaveRequested emits save_requested for a blob written at path.
func (m *Mock) SimulateSaveRequested(path string) {
	m.Emit(Event{Kind: KindSaveRequested, Path: path})
}

// SimulateMessage emits an inbound message. A zero timestamp is set to now.
func (m *Mock) SimulateMessage(msg ChatMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.Emit(Event{Kind: KindMessage, Message: &msg})
}

// SetConnectError makes subsequent Connect calls fail with err.
func (m *Mock) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetFetchError makes subsequent FetchMessages calls fail with err.
func (m *Mock) SetFetchError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErr = err
}

// SetSendError makes subsequent SendMessage calls fail with err.
func (m *Mock) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SetHistory pre-populates chat history for FetchMessages.
func (m *Mock) SetHistory(chatID string, msgs []ChatMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[chatID] = msgs
}

// SetContact registers a display name for id.
func (m *Mock) SetContact(id, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[id] = name
}

// SetInvite makes JoinGroup(code) join groupID.
func (m *Mock) SetInvite(code, groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inviteToID[code] = groupID
}

// ConnectOptions returns the options passed to the last successful Connect.
func (m *Mock) ConnectOptions() ConnectOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts
}

// Restored returns the session blob read from the restore file, if any.
func (m *Mock) Restored() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restored
}

// ConnectCalls returns how many times Connect was called.
func (m *Mock) ConnectCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectCall
}

// Destroyed reports whether Destroy has been called.
func (m *Mock) Destroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

// InGroup reports whether the mock is a member of groupID.
func (m *Mock) InGroup(groupID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groups[groupID]
}

// AllSent returns a copy of all sent messages.
func (m *Mock) AllSent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// MockFactory hands out Mocks and remembers each one.
type MockFactory struct {
	mu    sync.Mutex
	conns []*Mock
	setup func(*Mock)
}

// NewMockFactory returns a factory. setup, if non-nil, runs on every new Mock.
func NewMockFactory(setup func(*Mock)) *MockFactory {
	return &MockFactory{setup: setup}
}

// New implements Factory.
func (f *MockFactory) New() Conn {
	m := NewMock()
	if f.setup != nil {
		f.setup(m)
	}
	f.mu.Lock()
	f.conns = append(f.conns, m)
	f.mu.Unlock()
	return m
}

// Last returns the most recently created Mock, or nil.
func (f *MockFactory) Last() *Mock {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// Count returns how many Mocks were created.
func (f *MockFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}
