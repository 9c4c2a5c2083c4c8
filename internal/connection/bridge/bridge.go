// Package bridge implements connection.Conn over a websocket to a sidecar
// process that runs the real messaging-network client.
//
// Frames are JSON objects. Requests carry id, method and params; the sidecar
// answers with the same id and either result or error. Frames without an id
// are events: {"event": "<kind>", "data": {...}}. Session blobs travel as
// base64 and are spooled to temp files on this side.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/zulandar/signalbox/internal/connection"
	"github.com/zulandar/signalbox/internal/logging"
)

// DefaultCallTimeout bounds a request/response round trip.
const DefaultCallTimeout = 60 * time.Second

// Error codes the sidecar may return.
const (
	CodeCorruptSession = "corrupt_session"
	CodeNotReady       = "not_ready"
)

// Opts holds parameters for creating a Client.
type Opts struct {
	URL         string // ws:// or wss:// address of the sidecar
	ClientID    string
	DataDir     string // where incoming session blobs are spooled
	CallTimeout time.Duration
	Dialer      *websocket.Dialer
}

// Client is a connection.Conn backed by a sidecar websocket.
type Client struct {
	url         string
	clientID    string
	dataDir     string
	callTimeout time.Duration
	dialer      *websocket.Dialer
	log         zerolog.Logger

	events    chan connection.Event
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[string]chan frame
	destroyed bool

	writeMu sync.Mutex
}

type frame struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params any             `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// RemoteError is an error reported by the sidecar.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("bridge: remote error %s: %s", e.Code, e.Message)
}

// New creates an unconnected Client.
func New(opts Opts) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("bridge: url is required")
	}
	if opts.ClientID == "" {
		return nil, fmt.Errorf("bridge: client id is required")
	}
	c := &Client{
		url:         opts.URL,
		clientID:    opts.ClientID,
		dataDir:     opts.DataDir,
		callTimeout: opts.CallTimeout,
		dialer:      opts.Dialer,
		log:         logging.Component("bridge"),
		events:      make(chan connection.Event, 64),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		pending:     make(map[string]chan frame),
	}
	if c.callTimeout <= 0 {
		c.callTimeout = DefaultCallTimeout
	}
	if c.dialer == nil {
		d := *websocket.DefaultDialer
		c.dialer = &d
	}
	if c.dataDir == "" {
		c.dataDir = os.TempDir()
	}
	return c, nil
}

// Factory returns a connection.Factory producing Clients with opts. A
// construction error is reported as a Client whose Connect fails.
func Factory(opts Opts) connection.Factory {
	return func() connection.Conn {
		c, err := New(opts)
		if err != nil {
			return &failedConn{err: err, events: make(chan connection.Event)}
		}
		return c
	}
}

// Events implements connection.Conn.
func (c *Client) Events() <-chan connection.Event { return c.events }

// Connect dials the sidecar and asks it to start a session, offering the
// blob at opts.RestorePath when set.
func (c *Client) Connect(ctx context.Context, opts connection.ConnectOptions) error {
	params := map[string]any{"client_id": c.clientID}
	if opts.RestorePath != "" {
		raw, err := os.ReadFile(opts.RestorePath)
		if err != nil {
			return fmt.Errorf("bridge: read restore file: %w", err)
		}
		params["session"] = base64.StdEncoding.EncodeToString(raw)
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return connection.ErrNotConnected
	}
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("bridge: already connected")
	}
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("bridge: dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		conn.Close()
		return connection.ErrNotConnected
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)

	if err := c.call(ctx, "connect", params, nil); err != nil {
		var re *RemoteError
		if errors.As(err, &re) && re.Code == CodeCorruptSession {
			return fmt.Errorf("bridge: connect: %s: %w", re.Message, connection.ErrCorrupt)
		}
		return fmt.Errorf("bridge: connect: %w", err)
	}
	return nil
}

// SendMessage implements connection.Conn.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) error {
	return c.call(ctx, "send_message", map[string]any{"chat_id": chatID, "text": text}, nil)
}

// FetchMessages implements connection.Conn.
func (c *Client) FetchMessages(ctx context.Context, chatID string, limit int) ([]connection.ChatMessage, error) {
	var out []connection.ChatMessage
	if err := c.call(ctx, "fetch_messages", map[string]any{"chat_id": chatID, "limit": limit}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ContactName implements connection.Conn.
func (c *Client) ContactName(ctx context.Context, id string) (string, error) {
	var out struct {
		Name string `json:"name"`
	}
	if err := c.call(ctx, "contact_name", map[string]any{"id": id}, &out); err != nil {
		return "", err
	}
	return out.Name, nil
}

// JoinGroup implements connection.Conn.
func (c *Client) JoinGroup(ctx context.Context, inviteCode string) (string, error) {
	var out struct {
		GroupID string `json:"group_id"`
	}
	if err := c.call(ctx, "join_group", map[string]any{"invite_code": inviteCode}, &out); err != nil {
		return "", err
	}
	return out.GroupID, nil
}

// LeaveGroup implements connection.Conn.
func (c *Client) LeaveGroup(ctx context.Context, groupID string) error {
	return c.call(ctx, "leave_group", map[string]any{"group_id": groupID}, nil)
}

// Destroy closes the websocket and the event stream.
func (c *Client) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	conn := c.conn
	c.mu.Unlock()
	close(c.stop)

	if conn == nil {
		c.finish()
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "destroy"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := conn.Close()
	<-c.done
	return err
}

// finish closes the event stream and fails pending calls. It runs once.
func (c *Client) finish() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.events)
		close(c.done)
	})
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.destroyed {
		c.mu.Unlock()
		return connection.ErrNotConnected
	}
	id := uuid.NewString()
	ch := make(chan frame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	c.writeMu.Lock()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(dl)
	}
	err := conn.WriteJSON(frame{ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("bridge: %s: write: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("bridge: %s: %w", method, ctx.Err())
	case <-c.done:
		return fmt.Errorf("bridge: %s: %w", method, connection.ErrNotConnected)
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("bridge: %s: %w", method, connection.ErrNotConnected)
		}
		if resp.Error != nil {
			return resp.Error
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("bridge: %s: decode result: %w", method, err)
			}
		}
		return nil
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.finish()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			destroyed := c.destroyed
			c.mu.Unlock()
			if !destroyed {
				c.log.Warn().Err(err).Msg("sidecar connection lost")
				c.emit(connection.Event{Kind: connection.KindDisconnected, Reason: err.Error()})
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn().Err(err).Msg("malformed frame from sidecar")
			continue
		}
		if f.ID != "" {
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- f:
				default:
				}
			}
			continue
		}
		if f.Event != "" {
			c.handleEvent(f.Event, f.Data)
		}
	}
}

func (c *Client) handleEvent(kind string, data []byte) {
	switch connection.Kind(kind) {
	case connection.KindQR:
		c.emit(connection.Event{Kind: connection.KindQR, QR: gjson.GetBytes(data, "qr").String()})
	case connection.KindLoading:
		c.emit(connection.Event{Kind: connection.KindLoading, Percent: int(gjson.GetBytes(data, "percent").Int())})
	case connection.KindAuthenticated, connection.KindReady:
		c.emit(connection.Event{Kind: connection.Kind(kind)})
	case connection.KindDisconnected:
		c.emit(connection.Event{Kind: connection.KindDisconnected, Reason: gjson.GetBytes(data, "reason").String()})
	case connection.KindAuthFailure:
		msg := gjson.GetBytes(data, "error").String()
		c.emit(connection.Event{Kind: connection.KindAuthFailure, Err: errors.New(msg)})
	case connection.KindMessage:
		var m connection.ChatMessage
		if err := json.Unmarshal(data, &m); err != nil {
			c.log.Warn().Err(err).Msg("malformed message event")
			return
		}
		c.emit(connection.Event{Kind: connection.KindMessage, Message: &m})
	case "session":
		path, err := c.spool(gjson.GetBytes(data, "session").String())
		if err != nil {
			c.emit(connection.Event{Kind: connection.KindSaveError, Err: err})
			return
		}
		c.emit(connection.Event{Kind: connection.KindSaveRequested, Path: path})
	default:
		c.log.Debug().Str("event", kind).Msg("ignoring unknown sidecar event")
	}
}

// spool writes a base64 session blob to a new temp file in the data dir.
func (c *Client) spool(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("bridge: decode session blob: %w", err)
	}
	f, err := os.CreateTemp(c.dataDir, "session-*.bin")
	if err != nil {
		return "", fmt.Errorf("bridge: spool session: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("bridge: spool session: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("bridge: spool session: %w", err)
	}
	return f.Name(), nil
}

// emit delivers ev unless the client is being destroyed.
func (c *Client) emit(ev connection.Event) {
	select {
	case c.events <- ev:
	case <-c.stop:
	}
}

// failedConn reports a construction error from every call.
type failedConn struct {
	err    error
	once   sync.Once
	events chan connection.Event
}

func (f *failedConn) Connect(context.Context, connection.ConnectOptions) error { return f.err }
func (f *failedConn) Events() <-chan connection.Event                          { return f.events }
func (f *failedConn) SendMessage(context.Context, string, string) error        { return f.err }
func (f *failedConn) FetchMessages(context.Context, string, int) ([]connection.ChatMessage, error) {
	return nil, f.err
}
func (f *failedConn) ContactName(context.Context, string) (string, error) { return "", f.err }
func (f *failedConn) JoinGroup(context.Context, string) (string, error)   { return "", f.err }
func (f *failedConn) LeaveGroup(context.Context, string) error            { return f.err }
func (f *failedConn) Destroy() error {
	f.once.Do(func() { close(f.events) })
	return nil
}
