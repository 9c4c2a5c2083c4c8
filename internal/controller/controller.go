// Package controller owns the single live connection to the messaging
// network. Every lifecycle event, timer and operator action is fed through
// one channel into the pure Transition function; the loop goroutine is the
// only writer of controller state and the only code that creates or
// destroys connections.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/signalbox/internal/broadcast"
	"github.com/zulandar/signalbox/internal/connection"
	"github.com/zulandar/signalbox/internal/endpoint"
	"github.com/zulandar/signalbox/internal/logging"
	"github.com/zulandar/signalbox/internal/queue"
	"github.com/zulandar/signalbox/internal/sessionstore"
)

// DefaultSessionName is the logical session name used for the store.
const DefaultSessionName = "session"

// DefaultMaxSessionAge forces a fresh pairing for older persisted sessions.
const DefaultMaxSessionAge = 12 * time.Hour

// ErrStopped is returned by operations submitted after Run has returned.
var ErrStopped = errors.New("controller: stopped")

// ErrNotReady is returned by accessors that need a ready connection.
var ErrNotReady = errors.New("controller: connection not ready")

// Binder is the part of the endpoint selector the controller may use.
type Binder interface {
	Current() (endpoint.Endpoint, bool)
	Best(ctx context.Context) endpoint.Endpoint
	SetLock(locked bool)
}

// Work is the part of the request queue the controller drives.
type Work interface {
	Enqueue(req queue.Request) queue.Receipt
	Pause()
	Resume()
	Reset()
}

// Opts holds parameters for creating a Controller.
type Opts struct {
	ClientID        string
	SessionName     string
	Factory         connection.Factory
	Store           *sessionstore.Store
	Binder          Binder
	Sink            broadcast.Sink
	Policy          Policy
	MaxSessionAge   time.Duration
	MigrateOnSwitch bool
	DataDir         string // restore files are written here
	Now             func() time.Time
}

// Controller runs the connection lifecycle.
type Controller struct {
	opts   Opts
	policy Policy
	log    zerolog.Logger
	now    func() time.Time

	inputs  chan Input
	done    chan struct{}
	backlog []Input // follow-up inputs raised by effects, loop-only
	saves   sync.WaitGroup

	work Work // set by AttachQueue before Run

	mu     sync.RWMutex
	status Status
	conn   connection.Conn
}

// New creates a Controller in the disconnected state.
func New(opts Opts) (*Controller, error) {
	if opts.ClientID == "" {
		return nil, fmt.Errorf("controller: client id is required")
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("controller: connection factory is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("controller: session store is required")
	}
	if opts.Binder == nil {
		return nil, fmt.Errorf("controller: endpoint binder is required")
	}
	if opts.SessionName == "" {
		opts.SessionName = DefaultSessionName
	}
	if opts.Sink == nil {
		opts.Sink = broadcast.Nop{}
	}
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	if opts.MaxSessionAge == 0 {
		opts.MaxSessionAge = DefaultMaxSessionAge
	}
	if opts.DataDir == "" {
		opts.DataDir = os.TempDir()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		opts:   opts,
		policy: opts.Policy,
		log:    logging.Component("controller").With().Str("client", opts.ClientID).Logger(),
		now:    now,
		inputs: make(chan Input, 64),
		done:   make(chan struct{}),
		status: Status{State: StateDisconnected},
	}, nil
}

// AttachQueue wires the request queue. The queue is built after the
// controller because it reads chats through the controller's accessors.
func (c *Controller) AttachQueue(w Work) {
	c.work = w
	w.Pause()
}

// Run processes inputs until ctx is cancelled, then destroys the
// connection.
func (c *Controller) Run(ctx context.Context) error {
	defer func() {
		close(c.done)
		c.destroyConn()
		c.saves.Wait()
	}()
	c.log.Info().Msg("controller started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("controller stopping")
			return nil
		case in := <-c.inputs:
			c.step(ctx, in)
		}
	}
}

// step applies one input and every follow-up input its effects raise.
func (c *Controller) step(ctx context.Context, in Input) {
	pending := []Input{in}
	for len(pending) > 0 {
		in := pending[0]
		pending = pending[1:]
		if in.Now.IsZero() {
			in.Now = c.now()
		}

		c.mu.RLock()
		prev := c.status
		c.mu.RUnlock()

		next, effects := c.policy.Transition(prev, in)

		c.mu.Lock()
		c.status = next
		c.mu.Unlock()

		if next.State != prev.State {
			c.log.Info().Str("from", string(prev.State)).Str("to", string(next.State)).
				Str("input", string(in.Kind)).Msg("state transition")
		}
		for _, e := range effects {
			c.apply(ctx, e)
		}
		pending = append(pending, c.backlog...)
		c.backlog = c.backlog[:0]
	}
}

// followUp queues an input to be processed right after the current one.
// Only effects running on the loop goroutine may call it.
func (c *Controller) followUp(in Input) {
	c.backlog = append(c.backlog, in)
}

// submit hands an input to the loop. It returns false once Run has exited.
func (c *Controller) submit(in Input) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.inputs <- in:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) submitCtx(ctx context.Context, in Input) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.inputs <- in:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Initialize starts connecting. It is a no-op while a connection is live
// or in flight, and concurrent calls coalesce in the loop.
func (c *Controller) Initialize(ctx context.Context) error {
	return c.submitCtx(ctx, Input{Kind: InInitialize})
}

// ForceReauth discards the live connection and starts a fresh QR pairing.
// It also clears a QR-exhausted or connect-attempt cooldown.
func (c *Controller) ForceReauth(ctx context.Context) error {
	return c.submitCtx(ctx, Input{Kind: InForceReauth})
}

// EndpointChanged is the selector's change listener.
func (c *Controller) EndpointChanged(prev, next endpoint.Endpoint) {
	go c.submit(Input{Kind: InEndpointChanged, Prev: prev, Next: next})
}

// Status returns a snapshot of the state machine.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.status
	s.ConnectAttempts = append([]time.Time(nil), s.ConnectAttempts...)
	return s
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.State
}

// Ready reports whether the connection is ready.
func (c *Controller) Ready() bool {
	return c.State() == StateReady
}

// ---------------------------------------------------------------------------
// Effects
// ---------------------------------------------------------------------------

func (c *Controller) apply(ctx context.Context, e Effect) {
	switch e.Kind {
	case EffConnect:
		c.connect(ctx, e.Epoch, e.Force, e.Reason)
	case EffDestroy:
		c.destroyConn()
	case EffSchedule:
		in := Input{Kind: e.Input, Epoch: e.Epoch}
		time.AfterFunc(e.After, func() { c.submit(in) })
		c.log.Debug().Str("input", string(e.Input)).Dur("after", e.After).Msg("timer scheduled")
	case EffEmit:
		ev := e.Event
		if ev.ClientID == "" {
			ev.ClientID = c.opts.ClientID
		}
		c.opts.Sink.Publish(ctx, ev)
	case EffLock:
		c.opts.Binder.SetLock(true)
	case EffUnlock:
		c.opts.Binder.SetLock(false)
	case EffQueueResume:
		if c.work != nil {
			c.work.Resume()
		}
	case EffQueuePause:
		if c.work != nil {
			c.work.Pause()
		}
	case EffQueueReset:
		if c.work != nil {
			c.work.Reset()
		}
	case EffPurgeSession:
		if err := c.boundStore().Delete(ctx, c.opts.SessionName); err != nil {
			c.log.Error().Err(err).Msg("purge corrupt session")
		}
	case EffSaveSession:
		c.saveSession(ctx, e.Path)
	case EffEnqueue:
		if c.work == nil {
			c.log.Warn().Str("group", e.Request.GroupID).Msg("command dropped, no queue attached")
			return
		}
		c.work.Enqueue(e.Request)
	case EffRebind:
		c.rebind(ctx, e.Prev, e.Next)
	}
}

// boundStore returns a store handle scoped to the currently bound endpoint.
func (c *Controller) boundStore() *sessionstore.Store {
	ep, _ := c.opts.Binder.Current()
	return c.opts.Store.WithEndpoint(ep.Name)
}

// connect builds a fresh connection for epoch, restoring the persisted
// session unless re-authentication is forced.
func (c *Controller) connect(ctx context.Context, epoch uint64, force bool, reason string) {
	c.destroyConn()
	if _, ok := c.opts.Binder.Current(); !ok {
		c.opts.Binder.Best(ctx)
	}
	st := c.boundStore()

	if !force {
		force, reason = c.sessionTooOld(ctx, st)
	}

	var restore string
	if force {
		c.log.Info().Str("reason", reason).Str("endpoint", st.EndpointID()).Msg("forcing re-authentication")
		if err := st.Delete(ctx, c.opts.SessionName); err != nil {
			c.log.Error().Err(err).Msg("delete session before re-authentication")
		}
	} else {
		path, err := c.restoreSession(ctx, st)
		if err != nil {
			if sessionstore.IsCorrupt(err) {
				c.followUp(Input{Kind: InSessionError, Epoch: epoch, Err: err})
				return
			}
			c.log.Warn().Err(err).Msg("session restore failed, pairing fresh")
		}
		restore = path
	}
	if restore != "" {
		defer removeFile(restore, c.log)
	}

	conn := c.opts.Factory()
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.pump(conn, epoch)

	c.log.Info().Uint64("epoch", epoch).Bool("restore", restore != "").Str("endpoint", st.EndpointID()).
		Msg("connecting")
	if err := conn.Connect(ctx, connection.ConnectOptions{RestorePath: restore}); err != nil {
		c.followUp(Input{Kind: InSessionError, Epoch: epoch, Err: fmt.Errorf("controller: connect: %w", err)})
	}
}

// sessionTooOld reports whether the persisted session predates MaxSessionAge.
func (c *Controller) sessionTooOld(ctx context.Context, st *sessionstore.Store) (bool, string) {
	rec, err := st.Stat(ctx, c.opts.SessionName)
	if err != nil {
		if !errors.Is(err, sessionstore.ErrNotFound) {
			c.log.Warn().Err(err).Msg("session stat failed")
		}
		return false, ""
	}
	if rec.Owner() != st.EndpointID() {
		return false, ""
	}
	if age := c.now().Sub(rec.UpdatedAt); age > c.opts.MaxSessionAge {
		c.log.Info().Dur("age", age).Dur("max", c.opts.MaxSessionAge).Msg("persisted session too old")
		return true, "session_age"
	}
	return false, ""
}

// restoreSession extracts the persisted session into a temp file. It
// returns "" with no error when there is nothing to restore.
func (c *Controller) restoreSession(ctx context.Context, st *sessionstore.Store) (string, error) {
	ok, err := st.Exists(ctx, c.opts.SessionName)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	f, err := os.CreateTemp(c.opts.DataDir, "restore-*.bin")
	if err != nil {
		return "", fmt.Errorf("controller: create restore file: %w", err)
	}
	path := f.Name()
	err = st.Extract(ctx, c.opts.SessionName, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("controller: close restore file: %w", cerr)
	}
	if err != nil {
		removeFile(path, c.log)
		return "", err
	}
	c.opts.Sink.Publish(ctx, broadcast.Event{
		Type: broadcast.TypeSession, ClientID: c.opts.ClientID, Severity: broadcast.SeverityInfo,
		Message: "session restored", Data: map[string]any{"endpoint": st.EndpointID()}, Time: c.now(),
	})
	return path, nil
}

// pump forwards one connection's events to the loop, stamped with its epoch.
func (c *Controller) pump(conn connection.Conn, epoch uint64) {
	for ev := range conn.Events() {
		if !c.submit(inputFromEvent(ev, epoch)) {
			return
		}
	}
}

func inputFromEvent(ev connection.Event, epoch uint64) Input {
	in := Input{Epoch: epoch}
	switch ev.Kind {
	case connection.KindQR:
		in.Kind, in.QR = InQR, ev.QR
	case connection.KindLoading:
		in.Kind, in.Percent = InLoading, ev.Percent
	case connection.KindAuthenticated:
		in.Kind = InAuthenticated
	case connection.KindReady:
		in.Kind = InReady
	case connection.KindDisconnected:
		in.Kind, in.Reason = InDisconnected, ev.Reason
	case connection.KindAuthFailure:
		in.Kind, in.Err = InAuthFailure, ev.Err
	case connection.KindSaveRequested:
		in.Kind, in.Path = InSaveRequested, ev.Path
	case connection.KindSaved:
		in.Kind = InSaved
	case connection.KindSaveError:
		in.Kind, in.Err = InSaveError, ev.Err
	case connection.KindMessage:
		in.Kind, in.Message = InMessage, ev.Message
	default:
		in.Kind = InputKind(ev.Kind)
	}
	return in
}

func (c *Controller) destroyConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Destroy(); err != nil {
		c.log.Warn().Err(err).Msg("destroy connection")
	}
}

// saveSession persists the blob at path off the loop and reports the
// outcome as a saved or save_error input.
func (c *Controller) saveSession(ctx context.Context, path string) {
	st := c.boundStore()
	c.saves.Add(1)
	go func() {
		defer c.saves.Done()
		defer removeFile(path, c.log)

		raw, err := os.ReadFile(path)
		if err == nil {
			err = st.Save(ctx, c.opts.SessionName, raw)
		}
		if err != nil {
			c.log.Error().Err(err).Str("endpoint", st.EndpointID()).Msg("session save failed")
			c.submit(Input{Kind: InSaveError, Err: err})
			return
		}
		c.log.Info().Int("bytes", len(raw)).Str("endpoint", st.EndpointID()).Msg("session saved")
		c.submit(Input{Kind: InSaved})
	}()
}

// rebind follows an endpoint change. With MigrateOnSwitch the session
// owned by the previous endpoint is reassigned to the new one.
func (c *Controller) rebind(ctx context.Context, prev, next endpoint.Endpoint) {
	c.log.Info().Str("from", prev.Name).Str("to", next.Name).Msg("endpoint changed")
	if !c.opts.MigrateOnSwitch || prev.Name == "" || prev.Name == next.Name {
		return
	}
	old := c.opts.Store.WithEndpoint(prev.Name)
	rec, err := old.Stat(ctx, c.opts.SessionName)
	if err != nil {
		if !errors.Is(err, sessionstore.ErrNotFound) {
			c.log.Warn().Err(err).Msg("stat session for migration")
		}
		return
	}
	if rec.Owner() != prev.Name {
		return
	}
	if err := old.Migrate(ctx, rec.SessionID, next.Name); err != nil {
		c.log.Error().Err(err).Msg("migrate session on endpoint switch")
		return
	}
	c.opts.Sink.Publish(ctx, broadcast.Event{
		Type: broadcast.TypeSession, ClientID: c.opts.ClientID, Severity: broadcast.SeverityInfo,
		Message: "session migrated", Data: map[string]any{"from": prev.Name, "to": next.Name}, Time: c.now(),
	})
}

func removeFile(path string, log zerolog.Logger) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("path", path).Msg("remove temp file")
	}
}
