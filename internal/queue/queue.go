// Package queue serializes inbound bot commands into a single-flight work
// queue. One worker goroutine processes entries FIFO across all groups; no
// two executions ever overlap.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zulandar/signalbox/internal/broadcast"
	"github.com/zulandar/signalbox/internal/connection"
	"github.com/zulandar/signalbox/internal/endpoint"
	"github.com/zulandar/signalbox/internal/logging"
	"github.com/zulandar/signalbox/internal/responder"
)

// Defaults.
const (
	DefaultMinCommandInterval  = 3 * time.Second
	DefaultMaxQueueSize        = 10
	DefaultInterRequestDelay   = time.Second
	DefaultHistoryFetch        = 50
	DefaultHistoryWindow       = 30
	DefaultMaxCachedMessages   = 30
	DefaultMaxCachedGroups     = 5
	DefaultEstimatedPerRequest = 15 * time.Second
	DefaultRequestTimeout      = 120 * time.Second
	DefaultReplyTimeout        = 15 * time.Second
	DefaultBotName             = "Assistant"
)

// User-facing replies.
const (
	ReplyTooFast   = "Slow down a little, please wait a few seconds before sending another command."
	ReplyQueueFull = "I'm handling too many requests right now. Please try again in a minute."
	ReplyPaused    = "I'm reconnecting right now. Please try again shortly."
	ReplyApology   = "Sorry, something went wrong while processing your request. Please try again."
)

// Chat is the slice of the live connection the queue may use. The
// controller's mediated accessors implement it.
type Chat interface {
	FetchMessages(ctx context.Context, chatID string, limit int) ([]connection.ChatMessage, error)
	ContactName(ctx context.Context, id string) (string, error)
	SendMessage(ctx context.Context, chatID, text string) error
}

// Generator calls the downstream response API.
type Generator interface {
	Generate(ctx context.Context, baseURL string, req responder.Request, search bool) (responder.Result, error)
}

// EndpointPicker resolves the endpoint a call should go to.
type EndpointPicker interface {
	Best(ctx context.Context) endpoint.Endpoint
}

// Request is an inbound command awaiting admission.
type Request struct {
	GroupID    string
	GroupName  string
	Sender     string
	SenderName string
	Prompt     string
	IsSearch   bool
	Timestamp  time.Time
}

// Entry is one admitted unit of work.
type Entry struct {
	Request
	RequestID  string
	EnqueuedAt time.Time
}

// Status is the admission outcome of Enqueue.
type Status string

const (
	StatusStarted     Status = "started"
	StatusQueued      Status = "queued"
	StatusRateLimited Status = "rate_limited"
	StatusFull        Status = "full"
	StatusPaused      Status = "paused"
)

// Receipt reports what Enqueue did with a request.
type Receipt struct {
	Status        Status
	RequestID     string
	Position      int // 1 is the entry being processed
	EstimatedWait time.Duration
}

// Accepted reports whether the request was admitted.
func (r Receipt) Accepted() bool {
	return r.Status == StatusStarted || r.Status == StatusQueued
}

// Opts holds parameters for creating a Queue. Zero durations and counts
// take the package defaults; a negative MinCommandInterval or
// InterRequestDelay disables it.
type Opts struct {
	Chat        Chat
	Generator   Generator
	Endpoints   EndpointPicker
	FallbackURL string // used when the picker yields no URL
	Sink        broadcast.Sink

	MinCommandInterval  time.Duration
	MaxQueueSize        int
	InterRequestDelay   time.Duration
	HistoryFetch        int
	HistoryWindow       int
	MaxCachedMessages   int
	MaxCachedGroups     int
	EstimatedPerRequest time.Duration
	RequestTimeout      time.Duration
	ReplyTimeout        time.Duration
	BotName             string

	Now func() time.Time
}

// Queue is the single-flight request queue.
type Queue struct {
	opts  Opts
	cache *dedupCache
	log   zerolog.Logger
	now   func() time.Time

	ctx     context.Context
	stop    context.CancelFunc
	replies sync.WaitGroup
	worker  sync.WaitGroup

	mu           sync.Mutex
	entries      []Entry
	running      bool
	paused       bool
	gen          uint64
	lastAccepted time.Time
	cancelRun    context.CancelFunc
}

// New creates a Queue. The queue accepts work immediately; call Pause to
// gate intake until the connection is ready.
func New(opts Opts) (*Queue, error) {
	if opts.Chat == nil {
		return nil, fmt.Errorf("queue: chat is required")
	}
	if opts.Generator == nil {
		return nil, fmt.Errorf("queue: generator is required")
	}
	if opts.Endpoints == nil && opts.FallbackURL == "" {
		return nil, fmt.Errorf("queue: endpoint picker or fallback url is required")
	}
	if opts.Sink == nil {
		opts.Sink = broadcast.Nop{}
	}
	if opts.MinCommandInterval == 0 {
		opts.MinCommandInterval = DefaultMinCommandInterval
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = DefaultMaxQueueSize
	}
	if opts.InterRequestDelay == 0 {
		opts.InterRequestDelay = DefaultInterRequestDelay
	}
	if opts.HistoryFetch <= 0 {
		opts.HistoryFetch = DefaultHistoryFetch
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = DefaultHistoryWindow
	}
	if opts.MaxCachedMessages <= 0 {
		opts.MaxCachedMessages = DefaultMaxCachedMessages
	}
	if opts.MaxCachedGroups <= 0 {
		opts.MaxCachedGroups = DefaultMaxCachedGroups
	}
	if opts.EstimatedPerRequest <= 0 {
		opts.EstimatedPerRequest = DefaultEstimatedPerRequest
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	if opts.BotName == "" {
		opts.BotName = DefaultBotName
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Queue{
		opts:  opts,
		cache: newDedupCache(opts.MaxCachedMessages, opts.MaxCachedGroups),
		log:   logging.Component("queue"),
		now:   now,
		ctx:   ctx,
		stop:  stop,
	}, nil
}

// Enqueue admits req or rejects it. Every outcome sends a reply to the
// group except StatusStarted, whose reply is the generated answer itself.
func (q *Queue) Enqueue(req Request) Receipt {
	now := q.now()

	q.mu.Lock()
	var rc Receipt
	switch {
	case q.paused:
		rc.Status = StatusPaused
	case !q.lastAccepted.IsZero() && now.Sub(q.lastAccepted) < q.opts.MinCommandInterval:
		rc.Status = StatusRateLimited
	case len(q.entries) >= q.opts.MaxQueueSize:
		rc.Status = StatusFull
	default:
		e := Entry{Request: req, RequestID: uuid.NewString(), EnqueuedAt: now}
		q.entries = append(q.entries, e)
		q.lastAccepted = now
		rc.RequestID = e.RequestID
		rc.Position = len(q.entries)
		rc.EstimatedWait = time.Duration(rc.Position-1) * q.opts.EstimatedPerRequest
		rc.Status = StatusQueued
		if !q.running {
			q.running = true
			rc.Status = StatusStarted
			q.worker.Add(1)
			go q.run()
		}
	}
	depth := len(q.entries)
	q.mu.Unlock()

	l := q.log.With().Str("group", req.GroupID).Str("sender", req.Sender).Str("status", string(rc.Status)).Logger()
	switch rc.Status {
	case StatusPaused:
		l.Info().Msg("command rejected, queue paused")
		q.reply(req.GroupID, ReplyPaused)
	case StatusRateLimited:
		l.Info().Msg("command rejected, rate limited")
		q.reply(req.GroupID, ReplyTooFast)
	case StatusFull:
		l.Warn().Int("depth", depth).Msg("command rejected, queue full")
		q.reply(req.GroupID, ReplyQueueFull)
		q.publish(broadcast.SeverityWarning, "queue full", map[string]any{"depth": depth, "max": q.opts.MaxQueueSize})
	case StatusQueued:
		l.Info().Str("request_id", rc.RequestID).Int("position", rc.Position).Msg("command queued")
		q.reply(req.GroupID, positionText(rc))
		q.publish(broadcast.SeverityInfo, "request queued", map[string]any{
			"request_id": rc.RequestID, "group": req.GroupName, "position": rc.Position, "depth": depth,
		})
	case StatusStarted:
		l.Info().Str("request_id", rc.RequestID).Msg("command started")
	}
	return rc
}

func positionText(rc Receipt) string {
	return fmt.Sprintf("You're #%d in line. Estimated wait: about %s.", rc.Position, formatWait(rc.EstimatedWait))
}

func formatWait(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	}
	m := int(d.Round(time.Minute).Minutes())
	if m == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", m)
}

// run is the worker loop. It always works on the head entry and pops it
// only if no Reset happened meanwhile.
func (q *Queue) run() {
	defer q.worker.Done()
	for {
		q.mu.Lock()
		if len(q.entries) == 0 || q.ctx.Err() != nil {
			q.running = false
			q.mu.Unlock()
			return
		}
		e := q.entries[0]
		gen := q.gen
		ctx, cancel := context.WithTimeout(q.ctx, q.opts.RequestTimeout)
		q.cancelRun = cancel
		q.mu.Unlock()

		out, err := q.execute(ctx, e)
		cancel()

		q.mu.Lock()
		current := q.gen == gen
		if current {
			q.entries = q.entries[1:]
		}
		q.cancelRun = nil
		more := len(q.entries) > 0
		q.mu.Unlock()

		q.finish(e, out, err, current)

		if !more {
			continue
		}
		select {
		case <-q.ctx.Done():
		case <-time.After(q.opts.InterRequestDelay):
		}
	}
}

// finish delivers the outcome of one execution. Results of executions
// that were reset midway are discarded silently.
func (q *Queue) finish(e Entry, out outcome, err error, current bool) {
	l := q.log.With().Str("request_id", e.RequestID).Str("group", e.GroupID).Logger()
	if !current {
		l.Info().Msg("execution discarded after reset")
		return
	}
	if err != nil {
		l.Error().Err(err).Msg("execution failed")
		q.reply(e.GroupID, ReplyApology)
		q.publish(broadcast.SeverityError, "request failed", map[string]any{
			"request_id": e.RequestID, "group": e.GroupName, "error": err.Error(),
		})
		return
	}
	q.cache.commit(e.GroupID, out.fingerprints)
	l.Info().Str("endpoint", out.endpoint).Str("source", out.result.Source).
		Int("new_messages", out.newMessages).Msg("execution completed")
	q.publish(broadcast.SeveritySuccess, "request completed", map[string]any{
		"request_id": e.RequestID, "group": e.GroupName, "endpoint": out.endpoint,
	})
}

// reply sends text to a chat without blocking the caller.
func (q *Queue) reply(chatID, text string) {
	q.replies.Add(1)
	go func() {
		defer q.replies.Done()
		ctx, cancel := context.WithTimeout(q.ctx, q.opts.ReplyTimeout)
		defer cancel()
		if err := q.opts.Chat.SendMessage(ctx, chatID, text); err != nil {
			q.log.Warn().Err(err).Str("group", chatID).Msg("reply failed")
		}
	}()
}

func (q *Queue) publish(severity, msg string, data map[string]any) {
	q.opts.Sink.Publish(q.ctx, broadcast.New(broadcast.TypeQueue, severity, msg, data))
}

// Reset drops pending entries, cancels the in-flight execution and clears
// the dedup cache. The worker, if running, notices on its own and goes
// idle; its cancelled result is discarded without an apology.
func (q *Queue) Reset() {
	q.mu.Lock()
	dropped := len(q.entries)
	q.entries = nil
	q.gen++
	if q.cancelRun != nil {
		q.cancelRun()
	}
	q.lastAccepted = time.Time{}
	q.mu.Unlock()
	q.cache.clear()
	if dropped > 0 {
		q.log.Info().Int("dropped", dropped).Msg("queue reset")
	}
}

// Pause rejects new requests until Resume.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume reopens intake.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
}

// Paused reports whether intake is gated.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Len returns the number of entries, including the one being processed.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Busy reports whether the worker is active.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Pending returns a copy of the queued entries in order.
func (q *Queue) Pending() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Entry(nil), q.entries...)
}

// Close stops the worker after its current execution and waits for
// outstanding replies.
func (q *Queue) Close() {
	q.stop()
	q.worker.Wait()
	q.replies.Wait()
}
