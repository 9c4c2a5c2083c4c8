package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/signalbox/internal/logging"
)

// DefaultBuffer is the queue depth of an Async sink.
const DefaultBuffer = 128

// DeliverFunc sends one event to a remote system.
type DeliverFunc func(ctx context.Context, ev Event) error

// Async turns a blocking DeliverFunc into a Sink. Events are delivered in
// order by one goroutine; when the buffer is full new events are dropped.
type Async struct {
	name    string
	deliver DeliverFunc
	filter  func(Event) bool
	timeout time.Duration
	log     zerolog.Logger

	mu     sync.Mutex
	ch     chan Event
	closed bool
	done   chan struct{}
}

// AsyncOpts configures NewAsync.
type AsyncOpts struct {
	Name    string
	Deliver DeliverFunc
	Filter  func(Event) bool // nil accepts every event
	Buffer  int
	Timeout time.Duration // per-delivery bound, default 10s
}

// NewAsync starts the delivery goroutine. Call Close to stop it.
func NewAsync(opts AsyncOpts) *Async {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	a := &Async{
		name:    opts.Name,
		deliver: opts.Deliver,
		filter:  opts.Filter,
		timeout: opts.Timeout,
		log:     logging.Component("broadcast").With().Str("sink", opts.Name).Logger(),
		ch:      make(chan Event, opts.Buffer),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Publish implements Sink.
func (a *Async) Publish(_ context.Context, ev Event) {
	if a.filter != nil && !a.filter(ev) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- ev:
	default:
		a.log.Warn().Str("type", string(ev.Type)).Msg("broadcast buffer full, dropping event")
	}
}

// Close drains queued events and stops the goroutine.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.ch)
	a.mu.Unlock()
	<-a.done
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.deliver(ctx, ev); err != nil {
			a.log.Warn().Err(err).Str("type", string(ev.Type)).Msg("broadcast delivery failed")
		}
		cancel()
	}
}

// MinSeverity returns a filter accepting events at or above severity, plus
// every QR event.
func MinSeverity(severity string) func(Event) bool {
	min := SeverityRank(severity)
	return func(ev Event) bool {
		return ev.Type == TypeQR || SeverityRank(ev.Severity) >= min
	}
}
