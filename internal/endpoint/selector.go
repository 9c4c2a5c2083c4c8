// Package endpoint chooses the backend endpoint that outbound API calls are
// routed to. Selection weighs live load and latency against a stability lock
// that keeps an active session from migrating mid-conversation.
package endpoint

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/signalbox/internal/logging"
)

// Defaults for selector tunables.
const (
	DefaultMaxConsecutiveFailures = 3
	DefaultFailureCooldown        = 60 * time.Second
	DefaultLockDuration           = 5 * time.Minute
	DefaultMaxChanges             = 3
	DefaultChangeWindow           = 10 * time.Minute
)

// Endpoint is one configured backend.
type Endpoint struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Priority int    `json:"priority"`
}

// Health is the selector's view of one endpoint.
type Health struct {
	Endpoint
	ActiveCount         int       `json:"active_count"`
	QueuedCount         int       `json:"queued_count"`
	MaxConcurrent       int       `json:"max_concurrent"`
	LatencyMs           int64     `json:"latency_ms"`
	Available           bool      `json:"available"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastChecked         time.Time `json:"last_checked"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

// LockState describes the stability lock.
type LockState struct {
	Locked       bool          `json:"locked"`
	LockStart    time.Time     `json:"lock_start"`
	LockDuration time.Duration `json:"lock_duration"`
	ChangeCount  int           `json:"change_count"`
	MaxChanges   int           `json:"max_changes"`
}

// Snapshot is a point-in-time copy of selector state.
type Snapshot struct {
	Current   string    `json:"current"`
	Lock      LockState `json:"lock"`
	Endpoints []Health  `json:"endpoints"`
}

// ChangeFunc is called after the bound endpoint changes. prev is zero on the
// first binding.
type ChangeFunc func(prev, next Endpoint)

// Opts holds parameters for creating a Selector.
type Opts struct {
	Endpoints              []Endpoint
	Client                 *http.Client
	ProbeTimeout           time.Duration
	MaxConsecutiveFailures int
	FailureCooldown        time.Duration
	LockDuration           time.Duration
	MaxChanges             int
	ChangeWindow           time.Duration
	Now                    func() time.Time
}

// Selector tracks endpoint health and the current binding. It is safe for
// concurrent use.
type Selector struct {
	endpoints    []Endpoint
	client       *http.Client
	probeTimeout time.Duration
	maxFailures  int
	cooldown     time.Duration
	changeWindow time.Duration
	now          func() time.Time
	log          zerolog.Logger

	mu          sync.Mutex
	health      map[string]*Health
	current     string
	lock        LockState
	windowStart time.Time
	listeners   []ChangeFunc
}

// New creates a Selector. At least one endpoint is required.
func New(opts Opts) (*Selector, error) {
	if len(opts.Endpoints) == 0 {
		return nil, fmt.Errorf("endpoint: at least one endpoint is required")
	}
	seen := make(map[string]bool)
	for _, e := range opts.Endpoints {
		if e.Name == "" || e.URL == "" {
			return nil, fmt.Errorf("endpoint: name and url are required")
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("endpoint: duplicate endpoint %q", e.Name)
		}
		seen[e.Name] = true
	}

	s := &Selector{
		endpoints:    append([]Endpoint(nil), opts.Endpoints...),
		client:       opts.Client,
		probeTimeout: opts.ProbeTimeout,
		maxFailures:  opts.MaxConsecutiveFailures,
		cooldown:     opts.FailureCooldown,
		changeWindow: opts.ChangeWindow,
		now:          opts.Now,
		log:          logging.Component("endpoint"),
		health:       make(map[string]*Health, len(opts.Endpoints)),
	}
	if s.client == nil {
		s.client = &http.Client{}
	}
	if s.probeTimeout <= 0 {
		s.probeTimeout = DefaultProbeTimeout
	}
	if s.maxFailures <= 0 {
		s.maxFailures = DefaultMaxConsecutiveFailures
	}
	if s.cooldown <= 0 {
		s.cooldown = DefaultFailureCooldown
	}
	if s.changeWindow <= 0 {
		s.changeWindow = DefaultChangeWindow
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.lock.LockDuration = opts.LockDuration
	if s.lock.LockDuration <= 0 {
		s.lock.LockDuration = DefaultLockDuration
	}
	s.lock.MaxChanges = opts.MaxChanges
	if s.lock.MaxChanges <= 0 {
		s.lock.MaxChanges = DefaultMaxChanges
	}
	for _, e := range s.endpoints {
		s.health[e.Name] = &Health{Endpoint: e, Available: true}
	}
	return s, nil
}

// OnChange registers fn to be called whenever the binding changes.
func (s *Selector) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Current returns the bound endpoint, or false if none is bound yet.
func (s *Selector) Current() (Endpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == "" {
		return Endpoint{}, false
	}
	return s.health[s.current].Endpoint, true
}

// SetLock engages or releases the stability lock. Engaging starts a new
// lock window.
func (s *Selector) SetLock(locked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if locked {
		s.lock.Locked = true
		s.lock.LockStart = s.now()
		s.log.Info().Str("endpoint", s.current).Dur("duration", s.lock.LockDuration).Msg("endpoint lock engaged")
		return
	}
	if s.lock.Locked {
		s.log.Info().Str("endpoint", s.current).Msg("endpoint lock released")
	}
	s.lock.Locked = false
	s.lock.LockStart = time.Time{}
}

// Lock returns a copy of the lock state, expiring the lock first if its
// window has elapsed.
func (s *Selector) Lock() LockState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLockLocked()
	return s.lock
}

// Snapshot returns a copy of the current health and lock state.
func (s *Selector) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Current: s.current, Lock: s.lock}
	for _, e := range s.endpoints {
		snap.Endpoints = append(snap.Endpoints, *s.health[e.Name])
	}
	return snap
}

// lockActiveLocked reports whether the lock holds at now.
func (s *Selector) lockActiveLocked(now time.Time) bool {
	return s.lock.Locked && now.Sub(s.lock.LockStart) < s.lock.LockDuration
}

// expireLockLocked clears an elapsed lock and resets the change counter.
func (s *Selector) expireLockLocked() {
	now := s.now()
	if s.lock.Locked && !s.lockActiveLocked(now) {
		s.lock.Locked = false
		s.lock.LockStart = time.Time{}
		s.lock.ChangeCount = 0
		s.windowStart = now
		s.log.Info().Str("endpoint", s.current).Msg("endpoint lock expired")
	}
	if !s.windowStart.IsZero() && now.Sub(s.windowStart) >= s.changeWindow {
		s.lock.ChangeCount = 0
		s.windowStart = now
	}
}

// excludedLocked reports whether h may not be selected at now.
func (s *Selector) excludedLocked(h *Health, now time.Time) bool {
	return !h.Available || now.Before(h.CooldownUntil)
}

// Best returns the endpoint to route the next call to. It never fails: when
// no endpoint is usable the first configured endpoint is returned.
func (s *Selector) Best(ctx context.Context) Endpoint {
	s.mu.Lock()
	s.expireLockLocked()
	now := s.now()

	if s.current != "" && s.lockActiveLocked(now) {
		cur := s.health[s.current].Endpoint
		s.mu.Unlock()

		s.Check(ctx, cur.Name)

		s.mu.Lock()
		if !s.excludedLocked(s.health[cur.Name], s.now()) {
			s.mu.Unlock()
			return cur
		}
		s.log.Warn().Str("endpoint", cur.Name).Msg("locked endpoint unhealthy, releasing lock")
		s.lock.Locked = false
		s.lock.LockStart = time.Time{}
	}

	if s.current != "" && s.lock.ChangeCount >= s.lock.MaxChanges {
		s.lock.Locked = true
		s.lock.LockStart = now
		cur := s.health[s.current].Endpoint
		changes := s.lock.ChangeCount
		s.mu.Unlock()
		s.log.Warn().Str("endpoint", cur.Name).Int("changes", changes).
			Msg("endpoint change limit reached, locking")
		return cur
	}
	s.mu.Unlock()

	s.CheckAll(ctx)

	s.mu.Lock()
	winner := s.rankLocked(s.now())
	prev := s.current
	var listeners []ChangeFunc
	var prevEP Endpoint
	if winner.Name != prev {
		if prev != "" {
			prevEP = s.health[prev].Endpoint
			if s.windowStart.IsZero() {
				s.windowStart = s.now()
			}
			s.lock.ChangeCount++
		}
		s.current = winner.Name
		listeners = append(listeners, s.listeners...)
	}
	s.mu.Unlock()

	if len(listeners) > 0 {
		s.log.Info().Str("from", prev).Str("to", winner.Name).Msg("endpoint changed")
		for _, fn := range listeners {
			fn(prevEP, winner)
		}
	}
	return winner
}

// rankLocked orders the usable endpoints and returns the winner.
func (s *Selector) rankLocked(now time.Time) Endpoint {
	var usable []*Health
	for _, e := range s.endpoints {
		h := s.health[e.Name]
		if !s.excludedLocked(h, now) {
			usable = append(usable, h)
		}
	}
	if len(usable) == 0 {
		s.log.Warn().Str("fallback", s.endpoints[0].Name).Msg("no endpoint available, using first configured")
		return s.endpoints[0]
	}
	cur := s.current
	sort.SliceStable(usable, func(i, j int) bool {
		a, b := usable[i], usable[j]
		if (a.Name == cur) != (b.Name == cur) {
			return a.Name == cur
		}
		if a.ActiveCount != b.ActiveCount {
			return a.ActiveCount < b.ActiveCount
		}
		if a.QueuedCount != b.QueuedCount {
			return a.QueuedCount < b.QueuedCount
		}
		if a.LatencyMs != b.LatencyMs {
			return a.LatencyMs < b.LatencyMs
		}
		return a.Priority < b.Priority
	})
	return usable[0].Endpoint
}

// Check probes a single endpoint and records the outcome.
func (s *Selector) Check(ctx context.Context, name string) Health {
	s.mu.Lock()
	h, ok := s.health[name]
	if !ok {
		s.mu.Unlock()
		return Health{}
	}
	url := h.URL
	s.mu.Unlock()

	st, latency, err := probe(ctx, s.client, url, s.probeTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	h.LastChecked = now
	if err != nil {
		h.Available = false
		h.ConsecutiveFailures++
		h.LastError = err.Error()
		if h.ConsecutiveFailures >= s.maxFailures {
			h.CooldownUntil = now.Add(s.cooldown)
		}
		s.log.Warn().Err(err).Str("endpoint", name).Int("failures", h.ConsecutiveFailures).Msg("endpoint probe failed")
		return *h
	}
	h.Available = true
	h.ConsecutiveFailures = 0
	h.LastError = ""
	h.ActiveCount = st.ActiveCount
	h.QueuedCount = st.QueuedCount
	h.MaxConcurrent = st.MaxConcurrent
	h.LatencyMs = latency.Milliseconds()
	return *h
}

// CheckAll probes every endpoint concurrently.
func (s *Selector) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, e := range s.endpoints {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			s.Check(ctx, name)
		}(e.Name)
	}
	wg.Wait()
}

// Poll refreshes health every interval and passes each snapshot to fn. It
// does not change the binding. Poll blocks until ctx is cancelled.
func (s *Selector) Poll(ctx context.Context, interval time.Duration, fn func(Snapshot)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckAll(ctx)
			if fn != nil {
				fn(s.Snapshot())
			}
		}
	}
}
