package sessionstore

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// GC periodically purges sessions that have not been accessed within the
// retention window.
type GC struct {
	store     *Store
	retention time.Duration
	cron      *cron.Cron
}

// NewGC schedules PurgeStale on the given cron expression. Call Start to run it.
func NewGC(store *Store, expr string, retention time.Duration) (*GC, error) {
	if store == nil {
		return nil, fmt.Errorf("sessionstore: gc: store is required")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("sessionstore: gc: retention must be positive")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: gc: parse %q: %w", expr, err)
	}
	g := &GC{
		store:     store,
		retention: retention,
		cron:      cron.New(cron.WithParser(cronParser)),
	}
	g.cron.Schedule(sched, cron.FuncJob(func() { g.RunOnce(context.Background()) }))
	return g, nil
}

// RunOnce performs a single sweep and returns how many sessions were purged.
func (g *GC) RunOnce(ctx context.Context) int {
	n, err := g.store.PurgeStale(ctx, g.retention)
	if err != nil {
		g.store.log.Error().Err(err).Msg("session gc sweep failed")
	}
	return n
}

// Start runs the schedule until ctx is cancelled.
func (g *GC) Start(ctx context.Context) {
	g.cron.Start()
	go func() {
		<-ctx.Done()
		<-g.cron.Stop().Done()
	}()
}

// Next returns the next scheduled sweep time.
func (g *GC) Next() time.Time {
	entries := g.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Schedule.Next(time.Now())
}
