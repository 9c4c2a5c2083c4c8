package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/zulandar/signalbox/internal/connection"
	"github.com/zulandar/signalbox/internal/responder"
)

// outcome is what a successful execution leaves for the worker to commit.
type outcome struct {
	result       responder.Result
	endpoint     string
	fingerprints []string
	newMessages  int
}

// execute runs one entry: history window, name resolution, delta against
// the dedup cache, one downstream call, one reply. The cache is not
// touched here; the worker commits it only for current, successful runs.
func (q *Queue) execute(ctx context.Context, e Entry) (outcome, error) {
	raw, err := q.opts.Chat.FetchMessages(ctx, e.GroupID, q.opts.HistoryFetch)
	if err != nil {
		return outcome{}, fmt.Errorf("queue: fetch history %s: %w", e.GroupID, err)
	}
	window := historyWindow(raw, q.opts.HistoryWindow)

	names := q.resolveNames(ctx, e, window)
	fps := make([]string, len(window))
	for i, m := range window {
		fps[i] = Fingerprint(m.Timestamp, m.Sender, m.Body)
	}
	fresh, cached := q.cache.delta(e.GroupID, fps)

	msgs := make([]responder.Message, 0, len(fresh))
	for _, i := range fresh {
		m := window[i]
		sender := names[m.Sender]
		if m.FromMe {
			sender = q.opts.BotName
		}
		msgs = append(msgs, responder.Message{
			Sender:    sender,
			Body:      m.Body,
			Timestamp: m.Timestamp.Unix(),
			FromMe:    m.FromMe,
		})
	}

	senderName := e.SenderName
	if senderName == "" {
		senderName = names[e.Sender]
	}
	if senderName == "" {
		senderName = e.Sender
	}
	req := responder.Request{
		Messages:  msgs,
		Prompt:    e.Prompt,
		GroupName: e.GroupName,
		Sender:    senderName,
		Timestamp: e.Timestamp.Unix(),
		CacheInfo: responder.CacheInfo{
			TotalMessages:    len(window),
			NewMessages:      len(msgs),
			HasCachedContext: cached,
		},
	}

	// Selection is resolved once per execution.
	var ep string
	baseURL := q.opts.FallbackURL
	if q.opts.Endpoints != nil {
		best := q.opts.Endpoints.Best(ctx)
		if best.URL != "" {
			ep, baseURL = best.Name, best.URL
		}
	}

	res, err := q.opts.Generator.Generate(ctx, baseURL, req, e.IsSearch)
	if err != nil {
		return outcome{}, fmt.Errorf("queue: generate via %s: %w", baseURL, err)
	}
	if err := ctx.Err(); err != nil {
		return outcome{}, fmt.Errorf("queue: execution cancelled: %w", err)
	}
	if err := q.opts.Chat.SendMessage(ctx, e.GroupID, res.TextOrFallback()); err != nil {
		return outcome{}, fmt.Errorf("queue: send reply %s: %w", e.GroupID, err)
	}
	return outcome{result: res, endpoint: ep, fingerprints: fps, newMessages: len(msgs)}, nil
}

// historyWindow drops blank messages, orders the rest by timestamp and
// keeps the newest n.
func historyWindow(raw []connection.ChatMessage, n int) []connection.ChatMessage {
	out := make([]connection.ChatMessage, 0, len(raw))
	for _, m := range raw {
		if strings.TrimSpace(m.Body) == "" {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// resolveNames looks up display names for every sender in window plus the
// requester. Lookups are best-effort; failures map an id to itself.
func (q *Queue) resolveNames(ctx context.Context, e Entry, window []connection.ChatMessage) map[string]string {
	names := make(map[string]string)
	lookup := func(id string) {
		if id == "" {
			return
		}
		if _, ok := names[id]; ok {
			return
		}
		name, err := q.opts.Chat.ContactName(ctx, id)
		if err != nil || strings.TrimSpace(name) == "" {
			if err != nil {
				q.log.Debug().Err(err).Str("contact", id).Msg("name lookup failed")
			}
			name = id
		}
		names[id] = name
	}
	for _, m := range window {
		if !m.FromMe {
			lookup(m.Sender)
		}
	}
	if e.SenderName == "" {
		lookup(e.Sender)
	}
	return names
}
