// Package slack posts bot alerts to a Slack channel.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/signalbox/internal/broadcast"
)

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Opts holds parameters for creating a Sink.
type Opts struct {
	BotToken    string // xoxb-... Slack bot token
	ChannelID   string
	MinSeverity string // default warning; QR events are always posted
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// Sink posts events as Slack attachments.
type Sink struct {
	*broadcast.Async
	client    slackClient
	channelID string
}

// New creates a Sink.
func New(opts Opts) (*Sink, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("slack: channel is required")
	}
	if opts.MinSeverity == "" {
		opts.MinSeverity = broadcast.SeverityWarning
	}
	s := &Sink{client: opts.Client, channelID: opts.ChannelID}
	if s.client == nil {
		s.client = slackapi.New(opts.BotToken)
	}
	s.Async = broadcast.NewAsync(broadcast.AsyncOpts{
		Name:    "slack",
		Deliver: s.deliver,
		Filter:  broadcast.MinSeverity(opts.MinSeverity),
	})
	return s, nil
}

func (s *Sink) deliver(ctx context.Context, ev broadcast.Event) error {
	options := buildMessageOptions(ev)
	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := s.client.PostMessageContext(ctx, s.channelID, options...)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// buildMessageOptions renders ev as a text fallback plus one attachment.
func buildMessageOptions(ev broadcast.Event) []slackapi.MsgOption {
	title := broadcast.Title(ev)
	att := slackapi.Attachment{
		Title:    title,
		Text:     ev.Message,
		Color:    broadcast.SeverityColor(ev.Severity),
		Fallback: title,
	}
	if ev.ClientID != "" {
		att.Footer = ev.ClientID
	}
	if !ev.Time.IsZero() {
		att.Ts = json.Number(strconv.FormatInt(ev.Time.Unix(), 10))
	}

	keys := make([]string, 0, len(ev.Data))
	for k := range ev.Data {
		if k == "qr" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: k,
			Value: fmt.Sprint(ev.Data[k]),
			Short: true,
		})
	}

	text := title
	if qr, ok := ev.Data["qr"].(string); ok && qr != "" {
		text = title + "\n```" + qr + "```"
	}
	return []slackapi.MsgOption{
		slackapi.MsgOptionText(text, false),
		slackapi.MsgOptionAttachments(att),
	}
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
