// Package discord posts bot alerts to a Discord channel.
package discord

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/signalbox/internal/broadcast"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial wait after a rate limit.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the rate limit backoff.
	maxBackoff = 30 * time.Second
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Opts holds parameters for creating a Sink.
type Opts struct {
	BotToken    string
	ChannelID   string
	MinSeverity string // default warning; QR events are always posted
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// Sink posts events as Discord embeds over the REST API. No gateway
// connection is opened.
type Sink struct {
	*broadcast.Async
	sess        session
	channelID   string
	baseBackoff time.Duration
}

// New creates a Sink.
func New(opts Opts) (*Sink, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("discord: channel is required")
	}
	if opts.MinSeverity == "" {
		opts.MinSeverity = broadcast.SeverityWarning
	}
	s := &Sink{sess: opts.Session, channelID: opts.ChannelID, baseBackoff: baseBackoff}
	if s.sess == nil {
		dg, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		s.sess = dg
	}
	s.Async = broadcast.NewAsync(broadcast.AsyncOpts{
		Name:    "discord",
		Deliver: s.deliver,
		Filter:  broadcast.MinSeverity(opts.MinSeverity),
	})
	return s, nil
}

func (s *Sink) deliver(ctx context.Context, ev broadcast.Event) error {
	data := buildMessageSend(ev)
	err := s.retryOnRateLimit(ctx, func() error {
		_, sendErr := s.sess.ChannelMessageSendComplex(s.channelID, data, discordgo.WithContext(ctx))
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// buildMessageSend renders ev as one embed. A QR payload goes in the
// message content as a code block so it can be copied.
func buildMessageSend(ev broadcast.Event) *discordgo.MessageSend {
	embed := &discordgo.MessageEmbed{
		Title:       broadcast.Title(ev),
		Description: ev.Message,
		Color:       parseHexColor(broadcast.SeverityColor(ev.Severity)),
	}
	if !ev.Time.IsZero() {
		embed.Timestamp = ev.Time.UTC().Format(time.RFC3339)
	}
	if ev.ClientID != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: ev.ClientID}
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
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   k,
			Value:  fmt.Sprint(ev.Data[k]),
			Inline: true,
		})
	}

	data := &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}}
	if qr, ok := ev.Data["qr"].(string); ok && qr != "" {
		data.Content = "```" + qr + "```"
	}
	return data
}

// parseHexColor converts a hex color string (e.g. "#36a64f") to an int.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	var color int
	for _, c := range hex {
		color <<= 4
		switch {
		case c >= '0' && c <= '9':
			color |= int(c - '0')
		case c >= 'a' && c <= 'f':
			color |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			color |= int(c-'A') + 10
		}
	}
	return color
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (s *Sink) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * s.baseBackoff
		if wait > maxBackoff {
			wait = maxBackoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
