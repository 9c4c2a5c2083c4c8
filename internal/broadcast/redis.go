package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// publisher is the subset of redis.UniversalClient used by RedisSink.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisOpts configures NewRedisSink.
type RedisOpts struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	// For testing: inject a publisher instead of dialing Addr.
	Client publisher
}

// RedisSink publishes events as JSON on a Redis pub/sub channel.
type RedisSink struct {
	*Async
	client  publisher
	channel string
	closer  func() error
}

// NewRedisSink creates a sink publishing to opts.Channel.
func NewRedisSink(opts RedisOpts) (*RedisSink, error) {
	if opts.Channel == "" {
		return nil, fmt.Errorf("broadcast: redis channel is required")
	}
	s := &RedisSink{channel: opts.Channel}
	if opts.Client != nil {
		s.client = opts.Client
	} else {
		if opts.Addr == "" {
			return nil, fmt.Errorf("broadcast: redis addr is required")
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
		s.client = rdb
		s.closer = rdb.Close
	}
	s.Async = NewAsync(AsyncOpts{Name: "redis", Deliver: s.deliver})
	return s, nil
}

func (s *RedisSink) deliver(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", s.channel, err)
	}
	return nil
}

// Close flushes pending events and closes the Redis client.
func (s *RedisSink) Close() error {
	s.Async.Close()
	if s.closer != nil {
		return s.closer()
	}
	return nil
}
