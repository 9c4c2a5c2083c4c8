package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/zulandar/signalbox/internal/broadcast"
	"github.com/zulandar/signalbox/internal/broadcast/discord"
	"github.com/zulandar/signalbox/internal/broadcast/slack"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/connection"
	"github.com/zulandar/signalbox/internal/connection/bridge"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/endpoint"
	"github.com/zulandar/signalbox/internal/sessionstore"
	"gorm.io/gorm"
)

// openDB opens the relational database. With the supabase store driver the
// database only holds active groups and defaults to a local sqlite file.
func openDB(cfg *config.Config) (*gorm.DB, error) {
	driver, dsn := cfg.Store.Driver, cfg.Store.DSN
	if driver == "supabase" {
		driver = "sqlite"
		if dsn == "" {
			dsn = filepath.Join(cfg.Bridge.DataDir, "signalbox.db")
		}
	}
	gormDB, err := db.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	return gormDB, nil
}

// connectFromConfig loads the config and opens the database.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := openDB(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s store: %w", cfg.Store.Driver, err)
	}
	return cfg, gormDB, nil
}

// openStore builds the session store for the configured driver.
func openStore(cfg *config.Config, gormDB *gorm.DB) (*sessionstore.Store, error) {
	var backend sessionstore.Backend
	switch cfg.Store.Driver {
	case "supabase":
		b, err := sessionstore.NewSupabaseBackend(sessionstore.SupabaseConfig{
			URL:    cfg.Store.Supabase.URL,
			APIKey: cfg.Store.Supabase.APIKey,
		})
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		b, err := sessionstore.NewGormBackend(gormDB)
		if err != nil {
			return nil, err
		}
		backend = b
	}
	return sessionstore.New(sessionstore.Opts{
		Backend:   backend,
		ClientID:  cfg.ClientID,
		ChunkSize: cfg.Store.ChunkSize,
		BatchSize: cfg.Store.BatchSize,
		Timeout:   config.Seconds(cfg.Store.TimeoutSec),
	})
}

// bridgeFactory validates the bridge settings once and returns the factory
// the controller uses for every reconnect.
func bridgeFactory(cfg *config.Config) (connection.Factory, error) {
	opts := bridge.Opts{URL: cfg.Bridge.URL, ClientID: cfg.ClientID, DataDir: cfg.Bridge.DataDir}
	if _, err := bridge.New(opts); err != nil {
		return nil, err
	}
	return bridge.Factory(opts), nil
}

func endpointsFromConfig(cfg *config.Config) []endpoint.Endpoint {
	out := make([]endpoint.Endpoint, len(cfg.Endpoints))
	for i, e := range cfg.Endpoints {
		out[i] = endpoint.Endpoint{Name: e.Name, URL: e.URL, Priority: e.Priority}
	}
	return out
}

func newSelector(cfg *config.Config) (*endpoint.Selector, error) {
	s := cfg.Selector
	return endpoint.New(endpoint.Opts{
		Endpoints:              endpointsFromConfig(cfg),
		ProbeTimeout:           config.Seconds(s.ProbeTimeoutSec),
		MaxConsecutiveFailures: s.MaxConsecutiveFailures,
		FailureCooldown:        config.Seconds(s.FailureCooldownSec),
		LockDuration:           config.Seconds(s.LockDurationSec),
		MaxChanges:             s.MaxEndpointChanges,
		ChangeWindow:           config.Seconds(s.ChangeWindowSec),
	})
}

// sinks owns the optional outbound sinks so they can be closed on shutdown.
type sinks struct {
	all     broadcast.Multi
	closers []func()
}

func (s *sinks) Publish(ctx context.Context, ev broadcast.Event) { s.all.Publish(ctx, ev) }

func (s *sinks) Close() {
	for _, c := range s.closers {
		c()
	}
}

// buildSinks fans events out to the hub plus every configured alert sink.
func buildSinks(cfg *config.Config, hub *broadcast.Hub) (*sinks, error) {
	out := &sinks{all: broadcast.Multi{hub}}
	b := cfg.Broadcast

	if b.Redis.Addr != "" {
		r, err := broadcast.NewRedisSink(broadcast.RedisOpts{Addr: b.Redis.Addr, Channel: b.Redis.Channel})
		if err != nil {
			return nil, err
		}
		out.all = append(out.all, r)
		out.closers = append(out.closers, func() { r.Close() })
	}
	if b.Slack.BotToken != "" {
		s, err := slack.New(slack.Opts{BotToken: b.Slack.BotToken, ChannelID: b.Slack.Channel})
		if err != nil {
			out.Close()
			return nil, err
		}
		out.all = append(out.all, s)
		out.closers = append(out.closers, s.Close)
	}
	if b.Discord.BotToken != "" {
		d, err := discord.New(discord.Opts{BotToken: b.Discord.BotToken, ChannelID: b.Discord.Channel})
		if err != nil {
			out.Close()
			return nil, err
		}
		out.all = append(out.all, d)
		out.closers = append(out.closers, d.Close)
	}
	return out, nil
}
