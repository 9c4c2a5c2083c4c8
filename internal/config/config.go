// Package config provides YAML-based configuration loading for signalbox.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvClientID     = "SIGNALBOX_CLIENT_ID"
	EnvStoreDSN     = "SIGNALBOX_STORE_DSN"
	EnvResponderURL = "SIGNALBOX_RESPONDER_URL"
	EnvEndpoints    = "SIGNALBOX_ENDPOINTS"
	EnvBridgeURL    = "SIGNALBOX_BRIDGE_URL"
)

// Config is the top-level signalbox configuration, loaded from signalbox.yaml.
type Config struct {
	ClientID  string           `yaml:"client_id"`
	Store     StoreConfig      `yaml:"store"`
	Bridge    BridgeConfig     `yaml:"bridge"`
	Responder ResponderConfig  `yaml:"responder"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
	Session   SessionConfig    `yaml:"session"`
	Queue     QueueConfig      `yaml:"queue"`
	Selector  SelectorConfig   `yaml:"selector"`
	Broadcast BroadcastConfig  `yaml:"broadcast"`
	API       APIConfig        `yaml:"api"`
}

// StoreConfig selects and tunes the remote session store.
type StoreConfig struct {
	Driver       string         `yaml:"driver"` // mysql, sqlite, supabase
	DSN          string         `yaml:"dsn"`
	Supabase     SupabaseConfig `yaml:"supabase"`
	SessionName  string         `yaml:"session_name"`
	ChunkSize    int            `yaml:"chunk_size"`
	BatchSize    int            `yaml:"batch_size"`
	TimeoutSec   int            `yaml:"timeout_sec"`
	GCCron       string         `yaml:"gc_cron"`
	RetentionHrs int            `yaml:"retention_hours"`
}

// SupabaseConfig holds credentials for the hosted REST backend.
type SupabaseConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// BridgeConfig points at the sidecar that runs the messaging-network client.
type BridgeConfig struct {
	URL     string `yaml:"url"`
	DataDir string `yaml:"data_dir"`
}

// ResponderConfig configures the downstream response-generation API.
type ResponderConfig struct {
	URL              string `yaml:"url"`
	TimeoutSec       int    `yaml:"timeout_sec"`
	MaxSearchResults int    `yaml:"max_search_results"`
}

// EndpointConfig describes one backend endpoint available for routing.
type EndpointConfig struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Priority int    `yaml:"priority"`
}

// SessionConfig tunes the connection lifecycle.
type SessionConfig struct {
	MaxRetries         int     `yaml:"max_retries"`
	RetryDelaySec      int     `yaml:"retry_delay_sec"`
	BackoffFactor      float64 `yaml:"backoff_factor"`
	ReconnectDelaySec  int     `yaml:"reconnect_delay_sec"`
	MaxSessionAgeHrs   int     `yaml:"max_session_age_hours"`
	MinQRIntervalSec   int     `yaml:"min_qr_interval_sec"`
	MaxQRAttempts      int     `yaml:"max_qr_attempts"`
	MaxConnectAttempts int     `yaml:"max_connect_attempts"`
	ConnectWindowSec   int     `yaml:"connect_window_sec"`
	CooldownSec        int     `yaml:"cooldown_sec"`
	MigrateOnSwitch    bool    `yaml:"migrate_on_switch"`
}

// QueueConfig tunes the single-flight request queue.
type QueueConfig struct {
	MinCommandIntervalSec int `yaml:"min_command_interval_sec"`
	MaxQueueSize          int `yaml:"max_queue_size"`
	InterRequestDelayMs   int `yaml:"inter_request_delay_ms"`
	HistoryFetch          int `yaml:"history_fetch"`
	HistoryWindow         int `yaml:"history_window"`
	MaxCachedMessages     int `yaml:"max_cached_messages"`
	MaxCachedGroups       int `yaml:"max_cached_groups"`
}

// SelectorConfig tunes endpoint health scoring and the stability lock.
type SelectorConfig struct {
	ProbeTimeoutSec        int `yaml:"probe_timeout_sec"`
	PollIntervalSec        int `yaml:"poll_interval_sec"`
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
	FailureCooldownSec     int `yaml:"failure_cooldown_sec"`
	LockDurationSec        int `yaml:"lock_duration_sec"`
	MaxEndpointChanges     int `yaml:"max_endpoint_changes"`
	ChangeWindowSec        int `yaml:"change_window_sec"`
}

// BroadcastConfig enables the optional event sinks.
type BroadcastConfig struct {
	Redis   RedisConfig   `yaml:"redis"`
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Port int `yaml:"port"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return parse(data, os.Getenv)
}

// Parse unmarshals YAML bytes into a validated Config. Environment overrides
// are not applied.
func Parse(data []byte) (*Config, error) {
	return parse(data, func(string) string { return "" })
}

func parse(data []byte, getenv func(string) string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays environment variables on top of file values.
func (c *Config) applyEnv(getenv func(string) string) error {
	if v := strings.TrimSpace(getenv(EnvClientID)); v != "" {
		c.ClientID = v
	}
	if v := strings.TrimSpace(getenv(EnvStoreDSN)); v != "" {
		c.Store.DSN = v
	}
	if v := strings.TrimSpace(getenv(EnvResponderURL)); v != "" {
		c.Responder.URL = v
	}
	if v := strings.TrimSpace(getenv(EnvBridgeURL)); v != "" {
		c.Bridge.URL = v
	}
	if v := strings.TrimSpace(getenv(EnvEndpoints)); v != "" {
		eps, err := ParseEndpointList(v)
		if err != nil {
			return err
		}
		c.Endpoints = eps
	}
	return nil
}

// ParseEndpointList parses "name=url@priority,..." into endpoint configs.
// The priority suffix is optional and defaults to the list position.
func ParseEndpointList(raw string) ([]EndpointConfig, error) {
	var out []EndpointConfig
	for i, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, rest, ok := strings.Cut(part, "=")
		if !ok || name == "" || rest == "" {
			return nil, fmt.Errorf("config: endpoint %q: want name=url[@priority]", part)
		}
		ep := EndpointConfig{Name: strings.TrimSpace(name), URL: strings.TrimSpace(rest), Priority: i + 1}
		if at := strings.LastIndex(rest, "@"); at > 0 {
			if p, err := strconv.Atoi(rest[at+1:]); err == nil {
				ep.URL = strings.TrimSpace(rest[:at])
				ep.Priority = p
			}
		}
		out = append(out, ep)
	}
	return out, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = "mysql"
	}
	if c.Store.SessionName == "" {
		c.Store.SessionName = "session"
	}
	if c.Store.ChunkSize == 0 {
		c.Store.ChunkSize = 512 * 1024
	}
	if c.Store.BatchSize == 0 {
		c.Store.BatchSize = 10
	}
	if c.Store.TimeoutSec == 0 {
		c.Store.TimeoutSec = 30
	}
	if c.Store.GCCron == "" {
		c.Store.GCCron = "0 4 * * *"
	}
	if c.Store.RetentionHrs == 0 {
		c.Store.RetentionHrs = 24 * 14
	}
	if c.Bridge.DataDir == "" {
		c.Bridge.DataDir = os.TempDir()
	}
	if c.Responder.TimeoutSec == 0 {
		c.Responder.TimeoutSec = 120
	}
	if c.Responder.MaxSearchResults == 0 {
		c.Responder.MaxSearchResults = 5
	}
	for i := range c.Endpoints {
		if c.Endpoints[i].Priority == 0 {
			c.Endpoints[i].Priority = i + 1
		}
	}

	s := &c.Session
	if s.MaxRetries == 0 {
		s.MaxRetries = 3
	}
	if s.RetryDelaySec == 0 {
		s.RetryDelaySec = 10
	}
	if s.BackoffFactor == 0 {
		s.BackoffFactor = 2
	}
	if s.ReconnectDelaySec == 0 {
		s.ReconnectDelaySec = 10
	}
	if s.MaxSessionAgeHrs == 0 {
		s.MaxSessionAgeHrs = 12
	}
	if s.MinQRIntervalSec == 0 {
		s.MinQRIntervalSec = 30
	}
	if s.MaxQRAttempts == 0 {
		s.MaxQRAttempts = 3
	}
	if s.MaxConnectAttempts == 0 {
		s.MaxConnectAttempts = 5
	}
	if s.ConnectWindowSec == 0 {
		s.ConnectWindowSec = 600
	}
	if s.CooldownSec == 0 {
		s.CooldownSec = 300
	}

	q := &c.Queue
	if q.MinCommandIntervalSec == 0 {
		q.MinCommandIntervalSec = 3
	}
	if q.MaxQueueSize == 0 {
		q.MaxQueueSize = 10
	}
	if q.InterRequestDelayMs == 0 {
		q.InterRequestDelayMs = 1000
	}
	if q.HistoryFetch == 0 {
		q.HistoryFetch = 50
	}
	if q.HistoryWindow == 0 {
		q.HistoryWindow = 30
	}
	if q.MaxCachedMessages == 0 {
		q.MaxCachedMessages = 30
	}
	if q.MaxCachedGroups == 0 {
		q.MaxCachedGroups = 5
	}

	sel := &c.Selector
	if sel.ProbeTimeoutSec == 0 {
		sel.ProbeTimeoutSec = 10
	}
	if sel.PollIntervalSec == 0 {
		sel.PollIntervalSec = 30
	}
	if sel.MaxConsecutiveFailures == 0 {
		sel.MaxConsecutiveFailures = 3
	}
	if sel.FailureCooldownSec == 0 {
		sel.FailureCooldownSec = 60
	}
	if sel.LockDurationSec == 0 {
		sel.LockDurationSec = 300
	}
	if sel.MaxEndpointChanges == 0 {
		sel.MaxEndpointChanges = 3
	}
	if sel.ChangeWindowSec == 0 {
		sel.ChangeWindowSec = 600
	}

	if c.Broadcast.Redis.Addr != "" && c.Broadcast.Redis.Channel == "" {
		c.Broadcast.Redis.Channel = "signalbox:" + c.ClientID
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.ClientID == "" {
		errs = append(errs, "client_id is required")
	}
	switch c.Store.Driver {
	case "mysql", "sqlite":
		if c.Store.DSN == "" {
			errs = append(errs, "store.dsn is required for driver "+c.Store.Driver)
		}
	case "supabase":
		if c.Store.Supabase.URL == "" || c.Store.Supabase.APIKey == "" {
			errs = append(errs, "store.supabase.url and store.supabase.api_key are required")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Store.ChunkSize < 4 {
		errs = append(errs, "store.chunk_size must be at least 4")
	}
	if c.Responder.URL == "" {
		errs = append(errs, "responder.url is required")
	}
	if len(c.Endpoints) == 0 {
		errs = append(errs, "at least one endpoint is required")
	}
	seen := make(map[string]bool)
	for i, e := range c.Endpoints {
		if e.Name == "" {
			errs = append(errs, fmt.Sprintf("endpoints[%d].name is required", i))
		}
		if e.URL == "" {
			errs = append(errs, fmt.Sprintf("endpoints[%d].url is required", i))
		}
		if seen[e.Name] {
			errs = append(errs, fmt.Sprintf("endpoints[%d].name %q is duplicated", i, e.Name))
		}
		seen[e.Name] = true
	}
	if c.Session.BackoffFactor < 1 {
		errs = append(errs, "session.backoff_factor must be >= 1")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Seconds converts an integer seconds field to a Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
