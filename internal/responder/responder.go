// Package responder calls the downstream response-generation API.
package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Route paths on the downstream API.
const (
	PathRealTime = "/generate_real_time"
	PathSearch   = "/generate_realtime_search"
)

// DefaultTimeout bounds a single generation call.
const DefaultTimeout = 120 * time.Second

// DefaultMaxSearchResults is sent with search requests when unset.
const DefaultMaxSearchResults = 5

// FallbackText is returned when the API answers without any usable text.
const FallbackText = "Sorry, I couldn't come up with a response."

// Message is one chat line sent as context.
type Message struct {
	Sender    string `json:"sender"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
	FromMe    bool   `json:"from_me,omitempty"`
}

// CacheInfo tells the API how much of the history it has already seen.
type CacheInfo struct {
	TotalMessages    int  `json:"total_messages"`
	NewMessages      int  `json:"new_messages"`
	HasCachedContext bool `json:"has_cached_context"`
}

// Request is the body of a generation call.
type Request struct {
	Messages         []Message `json:"messages"`
	Prompt           string    `json:"prompt"`
	GroupName        string    `json:"group_name"`
	Sender           string    `json:"sender"`
	Timestamp        int64     `json:"timestamp"`
	CacheInfo        CacheInfo `json:"cache_info"`
	EnableSearch     bool      `json:"enable_search,omitempty"`
	MaxSearchResults int       `json:"max_search_results,omitempty"`
}

// SearchInfo is the optional metadata returned by search requests.
type SearchInfo struct {
	Query       string   `json:"query,omitempty"`
	ResultCount int      `json:"result_count"`
	Sources     []string `json:"sources,omitempty"`
}

// Result is the parsed API answer. Source names the field Text came from,
// or "fallback".
type Result struct {
	Text       string
	Source     string
	SearchInfo *SearchInfo
}

// Opts holds parameters for creating a Client.
type Opts struct {
	HTTPClient       *http.Client
	Timeout          time.Duration
	MaxSearchResults int
}

// Client issues generation calls against a base URL chosen per call.
type Client struct {
	http             *http.Client
	timeout          time.Duration
	maxSearchResults int
}

// New creates a Client.
func New(opts Opts) *Client {
	c := &Client{
		http:             opts.HTTPClient,
		timeout:          opts.Timeout,
		maxSearchResults: opts.MaxSearchResults,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.maxSearchResults <= 0 {
		c.maxSearchResults = DefaultMaxSearchResults
	}
	return c
}

// Generate posts req to baseURL. search selects the search route and turns
// on the search fields.
func (c *Client) Generate(ctx context.Context, baseURL string, req Request, search bool) (Result, error) {
	if baseURL == "" {
		return Result{}, fmt.Errorf("responder: base url is required")
	}
	path := PathRealTime
	if search {
		path = PathSearch
		req.EnableSearch = true
		if req.MaxSearchResults <= 0 {
			req.MaxSearchResults = c.maxSearchResults
		}
	}
	if req.Messages == nil {
		req.Messages = []Message{}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("responder: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := strings.TrimRight(baseURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("responder: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("responder: post %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, fmt.Errorf("responder: read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("responder: %s returned %d: %s", path, resp.StatusCode, truncate(string(raw), 200))
	}
	return Parse(raw)
}

// Parse extracts the answer text from a response body. The first non-empty
// of response, answer, and text wins. A body with none of them parses to a
// Result with empty Text, which TextOrFallback answers with FallbackText.
func Parse(raw []byte) (Result, error) {
	if !gjson.ValidBytes(raw) {
		return Result{}, fmt.Errorf("responder: malformed response body")
	}
	var res Result
	for _, key := range []string{"response", "answer", "text"} {
		if v := gjson.GetBytes(raw, key); v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
			res.Text = v.Str
			res.Source = key
			break
		}
	}
	if si := gjson.GetBytes(raw, "search_info"); si.IsObject() {
		info := &SearchInfo{
			Query:       si.Get("query").String(),
			ResultCount: int(si.Get("result_count").Int()),
		}
		if !si.Get("result_count").Exists() {
			info.ResultCount = int(si.Get("results_count").Int())
		}
		si.Get("sources").ForEach(func(_, v gjson.Result) bool {
			if v.Type == gjson.String && v.Str != "" {
				info.Sources = append(info.Sources, v.Str)
			} else if u := v.Get("url").String(); u != "" {
				info.Sources = append(info.Sources, u)
			}
			return true
		})
		res.SearchInfo = info
	}
	return res, nil
}

// TextOrFallback returns the answer text or FallbackText.
func (r Result) TextOrFallback() string {
	if r.Text == "" {
		return FallbackText
	}
	return r.Text
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
