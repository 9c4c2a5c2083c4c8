package endpoint

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultProbeTimeout bounds a single status probe.
const DefaultProbeTimeout = 10 * time.Second

// Status is the load report returned by an endpoint's status route.
type Status struct {
	ActiveCount   int
	QueuedCount   int
	MaxConcurrent int
}

// probe calls GET {url}/status and parses the load report. Both snake_case
// and camelCase field names are accepted.
func probe(ctx context.Context, client *http.Client, baseURL string, timeout time.Duration) (Status, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(baseURL, "/") + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Status{}, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return Status{}, 0, fmt.Errorf("probe %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	latency := time.Since(start)
	if err != nil {
		return Status{}, latency, fmt.Errorf("read %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Status{}, latency, fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return Status{}, latency, fmt.Errorf("probe %s: malformed body", url)
	}

	return Status{
		ActiveCount:   firstInt(body, "active_requests", "activeCount"),
		QueuedCount:   firstInt(body, "queued_requests", "queuedCount"),
		MaxConcurrent: firstInt(body, "max_concurrent", "maxConcurrent"),
	}, latency, nil
}

func firstInt(body []byte, paths ...string) int {
	for _, p := range paths {
		if v := gjson.GetBytes(body, p); v.Exists() {
			return int(v.Int())
		}
	}
	return 0
}
