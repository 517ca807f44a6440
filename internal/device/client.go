// Package device is the HTTP transport for cloud appliance endpoints. It
// turns configured paths into scheduler operations and maps HTTP 429
// responses into retry-after hints the pacing layer understands.
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"thermobridge/internal/sched"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 4 << 20 // 4 MiB
)

// Client fetches JSON payloads from one appliance endpoint's base URL.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// NewClient builds a Client for baseURL. A nil httpc gets a default client
// with a 30s timeout.
func NewClient(baseURL string, httpc *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("device: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("device: base url %q: unsupported scheme %q", baseURL, u.Scheme)
	}
	if httpc == nil {
		httpc = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpc: httpc}, nil
}

// Operation returns a scheduler operation that GETs path and yields the
// raw JSON body. Throttling responses carry the server's Retry-After as a
// delay hint.
func (c *Client) Operation(path string) sched.Operation {
	return func(ctx context.Context) (any, error) {
		return c.get(ctx, path)
	}
}

func (c *Client) get(ctx context.Context, path string) (json.RawMessage, error) {
	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		err := fmt.Errorf("get %s: 429 Too Many Requests", path)
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			return nil, sched.RetryAfter(err, d)
		}
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("get %s: unexpected status %s", path, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("get %s: read body: %w", path, err)
	}
	return json.RawMessage(body), nil
}

// parseRetryAfter handles both forms of the Retry-After header: a delay in
// whole seconds, or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
