// Package upstream holds the HTTP client for the configured
// chat-completions endpoint. The proxy forwards one request per incoming
// request; there is no retry loop — the status classification below only
// shapes how upstream failures are reported downstream.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rozetyp/streamfix/config"
)

// Client calls the upstream /chat/completions endpoint.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New builds a Client from the config. The transport applies a connect
// timeout; the total-request deadline comes from the caller's context so
// streaming responses are not cut off by a client-level timeout.
func New(cfg *config.Config) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.UpstreamBaseURL, "/"),
		apiKey:  cfg.UpstreamAPIKey,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
}

// ChatCompletions posts body to the upstream chat-completions endpoint.
// The response body is NOT consumed — the caller reads and closes it.
func (c *Client) ChatCompletions(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	endpoint := c.baseURL + "/chat/completions"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating upstream request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	return c.http.Do(req)
}

// IsRetryableStatus reports whether an upstream status code indicates a
// transient condition. Rate-limit (429) and all server-error (5xx)
// responses qualify; these surface downstream as 502 rather than having
// the raw status forwarded.
func IsRetryableStatus(code int) bool {
	return code == 429 || (code >= 500 && code < 600)
}
