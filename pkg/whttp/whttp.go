package whttp

import (
	"context"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const userAgent = "stacharvest/2.0 (+https://github.com/geoharvest/stacharvest)"

// Client wraps a retryablehttp client configured for catalog harvesting:
// bounded connection pool shared by every request of a run, automatic
// retry with backoff on transient failures (network errors, 429, 5xx),
// no retry on 4xx. One Client is created per run and torn down at the end.
type Client struct {
	http *retryablehttp.Client
}

// NewClient builds a run-scoped client. maxConns bounds the connection pool
// per host, retryMax bounds retries for transient failures, timeout applies
// per request attempt.
func NewClient(maxConns, retryMax int, timeout time.Duration) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = log.New(io.Discard, "", 0)
	rc.RetryMax = retryMax
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 15 * time.Second
	rc.HTTPClient.Timeout = timeout
	rc.HTTPClient.Transport = &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxConnsPerHost:     maxConns,
		MaxIdleConnsPerHost: maxConns,
	}
	return &Client{http: rc}
}

// GetJSON fetches url and returns the raw body and status code. Some open
// data buckets serve JSON with a text/plain content type, so no content
// negotiation is enforced; callers validate the body themselves. A non-nil
// error means the request could not be completed even after retries.
func (c *Client) GetJSON(ctx context.Context, url string) ([]byte, int, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// Close releases idle connections held by the pool.
func (c *Client) Close() {
	c.http.HTTPClient.CloseIdleConnections()
}
