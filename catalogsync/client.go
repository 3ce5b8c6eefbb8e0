package catalogsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/pos_sync/backoff"
	"github.com/mmdatafocus/pos_sync/syncerr"
)

// Client talks to the commerce API. Requests are spaced by a per-minute rate limit
// and transient failures are retried under the shared backoff policy.
type Client struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   *time.Ticker
	retry     backoff.Policy
}

func defaultClientRetry() backoff.Policy {
	return backoff.Policy{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second, MaxAttempts: 3}
}

func NewClient(baseURL, apiKey, apiKeyHeader string, perMinute int) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("catalog api key is empty")
	}
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("catalog api base url is empty")
	}
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	if perMinute <= 0 {
		perMinute = 60
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.NewTicker(time.Minute / time.Duration(perMinute)),
		retry:     defaultClientRetry(),
	}, nil
}

func newClientFromEnv(apiKey string) (*Client, error) {
	perMinute := 60
	if v := strings.TrimSpace(os.Getenv("CATALOG_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			perMinute = n
		}
	}
	return NewClient(os.Getenv("CATALOG_API_BASE_URL"), apiKey, strings.TrimSpace(os.Getenv("CATALOG_API_KEY_HEADER")), perMinute)
}

// Close stops the rate limiter.
func (c *Client) Close() {
	c.limiter.Stop()
}

type listResponse struct {
	Data       []json.RawMessage `json:"data"`
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor"`
	HasMore    *bool             `json:"has_more"`
}

func (r listResponse) records() []json.RawMessage {
	if len(r.Data) > 0 {
		return r.Data
	}
	return r.Items
}

func (r listResponse) done() bool {
	return r.NextCursor == "" || (r.HasMore != nil && !*r.HasMore)
}

func (c *Client) List(ctx context.Context, path string, params url.Values) (listResponse, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var parsed listResponse
	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return parsed, err
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return parsed, syncerr.ValidationCause("catalog.list", err)
	}
	return parsed, nil
}

func (c *Client) Get(ctx context.Context, path, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, c.objectURL(path, id), nil)
}

// Update writes fields onto an existing object and returns the stored object.
func (c *Client) Update(ctx context.Context, path, id string, fields map[string]any) (json.RawMessage, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPut, c.objectURL(path, id), payload)
}

func (c *Client) objectURL(path, id string) string {
	return c.baseURL + path + "/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	op := "catalog." + strings.ToLower(method)
	var out []byte
	err := backoff.Retry(ctx, c.retry, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.limiter.C:
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return syncerr.ValidationCause(op, err)
		}
		req.Header.Set(c.apiKeyHdr, c.apiKey)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return syncerr.Network(op, err)
		}
		defer resp.Body.Close()

		data, _ := io.ReadAll(resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return statusError(op, resp, data)
		}
		out = data
		return nil
	})
	return out, err
}

// statusError maps a non-2xx response onto the sync error taxonomy.
func statusError(op string, resp *http.Response, body []byte) error {
	cause := fmt.Errorf("catalog api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &syncerr.Error{Kind: syncerr.KindUnauthenticated, Op: op, Err: cause}
	case resp.StatusCode == http.StatusTooManyRequests:
		return syncerr.RateLimited(op, retryAfter(resp.Header.Get("Retry-After"), time.Now()), cause)
	case resp.StatusCode == http.StatusConflict:
		return syncerr.Conflict(op, nil, cause)
	case resp.StatusCode >= 500:
		return syncerr.Network(op, cause)
	default:
		return syncerr.ValidationCause(op, cause)
	}
}

// retryAfter reads a Retry-After header given in seconds or as an HTTP date.
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
