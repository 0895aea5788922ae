// Package metricsapi is a client for the authenticated remote metrics API,
// the primary source of per-chain agent transaction metrics.
//
// Requests carry a short-lived signed bearer token. Throttling (429) and
// server errors (5xx) are retried with exponential backoff; authentication
// and request errors abort immediately so the caller can fall back to
// scanning the ledger.
package metricsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/agentscore/internal/logging"
	"github.com/mbd888/agentscore/internal/metrics"
	"github.com/mbd888/agentscore/internal/retry"
)

var (
	ErrUnauthorized = errors.New("metricsapi: unauthorized")
	ErrForbidden    = errors.New("metricsapi: forbidden")
	ErrBadRequest   = errors.New("metricsapi: bad request")
	ErrNotFound     = errors.New("metricsapi: not found")
	ErrThrottled    = errors.New("metricsapi: rate limited")
	ErrServer       = errors.New("metricsapi: server error")
	ErrUnavailable  = errors.New("metricsapi: unavailable")
	ErrDecode       = errors.New("metricsapi: malformed response")
)

// maxBodySize caps how much of a response body is read.
const maxBodySize = 4 << 20

// StatusError is a non-2xx response from the API.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("metricsapi: %s returned %d: %s", e.Endpoint, e.Code, e.Body)
	}
	return fmt.Sprintf("metricsapi: %s returned %d", e.Endpoint, e.Code)
}

// Unwrap maps the status code to its class sentinel.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.Code == http.StatusForbidden:
		return ErrForbidden
	case e.Code == http.StatusNotFound:
		return ErrNotFound
	case e.Code == http.StatusTooManyRequests:
		return ErrThrottled
	case e.Code >= 500:
		return ErrServer
	default:
		return ErrBadRequest
	}
}

// Class names the error class: auth, bad-request, throttled or server.
func (e *StatusError) Class() string {
	switch {
	case e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden:
		return "auth"
	case e.Code == http.StatusTooManyRequests:
		return "throttled"
	case e.Code >= 500:
		return "server"
	default:
		return "bad-request"
	}
}

// Retryable reports whether the request may succeed if repeated.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Window is activity within a trailing day window.
type Window struct {
	Count     int     `json:"count"`
	VolumeUSD float64 `json:"volumeUsd"`
}

// Metrics is the aggregate payload of the metrics endpoint.
type Metrics struct {
	TransactionCount   int        `json:"transactionCount"`
	TotalVolumeUSD     float64    `json:"totalVolumeUsd"`
	AverageVolumeUSD   float64    `json:"averageVolumeUsd"`
	UniqueBuyers       int        `json:"uniqueBuyers"`
	RepeatBuyerRate    float64    `json:"repeatBuyerRate"`
	FirstTransactionAt *time.Time `json:"firstTransactionAt,omitempty"`
	LastTransactionAt  *time.Time `json:"lastTransactionAt,omitempty"`
	Last7Days          Window     `json:"last7Days"`
	Last30Days         Window     `json:"last30Days"`
}

// Transaction is one incoming payment to an agent.
type Transaction struct {
	Hash      string    `json:"hash"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	AmountUSD float64   `json:"amountUsd"`
	Timestamp time.Time `json:"timestamp"`
}

// TransactionsPage is one page of the transactions endpoint.
type TransactionsPage struct {
	Transactions []Transaction `json:"transactions"`
	NextCursor   string        `json:"nextCursor,omitempty"`
}

// Client calls the metrics API.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	tokens  *TokenSource
	policy  retry.Policy
	logger  *slog.Logger
}

// Option configures the client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client (useful for testing)
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetryPolicy overrides the default 3-attempt, 1s-base backoff.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, tokens *TokenSource, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("metricsapi: invalid base URL %q", baseURL)
	}
	if tokens == nil {
		return nil, ErrInvalidKey
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: 30 * time.Second},
		tokens:  tokens,
		policy:  retry.DefaultPolicy(),
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetMetrics fetches aggregate metrics for address on chain.
func (c *Client) GetMetrics(ctx context.Context, address, chain string) (*Metrics, error) {
	path := "/v1/agents/" + url.PathEscape(address) + "/metrics"
	q := url.Values{"chain": {chain}}

	var out Metrics
	if err := c.get(ctx, "metrics", path, q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTransactions fetches one page of incoming transactions. An empty
// cursor starts from the most recent transaction.
func (c *Client) GetTransactions(ctx context.Context, address, chain string, limit int, cursor string) (*TransactionsPage, error) {
	path := "/v1/agents/" + url.PathEscape(address) + "/transactions"
	q := url.Values{"chain": {chain}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var out TransactionsPage
	if err := c.get(ctx, "transactions", path, q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, endpoint, path string, q url.Values, out any) error {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	u.RawQuery = q.Encode()

	policy := c.policy
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		metrics.APIRetriesTotal.WithLabelValues(endpoint).Inc()
		logging.L(ctx, c.logger).Debug("metrics api retry",
			"endpoint", endpoint,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}

	return policy.Do(ctx, func(ctx context.Context) error {
		return c.attempt(ctx, endpoint, u, out)
	})
}

func (c *Client) attempt(ctx context.Context, endpoint string, u url.URL, out any) error {
	token, err := c.tokens.Token(http.MethodGet, u.Host, u.Path)
	if err != nil {
		return retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("metricsapi: build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.APIRequestsTotal.WithLabelValues(endpoint, metrics.StatusClass(0)).Inc()
		return retry.Permanent(fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	defer func() { _ = resp.Body.Close() }()
	metrics.APIRequestsTotal.WithLabelValues(endpoint, metrics.StatusClass(resp.StatusCode)).Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return retry.Permanent(fmt.Errorf("%w: read body: %v", ErrUnavailable, err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(body, out); err != nil {
			return retry.Permanent(fmt.Errorf("%w: %v", ErrDecode, err))
		}
		return nil
	}

	statusErr := &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Body: truncate(string(body), 200)}
	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Purge()
	}
	if statusErr.Retryable() {
		return statusErr
	}
	return retry.Permanent(statusErr)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
