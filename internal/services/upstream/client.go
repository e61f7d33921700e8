// Package upstream talks to the shared provider account that every team's
// traffic funnels through.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/tokengate/internal/config"
	"github.com/amerfu/tokengate/internal/services/monitoring"
	"github.com/amerfu/tokengate/pkg/circuitbreaker"
)

var (
	// ErrTimeout marks a call that connected but exceeded the request timeout.
	ErrTimeout = errors.New("upstream request timed out")
	// ErrConnect marks a call that never reached the upstream, including
	// short-circuits by the open breaker.
	ErrConnect = errors.New("upstream connection failed")
)

// APIError is a non-2xx answer from the upstream probe endpoints.
type APIError struct {
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// Client forwards chat completion payloads to the provider under the shared
// account key. Payload bytes are sent exactly as received; the proxy never
// re-marshals client requests.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
}

func NewClient(cfg *config.UpstreamConfig, logger *zap.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 120 * time.Second
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  cfg.APIKey,
		http: &http.Client{
			// Bounds the whole call, body included. A stream that outlives
			// this is cut off mid-read and billed as a partial failure.
			Timeout:   requestTimeout,
			Transport: transport,
		},
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}
}

// ChatCompletions forwards the raw body to POST {base}/chat/completions and
// returns the response unread. The caller owns resp.Body and must close it.
// Non-2xx statuses are returned as a normal response so the upstream's error
// payload can be relayed verbatim.
func (c *Client) ChatCompletions(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	if c.breaker.IsOpen() {
		return nil, fmt.Errorf("%w: circuit breaker open", ErrConnect)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.breaker.RecordFailure()
			c.mirrorBreaker()
		}
		return nil, c.classify(err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}
	c.mirrorBreaker()

	return resp, nil
}

// mirrorBreaker keeps the breaker gauge in step with the real state.
func (c *Client) mirrorBreaker() {
	open, _ := c.breaker.GetState()
	monitoring.SetBreakerOpen(open)
}

// Ping issues a cheap authenticated request to check the upstream is
// reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return c.classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode}
	}
	return nil
}

// BreakerState exposes the breaker for monitoring.
func (c *Client) BreakerState() (open bool, failures int) {
	return c.breaker.GetState()
}

// classify maps transport errors onto the two failure modes callers bill
// differently: never reached the upstream versus reached it and timed out.
// Context cancellation passes through untouched so a client disconnect is
// not mistaken for an upstream fault.
func (c *Client) classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrConnect, err)
}
