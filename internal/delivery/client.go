package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/angelmondragon/hookrelay/pkg/config"
	"github.com/google/uuid"
)

// Envelope is the JSON body POSTed to a subscriber's callback.
type Envelope struct {
	Source     string          `json:"source"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
	EventID    uuid.UUID       `json:"eventId"`
	Retry      bool            `json:"retry,omitempty"`
	RetryCount int             `json:"retryCount,omitempty"`
}

// Result describes one attempt. StatusCode is nil when no response arrived.
type Result struct {
	StatusCode *int
	Duration   time.Duration
}

// Error is a failed attempt: a non-2xx response or a transport failure.
type Error struct {
	StatusCode *int
	Message    string
	cause      error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.cause }

// Client performs a single outbound attempt per call. It never retries.
type Client struct {
	http             *http.Client
	userAgent        string
	maxResponseBytes int64
}

// NewClient builds a delivery client. A nil httpClient uses a fresh http.Client;
// per-attempt deadlines come from the timeout passed to Deliver.
func NewClient(cfg config.DeliveryConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "Webhook-Server"
	}
	return &Client{
		http:             httpClient,
		userAgent:        ua,
		maxResponseBytes: cfg.MaxResponseBytes,
	}
}

// Deliver POSTs env to callbackURL, bounded by timeout. Any non-2xx status or
// transport error is returned as *Error.
func (c *Client) Deliver(ctx context.Context, callbackURL string, env Envelope, timeout time.Duration) (Result, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return Result{}, &Error{Message: fmt.Sprintf("encode envelope: %v", err), cause: err}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return Result{}, &Error{Message: fmt.Sprintf("build request: %v", err), cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("request timed out after %s", timeout)
		}
		return Result{Duration: elapsed}, &Error{Message: msg, cause: err}
	}
	defer resp.Body.Close()
	c.drain(resp.Body)

	code := resp.StatusCode
	res := Result{StatusCode: &code, Duration: elapsed}
	if code < 200 || code > 299 {
		return res, &Error{StatusCode: &code, Message: fmt.Sprintf("Request failed with status code %d", code)}
	}
	return res, nil
}

func (c *Client) drain(body io.Reader) {
	limit := c.maxResponseBytes
	if limit <= 0 {
		limit = 64 << 10
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, limit))
}
