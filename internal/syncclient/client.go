// Package syncclient posts captured transactions to the remote collection
// endpoint. Failures are classified so the caller can decide between
// rescheduling and giving up: a rejected payload will never succeed on retry,
// a dead network usually will.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"example.com/retailstack/pos-agent/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	userAgent          = "RetailStack-POS-Agent/1.0"
	defaultPath        = "/api/transactions"
	healthPath         = "/api/health"
	defaultMaxAttempts = 5
	defaultRetryDelay  = 2 * time.Second
	healthTimeout      = 5 * time.Second
)

// Result is the outcome of one delivery.
type Result struct {
	Delivered  bool
	StatusCode int
	// Permanent means the payload was rejected and must not be retried.
	// Delivered=false with Permanent=false is a transient exhaustion; the
	// caller should requeue.
	Permanent bool
	Err       error
}

// BatchResult is the per-payload outcome of a batch delivery, indexed in
// input order.
type BatchResult struct {
	Results   []Result
	Delivered int
	Failed    int
}

// Client delivers transaction payloads.
type Client interface {
	Deliver(ctx context.Context, payload models.DeliveryPayload) Result
	DeliverBatch(ctx context.Context, payloads []models.DeliveryPayload) BatchResult
	Healthy(ctx context.Context) bool
}

// Backoff computes retry delays. Delays grow linearly with the attempt
// number.
type Backoff struct {
	Base time.Duration
}

// Delay returns the wait before attempt n (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = defaultRetryDelay
	}
	return time.Duration(attempt) * base
}

// HTTPClient is the production Client. It retries transient failures
// internally up to MaxAttempts per Deliver call.
type HTTPClient struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	maxAttempts int
	backoff     Backoff
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient injects the underlying transport, mostly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// WithMaxAttempts caps the internal retry loop.
func WithMaxAttempts(n int) Option {
	return func(c *HTTPClient) { c.maxAttempts = n }
}

// WithRetryDelay sets the base delay between transient retries.
func WithRetryDelay(d time.Duration) Option {
	return func(c *HTTPClient) { c.backoff = Backoff{Base: d} }
}

// WithTimeout bounds each individual delivery request. Non-positive values
// keep the default.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// NewHTTPClient creates a delivery client for baseURL. apiKey may be empty
// for unauthenticated endpoints.
func NewHTTPClient(baseURL, apiKey string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:     baseURL,
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		maxAttempts: defaultMaxAttempts,
		backoff:     Backoff{Base: defaultRetryDelay},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Deliver posts one payload, retrying transient failures with linear backoff
// until MaxAttempts. It returns as soon as the outcome is final or ctx is
// done.
func (c *HTTPClient) Deliver(ctx context.Context, payload models.DeliveryPayload) Result {
	body, err := json.Marshal(payload)
	if err != nil {
		// Not retryable and not the receiver's fault.
		return Result{Permanent: true, Err: errors.Wrap(err, "failed to serialize payload")}
	}

	var last Result
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		last = c.post(ctx, body)
		if last.Delivered || last.Permanent {
			return last
		}
		if ctx.Err() != nil {
			last.Err = ctx.Err()
			return last
		}

		log.Debug().
			Str("receipt_id", payload.ReceiptID).
			Int("attempt", attempt).
			Int("status", last.StatusCode).
			Err(last.Err).
			Msg("Delivery attempt failed")

		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-time.After(c.backoff.Delay(attempt)):
		case <-ctx.Done():
			last.Err = ctx.Err()
			return last
		}
	}
	return last
}

func (c *HTTPClient) post(ctx context.Context, body []byte) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+defaultPath, bytes.NewReader(body))
	if err != nil {
		return Result{Permanent: true, Err: errors.Wrap(err, "failed to build request")}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{Err: errors.Wrap(err, "delivery request failed")}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return classify(resp.StatusCode)
}

// classify maps a status code to an outcome. Only a rejected payload (400)
// or bad credentials (401) are final; anything else can be a proxy hiccup or
// an endpoint mid-migration, so it stays retryable and the queue keeps its
// at-least-once guarantee.
func classify(status int) Result {
	switch {
	case status >= 200 && status < 300:
		return Result{Delivered: true, StatusCode: status}
	case status == http.StatusBadRequest || status == http.StatusUnauthorized:
		return Result{
			StatusCode: status,
			Permanent:  true,
			Err:        errors.Errorf("payload rejected: %d", status),
		}
	default:
		return Result{StatusCode: status, Err: errors.Errorf("server error: %d", status)}
	}
}

// DeliverBatch delivers payloads one at a time. A permanent rejection of one
// payload never blocks the rest; a context cancellation stops the batch.
func (c *HTTPClient) DeliverBatch(ctx context.Context, payloads []models.DeliveryPayload) BatchResult {
	batch := BatchResult{Results: make([]Result, 0, len(payloads))}
	for _, p := range payloads {
		if ctx.Err() != nil {
			batch.Results = append(batch.Results, Result{Err: ctx.Err()})
			batch.Failed++
			continue
		}
		res := c.Deliver(ctx, p)
		batch.Results = append(batch.Results, res)
		if res.Delivered {
			batch.Delivered++
		} else {
			batch.Failed++
		}
	}
	return batch
}

// Healthy probes the collection endpoint's health route.
func (c *HTTPClient) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode == http.StatusOK
}

// Stub is a Client for tests and offline operation. Zero value delivers
// everything with status 200.
type Stub struct {
	// FailWith, when set, is returned for every delivery.
	FailWith *Result
	// Calls records delivered payloads in order.
	Calls []models.DeliveryPayload
}

func (s *Stub) Deliver(_ context.Context, payload models.DeliveryPayload) Result {
	s.Calls = append(s.Calls, payload)
	if s.FailWith != nil {
		return *s.FailWith
	}
	return Result{Delivered: true, StatusCode: http.StatusOK}
}

func (s *Stub) DeliverBatch(ctx context.Context, payloads []models.DeliveryPayload) BatchResult {
	batch := BatchResult{}
	for _, p := range payloads {
		res := s.Deliver(ctx, p)
		batch.Results = append(batch.Results, res)
		if res.Delivered {
			batch.Delivered++
		} else {
			batch.Failed++
		}
	}
	return batch
}

func (s *Stub) Healthy(context.Context) bool { return s.FailWith == nil }

var _ Client = (*HTTPClient)(nil)
var _ Client = (*Stub)(nil)

// FormatDeliveryError renders a Result for the audit trail.
func FormatDeliveryError(res Result) string {
	if res.Err != nil {
		return res.Err.Error()
	}
	return fmt.Sprintf("delivery failed with status %d", res.StatusCode)
}
