// Package aiservice is a typed client for the hosted assistant provider
// (OpenAI Assistants v2 wire format).
package aiservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 60 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
	maxRetryAfter  = 10 * time.Second
	maxErrorBody   = 64 << 10
)

// Client talks to the provider over HTTP.
type Client struct {
	apiKey         string
	baseURL        string
	httpClient     *http.Client
	initialBackoff time.Duration
	tracer         trace.Tracer
	logger         *slog.Logger
}

// NewClient creates a client for the default provider endpoint.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		initialBackoff: initialBackoff,
		tracer:         otel.Tracer("github.com/kalambet/assistd/internal/aiservice"),
		logger:         slog.Default(),
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL.
func NewClientWithBaseURL(apiKey, baseURL string) *Client {
	c := NewClient(apiKey)
	if baseURL != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
	return c
}

// SetTimeout bounds each individual HTTP exchange. Zero keeps the default.
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.httpClient.Timeout = d
	}
}

// request describes one provider call. body is re-sent verbatim on retry.
type request struct {
	op          string
	method      string
	path        string
	body        []byte
	contentType string
	retry       bool
}

func jsonRequest(op, method, path string, payload any) (request, error) {
	r := request{op: op, method: method, path: path}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return r, fmt.Errorf("marshaling %s request: %w", op, err)
		}
		r.body = b
		r.contentType = "application/json"
	}
	return r, nil
}

// do executes r, retrying idempotent calls, and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, r request, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "aiservice."+r.op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", r.method),
			attribute.String("url.path", r.path),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	attempts := 1
	if r.retry {
		attempts = maxRetries + 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		var resp *http.Response
		resp, err = c.doOnce(ctx, r, out)
		if resp != nil {
			span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
		}
		if err == nil {
			return nil
		}
		if attempt == attempts-1 || !c.retryable(ctx, err) {
			return err
		}

		backoff := time.Duration(float64(c.initialBackoff) * math.Pow(2, float64(attempt)))
		wait := jitter(retryAfter(resp, backoff))
		c.logger.Debug("retrying ai service call", "op", r.op, "attempt", attempt+1, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", r.op, ctx.Err())
		case <-time.After(wait):
		}
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, r request, out any) (*http.Response, error) {
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, body)
	if err != nil {
		return nil, fmt.Errorf("creating %s request: %w", r.op, err)
	}
	c.setHeaders(req, r.contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing %s: %w", r.op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp, &ServiceError{Status: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return resp, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp, fmt.Errorf("decoding %s response: %w", r.op, err)
	}
	return resp, nil
}

func (c *Client) setHeaders(req *http.Request, contentType string) {
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")
}

// retryable reports whether err is worth another attempt. Caller
// cancellation and deadline expiry never are.
func (c *Client) retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return isRetryableStatus(se.Status)
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isRetryableStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500 && code <= 599
}

// retryAfter honours a Retry-After header in seconds, capped at maxRetryAfter.
func retryAfter(resp *http.Response, fallback time.Duration) time.Duration {
	if resp == nil {
		return fallback
	}
	ra := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if ra == "" {
		return fallback
	}
	secs, err := strconv.Atoi(ra)
	if err != nil || secs <= 0 {
		return fallback
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d
}

// jitter spreads d by ±20%.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	delta := float64(d) * 0.2
	return time.Duration(float64(d) - delta + rand.Float64()*2*delta)
}

func errorMessage(raw []byte) string {
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		return "empty response body"
	}
	return msg
}

// IsNotFound reports whether err is a provider 404.
func IsNotFound(err error) bool {
	var se *ServiceError
	return errors.As(err, &se) && se.Status == http.StatusNotFound
}
