// Package transport sends adapter-built wire requests to providers and turns
// non-2xx answers into typed errors carrying status and wait hints.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/ports"
)

const (
	defaultUserAgent = "polyglot-vision-gateway/1.0"
	// maxErrorBody caps how much of an error body is kept for diagnostics.
	maxErrorBody = 512
	// maxResponseBody caps successful response bodies.
	maxResponseBody = 32 << 20
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAuthenticator sets the credential scheme applied to every request.
func WithAuthenticator(auth Authenticator) ClientOption {
	return func(c *Client) {
		c.auth = auth
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClock overrides the clock used to interpret HTTP-date Retry-After values.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// Client is the per-provider HTTP transport. It holds no per-call state and
// is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	auth       Authenticator
	userAgent  string
	logger     *slog.Logger
	now        func() time.Time
}

var _ ports.Transport = (*Client)(nil)

// NewClient creates a transport. By default requests go through an
// otelhttp-instrumented copy of http.DefaultTransport with no client-level
// timeout; attempt deadlines come from the caller's context.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport.(*http.Transport).Clone()),
		},
		auth:      NoAuth{},
		userAgent: defaultUserAgent,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send performs one HTTP exchange.
func (c *Client) Send(ctx context.Context, req *domain.WireRequest) ([]byte, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, domain.ErrConfig("create request").WithCause(err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("User-Agent", c.userAgent)

	if err := c.auth.Authorize(ctx, httpReq, req.Body); err != nil {
		return nil, domain.ErrConfig("authorize request").WithCause(err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.ErrRetryableTransport("request failed").WithCause(err)
	}
	defer resp.Body.Close()

	c.logger.Debug("upstream response",
		"method", method,
		"host", httpReq.URL.Host,
		"status", resp.StatusCode,
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, c.statusError(resp, strings.TrimSpace(string(snippet)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, domain.ErrRetryableTransport("failed to read response").WithCause(err)
	}
	return body, nil
}

func (c *Client) statusError(resp *http.Response, body string) *domain.VisionError {
	if !RetryableStatus(resp.StatusCode) {
		return domain.ErrFatalStatus(resp.StatusCode, body)
	}

	err := domain.ErrRetryableTransport(fmt.Sprintf("upstream status %d: %s", resp.StatusCode, body)).
		WithStatusCode(resp.StatusCode)
	if wait, ok := ParseRetryAfter(resp.Header.Get("Retry-After"), c.now()); ok {
		err = err.WithRetryAfter(wait)
	}
	return err
}

// RetryableStatus reports whether an HTTP status signals a transient failure.
func RetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// MaxRetryAfter caps a server-supplied wait hint.
const MaxRetryAfter = time.Hour

// ParseRetryAfter interprets a Retry-After header given as seconds (integer
// or fractional) or as an HTTP-date. Waits are clamped to [0, MaxRetryAfter].
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, false
		}
		if secs >= MaxRetryAfter.Seconds() {
			return MaxRetryAfter, true
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := http.ParseTime(value); err == nil {
		return min(max(at.Sub(now), 0), MaxRetryAfter), true
	}
	return 0, false
}
