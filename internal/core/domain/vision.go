// Package domain defines the provider-agnostic data model of the vision
// inference engine: prepared payloads, per-provider call specs, outcomes,
// canonical results and the persisted aggregate.
package domain

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"
)

// AdapterKind identifies one of the closed set of provider adapter variants.
type AdapterKind string

const (
	// AdapterChat is a chat-completion API that accepts inline data URIs.
	AdapterChat AdapterKind = "chat"

	// AdapterFoundation is a managed foundation-model invocation API that
	// accepts base64 image blocks inside a message envelope.
	AdapterFoundation AdapterKind = "foundation"

	// AdapterEndpoint is a custom model-serving endpoint fed with a numeric tensor.
	AdapterEndpoint AdapterKind = "endpoint"

	// AdapterMock answers in process with a canned result.
	AdapterMock AdapterKind = "mock"
)

// PreparedPayload is the validated, size-bounded image handed to adapters.
// It is created once per request and must not be modified afterwards.
type PreparedPayload struct {
	data     []byte
	mimeType string
	width    int
	height   int
}

// NewPreparedPayload copies data into a new payload.
func NewPreparedPayload(data []byte, mimeType string, width, height int) PreparedPayload {
	return PreparedPayload{
		data:     bytes.Clone(data),
		mimeType: mimeType,
		width:    width,
		height:   height,
	}
}

// Bytes returns a copy of the encoded image.
func (p PreparedPayload) Bytes() []byte { return bytes.Clone(p.data) }

// Len returns the encoded size in bytes.
func (p PreparedPayload) Len() int { return len(p.data) }

// MimeType returns the media type of the encoded image.
func (p PreparedPayload) MimeType() string { return p.mimeType }

// Dimensions returns the pixel size of the encoded image.
func (p PreparedPayload) Dimensions() (width, height int) { return p.width, p.height }

// Base64 returns the standard base64 encoding of the image.
func (p PreparedPayload) Base64() string {
	return base64.StdEncoding.EncodeToString(p.data)
}

// DataURI returns the image as an inline data URI.
func (p PreparedPayload) DataURI() string {
	return "data:" + p.mimeType + ";base64," + p.Base64()
}

// ProviderCallSpec is the immutable per-provider dispatch configuration.
// It is loaded once at startup and shared read-only across requests.
type ProviderCallSpec struct {
	Name        string
	Kind        AdapterKind
	Endpoint    string
	Model       string
	Prompt      string
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
}

// WithModel returns a copy of the spec targeting another model.
func (s ProviderCallSpec) WithModel(model string) ProviderCallSpec {
	if model != "" {
		s.Model = model
	}
	return s
}

// WireRequest is the provider-specific HTTP request produced by an adapter.
// It is built once per provider call and replayed for every attempt.
type WireRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// TokenUsage reports input/output token counts for one provider call.
type TokenUsage struct {
	Input     int  `json:"input"`
	Output    int  `json:"output"`
	Estimated bool `json:"estimated,omitempty"`
}

// AdapterResult holds the intermediate fields an adapter extracts from a
// provider response before normalization.
type AdapterResult struct {
	Caption string
	Tags    []string
	Usage   TokenUsage
	Raw     json.RawMessage
}

// OutcomeStatus is the terminal status of one provider call.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeError   OutcomeStatus = "error"
)

// ProviderOutcome is the terminal result of one provider's full retry sequence.
// Exactly one outcome exists per enabled provider per request.
type ProviderOutcome struct {
	Provider string
	Model    string
	Status   OutcomeStatus
	Result   *AdapterResult
	Err      error
	Attempts int
	Latency  time.Duration
}

// Succeeded reports whether the outcome carries a result.
func (o ProviderOutcome) Succeeded() bool {
	return o.Status == OutcomeSuccess && o.Result != nil
}

// CostEstimate is a best-effort cost figure for one provider call.
type CostEstimate struct {
	USD    float64 `json:"usd"`
	Method string  `json:"method"`
}

// CanonicalResult is the provider-agnostic shape returned to callers.
type CanonicalResult struct {
	Provider  string          `json:"provider"`
	Model     string          `json:"model"`
	Status    OutcomeStatus   `json:"status"`
	Caption   string          `json:"caption"`
	Tags      []string        `json:"tags"`
	LatencyMS int64           `json:"latency_ms"`
	Attempts  int             `json:"attempts"`
	Tokens    TokenUsage      `json:"tokens"`
	Cost      CostEstimate    `json:"cost_estimate"`
	Error     string          `json:"error,omitempty"`
	Raw       json.RawMessage `json:"raw"`
}

// AggregatedRecord is the persisted unit for one request. Records are never
// mutated after creation; a second save under the same key replaces the first.
type AggregatedRecord struct {
	RequestID string            `json:"request_id"`
	Source    string            `json:"source,omitempty"`
	Results   []CanonicalResult `json:"results"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Expired reports whether the record is past its expiry at now.
func (r *AggregatedRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}
