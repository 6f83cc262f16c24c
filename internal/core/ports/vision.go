// Package ports declares the interfaces between the orchestration core and
// its collaborators: provider adapters, HTTP transports and result stores.
package ports

import (
	"context"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/domain"
)

// Adapter builds provider-specific requests and parses provider-specific
// responses. Implementations must not retry or sleep.
type Adapter interface {
	// Kind returns the adapter variant.
	Kind() domain.AdapterKind

	// BuildRequest encodes the payload and prompt for the provider described by spec.
	BuildRequest(spec domain.ProviderCallSpec, payload domain.PreparedPayload, prompt string) (*domain.WireRequest, error)

	// ParseResponse extracts caption, tags and the raw payload from a response body.
	ParseResponse(body []byte) (*domain.AdapterResult, error)
}

// Transport performs one HTTP exchange for one attempt.
type Transport interface {
	// Send returns the response body of a 2xx answer. Non-2xx answers are
	// returned as *domain.VisionError carrying the status and any wait hint.
	Send(ctx context.Context, req *domain.WireRequest) ([]byte, error)
}

// ResultStore persists aggregated records under their request identifier.
type ResultStore interface {
	// Save writes rec, replacing any record with the same request identifier.
	Save(ctx context.Context, rec *domain.AggregatedRecord) error

	// Load returns the live record for requestID or domain.ErrNotFound.
	Load(ctx context.Context, requestID string) (*domain.AggregatedRecord, error)

	// Close releases backend resources.
	Close() error
}
