// Package analyze is the request-level entry point: prepare the image, fan out
// (or route) to providers, normalize, and persist the aggregate without
// holding up the caller.
package analyze

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/fanout"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/imaging"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/normalize"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/policy"
)

const defaultStoreTimeout = 5 * time.Second

// Request is one image submitted for analysis.
type Request struct {
	// RequestID is the idempotency key; generated when empty.
	RequestID string
	// Source is an optional reference to where the image came from.
	Source string
	Image  []byte
	// ImageURL is fetched when Image is empty: an http(s) URL or a data URI.
	ImageURL string
}

// Response is the fan-out answer.
type Response struct {
	RequestID string                   `json:"request_id"`
	Results   []domain.CanonicalResult `json:"results"`
}

// RouteResponse is the routed-mode answer.
type RouteResponse struct {
	RequestID string                 `json:"request_id"`
	Chosen    string                 `json:"chosen"`
	Reason    string                 `json:"reason"`
	Result    domain.CanonicalResult `json:"result"`
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger for the service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTTL sets how long persisted records live. Zero means no expiry.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.ttl = ttl
	}
}

// WithStoreTimeout bounds each background store write.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.storeTimeout = d
	}
}

// WithFetcher enables requests that reference their image by URL.
func WithFetcher(f *imaging.Fetcher) Option {
	return func(s *Service) {
		s.fetcher = f
	}
}

// WithClock overrides the clock used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

type Service struct {
	orch   *fanout.Orchestrator
	router *policy.Router
	store  ports.ResultStore
	limits imaging.Limits

	fetcher      *imaging.Fetcher
	ttl          time.Duration
	storeTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	pending sync.WaitGroup
}

// New creates the service. router may be nil when routed mode is unused.
func New(orch *fanout.Orchestrator, router *policy.Router, store ports.ResultStore, limits imaging.Limits, opts ...Option) *Service {
	s := &Service{
		orch:         orch,
		router:       router,
		store:        store,
		limits:       limits,
		ttl:          24 * time.Hour,
		storeTimeout: defaultStoreTimeout,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Providers returns the enabled providers in dispatch order.
func (s *Service) Providers() []string {
	return s.orch.Providers()
}

// Real is false when every provider is an in-process mock.
func (s *Service) Real() bool {
	return s.orch.Real()
}

// Analyze runs the full fan-out. Only image validation errors are returned;
// provider failures appear as error entries in the results.
func (s *Service) Analyze(ctx context.Context, req Request) (*Response, error) {
	requestID := ensureID(req.RequestID)
	logger := s.logger.With("request_id", requestID)

	payload, err := s.prepare(ctx, logger, req)
	if err != nil {
		return nil, err
	}

	outcomes := s.orch.Dispatch(ctx, payload)
	results := normalize.All(outcomes, s.pricing)

	logger.Info("analyze complete", "stage", "fanout", "providers", len(results))
	s.persist(ctx, logger, s.newRecord(requestID, req.Source, results))

	return &Response{RequestID: requestID, Results: results}, nil
}

// Route resolves a policy to one provider and calls only that provider.
func (s *Service) Route(ctx context.Context, req Request, policyName string) (*RouteResponse, error) {
	requestID := ensureID(req.RequestID)
	logger := s.logger.With("request_id", requestID)

	if s.router == nil {
		return nil, domain.ErrConfig("routing is not configured")
	}
	payload, err := s.prepare(ctx, logger, req)
	if err != nil {
		return nil, err
	}
	decision, err := s.router.Resolve(policyName)
	if err != nil {
		return nil, domain.ErrConfig(err.Error())
	}
	logger.Info("policy resolved", "stage", "route", "reason", decision.Reason)

	out, err := s.orch.Route(ctx, payload, decision.Provider, decision.Model)
	if err != nil {
		return nil, err
	}
	result := normalize.Normalize(out, s.pricing(decision.Provider))
	s.persist(ctx, logger, s.newRecord(requestID, req.Source, []domain.CanonicalResult{result}))

	return &RouteResponse{
		RequestID: requestID,
		Chosen:    decision.Provider + ":" + decision.Model,
		Reason:    decision.Reason,
		Result:    result,
	}, nil
}

// Result returns a persisted record.
func (s *Service) Result(ctx context.Context, requestID string) (*domain.AggregatedRecord, error) {
	return s.store.Load(ctx, requestID)
}

// Wait blocks until background store writes have finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

func (s *Service) prepare(ctx context.Context, logger *slog.Logger, req Request) (domain.PreparedPayload, error) {
	image := req.Image
	if len(image) == 0 && req.ImageURL != "" {
		if s.fetcher == nil {
			return domain.PreparedPayload{}, domain.ErrInvalidImage(fmt.Errorf("image URLs are not accepted"))
		}
		fetched, err := s.fetcher.Fetch(ctx, req.ImageURL)
		if err != nil {
			logger.Warn("image fetch failed", "stage", "prepare", "error", err)
			return domain.PreparedPayload{}, err
		}
		image = fetched
	}

	payload, err := imaging.PrepareWith(image, s.limits)
	if err != nil {
		logger.Warn("image rejected", "stage", "prepare", "bytes", len(image), "error", err)
		return domain.PreparedPayload{}, err
	}
	w, h := payload.Dimensions()
	logger.Debug("image prepared", "stage", "prepare",
		"in_bytes", len(image), "out_bytes", payload.Len(), "width", w, "height", h)
	return payload, nil
}

func (s *Service) newRecord(requestID, source string, results []domain.CanonicalResult) *domain.AggregatedRecord {
	now := s.now().UTC()
	rec := &domain.AggregatedRecord{
		RequestID: requestID,
		Source:    source,
		Results:   results,
		CreatedAt: now,
	}
	if s.ttl > 0 {
		rec.ExpiresAt = now.Add(s.ttl)
	}
	return rec
}

// persist writes rec in the background. Failures are logged and never reach
// the caller.
func (s *Service) persist(ctx context.Context, logger *slog.Logger, rec *domain.AggregatedRecord) {
	ctx = context.WithoutCancel(ctx)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
		defer cancel()

		if err := s.store.Save(ctx, rec); err != nil {
			logger.Error("result store write failed", "stage", "store", "error", domain.ErrStore(err))
			return
		}
		logger.Debug("result stored", "stage", "store")
	}()
}

func (s *Service) pricing(provider string) normalize.Pricing {
	b, ok := s.orch.Binding(provider)
	if !ok {
		return normalize.Pricing{}
	}
	return normalize.Pricing{PerKInput: b.CostPer1KInput, PerKOutput: b.CostPer1KOutput}
}

func ensureID(id string) string {
	if id != "" {
		return id
	}
	return "req-" + uuid.NewString()
}
