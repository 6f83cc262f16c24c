// Package adapter builds the per-provider bindings used by the orchestrator.
// Provider types are resolved to adapter variants once, at configuration load,
// through a closed dispatch table.
package adapter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/adapter/chat"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/adapter/endpoint"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/adapter/foundation"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/adapter/mock"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/pkg/config"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/tokens"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/transport"
)

// Binding ties one enabled provider's call spec to its adapter and transport.
// Bindings are built at startup and shared read-only across requests.
type Binding struct {
	Spec      domain.ProviderCallSpec
	Adapter   ports.Adapter
	Transport ports.Transport

	// Pricing in USD per 1000 tokens; zero when unknown.
	CostPer1KInput  float64
	CostPer1KOutput float64
}

// Factory creates an adapter from provider configuration.
type Factory func(pc config.ProviderConfig, counter *tokens.Registry) ports.Adapter

// factories is the closed dispatch table. An entry with a transport answers
// in process and never reaches the transport factory.
var factories = map[string]struct {
	kind      domain.AdapterKind
	new       Factory
	transport func() ports.Transport
}{
	config.ProviderTypeChat: {domain.AdapterChat, func(pc config.ProviderConfig, c *tokens.Registry) ports.Adapter {
		return chat.New(pc, c)
	}, nil},
	config.ProviderTypeFoundation: {domain.AdapterFoundation, func(pc config.ProviderConfig, c *tokens.Registry) ports.Adapter {
		return foundation.New(pc, c)
	}, nil},
	config.ProviderTypeEndpoint: {domain.AdapterEndpoint, func(config.ProviderConfig, *tokens.Registry) ports.Adapter {
		return endpoint.New()
	}, nil},
	config.ProviderTypeMock: {domain.AdapterMock, func(config.ProviderConfig, *tokens.Registry) ports.Adapter {
		return mock.New()
	}, func() ports.Transport { return mock.Transport{} }},
}

// TransportFactory creates the transport for one provider.
type TransportFactory func(ctx context.Context, pc config.ProviderConfig) (ports.Transport, error)

// Option configures Build.
type Option func(*builder)

type builder struct {
	tokens       *tokens.Registry
	credentials  aws.CredentialsProvider
	newTransport TransportFactory
	clientOpts   []transport.ClientOption
	logger       *slog.Logger
}

// WithTokens sets the registry used to estimate missing usage.
func WithTokens(r *tokens.Registry) Option {
	return func(b *builder) { b.tokens = r }
}

// WithCredentials sets the AWS credentials used by sigv4 providers instead of
// the default credential chain.
func WithCredentials(creds aws.CredentialsProvider) Option {
	return func(b *builder) { b.credentials = creds }
}

// WithTransportFactory replaces transport construction.
func WithTransportFactory(f TransportFactory) Option {
	return func(b *builder) { b.newTransport = f }
}

// WithClientOptions passes options to every transport client.
func WithClientOptions(opts ...transport.ClientOption) Option {
	return func(b *builder) { b.clientOpts = append(b.clientOpts, opts...) }
}

// WithLogger sets the logger handed to transports.
func WithLogger(logger *slog.Logger) Option {
	return func(b *builder) { b.logger = logger }
}

// Build creates bindings for providers, preserving their order.
func Build(ctx context.Context, providers []config.ProviderConfig, opts ...Option) ([]Binding, error) {
	b := &builder{
		tokens: tokens.NewDefaultRegistry(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.newTransport == nil {
		b.newTransport = func(ctx context.Context, pc config.ProviderConfig) (ports.Transport, error) {
			return transport.ForProvider(ctx, pc, b.credentials,
				append([]transport.ClientOption{transport.WithLogger(b.logger.With("provider", pc.Name))}, b.clientOpts...)...)
		}
	}

	bindings := make([]Binding, 0, len(providers))
	for _, pc := range providers {
		f, ok := factories[pc.Type]
		if !ok {
			return nil, domain.ErrConfig(fmt.Sprintf("provider %q: unknown type %q", pc.Name, pc.Type))
		}
		var tr ports.Transport
		if f.transport != nil {
			tr = f.transport()
		} else {
			var err error
			if tr, err = b.newTransport(ctx, pc); err != nil {
				return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
			}
		}
		bindings = append(bindings, Binding{
			Spec:            SpecFor(pc, f.kind),
			Adapter:         f.new(pc, b.tokens),
			Transport:       tr,
			CostPer1KInput:  pc.CostPer1KInput,
			CostPer1KOutput: pc.CostPer1KOutput,
		})
	}
	return bindings, nil
}

// SpecFor derives the immutable call spec for a provider.
func SpecFor(pc config.ProviderConfig, kind domain.AdapterKind) domain.ProviderCallSpec {
	return domain.ProviderCallSpec{
		Name:        pc.Name,
		Kind:        kind,
		Endpoint:    pc.BaseURL,
		Model:       pc.Model,
		Prompt:      pc.Prompt,
		Timeout:     pc.Timeout,
		MaxAttempts: pc.MaxAttempts,
		BackoffBase: pc.BackoffBase,
	}
}

// Real reports whether any binding calls a remote provider.
func Real(bindings []Binding) bool {
	for _, b := range bindings {
		if b.Spec.Kind != domain.AdapterMock {
			return true
		}
	}
	return false
}

// Names returns the provider names of bindings in order.
func Names(bindings []Binding) []string {
	out := make([]string, len(bindings))
	for i, b := range bindings {
		out[i] = b.Spec.Name
	}
	return out
}
