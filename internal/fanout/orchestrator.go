// Package fanout dispatches a prepared payload to the enabled providers
// concurrently and collects exactly one outcome per provider, in
// configuration order.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/adapter"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/retry"
)

// drainGrace is how long calls may take to observe a cancelled context
// before their slots are sealed with a deadline outcome.
const drainGrace = 50 * time.Millisecond

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDeadline bounds every dispatch. Zero disables the overall deadline.
func WithDeadline(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.deadline = d
	}
}

// WithLogger sets the logger for the orchestrator.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// Orchestrator owns the provider bindings for the process lifetime.
type Orchestrator struct {
	bindings []adapter.Binding
	index    map[string]int
	executor *retry.Executor
	deadline time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an orchestrator over bindings in their configured order.
func New(bindings []adapter.Binding, executor *retry.Executor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		bindings: bindings,
		index:    make(map[string]int, len(bindings)),
		executor: executor,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for i, b := range bindings {
		o.index[b.Spec.Name] = i
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Providers returns the enabled provider names in dispatch order.
func (o *Orchestrator) Providers() []string {
	return adapter.Names(o.bindings)
}

// Real reports whether any enabled provider makes remote calls.
func (o *Orchestrator) Real() bool {
	return adapter.Real(o.bindings)
}

// Binding returns the binding for a provider.
func (o *Orchestrator) Binding(name string) (adapter.Binding, bool) {
	i, ok := o.index[name]
	if !ok {
		return adapter.Binding{}, false
	}
	return o.bindings[i], true
}

// Dispatch calls every enabled provider concurrently and returns one outcome
// per provider in configuration order. A provider's failure never affects the
// others.
func (o *Orchestrator) Dispatch(ctx context.Context, payload domain.PreparedPayload) []domain.ProviderOutcome {
	return o.run(ctx, payload, o.bindings)
}

// Route calls a single provider, optionally overriding its model.
func (o *Orchestrator) Route(ctx context.Context, payload domain.PreparedPayload, provider, model string) (domain.ProviderOutcome, error) {
	b, ok := o.Binding(provider)
	if !ok {
		return domain.ProviderOutcome{}, domain.ErrConfig(fmt.Sprintf("provider %q is not enabled", provider))
	}
	b.Spec = b.Spec.WithModel(model)
	return o.run(ctx, payload, []adapter.Binding{b})[0], nil
}

func (o *Orchestrator) run(ctx context.Context, payload domain.PreparedPayload, bindings []adapter.Binding) []domain.ProviderOutcome {
	start := o.now()
	if o.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.deadline)
		defer cancel()
	}

	results := newSlots(len(bindings))
	var wg sync.WaitGroup
	for i, b := range bindings {
		wg.Add(1)
		go func(idx int, b adapter.Binding) {
			defer wg.Done()
			results.set(idx, o.call(ctx, payload, b))
		}(i, b)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		select {
		case <-done:
		case <-time.After(drainGrace):
		}
	}

	outcomes := results.seal(func(i int) domain.ProviderOutcome {
		b := bindings[i]
		return domain.ProviderOutcome{
			Provider: b.Spec.Name,
			Model:    b.Spec.Model,
			Status:   domain.OutcomeError,
			Err:      domain.ErrDeadlineExceeded(ctx.Err()).WithProvider(b.Spec.Name),
			Attempts: 1,
			Latency:  o.now().Sub(start),
		}
	})

	failed := 0
	for _, out := range outcomes {
		if !out.Succeeded() {
			failed++
		}
	}
	o.logger.Info("fan-out complete",
		slog.Int("providers", len(outcomes)),
		slog.Int("failed", failed),
		slog.Duration("elapsed", o.now().Sub(start)),
	)
	return outcomes
}

// call runs one provider through the executor. The wire request is built on
// the first attempt and replayed on retries.
func (o *Orchestrator) call(ctx context.Context, payload domain.PreparedPayload, b adapter.Binding) domain.ProviderOutcome {
	var wire *domain.WireRequest
	return o.executor.Execute(ctx, b.Spec, func(ctx context.Context) (*domain.AdapterResult, error) {
		if wire == nil {
			w, err := b.Adapter.BuildRequest(b.Spec, payload, b.Spec.Prompt)
			if err != nil {
				return nil, err
			}
			wire = w
		}
		body, err := b.Transport.Send(ctx, wire)
		if err != nil {
			return nil, err
		}
		return b.Adapter.ParseResponse(body)
	})
}

// slots holds one outcome per provider index. Once sealed, late writers are
// ignored so a returned slice is never mutated.
type slots struct {
	mu     sync.Mutex
	out    []domain.ProviderOutcome
	filled []bool
	sealed bool
}

func newSlots(n int) *slots {
	return &slots{
		out:    make([]domain.ProviderOutcome, n),
		filled: make([]bool, n),
	}
}

func (s *slots) set(i int, out domain.ProviderOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return
	}
	s.out[i] = out
	s.filled[i] = true
}

func (s *slots) seal(missing func(i int) domain.ProviderOutcome) []domain.ProviderOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
	result := make([]domain.ProviderOutcome, len(s.out))
	for i := range s.out {
		if s.filled[i] {
			result[i] = s.out[i]
		} else {
			result[i] = missing(i)
		}
	}
	return result
}
