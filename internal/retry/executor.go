// Package retry runs one provider call through its attempt budget: per-attempt
// timeouts, failure classification, exponential backoff and server wait hints.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/domain"
)

const tracerName = "github.com/tjfontaine/polyglot-vision-gateway/internal/retry"

// Call performs one attempt. It must honor ctx.
type Call func(ctx context.Context) (*domain.AdapterResult, error)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger for the executor.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(sleep Sleeper) Option {
	return func(e *Executor) {
		e.sleep = sleep
	}
}

// WithClock sets the clock used for latency measurement.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// Executor is stateless between calls; every Execute keeps its own attempt
// counter, so one Executor can serve all providers concurrently.
type Executor struct {
	logger *slog.Logger
	sleep  Sleeper
	now    func() time.Time
	tracer trace.Tracer
}

// New creates an executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		logger: slog.Default(),
		sleep:  Sleep,
		now:    time.Now,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs call until it succeeds, fails fatally, or exhausts
// spec.MaxAttempts. It always returns an outcome and never panics past this
// boundary. If ctx ends first, the outcome is a deadline_exceeded error.
func (e *Executor) Execute(ctx context.Context, spec domain.ProviderCallSpec, call Call) domain.ProviderOutcome {
	start := e.now()
	ctx, span := e.tracer.Start(ctx, "provider.call", trace.WithAttributes(
		attribute.String("provider.name", spec.Name),
		attribute.String("provider.kind", string(spec.Kind)),
		attribute.String("provider.model", spec.Model),
	))
	defer span.End()

	outcome := domain.ProviderOutcome{
		Provider: spec.Name,
		Model:    spec.Model,
	}
	maxAttempts := max(spec.MaxAttempts, 1)
	logger := e.logger.With("provider", spec.Name)

	var err error
	for attempt := 1; ; attempt++ {
		outcome.Attempts = attempt

		var result *domain.AdapterResult
		result, err = e.attempt(ctx, spec.Timeout, call)
		if err == nil {
			outcome.Status = domain.OutcomeSuccess
			outcome.Result = result
			break
		}

		if ctx.Err() != nil {
			err = domain.ErrDeadlineExceeded(ctx.Err()).WithCause(err)
			break
		}

		if !Retryable(err) {
			logger.Warn("provider call failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			break
		}

		if attempt >= maxAttempts {
			err = domain.ErrRetriesExhausted(attempt, err)
			break
		}

		delay := Backoff(spec.BackoffBase, attempt, err)
		logger.Warn("provider call failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		span.AddEvent("retry", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.Int64("backoff_ms", delay.Milliseconds()),
		))

		if serr := e.sleep(ctx, delay); serr != nil {
			err = domain.ErrDeadlineExceeded(serr).WithCause(err)
			break
		}
	}

	outcome.Latency = e.now().Sub(start)
	span.SetAttributes(attribute.Int("provider.attempts", outcome.Attempts))

	if outcome.Status != domain.OutcomeSuccess {
		outcome.Status = domain.OutcomeError
		outcome.Err = tagProvider(err, spec.Name)
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, outcome.Err.Error())
		logger.Error("provider call gave up",
			slog.Int("attempts", outcome.Attempts),
			slog.Duration("latency", outcome.Latency),
			slog.String("error", outcome.Err.Error()),
		)
		return outcome
	}

	logger.Info("provider call succeeded",
		slog.Int("attempts", outcome.Attempts),
		slog.Duration("latency", outcome.Latency),
	)
	return outcome
}

// attempt runs one call under its own timeout. Timeouts of the attempt itself,
// as opposed to the caller's context, are reported as retryable.
func (e *Executor) attempt(ctx context.Context, timeout time.Duration, call Call) (result *domain.AdapterResult, err error) {
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("provider call panicked: %v", r)
		}
	}()

	result, err = call(actx)
	if err == nil && result == nil {
		return nil, domain.ErrParse(errors.New("adapter returned no result"))
	}
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return nil, domain.ErrRetryableTransport(fmt.Sprintf("attempt timed out after %s", timeout)).WithCause(err)
	}
	return result, err
}

// Retryable reports whether err is a transient failure: a retryable transport
// error (429, 5xx gateway statuses, connection failures) or a timeout.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if domain.KindOf(err) == domain.ErrorKindRetryableTransport {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// Backoff returns the wait before the attempt after attempt. A server wait
// hint on err is used verbatim; otherwise base * 2^(attempt-1).
func Backoff(base time.Duration, attempt int, err error) time.Duration {
	var ve *domain.VisionError
	if errors.As(err, &ve) && ve.RetryAfter > 0 {
		return ve.RetryAfter
	}
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// tagProvider returns err as a VisionError naming provider. A VisionError
// buried under plain wrapping is lifted to the top with its kind kept.
func tagProvider(err error, provider string) error {
	var ve *domain.VisionError
	if !errors.As(err, &ve) {
		return err
	}
	if ve == err {
		tagged := *ve
		tagged.Provider = provider
		return &tagged
	}
	return &domain.VisionError{
		Kind:       ve.Kind,
		Provider:   provider,
		StatusCode: ve.StatusCode,
		RetryAfter: ve.RetryAfter,
		Err:        err,
	}
}
