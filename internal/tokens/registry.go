// Package tokens estimates token usage for providers that do not report it.
package tokens

import (
	"strings"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/domain"
)

// Counter counts tokens in plain text for a model family.
type Counter interface {
	CountText(model, text string) (int, error)
	SupportsModel(model string) bool
}

// Registry picks a counter per model.
// It checks registered counters in order and falls back to a character
// estimator for models no counter claims.
type Registry struct {
	counters []Counter
	fallback Counter
}

// NewRegistry creates a registry with only the fallback estimator.
func NewRegistry() *Registry {
	return &Registry{
		fallback: NewEstimator(),
	}
}

// NewDefaultRegistry creates a registry with tiktoken registered.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewTiktokenCounter())
	return r
}

// Register adds a counter to the registry.
func (r *Registry) Register(counter Counter) {
	r.counters = append(r.counters, counter)
}

// SetFallback sets the counter for unsupported models.
func (r *Registry) SetFallback(counter Counter) {
	r.fallback = counter
}

// GetCounter returns the appropriate counter for a model.
func (r *Registry) GetCounter(model string) Counter {
	for _, counter := range r.counters {
		if counter.SupportsModel(model) {
			return counter
		}
	}
	return r.fallback
}

// Count counts text with the model's counter, falling back to the estimator
// when the counter fails.
func (r *Registry) Count(model, text string) int {
	if text == "" {
		return 0
	}
	if n, err := r.GetCounter(model).CountText(model, text); err == nil {
		return n
	}
	n, _ := r.fallback.CountText(model, text)
	return n
}

// Estimate builds an estimated usage from the text sent and received. Image
// tokens are not included.
func (r *Registry) Estimate(model string, input []string, output string) domain.TokenUsage {
	in := 0
	for _, s := range input {
		in += r.Count(model, s)
	}
	return domain.TokenUsage{
		Input:     in,
		Output:    r.Count(model, output),
		Estimated: true,
	}
}

// Estimator approximates token counts from character length.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerToken: 4.0,
	}
}

// CountText estimates the token count, rounding up.
func (e *Estimator) CountText(_, text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	cpt := e.CharsPerToken
	if cpt <= 0 {
		cpt = 4.0
	}
	n := int(float64(len(text))/cpt + 0.999)
	if n < 1 {
		n = 1
	}
	return n, nil
}

// SupportsModel returns true - estimator supports all models as a fallback.
func (e *Estimator) SupportsModel(string) bool {
	return true
}

// ModelMatcher helps match model names to provider patterns.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

// NewModelMatcher creates a new model matcher.
func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{
		prefixes: prefixes,
		exact:    exact,
	}
}

// Matches returns true if the model matches any pattern.
func (m *ModelMatcher) Matches(model string) bool {
	model = strings.ToLower(model)
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}
