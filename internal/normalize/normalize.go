// Package normalize maps provider outcomes onto the canonical result shape.
package normalize

import (
	"encoding/json"
	"errors"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/domain"
)

// Cost methods.
const (
	CostMethodTokens = "token_based"
	CostMethodNone   = "none"
)

// Pricing is a provider's price in USD per 1000 tokens.
type Pricing struct {
	PerKInput  float64
	PerKOutput float64
}

// Configured reports whether any price is set.
func (p Pricing) Configured() bool {
	return p.PerKInput > 0 || p.PerKOutput > 0
}

// Estimate prices a token usage.
func (p Pricing) Estimate(u domain.TokenUsage) domain.CostEstimate {
	if !p.Configured() {
		return domain.CostEstimate{Method: CostMethodNone}
	}
	return domain.CostEstimate{
		USD:    float64(u.Input)/1000*p.PerKInput + float64(u.Output)/1000*p.PerKOutput,
		Method: CostMethodTokens,
	}
}

type errorPayload struct {
	Error      string `json:"error"`
	Kind       string `json:"kind"`
	StatusCode int    `json:"status_code,omitempty"`
}

// Normalize converts an outcome. It performs no I/O and never fails: missing
// caption or tags become empty values and errors are carried in Error and Raw.
func Normalize(out domain.ProviderOutcome, pricing Pricing) domain.CanonicalResult {
	res := domain.CanonicalResult{
		Provider:  out.Provider,
		Model:     out.Model,
		Status:    out.Status,
		Tags:      []string{},
		LatencyMS: out.Latency.Milliseconds(),
		Attempts:  out.Attempts,
	}

	if out.Succeeded() {
		res.Status = domain.OutcomeSuccess
		res.Caption = out.Result.Caption
		if out.Result.Tags != nil {
			res.Tags = append([]string{}, out.Result.Tags...)
		}
		res.Tokens = out.Result.Usage
		res.Cost = pricing.Estimate(out.Result.Usage)
		res.Raw = rawOrNull(out.Result.Raw)
		return res
	}

	res.Status = domain.OutcomeError
	res.Cost = domain.CostEstimate{Method: CostMethodNone}

	err := out.Err
	if err == nil {
		err = errors.New("provider returned no result")
	}
	res.Error = err.Error()

	payload := errorPayload{Error: res.Error, Kind: string(domain.KindOf(err))}
	if payload.Kind == "" {
		payload.Kind = "unknown"
	}
	var ve *domain.VisionError
	if errors.As(err, &ve) {
		payload.StatusCode = ve.StatusCode
	}
	res.Raw, _ = json.Marshal(payload)
	return res
}

// All normalizes outcomes in order. pricing may be nil.
func All(outcomes []domain.ProviderOutcome, pricing func(provider string) Pricing) []domain.CanonicalResult {
	results := make([]domain.CanonicalResult, len(outcomes))
	for i, out := range outcomes {
		var p Pricing
		if pricing != nil {
			p = pricing(out.Provider)
		}
		results[i] = Normalize(out, p)
	}
	return results
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		return json.RawMessage("null")
	}
	return raw
}
