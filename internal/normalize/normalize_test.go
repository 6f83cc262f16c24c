package normalize

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/domain"
)

func TestNormalize_Success(t *testing.T) {
	out := domain.ProviderOutcome{
		Provider: "azure",
		Model:    "gpt-4o-mini",
		Status:   domain.OutcomeSuccess,
		Result: &domain.AdapterResult{
			Caption: "A",
			Tags:    []string{"x", "y"},
			Usage:   domain.TokenUsage{Input: 2000, Output: 500},
			Raw:     json.RawMessage(`{"id":"1"}`),
		},
		Attempts: 2,
		Latency:  1234 * time.Millisecond,
	}

	got := Normalize(out, Pricing{PerKInput: 0.15, PerKOutput: 0.6})

	if got.Status != domain.OutcomeSuccess || got.Caption != "A" {
		t.Errorf("got = %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "x" || got.Tags[1] != "y" {
		t.Errorf("Tags = %v", got.Tags)
	}
	if got.LatencyMS != 1234 || got.Attempts != 2 {
		t.Errorf("LatencyMS = %d, Attempts = %d", got.LatencyMS, got.Attempts)
	}
	if math.Abs(got.Cost.USD-0.6) > 1e-9 || got.Cost.Method != CostMethodTokens {
		t.Errorf("Cost = %+v, want 0.6 token_based", got.Cost)
	}
	if string(got.Raw) != `{"id":"1"}` {
		t.Errorf("Raw = %s", got.Raw)
	}
	if got.Error != "" {
		t.Errorf("Error = %q, want empty", got.Error)
	}
}

func TestNormalize_MissingFields(t *testing.T) {
	got := Normalize(domain.ProviderOutcome{
		Provider: "p",
		Status:   domain.OutcomeSuccess,
		Result:   &domain.AdapterResult{},
	}, Pricing{})

	if got.Caption != "" || got.Tags == nil || len(got.Tags) != 0 {
		t.Errorf("Caption = %q, Tags = %#v; want empty values", got.Caption, got.Tags)
	}
	if got.Cost.Method != CostMethodNone || got.Cost.USD != 0 {
		t.Errorf("Cost = %+v, want none", got.Cost)
	}
	if string(got.Raw) != "null" {
		t.Errorf("Raw = %s, want null", got.Raw)
	}

	b, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var m map[string]any
	json.Unmarshal(b, &m)
	if tags, ok := m["tags"].([]any); !ok || len(tags) != 0 {
		t.Errorf("tags should serialize as [], got %s", b)
	}
}

func TestNormalize_Error(t *testing.T) {
	cause := domain.ErrRetriesExhausted(3, domain.ErrFatalStatus(503, "busy")).WithProvider("bedrock")
	cause.StatusCode = 503

	got := Normalize(domain.ProviderOutcome{
		Provider: "bedrock",
		Model:    "claude",
		Status:   domain.OutcomeError,
		Err:      cause,
		Attempts: 3,
		Latency:  7 * time.Second,
	}, Pricing{PerKInput: 1})

	if got.Status != domain.OutcomeError {
		t.Errorf("Status = %s", got.Status)
	}
	if got.Caption != "" || len(got.Tags) != 0 {
		t.Errorf("error results must have empty caption/tags: %+v", got)
	}
	if got.Error == "" {
		t.Error("Error should describe the failure")
	}
	if got.LatencyMS != 7000 || got.Attempts != 3 {
		t.Errorf("LatencyMS = %d, Attempts = %d", got.LatencyMS, got.Attempts)
	}
	if got.Cost.USD != 0 {
		t.Errorf("Cost = %+v, want zero", got.Cost)
	}

	var raw errorPayload
	if err := json.Unmarshal(got.Raw, &raw); err != nil {
		t.Fatalf("Raw is not JSON: %v", err)
	}
	if raw.Error != got.Error || raw.Kind != "retries_exhausted" || raw.StatusCode != 503 {
		t.Errorf("Raw = %+v", raw)
	}
}

func TestNormalize_UntypedError(t *testing.T) {
	got := Normalize(domain.ProviderOutcome{Provider: "p", Status: domain.OutcomeError, Err: errors.New("kaboom")}, Pricing{})

	var raw errorPayload
	json.Unmarshal(got.Raw, &raw)
	if raw.Kind != "unknown" || raw.Error != "kaboom" {
		t.Errorf("Raw = %+v", raw)
	}

	got = Normalize(domain.ProviderOutcome{Provider: "p", Status: domain.OutcomeError}, Pricing{})
	if got.Error == "" {
		t.Error("missing error should still be described")
	}
}

func TestAll_PreservesOrder(t *testing.T) {
	outcomes := []domain.ProviderOutcome{
		{Provider: "a", Status: domain.OutcomeSuccess, Result: &domain.AdapterResult{Caption: "A", Usage: domain.TokenUsage{Input: 1000}}},
		{Provider: "b", Status: domain.OutcomeError, Err: errors.New("down")},
	}
	got := All(outcomes, func(p string) Pricing {
		if p == "a" {
			return Pricing{PerKInput: 2}
		}
		return Pricing{}
	})

	if len(got) != 2 || got[0].Provider != "a" || got[1].Provider != "b" {
		t.Fatalf("got = %+v", got)
	}
	if got[0].Cost.USD != 2 {
		t.Errorf("a cost = %v, want 2", got[0].Cost.USD)
	}
}
