package tokens

import (
	"testing"

	"github.com/tiktoken-go/tokenizer"
)

func TestEstimator_CountText(t *testing.T) {
	e := NewEstimator()

	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"Describe this image in one sentence.", 9},
	}
	for _, tt := range tests {
		got, err := e.CountText("any", tt.text)
		if err != nil {
			t.Fatalf("CountText(%q) error = %v", tt.text, err)
		}
		if got != tt.want {
			t.Errorf("CountText(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestTiktokenCounter_CountText(t *testing.T) {
	c := NewTiktokenCounter()

	for _, model := range []string{"gpt-4o-mini", "gpt-4", "gpt-4.1-nano"} {
		n, err := c.CountText(model, "Hello, world!")
		if err != nil {
			t.Fatalf("CountText(%s) error = %v", model, err)
		}
		if n < 2 || n > 6 {
			t.Errorf("CountText(%s) = %d, want between 2 and 6", model, n)
		}
	}
}

func TestTiktokenCounter_SupportsModel(t *testing.T) {
	c := NewTiktokenCounter()

	tests := []struct {
		model string
		want  bool
	}{
		{"gpt-4o-mini", true},
		{"GPT-4o", true},
		{"o3-mini", true},
		{"anthropic.claude-3-haiku-20240307-v1:0", false},
		{"resnet50", false},
	}
	for _, tt := range tests {
		if got := c.SupportsModel(tt.model); got != tt.want {
			t.Errorf("SupportsModel(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}

func TestRegistry_GetCounter(t *testing.T) {
	r := NewDefaultRegistry()

	if _, ok := r.GetCounter("gpt-4o-mini").(*TiktokenCounter); !ok {
		t.Error("gpt-4o-mini should use tiktoken")
	}
	if _, ok := r.GetCounter("anthropic.claude-3-haiku").(*Estimator); !ok {
		t.Error("claude models should fall back to the estimator")
	}
}

func TestRegistry_Estimate(t *testing.T) {
	r := NewRegistry()

	usage := r.Estimate("anthropic.claude-3-haiku", []string{"abcd", "abcdefgh"}, "abcdefghijkl")
	if !usage.Estimated {
		t.Error("Estimated should be true")
	}
	if usage.Input != 3 {
		t.Errorf("Input = %d, want 3", usage.Input)
	}
	if usage.Output != 3 {
		t.Errorf("Output = %d, want 3", usage.Output)
	}
}

func TestLookupModel(t *testing.T) {
	tests := []struct {
		model    string
		encoding tokenizer.Encoding
	}{
		{"gpt-4o-mini", tokenizer.O200kBase},
		{"GPT-4.1-nano", tokenizer.O200kBase},
		{"gpt-4-turbo", tokenizer.Cl100kBase},
		{"gpt-3.5-turbo", tokenizer.Cl100kBase},
		{"my-azure-deployment", tokenizer.O200kBase},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if _, enc := lookupModel(tt.model); enc != tt.encoding {
				t.Errorf("lookupModel(%q) encoding = %s, want %s", tt.model, enc, tt.encoding)
			}
		})
	}
}
