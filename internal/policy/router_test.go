package policy

import (
	"testing"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/pkg/config"
)

func testProviders(names ...string) []config.ProviderConfig {
	out := make([]config.ProviderConfig, len(names))
	for i, n := range names {
		out[i] = config.ProviderConfig{Name: n}
	}
	return out
}

func TestRouter_Resolve(t *testing.T) {
	r := NewRouter(config.RoutingConfig{Default: "cost"}, testProviders("azure", "bedrock"))

	tests := []struct {
		policy       string
		wantPolicy   string
		wantProvider string
		wantModel    string
	}{
		{"cost", "cost", "azure", "gpt-4o-mini"},
		{"quality", "quality", "bedrock", "anthropic.claude-3-haiku-20240307-v1:0"},
		{"QUALITY", "quality", "bedrock", "anthropic.claude-3-haiku-20240307-v1:0"},
		{"", "cost", "azure", "gpt-4o-mini"},
		{"fastest", "cost", "azure", "gpt-4o-mini"},
	}

	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			d, err := r.Resolve(tt.policy)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if d.Policy != tt.wantPolicy || d.Provider != tt.wantProvider || d.Model != tt.wantModel {
				t.Errorf("Resolve(%q) = %+v", tt.policy, d)
			}
		})
	}
}

func TestRouter_Reason(t *testing.T) {
	r := NewRouter(config.RoutingConfig{}, testProviders("azure"))

	d, err := r.Resolve("cost")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	want := "policy=cost selected azure (gpt-4o-mini)"
	if d.Reason != want {
		t.Errorf("Reason = %q, want %q", d.Reason, want)
	}
}

func TestRouter_ConfiguredPresets(t *testing.T) {
	r := NewRouter(config.RoutingConfig{
		Presets: map[string]string{
			"quality": "openai:gpt-4o",
			"cheap":   "resnet:resnet50-endpoint",
		},
		Default: "cheap",
	}, testProviders("openai", "resnet", "azure"))

	d, err := r.Resolve("quality")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if d.Provider != "openai" || d.Model != "gpt-4o" {
		t.Errorf("quality = %+v, want openai:gpt-4o", d)
	}

	d, err = r.Resolve("unknown")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if d.Policy != "cheap" || d.Provider != "resnet" {
		t.Errorf("fallback = %+v, want cheap policy", d)
	}
}

func TestRouter_ProviderNotEnabled(t *testing.T) {
	r := NewRouter(config.RoutingConfig{}, testProviders("resnet"))

	if _, err := r.Resolve("quality"); err == nil {
		t.Fatal("Resolve() expected error for provider that is not enabled")
	}
}
