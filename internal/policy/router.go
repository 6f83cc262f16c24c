// Package policy resolves routing policy names to a single provider and model.
package policy

import (
	"fmt"
	"maps"
	"strings"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/pkg/config"
)

// Built-in policy names.
const (
	PolicyCost    = "cost"
	PolicyQuality = "quality"
)

// DefaultPresets apply when the configuration does not override them.
var DefaultPresets = map[string]string{
	PolicyCost:    "azure:gpt-4o-mini",
	PolicyQuality: "bedrock:anthropic.claude-3-haiku-20240307-v1:0",
}

// Decision is the outcome of resolving a policy.
type Decision struct {
	Policy   string `json:"policy"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Reason   string `json:"reason"`
}

type Router struct {
	presets       map[string]string
	defaultPolicy string
	providers     map[string]bool
}

// NewRouter builds a router over the enabled providers. Configured presets
// replace built-in ones of the same name.
func NewRouter(routing config.RoutingConfig, providers []config.ProviderConfig) *Router {
	presets := maps.Clone(DefaultPresets)
	maps.Copy(presets, routing.Presets)

	known := make(map[string]bool, len(providers))
	for _, p := range providers {
		known[p.Name] = true
	}

	def := routing.Default
	if _, ok := presets[def]; !ok {
		def = PolicyCost
	}

	return &Router{
		presets:       presets,
		defaultPolicy: def,
		providers:     known,
	}
}

// Resolve maps a policy name to a provider and model. Unknown or empty
// policy names fall back to the default policy.
func (r *Router) Resolve(policy string) (Decision, error) {
	policy = strings.ToLower(strings.TrimSpace(policy))
	preset, ok := r.presets[policy]
	if !ok {
		policy = r.defaultPolicy
		preset = r.presets[policy]
	}

	provider, model, ok := strings.Cut(preset, ":")
	if !ok || provider == "" {
		return Decision{}, fmt.Errorf("policy %q: invalid preset %q", policy, preset)
	}
	if !r.providers[provider] {
		return Decision{}, fmt.Errorf("policy %q: provider %q is not enabled", policy, provider)
	}

	return Decision{
		Policy:   policy,
		Provider: provider,
		Model:    model,
		Reason:   fmt.Sprintf("policy=%s selected %s (%s)", policy, provider, model),
	}, nil
}

// Policies returns the known policy names.
func (r *Router) Policies() []string {
	out := make([]string, 0, len(r.presets))
	for name := range r.presets {
		out = append(out, name)
	}
	return out
}
