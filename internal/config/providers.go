package config

import "os"

// Provider is one LLM provider the runtime can hand to a bundle.
type Provider struct {
	Name   string `json:"name"`
	EnvKey string `json:"env_key"`
}

// providerOrder fixes detection order. When several keys are set, the first
// one present is the default provider; the rest remain available to bundles
// that name them explicitly.
var providerOrder = []Provider{
	{Name: "anthropic", EnvKey: "ANTHROPIC_API_KEY"},
	{Name: "openai", EnvKey: "OPENAI_API_KEY"},
	{Name: "azure-openai", EnvKey: "AZURE_OPENAI_API_KEY"},
	{Name: "google", EnvKey: "GOOGLE_API_KEY"},
}

// DetectProviders returns every provider whose API key is set, in detection
// order.
func DetectProviders() []Provider {
	var out []Provider
	for _, p := range providerOrder {
		if os.Getenv(p.EnvKey) != "" {
			out = append(out, p)
		}
	}
	return out
}

// DefaultProvider returns the name of the first detected provider, or ""
// when no provider key is set.
func DefaultProvider() string {
	detected := DetectProviders()
	if len(detected) == 0 {
		return ""
	}
	return detected[0].Name
}
