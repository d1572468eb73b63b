package config

import (
	"fmt"
	"os"
	"strings"
)

// providerKeyEnv maps a provider id to the environment variables that can
// carry its API key, in lookup order.
var providerKeyEnv = map[string][]string{
	"openai":     {"OPENAI_API_KEY"},
	"anthropic":  {"ANTHROPIC_API_KEY"},
	"google":     {"GOOGLE_API_KEY", "GEMINI_API_KEY"},
	"openrouter": {"OPENROUTER_API_KEY"},
}

// SplitModel splits a "provider/model" identifier on the first slash. The
// "gemini" prefix is an accepted alias for "google".
func SplitModel(model string) (provider, name string, err error) {
	idx := strings.Index(model, "/")
	if idx <= 0 || idx == len(model)-1 {
		return "", "", fmt.Errorf("model %q must be in provider/model form", model)
	}
	provider = strings.ToLower(model[:idx])
	name = model[idx+1:]
	if provider == "gemini" {
		provider = "google"
	}
	if _, ok := providerKeyEnv[provider]; !ok {
		return "", "", fmt.Errorf("unknown provider %q in model %q", provider, model)
	}
	return provider, name, nil
}

// ProviderAPIKey returns the configured API key for a provider, or "" when
// none of its environment variables are set.
func ProviderAPIKey(provider string) string {
	for _, env := range providerKeyEnv[provider] {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return ""
}

// ProviderDisabled reports whether DISABLE_<PROVIDER> is set to a truthy
// value for the provider.
func ProviderDisabled(provider string) bool {
	v := strings.ToLower(os.Getenv("DISABLE_" + strings.ToUpper(provider)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// IsProviderEnabled reports whether the provider has a credential and is not
// explicitly disabled. In mock mode every provider is considered enabled.
func IsProviderEnabled(provider string) bool {
	if MockMode() {
		return true
	}
	if ProviderDisabled(provider) {
		return false
	}
	return ProviderAPIKey(provider) != ""
}

// MockMode reports whether LLM_MOCK forces deterministic canned responses.
func MockMode() bool {
	v := strings.ToLower(os.Getenv("LLM_MOCK"))
	switch v {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// ProviderStatus describes one provider's availability for health reporting.
type ProviderStatus struct {
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	HasKey   bool   `json:"has_key"`
	Disabled bool   `json:"disabled"`
}

// Providers returns the status of every known provider, sorted by name.
func Providers() []ProviderStatus {
	names := []string{"anthropic", "google", "openai", "openrouter"}
	statuses := make([]ProviderStatus, 0, len(names))
	for _, name := range names {
		statuses = append(statuses, ProviderStatus{
			Name:     name,
			Enabled:  IsProviderEnabled(name),
			HasKey:   ProviderAPIKey(name) != "",
			Disabled: ProviderDisabled(name),
		})
	}
	return statuses
}

// EnabledProviders returns the names of providers that are currently usable.
func EnabledProviders() []string {
	var enabled []string
	for _, s := range Providers() {
		if s.Enabled {
			enabled = append(enabled, s.Name)
		}
	}
	return enabled
}
