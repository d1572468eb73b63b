package llms

import (
	"fmt"

	"github.com/brdfb/maestro/pkg/config"
	"github.com/brdfb/maestro/pkg/httpclient"
	"github.com/brdfb/maestro/pkg/registry"
)

// ProviderRegistry holds the constructed providers keyed by provider id.
type ProviderRegistry struct {
	*registry.Registry[Provider]
}

// NewProviderRegistry builds providers for every enabled provider id. In mock
// mode a single mock provider serves every id.
func NewProviderRegistry(client *httpclient.Client) *ProviderRegistry {
	r := &ProviderRegistry{Registry: registry.New[Provider]()}

	if config.MockMode() {
		mock := NewMockProvider()
		for _, name := range []string{"openai", "anthropic", "google", "openrouter", "mock"} {
			r.register(name, mock)
		}
		return r
	}

	if config.IsProviderEnabled("openai") {
		r.register("openai", NewOpenAIProvider(config.ProviderAPIKey("openai"), client))
	}
	if config.IsProviderEnabled("openrouter") {
		r.register("openrouter", NewOpenRouterProvider(config.ProviderAPIKey("openrouter"), client))
	}
	if config.IsProviderEnabled("anthropic") {
		r.register("anthropic", NewAnthropicProvider(config.ProviderAPIKey("anthropic"), client))
	}
	if config.IsProviderEnabled("google") {
		r.register("google", NewGeminiProvider(config.ProviderAPIKey("google"), client))
	}

	return r
}

func (r *ProviderRegistry) register(name string, p Provider) {
	// Registration only fails on duplicates, which construction prevents.
	_ = r.Register(name, p)
}

// Provider returns the provider for an id.
func (r *ProviderRegistry) Provider(name string) (Provider, error) {
	p, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("provider %q is not available", name)
	}
	return p, nil
}
