package agent

import (
	"fmt"
	"strings"
	"sync"
)

// ParseModel splits a model string of the form "providerId/modelId" into its
// two parts. A model string with no "/" is treated as belonging to the
// registry's default provider, with providerID returned empty.
func ParseModel(model string) (providerID, modelID string) {
	if idx := strings.IndexByte(model, '/'); idx >= 0 {
		return model[:idx], model[idx+1:]
	}
	return "", model
}

// ProviderRegistry resolves a "providerId/modelId" model string to the
// LLMProvider that should serve it, the way spec.md's LLM Gateway resolves a
// request before dispatch. A provider registered under the empty string id
// serves bare model strings (no "/").
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]LLMProvider
}

// NewProviderRegistry creates an empty provider registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]LLMProvider)}
}

// Register associates a providerId with the LLMProvider that serves it. The
// provider may itself be a *FailoverOrchestrator wrapping a primary plus
// fallback providers under one id.
func (r *ProviderRegistry) Register(providerID string, provider LLMProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[providerID] = provider
}

// Resolve parses model and returns the provider registered for its
// providerId, along with the bare modelID to send in the request.
func (r *ProviderRegistry) Resolve(model string) (provider LLMProvider, modelID string, err error) {
	providerID, modelID := ParseModel(model)

	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, ok := r.providers[providerID]
	if !ok {
		if providerID == "" {
			return nil, modelID, fmt.Errorf("provider registry: no default provider registered")
		}
		return nil, modelID, fmt.Errorf("provider registry: unknown provider %q", providerID)
	}
	return provider, modelID, nil
}

// CapabilityFor returns the Model capability metadata for a "providerId/modelId"
// string, if the registered provider advertises it.
func (r *ProviderRegistry) CapabilityFor(model string) (Model, bool) {
	provider, modelID, err := r.Resolve(model)
	if err != nil {
		return Model{}, false
	}
	for _, m := range provider.Models() {
		if m.ID == modelID {
			return m, true
		}
	}
	return Model{}, false
}

// Providers returns the registered provider ids.
func (r *ProviderRegistry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	return ids
}
