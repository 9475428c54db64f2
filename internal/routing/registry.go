package routing

import (
	"strings"
	"sync"

	"github.com/sentinel-gateway/llm-gateway/internal/providers"
)

// ProviderRegistry is a thread-safe name-keyed lookup over registered
// providers, with a denormalized model → provider index built from each
// adapter's declared models. Split out of Router so the pipeline can
// resolve "which adapter handles claude-3-5-sonnet" without depending on
// routing-strategy internals.
type ProviderRegistry struct {
	mu            sync.RWMutex
	byName        map[string]providers.LLMProvider
	modelIndex    map[string]string
	modelPrefixes map[string]string
}

// NewProviderRegistry creates an empty registry. The prefix table is the
// fallback for models an adapter never declared explicitly.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		byName:     make(map[string]providers.LLMProvider),
		modelIndex: make(map[string]string),
		modelPrefixes: map[string]string{
			"gpt-":    "openai",
			"claude-": "anthropic",
		},
	}
}

// Register adds a provider under name, indexing its declared models.
// Re-registering a name overwrites the adapter and evicts the old
// adapter's model entries first.
func (reg *ProviderRegistry) Register(name string, provider providers.LLMProvider) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.byName[name]; exists {
		for model, owner := range reg.modelIndex {
			if owner == name {
				delete(reg.modelIndex, model)
			}
		}
	}

	reg.byName[name] = provider
	for _, model := range provider.GetCapabilities().SupportedModels {
		reg.modelIndex[model.Name] = name
	}
}

// ByName returns the provider registered under name, if any.
func (reg *ProviderRegistry) ByName(name string) (providers.LLMProvider, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	p, ok := reg.byName[name]
	return p, ok
}

// ByModel resolves a model name to its owning provider: the declared-model
// index first, then the prefix table (e.g. "gpt-" → openai).
func (reg *ProviderRegistry) ByModel(model string) (string, providers.LLMProvider, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	if name, ok := reg.modelIndex[model]; ok {
		if p, ok := reg.byName[name]; ok {
			return name, p, true
		}
	}
	for prefix, name := range reg.modelPrefixes {
		if strings.HasPrefix(model, prefix) {
			if p, ok := reg.byName[name]; ok {
				return name, p, true
			}
		}
	}
	return "", nil, false
}

// Names returns all registered provider names.
func (reg *ProviderRegistry) Names() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	names := make([]string, 0, len(reg.byName))
	for name := range reg.byName {
		names = append(names, name)
	}
	return names
}

// ListModels returns every model name the registered adapters declared.
func (reg *ProviderRegistry) ListModels() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	models := make([]string, 0, len(reg.modelIndex))
	for model := range reg.modelIndex {
		models = append(models, model)
	}
	return models
}

// ListAvailable returns the names of providers whose breaker (if any)
// currently admits calls.
func (reg *ProviderRegistry) ListAvailable() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	names := make([]string, 0, len(reg.byName))
	for name, p := range reg.byName {
		if checker, ok := p.(providers.AvailabilityChecker); ok && !checker.IsAvailable() {
			continue
		}
		names = append(names, name)
	}
	return names
}
