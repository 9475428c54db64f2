package routing

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sentinel-gateway/llm-gateway/internal/providers"
	"github.com/sentinel-gateway/llm-gateway/internal/types"
)

// NoProviderError is returned when no fallback chain and no registry
// model-prefix entry can resolve req.Model to any provider. Surfaced by
// the pipeline as HTTP 404.
type NoProviderError struct {
	Model string
}

func (e *NoProviderError) Error() string {
	return fmt.Sprintf("no provider available for model %q", e.Model)
}

// AllProvidersFailedError is returned when every adapter in the resolved
// chain either skipped (breaker open) or failed. Errors is keyed by
// provider name and is empty for an all-skipped chain: a chain where
// every breaker is open fails with no attempt errors to report.
type AllProvidersFailedError struct {
	Model   string
	Errors  map[string]error
	Skipped []string
}

func (e *AllProvidersFailedError) Error() string {
	names := make([]string, 0, len(e.Errors))
	for name := range e.Errors {
		names = append(names, name)
	}
	return fmt.Sprintf("all providers failed for model %q: %s", e.Model, strings.Join(names, ", "))
}

// FallbackRouter is a pure ordered-fallback dispatcher over a
// ProviderRegistry, with no retry loop of its own (retry lives in the
// provider adapter, see internal/providers.ResilientProvider) and no
// parallel fan-out; providers are tried strictly in declared order.
type FallbackRouter struct {
	registry *ProviderRegistry
	chains   map[string][]string
	logger   *logrus.Logger
}

// NewFallbackRouter builds a router over registry. chains maps a model
// name to an ordered list of provider names to try; the key "*" is
// consulted when no exact entry exists for req.Model.
func NewFallbackRouter(registry *ProviderRegistry, chains map[string][]string, logger *logrus.Logger) *FallbackRouter {
	if chains == nil {
		chains = map[string][]string{}
	}
	return &FallbackRouter{registry: registry, chains: chains, logger: logger}
}

// resolveChain resolves in precedence order: exact model entry, else "*"
// wildcard, else the registry's single-provider resolution for the
// model's prefix.
func (r *FallbackRouter) resolveChain(model string) []string {
	if chain, ok := r.chains[model]; ok && len(chain) > 0 {
		return chain
	}
	if chain, ok := r.chains["*"]; ok && len(chain) > 0 {
		return chain
	}
	if name, _, found := r.registry.ByModel(model); found {
		return []string{name}
	}
	return nil
}

func isAvailable(p providers.LLMProvider) bool {
	if checker, ok := p.(providers.AvailabilityChecker); ok {
		return checker.IsAvailable()
	}
	return true
}

// Route walks the resolved chain in order, skipping unavailable adapters
// and trying the rest on failure. Returns the response from the first
// adapter to succeed, along with the name of the provider that served it.
func (r *FallbackRouter) Route(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, string, error) {
	chain := r.resolveChain(req.Model)
	if len(chain) == 0 {
		return nil, "", &NoProviderError{Model: req.Model}
	}

	errs := map[string]error{}
	var skipped []string

	for _, name := range chain {
		adapter, ok := r.registry.ByName(name)
		if !ok {
			continue
		}
		if !isAvailable(adapter) {
			skipped = append(skipped, name)
			r.logger.WithField("provider", name).Debug("skipping unavailable provider")
			continue
		}

		resp, err := adapter.ChatCompletion(ctx, req)
		if err == nil {
			return resp, name, nil
		}
		errs[name] = err
		r.logger.WithError(err).WithField("provider", name).Warn("provider attempt failed, trying next")
	}

	return nil, "", &AllProvidersFailedError{Model: req.Model, Errors: errs, Skipped: skipped}
}

// Stream is Route's streaming counterpart: the first adapter to
// successfully establish a stream wins; an adapter that errors before
// yielding any chunk is treated like a Route failure and the next
// candidate is tried. Once a stream has started, failures mid-flight are
// the caller's concern (the channel simply closes early).
func (r *FallbackRouter) Stream(ctx context.Context, req *types.ChatRequest) (<-chan *types.ChatChunk, string, error) {
	chain := r.resolveChain(req.Model)
	if len(chain) == 0 {
		return nil, "", &NoProviderError{Model: req.Model}
	}

	errs := map[string]error{}
	var skipped []string

	for _, name := range chain {
		adapter, ok := r.registry.ByName(name)
		if !ok {
			continue
		}
		if !isAvailable(adapter) {
			skipped = append(skipped, name)
			continue
		}

		ch, err := adapter.StreamCompletion(ctx, req)
		if err == nil {
			return ch, name, nil
		}
		errs[name] = err
		r.logger.WithError(err).WithField("provider", name).Warn("streaming attempt failed, trying next")
	}

	return nil, "", &AllProvidersFailedError{Model: req.Model, Errors: errs, Skipped: skipped}
}
