package routing

import (
	"time"
)

// RoutingDecision is the legacy multi-strategy router's explanation of a
// provider choice, served on /v1/routing/decision so operators can see
// why a request would land where it does without executing it.
type RoutingDecision struct {
	SelectedProvider string   `json:"selected_provider"`
	Reasoning        []string `json:"reasoning"`

	EstimatedCost    float64       `json:"estimated_cost"`
	EstimatedLatency time.Duration `json:"estimated_latency"`

	// Which requested features each candidate satisfied.
	FeatureCompatibility map[string]bool `json:"feature_compatibility"`

	// Providers that would be tried next if the selected one fails.
	FallbackChain []string `json:"fallback_chain"`

	RoutingContext RoutingContext `json:"routing_context"`
}

// RoutingContext carries the evidence behind a RoutingDecision.
type RoutingContext struct {
	Strategy            string            `json:"strategy"`
	RequestFeatures     []string          `json:"request_features"`
	ProviderHealth      map[string]string `json:"provider_health"`
	ConsideredProviders []string          `json:"considered_providers"`
	Timestamp           time.Time         `json:"timestamp"`

	CostComparison        map[string]float64       `json:"cost_comparison,omitempty"`
	PerformanceComparison map[string]time.Duration `json:"performance_comparison,omitempty"`
}
