package routing

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-gateway/llm-gateway/internal/providers/openai"
	"github.com/sentinel-gateway/llm-gateway/internal/types"
)

func createTestRouter(t testing.TB) *Router {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewRouter(logger)
}

func createTestOpenAIProvider() *openai.OpenAIProvider {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	config := &openai.OpenAIConfig{
		APIKey: "test-api-key",
		Models: []types.ModelInfo{
			{
				Name:              "gpt-3.5-turbo",
				ProviderModelID:   "gpt-3.5-turbo",
				InputCostPer1K:    0.0015,
				OutputCostPer1K:   0.002,
				MaxContextWindow:  16385,
				MaxOutputTokens:   4096,
				SupportsFunctions: true,
			},
			{
				Name:              "gpt-4o",
				ProviderModelID:   "gpt-4o",
				InputCostPer1K:    0.005,
				OutputCostPer1K:   0.015,
				MaxContextWindow:  128000,
				MaxOutputTokens:   4096,
				SupportsFunctions: true,
				SupportsVision:    true,
			},
		},
		Timeout: 30 * time.Second,
	}

	return openai.NewOpenAIProvider(config, logger)
}

func TestRouter_RegisterProvider(t *testing.T) {
	router := createTestRouter(t)
	provider := createTestOpenAIProvider()

	router.RegisterProvider("test-openai", provider)

	require.Equal(t, []string{"test-openai"}, router.ListProviders())

	retrieved, exists := router.GetProvider("test-openai")
	require.True(t, exists)
	assert.Same(t, provider, retrieved)
}

func TestRouter_Route_CostOptimized(t *testing.T) {
	router := createTestRouter(t)
	router.RegisterProvider("cheap", createTestOpenAIProvider())
	router.RegisterProvider("expensive", createTestOpenAIProvider())

	req := &types.ChatRequest{
		ID:          "test-request",
		Model:       "gpt-3.5-turbo",
		Messages:    []types.Message{{Role: "user", Content: "Hello"}},
		OptimizeFor: types.OptimizeCost,
		Timestamp:   time.Now(),
	}

	metadata, provider, err := router.Route(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, metadata)
	require.NotNil(t, provider)
	assert.Contains(t, []string{"cheap", "expensive"}, metadata.Provider)
}

func TestRouter_Route_SpecificProvider(t *testing.T) {
	router := createTestRouter(t)
	openaiProvider := createTestOpenAIProvider()
	router.RegisterProvider("openai", openaiProvider)

	req := &types.ChatRequest{
		ID:        "test-request",
		Model:     "gpt-4o",
		Messages:  []types.Message{{Role: "user", Content: "Hello"}},
		Timestamp: time.Now(),
	}

	metadata, routedProvider, err := router.Route(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "openai", metadata.Provider)
	assert.Same(t, openaiProvider, routedProvider)
}

func TestRouter_Route_PerformanceOptimized(t *testing.T) {
	router := createTestRouter(t)
	router.RegisterProvider("openai", createTestOpenAIProvider())

	req := &types.ChatRequest{
		ID:          "test-request",
		Model:       "gpt-3.5-turbo",
		Messages:    []types.Message{{Role: "user", Content: "Hello"}},
		OptimizeFor: types.OptimizePerformance,
		Timestamp:   time.Now(),
	}

	metadata, _, err := router.Route(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "openai", metadata.Provider)
}

func TestRouter_Route_RoundRobin(t *testing.T) {
	router := createTestRouter(t)
	router.RegisterProvider("provider1", createTestOpenAIProvider())
	router.RegisterProvider("provider2", createTestOpenAIProvider())

	req := &types.ChatRequest{
		ID:          "test-request",
		Model:       "gpt-3.5-turbo",
		Messages:    []types.Message{{Role: "user", Content: "Hello"}},
		OptimizeFor: "round_robin",
		Timestamp:   time.Now(),
	}

	selected := make(map[string]int)
	for i := 0; i < 4; i++ {
		metadata, _, err := router.Route(context.Background(), req)
		require.NoError(t, err)
		selected[metadata.Provider]++
	}
	assert.NotEmpty(t, selected)
}

func TestRouter_HealthMonitoring(t *testing.T) {
	router := createTestRouter(t)
	router.RegisterProvider("test", createTestOpenAIProvider())

	healthStatus := router.GetHealthStatus()
	require.Len(t, healthStatus, 1)

	status, exists := healthStatus["test"]
	require.True(t, exists)
	assert.Equal(t, "unknown", status.Status, "providers start unknown until the first probe runs")
}

func TestRouter_FeatureFiltering(t *testing.T) {
	router := createTestRouter(t)
	router.RegisterProvider("openai", createTestOpenAIProvider())

	tests := []struct {
		name    string
		request *types.ChatRequest
	}{
		{
			name: "basic request",
			request: &types.ChatRequest{
				Model:    "gpt-3.5-turbo",
				Messages: []types.Message{{Role: "user", Content: "Hello"}},
			},
		},
		{
			name: "request with functions",
			request: &types.ChatRequest{
				Model:    "gpt-4o",
				Messages: []types.Message{{Role: "user", Content: "Hello"}},
				Tools: []types.Tool{
					{Type: "function", Function: types.Function{Name: "test"}},
				},
			},
		},
		{
			name: "request with vision",
			request: &types.ChatRequest{
				Model: "gpt-4o",
				Messages: []types.Message{
					{
						Role: "user",
						Content: []types.ContentPart{
							{Type: "text", Text: "What's this?"},
							{Type: "image_url", ImageURL: &types.ImageURL{URL: "test.jpg"}},
						},
					},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.request.ID = "test-" + tt.name
			tt.request.Timestamp = time.Now()

			_, _, err := router.Route(context.Background(), tt.request)
			assert.NoError(t, err, "the registered provider supports every requested feature")
		})
	}
}

func TestRouter_BuildRoutingContext(t *testing.T) {
	router := createTestRouter(t)

	req := &types.ChatRequest{
		Model:            "gpt-4o",
		Messages:         []types.Message{{Role: "user", Content: "Test"}},
		RequiredFeatures: []string{"functions", "vision"},
		Stream:           true,
	}

	rc := router.buildRoutingContext("test_strategy", req, []string{"provider1", "provider2"})

	assert.Equal(t, "test_strategy", rc.Strategy)
	assert.Len(t, rc.ConsideredProviders, 2)
	assert.Subset(t, rc.RequestFeatures, []string{"functions", "vision", "streaming"})
}

func TestRouter_GetCapabilities(t *testing.T) {
	router := createTestRouter(t)
	router.RegisterProvider("openai", createTestOpenAIProvider())

	capabilities := router.GetCapabilities()
	require.Len(t, capabilities, 1)

	openaiCaps, exists := capabilities["openai"]
	require.True(t, exists)
	assert.Equal(t, "openai", openaiCaps.ProviderName)
}

func BenchmarkRouter_Route(b *testing.B) {
	router := createTestRouter(b)
	router.RegisterProvider("openai", createTestOpenAIProvider())

	req := &types.ChatRequest{
		ID:          "benchmark-request",
		Model:       "gpt-3.5-turbo",
		Messages:    []types.Message{{Role: "user", Content: "Hello"}},
		OptimizeFor: types.OptimizeCost,
		Timestamp:   time.Now(),
	}

	ctx := context.Background()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, _, err := router.Route(ctx, req); err != nil {
			b.Fatalf("Routing failed: %v", err)
		}
	}
}

func BenchmarkRouter_HealthCheck(b *testing.B) {
	router := createTestRouter(b)
	router.RegisterProvider("openai", createTestOpenAIProvider())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = router.GetHealthStatus()
	}
}
