package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sentinel-gateway/llm-gateway/internal/types"
)

func TestRouter_NextFallback_DisabledReturnsFalse(t *testing.T) {
	router := createTestRouter(t)
	router.RegisterProvider("stub", &stubProvider{name: "stub"})

	req := &types.ChatRequest{Model: "gpt-4o"}
	metadata := &types.RouterMetadata{Provider: "stub"}

	_, _, found := router.NextFallback(req, metadata)
	assert.False(t, found)
}

func TestRouter_NextFallback_SkipsFailedAndOriginal(t *testing.T) {
	router := createTestRouter(t)
	router.RegisterProvider("stub-a", &stubProvider{name: "stub-a"})
	router.RegisterProvider("stub-b", &stubProvider{name: "stub-b"})

	req := &types.ChatRequest{
		Model: "gpt-4o",
		FallbackConfig: &types.FallbackConfig{
			Enabled:        true,
			PreferredChain: []string{"stub-a", "stub-b"},
		},
	}
	metadata := &types.RouterMetadata{Provider: "stub-a", FailedProviders: []string{"stub-a"}}

	name, provider, found := router.NextFallback(req, metadata)
	assert.True(t, found)
	assert.Equal(t, "stub-b", name)
	assert.NotNil(t, provider)
}

func TestRouter_NextFallback_NoChainExhausted(t *testing.T) {
	router := createTestRouter(t)
	router.RegisterProvider("stub-a", &stubProvider{name: "stub-a"})

	req := &types.ChatRequest{
		Model:          "gpt-4o",
		FallbackConfig: &types.FallbackConfig{Enabled: true, PreferredChain: []string{"stub-a"}},
	}
	metadata := &types.RouterMetadata{Provider: "stub-a", FailedProviders: []string{"stub-a"}}

	_, _, found := router.NextFallback(req, metadata)
	assert.False(t, found)
}
