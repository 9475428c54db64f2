package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/sentinel-gateway/llm-gateway/internal/types"
)

// failingStubProvider lets tests force a ChatCompletion/StreamCompletion
// error and optionally report itself unavailable via AvailabilityChecker.
type failingStubProvider struct {
	stubProvider
	failErr     error
	unavailable bool
}

func (s *failingStubProvider) ChatCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	if s.failErr != nil {
		return nil, s.failErr
	}
	return &types.ChatResponse{Model: req.Model}, nil
}

func (s *failingStubProvider) IsAvailable() bool { return !s.unavailable }

func TestFallbackRouter_ResolvesExactModelChain(t *testing.T) {
	reg := NewProviderRegistry()
	reg.Register("openai", &stubProvider{name: "openai"})

	r := NewFallbackRouter(reg, map[string][]string{"gpt-4o": {"openai"}}, logrus.New())
	resp, provider, err := r.Route(context.Background(), &types.ChatRequest{Model: "gpt-4o"})
	assert.NoError(t, err)
	assert.Equal(t, "openai", provider)
	assert.NotNil(t, resp)
}

func TestFallbackRouter_FallsBackOnFailure(t *testing.T) {
	reg := NewProviderRegistry()
	reg.Register("openai", &failingStubProvider{stubProvider: stubProvider{name: "openai"}, failErr: errors.New("boom")})
	reg.Register("anthropic", &stubProvider{name: "anthropic"})

	r := NewFallbackRouter(reg, map[string][]string{"*": {"openai", "anthropic"}}, logrus.New())
	resp, provider, err := r.Route(context.Background(), &types.ChatRequest{Model: "some-model"})
	assert.NoError(t, err)
	assert.Equal(t, "anthropic", provider)
	assert.NotNil(t, resp)
}

func TestFallbackRouter_SkipsUnavailableProvider(t *testing.T) {
	reg := NewProviderRegistry()
	reg.Register("openai", &failingStubProvider{stubProvider: stubProvider{name: "openai"}, unavailable: true})
	reg.Register("anthropic", &stubProvider{name: "anthropic"})

	r := NewFallbackRouter(reg, map[string][]string{"*": {"openai", "anthropic"}}, logrus.New())
	_, provider, err := r.Route(context.Background(), &types.ChatRequest{Model: "x"})
	assert.NoError(t, err)
	assert.Equal(t, "anthropic", provider)
}

func TestFallbackRouter_NoProviderErrorWhenUnresolvable(t *testing.T) {
	reg := NewProviderRegistry()
	r := NewFallbackRouter(reg, nil, logrus.New())
	_, _, err := r.Route(context.Background(), &types.ChatRequest{Model: "mystery-model"})
	var noProvider *NoProviderError
	assert.ErrorAs(t, err, &noProvider)
}

func TestFallbackRouter_AllProvidersFailedError(t *testing.T) {
	reg := NewProviderRegistry()
	reg.Register("openai", &failingStubProvider{stubProvider: stubProvider{name: "openai"}, failErr: errors.New("boom")})

	r := NewFallbackRouter(reg, map[string][]string{"*": {"openai"}}, logrus.New())
	_, _, err := r.Route(context.Background(), &types.ChatRequest{Model: "x"})
	var allFailed *AllProvidersFailedError
	assert.ErrorAs(t, err, &allFailed)
}
