package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-gateway/llm-gateway/internal/resilience"
	"github.com/sentinel-gateway/llm-gateway/internal/types"
)

// flakyProvider fails its first failCount calls, then succeeds. Stream
// chunks are replayed from streamChunks on success.
type flakyProvider struct {
	failCount    int
	calls        int
	streamChunks []*types.ChatChunk
}

func (f *flakyProvider) GetCapabilities() types.ProviderCapabilities { return types.ProviderCapabilities{} }
func (f *flakyProvider) GetProviderName() string                     { return "flaky" }
func (f *flakyProvider) ChatCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	f.calls++
	if f.calls <= f.failCount {
		return nil, errors.New("503 service unavailable")
	}
	return &types.ChatResponse{Model: req.Model}, nil
}
func (f *flakyProvider) StreamCompletion(ctx context.Context, req *types.ChatRequest) (<-chan *types.ChatChunk, error) {
	f.calls++
	if f.calls <= f.failCount {
		return nil, errors.New("503 service unavailable")
	}
	ch := make(chan *types.ChatChunk, len(f.streamChunks))
	for _, c := range f.streamChunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}
func (f *flakyProvider) EstimateCost(req *types.ChatRequest) (*types.CostEstimate, error) {
	return &types.CostEstimate{}, nil
}
func (f *flakyProvider) HealthCheck(ctx context.Context) error { return nil }

func newResilient(inner LLMProvider, breaker *resilience.CircuitBreaker) *ResilientProvider {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	retry := resilience.NewRetryPolicy(resilience.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	})
	return NewResilientProvider("flaky", inner, breaker, retry, logger)
}

func testBreaker() *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(resilience.BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
	})
}

func TestResilientProvider_RetriesTransientFailure(t *testing.T) {
	inner := &flakyProvider{failCount: 2}
	breaker := testBreaker()
	p := newResilient(inner, breaker)

	resp, err := p.ChatCompletion(context.Background(), &types.ChatRequest{Model: "m"})
	require.NoError(t, err)
	assert.NotNil(t, resp)
	assert.Equal(t, 3, inner.calls, "two failures then a success inside one retry window")
	assert.Equal(t, 0, breaker.State().FailureCount, "success resets the count")
}

func TestResilientProvider_TerminalFailureRecordsOnce(t *testing.T) {
	inner := &flakyProvider{failCount: 10}
	breaker := testBreaker()
	p := newResilient(inner, breaker)

	_, err := p.ChatCompletion(context.Background(), &types.ChatRequest{Model: "m"})
	require.Error(t, err)

	var unavailable *UnavailableError
	assert.ErrorAs(t, err, &unavailable, "the propagated error is the classified last error")
	assert.Equal(t, 3, inner.calls, "retry stops at max attempts")
	assert.Equal(t, 1, breaker.State().FailureCount, "one breaker failure per terminal failure, not per attempt")
}

func TestResilientProvider_OpenBreakerRejectsWithoutCalling(t *testing.T) {
	inner := &flakyProvider{failCount: 10}
	breaker := testBreaker()
	p := newResilient(inner, breaker)

	// Trip the breaker: three terminal failures.
	for i := 0; i < 3; i++ {
		_, err := p.ChatCompletion(context.Background(), &types.ChatRequest{Model: "m"})
		require.Error(t, err)
	}
	require.Equal(t, resilience.StateOpen, breaker.State().State)
	assert.False(t, p.IsAvailable())

	callsBefore := inner.calls
	_, err := p.ChatCompletion(context.Background(), &types.ChatRequest{Model: "m"})
	require.Error(t, err)
	assert.Equal(t, callsBefore, inner.calls, "an open breaker must short-circuit before the adapter")
}

func TestResilientProvider_StreamSuccessRecordedAfterDrain(t *testing.T) {
	inner := &flakyProvider{streamChunks: []*types.ChatChunk{
		{Choices: []types.ChoiceChunk{{Delta: &types.Message{Content: "a"}}}},
		{Choices: []types.ChoiceChunk{{Delta: &types.Message{Content: "b"}}}},
	}}
	breaker := testBreaker()
	p := newResilient(inner, breaker)

	ch, err := p.StreamCompletion(context.Background(), &types.ChatRequest{Model: "m"})
	require.NoError(t, err)

	var got int
	for range ch {
		got++
	}
	assert.Equal(t, 2, got)

	// The success is recorded by the relay goroutine once the upstream
	// channel drains; closing of `ch` happens-after that record.
	assert.Equal(t, resilience.StateClosed, breaker.State().State)
	assert.Equal(t, 0, breaker.State().FailureCount)
}

// ctxAwareProvider streams one chunk immediately, then closes its
// channel once the caller's context is cancelled, the way the real
// adapters react to cancellation mid-stream.
type ctxAwareProvider struct {
	flakyProvider
}

func (c *ctxAwareProvider) StreamCompletion(ctx context.Context, req *types.ChatRequest) (<-chan *types.ChatChunk, error) {
	ch := make(chan *types.ChatChunk, 1)
	ch <- &types.ChatChunk{Choices: []types.ChoiceChunk{{Delta: &types.Message{Content: "partial"}}}}
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func TestResilientProvider_StreamCancellationRecordsNothing(t *testing.T) {
	breaker := testBreaker()
	// Pre-load some failure history so "recorded nothing" is observable:
	// a success would reset the count, a failure would trip the breaker.
	breaker.RecordFailure()
	breaker.RecordFailure()
	p := newResilient(&ctxAwareProvider{}, breaker)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.StreamCompletion(ctx, &types.ChatRequest{Model: "m"})
	require.NoError(t, err)

	<-ch
	cancel()
	for range ch {
	}

	snap := breaker.State()
	assert.Equal(t, 2, snap.FailureCount, "cancellation must record neither success nor failure")
	assert.Equal(t, resilience.StateClosed, snap.State)
}

func TestResilientProvider_StreamErrorChunkRecordsFailure(t *testing.T) {
	inner := &flakyProvider{streamChunks: []*types.ChatChunk{
		{Choices: []types.ChoiceChunk{{Delta: &types.Message{Content: "partial"}}}},
		{Error: &types.ErrorDetail{Message: "connection reset", Type: "stream_error"}},
	}}
	breaker := testBreaker()
	p := newResilient(inner, breaker)

	ch, err := p.StreamCompletion(context.Background(), &types.ChatRequest{Model: "m"})
	require.NoError(t, err)

	var sawError bool
	for chunk := range ch {
		if chunk.Error != nil {
			sawError = true
		}
	}
	require.True(t, sawError)

	assert.Equal(t, 1, breaker.State().FailureCount, "a mid-stream error chunk counts as a breaker failure")
}
