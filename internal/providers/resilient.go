package providers

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/sentinel-gateway/llm-gateway/internal/resilience"
	"github.com/sentinel-gateway/llm-gateway/internal/types"
)

// AvailabilityChecker is implemented by anything the router can ask
// "should I even try this one", independent of the LLMProvider interface
// itself so plain adapters (no breaker) still satisfy LLMProvider.
type AvailabilityChecker interface {
	IsAvailable() bool
}

// ResilientProvider wraps a bare vendor adapter with its circuit breaker
// and retry policy: breaker check, then a bounded retry loop, recording
// success/failure on the breaker once the call settles. This is
// deliberately a wrapper rather than logic duplicated into every
// adapter, so the breaker/retry behavior is identical across vendors and
// testable once.
type ResilientProvider struct {
	LLMProvider
	name    string
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryPolicy
	logger  *logrus.Logger
}

// NewResilientProvider wraps inner with breaker and retry.
func NewResilientProvider(name string, inner LLMProvider, breaker *resilience.CircuitBreaker, retry *resilience.RetryPolicy, logger *logrus.Logger) *ResilientProvider {
	return &ResilientProvider{LLMProvider: inner, name: name, breaker: breaker, retry: retry, logger: logger}
}

// IsAvailable reports the breaker's admission decision.
func (p *ResilientProvider) IsAvailable() bool {
	return p.breaker.CanExecute()
}

// Breaker exposes the underlying breaker for health reporting.
func (p *ResilientProvider) Breaker() *resilience.CircuitBreaker {
	return p.breaker
}

// ChatCompletion gates the call on the breaker, retries transient
// failures, and records the outcome on the breaker before returning.
func (p *ResilientProvider) ChatCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	if !p.breaker.CanExecute() {
		return nil, &UnavailableError{Provider: p.name, Cause: errCircuitOpen}
	}

	var resp *types.ChatResponse
	err := p.retry.Execute(ctx, func() error {
		r, callErr := p.LLMProvider.ChatCompletion(ctx, req)
		if callErr != nil {
			return ClassifyError(p.name, callErr)
		}
		resp = r
		return nil
	})

	if err != nil {
		p.breaker.RecordFailure()
		return nil, err
	}
	p.breaker.RecordSuccess()
	return resp, nil
}

// StreamCompletion gates and retries establishing the stream the same
// way as ChatCompletion, but only records breaker success once the
// stream channel has been fully drained without error; a stream that
// starts but fails mid-flight still counts as a breaker failure.
func (p *ResilientProvider) StreamCompletion(ctx context.Context, req *types.ChatRequest) (<-chan *types.ChatChunk, error) {
	if !p.breaker.CanExecute() {
		return nil, &UnavailableError{Provider: p.name, Cause: errCircuitOpen}
	}

	var upstream <-chan *types.ChatChunk
	err := p.retry.Execute(ctx, func() error {
		ch, callErr := p.LLMProvider.StreamCompletion(ctx, req)
		if callErr != nil {
			return ClassifyError(p.name, callErr)
		}
		upstream = ch
		return nil
	})
	if err != nil {
		p.breaker.RecordFailure()
		return nil, err
	}

	out := make(chan *types.ChatChunk, 16)
	go func() {
		defer close(out)
		failed := false
		for chunk := range upstream {
			if chunk.Error != nil {
				failed = true
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				p.logger.WithField("provider", p.name).Debug("stream cancelled by caller")
				return
			}
		}
		if ctx.Err() != nil {
			// The caller cancelled and the adapter closed its channel in
			// response; that is not a verdict on the provider, so record
			// neither success nor failure.
			return
		}
		if failed {
			p.breaker.RecordFailure()
			return
		}
		p.breaker.RecordSuccess()
	}()
	return out, nil
}

var errCircuitOpen = circuitOpenError{}

type circuitOpenError struct{}

func (circuitOpenError) Error() string { return "circuit breaker open" }

var _ LLMProvider = (*ResilientProvider)(nil)
var _ AvailabilityChecker = (*ResilientProvider)(nil)
