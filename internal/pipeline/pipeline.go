// Package pipeline implements the gateway's request pipeline: the single
// ordered path every chat completion travels, wiring the rate limiter,
// content shields, both cache tiers, the fallback router, and the async
// judge into one call.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sentinel-gateway/llm-gateway/internal/cache"
	"github.com/sentinel-gateway/llm-gateway/internal/judge"
	"github.com/sentinel-gateway/llm-gateway/internal/metrics"
	"github.com/sentinel-gateway/llm-gateway/internal/routing"
	"github.com/sentinel-gateway/llm-gateway/internal/security"
	"github.com/sentinel-gateway/llm-gateway/internal/shield"
	"github.com/sentinel-gateway/llm-gateway/internal/types"
)

// RateLimitedError is returned when the identifier has exhausted its
// window; the server maps this to HTTP 429 and echoes Limit/Remaining as
// X-RateLimit-* headers plus RetryAfter as Retry-After.
type RateLimitedError struct {
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string { return "rate limit exceeded" }

// BlockedError is returned when the PII shield or injection detector
// rejects a request outright; the server maps this to HTTP 400.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string { return "request blocked: " + e.Reason }

// Result is what the pipeline hands back to the HTTP layer: the response
// plus the bookkeeping needed to render router_metadata and status.
type Result struct {
	Response    *types.ChatResponse
	Provider    string
	CacheHit    bool
	CacheLayer  string
	TraceID     string
	Elapsed     time.Duration
}

// Pipeline sequences the gateway's stages in a fixed order: rate limit,
// PII shield, injection detector, semantic cache, exact cache, router
// dispatch, response post-processing, exact-cache store, and finally a
// fire-and-forget judge schedule.
type Pipeline struct {
	RateLimiter   security.RateLimiter
	PIIShield     *shield.PIIShield
	Injection     *shield.InjectionDetector
	SemanticCache *cache.SemanticCache
	ExactCache    *cache.ExactCache
	Router        *routing.FallbackRouter
	Judge         *judge.Evaluator
	Recorder      *judge.Recorder
	Metrics       *metrics.Collector
	Logger        *logrus.Logger
}

// identifier picks the rate-limit key for a request:
// ApplicationID when set, falling back to UserID. The application key
// takes precedence over the user key.
func identifier(req *types.ChatRequest) string {
	if req.ApplicationID != "" {
		return req.ApplicationID
	}
	if req.UserID != "" {
		return req.UserID
	}
	return "anonymous"
}

// messageTexts extracts the plain-text content of every message, for the
// shields to scan; multimodal ContentPart messages contribute only their
// text parts.
func messageTexts(req *types.ChatRequest) []string {
	texts := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch c := m.Content.(type) {
		case string:
			texts = append(texts, c)
		case []types.ContentPart:
			for _, part := range c {
				if part.Type == "text" {
					texts = append(texts, part.Text)
				}
			}
		}
	}
	return texts
}

// userMessageText returns the flat text of a single message's content, or
// "" if it has none (e.g. a tool-call message with no text parts).
func userMessageText(m types.Message) (string, bool) {
	switch c := m.Content.(type) {
	case string:
		return c, true
	case []types.ContentPart:
		var out string
		found := false
		for _, part := range c {
			if part.Type == "text" {
				out += part.Text
				found = true
			}
		}
		return out, found
	default:
		return "", false
	}
}

// userText concatenates every user-role message's text with single
// spaces: the injection detector scans user-role content only, and joins
// messages so a split attempt spanning two messages still matches.
func userText(req *types.ChatRequest) string {
	var parts []string
	for _, m := range req.Messages {
		if m.Role != "user" {
			continue
		}
		if text, ok := userMessageText(m); ok {
			parts = append(parts, text)
		}
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}

// Execute runs the full non-streaming pipeline for req: rate limit →
// PII → injection → semantic cache → exact cache → router dispatch →
// post-process → exact-cache store → schedule judge → return.
func (p *Pipeline) Execute(ctx context.Context, req *types.ChatRequest) (*Result, error) {
	start := time.Now()
	ctx, traceID := metrics.WithTraceID(ctx, "")

	p.Metrics.IncActiveRequests()
	defer p.Metrics.DecActiveRequests()

	if err := p.checkRateLimit(ctx, req); err != nil {
		return nil, err
	}

	if err := p.checkPII(req); err != nil {
		return nil, err
	}

	if err := p.checkInjection(req); err != nil {
		return nil, err
	}

	if resp, hit, layer := p.checkCaches(ctx, req); hit {
		p.Logger.WithField("trace_id", traceID).WithField("cache_layer", layer).Debug("cache hit")
		return &Result{Response: resp, CacheHit: true, CacheLayer: layer, TraceID: traceID, Elapsed: time.Since(start)}, nil
	}

	resp, provider, err := p.Router.Route(ctx, req)
	if err != nil {
		return nil, p.classifyRouteError(err)
	}

	p.postProcess(req, resp, provider, traceID)

	if p.ExactCache != nil {
		p.ExactCache.Set(ctx, req, resp)
	}

	p.scheduleJudge(req, resp, provider)

	return &Result{Response: resp, Provider: provider, TraceID: traceID, Elapsed: time.Since(start)}, nil
}

// ExecuteStream runs the streaming variant: identical gating stages, but
// dispatch returns a chunk channel instead of a full response, and the
// judge is scheduled once the stream's content has been reassembled by
// the caller (see Pipeline.ScheduleJudgeFromChunks).
func (p *Pipeline) ExecuteStream(ctx context.Context, req *types.ChatRequest) (<-chan *types.ChatChunk, string, string, error) {
	ctx, traceID := metrics.WithTraceID(ctx, "")

	if err := p.checkRateLimit(ctx, req); err != nil {
		return nil, "", traceID, err
	}

	if err := p.checkPII(req); err != nil {
		return nil, "", traceID, err
	}
	if err := p.checkInjection(req); err != nil {
		return nil, "", traceID, err
	}

	ch, provider, err := p.Router.Stream(ctx, req)
	if err != nil {
		return nil, "", traceID, p.classifyRouteError(err)
	}
	return ch, provider, traceID, nil
}

// ScheduleJudgeFromChunks reassembles a streamed response's content and
// schedules a judge evaluation, mirroring what Execute does inline for
// the non-streaming path. Called by the server once a stream completes.
func (p *Pipeline) ScheduleJudgeFromChunks(req *types.ChatRequest, provider, fullContent string) {
	if p.Recorder == nil || p.Judge == nil {
		return
	}
	p.Recorder.Schedule(p.Judge, req.ID, provider, req.Model, req, fullContent)
}

func (p *Pipeline) checkRateLimit(ctx context.Context, req *types.ChatRequest) error {
	if p.RateLimiter == nil {
		return nil
	}
	result, err := p.RateLimiter.Allow(ctx, identifier(req))
	if err != nil {
		p.Logger.WithError(err).Warn("rate limiter error, failing open")
		return nil
	}
	if !result.Allowed {
		p.Metrics.RecordRateLimitRejection()
		return &RateLimitedError{Limit: result.Limit, Remaining: result.Remaining, RetryAfter: result.RetryAfter}
	}
	return nil
}

// checkPII scans every message and applies the shield's configured policy
// in place: a "block" policy verdict on any message fails the request
// before anything downstream sees it; a "redact" verdict replaces that
// message's content with the shield's redacted text so that the
// exact-cache key and the eventual provider call both see sanitized
// content.
func (p *Pipeline) checkPII(req *types.ChatRequest) error {
	if p.PIIShield == nil {
		return nil
	}
	detected := false
	for i, m := range req.Messages {
		text, ok := userMessageText(m)
		if !ok || text == "" {
			continue
		}
		verdict := p.PIIShield.Check(text)
		if len(verdict.Spans) > 0 {
			detected = true
		}
		if verdict.Blocked {
			p.Metrics.RecordPII(true, true)
			return &BlockedError{Reason: "pii_policy_block"}
		}
		if verdict.Redacted != text {
			req.Messages[i].Content = verdict.Redacted
		}
	}
	if detected {
		p.Metrics.RecordPII(true, false)
	}
	return nil
}

// checkInjection scans only user-role content, concatenated into a single
// string so a split attempt spanning two messages still matches.
func (p *Pipeline) checkInjection(req *types.ChatRequest) error {
	if p.Injection == nil {
		return nil
	}
	result := p.Injection.Score(userText(req))
	if len(result.MatchedRules) > 0 {
		p.Metrics.RecordInjection(true, result.Blocked)
	}
	if result.Blocked {
		return &BlockedError{Reason: "injection_risk_threshold"}
	}
	return nil
}

// checkCaches tries semantic before exact: a near-duplicate hit served
// from semantic cache is preferable to a provider round trip, and an
// exact match would also register as a semantic match anyway.
func (p *Pipeline) checkCaches(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, bool, string) {
	if p.SemanticCache != nil {
		if resp, ok := p.SemanticCache.Get(ctx, req); ok {
			p.Metrics.RecordCacheHit("semantic")
			return resp, true, "semantic"
		}
		p.Metrics.RecordCacheMiss("semantic")
	}
	if p.ExactCache != nil {
		if resp, ok := p.ExactCache.Get(ctx, req); ok {
			p.Metrics.RecordCacheHit("exact")
			return resp, true, "exact"
		}
		p.Metrics.RecordCacheMiss("exact")
	}
	return nil, false, ""
}

func (p *Pipeline) postProcess(req *types.ChatRequest, resp *types.ChatResponse, provider, traceID string) {
	resp.RouterMetadata = &types.RouterMetadata{
		Provider:  provider,
		Model:     resp.Model,
		RequestID: traceID,
	}
	if p.SemanticCache != nil {
		p.SemanticCache.Set(context.Background(), req, resp)
	}
}

// classifyRouteError returns a routing.NoProviderError unchanged for the
// server's 404 mapping and an AllProvidersFailedError unchanged for a 503
// mapping, counting a breaker trip for each provider that chain skipped
// as unavailable; any other error is wrapped.
func (p *Pipeline) classifyRouteError(err error) error {
	var noProvider *routing.NoProviderError
	if errors.As(err, &noProvider) {
		return err
	}
	var allFailed *routing.AllProvidersFailedError
	if errors.As(err, &allFailed) {
		for _, name := range allFailed.Skipped {
			p.Metrics.RecordBreakerTrip(name)
		}
		return err
	}
	return fmt.Errorf("pipeline dispatch failed: %w", err)
}

func (p *Pipeline) scheduleJudge(req *types.ChatRequest, resp *types.ChatResponse, provider string) {
	if p.Judge == nil || p.Recorder == nil {
		return
	}
	content := firstChoiceText(resp)
	p.Recorder.Schedule(p.Judge, req.ID, provider, resp.Model, req, content)
}

func firstChoiceText(resp *types.ChatResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	if text, ok := resp.Choices[0].Message.Content.(string); ok {
		return text
	}
	return ""
}
