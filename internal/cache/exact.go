// Package cache implements the exact-match and semantic response caches:
// identical requests (or, for the semantic cache, sufficiently similar
// ones) are served from a prior response instead of hitting a provider
// again.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sentinel-gateway/llm-gateway/internal/kv"
	"github.com/sentinel-gateway/llm-gateway/internal/types"
)

// Config controls the exact-match cache.
type Config struct {
	Enabled   bool          `yaml:"enabled"`
	TTL       time.Duration `yaml:"ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// DefaultConfig returns the cache's documented defaults: a one-hour TTL
// and the "llm:" key prefix.
func DefaultConfig() Config {
	return Config{Enabled: true, TTL: time.Hour, KeyPrefix: "llm:"}
}

// ExactCache stores a full ChatResponse under a canonical hash of the
// request that produced it. Canonicalization fixes field order so that
// two requests that are semantically identical but arrive with different
// JSON key ordering still hash to the same key.
type ExactCache struct {
	store  *kv.Store
	config Config
	logger *logrus.Logger
}

// NewExactCache constructs a cache backed by store. store may be nil, in
// which case the cache is always a miss and Set is a no-op: an
// unavailable cache degrades to passthrough.
func NewExactCache(store *kv.Store, config Config, logger *logrus.Logger) *ExactCache {
	if config.KeyPrefix == "" {
		config.KeyPrefix = "llm:"
	}
	return &ExactCache{store: store, config: config, logger: logger}
}

// canonicalPayload is the subset of a ChatRequest that determines whether
// two requests should share a cached response. Sampling controls that
// don't affect output determinism (seed aside) are deliberately excluded.
type canonicalPayload struct {
	Model       string           `json:"model"`
	Messages    []types.Message  `json:"messages"`
	Temperature *float32         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	TopP        *float32         `json:"top_p,omitempty"`
	Stop        []string         `json:"stop"`
	Seed        *int             `json:"seed,omitempty"`
}

// Key computes the canonical SHA-256 cache key for a request.
func Key(req *types.ChatRequest) string {
	stop := append([]string(nil), req.Stop...)
	sort.Strings(stop)

	payload := canonicalPayload{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stop:        stop,
		Seed:        req.Seed,
	}

	b, err := json.Marshal(payload)
	if err != nil {
		// Marshal of a concrete struct with no cyclic fields cannot fail in
		// practice; fall back to a key derived from the model name alone
		// rather than panicking mid-request.
		b = []byte(req.Model)
	}

	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Get returns a cached response and true on hit, or nil/false on miss or
// when the cache is disabled/unavailable.
func (c *ExactCache) Get(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, bool) {
	if !c.config.Enabled || c.store == nil {
		return nil, false
	}

	raw, found, err := c.store.Get(ctx, c.config.KeyPrefix+Key(req))
	if err != nil {
		c.logger.WithError(err).Warn("exact cache lookup failed, treating as miss")
		return nil, false
	}
	if !found {
		return nil, false
	}

	var resp types.ChatResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		c.logger.WithError(err).Warn("exact cache entry corrupt, treating as miss")
		return nil, false
	}
	return &resp, true
}

// Set stores resp under req's canonical key. Errors are logged and
// swallowed: a cache write failure must never fail the request it is
// caching the result of.
func (c *ExactCache) Set(ctx context.Context, req *types.ChatRequest, resp *types.ChatResponse) {
	if !c.config.Enabled || c.store == nil {
		return
	}

	b, err := json.Marshal(resp)
	if err != nil {
		c.logger.WithError(err).Warn("failed to marshal response for cache")
		return
	}

	key := c.config.KeyPrefix + Key(req)
	if err := c.store.Set(ctx, key, string(b), c.config.TTL); err != nil {
		c.logger.WithError(err).Warn("failed to write exact cache entry")
	}
}

// Invalidate removes a cached response for req, used by admin tooling.
func (c *ExactCache) Invalidate(ctx context.Context, req *types.ChatRequest) error {
	if c.store == nil {
		return nil
	}
	return c.store.Delete(ctx, fmt.Sprintf("%s%s", c.config.KeyPrefix, Key(req)))
}
