package cache

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/sentinel-gateway/llm-gateway/internal/types"
)

// SemanticConfig controls the semantic cache.
type SemanticConfig struct {
	Enabled            bool    `yaml:"enabled"`
	SimilarityThreshold float32 `yaml:"similarity_threshold"`
	EmbeddingModel     string  `yaml:"embedding_model"`
	MaxEntries         int     `yaml:"max_entries"`
}

// DefaultSemanticConfig uses a 0.95 cosine threshold: only
// near-duplicate prompts are served from cache, since a false hit
// silently serves the wrong answer.
func DefaultSemanticConfig() SemanticConfig {
	return SemanticConfig{
		Enabled:              true,
		SimilarityThreshold:  0.95,
		EmbeddingModel:       string(openai.AdaEmbeddingV2),
		MaxEntries:           10000,
	}
}

// Embedder turns text into an embedding vector. Implemented by
// OpenAIEmbedder in production and fakeable in tests.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder calls OpenAI's embeddings endpoint via the same SDK the
// provider adapters already depend on, so the semantic cache needs no
// extra client library.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAIEmbedder constructs an embedder using apiKey and model (an
// empty model falls back to ada-002).
func NewOpenAIEmbedder(apiKey, model string) *OpenAIEmbedder {
	m := openai.EmbeddingModel(model)
	if model == "" {
		m = openai.AdaEmbeddingV2
	}
	return &OpenAIEmbedder{client: openai.NewClient(apiKey), model: m}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response contained no data")
	}
	return resp.Data[0].Embedding, nil
}

// SemanticCache serves responses for prompts that are not identical but
// embed close enough to a previously cached prompt, the approximate
// tier above the exact-match cache.
type SemanticCache struct {
	store    *VectorStore
	embedder Embedder
	config   SemanticConfig
	logger   *logrus.Logger
}

// NewSemanticCache constructs a semantic cache. embedder may be nil only
// if config.Enabled is false.
func NewSemanticCache(embedder Embedder, config SemanticConfig, logger *logrus.Logger) *SemanticCache {
	return &SemanticCache{
		store:    NewVectorStore(config.MaxEntries),
		embedder: embedder,
		config:   config,
		logger:   logger,
	}
}

// lastUserText returns the raw text of the final user-role message, the
// query the semantic cache embeds. Embedding the whole transcript
// instead would shift similarity on every turn of a multi-turn
// conversation and make the threshold uninterpretable.
func lastUserText(req *types.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role != "user" {
			continue
		}
		if text, ok := req.Messages[i].Content.(string); ok {
			return text
		}
	}
	return ""
}

// Get embeds req's last user message and returns the best cached response
// above the configured similarity threshold, if any.
func (c *SemanticCache) Get(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, bool) {
	if !c.config.Enabled || c.embedder == nil {
		return nil, false
	}

	embedding, err := c.embedder.Embed(ctx, lastUserText(req))
	if err != nil {
		c.logger.WithError(err).Warn("semantic cache embedding failed, treating as miss")
		return nil, false
	}

	match, ok := c.store.Search(embedding, c.config.SimilarityThreshold)
	if !ok {
		return nil, false
	}

	var resp types.ChatResponse
	if err := json.Unmarshal(match.Response, &resp); err != nil {
		c.logger.WithError(err).Warn("semantic cache entry corrupt, treating as miss")
		return nil, false
	}

	c.logger.WithField("similarity", match.Similarity).Debug("semantic cache hit")
	return &resp, true
}

// Set embeds req's prompt and stores resp against it for future
// near-duplicate lookups.
func (c *SemanticCache) Set(ctx context.Context, req *types.ChatRequest, resp *types.ChatResponse) {
	if !c.config.Enabled || c.embedder == nil {
		return
	}

	embedding, err := c.embedder.Embed(ctx, lastUserText(req))
	if err != nil {
		c.logger.WithError(err).Warn("semantic cache embedding failed on write")
		return
	}

	b, err := json.Marshal(resp)
	if err != nil {
		c.logger.WithError(err).Warn("failed to marshal response for semantic cache")
		return
	}

	c.store.Add(embedding, b)
}
