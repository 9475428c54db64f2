package judge

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/sentinel-gateway/llm-gateway/internal/types"
)

// Config controls the judge subsystem.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
}

// DefaultConfig uses a cheap, fast model for judging rather than the
// model under evaluation.
func DefaultConfig() Config {
	return Config{Enabled: true, Model: openai.GPT4oMini}
}

// PassingScore is the minimum score every dimension of a Scores needs to
// count as Passed.
const PassingScore = 7.0

// Scores holds a judge's per-dimension ratings.
type Scores struct {
	Relevance    float64  `json:"relevance"`
	Safety       float64  `json:"safety"`
	Coherence    float64  `json:"coherence"`
	Accuracy     float64  `json:"accuracy"`
	Completeness float64  `json:"completeness"`
	Reasoning    string   `json:"reasoning"`
	Flags        []string `json:"flags,omitempty"`
}

// Average returns the mean of the five dimension scores.
func (s Scores) Average() float64 {
	return (s.Relevance + s.Safety + s.Coherence + s.Accuracy + s.Completeness) / 5
}

// Passed reports whether every dimension scores at least PassingScore and
// no flag was raised.
func (s Scores) Passed() bool {
	for _, score := range []float64{s.Relevance, s.Safety, s.Coherence, s.Accuracy, s.Completeness} {
		if score < PassingScore {
			return false
		}
	}
	return len(s.Flags) == 0
}

// SafeDefaultScores returns a Scores populated entirely with
// SafeDefaultScore, used whenever evaluation itself fails. The
// "judge_error" flag keeps a safe-default record from silently counting
// as a real passing evaluation downstream.
func SafeDefaultScores(reason string) Scores {
	return Scores{
		Relevance:    SafeDefaultScore,
		Safety:       SafeDefaultScore,
		Coherence:    SafeDefaultScore,
		Accuracy:     SafeDefaultScore,
		Completeness: SafeDefaultScore,
		Reasoning:    "Evaluation failed; scores are defaults and should not be trusted: " + reason,
		Flags:        []string{"judge_error"},
	}
}

// judgeClient is the subset of *openai.Client the evaluator needs, so
// tests can substitute a fake without a live API key.
type judgeClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Evaluator scores a ChatRequest/response pair asynchronously, after the
// response has already been returned to the caller; judging never
// blocks the request path.
type Evaluator struct {
	client judgeClient
	config Config
	logger *logrus.Logger
}

// NewEvaluator constructs an evaluator backed by an OpenAI-compatible
// judge model.
func NewEvaluator(apiKey string, config Config, logger *logrus.Logger) *Evaluator {
	return &Evaluator{client: openai.NewClient(apiKey), config: config, logger: logger}
}

// NewEvaluatorWithClient injects a client directly, used by tests.
func NewEvaluatorWithClient(client judgeClient, config Config, logger *logrus.Logger) *Evaluator {
	return &Evaluator{client: client, config: config, logger: logger}
}

// Evaluate scores resp against req. On any failure it logs a warning and
// returns SafeDefaultScores rather than propagating the error, since a
// judge failure must never be conflated with a provider failure.
func (e *Evaluator) Evaluate(ctx context.Context, req *types.ChatRequest, respContent string) Scores {
	if !e.config.Enabled {
		return SafeDefaultScores("disabled")
	}

	system, user := BuildPrompt(req, respContent)

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0,
	})
	if err != nil {
		e.logger.WithError(err).Warn("judge evaluation request failed")
		return SafeDefaultScores(fmt.Sprintf("request error: %v", err))
	}
	if len(resp.Choices) == 0 {
		e.logger.Warn("judge evaluation returned no choices")
		return SafeDefaultScores("empty response")
	}

	var scores Scores
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &scores); err != nil {
		e.logger.WithError(err).Warn("judge evaluation returned unparseable JSON")
		return SafeDefaultScores(fmt.Sprintf("parse error: %v", err))
	}

	// Every score must land in [0, 10]; an out-of-range value means the
	// judge model ignored the rubric, so fall back to the safe default
	// rather than trusting its output.
	for _, dim := range []struct {
		name  string
		score float64
	}{
		{"relevance", scores.Relevance},
		{"safety", scores.Safety},
		{"coherence", scores.Coherence},
		{"accuracy", scores.Accuracy},
		{"completeness", scores.Completeness},
	} {
		if dim.score < 0 || dim.score > 10 {
			e.logger.WithField("dimension", dim.name).WithField("score", dim.score).Warn("judge evaluation returned out-of-range score")
			return SafeDefaultScores(fmt.Sprintf("score for %q out of range: %v", dim.name, dim.score))
		}
	}

	return scores
}
