package judge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sentinel-gateway/llm-gateway/internal/kv"
	"github.com/sentinel-gateway/llm-gateway/internal/types"
)

// Record is a single persisted evaluation, keyed by the request ID it
// judged.
type Record struct {
	RequestID  string    `json:"request_id"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Scores     Scores    `json:"scores"`
	Average    float64   `json:"average"`
	Passed     bool      `json:"passed"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Recorder persists judge results to the shared KV store with a bounded
// TTL, and keeps running total/failed evaluation counters.
type Recorder struct {
	store *kv.Store
	ttl   time.Duration
	logger *logrus.Logger
}

// NewRecorder constructs a recorder. store may be nil, in which case
// Record is a no-op; quality history is best-effort.
func NewRecorder(store *kv.Store, ttl time.Duration, logger *logrus.Logger) *Recorder {
	if ttl == 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Recorder{store: store, ttl: ttl, logger: logger}
}

func recordKey(requestID string) string {
	return "judge:result:" + requestID
}

// Record persists an evaluation result for requestID and updates the
// running total/failed evaluation counters.
func (r *Recorder) Record(ctx context.Context, requestID, provider, model string, scores Scores) {
	if r.store == nil {
		return
	}

	passed := scores.Passed()
	rec := Record{
		RequestID:  requestID,
		Provider:   provider,
		Model:      model,
		Scores:     scores,
		Average:    scores.Average(),
		Passed:     passed,
		RecordedAt: time.Now(),
	}

	b, err := json.Marshal(rec)
	if err != nil {
		r.logger.WithError(err).Warn("failed to marshal judge record")
		return
	}

	if err := r.store.Set(ctx, recordKey(requestID), string(b), r.ttl); err != nil {
		r.logger.WithError(err).Warn("failed to persist judge record")
	}

	if err := r.store.Incr(ctx, "judge:total_evaluations"); err != nil {
		r.logger.WithError(err).Warn("failed to increment judge:total_evaluations")
	}
	if !passed {
		if err := r.store.Incr(ctx, "judge:failed_evaluations"); err != nil {
			r.logger.WithError(err).Warn("failed to increment judge:failed_evaluations")
		}
	}
}

// Get retrieves a previously recorded evaluation, if any.
func (r *Recorder) Get(ctx context.Context, requestID string) (*Record, bool) {
	if r.store == nil {
		return nil, false
	}

	raw, found, err := r.store.Get(ctx, recordKey(requestID))
	if err != nil || !found {
		return nil, false
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

// Schedule runs evaluator.Evaluate and records the result in a detached
// goroutine, so the calling request path never waits on judging. The
// goroutine uses its own background context with a bounded timeout since
// the originating request's context is cancelled once the response has
// been written.
func (r *Recorder) Schedule(evaluator *Evaluator, requestID, provider, model string, req *types.ChatRequest, respContent string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		scores := evaluator.Evaluate(ctx, req, respContent)
		r.Record(ctx, requestID, provider, model, scores)
	}()
}
