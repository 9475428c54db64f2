package security

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/sentinel-gateway/llm-gateway/internal/kv"
)

// RateLimiter defines the interface for rate limiting
type RateLimiter interface {
	Allow(ctx context.Context, key string) (*RateLimitResult, error)
	Reset(ctx context.Context, key string) error
	GetLimits(ctx context.Context, key string) (*RateLimitInfo, error)
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetTime  time.Time     `json:"reset_time"`
	RetryAfter time.Duration `json:"retry_after"`
}

// RateLimitInfo contains current rate limit status
type RateLimitInfo struct {
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	BurstSize         int           `yaml:"burst_size"`
	WindowDuration    time.Duration `yaml:"window_duration"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	RedisURL          string        `yaml:"redis_url"`
}

// SlidingWindowRateLimiter implements rate limiting as a sliding-window
// counter over a shared KV store: each identifier owns a sorted set whose
// members are past-request timestamps, scored by that same timestamp.
// Backing the window with Redis rather than process memory means
// multiple gateway processes share one limit.
type SlidingWindowRateLimiter struct {
	store  *kv.Store
	config *RateLimitConfig
	logger *logrus.Logger
}

// NewSlidingWindowRateLimiter creates a rate limiter backed by store.
func NewSlidingWindowRateLimiter(store *kv.Store, config *RateLimitConfig, logger *logrus.Logger) *SlidingWindowRateLimiter {
	if config.WindowDuration == 0 {
		config.WindowDuration = time.Minute
	}
	if config.RequestsPerMinute == 0 {
		config.RequestsPerMinute = 60
	}
	return &SlidingWindowRateLimiter{store: store, config: config, logger: logger}
}

func rateLimitKey(identifier string) string {
	return "rate:" + identifier
}

// Allow drops expired entries, counts the remainder, and admits iff
// under the limit. Fails open: any KV error allows the request and logs
// a warning.
func (rl *SlidingWindowRateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	if !rl.config.Enabled {
		return &RateLimitResult{
			Allowed:   true,
			Limit:     rl.config.RequestsPerMinute,
			Remaining: rl.config.RequestsPerMinute,
			ResetTime: time.Now().Add(rl.config.WindowDuration),
		}, nil
	}

	now := time.Now()
	windowStart := now.Add(-rl.config.WindowDuration)
	redisKey := rateLimitKey(key)
	client := rl.store.Client()

	if err := client.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart.UnixNano(), 10)).Err(); err != nil {
		return rl.failOpen(now, err, key)
	}

	count, err := client.ZCard(ctx, redisKey).Result()
	if err != nil {
		return rl.failOpen(now, err, key)
	}

	if int(count) >= rl.config.RequestsPerMinute {
		retryAfter := rl.config.WindowDuration / time.Duration(rl.config.RequestsPerMinute)
		rl.logger.WithFields(logrus.Fields{
			"key":         maskKey(key),
			"retry_after": retryAfter,
		}).Warn("Rate limit exceeded")

		return &RateLimitResult{
			Allowed:    false,
			Limit:      rl.config.RequestsPerMinute,
			Remaining:  0,
			ResetTime:  now.Add(retryAfter),
			RetryAfter: retryAfter,
		}, nil
	}

	member := strconv.FormatInt(now.UnixNano(), 10)
	if err := client.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		return rl.failOpen(now, err, key)
	}
	if err := client.Expire(ctx, redisKey, rl.config.WindowDuration).Err(); err != nil {
		return rl.failOpen(now, err, key)
	}

	return &RateLimitResult{
		Allowed:   true,
		Limit:     rl.config.RequestsPerMinute,
		Remaining: rl.config.RequestsPerMinute - int(count) - 1,
		ResetTime: now.Add(rl.config.WindowDuration),
	}, nil
}

// failOpen logs a KV failure and allows the request through.
func (rl *SlidingWindowRateLimiter) failOpen(now time.Time, err error, key string) (*RateLimitResult, error) {
	rl.logger.WithError(err).WithField("key", maskKey(key)).Warn("rate limiter KV failure, failing open")
	return &RateLimitResult{
		Allowed:   true,
		Limit:     rl.config.RequestsPerMinute,
		Remaining: rl.config.RequestsPerMinute,
		ResetTime: now.Add(rl.config.WindowDuration),
	}, nil
}

// Reset clears the sliding window for a key.
func (rl *SlidingWindowRateLimiter) Reset(ctx context.Context, key string) error {
	if err := rl.store.Client().Del(ctx, rateLimitKey(key)).Err(); err != nil {
		return err
	}
	rl.logger.WithField("key", maskKey(key)).Info("Rate limit reset")
	return nil
}

// GetLimits reports remaining quota without consuming it.
func (rl *SlidingWindowRateLimiter) GetLimits(ctx context.Context, key string) (*RateLimitInfo, error) {
	now := time.Now()
	windowStart := now.Add(-rl.config.WindowDuration)
	redisKey := rateLimitKey(key)

	count, err := rl.store.Client().ZCount(ctx, redisKey, strconv.FormatInt(windowStart.UnixNano(), 10), "+inf").Result()
	if err != nil {
		return &RateLimitInfo{
			Limit:     rl.config.RequestsPerMinute,
			Remaining: rl.config.RequestsPerMinute,
			ResetTime: now.Add(rl.config.WindowDuration),
		}, nil
	}

	remaining := rl.config.RequestsPerMinute - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return &RateLimitInfo{
		Limit:     rl.config.RequestsPerMinute,
		Used:      int(count),
		Remaining: remaining,
		ResetTime: now.Add(rl.config.WindowDuration),
	}, nil
}

// RateLimitMiddleware creates rate limiting middleware
func RateLimitMiddleware(rateLimiter RateLimiter, keyExtractor func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyExtractor(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := rateLimiter.Allow(r.Context(), key)
			if err != nil {
				http.Error(w, "Rate limiting error", http.StatusInternalServerError)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))

			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)

				response := fmt.Sprintf(`{
					"error": {
						"message": "Rate limit exceeded",
						"type": "rate_limit_error",
						"code": 429,
						"retry_after": %d
					},
					"timestamp": %d
				}`, int(result.RetryAfter.Seconds()), time.Now().Unix())

				w.Write([]byte(response))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// DefaultKeyExtractor keys the limit on the authenticated user when the
// auth middleware identified one, falling back to the client IP.
func DefaultKeyExtractor(r *http.Request) string {
	if authInfo, ok := GetAuthInfo(r.Context()); ok {
		return "user:" + authInfo.UserID
	}

	return "ip:" + getClientIPFromRequest(r)
}

// APIKeyExtractor extracts rate limiting key from API key
func APIKeyExtractor(r *http.Request) string {
	token := extractToken(r)
	if token != "" {
		return "key:" + maskKey(token)
	}
	return "ip:" + getClientIPFromRequest(r)
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****"
}
