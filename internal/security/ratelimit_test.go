package security

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-gateway/llm-gateway/internal/kv"
)

func newTestRateLimiter(t *testing.T, config *RateLimitConfig) *SlidingWindowRateLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	store := kv.NewFromClient(client, logger)
	return NewSlidingWindowRateLimiter(store, config, logger)
}

func TestNewSlidingWindowRateLimiter(t *testing.T) {
	limiter := newTestRateLimiter(t, &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		WindowDuration:    time.Minute,
	})

	assert.NotNil(t, limiter)
}

func TestSlidingWindowRateLimiter_Allow_Disabled(t *testing.T) {
	limiter := newTestRateLimiter(t, &RateLimitConfig{
		Enabled:           false,
		RequestsPerMinute: 60,
	})
	ctx := context.Background()

	result, err := limiter.Allow(ctx, "test-key")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 60, result.Remaining)
}

func TestSlidingWindowRateLimiter_Allow_WithinLimit(t *testing.T) {
	limiter := newTestRateLimiter(t, &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 10,
		WindowDuration:    time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		result, err := limiter.Allow(ctx, "test-key")
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}
}

func TestSlidingWindowRateLimiter_Allow_ExceedLimit(t *testing.T) {
	limiter := newTestRateLimiter(t, &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 2,
		WindowDuration:    time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		result, err := limiter.Allow(ctx, "test-key")
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}

	result, err := limiter.Allow(ctx, "test-key")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
	assert.Greater(t, result.RetryAfter, time.Duration(0))
}

func TestSlidingWindowRateLimiter_Allow_DifferentKeys(t *testing.T) {
	limiter := newTestRateLimiter(t, &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 1,
		WindowDuration:    time.Minute,
	})
	ctx := context.Background()

	result, err := limiter.Allow(ctx, "key1")
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	result, err = limiter.Allow(ctx, "key2")
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	result, err = limiter.Allow(ctx, "key1")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}

func TestSlidingWindowRateLimiter_Reset(t *testing.T) {
	limiter := newTestRateLimiter(t, &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 1,
		WindowDuration:    time.Minute,
	})
	ctx := context.Background()

	result, err := limiter.Allow(ctx, "test-key")
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	result, err = limiter.Allow(ctx, "test-key")
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	require.NoError(t, limiter.Reset(ctx, "test-key"))

	result, err = limiter.Allow(ctx, "test-key")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestSlidingWindowRateLimiter_GetLimits(t *testing.T) {
	limiter := newTestRateLimiter(t, &RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		WindowDuration:    time.Minute,
	})
	ctx := context.Background()

	info, err := limiter.GetLimits(ctx, "test-key")
	require.NoError(t, err)
	assert.Equal(t, 60, info.Limit)
	assert.Equal(t, 0, info.Used)
	assert.Equal(t, 60, info.Remaining)

	_, err = limiter.Allow(ctx, "test-key")
	require.NoError(t, err)
	_, err = limiter.Allow(ctx, "test-key")
	require.NoError(t, err)

	info, err = limiter.GetLimits(ctx, "test-key")
	require.NoError(t, err)
	assert.Equal(t, 2, info.Used)
	assert.Equal(t, 58, info.Remaining)
}

func TestMaskKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want string
	}{
		{
			name: "normal key",
			key:  "sk-1234567890abcdef",
			want: "sk-1****",
		},
		{
			name: "short key",
			key:  "short",
			want: "****",
		},
		{
			name: "exactly 8 chars",
			key:  "12345678",
			want: "****",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := maskKey(tt.key)
			assert.Equal(t, tt.want, result)
		})
	}
}
