package security

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newTestAuditor(t *testing.T, config *AuditConfig) *AuditLogger {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewAuditLogger(config, logger)
}

func TestNewAuditLogger(t *testing.T) {
	auditor := newTestAuditor(t, &AuditConfig{
		Enabled:       true,
		BufferSize:    100,
		FlushInterval: 5 * time.Second,
	})
	defer auditor.Stop()

	assert.NotNil(t, auditor.buffer)
	assert.NotNil(t, auditor.stopChan)
	assert.Equal(t, 100, cap(auditor.buffer))
}

func TestNewAuditLogger_WithDefaults(t *testing.T) {
	auditor := newTestAuditor(t, &AuditConfig{Enabled: true})
	defer auditor.Stop()

	assert.Equal(t, 1000, auditor.config.BufferSize)
	assert.Equal(t, 10*time.Second, auditor.config.FlushInterval)
}

func TestAuditLogger_LogEvent_Disabled(t *testing.T) {
	auditor := newTestAuditor(t, &AuditConfig{Enabled: false})

	auditor.LogEvent(context.Background(), AuthenticationSuccess, "test message", map[string]interface{}{"key": "value"})

	assert.Equal(t, int64(0), auditor.GetEventCount())
}

func TestAuditLogger_LogEvent_WithContext(t *testing.T) {
	auditor := newTestAuditor(t, &AuditConfig{
		Enabled:       true,
		BufferSize:    10,
		FlushInterval: time.Second,
	})
	defer auditor.Stop()

	ctx := WithAuditRequestID(context.Background(), "req-123")
	ctx = WithClientIP(ctx, "192.168.1.100")
	ctx = WithAuthInfo(ctx, &AuthInfo{UserID: "user-123"})

	auditor.LogEvent(ctx, AuthenticationSuccess, "User logged in", map[string]interface{}{
		"action": "login",
		"result": "success",
	})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), auditor.GetEventCount())
}

func TestAuditLogger_LogAuthenticationAttempt(t *testing.T) {
	auditor := newTestAuditor(t, &AuditConfig{
		Enabled:       true,
		BufferSize:    10,
		FlushInterval: time.Second,
	})
	defer auditor.Stop()

	ctx := context.Background()

	auditor.LogAuthenticationAttempt(ctx, "user123", "api_key", true, nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), auditor.GetEventCount())

	auditor.LogAuthenticationAttempt(ctx, "user123", "api_key", false, map[string]interface{}{
		"reason": "invalid_key",
	})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(2), auditor.GetEventCount())
}

func TestAuditLogger_LogAPIKeyUsage(t *testing.T) {
	auditor := newTestAuditor(t, &AuditConfig{
		Enabled:       true,
		BufferSize:    10,
		FlushInterval: time.Second,
	})
	defer auditor.Stop()

	auditor.LogAPIKeyUsage(context.Background(), "sk-1234567890abcdef", "/v1/chat/completions", 200)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), auditor.GetEventCount())
}

func TestAuditLogger_LogSecurityViolation(t *testing.T) {
	auditor := newTestAuditor(t, &AuditConfig{
		Enabled:       true,
		BufferSize:    10,
		FlushInterval: time.Second,
	})
	defer auditor.Stop()

	auditor.LogSecurityViolation(context.Background(), "xss_attempt", "Script tag detected", map[string]interface{}{
		"blocked_content": "<script>alert(1)</script>",
	})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), auditor.GetEventCount())
}

func TestAuditLogger_LogSuspiciousActivity(t *testing.T) {
	auditor := newTestAuditor(t, &AuditConfig{
		Enabled:       true,
		BufferSize:    10,
		FlushInterval: time.Second,
	})
	defer auditor.Stop()

	auditor.LogSuspiciousActivity(context.Background(), "brute_force", "Multiple failed login attempts", map[string]interface{}{
		"attempt_count": 5,
		"time_window":   "1 minute",
	})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), auditor.GetEventCount())
}

func TestAuditLogger_SanitizeDetails(t *testing.T) {
	auditor := newTestAuditor(t, &AuditConfig{
		Enabled:         true,
		SensitiveFields: []string{"custom_secret"},
	})
	defer auditor.Stop()

	sanitized := auditor.sanitizeDetails(map[string]interface{}{
		"user":          "john",
		"password":      "secret123",
		"token":         "abc123",
		"custom_secret": "sensitive_data",
		"safe_field":    "public_data",
	})

	assert.Equal(t, "john", sanitized["user"])
	assert.Equal(t, "***REDACTED***", sanitized["password"])
	assert.Equal(t, "***REDACTED***", sanitized["token"])
	assert.Equal(t, "***REDACTED***", sanitized["custom_secret"])
	assert.Equal(t, "public_data", sanitized["safe_field"])
}

func TestAuditLogger_IsSensitiveField(t *testing.T) {
	auditor := newTestAuditor(t, &AuditConfig{
		SensitiveFields: []string{"custom_field"},
	})

	tests := []struct {
		field    string
		expected bool
	}{
		{"password", true},
		{"token", true},
		{"secret", true},
		{"key", true},
		{"authorization", true},
		{"x-api-key", true},
		{"custom_field", true},
		{"CUSTOM_FIELD", true},
		{"username", false},
		{"data", false},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			assert.Equal(t, tt.expected, auditor.isSensitiveField(tt.field))
		})
	}
}

func TestSeverityFor(t *testing.T) {
	tests := []struct {
		eventType AuditEventType
		expected  string
	}{
		{SecurityViolation, "critical"},
		{UnauthorizedAccess, "critical"},
		{AuthenticationFailure, "high"},
		{AuthorizationFailure, "high"},
		{SuspiciousActivity, "high"},
		{RateLimitExceeded, "medium"},
		{ValidationFailure, "medium"},
		{AuthenticationSuccess, "low"},
		{APIKeyUsage, "low"},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			assert.Equal(t, tt.expected, severityFor(tt.eventType))
		})
	}
}

func TestAuditLogger_BufferOverflow(t *testing.T) {
	auditor := newTestAuditor(t, &AuditConfig{
		Enabled:       true,
		BufferSize:    2,
		FlushInterval: time.Second,
	})
	defer auditor.Stop()

	for i := 0; i < 5; i++ {
		auditor.LogEvent(context.Background(), AuthenticationSuccess, "test event", nil)
	}

	// Must not hang; overflow events are dropped, not queued.
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, auditor.GetEventCount(), int64(5))
}

func TestAuditLogger_Stop(t *testing.T) {
	auditor := newTestAuditor(t, &AuditConfig{
		Enabled:       true,
		BufferSize:    10,
		FlushInterval: 100 * time.Millisecond,
	})

	ctx := context.Background()
	auditor.LogEvent(ctx, AuthenticationSuccess, "test event 1", nil)
	auditor.LogEvent(ctx, AuthenticationSuccess, "test event 2", nil)
	time.Sleep(50 * time.Millisecond)

	// Stop flushes the remaining events and must complete; a second Stop
	// is a no-op.
	auditor.Stop()
	auditor.Stop()
}

func TestResponseWriterWrapper(t *testing.T) {
	w := httptest.NewRecorder()
	recorder := &responseWriterWrapper{ResponseWriter: w, statusCode: 200}

	assert.Equal(t, 200, recorder.statusCode)

	recorder.WriteHeader(404)
	assert.Equal(t, 404, recorder.statusCode)
	assert.Equal(t, 404, w.Code)
}
