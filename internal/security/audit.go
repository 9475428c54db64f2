package security

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AuditEventType classifies security events.
type AuditEventType string

const (
	AuthenticationSuccess AuditEventType = "authentication_success"
	AuthenticationFailure AuditEventType = "authentication_failure"
	AuthorizationFailure  AuditEventType = "authorization_failure"
	RateLimitExceeded     AuditEventType = "rate_limit_exceeded"
	ValidationFailure     AuditEventType = "validation_failure"
	SuspiciousActivity    AuditEventType = "suspicious_activity"
	SecurityViolation     AuditEventType = "security_violation"
	APIKeyUsage           AuditEventType = "api_key_usage"
	UnauthorizedAccess    AuditEventType = "unauthorized_access"
)

// AuditEvent is one security audit record.
type AuditEvent struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	EventType  AuditEventType         `json:"event_type"`
	UserID     string                 `json:"user_id,omitempty"`
	IPAddress  string                 `json:"ip_address"`
	UserAgent  string                 `json:"user_agent,omitempty"`
	Resource   string                 `json:"resource,omitempty"`
	Action     string                 `json:"action,omitempty"`
	Method     string                 `json:"method,omitempty"`
	StatusCode int                    `json:"status_code,omitempty"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Severity   string                 `json:"severity"`
	Source     string                 `json:"source"`
	RequestID  string                 `json:"request_id,omitempty"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled         bool          `yaml:"enabled"`
	BufferSize      int           `yaml:"buffer_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	IncludeRequest  bool          `yaml:"include_request"`
	SensitiveFields []string      `yaml:"sensitive_fields"`
}

// AuditLogger buffers security events and writes them to the structured
// log from a single background goroutine.
type AuditLogger struct {
	config     *AuditConfig
	logger     *logrus.Logger
	buffer     chan *AuditEvent
	stopChan   chan struct{}
	wg         sync.WaitGroup
	eventCount int64
	mu         sync.RWMutex
	stopped    bool
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger(config *AuditConfig, logger *logrus.Logger) *AuditLogger {
	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 10 * time.Second
	}

	auditor := &AuditLogger{
		config:   config,
		logger:   logger,
		buffer:   make(chan *AuditEvent, config.BufferSize),
		stopChan: make(chan struct{}),
	}

	if config.Enabled {
		auditor.wg.Add(1)
		go auditor.eventProcessor()
	}

	return auditor
}

// LogEvent records a security audit event. Identity and client address
// are pulled off the context when the middleware has set them.
func (a *AuditLogger) LogEvent(ctx context.Context, eventType AuditEventType, message string, details map[string]interface{}) {
	a.mu.RLock()
	enabled := a.config.Enabled && !a.stopped
	a.mu.RUnlock()
	if !enabled {
		return
	}

	event := &AuditEvent{
		ID:        "audit_" + uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Message:   message,
		Details:   a.sanitizeDetails(details),
		Severity:  severityFor(eventType),
		Source:    "sentinel-gateway",
	}

	if requestID, ok := AuditRequestIDFromContext(ctx); ok {
		event.RequestID = requestID
	}
	if authInfo, ok := GetAuthInfo(ctx); ok {
		event.UserID = authInfo.UserID
	}
	if ip := ClientIPFromContext(ctx); ip != "unknown" {
		event.IPAddress = ip
	}

	select {
	case a.buffer <- event:
		a.mu.Lock()
		a.eventCount++
		a.mu.Unlock()
	default:
		a.logger.Warn("Audit buffer full, dropping event")
	}
}

// LogAuthenticationAttempt logs authentication attempts.
func (a *AuditLogger) LogAuthenticationAttempt(ctx context.Context, userID, method string, success bool, details map[string]interface{}) {
	eventType := AuthenticationSuccess
	message := fmt.Sprintf("User %s authenticated successfully using %s", userID, method)
	if !success {
		eventType = AuthenticationFailure
		message = fmt.Sprintf("Authentication failed for user %s using %s", userID, method)
	}

	if details == nil {
		details = make(map[string]interface{})
	}
	details["auth_method"] = method
	details["success"] = success

	a.LogEvent(ctx, eventType, message, details)
}

// LogAPIKeyUsage logs API key usage.
func (a *AuditLogger) LogAPIKeyUsage(ctx context.Context, apiKey, endpoint string, statusCode int) {
	a.LogEvent(ctx, APIKeyUsage, fmt.Sprintf("API key used for %s (status: %d)", endpoint, statusCode), map[string]interface{}{
		"api_key_prefix": maskAPIKey(apiKey),
		"endpoint":       endpoint,
		"status_code":    statusCode,
	})
}

// LogSecurityViolation logs security violations.
func (a *AuditLogger) LogSecurityViolation(ctx context.Context, violationType, description string, details map[string]interface{}) {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["violation_type"] = violationType
	details["description"] = description

	a.LogEvent(ctx, SecurityViolation, fmt.Sprintf("Security violation detected: %s - %s", violationType, description), details)
}

// LogSuspiciousActivity logs suspicious activities.
func (a *AuditLogger) LogSuspiciousActivity(ctx context.Context, activity, reason string, details map[string]interface{}) {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["activity"] = activity
	details["reason"] = reason

	a.LogEvent(ctx, SuspiciousActivity, fmt.Sprintf("Suspicious activity detected: %s - %s", activity, reason), details)
}

// AuditMiddleware records one event per request, typed by the response
// status, and seeds the request ID and client IP into the context.
func (a *AuditLogger) AuditMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			startTime := time.Now()

			wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: 200}

			ctx := WithAuditRequestID(r.Context(), "req_"+uuid.NewString())
			ctx = WithClientIP(ctx, getClientIPFromRequest(r))

			next.ServeHTTP(wrapper, r.WithContext(ctx))

			details := map[string]interface{}{
				"method":      r.Method,
				"url":         r.URL.String(),
				"status_code": wrapper.statusCode,
				"duration_ms": time.Since(startTime).Milliseconds(),
				"user_agent":  r.UserAgent(),
				"referer":     r.Referer(),
			}

			if a.config.IncludeRequest {
				headers := make(map[string]string)
				for key, values := range r.Header {
					if !a.isSensitiveField(key) {
						headers[key] = strings.Join(values, ", ")
					}
				}
				details["request_headers"] = headers
			}

			if authInfo, ok := GetAuthInfo(ctx); ok {
				details["user_id"] = authInfo.UserID
				details["auth_type"] = authInfo.Metadata["auth_type"]
			}

			eventType := AuthenticationSuccess
			switch {
			case wrapper.statusCode == http.StatusUnauthorized:
				eventType = AuthenticationFailure
			case wrapper.statusCode == http.StatusForbidden:
				eventType = AuthorizationFailure
			case wrapper.statusCode == http.StatusTooManyRequests:
				eventType = RateLimitExceeded
			case wrapper.statusCode >= 400 && wrapper.statusCode < 500:
				eventType = ValidationFailure
			}

			a.LogEvent(ctx, eventType, fmt.Sprintf("%s %s - %d", r.Method, r.URL.Path, wrapper.statusCode), details)
		})
	}
}

// GetEventCount returns the number of events logged.
func (a *AuditLogger) GetEventCount() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.eventCount
}

// Stop drains the buffer and stops the background writer.
func (a *AuditLogger) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.config.Enabled || a.stopped {
		return
	}

	a.stopped = true
	close(a.stopChan)
	a.wg.Wait()
	close(a.buffer)

	for event := range a.buffer {
		a.writeEvent(event)
	}
}

func (a *AuditLogger) eventProcessor() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	events := make([]*AuditEvent, 0, 100)
	flush := func() {
		for _, event := range events {
			a.writeEvent(event)
		}
		events = events[:0]
	}

	for {
		select {
		case event := <-a.buffer:
			events = append(events, event)
			if len(events) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-a.stopChan:
			flush()
			return
		}
	}
}

func (a *AuditLogger) writeEvent(event *AuditEvent) {
	fields := logrus.Fields{
		"audit_event": true,
		"event_type":  event.EventType,
		"event_id":    event.ID,
		"user_id":     event.UserID,
		"ip_address":  event.IPAddress,
		"severity":    event.Severity,
		"request_id":  event.RequestID,
		"timestamp":   event.Timestamp,
	}
	for key, value := range event.Details {
		fields["detail_"+key] = value
	}

	entry := a.logger.WithFields(fields)
	switch event.Severity {
	case "critical":
		entry.Error(event.Message)
	case "high":
		entry.Warn(event.Message)
	case "medium":
		entry.Info(event.Message)
	default:
		entry.Debug(event.Message)
	}
}

func (a *AuditLogger) sanitizeDetails(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}

	sanitized := make(map[string]interface{}, len(details))
	for key, value := range details {
		if a.isSensitiveField(key) {
			sanitized[key] = "***REDACTED***"
		} else {
			sanitized[key] = value
		}
	}
	return sanitized
}

var defaultSensitiveFields = []string{
	"password", "token", "secret", "key", "auth", "credential",
	"authorization", "x-api-key", "api-key", "bearer",
}

func (a *AuditLogger) isSensitiveField(field string) bool {
	fieldLower := strings.ToLower(field)
	for _, sensitive := range defaultSensitiveFields {
		if strings.Contains(fieldLower, sensitive) {
			return true
		}
	}
	for _, sensitive := range a.config.SensitiveFields {
		if strings.EqualFold(field, sensitive) {
			return true
		}
	}
	return false
}

func severityFor(eventType AuditEventType) string {
	switch eventType {
	case SecurityViolation, UnauthorizedAccess:
		return "critical"
	case AuthenticationFailure, AuthorizationFailure, SuspiciousActivity:
		return "high"
	case RateLimitExceeded, ValidationFailure:
		return "medium"
	default:
		return "low"
	}
}

type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
