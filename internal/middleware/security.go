package middleware

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/sentinel-gateway/llm-gateway/internal/kv"
	"github.com/sentinel-gateway/llm-gateway/internal/security"
)

// SecurityMiddlewareConfig holds configuration for the edge security
// chain.
type SecurityMiddlewareConfig struct {
	Auth       *security.Config           `yaml:"auth"`
	RateLimit  *security.RateLimitConfig  `yaml:"rate_limit"`
	Validation *security.ValidationConfig `yaml:"validation"`
	Audit      *security.AuditConfig      `yaml:"audit"`
}

// SecurityMiddleware is the gateway's HTTP edge chain: audit logging,
// authentication, a rate limit, and request validation, applied before any
// handler runs. The pipeline applies its own per-application sliding window
// on top; this one keys on the authenticated user when auth identified one
// and on the client address otherwise.
type SecurityMiddleware struct {
	authProvider *security.DefaultAuthProvider
	rateLimiter  security.RateLimiter
	validator    *security.RequestValidator
	auditor      *security.AuditLogger
	logger       *logrus.Logger
}

// NewSecurityMiddleware creates a new security middleware stack. store may
// be nil, in which case rate limiting is disabled regardless of config
// (absence of KV connectivity disables the rate limiter).
func NewSecurityMiddleware(config *SecurityMiddlewareConfig, store *kv.Store, logger *logrus.Logger) (*SecurityMiddleware, error) {
	s := &SecurityMiddleware{logger: logger}

	if config.Auth != nil {
		s.authProvider = security.NewDefaultAuthProvider(config.Auth, logger)
	}

	if config.RateLimit != nil && config.RateLimit.Enabled && store != nil {
		s.rateLimiter = security.NewSlidingWindowRateLimiter(store, config.RateLimit, logger)
	}

	if config.Validation != nil {
		validator, err := security.NewRequestValidator(config.Validation, logger)
		if err != nil {
			return nil, err
		}
		s.validator = validator
	}

	if config.Audit != nil {
		s.auditor = security.NewAuditLogger(config.Audit, logger)
	}

	return s, nil
}

// Handler assembles the chain, innermost first: validation closest to the
// handler, then rate limiting keyed by the identity auth established, then
// auth, with audit outermost so it sees every request's final status.
func (s *SecurityMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := next

		if s.validator != nil {
			handler = s.validator.ValidationMiddleware()(handler)
		}
		if s.rateLimiter != nil {
			handler = security.RateLimitMiddleware(s.rateLimiter, security.DefaultKeyExtractor)(handler)
		}
		if s.authProvider != nil {
			handler = s.authProvider.AuthMiddleware()(handler)
		}
		if s.auditor != nil {
			handler = s.auditor.AuditMiddleware()(handler)
		}

		return s.securityHeadersMiddleware()(handler)
	}
}

// securityHeadersMiddleware adds the standard hardening headers to every
// response.
func (s *SecurityMiddleware) securityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-XSS-Protection", "1; mode=block")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Content-Security-Policy", "default-src 'self'")
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			w.Header().Set("Server", "Sentinel-Gateway/1.0")

			next.ServeHTTP(w, r)
		})
	}
}

// Stop gracefully stops the chain's background components. The
// sliding-window rate limiter has no goroutine of its own (expiry is
// delegated to the KV store's TTLs), so only the auditor needs stopping.
func (s *SecurityMiddleware) Stop() {
	if s.auditor != nil {
		s.auditor.Stop()
	}
}

// LogSecurityEvent records an out-of-band security event against the
// request's audit context.
func (s *SecurityMiddleware) LogSecurityEvent(ctx context.Context, eventType security.AuditEventType, message string, details map[string]interface{}) {
	if s.auditor != nil {
		s.auditor.LogEvent(ctx, eventType, message, details)
	}
}
