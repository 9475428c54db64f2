package security

import "context"

// Unexported key type so other packages cannot collide with the values
// this package stashes on a request context.
type contextKey int

const (
	authInfoKey contextKey = iota
	clientIPKey
	auditRequestIDKey
)

// WithAuthInfo returns a context carrying the authenticated caller.
func WithAuthInfo(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoKey, info)
}

// GetAuthInfo extracts authentication info from a request context.
func GetAuthInfo(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authInfoKey).(*AuthInfo)
	return info, ok
}

// WithClientIP returns a context carrying the resolved client IP.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

// ClientIPFromContext returns the client IP stored by WithClientIP, or
// "unknown" when none is set.
func ClientIPFromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPKey).(string); ok {
		return ip
	}
	return "unknown"
}

// WithAuditRequestID returns a context carrying the audit request ID.
func WithAuditRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, auditRequestIDKey, id)
}

// AuditRequestIDFromContext returns the audit request ID, if set.
func AuditRequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(auditRequestIDKey).(string)
	return id, ok
}
