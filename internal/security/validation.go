package security

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// ValidationConfig holds request validation configuration.
type ValidationConfig struct {
	MaxRequestSize    int64    `yaml:"max_request_size"`
	AllowedMethods    []string `yaml:"allowed_methods"`
	RequiredHeaders   []string `yaml:"required_headers"`
	BlockedPatterns   []string `yaml:"blocked_patterns"`
	ContentTypes      []string `yaml:"allowed_content_types"`
	MaxJSONDepth      int      `yaml:"max_json_depth"`
	MaxFieldLength    int      `yaml:"max_field_length"`
	IPWhitelist       []string `yaml:"ip_whitelist"`
	IPBlacklist       []string `yaml:"ip_blacklist"`
	UserAgentPatterns []string `yaml:"user_agent_patterns"`
}

// RequestValidator rejects malformed or abusive requests at the HTTP edge,
// before the pipeline's own shields see the body. IP lists accept plain
// addresses or CIDR ranges.
type RequestValidator struct {
	config         *ValidationConfig
	logger         *logrus.Logger
	blockedRegexes []*regexp.Regexp
	uaRegexes      []*regexp.Regexp
	allowNets      []*net.IPNet
	allowIPs       []net.IP
	denyNets       []*net.IPNet
	denyIPs        []net.IP
}

// ValidationResult contains the result of request validation.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// NewRequestValidator compiles the configured patterns and IP lists.
func NewRequestValidator(config *ValidationConfig, logger *logrus.Logger) (*RequestValidator, error) {
	if config.MaxRequestSize == 0 {
		config.MaxRequestSize = 10 * 1024 * 1024
	}
	if config.MaxJSONDepth == 0 {
		config.MaxJSONDepth = 20
	}
	if config.MaxFieldLength == 0 {
		config.MaxFieldLength = 1024
	}

	v := &RequestValidator{config: config, logger: logger}

	for _, pattern := range config.BlockedPatterns {
		regex, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked pattern %q: %w", pattern, err)
		}
		v.blockedRegexes = append(v.blockedRegexes, regex)
	}
	for _, pattern := range config.UserAgentPatterns {
		regex, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid user agent pattern %q: %w", pattern, err)
		}
		v.uaRegexes = append(v.uaRegexes, regex)
	}

	var err error
	if v.allowNets, v.allowIPs, err = parseIPList(config.IPWhitelist); err != nil {
		return nil, fmt.Errorf("invalid ip_whitelist entry: %w", err)
	}
	if v.denyNets, v.denyIPs, err = parseIPList(config.IPBlacklist); err != nil {
		return nil, fmt.Errorf("invalid ip_blacklist entry: %w", err)
	}

	return v, nil
}

func parseIPList(entries []string) ([]*net.IPNet, []net.IP, error) {
	var nets []*net.IPNet
	var ips []net.IP
	for _, entry := range entries {
		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, nil, err
			}
			nets = append(nets, ipNet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, nil, fmt.Errorf("not an IP address or CIDR range: %q", entry)
		}
		ips = append(ips, ip)
	}
	return nets, ips, nil
}

// ValidateRequest validates an incoming HTTP request.
func (v *RequestValidator) ValidateRequest(ctx context.Context, r *http.Request) (*ValidationResult, error) {
	result := &ValidationResult{Valid: true}

	if !v.methodAllowed(r.Method) {
		result.fail("Method %s not allowed", r.Method)
	}
	if r.ContentLength > v.config.MaxRequestSize {
		result.fail("Request size %d exceeds maximum %d", r.ContentLength, v.config.MaxRequestSize)
	}

	if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
		contentType := r.Header.Get("Content-Type")
		if !v.contentTypeAllowed(contentType) {
			result.fail("Content-Type %s not allowed", contentType)
		}
	}

	for _, header := range v.config.RequiredHeaders {
		if r.Header.Get(header) == "" {
			result.fail("Required header %s missing", header)
		}
	}

	clientIP := getClientIPFromRequest(r)
	if !v.ipAllowed(clientIP) {
		result.fail("IP %s not allowed", clientIP)
	}
	if v.ipBlocked(clientIP) {
		result.fail("IP %s is blocked", clientIP)
	}

	if !v.userAgentOK(r.UserAgent()) {
		result.Warnings = append(result.Warnings, "Suspicious user agent detected")
	}

	if v.matchesBlockedPattern(r.URL.String()) {
		result.fail("Request contains blocked patterns")
	}

	if !result.Valid {
		v.logger.WithFields(logrus.Fields{
			"method":    r.Method,
			"url":       r.URL.String(),
			"client_ip": clientIP,
			"errors":    result.Errors,
		}).Warn("Request validation failed")
	}

	return result, nil
}

// ValidateJSON validates a JSON request body: well-formed UTF-8, parseable,
// bounded depth and field lengths, and free of blocked patterns.
func (v *RequestValidator) ValidateJSON(ctx context.Context, body []byte) (*ValidationResult, error) {
	result := &ValidationResult{Valid: true}

	if !utf8.Valid(body) {
		result.fail("Request body contains invalid UTF-8")
		return result, nil
	}

	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		result.fail("Invalid JSON: %s", err.Error())
		return result, nil
	}

	if depth := jsonDepth(data); depth > v.config.MaxJSONDepth {
		result.fail("JSON depth %d exceeds maximum %d", depth, v.config.MaxJSONDepth)
	}
	if err := v.checkFieldLengths(data); err != nil {
		result.fail("%s", err.Error())
	}
	if v.matchesBlockedPattern(string(body)) {
		result.fail("Request body contains blocked patterns")
	}

	return result, nil
}

// SanitizeInput strips null bytes and control characters other than
// newline and tab.
func (v *RequestValidator) SanitizeInput(input string) string {
	var sanitized strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\n' || r == '\t' {
			sanitized.WriteRune(r)
		}
	}
	return sanitized.String()
}

// ValidationMiddleware rejects invalid requests with 400 before they reach
// any handler.
func (v *RequestValidator) ValidationMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result, err := v.ValidateRequest(r.Context(), r)
			if err != nil {
				http.Error(w, "Validation error", http.StatusInternalServerError)
				return
			}

			if !result.Valid {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"error": map[string]interface{}{
						"message": "Request validation failed",
						"type":    "validation_error",
						"code":    http.StatusBadRequest,
						"details": result.Errors,
					},
					"timestamp": time.Now().Unix(),
				})
				return
			}

			if len(result.Warnings) > 0 {
				w.Header().Set("X-Validation-Warnings", strings.Join(result.Warnings, "; "))
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (r *ValidationResult) fail(format string, args ...interface{}) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (v *RequestValidator) methodAllowed(method string) bool {
	if len(v.config.AllowedMethods) == 0 {
		return true
	}
	for _, allowed := range v.config.AllowedMethods {
		if strings.EqualFold(method, allowed) {
			return true
		}
	}
	return false
}

func (v *RequestValidator) contentTypeAllowed(contentType string) bool {
	if len(v.config.ContentTypes) == 0 {
		return true
	}
	mainType := strings.TrimSpace(strings.Split(contentType, ";")[0])
	for _, allowed := range v.config.ContentTypes {
		if strings.EqualFold(mainType, allowed) {
			return true
		}
	}
	return false
}

func (v *RequestValidator) ipAllowed(ipStr string) bool {
	if len(v.allowNets) == 0 && len(v.allowIPs) == 0 {
		return true
	}
	return matchIP(ipStr, v.allowNets, v.allowIPs)
}

func (v *RequestValidator) ipBlocked(ipStr string) bool {
	return matchIP(ipStr, v.denyNets, v.denyIPs)
}

func matchIP(ipStr string, nets []*net.IPNet, ips []net.IP) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	for _, candidate := range ips {
		if candidate.Equal(ip) {
			return true
		}
	}
	return false
}

func (v *RequestValidator) userAgentOK(userAgent string) bool {
	if len(v.uaRegexes) == 0 {
		return true
	}
	for _, regex := range v.uaRegexes {
		if regex.MatchString(userAgent) {
			return true
		}
	}
	return false
}

func (v *RequestValidator) matchesBlockedPattern(text string) bool {
	for _, regex := range v.blockedRegexes {
		if regex.MatchString(text) {
			return true
		}
	}
	return false
}

func jsonDepth(data interface{}) int {
	maxChild := 0
	switch d := data.(type) {
	case map[string]interface{}:
		for _, value := range d {
			if depth := jsonDepth(value); depth > maxChild {
				maxChild = depth
			}
		}
	case []interface{}:
		for _, value := range d {
			if depth := jsonDepth(value); depth > maxChild {
				maxChild = depth
			}
		}
	default:
		return 1
	}
	return maxChild + 1
}

func (v *RequestValidator) checkFieldLengths(data interface{}) error {
	switch d := data.(type) {
	case map[string]interface{}:
		for key, value := range d {
			if len(key) > v.config.MaxFieldLength {
				return fmt.Errorf("field key length exceeds maximum: %s", truncate(key, 50))
			}
			if err := v.checkFieldLengths(value); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, value := range d {
			if err := v.checkFieldLengths(value); err != nil {
				return err
			}
		}
	case string:
		if len(d) > v.config.MaxFieldLength {
			return fmt.Errorf("string field length exceeds maximum: %s", truncate(d, 50))
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s + "..."
}
