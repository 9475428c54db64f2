package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator(t *testing.T, config *ValidationConfig) *RequestValidator {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	validator, err := NewRequestValidator(config, logger)
	require.NoError(t, err)
	return validator
}

func TestNewRequestValidator(t *testing.T) {
	validator := newTestValidator(t, &ValidationConfig{
		MaxRequestSize:    1024,
		AllowedMethods:    []string{"GET", "POST"},
		BlockedPatterns:   []string{"(?i)script"},
		MaxJSONDepth:      10,
		MaxFieldLength:    100,
		UserAgentPatterns: []string{"MyApp/.*"},
		IPWhitelist:       []string{"10.0.0.0/8", "192.168.1.5"},
	})

	assert.Len(t, validator.blockedRegexes, 1)
	assert.Len(t, validator.uaRegexes, 1)
	assert.Len(t, validator.allowNets, 1)
	assert.Len(t, validator.allowIPs, 1)
}

func TestNewRequestValidator_InvalidPattern(t *testing.T) {
	logger := logrus.New()

	validator, err := NewRequestValidator(&ValidationConfig{
		BlockedPatterns: []string{"[invalid regex"},
	}, logger)
	assert.Error(t, err)
	assert.Nil(t, validator)
	assert.Contains(t, err.Error(), "invalid blocked pattern")

	validator, err = NewRequestValidator(&ValidationConfig{
		IPBlacklist: []string{"not-an-ip"},
	}, logger)
	assert.Error(t, err)
	assert.Nil(t, validator)
	assert.Contains(t, err.Error(), "ip_blacklist")
}

func TestRequestValidator_ValidateRequest_ValidRequest(t *testing.T) {
	validator := newTestValidator(t, &ValidationConfig{
		MaxRequestSize:  1024,
		AllowedMethods:  []string{"GET", "POST"},
		ContentTypes:    []string{"application/json"},
		RequiredHeaders: []string{"Content-Type"},
		IPWhitelist:     []string{"192.168.1.0/24"},
	})

	req := httptest.NewRequest("POST", "/test", strings.NewReader(`{"test": "data"}`))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.168.1.100:12345"
	req.ContentLength = 15

	result, err := validator.ValidateRequest(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
}

func TestRequestValidator_ValidateRequest_InvalidMethod(t *testing.T) {
	validator := newTestValidator(t, &ValidationConfig{
		AllowedMethods: []string{"GET", "POST"},
	})

	req := httptest.NewRequest("DELETE", "/test", nil)

	result, err := validator.ValidateRequest(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors, "Method DELETE not allowed")
}

func TestRequestValidator_ValidateRequest_RequestTooLarge(t *testing.T) {
	validator := newTestValidator(t, &ValidationConfig{MaxRequestSize: 100})

	req := httptest.NewRequest("POST", "/test", nil)
	req.ContentLength = 200

	result, err := validator.ValidateRequest(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors, "Request size 200 exceeds maximum 100")
}

func TestRequestValidator_ValidateRequest_InvalidContentType(t *testing.T) {
	validator := newTestValidator(t, &ValidationConfig{
		ContentTypes: []string{"application/json"},
	})

	req := httptest.NewRequest("POST", "/test", nil)
	req.Header.Set("Content-Type", "text/plain")

	result, err := validator.ValidateRequest(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors, "Content-Type text/plain not allowed")
}

func TestRequestValidator_ValidateRequest_MissingRequiredHeader(t *testing.T) {
	validator := newTestValidator(t, &ValidationConfig{
		RequiredHeaders: []string{"Authorization"},
	})

	req := httptest.NewRequest("GET", "/test", nil)

	result, err := validator.ValidateRequest(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors, "Required header Authorization missing")
}

func TestRequestValidator_ValidateRequest_BlockedIP(t *testing.T) {
	validator := newTestValidator(t, &ValidationConfig{
		IPBlacklist: []string{"203.0.113.0/24"},
	})

	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "203.0.113.7:44321"

	result, err := validator.ValidateRequest(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors, "IP 203.0.113.7 is blocked")
}

func TestRequestValidator_ValidateRequest_OutsideWhitelist(t *testing.T) {
	validator := newTestValidator(t, &ValidationConfig{
		IPWhitelist: []string{"10.0.0.0/8"},
	})

	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "192.0.2.1:1000"

	result, err := validator.ValidateRequest(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors, "IP 192.0.2.1 not allowed")
}

func TestRequestValidator_ValidateRequest_BlockedPattern(t *testing.T) {
	validator := newTestValidator(t, &ValidationConfig{
		BlockedPatterns: []string{"(?i)script"},
	})

	req := httptest.NewRequest("GET", "/test?param=<script>alert(1)</script>", nil)

	result, err := validator.ValidateRequest(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors, "Request contains blocked patterns")
}

func TestRequestValidator_ValidateJSON(t *testing.T) {
	validator := newTestValidator(t, &ValidationConfig{
		MaxJSONDepth:   5,
		MaxFieldLength: 100,
	})

	result, err := validator.ValidateJSON(context.Background(), []byte(`{"name": "test", "value": 123, "nested": {"key": "value"}}`))
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
}

func TestRequestValidator_ValidateJSON_InvalidJSON(t *testing.T) {
	validator := newTestValidator(t, &ValidationConfig{})

	result, err := validator.ValidateJSON(context.Background(), []byte(`{"name": "test", invalid json}`))
	require.NoError(t, err)
	assert.False(t, result.Valid)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "Invalid JSON")
}

func TestRequestValidator_ValidateJSON_TooDeep(t *testing.T) {
	validator := newTestValidator(t, &ValidationConfig{MaxJSONDepth: 2})

	result, err := validator.ValidateJSON(context.Background(), []byte(`{"level1": {"level2": {"level3": "value"}}}`))
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors, "JSON depth 4 exceeds maximum 2")
}

func TestRequestValidator_ValidateJSON_FieldTooLong(t *testing.T) {
	validator := newTestValidator(t, &ValidationConfig{MaxFieldLength: 10})

	result, err := validator.ValidateJSON(context.Background(), []byte(`{"name": "this string is longer than 10 characters"}`))
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors[0], "string field length exceeds maximum")
}

func TestRequestValidator_ValidateJSON_InvalidUTF8(t *testing.T) {
	validator := newTestValidator(t, &ValidationConfig{})

	result, err := validator.ValidateJSON(context.Background(), []byte{0xff, 0xfe, 0xfd})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors[0], "invalid UTF-8")
}

func TestRequestValidator_SanitizeInput(t *testing.T) {
	validator := newTestValidator(t, &ValidationConfig{})

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"normal string", "Hello World", "Hello World"},
		{"with null bytes", "Hello\x00World", "HelloWorld"},
		{"with control characters", "Hello\x01\x02World", "HelloWorld"},
		{"keep newlines and tabs", "Hello\n\tWorld", "Hello\n\tWorld"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, validator.SanitizeInput(tt.input))
		})
	}
}

func TestRequestValidator_ContentTypeAllowed(t *testing.T) {
	validator := newTestValidator(t, &ValidationConfig{
		ContentTypes: []string{"application/json", "text/plain"},
	})

	assert.True(t, validator.contentTypeAllowed("application/json"))
	assert.True(t, validator.contentTypeAllowed("application/json; charset=utf-8"))
	assert.True(t, validator.contentTypeAllowed("text/plain"))
	assert.False(t, validator.contentTypeAllowed("text/html"))

	unrestricted := newTestValidator(t, &ValidationConfig{})
	assert.True(t, unrestricted.contentTypeAllowed("text/html"))
}

func TestJSONDepth(t *testing.T) {
	tests := []struct {
		name string
		data interface{}
		want int
	}{
		{"simple object", map[string]interface{}{"key": "value"}, 2},
		{"nested object", map[string]interface{}{"level1": map[string]interface{}{"level2": "value"}}, 3},
		{"array", []interface{}{"item1", "item2"}, 2},
		{"nested array", []interface{}{[]interface{}{"nested", "array"}}, 3},
		{"primitive", "string", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, jsonDepth(tt.data))
		})
	}
}

func TestRequestValidator_ValidationMiddleware(t *testing.T) {
	validator := newTestValidator(t, &ValidationConfig{
		AllowedMethods: []string{"GET", "POST"},
	})

	handler := validator.ValidationMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	req = httptest.NewRequest("DELETE", "/test", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
}
