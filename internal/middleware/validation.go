package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/sirupsen/logrus"
)

// ValidationMiddleware validates incoming requests against the gateway's
// OpenAPI document. Schema violations are rejected with 422 before the
// pipeline ever sees the request; routes not described in the document
// (health, metrics, docs) pass through untouched.
type ValidationMiddleware struct {
	router  routers.Router
	logger  *logrus.Logger
	enabled bool
}

// ValidationConfig configures the validation middleware.
type ValidationConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SpecPath   string `yaml:"spec_path"`
	StrictMode bool   `yaml:"strict_mode"`
}

// NewValidationMiddleware creates a new validation middleware.
func NewValidationMiddleware(config *ValidationConfig, logger *logrus.Logger) (*ValidationMiddleware, error) {
	if config == nil {
		config = &ValidationConfig{SpecPath: "docs/openapi.yaml"}
	}

	vm := &ValidationMiddleware{logger: logger, enabled: config.Enabled}
	if !config.Enabled {
		logger.Info("API validation middleware disabled")
		return vm, nil
	}

	if err := vm.loadSpec(config.SpecPath); err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec: %w", err)
	}

	logger.WithField("spec_path", config.SpecPath).Info("API validation middleware enabled")
	return vm, nil
}

func (vm *ValidationMiddleware) loadSpec(specPath string) error {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = true

	doc, err := loader.LoadFromFile(specPath)
	if err != nil {
		// Tests run with a working directory two levels below the repo
		// root, so retry from there before giving up.
		rootPath := filepath.Join("..", "..", specPath)
		doc, err = loader.LoadFromFile(rootPath)
		if err != nil {
			return fmt.Errorf("failed to load OpenAPI spec from %s or %s: %w", specPath, rootPath, err)
		}
	}

	if err := doc.Validate(context.Background()); err != nil {
		return fmt.Errorf("invalid OpenAPI spec: %w", err)
	}

	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return fmt.Errorf("failed to create OpenAPI router: %w", err)
	}
	vm.router = router
	return nil
}

// Middleware returns the HTTP middleware function.
func (vm *ValidationMiddleware) Middleware(next http.Handler) http.Handler {
	if !vm.enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := vm.validateRequest(r); err != nil {
			vm.logger.WithError(err).WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
			}).Warn("Request validation failed")
			vm.writeValidationError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (vm *ValidationMiddleware) validateRequest(r *http.Request) error {
	route, pathParams, err := vm.router.FindRoute(r)
	if err != nil {
		// Undocumented routes pass through.
		if strings.Contains(err.Error(), "not found") {
			return nil
		}
		return fmt.Errorf("route lookup failed: %w", err)
	}

	// The body has to survive validation for the downstream handler.
	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
	}
	if len(body) > 0 {
		input.Request.Body = io.NopCloser(bytes.NewReader(body))
	}

	if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
		return fmt.Errorf("request validation failed: %w", err)
	}
	return nil
}

// writeValidationError rejects the request with 422: the body parsed as
// JSON but does not conform to the documented schema.
func (vm *ValidationMiddleware) writeValidationError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnprocessableEntity)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": summarizeValidationError(err),
			"type":    "validation_error",
			"code":    http.StatusUnprocessableEntity,
		},
		"timestamp": time.Now().Unix(),
	})
}

func summarizeValidationError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "request body"):
		return "Invalid request body format"
	case strings.Contains(msg, "required"):
		return "Missing required field"
	case strings.Contains(msg, "enum"):
		return "Invalid enum value"
	default:
		return msg
	}
}
