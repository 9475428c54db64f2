package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/sentinel-gateway/llm-gateway/internal/kv"
	"github.com/sentinel-gateway/llm-gateway/internal/metrics"
	"github.com/sentinel-gateway/llm-gateway/internal/middleware"
	"github.com/sentinel-gateway/llm-gateway/internal/pipeline"
	"github.com/sentinel-gateway/llm-gateway/internal/resilience"
	"github.com/sentinel-gateway/llm-gateway/internal/routing"
	"github.com/sentinel-gateway/llm-gateway/internal/types"
)

// Version is reported on /health and the -version flag.
const Version = "1.0.0"

// Server represents the HTTP server
type Server struct {
	router               *routing.Router
	pipeline             *pipeline.Pipeline
	metrics              *metrics.Collector
	httpServer           *http.Server
	logger               *logrus.Logger
	config               *ServerConfig
	store                *kv.Store
	securityMiddleware   *middleware.SecurityMiddleware
	validationMiddleware *middleware.ValidationMiddleware
	startTime            time.Time
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string                                `yaml:"port"`
	ReadTimeout    time.Duration                         `yaml:"read_timeout"`
	WriteTimeout   time.Duration                         `yaml:"write_timeout"`
	MaxHeaderBytes int                                   `yaml:"max_header_bytes"`
	Security       *middleware.SecurityMiddlewareConfig `yaml:"security"`
	Validation     *middleware.ValidationConfig          `yaml:"validation"`
}

// NewServer creates a new server instance. store may be nil, in which case
// KV-backed security features (the sliding-window rate limiter) are
// disabled. pipeline drives the primary /v1/chat/completions path; router
// remains wired for the supplemental enrichment endpoints (/providers,
// /capabilities, /routing/decision). metricsCollector backs /metrics.
func NewServer(router *routing.Router, pipe *pipeline.Pipeline, metricsCollector *metrics.Collector, config *ServerConfig, store *kv.Store, logger *logrus.Logger) (*Server, error) {
	server := &Server{
		router:    router,
		pipeline:  pipe,
		metrics:   metricsCollector,
		logger:    logger,
		config:    config,
		store:     store,
		startTime: time.Now(),
	}

	if config.Security != nil {
		securityMiddleware, err := middleware.NewSecurityMiddleware(config.Security, store, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize security middleware: %w", err)
		}
		server.securityMiddleware = securityMiddleware
	}

	if config.Validation != nil {
		validationMiddleware, err := middleware.NewValidationMiddleware(config.Validation, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize validation middleware: %w", err)
		}
		server.validationMiddleware = validationMiddleware
	}

	return server, nil
}

// Start starts the HTTP server
func (s *Server) Start() error {
	r := s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        r,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting LLM gateway server")
	return s.httpServer.ListenAndServe()
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping LLM gateway server")

	if s.securityMiddleware != nil {
		s.securityMiddleware.Stop()
	}

	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	if s.securityMiddleware != nil {
		r.Use(s.securityMiddleware.Handler())
	}

	if s.validationMiddleware != nil {
		r.Use(s.validationMiddleware.Middleware)
	}

	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.contentTypeMiddleware)

	api := r.PathPrefix("/v1").Subrouter()

	// Primary pipeline-driven endpoint.
	api.HandleFunc("/chat/completions", s.handleChatCompletion).Methods("POST")

	// Legacy/compat aliases, also pipeline-driven.
	api.HandleFunc("/completions", s.handleChatCompletion).Methods("POST")
	api.HandleFunc("/messages", s.handleChatCompletion).Methods("POST")

	// Supplemental enrichment surface over the old multi-strategy router:
	// inspect routing decisions and provider capabilities without
	// executing a completion.
	api.HandleFunc("/providers", s.handleListProviders).Methods("GET")
	api.HandleFunc("/providers/{name}", s.handleGetProvider).Methods("GET")
	api.HandleFunc("/health/{name}", s.handleProviderHealth).Methods("GET")
	api.HandleFunc("/capabilities", s.handleCapabilities).Methods("GET")
	api.HandleFunc("/routing/decision", s.handleRoutingDecision).Methods("POST")

	r.HandleFunc("/health", s.handleHealthCheck).Methods("GET")
	r.HandleFunc("/metrics", s.handleMetricsSnapshot).Methods("GET")
	r.Handle("/metrics/prometheus", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/metrics/reset", s.handleMetricsReset).Methods("POST")

	s.setupSwaggerRoutes(r)

	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"user_agent":  r.UserAgent(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" || r.Method == "PUT" {
			contentType := r.Header.Get("Content-Type")
			if contentType != "application/json" && contentType != "" {
				s.writeErrorResponse(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Handlers

// handleChatCompletion runs every /v1/chat/completions (and its aliases)
// request through the pipeline: rate limit, shields, caches, fallback
// dispatch, judge scheduling.
func (s *Server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	if req.ID == "" {
		req.ID = fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano())
	}
	req.Timestamp = time.Now()

	start := time.Now()
	endpoint := r.URL.Path

	ctx := r.Context()
	if inbound := r.Header.Get("X-Request-ID"); inbound != "" {
		ctx, _ = metrics.WithTraceID(ctx, inbound)
	}

	if req.Stream {
		s.handleStreaming(w, r.WithContext(ctx), &req, endpoint, start)
		return
	}

	result, err := s.pipeline.Execute(ctx, &req)
	if err != nil {
		if inbound := r.Header.Get("X-Request-ID"); inbound != "" {
			w.Header().Set("X-Request-ID", inbound)
		}
		status := s.writePipelineError(w, err)
		s.metrics.RecordRequest(req.Model, endpoint, fmt.Sprint(status), time.Since(start))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", result.TraceID)
	w.Header().Set("X-Response-Time", fmt.Sprintf("%dms", result.Elapsed.Milliseconds()))
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(result.Response)
	s.metrics.RecordRequest(req.Model, endpoint, "200", result.Elapsed)
}

func (s *Server) handleStreaming(w http.ResponseWriter, r *http.Request, req *types.ChatRequest, endpoint string, start time.Time) {
	chunks, provider, traceID, err := s.pipeline.ExecuteStream(r.Context(), req)
	if err != nil {
		if inbound := r.Header.Get("X-Request-ID"); inbound != "" {
			w.Header().Set("X-Request-ID", inbound)
		}
		status := s.writePipelineError(w, err)
		s.metrics.RecordRequest(req.Model, endpoint, fmt.Sprint(status), time.Since(start))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Request-ID", traceID)
	w.WriteHeader(http.StatusOK)

	metadataChunk := &types.ChatChunk{
		ID:      req.ID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   req.Model,
		RouterMetadata: &types.RouterMetadata{
			Provider:  provider,
			RequestID: traceID,
		},
	}
	data, _ := json.Marshal(metadataChunk)
	fmt.Fprintf(w, "data: %s\n\n", data)
	w.(http.Flusher).Flush()

	var fullContent string
	for chunk := range chunks {
		if chunk.Error != nil {
			// Mid-stream upstream failure: one final error frame, then
			// close without [DONE]. No judge record for a broken stream.
			data, _ := json.Marshal(map[string]interface{}{"error": chunk.Error})
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.(http.Flusher).Flush()
			s.metrics.RecordRequest(req.Model, endpoint, "stream_error", time.Since(start))
			return
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta != nil {
			if text, ok := chunk.Choices[0].Delta.Content.(string); ok {
				fullContent += text
			}
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			s.logger.WithError(err).Error("Failed to marshal chunk")
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		w.(http.Flusher).Flush()
	}

	if r.Context().Err() != nil {
		// The client disconnected mid-stream and the channel drained on
		// cancellation. Nothing left to write, and no judge record for a
		// response the client never received in full.
		s.metrics.RecordRequest(req.Model, endpoint, "cancelled", time.Since(start))
		return
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	w.(http.Flusher).Flush()

	s.pipeline.ScheduleJudgeFromChunks(req, provider, fullContent)
	s.metrics.RecordRequest(req.Model, endpoint, "200", time.Since(start))
}

// writePipelineError maps a pipeline error to its HTTP status and writes
// the error body, returning the status written.
func (s *Server) writePipelineError(w http.ResponseWriter, err error) int {
	var rateLimited *pipeline.RateLimitedError
	var blocked *pipeline.BlockedError
	var noProvider *routing.NoProviderError
	var allFailed *routing.AllProvidersFailedError

	switch {
	case errors.As(err, &rateLimited):
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rateLimited.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rateLimited.Remaining))
		w.Header().Set("Retry-After", strconv.Itoa(int(rateLimited.RetryAfter.Seconds())))
		s.writeErrorResponse(w, http.StatusTooManyRequests, err.Error())
		return http.StatusTooManyRequests
	case errors.As(err, &blocked):
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return http.StatusBadRequest
	case errors.As(err, &noProvider):
		s.writeErrorResponse(w, http.StatusNotFound, err.Error())
		return http.StatusNotFound
	case errors.As(err, &allFailed):
		s.writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
		return http.StatusServiceUnavailable
	default:
		s.logger.WithError(err).Error("pipeline execution failed")
		s.writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return http.StatusInternalServerError
	}
}

// handleListProviders lists all registered providers
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	names := s.router.ListProviders()

	response := map[string]interface{}{
		"providers": names,
		"count":     len(names),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleGetProvider gets information about a specific provider
func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]

	provider, exists := s.router.GetProvider(name)
	if !exists {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Provider %s not found", name))
		return
	}

	response := map[string]interface{}{
		"name":         name,
		"provider":     provider.GetProviderName(),
		"capabilities": provider.GetCapabilities(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// breakerHolder is satisfied by providers.ResilientProvider without this
// package importing its circuit-breaker internals directly.
type breakerHolder interface {
	Breaker() *resilience.CircuitBreaker
}

// handleHealthCheck reports gateway health: KV reachability and every
// registered provider's circuit breaker state. "degraded" means the KV
// store is down or at least one breaker is open but the gateway can still
// serve traffic; "unhealthy" means both at once.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	kvDown := false
	kvCheck := map[string]interface{}{"status": "disabled"}
	if s.store != nil {
		latency, err := s.store.Ping(r.Context())
		if err != nil {
			kvDown = true
			kvCheck = map[string]interface{}{"status": "down", "error": err.Error()}
		} else {
			kvCheck = map[string]interface{}{"status": "up", "latency_ms": latency.Milliseconds()}
		}
	}

	anyOpen := false
	breakers := map[string]interface{}{}
	for _, name := range s.router.ListProviders() {
		p, ok := s.router.GetProvider(name)
		if !ok {
			continue
		}
		holder, ok := p.(breakerHolder)
		if !ok {
			continue
		}
		snap := holder.Breaker().State()
		if snap.State == resilience.StateOpen {
			anyOpen = true
		}
		var lastFailure int64
		if !snap.LastFailureTime.IsZero() {
			lastFailure = snap.LastFailureTime.Unix()
		}
		breakers[name] = map[string]interface{}{
			"state":         string(snap.State),
			"failure_count": snap.FailureCount,
			"last_failure":  lastFailure,
		}
	}

	status := "healthy"
	switch {
	case kvDown && anyOpen:
		status = "unhealthy"
	case kvDown || anyOpen:
		status = "degraded"
	}

	body := map[string]interface{}{
		"status":         status,
		"version":        Version,
		"timestamp":      time.Now().Unix(),
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"checks": map[string]interface{}{
			"kv":               kvCheck,
			"circuit_breakers": breakers,
		},
	}

	statusCode := http.StatusOK
	if status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// handleMetricsSnapshot serves the gateway's counters, gauges, and
// latency percentiles as JSON. Raw Prometheus text exposition is still
// available at /metrics/prometheus for scraping.
func (s *Server) handleMetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.metrics.Snapshot())
}

// handleMetricsReset clears in-memory counters, resets every provider's
// circuit breaker, and best-effort flushes the gateway's own cache
// keyspace in the shared KV store.
func (s *Server) handleMetricsReset(w http.ResponseWriter, r *http.Request) {
	s.metrics.Reset()

	for _, name := range s.router.ListProviders() {
		if p, ok := s.router.GetProvider(name); ok {
			if holder, ok := p.(breakerHolder); ok {
				holder.Breaker().Reset()
			}
		}
	}

	if s.store != nil {
		if err := s.store.FlushKeyspace(r.Context(), "llm:*"); err != nil {
			s.logger.WithError(err).Warn("failed to flush cache keyspace on metrics reset")
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "reset"})
}

// handleProviderHealth returns health status for specific provider
func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]

	health := s.router.GetHealthStatus()
	providerHealth, exists := health[name]
	if !exists {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Provider %s not found", name))
		return
	}

	response := map[string]interface{}{
		"provider":  name,
		"status":    providerHealth,
		"timestamp": time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleCapabilities returns capabilities of all providers
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	capabilities := s.router.GetCapabilities()

	response := map[string]interface{}{
		"capabilities": capabilities,
		"timestamp":    time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleRoutingDecision returns the old multi-strategy router's decision
// without executing the request, for operators tuning cost/performance
// routing outside the pipeline's fallback chains.
func (s *Server) handleRoutingDecision(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	if req.ID == "" {
		req.ID = fmt.Sprintf("routing-%d", time.Now().UnixNano())
	}
	req.Timestamp = time.Now()

	metadata, _, err := s.router.Route(r.Context(), &req)
	if err != nil {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, fmt.Sprintf("Routing failed: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(metadata)
}

// Helper functions

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "api_error",
			"code":    statusCode,
		},
		"timestamp": time.Now().Unix(),
	}

	json.NewEncoder(w).Encode(errorResp)
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher interface for streaming support
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
