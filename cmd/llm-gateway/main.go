package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sentinel-gateway/llm-gateway/internal/cache"
	"github.com/sentinel-gateway/llm-gateway/internal/config"
	"github.com/sentinel-gateway/llm-gateway/internal/judge"
	"github.com/sentinel-gateway/llm-gateway/internal/kv"
	"github.com/sentinel-gateway/llm-gateway/internal/metrics"
	"github.com/sentinel-gateway/llm-gateway/internal/pipeline"
	"github.com/sentinel-gateway/llm-gateway/internal/providers"
	"github.com/sentinel-gateway/llm-gateway/internal/providers/anthropic"
	"github.com/sentinel-gateway/llm-gateway/internal/providers/openai"
	"github.com/sentinel-gateway/llm-gateway/internal/resilience"
	"github.com/sentinel-gateway/llm-gateway/internal/routing"
	"github.com/sentinel-gateway/llm-gateway/internal/security"
	"github.com/sentinel-gateway/llm-gateway/internal/server"
	"github.com/sentinel-gateway/llm-gateway/internal/shield"
)

// Application represents the main application
type Application struct {
	config *config.Config
	router *routing.Router
	server *server.Server
	store  *kv.Store
	logger *logrus.Logger
}

// NewApplication creates a new application instance
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	store := kv.New(cfg.KV, logger)

	// Legacy multi-strategy router: supplemental /providers, /capabilities,
	// /routing/decision enrichment surface.
	routerInstance := routing.NewRouter(logger)

	// Provider registry + resilient (breaker+retry) wrappers feed both the
	// legacy router and the ordered-fallback router.
	registry := routing.NewProviderRegistry()
	if err := registerProviders(routerInstance, registry, cfg, logger); err != nil {
		return nil, fmt.Errorf("failed to register providers: %w", err)
	}

	fallbackRouter := routing.NewFallbackRouter(registry, cfg.FallbackChains, logger)

	pii := shield.NewPIIShield(nil, cfg.PII)
	injection := shield.NewInjectionDetector(cfg.Injection)

	exactCache := cache.NewExactCache(store, cfg.ExactCache, logger)

	var embedder cache.Embedder
	if cfg.SemanticCache.Enabled && cfg.Providers.OpenAI != nil && cfg.Providers.OpenAI.APIKey != "" {
		embedder = cache.NewOpenAIEmbedder(cfg.Providers.OpenAI.APIKey, cfg.SemanticCache.EmbeddingModel)
	}
	semanticCache := cache.NewSemanticCache(embedder, cfg.SemanticCache, logger)

	rateLimiter := security.NewSlidingWindowRateLimiter(store, &cfg.RateLimit, logger)

	var judgeEvaluator *judge.Evaluator
	if cfg.Judge.Enabled && cfg.Providers.OpenAI != nil {
		judgeEvaluator = judge.NewEvaluator(cfg.Providers.OpenAI.APIKey, cfg.Judge, logger)
	} else {
		judgeEvaluator = judge.NewEvaluator("", judge.Config{Enabled: false}, logger)
	}
	judgeRecorder := judge.NewRecorder(store, 0, logger)

	metricsCollector := metrics.New()

	pipe := &pipeline.Pipeline{
		RateLimiter:   rateLimiter,
		PIIShield:     pii,
		Injection:     injection,
		SemanticCache: semanticCache,
		ExactCache:    exactCache,
		Router:        fallbackRouter,
		Judge:         judgeEvaluator,
		Recorder:      judgeRecorder,
		Metrics:       metricsCollector,
		Logger:        logger,
	}

	serverInstance, err := server.NewServer(routerInstance, pipe, metricsCollector, cfg.ToServerConfig(), store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return &Application{
		config: cfg,
		router: routerInstance,
		server: serverInstance,
		store:  store,
		logger: logger,
	}, nil
}

// Run starts the application
func (app *Application) Run() error {
	app.logger.Info("Starting LLM gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		app.logger.WithField("address", ":"+app.config.Server.Port).Info("HTTP server starting")
		if err := app.server.Start(); err != nil {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	app.logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	if app.store != nil {
		if err := app.store.Close(); err != nil {
			app.logger.WithError(err).Warn("Error closing KV store")
		}
	}

	app.logger.Info("Graceful shutdown completed")
	return nil
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, config config.LoggingConfig) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	logger.SetLevel(level)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", config.Format)
	}

	switch config.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", config.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

// registerProviders registers all configured providers with both the
// legacy router and the new provider registry, wrapping each bare adapter
// with breaker+retry resilience before either sees it.
func registerProviders(router *routing.Router, registry *routing.ProviderRegistry, cfg *config.Config, logger *logrus.Logger) error {
	providersRegistered := 0

	if cfg.Providers.OpenAI != nil && cfg.Providers.OpenAI.APIKey != "" {
		raw := openai.NewOpenAIProvider(cfg.Providers.OpenAI, logger)
		resilient := providers.NewResilientProvider("openai", raw, resilience.NewCircuitBreaker(cfg.Breaker), resilience.NewRetryPolicy(cfg.Retry), logger)
		router.RegisterProvider("openai", resilient)
		registry.Register("openai", resilient)
		logger.WithFields(logrus.Fields{
			"provider": "openai",
			"models":   len(cfg.Providers.OpenAI.Models),
		}).Info("OpenAI provider registered")
		providersRegistered++
	}

	if cfg.Providers.Anthropic != nil && cfg.Providers.Anthropic.APIKey != "" {
		raw := anthropic.NewAnthropicProvider(cfg.Providers.Anthropic, logger)
		resilient := providers.NewResilientProvider("anthropic", raw, resilience.NewCircuitBreaker(cfg.Breaker), resilience.NewRetryPolicy(cfg.Retry), logger)
		router.RegisterProvider("anthropic", resilient)
		registry.Register("anthropic", resilient)
		logger.WithFields(logrus.Fields{
			"provider": "anthropic",
			"models":   len(cfg.Providers.Anthropic.Models),
		}).Info("Anthropic provider registered")
		providersRegistered++
	}

	if providersRegistered == 0 {
		return fmt.Errorf("no providers were registered - check your configuration and API keys")
	}

	logger.WithField("count", providersRegistered).Info("Provider registration completed")
	return nil
}

// printUsage prints application usage information
func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY         OpenAI API key\n")
	fmt.Fprintf(os.Stderr, "  ANTHROPIC_API_KEY      Anthropic API key\n")
	fmt.Fprintf(os.Stderr, "  LLM_GATEWAY_PORT        Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  LLM_GATEWAY_LOG_LEVEL   Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  LLM_GATEWAY_LOG_FORMAT  Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "  LLM_GATEWAY_DEFAULT_STRATEGY  Default routing strategy\n")
	fmt.Fprintf(os.Stderr, "  LLM_GATEWAY_KV_HOST / _KV_PORT  Shared Redis connection\n")
	fmt.Fprintf(os.Stderr, "  LLM_GATEWAY_PII_ACTION  PII policy (block,redact,warn)\n")
	fmt.Fprintf(os.Stderr, "  LLM_GATEWAY_INJECTION_BLOCK_THRESHOLD / _WARN_THRESHOLD\n")
	fmt.Fprintf(os.Stderr, "  LLM_GATEWAY_RATE_LIMIT_MAX_REQUESTS / _WINDOW_SECONDS\n")
	fmt.Fprintf(os.Stderr, "  LLM_GATEWAY_SEMANTIC_CACHE_THRESHOLD\n")
	fmt.Fprintf(os.Stderr, "  LLM_GATEWAY_JUDGE_ENABLED / _JUDGE_MODEL\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY=sk-xxx ANTHROPIC_API_KEY=sk-ant-xxx %s\n", os.Args[0])
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		showHelp   = flag.Bool("help", false, "Show help message")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *version {
		fmt.Printf("llm-gateway %s\n", server.Version)
		os.Exit(0)
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
