package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"dropout-advisor/internal/advisory"
	"dropout-advisor/internal/classifier"
	"dropout-advisor/internal/config"
	"dropout-advisor/internal/handler"
	"dropout-advisor/internal/llm"
	"dropout-advisor/internal/logger"
	"dropout-advisor/internal/metrics"
	"dropout-advisor/internal/models"
	"dropout-advisor/internal/repository"
	"dropout-advisor/internal/service"
	"dropout-advisor/internal/tracing"
)

func main() {
	configPath := flag.String("config", "configs/config.yml", "path to the YAML config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting Dropout Advisor...")

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(&models.StartupError{Component: "config", Err: err}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, log)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := metrics.Register(registry); err != nil {
		log.Fatal("Failed to register metrics", zap.Error(err))
	}

	// Initialize classifier
	clf, err := classifier.New(ctx, classifier.Config{
		Type:         cfg.Classifier.Type,
		ArtifactPath: cfg.Classifier.ArtifactPath,
		RemoteURL:    cfg.Classifier.RemoteURL,
		Timeout:      cfg.Classifier.Timeout,
	}, log)
	if err != nil {
		log.Fatal("Failed to load classifier", zap.Error(&models.StartupError{Component: "classifier", Err: err}))
	}

	// Initialize LLM client (multi-provider with rate limiting)
	providers, err := llm.NewMultiProviderClient(ctx, llm.MultiProviderConfig{
		Providers:   cfg.AdvisoryProviders(),
		MaxFailures: cfg.MaxFailuresBeforeSwitch,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize advisory providers", zap.Error(&models.StartupError{Component: "advisory", Err: err}))
	}
	defer providers.Close()

	var (
		advisor     llm.Provider = providers
		cacheStatus handler.CacheStatus
	)
	if cfg.Advisory.Cache.Enabled {
		cache, err := openCache(cfg.Advisory.Cache, log)
		if err != nil {
			log.Fatal("Failed to initialize advisory cache", zap.Error(&models.StartupError{Component: "cache", Err: err}))
		}
		defer cache.Close()

		go purgeCache(ctx, cache, cfg.Advisory.Cache.TTL, log)
		advisor = llm.NewCachedProvider(providers, cache, log)
		cacheStatus = cache
	}

	if advised := cfg.AdvisedRowsPerRequest(); cfg.Batch.MaxRows > advised {
		log.Warn("Large uploads will run out of time before every row is advised",
			zap.Int("max_rows", cfg.Batch.MaxRows),
			zap.Int("advised_rows_per_request", advised),
			zap.Duration("request_timeout", cfg.Server.RequestTimeout))
	}

	generator := advisory.NewGenerator(advisor, cfg.Advisory.Timeout, log)
	predictor := service.NewPredictor(clf, generator, service.Options{
		MaxRows:         cfg.Batch.MaxRows,
		AdvisoryWorkers: cfg.Batch.AdvisoryWorkers,
		RequestTimeout:  cfg.Server.RequestTimeout,
	}, log)

	var sample []byte
	if cfg.Batch.SamplePath != "" {
		sample, err = os.ReadFile(cfg.Batch.SamplePath)
		if err != nil {
			log.Warn("Sample upload not available", zap.String("path", cfg.Batch.SamplePath), zap.Error(err))
		}
	}

	// Initialize HTTP handler
	apiHandler, err := handler.NewHandler(predictor, handler.Options{
		UI:             cfg.UI,
		MaxUploadBytes: cfg.Server.MaxUploadMB << 20,
		Sample:         sample,
		Providers:      providers,
		Cache:          cacheStatus,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize HTTP handler", zap.Error(err))
	}

	// Setup Gin router
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(
		handler.Recovery(log),
		handler.RequestID(),
		tracing.GinMiddleware(),
		metrics.Middleware(),
		handler.Logger(log),
		handler.CORS(cfg.Server.AllowedOrigins),
	)

	apiHandler.RegisterRoutes(router)
	router.GET("/metrics", metrics.Handler(registry))

	// Start server
	serverAddr := fmt.Sprintf(":%s", cfg.Server.Port)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	modelInfo := providers.GetModelInfo()
	modelName := "unknown"
	if m, ok := modelInfo["model"].(string); ok {
		modelName = m
	}

	log.Info("Dropout Advisor is running",
		zap.String("address", serverAddr),
		zap.String("classifier", clf.Info().Name),
		zap.String("advisory_model", modelName),
		zap.Bool("advisory_cache", cfg.Advisory.Cache.Enabled))

	// Wait for interrupt signal
	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("Failed to flush traces", zap.Error(err))
	}

	log.Info("Server exited")
}

func openCache(cfg config.CacheConfig, log *zap.Logger) (*repository.AdvisoryCache, error) {
	if cfg.Driver == repository.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	return repository.OpenAdvisoryCache(repository.CacheConfig{
		Driver: cfg.Driver,
		DSN:    cfg.DSN,
		TTL:    cfg.TTL,
	}, log)
}

// purgeCache drops expired advice once at startup and then hourly
func purgeCache(ctx context.Context, cache *repository.AdvisoryCache, ttl time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		removed, err := cache.Purge(ctx, time.Now().Add(-ttl))
		if err != nil && ctx.Err() == nil {
			log.Warn("Advisory cache purge failed", zap.Error(err))
		} else if removed > 0 {
			log.Info("Advisory cache purged", zap.Int64("removed", removed))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
