package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/boardroom-ai/council/internal/cache"
	"github.com/boardroom-ai/council/internal/circuitbreaker"
	"github.com/boardroom-ai/council/internal/config"
	"github.com/boardroom-ai/council/internal/deliberation"
	"github.com/boardroom-ai/council/internal/gateway"
	"github.com/boardroom-ai/council/internal/httpapi"
	"github.com/boardroom-ai/council/internal/ratelimit"
	"github.com/boardroom-ai/council/internal/retry"
	"github.com/boardroom-ai/council/internal/streaming"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalog, err := config.LoadCatalog(cfg.ModelsFile, logger)
	if err != nil {
		logger.Fatal("Failed to load model catalog", zap.Error(err))
	}
	if err := catalog.WatchForChanges(); err != nil {
		logger.Warn("Model catalog hot-reload unavailable", zap.Error(err))
	}
	defer catalog.Close()

	gw := buildGateway(cfg, catalog, logger)

	store, err := buildStore(ctx, cfg.Cache, logger)
	if err != nil {
		logger.Fatal("Failed to initialize cache store", zap.Error(err))
	}
	responseCache := cache.New(store, cfg.Cache.TTL, logger)

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Capacity:    cfg.RateLimit.Capacity,
		RefillRate:  cfg.RateLimit.RefillRate,
		WaitTimeout: cfg.RateLimit.WaitTimeout,
		FailFast:    cfg.RateLimit.FailFast,
	}, logger)

	breakerCfg := circuitbreaker.DefaultConfig()
	breakerCfg.FailureThreshold = cfg.Breaker.FailureThreshold
	breakerCfg.Cooldown = cfg.Breaker.Cooldown
	breakerCfg.MaxCooldown = cfg.Breaker.MaxCooldown
	breakerCfg.CooldownGrowth = cfg.Breaker.CooldownGrowth
	breakers := circuitbreaker.NewRegistry(circuitbreaker.FromEnv(breakerCfg), logger)

	manager := streaming.NewManager(cfg.RingCapacity)

	engineCfg := deliberation.Config{
		Timeouts: deliberation.Timeouts{
			Stage1:  cfg.Timeouts.Stage1,
			Stage2:  cfg.Timeouts.Stage2,
			Stage3:  cfg.Timeouts.Stage3,
			Overall: cfg.Timeouts.Overall,
		},
		RetryPolicy: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Jitter:      true,
		},
		ModelCosts: catalog.Costs(),
		Retention:  cfg.Timeouts.Retention,
	}
	engine := deliberation.NewEngine(engineCfg, gw, limiter, responseCache, breakers, manager, logger)

	// Cost tiers follow catalog hot-reloads; running deliberations keep the
	// costs they started with.
	catalog.OnReload(func() {
		logger.Info("Model catalog changed; new deliberations use updated roster")
	})

	mux := http.NewServeMux()
	httpapi.NewServer(engine, manager, catalog, logger).RegisterRoutes(mux)

	apiServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.Server.Port))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("API server failed", zap.Error(err))
			stop()
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.MetricsPort),
		Handler: metricsMux,
	}
	go func() {
		logger.Info("Metrics server listening", zap.Int("port", cfg.Server.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown incomplete", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown incomplete", zap.Error(err))
	}
}

func buildLogger(lc config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zc zap.Config
	if lc.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// buildGateway selects the mock gateway in mock mode, otherwise an HTTP
// gateway with one endpoint per catalog model.
func buildGateway(cfg *config.Config, catalog *config.Catalog, logger *zap.Logger) gateway.Gateway {
	if cfg.Gateway.MockMode {
		logger.Info("Running in mock mode; no upstream model calls will be made")
		return gateway.NewMock()
	}

	endpoints := make(map[string]gateway.ModelEndpoint)
	for name, def := range catalog.Models() {
		timeout := time.Duration(def.Timeout)
		if timeout <= 0 {
			timeout = cfg.Gateway.AttemptTimeout
		}
		endpoints[name] = gateway.ModelEndpoint{
			BaseURL:   def.BaseURL,
			APIKey:    os.Getenv(def.APIKeyEnv),
			Timeout:   timeout,
			MaxTokens: def.MaxTokens,
		}
	}
	return gateway.NewHTTPGateway(endpoints, logger)
}

// buildStore picks Redis when an address is configured, in-memory otherwise.
func buildStore(ctx context.Context, cc config.CacheConfig, logger *zap.Logger) (cache.Store, error) {
	if cc.RedisAddr != "" {
		logger.Info("Using Redis response cache", zap.String("addr", cc.RedisAddr))
		return cache.NewRedisStore(cc.RedisAddr, cc.RedisPassword, logger)
	}
	mem := cache.NewMemoryStore()
	mem.StartSweep(ctx, cc.SweepInterval)
	logger.Info("Using in-memory response cache")
	return mem, nil
}
