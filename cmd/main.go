package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/yanolja/relay/cache"
	"github.com/yanolja/relay/config"
	"github.com/yanolja/relay/gateway"
	"github.com/yanolja/relay/health"
	"github.com/yanolja/relay/monitoring"
	"github.com/yanolja/relay/provider"
	"github.com/yanolja/relay/provider/bedrock"
	"github.com/yanolja/relay/provider/claude"
	"github.com/yanolja/relay/provider/lmstudio"
	"github.com/yanolja/relay/provider/local"
	"github.com/yanolja/relay/provider/ollama"
	"github.com/yanolja/relay/provider/openai"
	"github.com/yanolja/relay/provider/studio"
	"github.com/yanolja/relay/server"
	"github.com/yanolja/relay/utils"
)

// setupCache returns the configured cache and, for the memory backend, the
// instance whose purge loop must run.
func setupCache(cacheConfig config.CacheConfig, logger *zap.SugaredLogger) (cache.Cache, *cache.MemoryCache, func(), error) {
	if cacheConfig.Backend == config.CacheBackendValkey {
		valkeyClient, err := valkey.NewClient(valkey.ClientOption{
			InitAddress: []string{cacheConfig.ValkeyEndpoint},
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create Valkey client: %v", err)
		}
		return cache.NewValkeyCache(valkeyClient, cacheConfig.TTL, logger), nil, valkeyClient.Close, nil
	}

	memoryCache := cache.NewMemoryCache(cacheConfig.Capacity, cacheConfig.TTL, logger)
	return memoryCache, memoryCache, func() {}, nil
}

// setupProviders registers every enabled provider. A provider that cannot be
// created is skipped so the others still serve.
func setupProviders(ctx context.Context, providers config.ProvidersConfig, logger *zap.SugaredLogger) *provider.Registry {
	registry := utils.Must(provider.NewRegistry())

	register := func(name string, create func() (provider.Provider, error)) {
		endpoint, err := create()
		if err != nil {
			logger.Warnw("Skipping provider", "provider", name, "error", err)
			return
		}
		if err := registry.Register(endpoint); err != nil {
			logger.Warnw("Failed to register provider", "provider", name, "error", err)
			return
		}
		logger.Infow("Registered provider", "provider", name)
	}

	if providers.OpenAI.Enabled {
		register(openai.PROVIDER, func() (provider.Provider, error) {
			if providers.OpenAI.ApiKey == "" {
				return nil, fmt.Errorf("api key is not set")
			}
			return openai.NewEndpoint(openai.PROVIDER, providers.OpenAI.BaseUrl, providers.OpenAI.ApiKey)
		})
	}
	if providers.Anthropic.Enabled {
		register(claude.PROVIDER, func() (provider.Provider, error) {
			return claude.NewEndpoint(providers.Anthropic.ApiKey)
		})
	}
	if providers.Studio.Enabled {
		register(studio.PROVIDER, func() (provider.Provider, error) {
			return studio.NewEndpoint(ctx, providers.Studio.ApiKey)
		})
	}
	if providers.Bedrock.Enabled {
		register(bedrock.PROVIDER, func() (provider.Provider, error) {
			bedrockConfig := providers.Bedrock
			return bedrock.NewEndpoint(ctx, bedrockConfig.Region, bedrockConfig.AccessKey, bedrockConfig.SecretKey, bedrockConfig.SessionToken)
		})
	}
	if providers.Ollama.Enabled {
		register(ollama.PROVIDER, func() (provider.Provider, error) {
			return ollama.NewEndpoint(providers.Ollama.BaseUrl, providers.Ollama.MaxConcurrency, logger)
		})
	}
	if providers.LMStudio.Enabled {
		register(lmstudio.PROVIDER, func() (provider.Provider, error) {
			return lmstudio.NewEndpoint(providers.LMStudio.BaseUrl, providers.LMStudio.MaxConcurrency, logger)
		})
	}
	if providers.Local.Enabled {
		register(local.PROVIDER, func() (provider.Provider, error) {
			localConfig := providers.Local
			return local.NewEndpoint(localConfig.BinaryPath, localConfig.ModelsDir, localConfig.MaxConcurrency, logger)
		})
	}

	if registry.Len() == 0 {
		logger.Warnw("No provider is registered; every request will fail with provider_unavailable")
	}
	return registry
}

func main() {
	logger := utils.Must(zap.NewProduction())
	defer logger.Sync()
	sugar := logger.Sugar()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.LoadConfig(*configPath, sugar)
	if err != nil {
		sugar.Fatalw("Failed to load config", "error", err)
	}
	sugar.Infow("Loaded config",
		"port", cfg.Port,
		"cache_backend", cfg.Cache.Backend,
		"max_retries", cfg.MaxRetries,
		"default_timeout", cfg.DefaultTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetry, err := monitoring.SetupTelemetry(ctx, cfg.Monitoring.OpenTelemetry, sugar)
	if err != nil {
		sugar.Fatalw("Failed to setup telemetry", "error", err)
	}

	var prometheusMonitor *monitoring.PrometheusMonitor
	if cfg.Monitoring.Prometheus.Enabled {
		prometheusMonitor, err = monitoring.NewPrometheusMonitor(cfg.Monitoring.Prometheus, sugar)
		if err != nil {
			sugar.Fatalw("Failed to setup Prometheus", "error", err)
		}
	}

	responseCache, memoryCache, closeCache, err := setupCache(cfg.Cache, sugar)
	if err != nil {
		sugar.Fatalw("Failed to setup cache", "error", err)
	}

	registry := setupProviders(ctx, cfg.Providers, sugar)

	var recorder monitoring.Recorder = telemetry.Recorder()
	serverParams := server.Params{
		ApiKey:    cfg.ApiKey,
		JwtSecret: cfg.JwtSecret,
		Logger:    sugar,
	}
	if prometheusMonitor != nil {
		recorder = monitoring.Multi(recorder, prometheusMonitor)
		serverParams.Metrics = prometheusMonitor.Handler()
		serverParams.MetricsPath = prometheusMonitor.Path()
	}

	var customRecorder *monitoring.CustomRecorder
	if cfg.Monitoring.CustomEndpoint.Enabled {
		customRecorder, err = monitoring.NewCustomRecorder(cfg.Monitoring.CustomEndpoint, sugar)
		if err != nil {
			sugar.Fatalw("Failed to setup custom metrics endpoint", "error", err)
		}
		recorder = monitoring.Multi(recorder, customRecorder)
	}

	relayGateway, err := gateway.New(gateway.Params{
		Registry: registry,
		Monitor:  health.NewMonitor(sugar),
		Tables:   cfg.Tables(),
		Cache:    responseCache,
		Settings: gateway.Settings{
			DefaultTimeout:   cfg.DefaultTimeout,
			MaxRetries:       cfg.MaxRetries,
			RetryDelay:       cfg.RetryDelay,
			BatchConcurrency: cfg.BatchConcurrency,
			PingInterval:     cfg.PingInterval,
		},
		Recorder: recorder,
		Tracer:   telemetry.Tracer(),
		Logger:   sugar,
	})
	if err != nil {
		sugar.Fatalw("Failed to create gateway", "error", err)
	}

	serverParams.Gateway = relayGateway
	relayServer, err := server.New(serverParams)
	if err != nil {
		sugar.Fatalw("Failed to create server", "error", err)
	}

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		Debug:          false,
	})

	address := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:    address,
		Handler: corsMiddleware.Handler(relayServer.Router()),
	}

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGTERM)

	go relayGateway.StartPingLoop(ctx)
	customDone := make(chan struct{})
	if customRecorder != nil {
		go func() {
			defer close(customDone)
			customRecorder.Start(ctx)
		}()
	} else {
		close(customDone)
	}
	if memoryCache != nil && cfg.Cache.PurgeInterval > 0 {
		go memoryCache.StartPurgeLoop(ctx, cfg.Cache.PurgeInterval)
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-shutdownSignal
		sugar.Infow("Shutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			sugar.Errorw("Server forced to shutdown", "error", err)
		}
		if err := relayGateway.Shutdown(); err != nil {
			sugar.Warnw("Failed to shutdown providers", "error", err)
		}
		closeCache()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			sugar.Warnw("Failed to flush telemetry", "error", err)
		}
	}()

	sugar.Infow("Starting server", "address", address, "providers", registry.Names())
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sugar.Fatalw("Failed to start server", "error", err)
	}
	<-shutdownDone
	<-customDone

	sugar.Infow("Server exited gracefully")
}
