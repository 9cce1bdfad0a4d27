package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"threadstream/internal/ratelimit"
	"threadstream/internal/tracer"
	"threadstream/internal/usertoken"
	"threadstream/internal/util"
	"threadstream/pkg/ai"
	"threadstream/pkg/broker"
	"threadstream/pkg/credentials"
	"threadstream/pkg/registry"
	"threadstream/pkg/storage"
	"threadstream/pkg/store"
	"threadstream/services/chat/internal/app"
	"threadstream/services/chat/internal/config"
	"threadstream/services/chat/internal/server"
	"threadstream/services/chat/internal/tools"
)

const (
	rateWindow      = time.Minute
	shutdownTimeout = 30 * time.Second
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		util.Fatal("failed to load config", "err", err)
	}
	logger := util.InitLogger(cfg.LogLevel)
	durations, err := cfg.ParseDurations()
	if err != nil {
		util.Fatal("failed to parse durations", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracing)
	if err != nil {
		util.Fatal("failed to init tracing", "err", err)
	}

	threads, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}
	settings, err := credentials.NewGormStoreWithDB(threads.DB())
	if err != nil {
		util.Fatal("failed to init credential store", "err", err)
	}

	var opener registry.KeyOpener
	if cfg.CredentialsKey != "" {
		sealer, err := credentials.NewSealerFromBase64(cfg.CredentialsKey)
		if err != nil {
			util.Fatal("failed to init credential sealer", "err", err)
		}
		opener = sealer
	} else {
		logger.Warn("credentialsKey not set; user provider keys are disabled")
	}

	catalog := registry.DefaultCatalog()
	if cfg.CatalogPath != "" {
		catalog, err = registry.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			util.Fatal("failed to load model catalog", "err", err)
		}
	}
	breakers := ai.NewBreakerSet(ai.BreakerConfig{
		MaxFailures: cfg.BreakerMaxFailures,
		Timeout:     durations.BreakerTimeout,
	}, logger)
	models, err := registry.New(registry.Config{
		Catalog:  catalog,
		Internal: cfg.InternalProviders,
		Opener:   opener,
		Factory:  &registry.OpenAIFactory{Breakers: breakers},
		Logger:   logger,
	})
	if err != nil {
		util.Fatal("failed to init model registry", "err", err)
	}

	appCfg := app.Config{
		Store:             threads,
		Credentials:       settings,
		Registry:          models,
		TitleModelID:      cfg.TitleModel,
		SystemPrompt:      cfg.SystemPrompt,
		MaxSteps:          cfg.MaxSteps,
		MaxOutputTokens:   cfg.MaxOutputTokens,
		ResumeWindow:      durations.ResumeWindow,
		GenerationTimeout: durations.GenerationTimeout,
		StaleLiveAfter:    durations.StaleLiveAfter,
		AssetURLExpiry:    durations.AssetURLExpiry,
		TokenCounter:      ai.CountTokens,
		Logger:            logger,
	}

	var (
		redisClient   *redis.Client
		chatLimiter   server.RateLimiter
		resumeLimiter server.RateLimiter
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			util.Fatal("failed to connect redis", "addr", cfg.RedisAddr, "err", err)
		}
		prefix := redisPrefix(cfg.RedisPrefix)
		appCfg.Broker = broker.NewWithClient(redisClient, broker.Options{
			Prefix:    prefix,
			ActiveTTL: durations.StreamActiveTTL,
			GraceTTL:  durations.StreamGraceTTL,
			Logger:    logger,
		})
		if cfg.ChatRateLimitPerMinute > 0 {
			limiter, err := ratelimit.NewFixedWindowLimiter(redisClient, prefix+":ratelimit:chat", cfg.ChatRateLimitPerMinute, rateWindow)
			if err != nil {
				util.Fatal("failed to init chat limiter", "err", err)
			}
			chatLimiter = limiter
		}
		if cfg.ResumeRateLimitPerMinute > 0 {
			limiter, err := ratelimit.NewFixedWindowLimiter(redisClient, prefix+":ratelimit:resume", cfg.ResumeRateLimitPerMinute, rateWindow)
			if err != nil {
				util.Fatal("failed to init resume limiter", "err", err)
			}
			resumeLimiter = limiter
		}
	} else {
		logger.Warn("redisAddr not set; stream resumption and rate limits are disabled")
	}

	if cfg.MinioEndpoint != "" {
		objects, err := storage.NewMinioStore(storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			util.Fatal("failed to init object store", "err", err)
		}
		appCfg.Objects = objects
	}

	if cfg.SearchAPIKey != "" {
		search, err := tools.NewWebSearch(tools.WebSearchConfig{
			Endpoint: cfg.SearchAPIURL,
			APIKey:   cfg.SearchAPIKey,
		})
		if err != nil {
			util.Fatal("failed to init web search tool", "err", err)
		}
		appCfg.Tools = append(appCfg.Tools, search)
	}

	appCore, err := app.New(appCfg)
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	stopSweeper := func() {}
	if cfg.SweepSchedule != "" {
		stopSweeper, err = appCore.StartSweeper(cfg.SweepSchedule)
		if err != nil {
			util.Fatal("failed to start liveness sweeper", "err", err)
		}
	}

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		Secret:     cfg.JWTSecret,
		JWKSURL:    cfg.JWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     durations.JWTLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init token verifier", "err", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal("failed to parse trusted proxies", "err", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Verifier:       verifier,
		ChatLimiter:    chatLimiter,
		ResumeLimiter:  resumeLimiter,
		TrustedProxies: trusted,
		CORSOrigins:    cfg.CORSOrigins,
	})
	if err != nil {
		util.Fatal("failed to init http server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Streams stay open for the whole generation.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("chat server listening", "addr", addr, "resume", appCore.ResumeEnabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	stopSweeper()
	if err := appCore.Wait(shutdownCtx); err != nil {
		logger.Warn("generations still running at shutdown", "err", err)
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", "err", err)
	}
}

func redisPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "threadstream"
	}
	return strings.TrimSuffix(prefix, ":")
}
