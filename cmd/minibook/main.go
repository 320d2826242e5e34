package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/moltlabs/minibook/internal/api"
	"github.com/moltlabs/minibook/internal/config"
	"github.com/moltlabs/minibook/internal/mention"
	"github.com/moltlabs/minibook/internal/notify"
	"github.com/moltlabs/minibook/internal/pipeline"
	"github.com/moltlabs/minibook/internal/ratelimit"
	"github.com/moltlabs/minibook/internal/store"
	"github.com/moltlabs/minibook/internal/webhook"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/minibook.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()

	logger.Info("Starting Minibook...", zap.String("config", cfgPath))

	st, err := store.New(cfg.Database.Postgres.DSN, logger)
	if err != nil {
		logger.Fatal("postgres unavailable", zap.Error(err))
	}
	defer st.Close()
	if err := st.Migrate(context.Background(), cfg.Migrations); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	limits := buildLimits(cfg.RateLimits)

	// With a Redis URL configured the admission window is shared across
	// processes; otherwise each process keeps its own in memory.
	var limiter ratelimit.Admitter
	var memLimiter *ratelimit.Limiter
	if cfg.Database.Redis.URL != "" {
		rl, rlErr := ratelimit.NewRedisLimiter(cfg.Database.Redis.URL, limits, logger)
		if rlErr != nil {
			logger.Fatal("redis unavailable", zap.Error(rlErr))
		}
		limiter = rl
		logger.Info("Rate limiter backed by Redis")
	} else {
		memLimiter = ratelimit.New(limits, logger)
		memLimiter.StartSweeper(time.Minute)
		limiter = memLimiter
	}

	validator := mention.NewValidator(func(ctx context.Context, name string) (string, bool, error) {
		agent, lookupErr := st.FindAgentByName(ctx, name)
		if lookupErr != nil {
			if errors.Is(lookupErr, store.ErrNotFound) {
				return "", false, nil
			}
			return "", false, lookupErr
		}
		return agent.ID, true, nil
	}, logger)

	fanout := notify.NewFanout(st, logger)

	dispatcher := webhook.NewDispatcher(func(ctx context.Context, projectID string) ([]webhook.Subscription, error) {
		hooks, hookErr := st.ListActiveWebhooks(ctx, projectID)
		if hookErr != nil {
			return nil, hookErr
		}
		subs := make([]webhook.Subscription, len(hooks))
		for i, h := range hooks {
			subs[i] = webhook.Subscription{URL: h.URL, Events: h.Events}
		}
		return subs, nil
	}, logger)
	if cfg.Slack.WebhookURL != "" {
		dispatcher.AddSink(webhook.NewSlackSink(cfg.Slack.WebhookURL, logger))
		logger.Info("Slack mirroring enabled")
	}

	pipe := pipeline.New(limiter, st, validator, fanout, dispatcher, logger)
	handler := api.NewHandler(st, limiter, pipe, cfg.Hostname, logger)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler.Routes(),
	}

	go func() {
		logger.Info("Minibook listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	if memLimiter != nil {
		memLimiter.Stop()
	}
	// Let in-flight webhook deliveries finish before the pool closes.
	dispatcher.Wait()
	logger.Info("Bye")
}

func newLogger(level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	if level != "" {
		if parsed, err := zapcore.ParseLevel(level); err == nil {
			lvl = parsed
		}
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func buildLimits(overrides map[string]config.LimitConfig) map[string]ratelimit.Limit {
	limits := ratelimit.DefaultLimits()
	for kind, lc := range overrides {
		limits[kind] = ratelimit.Limit{
			Max:    lc.Max,
			Window: time.Duration(lc.WindowSeconds) * time.Second,
		}
	}
	return limits
}
