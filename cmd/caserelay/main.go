package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/caserelay/internal/caserelay"
	"github.com/agentworkforce/caserelay/internal/httpapi"
	"github.com/agentworkforce/caserelay/internal/realtime"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "err", err)
	}
	logger := newLogger(stringEnv("CASERELAY_LOG_FORMAT", "text"))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("caserelay exited", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := caserelay.BuildRepositoryFromDSN(stringEnv("CASERELAY_REPOSITORY_DSN", "memory://"))
	if err != nil {
		return err
	}
	defer repo.Close()
	queue, err := caserelay.BuildJobQueueFromDSN(stringEnv("CASERELAY_QUEUE_DSN", "memory://"), intEnv("CASERELAY_QUEUE_CAPACITY", 0))
	if err != nil {
		return err
	}
	defer queue.Close()

	secret, watcher, err := webhookSecretFromEnv(logger)
	if err != nil {
		return err
	}

	hub := realtime.NewHub(logger)
	service, err := caserelay.NewService(caserelay.ServiceOptions{
		Repository: repo,
		Queue:      queue,
		Registry: caserelay.NewECourtsClient(caserelay.ECourtsClientOptions{
			BaseURL: stringEnv("ECOURTS_BASE_URL", ""),
			Logger:  logger,
		}),
		Normalizer: caserelay.NewHTTPTextNormalizer(caserelay.NormalizerClientOptions{
			BaseURL: stringEnv("AI_SERVICE_URL", ""),
		}),
		Notifier:        hub,
		WebhookSecret:   secret,
		Logger:          logger,
		JobAttempts:     intEnv("CASERELAY_JOB_ATTEMPTS", 0),
		JobBackoff:      durationEnv("CASERELAY_JOB_BACKOFF", 2*time.Second),
		StaleProcessing: durationEnv("CASERELAY_STALE_PROCESSING", 0),
	})
	if err != nil {
		return err
	}

	pool := caserelay.NewWorkerPool(queue, caserelay.WorkerPoolOptions{
		Workers: intEnv("CASERELAY_WORKERS", 4),
		Logger:  logger,
	})
	service.RegisterHandlers(pool)
	scheduler := caserelay.NewScheduler(queue, 0, logger)
	if boolEnv("CASERELAY_SYNC_ENABLED", true) {
		if err := service.RegisterRecurringSync(ctx, scheduler, durationEnv("CASERELAY_SYNC_INTERVAL", 6*time.Hour)); err != nil {
			return err
		}
	}

	server := httpapi.NewServer(service, hub, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("CASERELAY_JWT_SECRET"),
		JWTAudience:     os.Getenv("CASERELAY_JWT_AUDIENCE"),
		RateLimitMax:    intEnv("CASERELAY_RATE_LIMIT_RPS", 0),
		RateLimitWindow: time.Second,
		MaxBodyBytes:    int64(intEnv("CASERELAY_MAX_BODY_BYTES", 0)),
		Logger:          logger,
	})
	httpServer := &http.Server{
		Addr:              stringEnv("CASERELAY_ADDR", ":8080"),
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("caserelay listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	if watcher != nil {
		g.Go(func() error { return watcher.Watch(gctx) })
	}
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// webhookSecretFromEnv prefers a watched token file over the inline token.
func webhookSecretFromEnv(logger *slog.Logger) (caserelay.SecretSource, *caserelay.FileSecret, error) {
	if path := stringEnv("LIVEKIT_WEBHOOK_TOKEN_FILE", ""); path != "" {
		fileSecret, err := caserelay.NewFileSecret(path, logger)
		if err != nil {
			return nil, nil, err
		}
		return fileSecret, fileSecret, nil
	}
	return caserelay.StaticSecret(stringEnv("LIVEKIT_WEBHOOK_TOKEN", "")), nil, nil
}

func newLogger(format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if boolEnv("CASERELAY_DEBUG", false) {
		opts.Level = slog.LevelDebug
	}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func stringEnv(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration env, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("invalid boolean env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}
