package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/caserelay/internal/caserelay"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "err", err)
	}
	queueDSN := flag.String("queue", stringEnv("CASERELAY_QUEUE_DSN", "memory://"), "job queue DSN")
	repositoryDSN := flag.String("repository", stringEnv("CASERELAY_REPOSITORY_DSN", "memory://"), "repository DSN")
	workers := flag.Int("workers", intEnv("CASERELAY_WORKERS", 4), "concurrent job workers")
	poll := flag.Duration("poll", durationEnv("CASERELAY_WORKER_POLL", 500*time.Millisecond), "idle queue poll interval")
	pollJitter := flag.Float64("poll-jitter", floatEnv("CASERELAY_WORKER_POLL_JITTER", 0.2), "poll interval jitter ratio (0.0-1.0)")
	once := flag.Bool("once", false, "drain due jobs once and exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if strings.EqualFold(stringEnv("CASERELAY_LOG_FORMAT", "json"), "text") {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := caserelay.BuildRepositoryFromDSN(*repositoryDSN)
	if err != nil {
		logger.Error("failed to initialize repository", "err", err)
		os.Exit(1)
	}
	defer repo.Close()
	queue, err := caserelay.BuildJobQueueFromDSN(*queueDSN, intEnv("CASERELAY_QUEUE_CAPACITY", 0))
	if err != nil {
		logger.Error("failed to initialize job queue", "err", err)
		os.Exit(1)
	}
	defer queue.Close()

	// Realtime delivery needs the API process; worker events are dropped.
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
		Logger:          logger,
		JobAttempts:     intEnv("CASERELAY_JOB_ATTEMPTS", 0),
		JobBackoff:      durationEnv("CASERELAY_JOB_BACKOFF", 2*time.Second),
		StaleProcessing: durationEnv("CASERELAY_STALE_PROCESSING", 0),
	})
	if err != nil {
		logger.Error("failed to initialize service", "err", err)
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	interval := jitteredIntervalWithSample(*poll, clampJitterRatio(*pollJitter), rng.Float64())
	pool := caserelay.NewWorkerPool(queue, caserelay.WorkerPoolOptions{
		Workers:      *workers,
		PollInterval: interval,
		Logger:       logger,
	})
	service.RegisterHandlers(pool)
	scheduler := caserelay.NewScheduler(queue, interval, logger)
	if boolEnv("CASERELAY_SYNC_ENABLED", true) {
		if err := service.RegisterRecurringSync(ctx, scheduler, durationEnv("CASERELAY_SYNC_INTERVAL", 6*time.Hour)); err != nil {
			logger.Error("failed to register recurring sync", "err", err)
			os.Exit(1)
		}
	}

	if *once {
		drained, err := drainOnce(ctx, scheduler, pool)
		if err != nil {
			logger.Error("worker drain failed", "err", err, "processed", drained)
			os.Exit(1)
		}
		logger.Info("worker drain completed", "processed", drained)
		return
	}

	logger.Info("caserelay worker started", "workers", *workers, "poll", interval.String())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("caserelay worker stopping")
}

// drainOnce fires due recurring triggers and then processes claimable jobs
// until the queue has nothing ready.
func drainOnce(ctx context.Context, scheduler *caserelay.Scheduler, pool *caserelay.WorkerPool) (int, error) {
	if _, err := scheduler.Tick(ctx); err != nil {
		return 0, err
	}
	processed := 0
	for {
		ok, err := pool.RunOnce(ctx)
		if err != nil {
			return processed, err
		}
		if !ok {
			return processed, nil
		}
		processed++
	}
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

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid float env, using fallback", "name", name, "value", raw, "fallback", fallback)
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

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample spreads poll intervals so several worker
// processes sharing a queue do not claim in lockstep. sample is in [0,1].
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
