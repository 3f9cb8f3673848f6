package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/config"
	"github.com/stemsi/exstem-client/internal/handler"
	"github.com/stemsi/exstem-client/internal/logger"
	"github.com/stemsi/exstem-client/internal/middleware"
	"github.com/stemsi/exstem-client/internal/router"
	"github.com/stemsi/exstem-client/internal/service"
	"github.com/stemsi/exstem-client/internal/store"
	"github.com/stemsi/exstem-client/internal/validator"
	"github.com/stemsi/exstem-client/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Dur("attempt_duration", cfg.AttemptDuration).
		Msg("Starting ExStem development backend")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg, rdb)
	subjectService := service.NewSubjectService(rdb, log)
	attemptService := service.NewAttemptService(rdb, subjectService, cfg.AttemptDuration, log)

	// ─── Prewarm Question Banks ───────────────────────────────────────
	// Seed the built-in banks BEFORE accepting traffic so the first start
	// request never sees an empty subject list.
	if seeded, err := subjectService.SeedIfEmpty(ctx, service.DefaultBanks()); err != nil {
		log.Warn().Err(err).Msg("Question bank seed failed")
	} else if seeded {
		log.Info().Msg("Seeded built-in question banks")
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	teardownWorker := worker.NewTeardownWorker(rdb, attemptService, log)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		teardownWorker.Start(workerCtx)
	}()

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Auth:    handler.NewAuthHandler(authService, log),
		Attempt: handler.NewAttemptHandler(authService, attemptService, log),
		Subject: handler.NewSubjectHandler(subjectService),
		WS:      handler.NewWSHandler(teardownWorker, log, cfg.AllowedOrigins),
	}

	// Token issuance is throttled per client IP.
	tokenLimiter := middleware.NewRateLimiter(ctx, cfg.TokenRateLimit, time.Minute)

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, tokenLimiter, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	// 1. Stop accepting new connections.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop the worker; whatever is still queued is picked up on next start.
	workerCancel()
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("Teardown worker did not stop in time")
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
