package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/capability"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/lifecycle"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/noise"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/pipeline"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/room"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/token"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/trace"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/usage"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("load .env", "error", err)
	}

	cfg := loadConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel})))

	proc, err := worker.Prewarm(cfg.vad)
	if err != nil {
		slog.Error("prewarm failed", "error", err)
		os.Exit(1)
	}

	// Optional modules
	caps := capability.NewLoader[pipeline.AudioProcessor](slog.Default())
	caps.Register(noise.CapabilityID, func(ctx context.Context) (pipeline.AudioProcessor, error) {
		return noise.Open(ctx, cfg.noise)
	})

	// Usage reporters
	initCtx, initCancel := context.WithTimeout(context.Background(), 10*time.Second)
	var reporters []usage.Reporter
	var recorder *trace.Recorder
	var store *trace.Store
	if cfg.traceDBURL != "" {
		store, err = trace.Open(initCtx, cfg.traceDBURL)
		if err != nil {
			slog.Warn("session history disabled", "error", err)
		} else {
			recorder = trace.NewRecorder(store, slog.Default())
			reporters = append(reporters, recorder)
		}
	}
	var rdb *redis.Client
	if cfg.redisURL != "" {
		rdb, err = usage.DialRedis(initCtx, cfg.redisURL)
		if err != nil {
			slog.Warn("redis usage counters disabled", "error", err)
		} else {
			reporters = append(reporters, usage.NewRedisReporter(rdb))
		}
	}
	initCancel()

	// Room tokens
	var issuer *token.Issuer
	var verifier room.Verifier
	if issuer, err = token.NewIssuer(cfg.tokenAPIKey, cfg.tokenAPISecret, cfg.tokenTTL); err != nil {
		slog.Warn("room tokens disabled", "error", err)
	} else if v, err := token.NewVerifier(cfg.tokenAPIKey, cfg.tokenAPISecret); err == nil {
		verifier = v
	}

	w := worker.New(worker.Config{
		MaxJobs:  cfg.maxJobs,
		Pipeline: cfg.pipeline,
		Lifecycle: lifecycle.Config{
			Instructions:    cfg.instructions,
			Capabilities:    caps,
			Reporters:       reporters,
			TeardownTimeout: cfg.teardownTimeout,
		},
		Verifier:        verifier,
		HTTPClient:      pipeline.NewPooledHTTPClient(cfg.poolSize, 60*time.Second),
		Recorder:        recorder,
		ShutdownTimeout: cfg.teardownTimeout,
	}, proc)

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		worker:     w,
		issuer:     issuer,
		traceStore: store,
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
		defer cancel()

		if err := w.Drain(ctx); err != nil {
			slog.Warn("drain incomplete", "error", err, "active", w.Active())
		}
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
	}()

	slog.Info("agent starting", "addr", addr, "max_jobs", cfg.maxJobs)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	// ListenAndServe returns as soon as Shutdown begins; wait for drain and
	// in-flight teardowns before closing the sinks they report to
	<-stopped

	recorder.Close()
	if store != nil {
		store.Close()
	}
	if rdb != nil {
		rdb.Close()
	}
	slog.Info("agent stopped")
}
