// Command waveshift is the main entry point for the WaveShift media
// translation server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jbang2004/waveshift/internal/config"
	"github.com/jbang2004/waveshift/internal/health"
	"github.com/jbang2004/waveshift/internal/observe"
	"github.com/jbang2004/waveshift/internal/segmenter"
	"github.com/jbang2004/waveshift/internal/server"
	"github.com/jbang2004/waveshift/internal/store"
	"github.com/jbang2004/waveshift/internal/transcribe"
	"github.com/jbang2004/waveshift/internal/workflow"
	"github.com/jbang2004/waveshift/pkg/objectstore"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "waveshift: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "waveshift: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("waveshift starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "waveshift",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Transcript database ───────────────────────────────────────────────────
	transcripts, pool, err := store.Connect(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		slog.Error("failed to connect to database", "err", err)
		return 1
	}
	defer pool.Close()

	// ── Object store ──────────────────────────────────────────────────────────
	blobs, err := objectstore.NewS3(ctx, objectstore.S3Options{
		Endpoint:        cfg.ObjectStore.Endpoint,
		Region:          cfg.ObjectStore.Region,
		Bucket:          cfg.ObjectStore.Bucket,
		AccessKeyID:     cfg.ObjectStore.AccessKeyID,
		SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
		PublicDomain:    cfg.ObjectStore.PublicDomain,
	})
	if err != nil {
		slog.Error("failed to create object store", "err", err)
		return 1
	}

	// ── Transcription model client ────────────────────────────────────────────
	model, err := transcribe.NewClient(cfg.Model.BaseURL,
		transcribe.WithAPIKey(cfg.Model.APIKey),
		transcribe.WithModel(cfg.Model.Model),
		transcribe.WithMaxConcurrentRequests(cfg.Model.MaxConcurrentRequests),
		transcribe.WithHTTPClient(&http.Client{Timeout: cfg.Model.RequestTimeout}),
	)
	if err != nil {
		slog.Error("failed to create model client", "err", err)
		return 1
	}

	// ── Segmenter ─────────────────────────────────────────────────────────────
	driver := segmenter.NewDriver(transcripts, blobs, cfg.Segmenter)

	// ── Workflow ──────────────────────────────────────────────────────────────
	demuxer := workflow.NewFFmpegDemuxer(blobs)
	pipeline := workflow.New(transcripts, blobs, model, demuxer, driver)

	// ── HTTP server ───────────────────────────────────────────────────────────
	checks := health.New(
		health.Database(pool),
		health.ObjectStore(blobs, "healthcheck"),
	)
	srv := server.New(transcripts, driver, checks, server.WithJobs(pipeline))

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		slog.Error("server error", "err", err)
		return 1
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
