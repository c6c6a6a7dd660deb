package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/use-agent/proofshot/api"
	"github.com/use-agent/proofshot/cache"
	"github.com/use-agent/proofshot/config"
	"github.com/use-agent/proofshot/engine"
	"github.com/use-agent/proofshot/evidence"
	"github.com/use-agent/proofshot/preflight"
	"github.com/use-agent/proofshot/store"
	"github.com/use-agent/proofshot/webhook"
)

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	cfg := config.Load()

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)
	slog.Info("proofshot starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"proxies", len(cfg.Browser.Proxies),
	)

	// ── 3. Open evidence store ──────────────────────────────────────
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		slog.Error("failed to open evidence store", "path", cfg.Store.Path, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// ── 4. Build engine cascade ─────────────────────────────────────
	cascade := engine.NewCascade(cfg, slog.Default())
	defer cascade.Close()
	if len(cascade.Engines()) == 0 {
		slog.Warn("no capture engine enabled; every request will fail")
	}
	slog.Info("engine cascade ready", "engines", cascade.Engines(), "preflight", cfg.Engine.Preflight)

	// ── 5. Wire evidence service ────────────────────────────────────
	stop := make(chan struct{})
	defer close(stop)

	notifier := webhook.New(cfg.Webhook.Secret, slog.Default())
	opts := evidence.Options{
		NewCapturer:  func() evidence.Capturer { return cascade.New() },
		Store:        st,
		Cache:        cache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL, stop),
		Notifier:     notifier,
		WebhookURL:   cfg.Webhook.URL,
		Fingerprints: cascade.Fingerprints(),
		Concurrency:  cfg.Batch.Concurrency,
		Logger:       slog.Default(),
	}
	if cfg.Engine.Preflight {
		opts.Prober = preflight.NewProber(0)
	}
	svc := evidence.NewService(opts)

	// ── 6. Setup router ─────────────────────────────────────────────
	router := api.NewRouter(cfg, api.Deps{
		Service:   svc,
		Engines:   cascade.Engines(),
		DB:        st,
		StartTime: time.Now(),
		Stop:      stop,
	})

	// ── 7. Start HTTP server ────────────────────────────────────────
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── 8. Graceful shutdown ────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	// Captures run for up to an attempt timeout per engine; give in-flight
	// requests one attempt's worth to finish.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Capture.AttemptTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully")
	}

	notifier.Wait()
	slog.Info("proofshot stopped")
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
