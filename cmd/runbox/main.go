package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/runbox-dev/runbox/internal/config"
	"github.com/runbox-dev/runbox/internal/handler"
	"github.com/runbox-dev/runbox/internal/logger"
	"github.com/runbox-dev/runbox/internal/metrics"
	"github.com/runbox-dev/runbox/internal/sandbox"
	"github.com/runbox-dev/runbox/internal/sandbox/docker"
	"github.com/runbox-dev/runbox/internal/sandbox/mock"
	"github.com/runbox-dev/runbox/internal/session"
	"github.com/runbox-dev/runbox/internal/stream"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logg := logger.New(cfg.LogLevel, cfg.LogFormat)
	defer logg.Close()

	var adapter sandbox.Adapter
	switch cfg.SandboxProvider {
	case "mock":
		adapter = mock.New()
		logg.Warn("using mock sandbox runtime; sessions are not isolated")
	default:
		dockerAdapter, err := docker.New(docker.Options{
			Host:      cfg.DockerHost,
			Languages: cfg.Languages,
		})
		if err != nil {
			log.Fatalf("Failed to initialize Docker runtime: %v", err)
		}
		defer dockerAdapter.Close()
		adapter = dockerAdapter
		logg.Info("sandbox runtime initialized", "type", "docker")
	}

	m := metrics.New()

	sessionCfg := session.Config{
		IdleTimeout:   cfg.IdleTimeout(),
		MaxLifetime:   cfg.MaxLifetime(),
		CreateTimeout: cfg.AdapterCreateTimeout(),
		StopGrace:     3 * time.Second,
		Stream: stream.Config{
			MaxChunkBytes:        cfg.MaxChunkBytes,
			NormalizeNewlines:    true,
			PreserveANSI:         cfg.PreserveANSI,
			PreserveControlChars: cfg.PreserveControlChars,
		},
	}
	registry := session.NewRegistry(adapter, logg, sessionCfg,
		cfg.MaxSessionsPerConnection, cfg.MaxGlobalSessions,
		session.Hooks{
			SessionCreated: func() { m.SessionsActive.Inc() },
			SessionRemoved: func() { m.SessionsActive.Dec() },
		})
	gate := session.NewGate(cfg.BackoffBase(), cfg.BackoffMax())

	h := handler.New(cfg, logg, registry, gate, adapter, m)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	h.Routes(r)

	// No write timeout: /terminal hijacks the connection and a server-level
	// deadline would sever long-lived sessions.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logg.Info("broker listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logg.Info("shutting down")

	// Stop accepting new work, then tear down every live session before the
	// listener closes so no container outlives the broker.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sessionCtx, sessionCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
	registry.RemoveAll(sessionCtx, "server shutting down")
	sessionCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logg.Error("forced shutdown", "error", err)
	}
	logg.Info("broker stopped")
}
