package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	cfmcp "github.com/agenttrace/core/internal/adapter/mcp"

	cfhttp "github.com/agenttrace/core/internal/adapter/http"
	cfnats "github.com/agenttrace/core/internal/adapter/nats"
	"github.com/agenttrace/core/internal/adapter/otel"
	"github.com/agenttrace/core/internal/adapter/postgres"
	"github.com/agenttrace/core/internal/adapter/ristretto"
	"github.com/agenttrace/core/internal/config"
	"github.com/agenttrace/core/internal/logger"
	"github.com/agenttrace/core/internal/memoryagent"
	"github.com/agenttrace/core/internal/middleware"
	"github.com/agenttrace/core/internal/port/messagequeue"
	"github.com/agenttrace/core/internal/privacy"
	"github.com/agenttrace/core/internal/project"
	"github.com/agenttrace/core/internal/resilience"
	"github.com/agenttrace/core/internal/savedview"
	"github.com/agenttrace/core/internal/session"

	cfbbolt "github.com/agenttrace/core/internal/adapter/bbolt"
)

func main() {
	// Temporary bootstrap logger until config is loaded.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"data_dir", cfg.Storage.DataDir,
	)

	ctx := context.Background()

	// --- Infrastructure ---

	var pgPool *pgxpool.Pool
	if cfg.Postgres.Enabled {
		pgPool, err = postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		slog.Info("postgres connected and migrated")
	}

	var mq messagequeue.Queue
	var natsQueue *cfnats.Queue
	if cfg.NATS.Enabled {
		natsQueue, err = cfnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		mq = natsQueue
		slog.Info("nats connected", "url", cfg.NATS.URL)
	}

	breaker := resilience.NewBreaker(cfg.Breaker.FailureThreshold, cfg.Breaker.OpenDuration).
		WithSuccessThreshold(cfg.Breaker.SuccessThreshold).
		WithHalfOpenMaxCalls(cfg.Breaker.HalfOpenMaxCalls)
	bulkhead := resilience.NewBulkhead("ingest-commit", cfg.Bulkhead.MaxConcurrent)
	wrapper := resilience.NewWrapper(breaker, bulkhead)
	if natsQueue != nil {
		natsQueue.SetBreaker(breaker)
	}

	cache, err := ristretto.New(cfg.Cache.L1MaxSizeMB * 1024 * 1024)
	if err != nil {
		return fmt.Errorf("ristretto cache: %w", err)
	}

	privacyCfg := privacy.DefaultConfig()
	privacyCfg.MaxNestingDepth = cfg.Privacy.MaxNestingDepth

	// --- Control plane store (C9/C10: session + memory-agent data, shared
	// across all projects rather than sharded per project like trace data) ---
	controlStore, err := cfbbolt.Open(cfg.Storage.DataDir, 5*time.Second)
	if err != nil {
		return fmt.Errorf("control store: %w", err)
	}

	mem := memoryagent.New(controlStore)
	sessions := session.New(cfg.Session, mem, mq, slog.Default())

	// --- Project registry (C12) ---
	projects := project.New(cfg.Project, slog.Default())
	if err := projects.LoadOrDiscover(ctx); err != nil {
		return fmt.Errorf("project registry: %w", err)
	}

	registry := newResourceRegistry(projects, *cfg, privacyCfg, mq, wrapper, cache, pgPool, slog.Default())

	// --- Saved views (C17-adjacent; query presets) ---
	views := savedview.New(cfg.Project.RegistryPath + ".views")
	if err := views.Load(ctx); err != nil {
		return fmt.Errorf("saved views: %w", err)
	}

	// --- OpenTelemetry (C16 GenAI spans) ---
	otelShutdown, err := otel.InitTracer(otel.OTELConfig{
		Enabled:     cfg.OTEL.Enabled,
		Endpoint:    cfg.OTEL.Endpoint,
		ServiceName: cfg.OTEL.ServiceName,
		Insecure:    cfg.OTEL.Insecure,
		SampleRate:  cfg.OTEL.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}

	// --- Retention sweeper (C7's retention_sweep, run on a timer per project) ---
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	go runRetentionSweeper(sweepCtx, projects, registry, cfg.Retention)

	// --- HTTP ---
	handlers := &cfhttp.Handlers{
		Resources: registry.Resolve,
		Sessions:  sessions,
		Projects:  projects,
		Views:     views,
		Retention: cfg.Retention,
	}

	r := chi.NewRouter()
	r.Use(cfhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(middleware.RequestID)
	r.Use(cfhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	rateLimiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopRateCleanup := rateLimiter.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
	r.Use(rateLimiter.Handler)

	r.Get("/health", healthHandler(cfg, natsQueue))
	cfhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// --- MCP surface (§6 POST /mcp) ---
	var mcpSrv *cfmcp.Server
	if cfg.MCP.Enabled {
		mcpSrv = cfmcp.NewServer(
			cfmcp.ServerConfig{
				Addr:    fmt.Sprintf(":%d", cfg.MCP.ServerPort),
				Name:    "agenttrace",
				Version: "0.1.0",
			},
			cfmcp.ServerDeps{
				Resources: registry.Resolve,
				Sessions:  sessions,
				Projects:  projects,
				Memory:    mem,
			},
		)
		if err := mcpSrv.Start(); err != nil {
			return fmt.Errorf("mcp server: %w", err)
		}
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done

	// --- Ordered graceful shutdown ---
	slog.Info("shutdown phase 1: stopping HTTP and MCP servers")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	if mcpSrv != nil {
		if err := mcpSrv.Stop(shutdownCtx); err != nil {
			slog.Error("mcp shutdown error", "error", err)
		}
	}
	stopRateCleanup()

	slog.Info("shutdown phase 2: stopping retention sweeper")
	cancelSweep()

	slog.Info("shutdown phase 3: draining ingest queues")
	registry.Shutdown()
	if natsQueue != nil {
		if err := natsQueue.Drain(); err != nil {
			slog.Error("nats drain error", "error", err)
		}
	}

	slog.Info("shutdown phase 4: closing storage")
	projects.CloseAll()
	if err := controlStore.Close(); err != nil {
		slog.Error("control store close error", "error", err)
	}
	if pgPool != nil {
		pgPool.Close()
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Error("otel shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func healthHandler(cfg *config.Config, mq *cfnats.Queue) http.HandlerFunc {
	type healthStatus struct {
		Status   string `json:"status"`
		NATS     string `json:"nats"`
		Postgres bool   `json:"postgres_enabled"`
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		nats := "disabled"
		if mq != nil {
			if mq.IsConnected() {
				nats = "connected"
			} else {
				nats = "disconnected"
			}
		}
		status := healthStatus{Status: "ok", NATS: nats, Postgres: cfg.Postgres.Enabled}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	}
}
