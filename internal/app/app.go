// Package app wires every collaborator together and starts the selected
// run mode. It is the single place that knows about every concrete
// package in the module; everything it depends on is an interface or a
// constructor defined elsewhere.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nightrelay/postengine/internal/bucket"
	"github.com/nightrelay/postengine/internal/cache"
	"github.com/nightrelay/postengine/internal/clock"
	"github.com/nightrelay/postengine/internal/config"
	"github.com/nightrelay/postengine/internal/engine"
	"github.com/nightrelay/postengine/internal/httpserver"
	"github.com/nightrelay/postengine/internal/pipeline"
	"github.com/nightrelay/postengine/internal/platform"
	"github.com/nightrelay/postengine/internal/prompt"
	"github.com/nightrelay/postengine/internal/ratelimit"
	"github.com/nightrelay/postengine/internal/scheduler"
	"github.com/nightrelay/postengine/internal/telemetry"
	"github.com/nightrelay/postengine/internal/tenant"
	"github.com/nightrelay/postengine/internal/version"
	"github.com/nightrelay/postengine/pkg/knowledge"
	"github.com/nightrelay/postengine/pkg/llm"
	"github.com/nightrelay/postengine/pkg/posting"
	"github.com/nightrelay/postengine/pkg/repository"
)

// Run reads infrastructure dependencies out of cfg and starts the
// selected mode: "engine" runs the scheduling loop and health server;
// "migrate" applies pending migrations and exits.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting postengine", "mode", cfg.Mode)

	switch cfg.Mode {
	case "migrate":
		if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied")
		return nil
	case "tenant-upsert":
		return runTenantUpsert(ctx, cfg, logger)
	case "post-delete":
		return runPostDelete(ctx, cfg, logger)
	case "engine":
		// falls through to the full engine wiring below
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "postengine", version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	repo := repository.NewPostgres(db)

	templates, err := prompt.LoadDir(cfg.TemplatesDir)
	if err != nil {
		return fmt.Errorf("loading prompt templates: %w", err)
	}

	store := bucket.NewRedis(rdb)
	coord := ratelimit.New(store, 5*time.Second)

	semanticCache, err := cache.New(cfg.CacheCap, cfg.CacheSimThreshold, cfg.CacheTTL)
	if err != nil {
		return fmt.Errorf("creating semantic cache: %w", err)
	}

	llmDriver := llm.NewHTTP(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMTimeout)
	postingDriver := posting.NewSlack()

	var knowledgeDriver knowledge.Driver
	if cfg.KnowledgeBaseURL != "" {
		knowledgeDriver = knowledge.NewHTTP(cfg.KnowledgeBaseURL, cfg.KnowledgeAPIKey, cfg.KnowledgeTimeout)
	} else {
		logger.Info("knowledge enrichment disabled (KNOWLEDGE_BASE_URL not set)")
	}

	registry := tenant.New(repo, clock.System{}, logger)
	if err := registry.Reconcile(ctx); err != nil {
		return fmt.Errorf("initial tenant reconcile: %w", err)
	}
	go registry.Run(ctx, cfg.ReconcileEvery)

	pipelineCfg := pipeline.Config{
		LLMTimeout: cfg.LLMTimeout, PostTimeout: cfg.PostTimeout, PostParkMax: cfg.PostParkMax,
		PostMaxLen: cfg.PostMaxLen, DupWindow: cfg.DupWindow,
		ClientDailyLLM: cfg.ClientDailyLLM, ClientDailyPosts: cfg.ClientDailyPosts,
		ClientLLMPerSec: cfg.ClientLLMPerSec, GlobalDailyLLM: cfg.GlobalDailyLLM,
		SafetyThreshold: cfg.SafetyThreshold,
	}
	// classifier is nil: content-safety scoring is an external collaborator
	// (spec §6); without one configured, that rule always passes.
	pipe := pipeline.New(repo, registry, coord, semanticCache, templates, llmDriver, postingDriver, knowledgeDriver, nil, clock.System{}, logger, pipelineCfg)

	sched := scheduler.New(registry, clock.System{}, logger, cfg.ReconcileEvery, func(snap tenant.Snapshot) bool {
		return snap.DailyLLMCalls < cfg.ClientDailyLLM && snap.DailyPosts < cfg.ClientDailyPosts
	})

	eng := engine.New(sched, registry, pipe, coord, logger, engine.Config{
		Workers: cfg.Workers, WorkersMax: cfg.WorkersMax, ShutdownGrace: cfg.ShutdownGrace, ReconcileEvery: cfg.ReconcileEvery,
	}, []string{"llm:day:global"})

	srv := httpserver.NewServer(logger, db, rdb, metricsReg, healthAdapter{eng})
	httpSrv := &http.Server{
		Addr:         cfg.MetricsListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("health/metrics server listening", "addr", cfg.MetricsListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()

	engineErrCh := make(chan error, 1)
	go func() { engineErrCh <- eng.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("health server failed", "error", err)
	case err := <-engineErrCh:
		if err != nil {
			logger.Error("engine loop exited with error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutting down health server", "error", err)
	}
	<-engineErrCh
	return nil
}

// healthAdapter lets httpserver read the engine's health Snapshot without
// importing the engine package.
type healthAdapter struct{ eng *engine.Engine }

func (h healthAdapter) Snapshot(ctx context.Context) any { return h.eng.Snapshot(ctx) }
