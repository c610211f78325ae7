package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/singleflight"

	cfhttp "github.com/agenttrace/core/internal/adapter/http"
	"github.com/agenttrace/core/internal/adapter/ristretto"
	"github.com/agenttrace/core/internal/config"
	"github.com/agenttrace/core/internal/evalstore"
	"github.com/agenttrace/core/internal/ingest"
	"github.com/agenttrace/core/internal/port/messagequeue"
	"github.com/agenttrace/core/internal/privacy"
	"github.com/agenttrace/core/internal/project"
	"github.com/agenttrace/core/internal/query"
	"github.com/agenttrace/core/internal/resilience"
	"github.com/agenttrace/core/internal/storage/index"
	"github.com/agenttrace/core/internal/storage/payload"
)

// projectBundle holds the resources opened for one project, plus the
// cancel func that stops its ingest queue's flush workers on shutdown.
type projectBundle struct {
	resources cfhttp.ProjectResources
	cancel    context.CancelFunc
}

// resourceRegistry lazily opens and caches per-project resource bundles,
// keyed by project id, and exposes a cfhttp.ResourceProvider over them.
// internal/project.Manager already de-dupes concurrent opens of the same
// project's KV store via singleflight; this registry does the same for
// the ingest/query/evalstore triple built on top of that store.
type resourceRegistry struct {
	mgr        *project.Manager
	cfg        config.Config
	privacyCfg privacy.Config
	mq         messagequeue.Queue
	wrapper    *resilience.Wrapper
	cache      *ristretto.Cache
	pgPool     *pgxpool.Pool
	logger     *slog.Logger

	mu      sync.Mutex
	group   singleflight.Group
	bundles map[uint16]*projectBundle
}

func newResourceRegistry(
	mgr *project.Manager,
	cfg config.Config,
	privacyCfg privacy.Config,
	mq messagequeue.Queue,
	wrapper *resilience.Wrapper,
	cache *ristretto.Cache,
	pgPool *pgxpool.Pool,
	logger *slog.Logger,
) *resourceRegistry {
	return &resourceRegistry{
		mgr:        mgr,
		cfg:        cfg,
		privacyCfg: privacyCfg,
		mq:         mq,
		wrapper:    wrapper,
		cache:      cache,
		pgPool:     pgPool,
		logger:     logger,
		bundles:    make(map[uint16]*projectBundle),
	}
}

// Resolve implements cfhttp.ResourceProvider and internal/adapter/mcp's
// matching provider type (same function shape, reused directly).
func (r *resourceRegistry) Resolve(projectID uint16) (cfhttp.ProjectResources, error) {
	r.mu.Lock()
	if b, ok := r.bundles[projectID]; ok {
		r.mu.Unlock()
		return b.resources, nil
	}
	r.mu.Unlock()

	key := fmt.Sprintf("%d", projectID)
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		r.mu.Lock()
		if b, ok := r.bundles[projectID]; ok {
			r.mu.Unlock()
			return b, nil
		}
		r.mu.Unlock()

		kv, err := r.mgr.GetOrOpenProject(projectID)
		if err != nil {
			return nil, fmt.Errorf("open project %d: %w", projectID, err)
		}

		idx := index.New(kv)
		payloads := payload.New(kv)

		evals := evalstore.New(kv, r.cache)
		if r.pgPool != nil {
			evals.SetPostgres(r.pgPool)
		}

		queue := ingest.New(r.cfg.Ingest, r.privacyCfg, kv, idx, payloads, r.mq, r.wrapper, r.logger)
		engine := query.New(kv, idx, payloads, r.mq, r.logger)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			if err := queue.Run(ctx); err != nil {
				r.logger.Error("ingest queue stopped", "project_id", projectID, "error", err)
			}
		}()

		b := &projectBundle{
			resources: cfhttp.ProjectResources{Ingest: queue, Query: engine, Evals: evals},
			cancel:    cancel,
		}
		r.mu.Lock()
		r.bundles[projectID] = b
		r.mu.Unlock()
		return b, nil
	})
	if err != nil {
		return cfhttp.ProjectResources{}, err
	}
	return v.(*projectBundle).resources, nil
}

// Shutdown cancels every open project's ingest queue, letting each drain
// its pending batch per cfg.Ingest.DrainTimeout before returning.
func (r *resourceRegistry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.bundles {
		b.cancel()
	}
}
