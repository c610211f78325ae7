package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/agenttrace/core/internal/config"
	"github.com/agenttrace/core/internal/project"
)

// runRetentionSweeper ticks at cfg.SweepInterval and runs C7's
// retention_sweep op against every registered project, same cadence the
// original background syncer uses for periodic maintenance work.
func runRetentionSweeper(ctx context.Context, projects *project.Manager, registry *resourceRegistry, cfg config.Retention) {
	if cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, meta := range projects.List() {
				res, err := registry.Resolve(meta.ID)
				if err != nil {
					slog.Warn("retention sweeper: resolve project failed", "project_id", meta.ID, "error", err)
					continue
				}
				result, err := res.Query.RetentionSweep(ctx, cfg, meta.ID, now)
				if err != nil {
					slog.Warn("retention sweeper: sweep failed", "project_id", meta.ID, "error", err)
					continue
				}
				if result.DeletedCount > 0 {
					slog.Info("retention sweeper: swept project",
						"project_id", meta.ID,
						"deleted", result.DeletedCount,
						"bytes_freed", result.BytesFreed,
					)
				}
			}
		}
	}
}
