// Package query implements the read path (SPEC_FULL §4.7, C7): list with
// filters and pagination, session detail, causal tree materialization, and
// the retention sweep, all delegating the actual index walks to
// internal/storage/index (C3) rather than re-implementing them.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/agenttrace/core/internal/config"
	"github.com/agenttrace/core/internal/domain/edge"
	"github.com/agenttrace/core/internal/port/kvstore"
	"github.com/agenttrace/core/internal/port/messagequeue"
	"github.com/agenttrace/core/internal/storage/index"
	"github.com/agenttrace/core/internal/storage/keys"
	"github.com/agenttrace/core/internal/storage/payload"
)

// Pagination bounds named in spec §4.7: default limit 100, hard cap 10k.
const (
	DefaultLimit = 100
	MaxLimit     = 10_000
)

// Filters mirrors spec §4.7's list operation filter set. TenantID is
// required; everything else is optional.
type Filters struct {
	TenantID           uint64
	ProjectID          uint16
	AgentID            *uint32
	SessionID          *uint64
	SpanType           *edge.SpanType
	MinConfidence      *float32
	SensitivityExclude uint8 // bitmask of edge.Sensitivity* flags to exclude
	TSLo, TSHi         *uint64
}

// Pagination is the offset/limit pair spec §4.7 names.
type Pagination struct {
	Limit  int
	Offset int
}

func (p Pagination) normalized() Pagination {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// SweepResult is retention_sweep's return shape.
type SweepResult struct {
	DeletedCount int
	BytesFreed   int64
	Errors       []string
}

// Engine is the C7 query engine, scoped to a single project's storage
// (one KV engine + index per project, per C12's per-project handle model).
type Engine struct {
	kv       kvstore.Store
	idx      *index.Index
	payloads *payload.Store
	mq       messagequeue.Queue
	logger   *slog.Logger
}

// New constructs a query Engine over one project's storage.
func New(kv kvstore.Store, idx *index.Index, payloads *payload.Store, mq messagequeue.Queue, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{kv: kv, idx: idx, payloads: payloads, mq: mq, logger: logger}
}

// List returns edges matching f, paginated, plus the total match count
// before pagination is applied. Ordering is deterministic: timestamp
// descending, edge_id descending as the tie-break, per spec §4.7.
func (e *Engine) List(ctx context.Context, f Filters, pg Pagination) ([]edge.Edge, int, error) {
	pg = pg.normalized()

	tsLo := uint64(edge.MinTimestampUS)
	tsHi := uint64(edge.MaxTimestampUS)
	if f.TSLo != nil {
		tsLo = *f.TSLo
	}
	if f.TSHi != nil {
		tsHi = *f.TSHi
	}

	all, err := e.idx.QueryTemporalRange(ctx, f.ProjectID, tsLo, tsHi)
	if err != nil {
		return nil, 0, fmt.Errorf("query: temporal range: %w", err)
	}

	matched := make([]edge.Edge, 0, len(all))
	for _, ed := range all {
		if matches(ed, f) {
			matched = append(matched, ed)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].TimestampUS != matched[j].TimestampUS {
			return matched[i].TimestampUS > matched[j].TimestampUS
		}
		return less128(matched[j].EdgeID, matched[i].EdgeID)
	})

	total := len(matched)
	lo := pg.Offset
	if lo > total {
		lo = total
	}
	hi := lo + pg.Limit
	if hi > total {
		hi = total
	}
	return matched[lo:hi], total, nil
}

func less128(a, b edge.ID) bool {
	if a.Hi != b.Hi {
		return a.Hi < b.Hi
	}
	return a.Lo < b.Lo
}

func matches(ed edge.Edge, f Filters) bool {
	if ed.TenantID != f.TenantID {
		return false
	}
	if f.AgentID != nil && ed.AgentID != *f.AgentID {
		return false
	}
	if f.SessionID != nil && ed.SessionID != *f.SessionID {
		return false
	}
	if f.SpanType != nil && ed.SpanType != *f.SpanType {
		return false
	}
	if f.MinConfidence != nil && ed.Confidence < *f.MinConfidence {
		return false
	}
	if f.SensitivityExclude != 0 && ed.SensitivityFlags&f.SensitivityExclude != 0 {
		return false
	}
	return true
}

// SessionDetail returns every edge of sessionID via C3's session index.
func (e *Engine) SessionDetail(ctx context.Context, projectID uint16, sessionID uint64) ([]edge.Edge, error) {
	return e.idx.GetSessionEdges(ctx, sessionID, projectID)
}

// Tree walks the causal-parent chain reaching rootID within its session,
// delegating entirely to C3.
func (e *Engine) Tree(ctx context.Context, projectID uint16, sessionID uint64, rootID edge.ID) ([]edge.Edge, error) {
	return e.idx.Tree(ctx, projectID, sessionID, rootID)
}

// RetentionSweep deletes edges (and their payload/metric/session-index
// entries) older than cfg.EdgeTTL for projectID, atomically per edge, up
// to cfg.SweepBatch deletions. Idempotent: a second run with nothing left
// to delete is a no-op, satisfying spec §8's idempotence law.
func (e *Engine) RetentionSweep(ctx context.Context, cfg config.Retention, projectID uint16, now time.Time) (SweepResult, error) {
	cutoff := uint64(now.Add(-cfg.EdgeTTL).UnixMicro())
	batch := cfg.SweepBatch
	if batch <= 0 {
		batch = 10_000
	}

	stale, err := e.idx.QueryTemporalRange(ctx, projectID, uint64(edge.MinTimestampUS), cutoff)
	if err != nil {
		return SweepResult{}, fmt.Errorf("retention_sweep: scan: %w", err)
	}

	var result SweepResult
	for i, ed := range stale {
		if i >= batch {
			break
		}
		freed, err := e.sweepOne(ctx, ed)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", ed.EdgeID, err))
			continue
		}
		result.DeletedCount++
		result.BytesFreed += freed
		e.idx.DropSession(ed.SessionID)
	}

	if e.mq != nil {
		payload := fmt.Appendf(nil, `{"project_id":%d,"deleted_count":%d,"bytes_freed":%d,"errors":%d}`,
			projectID, result.DeletedCount, result.BytesFreed, len(result.Errors))
		if pubErr := e.mq.Publish(ctx, messagequeue.SubjectRetentionSwept, payload); pubErr != nil {
			e.logger.Warn("retention_sweep: broadcast publish failed", "error", pubErr)
		}
	}

	return result, nil
}

func (e *Engine) sweepOne(ctx context.Context, ed edge.Edge) (int64, error) {
	edgeKey := keys.Edge(ed.ProjectID, ed.TimestampUS, ed.EdgeID)
	payloadKey := keys.Payload(ed.EdgeID)
	sessKey := keys.SessionIndex(ed.SessionID, ed.TimestampUS, ed.EdgeID)

	var freed int64 = int64(edge.Size)
	if ed.HasPayload {
		if raw, found, err := e.kv.Get(ctx, payloadKey); err == nil && found {
			freed += int64(len(raw))
		}
	}

	metricKeys, err := e.scanMetricKeys(ctx, ed.EdgeID)
	if err != nil {
		return 0, err
	}

	return freed, e.kv.Tx(ctx, func(w kvstore.Writer) error {
		if err := w.Delete(edgeKey); err != nil {
			return err
		}
		if err := w.Delete(payloadKey); err != nil {
			return err
		}
		if err := w.Delete(sessKey); err != nil {
			return err
		}
		for _, mk := range metricKeys {
			if err := w.Delete(mk); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Engine) scanMetricKeys(ctx context.Context, edgeID edge.ID) ([][]byte, error) {
	var out [][]byte
	err := e.kv.Scan(ctx, keys.EvalMetricPrefix(edgeID), func(kv kvstore.KV) bool {
		out = append(out, append([]byte(nil), kv.Key...))
		return true
	})
	return out, err
}
