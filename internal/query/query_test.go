package query

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agenttrace/core/internal/adapter/bbolt"
	"github.com/agenttrace/core/internal/config"
	domainedge "github.com/agenttrace/core/internal/domain/edge"
	"github.com/agenttrace/core/internal/storage/index"
	"github.com/agenttrace/core/internal/storage/keys"
	"github.com/agenttrace/core/internal/storage/payload"
)

func newTestEngine(t *testing.T) (*Engine, *bbolt.Store) {
	t.Helper()
	store, err := bbolt.Open(filepath.Join(t.TempDir(), "query.db"), 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	idx := index.New(store)
	return New(store, idx, payload.New(store), nil, nil), store
}

func seedEdge(t *testing.T, ctx context.Context, store *bbolt.Store, e domainedge.Edge) {
	t.Helper()
	b := e.ToBytes()
	if err := store.Put(ctx, keys.Edge(e.ProjectID, e.TimestampUS, e.EdgeID), b[:]); err != nil {
		t.Fatalf("put edge: %v", err)
	}
	if err := store.Put(ctx, keys.SessionIndex(e.SessionID, e.TimestampUS, e.EdgeID), nil); err != nil {
		t.Fatalf("put sessidx: %v", err)
	}
}

func TestListFiltersAndOrders(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	e1 := domainedge.New(1, 0, 1, 42, domainedge.SpanRoot, domainedge.ID{})
	time.Sleep(time.Microsecond)
	e2 := domainedge.New(1, 0, 1, 42, domainedge.SpanReasoning, e1.EdgeID)
	e3 := domainedge.New(2, 0, 1, 42, domainedge.SpanRoot, domainedge.ID{}) // different tenant
	seedEdge(t, ctx, store, e1)
	seedEdge(t, ctx, store, e2)
	seedEdge(t, ctx, store, e3)

	got, total, err := eng.List(ctx, Filters{TenantID: 1, ProjectID: 0}, Pagination{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 matches for tenant 1, got %d", total)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 returned, got %d", len(got))
	}
	if got[0].TimestampUS < got[1].TimestampUS {
		t.Fatal("expected descending timestamp order")
	}
}

func TestListPagination(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		e := domainedge.New(1, 0, 1, 1, domainedge.SpanRoot, domainedge.ID{})
		seedEdge(t, ctx, store, e)
	}
	got, total, err := eng.List(ctx, Filters{TenantID: 1, ProjectID: 0}, Pagination{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 {
		t.Fatalf("expected total 5, got %d", total)
	}
	if len(got) != 2 {
		t.Fatalf("expected page of 2, got %d", len(got))
	}
}

func TestSessionDetailAndTree(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()
	root := domainedge.New(1, 0, 1, 42, domainedge.SpanRoot, domainedge.ID{})
	child := domainedge.New(1, 0, 1, 42, domainedge.SpanReasoning, root.EdgeID)
	seedEdge(t, ctx, store, root)
	seedEdge(t, ctx, store, child)

	detail, err := eng.SessionDetail(ctx, 0, 42)
	if err != nil {
		t.Fatalf("session detail: %v", err)
	}
	if len(detail) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(detail))
	}

	tree, err := eng.Tree(ctx, 0, 42, root.EdgeID)
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	if len(tree) != 2 || tree[0].EdgeID != root.EdgeID {
		t.Fatalf("expected root-first tree of 2, got %+v", tree)
	}
}

func TestRetentionSweepDeletesStaleEdgesAndIsIdempotent(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	stale := domainedge.New(1, 0, 1, 1, domainedge.SpanRoot, domainedge.ID{})
	stale.TimestampUS = uint64(domainedge.MinTimestampUS) + 1000
	stale.Checksum = stale.ComputeChecksum()
	seedEdge(t, ctx, store, stale)

	cfg := config.Retention{EdgeTTL: time.Hour, SweepBatch: 100}
	now := time.Now()

	res, err := eng.RetentionSweep(ctx, cfg, 0, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.DeletedCount != 1 {
		t.Fatalf("expected 1 deletion, got %d", res.DeletedCount)
	}

	res2, err := eng.RetentionSweep(ctx, cfg, 0, now)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if res2.DeletedCount != 0 {
		t.Fatalf("expected idempotent second sweep to delete nothing, got %d", res2.DeletedCount)
	}
}
