package index

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/agenttrace/core/internal/adapter/bbolt"
	domainedge "github.com/agenttrace/core/internal/domain/edge"
	"github.com/agenttrace/core/internal/storage/keys"
)

func newIndex(t *testing.T) (*Index, *bbolt.Store) {
	t.Helper()
	store, err := bbolt.Open(filepath.Join(t.TempDir(), "idx.db"), 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store), store
}

// putEdge persists e and its session-index entry, mirroring the atomic
// commit the ingestion queue performs in production.
func putEdge(t *testing.T, ctx context.Context, store *bbolt.Store, e domainedge.Edge) {
	t.Helper()
	b := e.ToBytes()
	ek := keys.Edge(e.ProjectID, e.TimestampUS, e.EdgeID)
	if err := store.Put(ctx, ek, b[:]); err != nil {
		t.Fatalf("put edge: %v", err)
	}
	sk := keys.SessionIndex(e.SessionID, e.TimestampUS, e.EdgeID)
	if err := store.Put(ctx, sk, nil); err != nil {
		t.Fatalf("put sessidx: %v", err)
	}
}

func TestQueryTemporalRangeAndSessionEdges(t *testing.T) {
	ix, store := newIndex(t)
	ctx := context.Background()

	e1 := domainedge.New(1, 7, 1, 42, domainedge.SpanRoot, domainedge.ID{})
	putEdge(t, ctx, store, e1)

	e2 := domainedge.New(1, 7, 1, 42, domainedge.SpanReasoning, e1.EdgeID)
	putEdge(t, ctx, store, e2)

	got, err := ix.QueryTemporalRange(ctx, 7, uint64(domainedge.MinTimestampUS), uint64(domainedge.MaxTimestampUS))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(got))
	}

	sess, err := ix.GetSessionEdges(ctx, 42, 7)
	if err != nil {
		t.Fatalf("session edges: %v", err)
	}
	if len(sess) != 2 {
		t.Fatalf("expected 2 session edges, got %d", len(sess))
	}
}

func TestCausalParentExistsAndBloomShortCircuit(t *testing.T) {
	ix, store := newIndex(t)
	ctx := context.Background()

	root := domainedge.New(1, 7, 1, 99, domainedge.SpanRoot, domainedge.ID{})
	putEdge(t, ctx, store, root)

	ok, err := ix.CausalParentExists(ctx, 99, 7, root.EdgeID)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if ok {
		t.Fatal("expected false before bloom observes the edge")
	}

	ix.ObserveEdge(99, root.EdgeID)
	ok, err = ix.CausalParentExists(ctx, 99, 7, root.EdgeID)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !ok {
		t.Fatal("expected true once the edge is observed and confirmed by scan")
	}

	unknown := domainedge.ID{Hi: 0xdead, Lo: 0xbeef}
	ok, err = ix.CausalParentExists(ctx, 99, 7, unknown)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if ok {
		t.Fatal("expected unknown parent to be reported absent")
	}
}

func TestTreeWalksCausalChain(t *testing.T) {
	ix, store := newIndex(t)
	ctx := context.Background()

	root := domainedge.New(1, 7, 1, 5, domainedge.SpanRoot, domainedge.ID{})
	putEdge(t, ctx, store, root)

	child := domainedge.New(1, 7, 1, 5, domainedge.SpanReasoning, root.EdgeID)
	putEdge(t, ctx, store, child)

	grandchild := domainedge.New(1, 7, 1, 5, domainedge.SpanToolCall, child.EdgeID)
	putEdge(t, ctx, store, grandchild)

	unrelated := domainedge.New(1, 7, 1, 5, domainedge.SpanRoot, domainedge.ID{})
	putEdge(t, ctx, store, unrelated)

	tree, err := ix.Tree(ctx, 7, 5, root.EdgeID)
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	if len(tree) != 3 {
		t.Fatalf("expected 3 edges in tree (root, child, grandchild), got %d", len(tree))
	}
}
