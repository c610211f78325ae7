package evalstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/agenttrace/core/internal/adapter/bbolt"
	domainedge "github.com/agenttrace/core/internal/domain/edge"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := bbolt.Open(filepath.Join(t.TempDir(), "eval.db"), 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, nil)
}

func TestStoreAndGetOverwritesOnDuplicateKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	edgeID := domainedge.ID{Hi: 1, Lo: 2}

	err := s.Store(ctx, 0, edgeID, []EvalMetric{
		{MetricName: "accuracy", MetricValue: 0.5, Evaluator: "judge-a", TimestampUS: 100},
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	err = s.Store(ctx, 0, edgeID, []EvalMetric{
		{MetricName: "accuracy", MetricValue: 0.9, Evaluator: "judge-a", TimestampUS: 200},
	})
	if err != nil {
		t.Fatalf("store overwrite: %v", err)
	}

	got, err := s.Get(ctx, edgeID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 metric after overwrite, got %d", len(got))
	}
	if got[0].MetricValue != 0.9 {
		t.Fatalf("expected overwritten value 0.9, got %v", got[0].MetricValue)
	}
}

func TestStoreRejectsOversizeFields(t *testing.T) {
	s := newTestStore(t)
	err := s.Store(context.Background(), 0, domainedge.ID{Lo: 1}, []EvalMetric{
		{MetricName: "this-metric-name-is-definitely-too-long-for-31-bytes", MetricValue: 1, Evaluator: "x"},
	})
	if err == nil {
		t.Fatal("expected rejection for oversize metric_name")
	}
}

func TestBucketAggregation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e1 := domainedge.ID{Lo: 1}
	e2 := domainedge.ID{Lo: 2}

	_ = s.Store(ctx, 7, e1, []EvalMetric{{MetricName: "score", MetricValue: 0.2, Evaluator: "a"}})
	_ = s.Store(ctx, 7, e2, []EvalMetric{{MetricName: "score", MetricValue: 0.8, Evaluator: "a"}})

	b, ok := s.Bucket(7, "score")
	if !ok {
		t.Fatal("expected bucket to exist")
	}
	if b.Count != 2 {
		t.Fatalf("expected count 2, got %d", b.Count)
	}
	if b.Min != 0.2 || b.Max != 0.8 {
		t.Fatalf("expected min/max 0.2/0.8, got %v/%v", b.Min, b.Max)
	}
}

func TestGetOneMissing(t *testing.T) {
	s := newTestStore(t)
	m, err := s.GetOne(context.Background(), domainedge.ID{Lo: 99}, "none", "none")
	if err != nil {
		t.Fatalf("getone: %v", err)
	}
	if m != nil {
		t.Fatal("expected nil for missing metric")
	}
}
