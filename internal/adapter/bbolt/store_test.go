package bbolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/agenttrace/core/internal/port/kvstore"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "data.db"), time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	if _, found, err := s.Get(ctx, []byte("edge/1")); err != nil || found {
		t.Fatalf("expected miss, got found=%v err=%v", found, err)
	}

	if err := s.Put(ctx, []byte("edge/1"), []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, found, err := s.Get(ctx, []byte("edge/1"))
	if err != nil || !found || string(v) != "hello" {
		t.Fatalf("Get: v=%s found=%v err=%v", v, found, err)
	}

	if err := s.Delete(ctx, []byte("edge/1")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, found, _ := s.Get(ctx, []byte("edge/1")); found {
		t.Fatal("expected miss after delete")
	}
}

func TestScanOrderingAndPrefix(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	for _, k := range []string{"edge/b", "edge/a", "payload/x", "edge/c"} {
		if err := s.Put(ctx, []byte(k), []byte("v")); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}

	var got []string
	if err := s.Scan(ctx, []byte("edge/"), func(kv kvstore.KV) bool {
		got = append(got, string(kv.Key))
		return true
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	want := []string{"edge/a", "edge/b", "edge/c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestTxAtomicCommit(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	err := s.Tx(ctx, func(w kvstore.Writer) error {
		if err := w.Put([]byte("edge/1"), []byte("a")); err != nil {
			return err
		}
		return w.Put([]byte("sessidx/1"), []byte{})
	})
	if err != nil {
		t.Fatalf("Tx: %v", err)
	}
	if _, found, _ := s.Get(ctx, []byte("edge/1")); !found {
		t.Fatal("expected edge/1 to be committed")
	}
	if _, found, _ := s.Get(ctx, []byte("sessidx/1")); !found {
		t.Fatal("expected sessidx/1 to be committed")
	}
}

func TestTxRollsBackOnError(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Tx(ctx, func(w kvstore.Writer) error {
		if err := w.Put([]byte("edge/1"), []byte("a")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, found, _ := s.Get(ctx, []byte("edge/1")); found {
		t.Fatal("expected edge/1 not to be committed after tx error")
	}
}

func TestHealthCheckAndStats(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	if err := s.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	_ = s.Put(ctx, []byte("edge/1"), []byte("a"))
	_ = s.Put(ctx, []byte("edge/2"), []byte("b"))
	_ = s.Put(ctx, []byte("payload/1"), []byte("c"))

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.KeyCount["edge"] != 2 {
		t.Fatalf("expected 2 edge keys, got %d", stats.KeyCount["edge"])
	}
	if stats.KeyCount["payload"] != 1 {
		t.Fatalf("expected 1 payload key, got %d", stats.KeyCount["payload"])
	}
}
