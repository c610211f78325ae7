package memoryagent

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/agenttrace/core/internal/adapter/bbolt"
	domainedge "github.com/agenttrace/core/internal/domain/edge"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := bbolt.Open(filepath.Join(t.TempDir(), "mem.db"), 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store)
}

func TestPersistAndLoadSessionReadsThroughCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := SessionRecord{ContentSessionID: "cs-1", MemorySessionID: "ms-1", ProjectID: 3, PromptNumber: 2}

	if err := s.PersistSession(ctx, rec); err != nil {
		t.Fatalf("persist: %v", err)
	}

	got, ok, err := s.LoadSession(ctx, "cs-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatal("expected session to be found")
	}
	if got.MemorySessionID != "ms-1" || got.PromptNumber != 2 {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestCascadingDeleteReportsExactCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	const sid = "cs-cascade"

	if err := s.PersistSession(ctx, SessionRecord{ContentSessionID: sid}); err != nil {
		t.Fatalf("persist session: %v", err)
	}
	for i := uint64(0); i < 3; i++ {
		if err := s.AppendMessage(ctx, sid, i, Message{Role: "user", Content: "hi"}); err != nil {
			t.Fatalf("append message %d: %v", i, err)
		}
	}
	for i := uint64(0); i < 2; i++ {
		id := domainedge.ID{Hi: 0, Lo: i + 1}
		if err := s.PutPending(ctx, sid, id, Pending{MsgID: id, Content: "pending"}); err != nil {
			t.Fatalf("put pending %d: %v", i, err)
		}
	}

	res, err := s.DeleteSession(ctx, sid)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.SessionsDeleted != 1 || res.ConversationsDeleted != 3 || res.PendingDeleted != 2 || res.TotalKeysDeleted != 6 {
		t.Fatalf("unexpected delete counts: %+v", res)
	}

	if _, ok, _ := s.LoadSession(ctx, sid); ok {
		t.Fatal("expected session to be gone from cache after delete")
	}

	convs, err := s.Conversation(ctx, sid)
	if err != nil {
		t.Fatalf("conversation after delete: %v", err)
	}
	if len(convs) != 0 {
		t.Fatalf("expected no conversation messages left, got %d", len(convs))
	}
}

func TestBuildContextPreservesSystemMessagesUnderBudget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	const sid = "cs-ctx"

	_ = s.AppendMessage(ctx, sid, 0, Message{Role: "system", Content: "you are a helpful agent"})
	for i := uint64(1); i <= 5; i++ {
		_ = s.AppendMessage(ctx, sid, i, Message{Role: "user", Content: "message number filler content here"})
	}

	out, err := s.BuildContext(ctx, sid, 20)
	if err != nil {
		t.Fatalf("build context: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("expected non-empty context")
	}
	if !contains(out, "helpful agent") {
		t.Fatal("expected system message to always be preserved")
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}

func TestRebuildCacheWarmsFromScan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_ = s.PersistSession(ctx, SessionRecord{ContentSessionID: "a"})
	_ = s.PersistSession(ctx, SessionRecord{ContentSessionID: "b"})

	fresh := New(s.kv)
	if err := fresh.RebuildCache(ctx); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	recs, err := fresh.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(recs))
	}
}
