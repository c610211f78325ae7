// Package memoryagent implements the memory-agent store (SPEC_FULL §4.10,
// C10): persistence of session/conversation/pending records atop the
// mem_session/mem_conv/mem_pending keyspaces, a per-process read-through
// cache of session records, and cascading delete. The cache is a plain map
// with no size bound: entries leave it only through DeleteSession or
// RebuildCache.
package memoryagent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agenttrace/core/internal/domain"
	"github.com/agenttrace/core/internal/domain/edge"
	"github.com/agenttrace/core/internal/port/kvstore"
	"github.com/agenttrace/core/internal/storage/keys"
)

// Message is one turn of a persisted conversation (spec §3's
// ConversationHistory entry).
type Message struct {
	Role        string `json:"role"` // system, user, assistant
	Content     string `json:"content"`
	Name        string `json:"name,omitempty"`
	TimestampUS uint64 `json:"timestamp_us"`
}

// EstimatedTokens approximates token count as ceil(len(content)/4), per
// spec §3.
func (m Message) EstimatedTokens() int {
	return (len(m.Content) + 3) / 4
}

// Pending is an unacknowledged outbound message awaiting delivery.
type Pending struct {
	MsgID       edge.ID `json:"msg_id"`
	Content     string  `json:"content"`
	TimestampUS uint64  `json:"timestamp_us"`
}

// SessionRecord is the persisted form of a memory session, independent of
// C9's in-memory ContinuityManager (which references it by ContentSessionID).
type SessionRecord struct {
	ContentSessionID string `json:"content_session_id"`
	MemorySessionID  string `json:"memory_session_id"`
	ProjectID        uint16 `json:"project_id"`
	PromptNumber     uint32 `json:"prompt_number"`
	LastObservationID string `json:"last_observation_id,omitempty"`
	CreatedAtUS      uint64 `json:"created_at_us"`
	UpdatedAtUS      uint64 `json:"updated_at_us"`
}

// DeleteResult reports the exact counts a cascading delete removed, per
// spec §8 scenario S4.
type DeleteResult struct {
	SessionsDeleted      int
	ConversationsDeleted int
	PendingDeleted       int
	TotalKeysDeleted     int
}

// Store is the C10 memory-agent store.
type Store struct {
	kv kvstore.Store

	mu    sync.RWMutex
	cache map[string]SessionRecord
}

// New constructs a Store with an empty warm cache; call RebuildCache to
// populate it from existing storage at startup.
func New(kv kvstore.Store) *Store {
	return &Store{kv: kv, cache: make(map[string]SessionRecord)}
}

// PersistSession writes rec under mem_session/<content_session_id> and
// updates the in-memory cache.
func (s *Store) PersistSession(ctx context.Context, rec SessionRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("memoryagent: marshal session: %w", err)
	}
	if err := s.kv.Put(ctx, keys.MemSession(rec.ContentSessionID), b); err != nil {
		return fmt.Errorf("memoryagent: persist session: %w", err)
	}
	s.mu.Lock()
	s.cache[rec.ContentSessionID] = rec
	s.mu.Unlock()
	return nil
}

// LoadSession returns the session record for contentSessionID, read-through
// the warm cache.
func (s *Store) LoadSession(ctx context.Context, contentSessionID string) (SessionRecord, bool, error) {
	s.mu.RLock()
	rec, ok := s.cache[contentSessionID]
	s.mu.RUnlock()
	if ok {
		return rec, true, nil
	}

	raw, found, err := s.kv.Get(ctx, keys.MemSession(contentSessionID))
	if err != nil {
		return SessionRecord{}, false, err
	}
	if !found {
		return SessionRecord{}, false, nil
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return SessionRecord{}, false, fmt.Errorf("%w: memoryagent: corrupt session record for %s", domain.ErrIntegrity, contentSessionID)
	}
	s.mu.Lock()
	s.cache[contentSessionID] = rec
	s.mu.Unlock()
	return rec, true, nil
}

// AppendMessage persists one conversation message at the given sequence
// number under mem_conv/<content_session_id>/<seq>.
func (s *Store) AppendMessage(ctx context.Context, contentSessionID string, seq uint64, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("memoryagent: marshal message: %w", err)
	}
	return s.kv.Put(ctx, keys.MemConv(contentSessionID, seq), b)
}

// Conversation returns every persisted message for contentSessionID in
// sequence order.
func (s *Store) Conversation(ctx context.Context, contentSessionID string) ([]Message, error) {
	var out []Message
	var scanErr error
	err := s.kv.Scan(ctx, keys.MemConvPrefix(contentSessionID), func(kv kvstore.KV) bool {
		var m Message
		if err := json.Unmarshal(kv.Value, &m); err != nil {
			scanErr = err
			return false
		}
		out = append(out, m)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, scanErr
}

// PutPending persists an outbound message awaiting delivery.
func (s *Store) PutPending(ctx context.Context, contentSessionID string, msgID edge.ID, p Pending) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("memoryagent: marshal pending: %w", err)
	}
	return s.kv.Put(ctx, keys.MemPending(contentSessionID, msgID), b)
}

// ListSessions scans the mem_session/ prefix and returns every persisted
// session record.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	var out []SessionRecord
	var scanErr error
	err := s.kv.Scan(ctx, keys.MemSessionPrefix(), func(kv kvstore.KV) bool {
		var rec SessionRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			scanErr = err
			return false
		}
		out = append(out, rec)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, scanErr
}

// RebuildCache warms the in-process cache from a full scan, for use at
// startup before serving traffic.
func (s *Store) RebuildCache(ctx context.Context) error {
	recs, err := s.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("memoryagent: rebuild cache: %w", err)
	}
	s.mu.Lock()
	s.cache = make(map[string]SessionRecord, len(recs))
	for _, r := range recs {
		s.cache[r.ContentSessionID] = r
	}
	s.mu.Unlock()
	return nil
}

// DeleteSession cascades the deletion of a session's record, every
// conversation message, and every pending message, atomically where the
// underlying store supports a multi-key transaction. Returns the exact
// counts removed, matching spec §8 scenario S4's expected shape.
func (s *Store) DeleteSession(ctx context.Context, contentSessionID string) (DeleteResult, error) {
	var convKeys, pendingKeys [][]byte
	if err := s.kv.Scan(ctx, keys.MemConvPrefix(contentSessionID), func(kv kvstore.KV) bool {
		convKeys = append(convKeys, append([]byte(nil), kv.Key...))
		return true
	}); err != nil {
		return DeleteResult{}, fmt.Errorf("memoryagent: scan conversations: %w", err)
	}
	if err := s.kv.Scan(ctx, keys.MemPendingPrefix(contentSessionID), func(kv kvstore.KV) bool {
		pendingKeys = append(pendingKeys, append([]byte(nil), kv.Key...))
		return true
	}); err != nil {
		return DeleteResult{}, fmt.Errorf("memoryagent: scan pending: %w", err)
	}

	sessKey := keys.MemSession(contentSessionID)
	_, sessionExists, err := s.kv.Get(ctx, sessKey)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("memoryagent: check session: %w", err)
	}

	result := DeleteResult{
		ConversationsDeleted: len(convKeys),
		PendingDeleted:       len(pendingKeys),
	}
	if sessionExists {
		result.SessionsDeleted = 1
	}
	result.TotalKeysDeleted = result.SessionsDeleted + result.ConversationsDeleted + result.PendingDeleted

	err = s.kv.Tx(ctx, func(w kvstore.Writer) error {
		if sessionExists {
			if err := w.Delete(sessKey); err != nil {
				return err
			}
		}
		for _, k := range convKeys {
			if err := w.Delete(k); err != nil {
				return err
			}
		}
		for _, k := range pendingKeys {
			if err := w.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return DeleteResult{}, fmt.Errorf("memoryagent: cascade delete: %w", err)
	}

	s.mu.Lock()
	delete(s.cache, contentSessionID)
	s.mu.Unlock()

	return result, nil
}

// BuildContext assembles a bounded prior-context string for the MCP
// get_session_context tool: the session's conversation history, truncated
// to tokenBudget (estimated at 4 chars/token), oldest messages dropped
// first while system messages are always preserved. This is the
// SUPPLEMENTED prompt/context injection feature.
func (s *Store) BuildContext(ctx context.Context, contentSessionID string, tokenBudget int) (string, error) {
	msgs, err := s.Conversation(ctx, contentSessionID)
	if err != nil {
		return "", fmt.Errorf("memoryagent: build context: %w", err)
	}

	var system, rest []Message
	for _, m := range msgs {
		if m.Role == "system" {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}

	budget := tokenBudget
	for _, m := range system {
		budget -= m.EstimatedTokens()
	}

	kept := make([]Message, 0, len(rest))
	for i := len(rest) - 1; i >= 0; i-- {
		cost := rest[i].EstimatedTokens()
		if budget-cost < 0 {
			break
		}
		budget -= cost
		kept = append([]Message{rest[i]}, kept...)
	}

	var sb []byte
	for _, m := range system {
		sb = append(sb, []byte(fmt.Sprintf("[%s] %s\n", m.Role, m.Content))...)
	}
	for _, m := range kept {
		sb = append(sb, []byte(fmt.Sprintf("[%s] %s\n", m.Role, m.Content))...)
	}
	return string(sb), nil
}
