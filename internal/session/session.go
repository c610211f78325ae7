// Package session implements session continuity (SPEC_FULL §4.9, C9): a
// process-wide map of session_id to ContinuityState with LRU eviction of
// ended sessions, timeout handling, and the conversation-history
// summarization rule. Persistence is delegated to C10
// (internal/memoryagent).
package session

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agenttrace/core/internal/config"
	"github.com/agenttrace/core/internal/memoryagent"
	"github.com/agenttrace/core/internal/port/messagequeue"
)

// State is the session lifecycle state machine named in spec §3.
type State int

const (
	Initializing State = iota
	Active
	Paused
	Summarizing
	Ended
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Summarizing:
		return "summarizing"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// maxMessagePreview bounds how much of each coalesced message is kept in
// a summary line, per spec §3.
const maxMessagePreview = 100

// ContinuityState is one tracked session's live state.
type ContinuityState struct {
	ContentSessionID string
	MemorySessionID  string
	ProjectID        uint16
	State            State
	PromptNumber     uint32
	LastObservationID string

	History []memoryagent.Message

	CreatedAtUS    uint64
	LastActivityUS uint64
	EndedAtUS      uint64
}

// ShouldResume implements spec §3's rule: a session resumes when it has a
// memory session, has progressed past its first prompt, and has not ended.
func (c *ContinuityState) ShouldResume() bool {
	return c.MemorySessionID != "" && c.PromptNumber > 1 && c.State != Ended
}

func (c *ContinuityState) touch(nowUS uint64) {
	c.LastActivityUS = nowUS
}

// ContinuityManager owns the process-wide session_id -> ContinuityState
// map. Eviction prefers ended sessions first, then least-recently-active,
// once config.Session.MaxSessions is exceeded.
type ContinuityManager struct {
	cfg config.Session
	mem *memoryagent.Store
	mq  messagequeue.Queue
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*ContinuityState
	lru      *list.List // front = most recently touched
	elems    map[string]*list.Element
}

// New constructs a ContinuityManager. mq may be nil to disable the
// sessions.ended broadcast.
func New(cfg config.Session, mem *memoryagent.Store, mq messagequeue.Queue, log *slog.Logger) *ContinuityManager {
	if log == nil {
		log = slog.Default()
	}
	return &ContinuityManager{
		cfg:      cfg,
		mem:      mem,
		mq:       mq,
		log:      log,
		sessions: make(map[string]*ContinuityState),
		lru:      list.New(),
		elems:    make(map[string]*list.Element),
	}
}

// GetOrCreate returns the tracked continuity state for contentSessionID,
// creating a fresh one if absent, and replacing a timed-out one with a
// fresh state per spec §4.9's "timeout replaces with fresh continuity"
// rule.
func (m *ContinuityManager) GetOrCreate(ctx context.Context, contentSessionID string, projectID uint16, nowUS uint64) (*ContinuityState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.sessions[contentSessionID]; ok {
		if m.timedOut(st, nowUS) {
			m.evictLocked(contentSessionID)
		} else {
			st.touch(nowUS)
			m.touchLRULocked(contentSessionID)
			return st, nil
		}
	}

	st := &ContinuityState{
		ContentSessionID: contentSessionID,
		ProjectID:        projectID,
		State:            Initializing,
		CreatedAtUS:      nowUS,
		LastActivityUS:   nowUS,
	}

	if m.mem != nil {
		if rec, found, err := m.mem.LoadSession(ctx, contentSessionID); err != nil {
			return nil, fmt.Errorf("session: load persisted state: %w", err)
		} else if found {
			st.MemorySessionID = rec.MemorySessionID
			st.PromptNumber = rec.PromptNumber
			st.LastObservationID = rec.LastObservationID
			st.CreatedAtUS = rec.CreatedAtUS
			if history, err := m.mem.Conversation(ctx, contentSessionID); err == nil {
				st.History = history
			}
		}
	}

	st.State = Active
	m.insertLocked(contentSessionID, st)
	m.evictOverflowLocked()
	return st, nil
}

func (m *ContinuityManager) timedOut(st *ContinuityState, nowUS uint64) bool {
	if m.cfg.TimeoutSecs <= 0 || st.State == Ended {
		return false
	}
	elapsed := time.Duration(nowUS-st.LastActivityUS) * time.Microsecond
	return elapsed > time.Duration(m.cfg.TimeoutSecs)*time.Second
}

// Update persists a mutated state and touches its activity timestamp.
func (m *ContinuityManager) Update(ctx context.Context, st *ContinuityState, nowUS uint64) error {
	m.mu.Lock()
	st.touch(nowUS)
	m.touchLRULocked(st.ContentSessionID)
	m.mu.Unlock()

	if m.mem == nil {
		return nil
	}
	return m.mem.PersistSession(ctx, memoryagent.SessionRecord{
		ContentSessionID:  st.ContentSessionID,
		MemorySessionID:   st.MemorySessionID,
		ProjectID:         st.ProjectID,
		PromptNumber:      st.PromptNumber,
		LastObservationID: st.LastObservationID,
		CreatedAtUS:       st.CreatedAtUS,
		UpdatedAtUS:       nowUS,
	})
}

// End marks a session Ended, touches it, and publishes
// messagequeue.SubjectSessionEnded.
func (m *ContinuityManager) End(ctx context.Context, contentSessionID string, nowUS uint64) error {
	m.mu.Lock()
	st, ok := m.sessions[contentSessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	st.State = Ended
	st.EndedAtUS = nowUS
	st.touch(nowUS)
	m.mu.Unlock()

	if err := m.Update(ctx, st, nowUS); err != nil {
		return err
	}

	if m.mq != nil {
		payload := fmt.Appendf(nil, `{"content_session_id":%q,"project_id":%d,"ended_at_us":%d}`,
			contentSessionID, st.ProjectID, nowUS)
		if err := m.mq.Publish(ctx, messagequeue.SubjectSessionEnded, payload); err != nil {
			m.log.Warn("session: sessions.ended publish failed", "error", err)
		}
	}
	return nil
}

// CleanupTimedOut scans for and evicts sessions past cfg.TimeoutSecs,
// returning the ids removed.
func (m *ContinuityManager) CleanupTimedOut(nowUS uint64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []string
	for id, st := range m.sessions {
		if m.timedOut(st, nowUS) {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		m.evictLocked(id)
	}
	return removed
}

// ListProject returns every tracked session for projectID.
func (m *ContinuityManager) ListProject(projectID uint16) []*ContinuityState {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*ContinuityState
	for _, st := range m.sessions {
		if st.ProjectID == projectID {
			out = append(out, st)
		}
	}
	return out
}

// AppendHistory records a conversation turn, applying the summarization
// rule once history exceeds maxHistory: oldest non-system messages are
// coalesced into a single synthetic summary message, system messages are
// always preserved verbatim.
func (m *ContinuityManager) AppendHistory(st *ContinuityState, msg memoryagent.Message, maxHistory int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st.History = append(st.History, msg)
	if maxHistory <= 0 || len(st.History) <= maxHistory {
		return
	}

	var system []memoryagent.Message
	var rest []memoryagent.Message
	for _, h := range st.History {
		if h.Role == "system" {
			system = append(system, h)
		} else {
			rest = append(rest, h)
		}
	}

	overflow := len(rest) - (maxHistory - len(system) - 1)
	if overflow <= 0 {
		return
	}
	if overflow > len(rest) {
		overflow = len(rest)
	}

	summarized := rest[:overflow]
	kept := rest[overflow:]

	summary := summarize(summarized)
	newHistory := make([]memoryagent.Message, 0, len(system)+1+len(kept))
	newHistory = append(newHistory, system...)
	newHistory = append(newHistory, summary)
	newHistory = append(newHistory, kept...)
	st.History = newHistory
}

func summarize(msgs []memoryagent.Message) memoryagent.Message {
	text := fmt.Sprintf("[Previous %d messages summarized]", len(msgs))
	for _, m := range msgs {
		preview := m.Content
		if len(preview) > maxMessagePreview {
			preview = preview[:maxMessagePreview]
		}
		text += "\n" + preview
	}
	return memoryagent.Message{Role: "system", Content: text}
}

func (m *ContinuityManager) insertLocked(id string, st *ContinuityState) {
	m.sessions[id] = st
	m.elems[id] = m.lru.PushFront(id)
}

func (m *ContinuityManager) touchLRULocked(id string) {
	if el, ok := m.elems[id]; ok {
		m.lru.MoveToFront(el)
	}
}

func (m *ContinuityManager) evictLocked(id string) {
	delete(m.sessions, id)
	if el, ok := m.elems[id]; ok {
		m.lru.Remove(el)
		delete(m.elems, id)
	}
}

// evictOverflowLocked enforces cfg.MaxSessions, preferring to evict ended
// sessions first, then the least-recently-active, per spec §4.9.
func (m *ContinuityManager) evictOverflowLocked() {
	if m.cfg.MaxSessions <= 0 || len(m.sessions) <= m.cfg.MaxSessions {
		return
	}

	for id, st := range m.sessions {
		if len(m.sessions) <= m.cfg.MaxSessions {
			return
		}
		if st.State == Ended {
			m.evictLocked(id)
		}
	}

	for len(m.sessions) > m.cfg.MaxSessions {
		back := m.lru.Back()
		if back == nil {
			return
		}
		id := back.Value.(string)
		m.evictLocked(id)
	}
}
