// Package project implements the project manager and registry (SPEC_FULL
// §4.12, C12): a JSON-backed registry of known projects, auto-discovery of
// project_<id>/ data folders, a de-duplicated per-project KV handle cache,
// and a stats cache distinguishing fresh from bounded-staleness reads.
package project

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/agenttrace/core/internal/adapter/bbolt"
	"github.com/agenttrace/core/internal/config"
	"github.com/agenttrace/core/internal/port/kvstore"
)

// Metadata is one project's registry entry.
type Metadata struct {
	ID          uint16 `json:"id"`
	Name        string `json:"name"`
	AutoCreated bool   `json:"auto_created"`
	CreatedAtUS uint64 `json:"created_at_us"`
}

type registryFile struct {
	Projects map[string]Metadata `json:"projects"` // keyed by decimal project id
}

type handle struct {
	store      *bbolt.Store
	lastUsed   time.Time
	statsAt    time.Time
	cachedStat kvstore.Stats
}

// Manager is the C12 project manager and registry.
type Manager struct {
	cfg config.Project
	log *slog.Logger

	mu       sync.Mutex
	registry map[uint16]Metadata

	handles sync.Map // uint16 -> *handle
	group   singleflight.Group
}

// New constructs a Manager. Call LoadOrDiscover once at startup to
// populate the registry from disk and auto-register any unregistered
// project_<id>/ folders found under cfg.RootDir.
func New(cfg config.Project, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{cfg: cfg, log: log, registry: make(map[uint16]Metadata)}
}

// LoadOrDiscover loads the JSON registry (falling back to its .bak sibling
// on a corrupt primary), then scans cfg.RootDir for project_<id>/ folders
// not yet registered, auto-registering them with a synthesized name and a
// logged warning, per spec §4.12.
func (m *Manager) LoadOrDiscover(ctx context.Context) error {
	if err := m.load(); err != nil {
		return err
	}
	return m.discover()
}

func (m *Manager) load() error {
	raw, err := os.ReadFile(m.cfg.RegistryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("project: read registry: %w", err)
	}
	var rf registryFile
	if err := json.Unmarshal(raw, &rf); err != nil {
		m.log.Warn("project: primary registry corrupt, trying .bak", "error", err)
		return m.loadBackup()
	}
	m.applyFile(rf)
	return nil
}

func (m *Manager) loadBackup() error {
	raw, err := os.ReadFile(m.cfg.RegistryPath + ".bak")
	if err != nil {
		return fmt.Errorf("project: read backup registry: %w", err)
	}
	var rf registryFile
	if err := json.Unmarshal(raw, &rf); err != nil {
		return fmt.Errorf("project: backup registry also corrupt: %w", err)
	}
	m.applyFile(rf)
	return nil
}

func (m *Manager) applyFile(rf registryFile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, meta := range rf.Projects {
		m.registry[meta.ID] = meta
	}
}

func (m *Manager) discover() error {
	entries, err := os.ReadDir(m.cfg.RootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("project: scan root dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "project_") {
			continue
		}
		idStr := strings.TrimPrefix(entry.Name(), "project_")
		id, err := strconv.ParseUint(idStr, 10, 16)
		if err != nil {
			continue
		}
		pid := uint16(id)

		m.mu.Lock()
		_, known := m.registry[pid]
		m.mu.Unlock()
		if known {
			continue
		}

		m.log.Warn("project: discovered unregistered project folder, auto-registering",
			"project_id", pid, "folder", entry.Name())
		m.mu.Lock()
		m.registry[pid] = Metadata{ID: pid, Name: fmt.Sprintf("project-%d", pid), AutoCreated: true}
		m.mu.Unlock()
	}
	return m.persist()
}

func (m *Manager) persist() error {
	m.mu.Lock()
	rf := registryFile{Projects: make(map[string]Metadata, len(m.registry))}
	for id, meta := range m.registry {
		rf.Projects[strconv.Itoa(int(id))] = meta
	}
	m.mu.Unlock()

	b, err := json.MarshalIndent(rf, "", "  ")
	if err != nil {
		return fmt.Errorf("project: marshal registry: %w", err)
	}

	if existing, err := os.ReadFile(m.cfg.RegistryPath); err == nil {
		_ = os.WriteFile(m.cfg.RegistryPath+".bak", existing, 0o644)
	}
	if err := os.MkdirAll(filepath.Dir(m.cfg.RegistryPath), 0o755); err != nil {
		return fmt.Errorf("project: create registry dir: %w", err)
	}
	return os.WriteFile(m.cfg.RegistryPath, b, 0o644)
}

// Register adds or replaces a project's metadata and persists the registry.
func (m *Manager) Register(meta Metadata) error {
	m.mu.Lock()
	m.registry[meta.ID] = meta
	m.mu.Unlock()
	return m.persist()
}

// List returns every registered project's metadata.
func (m *Manager) List() []Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Metadata, 0, len(m.registry))
	for _, meta := range m.registry {
		out = append(out, meta)
	}
	return out
}

// GetOrOpenProject returns the KV store for projectID, opening it on
// first use. Concurrent callers for the same id are de-duplicated via
// singleflight so only one bbolt.Open call happens.
func (m *Manager) GetOrOpenProject(projectID uint16) (kvstore.Store, error) {
	if h, ok := m.handles.Load(projectID); ok {
		hd := h.(*handle)
		hd.lastUsed = time.Now()
		return hd.store, nil
	}

	key := strconv.Itoa(int(projectID))
	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		if h, ok := m.handles.Load(projectID); ok {
			return h.(*handle), nil
		}
		dir := filepath.Join(m.cfg.RootDir, fmt.Sprintf("project_%d", projectID))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("project: create project dir: %w", err)
		}
		store, err := bbolt.Open(filepath.Join(dir, "data.db"), 0)
		if err != nil {
			return nil, fmt.Errorf("project: open project store: %w", err)
		}
		hd := &handle{store: store, lastUsed: time.Now()}
		m.handles.Store(projectID, hd)
		return hd, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*handle).store, nil
}

// Stats returns projectID's storage stats. If maxAge is 0, always fetches
// fresh stats; otherwise returns a cached value if it is no older than
// maxAge, per spec §4.12's "fresh vs cached <= N seconds" distinction.
func (m *Manager) Stats(ctx context.Context, projectID uint16, maxAge time.Duration) (kvstore.Stats, error) {
	h, ok := m.handles.Load(projectID)
	if !ok {
		if _, err := m.GetOrOpenProject(projectID); err != nil {
			return kvstore.Stats{}, err
		}
		h, _ = m.handles.Load(projectID)
	}
	hd := h.(*handle)

	if maxAge > 0 && time.Since(hd.statsAt) <= maxAge {
		return hd.cachedStat, nil
	}

	stats, err := hd.store.Stats(ctx)
	if err != nil {
		return kvstore.Stats{}, err
	}
	hd.cachedStat = stats
	hd.statsAt = time.Now()
	return stats, nil
}

// EvictIdle closes and forgets every project handle whose last use
// exceeds cfg.HandleIdleTTL, returning the ids evicted. Read-mostly: an
// evicted handle is simply reopened on next access.
func (m *Manager) EvictIdle() []uint16 {
	var evicted []uint16
	m.handles.Range(func(key, value interface{}) bool {
		pid := key.(uint16)
		hd := value.(*handle)
		if m.cfg.HandleIdleTTL > 0 && time.Since(hd.lastUsed) > m.cfg.HandleIdleTTL {
			_ = hd.store.Close()
			m.handles.Delete(pid)
			evicted = append(evicted, pid)
		}
		return true
	})
	return evicted
}

// CloseAll closes every open project handle, for graceful shutdown.
func (m *Manager) CloseAll() {
	m.handles.Range(func(key, value interface{}) bool {
		_ = value.(*handle).store.Close()
		m.handles.Delete(key)
		return true
	})
}
