// Package savedview implements saved views (SPEC_FULL §3/§6): named,
// shareable filter/column presets persisted as a single JSON file with a
// .bak sibling, mirroring internal/project's registry persistence idiom.
package savedview

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenttrace/core/internal/domain"
)

// SavedView is one persisted view definition, per spec §3.
type SavedView struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Filters     map[string]any    `json:"filters"`
	Columns     []string          `json:"columns"`
	Tags        []string          `json:"tags,omitempty"`
	IsShared    bool              `json:"is_shared"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

type fileFormat struct {
	Views map[string]SavedView `json:"views"`
}

// Store is a JSON-backed saved view registry.
type Store struct {
	path string

	mu    sync.Mutex
	views map[string]SavedView
}

// New constructs a Store backed by path (+ path+".bak").
func New(path string) *Store {
	return &Store{path: path, views: make(map[string]SavedView)}
}

// Load reads the persisted views from disk, falling back to the .bak
// sibling if the primary file is corrupt.
func (s *Store) Load(_ context.Context) error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("savedview: read: %w", err)
	}
	var ff fileFormat
	if err := json.Unmarshal(raw, &ff); err != nil {
		return s.loadBackup()
	}
	s.mu.Lock()
	s.views = ff.Views
	if s.views == nil {
		s.views = make(map[string]SavedView)
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) loadBackup() error {
	raw, err := os.ReadFile(s.path + ".bak")
	if err != nil {
		return fmt.Errorf("savedview: primary corrupt and backup unreadable: %w", err)
	}
	var ff fileFormat
	if err := json.Unmarshal(raw, &ff); err != nil {
		return fmt.Errorf("savedview: backup also corrupt: %w", err)
	}
	s.mu.Lock()
	s.views = ff.Views
	s.mu.Unlock()
	return nil
}

// Create inserts a new view with a fresh "view-"+uuid id.
func (s *Store) Create(name, description string, filters map[string]any, columns, tags []string, shared bool) (SavedView, error) {
	now := time.Now()
	v := SavedView{
		ID:          "view-" + uuid.NewString(),
		Name:        name,
		Description: description,
		Filters:     filters,
		Columns:     columns,
		Tags:        tags,
		IsShared:    shared,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.mu.Lock()
	s.views[v.ID] = v
	s.mu.Unlock()
	return v, s.persist()
}

// Get returns the view with id, if present.
func (s *Store) Get(id string) (SavedView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.views[id]
	return v, ok
}

// List returns every persisted view.
func (s *Store) List() []SavedView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SavedView, 0, len(s.views))
	for _, v := range s.views {
		out = append(out, v)
	}
	return out
}

// Update replaces an existing view's mutable fields, bumping UpdatedAt.
func (s *Store) Update(id string, mutate func(*SavedView)) (SavedView, error) {
	s.mu.Lock()
	v, ok := s.views[id]
	if !ok {
		s.mu.Unlock()
		return SavedView{}, fmt.Errorf("%w: saved view %q not found", domain.ErrNotFound, id)
	}
	mutate(&v)
	v.UpdatedAt = time.Now()
	s.views[id] = v
	s.mu.Unlock()
	return v, s.persist()
}

// Delete removes a view by id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	if _, ok := s.views[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: saved view %q not found", domain.ErrNotFound, id)
	}
	delete(s.views, id)
	s.mu.Unlock()
	return s.persist()
}

// Export serializes every view to JSON, for the /views/export endpoint.
func (s *Store) Export() ([]byte, error) {
	s.mu.Lock()
	ff := fileFormat{Views: s.views}
	s.mu.Unlock()
	return json.MarshalIndent(ff, "", "  ")
}

// Import merges views from a previously exported JSON blob, overwriting
// any existing entries with matching ids.
func (s *Store) Import(raw []byte) (int, error) {
	var ff fileFormat
	if err := json.Unmarshal(raw, &ff); err != nil {
		return 0, fmt.Errorf("%w: savedview: invalid import payload: %v", domain.ErrValidation, err)
	}
	s.mu.Lock()
	for id, v := range ff.Views {
		s.views[id] = v
	}
	n := len(ff.Views)
	s.mu.Unlock()
	return n, s.persist()
}

func (s *Store) persist() error {
	s.mu.Lock()
	ff := fileFormat{Views: s.views}
	s.mu.Unlock()

	b, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("savedview: marshal: %w", err)
	}

	if existing, err := os.ReadFile(s.path); err == nil {
		_ = os.WriteFile(s.path+".bak", existing, 0o644)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("savedview: create dir: %w", err)
	}
	return os.WriteFile(s.path, b, 0o644)
}
