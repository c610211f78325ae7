package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agenttrace/core/internal/config"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	root := t.TempDir()
	cfg := config.Project{
		RegistryPath: filepath.Join(root, "registry.json"),
		RootDir:      root,
	}
	return New(cfg, nil)
}

func TestLoadOrDiscoverAutoRegistersUnknownFolders(t *testing.T) {
	m := newTestManager(t)
	if err := os.MkdirAll(filepath.Join(m.cfg.RootDir, "project_7"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := m.LoadOrDiscover(context.Background()); err != nil {
		t.Fatalf("load or discover: %v", err)
	}

	list := m.List()
	if len(list) != 1 || list[0].ID != 7 || !list[0].AutoCreated {
		t.Fatalf("expected one auto-created project 7, got %+v", list)
	}

	if _, err := os.Stat(m.cfg.RegistryPath); err != nil {
		t.Fatalf("expected registry file to be persisted: %v", err)
	}
}

func TestGetOrOpenProjectReturnsSameHandle(t *testing.T) {
	m := newTestManager(t)
	t.Cleanup(m.CloseAll)

	a, err := m.GetOrOpenProject(3)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b, err := m.GetOrOpenProject(3)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if a != b {
		t.Fatal("expected the same cached handle on second open")
	}
}

func TestStatsFreshVsCached(t *testing.T) {
	m := newTestManager(t)
	t.Cleanup(m.CloseAll)
	ctx := context.Background()

	if _, err := m.GetOrOpenProject(1); err != nil {
		t.Fatalf("open: %v", err)
	}

	fresh, err := m.Stats(ctx, 1, 0)
	if err != nil {
		t.Fatalf("fresh stats: %v", err)
	}
	cached, err := m.Stats(ctx, 1, time.Minute)
	if err != nil {
		t.Fatalf("cached stats: %v", err)
	}
	if cached.DiskBytes != fresh.DiskBytes || len(cached.KeyCount) != len(fresh.KeyCount) {
		t.Fatalf("expected cached stats to equal the fresh read, got %+v vs %+v", cached, fresh)
	}
}

func TestRegisterPersists(t *testing.T) {
	m := newTestManager(t)
	if err := m.Register(Metadata{ID: 42, Name: "explicit"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	fresh := New(m.cfg, nil)
	if err := fresh.LoadOrDiscover(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	found := false
	for _, meta := range fresh.List() {
		if meta.ID == 42 && meta.Name == "explicit" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected explicitly registered project to survive reload")
	}
}
