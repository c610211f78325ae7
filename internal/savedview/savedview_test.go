package savedview

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestCreateAssignsViewPrefixedID(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "views.json"))
	v, err := s.Create("My View", "", map[string]any{"project_id": 1}, []string{"id", "name"}, nil, false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(v.ID, "view-") {
		t.Fatalf("expected view- prefixed id, got %q", v.ID)
	}
}

func TestPersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "views.json")
	s := New(path)
	v, err := s.Create("Errors", "failing spans", nil, []string{"id"}, []string{"debug"}, true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	reloaded := New(path)
	if err := reloaded.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, ok := reloaded.Get(v.ID)
	if !ok {
		t.Fatal("expected reloaded store to contain the created view")
	}
	if got.Name != "Errors" || !got.IsShared {
		t.Fatalf("unexpected reloaded view: %+v", got)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "views.json"))
	v, _ := s.Create("Initial", "", nil, nil, nil, false)

	updated, err := s.Update(v.ID, func(sv *SavedView) { sv.Name = "Renamed" })
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "Renamed" {
		t.Fatalf("expected renamed view, got %q", updated.Name)
	}

	if err := s.Delete(v.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := s.Get(v.ID); ok {
		t.Fatal("expected view to be gone after delete")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src := New(filepath.Join(t.TempDir(), "src.json"))
	_, _ = src.Create("A", "", nil, nil, nil, false)
	_, _ = src.Create("B", "", nil, nil, nil, false)

	blob, err := src.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	dst := New(filepath.Join(t.TempDir(), "dst.json"))
	n, err := dst.Import(blob)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 imported views, got %d", n)
	}
	if len(dst.List()) != 2 {
		t.Fatalf("expected 2 views in destination store, got %d", len(dst.List()))
	}
}
