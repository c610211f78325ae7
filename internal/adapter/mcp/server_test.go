package mcp_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	cfmcp "github.com/agenttrace/core/internal/adapter/mcp"
	"github.com/agenttrace/core/internal/config"
	"github.com/agenttrace/core/internal/project"
)

func TestNewServer(t *testing.T) {
	cfg := cfmcp.ServerConfig{Addr: ":0", Name: "test-server", Version: "0.1.0"}
	s := cfmcp.NewServer(cfg, cfmcp.ServerDeps{})
	if s == nil {
		t.Fatal("NewServer returned nil")
	}
	if s.MCPServer() == nil {
		t.Fatal("MCPServer() returned nil")
	}
}

func TestServerStartStop(t *testing.T) {
	cfg := cfmcp.ServerConfig{Addr: "127.0.0.1:0", Name: "test-server", Version: "0.1.0"}
	s := cfmcp.NewServer(cfg, cfmcp.ServerDeps{})

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestProjectsResourceReflectsRegistry(t *testing.T) {
	dir := t.TempDir()
	mgr := project.New(config.Project{RegistryPath: filepath.Join(dir, "registry.json"), RootDir: dir}, nil)
	if err := mgr.Register(project.Metadata{ID: 1, Name: "demo"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	cfg := cfmcp.ServerConfig{Addr: ":0", Name: "test-server", Version: "0.1.0"}
	s := cfmcp.NewServer(cfg, cfmcp.ServerDeps{Projects: mgr})

	resources := s.MCPServer()
	if resources == nil {
		t.Fatal("expected non-nil mcp server")
	}

	var found bool
	for _, md := range mgr.List() {
		if md.ID == 1 && md.Name == "demo" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected registered project to appear in manager listing")
	}

	// Sanity-check that the registry round-trips through JSON the same way
	// the resource handler would marshal it.
	data, err := json.Marshal(mgr.List())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded []project.Metadata
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded) != 1 || decoded[0].Name != "demo" {
		t.Fatalf("unexpected decoded projects: %+v", decoded)
	}
}
