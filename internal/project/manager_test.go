package project

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/agentdeck/agentdeck/internal/domain"
)

func TestDedupeName(t *testing.T) {
	taken := map[string]bool{"api": true, "api-2": true}

	if got := dedupeName("web", taken); got != "web" {
		t.Errorf("Expected web, got %s", got)
	}
	if got := dedupeName("api", taken); got != "api-3" {
		t.Errorf("Expected api-3, got %s", got)
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "projects.json")

	entries := []registryEntry{
		{Name: "api", Dir: "/tmp/api"},
		{Name: "web", Dir: "/tmp/web"},
	}
	if err := saveRegistry(path, entries); err != nil {
		t.Fatalf("saveRegistry failed: %v", err)
	}

	loaded, err := loadRegistry(path)
	if err != nil {
		t.Fatalf("loadRegistry failed: %v", err)
	}
	if len(loaded) != 2 || loaded[0].Name != "api" || loaded[1].Dir != "/tmp/web" {
		t.Errorf("Unexpected registry contents: %+v", loaded)
	}
}

func TestRegistryMissingFile(t *testing.T) {
	entries, err := loadRegistry(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Expected missing registry to be empty, got error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected empty registry, got %+v", entries)
	}
}

func TestRegisterDeduplicatesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.json")

	m, err := NewManager(path, 4096, "opencode", nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	name, err := m.Register("api", "/tmp/a")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if name != "api" {
		t.Errorf("Expected api, got %s", name)
	}

	name, err = m.Register("api", "/tmp/b")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if name != "api-2" {
		t.Errorf("Expected api-2, got %s", name)
	}

	// A fresh manager restores both projects with distinct ports.
	restored, err := NewManager(path, 4096, "opencode", nil)
	if err != nil {
		t.Fatalf("NewManager on existing registry failed: %v", err)
	}
	projects := restored.Projects()
	if len(projects) != 2 {
		t.Fatalf("Expected 2 restored projects, got %d", len(projects))
	}
	if projects[0].Port == projects[1].Port {
		t.Errorf("Expected distinct ports, got %d for both", projects[0].Port)
	}
	if projects[0].Name != "api" || projects[1].Name != "api-2" {
		t.Errorf("Unexpected restored names: %+v", projects)
	}
}

func TestSetStateFuncInstalledLate(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "projects.json"), 4096, "opencode", nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if _, err := m.Register("api", "/tmp/a"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Transitions before an observer exists are recorded silently.
	m.setState("api", domain.ProjectStarting)

	var mu sync.Mutex
	var seen []domain.ProjectState
	m.SetStateFunc(func(name string, state domain.ProjectState) {
		mu.Lock()
		seen = append(seen, state)
		mu.Unlock()
	})

	// Supervisor reap goroutines report crashes concurrently; the late
	// installed observer must be visible to all of them.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.setState("api", domain.ProjectReady)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 4 {
		t.Errorf("Expected 4 observed transitions, got %d", len(seen))
	}
	projects := m.Projects()
	if len(projects) != 1 || projects[0].State != domain.ProjectReady {
		t.Errorf("Unexpected project state: %+v", projects)
	}
}
