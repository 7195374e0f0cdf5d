package project

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/internal/agentapi"
	"github.com/agentdeck/agentdeck/internal/domain"
	"github.com/agentdeck/agentdeck/internal/protocol"
	"github.com/agentdeck/agentdeck/internal/supervisor"
)

// StateFunc observes project lifecycle transitions.
type StateFunc func(name string, state domain.ProjectState)

// managed couples one project with its supervisor and agent client.
type managed struct {
	project domain.Project
	sup     *supervisor.Supervisor
	agent   *agentapi.Client
}

// Manager owns one supervisor per registered project. On a crash
// notification it restarts only that project's subprocess; restart failures
// are logged, never propagated as fatal.
type Manager struct {
	registryPath string
	basePort     int
	agentCmd     string

	mu       sync.Mutex
	onState  StateFunc
	projects map[string]*managed
	order    []string // registration order; first project is the default
}

// NewManager creates a manager allocating agent ports from basePort upward
// and restores previously registered projects from the registry file.
func NewManager(registryPath string, basePort int, agentCmd string, onState StateFunc) (*Manager, error) {
	m := &Manager{
		registryPath: registryPath,
		basePort:     basePort,
		agentCmd:     agentCmd,
		onState:      onState,
		projects:     make(map[string]*managed),
	}

	entries, err := loadRegistry(registryPath)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		m.add(entry.Name, entry.Dir)
	}
	return m, nil
}

// add wires a managed project. Caller holds no lock; names are assumed
// unique (registry entries are deduplicated at registration time).
func (m *Manager) add(name, dir string) *managed {
	m.mu.Lock()
	defer m.mu.Unlock()

	port := m.basePort + len(m.order)
	agent := agentapi.New(port)
	entry := &managed{
		project: domain.Project{Name: name, Dir: dir, Port: port, State: domain.ProjectStopped},
		agent:   agent,
	}
	entry.sup = supervisor.New(supervisor.Config{
		Command:   m.agentCmd,
		Args:      []string{"serve", "--port", strconv.Itoa(port), "--hostname", "127.0.0.1"},
		Dir:       dir,
		HealthURL: agent.HealthURL(),
		OnCrash: func(exitCode int, signal string) {
			m.handleCrash(name, exitCode, signal)
		},
	})
	m.projects[name] = entry
	m.order = append(m.order, name)
	return entry
}

// Register adds a project directory under a logical name, deduplicating the
// name against existing registrations, and persists the registry. Returns
// the resolved name.
func (m *Manager) Register(name, dir string) (string, error) {
	m.mu.Lock()
	taken := make(map[string]bool, len(m.projects))
	for existing := range m.projects {
		taken[existing] = true
	}
	resolved := dedupeName(name, taken)
	m.mu.Unlock()

	m.add(resolved, dir)

	m.mu.Lock()
	entries := make([]registryEntry, 0, len(m.order))
	for _, n := range m.order {
		entries = append(entries, registryEntry{Name: n, Dir: m.projects[n].project.Dir})
	}
	m.mu.Unlock()

	if err := saveRegistry(m.registryPath, entries); err != nil {
		return resolved, err
	}
	return resolved, nil
}

// Names returns the registered project names in registration order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// Projects returns a snapshot of all managed projects.
func (m *Manager) Projects() []domain.Project {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Project, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.projects[name].project)
	}
	return out
}

func (m *Manager) get(name string) (*managed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.projects[name]
	if !ok {
		return nil, fmt.Errorf("unknown project %q", name)
	}
	return entry, nil
}

// defaultProject returns the first registered project.
func (m *Manager) defaultProject() (*managed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.order) == 0 {
		return nil, fmt.Errorf("no projects registered")
	}
	return m.projects[m.order[0]], nil
}

// SetStateFunc installs the lifecycle observer. Safe to call while
// supervisors are already reporting crashes; until it is called,
// transitions are recorded but not observed.
func (m *Manager) SetStateFunc(fn StateFunc) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

func (m *Manager) setState(name string, state domain.ProjectState) {
	m.mu.Lock()
	if entry, ok := m.projects[name]; ok {
		entry.project.State = state
	}
	fn := m.onState
	m.mu.Unlock()

	if fn != nil {
		fn(name, state)
	}
}

// Start spawns one project's subprocess and waits for readiness.
func (m *Manager) Start(ctx context.Context, name string) error {
	entry, err := m.get(name)
	if err != nil {
		return err
	}

	m.setState(name, domain.ProjectStarting)
	if err := entry.sup.Start(ctx); err != nil {
		m.setState(name, domain.ProjectStopped)
		return fmt.Errorf("start project %s: %w", name, err)
	}
	if err := entry.sup.WaitForReady(ctx, 20, 500*time.Millisecond); err != nil {
		return fmt.Errorf("project %s readiness: %w", name, err)
	}
	m.setState(name, domain.ProjectReady)
	return nil
}

// StartAll starts every registered project. A project that fails to start
// is logged and skipped; the rest keep going.
func (m *Manager) StartAll(ctx context.Context) {
	for _, name := range m.Names() {
		if err := m.Start(ctx, name); err != nil {
			slog.Error("Failed to start project", "project", name, "error", err)
		}
	}
}

// Stop terminates one project's subprocess.
func (m *Manager) Stop(ctx context.Context, name string) error {
	entry, err := m.get(name)
	if err != nil {
		return err
	}
	if err := entry.sup.Stop(ctx); err != nil {
		return fmt.Errorf("stop project %s: %w", name, err)
	}
	m.setState(name, domain.ProjectStopped)
	return nil
}

// StopAll terminates every running project subprocess.
func (m *Manager) StopAll(ctx context.Context) {
	for _, name := range m.Names() {
		if err := m.Stop(ctx, name); err != nil {
			slog.Warn("Failed to stop project", "project", name, "error", err)
		}
	}
}

// handleCrash is the recovery policy: restart only the crashed project.
func (m *Manager) handleCrash(name string, exitCode int, signal string) {
	slog.Warn("Project subprocess crashed",
		"project", name, "exit_code", exitCode, "signal", signal)
	m.setState(name, domain.ProjectCrashed)

	entry, err := m.get(name)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m.setState(name, domain.ProjectStarting)
	if err := entry.sup.Start(ctx); err != nil {
		slog.Error("Failed to restart crashed project", "project", name, "error", err)
		m.setState(name, domain.ProjectCrashed)
		return
	}
	if err := entry.sup.WaitForReady(ctx, 20, 500*time.Millisecond); err != nil {
		slog.Error("Restarted project never became ready", "project", name, "error", err)
		return
	}
	m.setState(name, domain.ProjectReady)
	slog.Info("Project restarted after crash", "project", name)
}

// AgentDo routes an orchestrator-issued request to a project's agent. The
// target project comes from the "project" query key; absent that, the
// default project serves the request.
func (m *Manager) AgentDo(ctx context.Context, method, path string, query map[string]string, body []byte) (int, []byte, error) {
	var entry *managed
	var err error
	if name, ok := query["project"]; ok {
		entry, err = m.get(name)
		if err == nil {
			// The agent has no notion of projects; strip the routing key.
			trimmed := make(map[string]string, len(query))
			for k, v := range query {
				if k != "project" {
					trimmed[k] = v
				}
			}
			query = trimmed
		}
	} else {
		entry, err = m.defaultProject()
	}
	if err != nil {
		return 0, nil, err
	}
	return entry.agent.Do(ctx, method, path, query, body)
}

// Ready reports whether any project's agent is serving.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.projects {
		if entry.project.State == domain.ProjectReady {
			return true
		}
	}
	return false
}

// SyncState assembles the authoritative session snapshot across all ready
// projects for a sync response.
func (m *Manager) SyncState(ctx context.Context) []protocol.SyncSession {
	var out []protocol.SyncSession
	for _, name := range m.Names() {
		entry, err := m.get(name)
		if err != nil || entry.project.State != domain.ProjectReady {
			continue
		}

		sessions, err := entry.agent.ListSessions(ctx)
		if err != nil {
			slog.Warn("Failed to list agent sessions for sync", "project", name, "error", err)
			continue
		}
		for _, session := range sessions {
			sync := protocol.SyncSession{
				ID:    session.ID,
				Title: session.Title,
				Slug:  session.Slug,
			}
			messages, err := entry.agent.ListMessages(ctx, session.ID)
			if err != nil {
				slog.Warn("Failed to list agent messages for sync",
					"project", name, "session_id", session.ID, "error", err)
				continue
			}
			for _, msg := range messages {
				sync.Messages = append(sync.Messages, protocol.SyncMessage{
					ID:        msg.ID,
					Role:      msg.Role,
					Parts:     msg.Parts,
					Completed: msg.Completed,
					CreatedAt: msg.CreatedAt,
				})
			}
			out = append(out, sync)
		}
	}
	return out
}

// SubscribeAll attaches to every project's agent event stream, tagging each
// event with its project before forwarding.
func (m *Manager) SubscribeAll(ctx context.Context, fn func(project, eventType string, data json.RawMessage)) {
	for _, name := range m.Names() {
		entry, err := m.get(name)
		if err != nil {
			continue
		}
		go entry.agent.SubscribeLoop(ctx, func(eventType string, data json.RawMessage) {
			fn(name, eventType, data)
		})
	}
}
