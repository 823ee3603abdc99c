package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pi-dev/pi-server/internal/agent"
	"github.com/pi-dev/pi-server/internal/config"
	"github.com/pi-dev/pi-server/internal/sandbox"
	"github.com/pi-dev/pi-server/internal/store"
)

// Deps are the collaborators a Table hands to each new Runtime.
type Deps struct {
	Store   *store.Store
	Sandbox *sandbox.Manager
	Skills  SkillExpander
	Factory agent.Factory
	Agent   config.Agent
	Logger  *slog.Logger
}

// Table is the process-wide registry of live runtimes, at most one per
// session.
type Table struct {
	deps Deps

	mu       sync.Mutex
	runtimes map[string]*Runtime
}

func NewTable(deps Deps) *Table {
	return &Table{deps: deps, runtimes: map[string]*Runtime{}}
}

// Open returns the session's runtime, binding conn to it. An existing
// runtime is rebound without touching its agent; the displaced connection
// (if any) is returned for the caller to close. Otherwise a new runtime is
// created: the user's sandbox is ensured (failure falls back to host
// execution with a log line), the agent is constructed, and its event stream
// is subscribed.
func (t *Table) Open(ctx context.Context, sessionID, workDir, userID string, conn Conn) (*Runtime, Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rt, ok := t.runtimes[sessionID]; ok {
		old := rt.Rebind(conn)
		return rt, old, nil
	}

	rt, err := t.create(ctx, sessionID, workDir, userID, conn)
	if err != nil {
		return nil, nil, err
	}
	t.runtimes[sessionID] = rt
	return rt, nil, nil
}

func (t *Table) create(ctx context.Context, sessionID, workDir, userID string, conn Conn) (*Runtime, error) {
	logger := t.deps.Logger

	sandboxed := false
	if t.deps.Sandbox.Enabled() && userID != "" {
		if _, err := t.deps.Sandbox.Ensure(ctx, userID); err != nil {
			logger.Warn("sandbox unavailable, running on host",
				"session_id", sessionID, "user_id", userID, "error", err)
		} else {
			sandboxed = true
		}
	}

	rt := &Runtime{
		sessionID:   sessionID,
		userID:      userID,
		workDir:     workDir,
		st:          t.deps.Store,
		skills:      t.deps.Skills,
		logger:      logger,
		conn:        conn,
		execCancels: map[int]context.CancelFunc{},
		onDispose:   func() { t.remove(sessionID) },
	}

	// The agent reasons about the container path when sandboxed; file tools
	// still hit host paths through the shared bind mount.
	displayCwd := workDir
	execFn := func(execCtx context.Context, command string, onData func([]byte)) (int, error) {
		execCtx, done := rt.execContext(execCtx)
		defer done()
		return sandbox.ExecHost(execCtx, command, workDir, sandbox.ExecOpts{OnData: onData})
	}
	if sandboxed {
		displayCwd = t.deps.Sandbox.ContainerPath(workDir)
		execFn = func(execCtx context.Context, command string, onData func([]byte)) (int, error) {
			execCtx, done := rt.execContext(execCtx)
			defer done()
			return t.deps.Sandbox.Exec(execCtx, userID, command, workDir, sandbox.ExecOpts{OnData: onData})
		}
	}

	ag, err := t.deps.Factory(agent.Config{
		Provider:      t.deps.Agent.Provider,
		Model:         t.deps.Agent.Model,
		ThinkingLevel: t.deps.Agent.ThinkingLevel,
		WorkspaceDir:  workDir,
		Tools: agent.Tools{
			Exec:       execFn,
			DisplayCwd: displayCwd,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating agent for session %s: %w", sessionID, err)
	}
	rt.agent = ag
	rt.unsub = ag.Subscribe(rt.handleEvent)

	logger.Info("runtime created", "session_id", sessionID, "user_id", userID, "sandboxed", sandboxed)
	return rt, nil
}

// Get returns the live runtime for sessionID, or nil.
func (t *Table) Get(sessionID string) *Runtime {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runtimes[sessionID]
}

func (t *Table) remove(sessionID string) {
	t.mu.Lock()
	delete(t.runtimes, sessionID)
	t.mu.Unlock()
}

// Dispose tears down the session's runtime, if live.
func (t *Table) Dispose(sessionID string) {
	t.mu.Lock()
	rt := t.runtimes[sessionID]
	t.mu.Unlock()
	if rt != nil {
		rt.Dispose()
	}
}

// DisposeAll tears down every live runtime, used at shutdown.
func (t *Table) DisposeAll() {
	t.mu.Lock()
	all := make([]*Runtime, 0, len(t.runtimes))
	for _, rt := range t.runtimes {
		all = append(all, rt)
	}
	t.mu.Unlock()
	for _, rt := range all {
		rt.Dispose()
	}
}
