package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/pi-dev/pi-server/internal/agent"
)

// newAgent selects the agent provider. "shell" is the built-in development
// provider that executes each prompt as a bash command through the session's
// exec tool; real model providers plug in through the same agent.Agent
// interface.
func newAgent(cfg agent.Config) (agent.Agent, error) {
	switch cfg.Provider {
	case "", "shell":
		return newShellAgent(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported agent provider %q", cfg.Provider)
	}
}

// shellAgent runs one turn per prompt: the prompt text is executed in the
// workspace and its output streamed back as message deltas, wrapped in the
// full tool event sequence so clients exercise the same wire protocol a
// model-backed agent produces.
type shellAgent struct {
	cfg agent.Config

	mu      sync.Mutex
	subs    map[int]func(agent.Event)
	nextSub int
	cancel  context.CancelFunc
	closed  bool
}

func newShellAgent(cfg agent.Config) *shellAgent {
	return &shellAgent{cfg: cfg, subs: map[int]func(agent.Event){}}
}

func (a *shellAgent) emit(ev agent.Event) {
	a.mu.Lock()
	subs := make([]func(agent.Event), 0, len(a.subs))
	for _, fn := range a.subs {
		subs = append(subs, fn)
	}
	a.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (a *shellAgent) Prompt(_ context.Context, message string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("agent closed")
	}
	turnCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.mu.Unlock()

	go a.runTurn(turnCtx, message)
	return nil
}

func (a *shellAgent) runTurn(ctx context.Context, command string) {
	a.emit(agent.Event{Kind: agent.EventAgentStart})

	toolID := uuid.New().String()
	a.emit(agent.Event{
		Kind:       agent.EventToolExecutionStart,
		ToolName:   "bash",
		ToolCallID: toolID,
		Args:       map[string]any{"command": command, "cwd": a.cfg.Tools.DisplayCwd},
	})

	var output string
	exitCode := 0
	var runErr error
	if a.cfg.Tools.Exec != nil {
		exitCode, runErr = a.cfg.Tools.Exec(ctx, command, func(data []byte) {
			output += string(data)
			a.emit(agent.Event{
				Kind:   agent.EventMessageUpdate,
				Update: &agent.Update{Kind: agent.UpdateTextDelta, Delta: string(data)},
			})
		})
	}

	result := output
	isError := exitCode != 0
	if runErr != nil {
		result = runErr.Error()
		isError = true
	}
	a.emit(agent.Event{
		Kind:       agent.EventToolExecutionEnd,
		ToolName:   "bash",
		ToolCallID: toolID,
		Result:     result,
		IsError:    isError,
	})
	a.emit(agent.Event{Kind: agent.EventMessageEnd})
	a.emit(agent.Event{Kind: agent.EventAgentEnd})
}

func (a *shellAgent) Steer(ctx context.Context, message string) error {
	return a.Prompt(ctx, message)
}

func (a *shellAgent) Abort(context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (a *shellAgent) Compact(context.Context) error { return nil }

func (a *shellAgent) Subscribe(fn func(agent.Event)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.subs, id)
	}
}

func (a *shellAgent) Close() error {
	a.mu.Lock()
	a.closed = true
	cancel := a.cancel
	a.subs = map[int]func(agent.Event){}
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
