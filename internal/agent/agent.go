// Package agent defines the boundary to the agent SDK: the handle a session
// runtime drives, and the internal event vocabulary the SDK emits. The SDK
// itself is an external collaborator; the server only depends on this
// interface.
package agent

import "context"

// EventKind enumerates the SDK's event vocabulary.
type EventKind string

const (
	EventAgentStart         EventKind = "agent_start"
	EventMessageUpdate      EventKind = "message_update"
	EventMessageEnd         EventKind = "message_end"
	EventToolExecutionStart EventKind = "tool_execution_start"
	EventToolExecutionEnd   EventKind = "tool_execution_end"
	EventAgentEnd           EventKind = "agent_end"
	EventContextUsage       EventKind = "context_usage"
)

// UpdateKind discriminates the nested payload of a message_update.
type UpdateKind string

const (
	UpdateTextDelta     UpdateKind = "text_delta"
	UpdateThinkingDelta UpdateKind = "thinking_delta"
)

// Update is the nested streaming payload inside a message_update event.
type Update struct {
	Kind  UpdateKind
	Delta string
}

// Event is one SDK event. Fields are populated per kind.
type Event struct {
	Kind EventKind

	Update *Update // message_update

	// tool_execution_start / tool_execution_end
	ToolName   string
	ToolCallID string
	Args       map[string]any
	Result     string
	IsError    bool

	// context_usage
	Tokens        int
	ContextWindow int
}

// ExecFunc runs a shell command for the agent's bash tool, streaming output
// through onData, and returns the exit code.
type ExecFunc func(ctx context.Context, command string, onData func([]byte)) (int, error)

// Tools carries the server-side capabilities handed to a new agent.
type Tools struct {
	// Exec backs the bash tool. Nil disables it.
	Exec ExecFunc
	// DisplayCwd is the working directory shown to the model, which may be a
	// container path rather than the host workspace.
	DisplayCwd string
}

// Config selects the model for one agent handle.
type Config struct {
	Provider      string
	Model         string
	ThinkingLevel string
	SystemPrompt  string
	WorkspaceDir  string
	Tools         Tools
}

// Agent is one live model session. Implementations own the conversation
// state; the server persists transcripts separately.
//
// Prompt, Steer, and Compact are long-running; they return once the turn is
// accepted, and progress arrives through the subscription. Abort cancels the
// in-flight turn.
type Agent interface {
	Prompt(ctx context.Context, message string) error
	Steer(ctx context.Context, message string) error
	Abort(ctx context.Context) error
	Compact(ctx context.Context) error

	// Subscribe registers fn for every subsequent event. fn is called on the
	// agent's event loop and must not block. The returned func unsubscribes.
	Subscribe(fn func(Event)) (unsubscribe func())

	Close() error
}

// Factory creates agent handles; injected so tests can script them.
type Factory func(cfg Config) (Agent, error)
