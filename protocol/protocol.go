// Package protocol defines the JSON frame types exchanged over a session's
// bidirectional stream: outbound events (server → client) and inbound
// commands (client → server).
package protocol

import "encoding/json"

// EventType enumerates the outbound event alphabet.
type EventType string

const (
	EventAgentStart   EventType = "agent_start"
	EventMessageDelta EventType = "message_delta"
	EventMessageEnd   EventType = "message_end"
	EventToolStart    EventType = "tool_start"
	EventToolEnd      EventType = "tool_end"
	EventAgentEnd     EventType = "agent_end"
	EventSkillStart   EventType = "skill_start"
	EventSkillEnd     EventType = "skill_end"
	EventFilesChanged EventType = "files_changed"
	EventContextUsage EventType = "context_usage"
	EventError        EventType = "error"
)

// Event is the envelope sent server → client. Fields are populated per type.
type Event struct {
	Type EventType `json:"type"`

	// message_delta
	Text string `json:"text,omitempty"`

	// tool_start / tool_end
	Tool    string         `json:"tool,omitempty"`
	ToolID  string         `json:"tool_id,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	Result  string         `json:"result,omitempty"`
	IsError bool           `json:"is_error,omitempty"`

	// skill_start / skill_end
	Skill string `json:"skill,omitempty"`
	Label string `json:"label,omitempty"`

	// files_changed
	Paths []string `json:"paths,omitempty"`

	// context_usage
	Tokens        int     `json:"tokens,omitempty"`
	ContextWindow int     `json:"context_window,omitempty"`
	Percent       float64 `json:"percent,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// CommandType enumerates the inbound command alphabet.
type CommandType string

const (
	CommandPrompt      CommandType = "prompt"
	CommandSkillInvoke CommandType = "skill_invoke"
	CommandAbort       CommandType = "abort"
	CommandSteer       CommandType = "steer"
	CommandCompact     CommandType = "compact"
)

// Command is the envelope sent client → server.
type Command struct {
	Type    CommandType `json:"type"`
	Message string      `json:"message,omitempty"`

	// skill_invoke
	Skill string `json:"skill,omitempty"`
	Args  string `json:"args,omitempty"`
}

// ParseCommand decodes one inbound frame.
func ParseCommand(data []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// ErrorEvent builds an error frame.
func ErrorEvent(message string) Event {
	return Event{Type: EventError, Message: message}
}

// FilesChangedEvent builds a files_changed frame.
func FilesChangedEvent(paths []string) Event {
	return Event{Type: EventFilesChanged, Paths: paths}
}
