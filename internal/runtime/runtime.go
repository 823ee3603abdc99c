// Package runtime owns live agent sessions: one Runtime per session wires
// the agent's event stream to the bound connection, dispatches inbound
// commands, and survives reconnects without restarting the agent.
package runtime

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pi-dev/pi-server/internal/agent"
	"github.com/pi-dev/pi-server/internal/events"
	"github.com/pi-dev/pi-server/internal/store"
	"github.com/pi-dev/pi-server/protocol"
)

// Conn is the outbound half of a client connection. Send must be safe for
// concurrent use; errors mean the frame was dropped, never retried.
type Conn interface {
	Send(ev protocol.Event) error
	Close() error
}

// SkillExpander resolves a skill invocation to a prompt. ok is false for
// unknown or disabled skills.
type SkillExpander interface {
	Expand(name, args string) (prompt, label string, ok bool)
}

type Runtime struct {
	sessionID string
	userID    string
	workDir   string
	agent     agent.Agent
	unsub     func()
	st        *store.Store
	skills    SkillExpander
	logger    *slog.Logger
	onDispose func()

	mu           sync.Mutex
	conn         Conn
	disposed     bool
	assistantBuf strings.Builder
	activeSkill  string
	nextExecID   int
	execCancels  map[int]context.CancelFunc
}

// handleEvent is the agent subscription callback: translate, track turn
// state, persist completed assistant messages, and push to the socket.
func (r *Runtime) handleEvent(ev agent.Event) {
	switch ev.Kind {
	case agent.EventMessageUpdate:
		if ev.Update != nil && ev.Update.Kind == agent.UpdateTextDelta {
			r.mu.Lock()
			r.assistantBuf.WriteString(ev.Update.Delta)
			r.mu.Unlock()
		}
	case agent.EventMessageEnd:
		r.mu.Lock()
		content := r.assistantBuf.String()
		r.assistantBuf.Reset()
		r.mu.Unlock()
		if content != "" {
			if _, err := r.st.AppendMessage(r.sessionID, "assistant", content, time.Now().UnixMilli()); err != nil {
				r.logger.Error("persisting assistant message", "session_id", r.sessionID, "error", err)
			}
		}
	}

	out, ok := events.Translate(ev)
	if !ok {
		return
	}
	r.send(out)

	if ev.Kind == agent.EventAgentEnd {
		r.mu.Lock()
		skill := r.activeSkill
		r.activeSkill = ""
		r.mu.Unlock()
		if skill != "" {
			r.send(protocol.Event{Type: protocol.EventSkillEnd, Skill: skill})
		}
	}
}

// send delivers ev to the bound connection if one is open, dropping
// otherwise. The agent's progress never blocks on a slow or absent client;
// reconnect-with-history recovers what was missed.
func (r *Runtime) send(ev protocol.Event) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Send(ev); err != nil {
		r.logger.Debug("dropping event, send failed", "session_id", r.sessionID, "type", ev.Type)
	}
}

// Rebind swaps the active connection and returns the previous one, which the
// caller is responsible for closing. In-flight agent events flow to the new
// connection from the next send on.
func (r *Runtime) Rebind(conn Conn) Conn {
	r.mu.Lock()
	old := r.conn
	r.conn = conn
	r.mu.Unlock()
	return old
}

// Unbind detaches conn if it is still the bound one. Called when a
// connection closes; a rebound runtime keeps its newer connection.
func (r *Runtime) Unbind(conn Conn) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.mu.Unlock()
}

// HandleFrame processes one inbound wire frame. Frames of a session are
// handled sequentially by the connection's read loop.
func (r *Runtime) HandleFrame(ctx context.Context, data []byte) {
	cmd, err := protocol.ParseCommand(data)
	if err != nil {
		r.send(protocol.ErrorEvent("malformed command frame"))
		return
	}

	switch cmd.Type {
	case protocol.CommandPrompt:
		r.prompt(ctx, cmd.Message)
	case protocol.CommandSkillInvoke:
		r.invokeSkill(ctx, cmd.Skill, cmd.Args)
	case protocol.CommandAbort:
		r.Abort(ctx)
	case protocol.CommandSteer:
		r.steer(ctx, cmd.Message)
	case protocol.CommandCompact:
		if err := r.agent.Compact(ctx); err != nil {
			r.send(protocol.ErrorEvent("compact failed: " + err.Error()))
		}
	default:
		// Unknown types are ignored so older clients stay compatible.
	}
}

func (r *Runtime) prompt(ctx context.Context, message string) {
	if _, err := r.st.AppendMessage(r.sessionID, "user", message, time.Now().UnixMilli()); err != nil {
		r.logger.Error("persisting user message", "session_id", r.sessionID, "error", err)
	}
	if err := r.agent.Prompt(ctx, message); err != nil {
		r.send(protocol.ErrorEvent("prompt failed: " + err.Error()))
	}
}

func (r *Runtime) steer(ctx context.Context, message string) {
	if _, err := r.st.AppendMessage(r.sessionID, "user", message, time.Now().UnixMilli()); err != nil {
		r.logger.Error("persisting user message", "session_id", r.sessionID, "error", err)
	}
	if err := r.agent.Steer(ctx, message); err != nil {
		r.send(protocol.ErrorEvent("steer failed: " + err.Error()))
	}
}

func (r *Runtime) invokeSkill(ctx context.Context, name, args string) {
	expanded, label, ok := r.skills.Expand(name, args)
	if !ok {
		r.send(protocol.ErrorEvent("unknown or disabled skill: " + name))
		return
	}

	r.mu.Lock()
	r.activeSkill = name
	r.mu.Unlock()
	r.send(protocol.Event{Type: protocol.EventSkillStart, Skill: name, Label: label})
	r.prompt(ctx, expanded)
}

// Abort cancels the in-flight turn: running execs are SIGKILLed via their
// contexts, then the agent is told to stop.
func (r *Runtime) Abort(ctx context.Context) {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.execCancels))
	for _, cancel := range r.execCancels {
		cancels = append(cancels, cancel)
	}
	r.execCancels = map[int]context.CancelFunc{}
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	if err := r.agent.Abort(ctx); err != nil {
		r.send(protocol.ErrorEvent("abort failed: " + err.Error()))
	}
}

// execContext derives a cancellable context for one exec and registers it so
// Abort can kill the command.
func (r *Runtime) execContext(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	id := r.nextExecID
	r.nextExecID++
	r.execCancels[id] = cancel
	r.mu.Unlock()
	return ctx, func() {
		cancel()
		r.mu.Lock()
		delete(r.execCancels, id)
		r.mu.Unlock()
	}
}

// Dispose tears the runtime down: unsubscribe from the agent, close it, and
// detach the connection. Idempotent.
func (r *Runtime) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	r.conn = nil
	r.mu.Unlock()

	if r.unsub != nil {
		r.unsub()
	}
	if err := r.agent.Close(); err != nil {
		r.logger.Warn("closing agent", "session_id", r.sessionID, "error", err)
	}
	if r.onDispose != nil {
		r.onDispose()
	}
	r.logger.Info("runtime disposed", "session_id", r.sessionID)
}
