// Package events maps the agent SDK's event vocabulary onto the wire
// protocol sent to clients.
package events

import (
	"github.com/pi-dev/pi-server/internal/agent"
	"github.com/pi-dev/pi-server/protocol"
)

// Translate converts one SDK event to its wire form. The second return is
// false for events with no outward representation (thinking deltas, unknown
// kinds); those are dropped. Pure function, no state.
func Translate(ev agent.Event) (protocol.Event, bool) {
	switch ev.Kind {
	case agent.EventAgentStart:
		return protocol.Event{Type: protocol.EventAgentStart}, true

	case agent.EventMessageUpdate:
		if ev.Update == nil || ev.Update.Kind != agent.UpdateTextDelta {
			return protocol.Event{}, false
		}
		return protocol.Event{Type: protocol.EventMessageDelta, Text: ev.Update.Delta}, true

	case agent.EventMessageEnd:
		return protocol.Event{Type: protocol.EventMessageEnd}, true

	case agent.EventToolExecutionStart:
		return protocol.Event{
			Type:   protocol.EventToolStart,
			Tool:   ev.ToolName,
			ToolID: ev.ToolCallID,
			Args:   ev.Args,
		}, true

	case agent.EventToolExecutionEnd:
		return protocol.Event{
			Type:    protocol.EventToolEnd,
			Tool:    ev.ToolName,
			ToolID:  ev.ToolCallID,
			Result:  ev.Result,
			IsError: ev.IsError,
		}, true

	case agent.EventAgentEnd:
		return protocol.Event{Type: protocol.EventAgentEnd}, true

	case agent.EventContextUsage:
		out := protocol.Event{
			Type:          protocol.EventContextUsage,
			Tokens:        ev.Tokens,
			ContextWindow: ev.ContextWindow,
		}
		if ev.ContextWindow > 0 {
			out.Percent = float64(ev.Tokens) / float64(ev.ContextWindow) * 100
		}
		return out, true
	}
	return protocol.Event{}, false
}
