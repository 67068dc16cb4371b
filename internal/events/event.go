// Package events defines session lifecycle events and the per-session
// broadcaster that fans them out to stream subscribers.
package events

import "time"

// Event types emitted over a session's event stream.
const (
	TypeSessionStart    = "session_start"
	TypeSessionEnd      = "session_end"
	TypeTurnStart       = "turn_start"
	TypeTurnEnd         = "turn_end"
	TypeThinking        = "thinking"
	TypeAgentResponse   = "agent_response"
	TypeAgentMessage    = "agent_message"
	TypeToolCall        = "tool_call"
	TypeToolResult      = "tool_result"
	TypeProtocolMessage = "protocol_message"
	TypeTaskUpdate      = "task_update"
	TypeError           = "error"
)

// Event is one entry on a session's event stream.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Timestamp string         `json:"timestamp"`
	Agent     string         `json:"agent,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// New creates an event stamped with the current UTC time.
func New(eventType, sessionID, agent string, data map[string]any) Event {
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Agent:     agent,
		Data:      data,
	}
}
