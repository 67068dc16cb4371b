// Package protocol defines the inbox message format and the JSON-in-JSON
// protocol envelopes agents exchange for coordination (idle notifications,
// shutdown handshakes, task assignment and completion, plan approval).
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope types carried in a message's text field.
const (
	TypeIdleNotification     = "idle_notification"
	TypeShutdownRequest      = "shutdown_request"
	TypeShutdownApproved     = "shutdown_approved"
	TypeTaskAssignment       = "task_assignment"
	TypeTaskCompleted        = "task_completed"
	TypePlanApprovalRequest  = "plan_approval_request"
	TypePlanApprovalResponse = "plan_approval_response"
)

// Message is one entry in an agent's inbox. Text is either human-readable
// content or a serialized Envelope.
type Message struct {
	From      string `json:"from"`
	Text      string `json:"text"`
	Summary   string `json:"summary"`
	Timestamp string `json:"timestamp"`
	Color     string `json:"color,omitempty"`
	Read      bool   `json:"read"`
}

// Envelope is a typed protocol event serialized into a Message's text
// field. Only the fields relevant to a given type are populated.
type Envelope struct {
	Type        string `json:"type"`
	From        string `json:"from"`
	Timestamp   string `json:"timestamp,omitempty"`
	Reason      string `json:"reason,omitempty"`
	IdleReason  string `json:"idleReason,omitempty"`
	TaskID      string `json:"taskId,omitempty"`
	TaskSubject string `json:"taskSubject,omitempty"`
	RequestID   string `json:"requestId,omitempty"`
	Approve     *bool  `json:"approve,omitempty"`
	Plan        string `json:"plan,omitempty"`
	// Target names the intended recipient on fan-out envelopes.
	Target string `json:"target,omitempty"`
}

// Now returns the current UTC time in the wire timestamp format.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// NewMessage creates a plain inbox message. The summary defaults to the
// first 80 characters of the text.
func NewMessage(from, text, summary, color string) Message {
	if summary == "" {
		summary = Truncate(text, 80)
	}
	return Message{
		From:      from,
		Text:      text,
		Summary:   summary,
		Timestamp: Now(),
		Color:     color,
	}
}

// NewEnvelopeMessage wraps an envelope into an inbox message, serializing
// it into the text field. The timestamp is stamped if unset.
func NewEnvelopeMessage(env Envelope) Message {
	if env.Timestamp == "" {
		env.Timestamp = Now()
	}
	payload, _ := json.Marshal(env)
	return Message{
		From:      env.From,
		Text:      string(payload),
		Summary:   fmt.Sprintf("%s from %s", env.Type, env.From),
		Timestamp: env.Timestamp,
	}
}

// ParseEnvelope tries to decode a message text as a protocol envelope.
// It returns nil when the text is not a JSON object with a type field,
// meaning the message is plain text.
func ParseEnvelope(text string) *Envelope {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &probe); err != nil {
		return nil
	}
	if _, ok := probe["type"]; !ok {
		return nil
	}
	var env Envelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		return nil
	}
	if env.Type == "" {
		return nil
	}
	return &env
}

// Serialize returns the envelope as its JSON wire form.
func (e Envelope) Serialize() string {
	payload, _ := json.Marshal(e)
	return string(payload)
}

// NewIdleNotification reports that an agent finished its turn and is
// available for more work.
func NewIdleNotification(from, reason string) Envelope {
	if reason == "" {
		reason = "available"
	}
	return Envelope{Type: TypeIdleNotification, From: from, IdleReason: reason}
}

// NewShutdownRequest asks an agent to wind down.
func NewShutdownRequest(from, reason, requestID string) Envelope {
	return Envelope{Type: TypeShutdownRequest, From: from, Reason: reason, RequestID: requestID}
}

// NewShutdownApproved acknowledges a shutdown request, echoing its
// request id when present.
func NewShutdownApproved(from, requestID string) Envelope {
	return Envelope{Type: TypeShutdownApproved, From: from, RequestID: requestID}
}

// NewTaskAssignment notifies an agent that a task was assigned to it.
func NewTaskAssignment(from, taskID, taskSubject string) Envelope {
	return Envelope{Type: TypeTaskAssignment, From: from, TaskID: taskID, TaskSubject: taskSubject}
}

// NewTaskCompleted notifies a leader that a task owned by a report is done.
func NewTaskCompleted(from, taskID, taskSubject string) Envelope {
	return Envelope{Type: TypeTaskCompleted, From: from, TaskID: taskID, TaskSubject: taskSubject}
}

// NewPlanApprovalRequest asks a leader to approve a proposed plan.
func NewPlanApprovalRequest(from, plan, requestID string) Envelope {
	return Envelope{Type: TypePlanApprovalRequest, From: from, Plan: plan, RequestID: requestID}
}

// NewPlanApprovalResponse answers a plan approval request.
func NewPlanApprovalResponse(from string, approve bool, requestID string) Envelope {
	return Envelope{Type: TypePlanApprovalResponse, From: from, Approve: &approve, RequestID: requestID}
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
