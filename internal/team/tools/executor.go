package tools

import (
	"encoding/json"
	"fmt"

	"github.com/crewd/crewd/internal/inbox"
	"github.com/crewd/crewd/internal/protocol"
	"github.com/crewd/crewd/internal/task"
)

// Callbacks notify the turn engine about side effects of tool execution.
// Nil callbacks are skipped.
type Callbacks struct {
	// OnMessageSent fires after a message lands in a recipient's inbox.
	OnMessageSent func(to string, msg protocol.Message)
	// OnTaskChanged fires after any create or update that left the task
	// on disk.
	OnTaskChanged func(t *task.Task)
	// OnTaskAssigned fires when an update set a non-empty owner.
	OnTaskAssigned func(owner string, t *task.Task)
	// OnTaskCompleted fires when an update transitioned status to
	// completed.
	OnTaskCompleted func(t *task.Task)
}

// Executor routes tool calls from one agent to the stores. Tool failures
// are returned to the model as {"error": ...} payloads, never as Go
// errors: the model is expected to read the result and correct itself.
type Executor struct {
	inbox      *inbox.Store
	tasks      *task.Store
	agentName  string
	color      string
	teamAgents []string
	callbacks  Callbacks
}

// NewExecutor creates an executor acting on behalf of one agent.
func NewExecutor(inboxStore *inbox.Store, taskStore *task.Store, agentName, color string, teamAgents []string, callbacks Callbacks) *Executor {
	return &Executor{
		inbox:      inboxStore,
		tasks:      taskStore,
		agentName:  agentName,
		color:      color,
		teamAgents: teamAgents,
		callbacks:  callbacks,
	}
}

// Execute runs one tool call and returns the result as a string.
// Dict and list results are JSON-encoded.
func (e *Executor) Execute(toolName string, args map[string]any) string {
	var result any
	switch toolName {
	case ToolSendMessage:
		result = e.sendMessage(args)
	case ToolTaskCreate:
		result = e.taskCreate(args)
	case ToolTaskUpdate:
		result = e.taskUpdate(args)
	case ToolTaskList:
		result = e.taskList()
	case ToolTaskGet:
		result = e.taskGet(args)
	default:
		result = errResult(fmt.Sprintf("Unknown tool: %s", toolName))
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf(`{"error": "encode result: %v"}`, err)
	}
	return string(encoded)
}

func errResult(msg string) map[string]any {
	return map[string]any{"error": msg}
}

func (e *Executor) sendMessage(args map[string]any) any {
	msgType := stringArg(args, "type")
	if msgType == "" {
		msgType = SendTypeMessage
	}
	content := stringArg(args, "content")
	summary := stringArg(args, "summary")

	switch msgType {
	case SendTypeBroadcast:
		if content == "" {
			return errResult("content is required")
		}
		sentTo := []string{}
		for _, agent := range e.teamAgents {
			if agent == e.agentName {
				continue
			}
			msg := protocol.NewMessage(e.agentName, content, summary, e.color)
			if err := e.inbox.Append(agent, msg); err != nil {
				return errResult(err.Error())
			}
			sentTo = append(sentTo, agent)
			e.messageSent(agent, msg)
		}
		return map[string]any{"status": "broadcast_sent", "sent_to": sentTo}

	case SendTypeMessage:
		recipient := stringArg(args, "recipient")
		if recipient == "" {
			return errResult("recipient is required for type=message")
		}
		if content == "" {
			return errResult("content is required")
		}
		msg := protocol.NewMessage(e.agentName, content, summary, e.color)
		if err := e.inbox.Append(recipient, msg); err != nil {
			return errResult(err.Error())
		}
		e.messageSent(recipient, msg)
		return map[string]any{"status": "message_sent", "to": recipient}

	case SendTypeShutdownRequest, SendTypeShutdownResponse, SendTypePlanApprovalRequest, SendTypePlanApprovalResponse:
		return e.sendProtocol(msgType, args)

	default:
		return errResult(fmt.Sprintf("unknown message type: %s", msgType))
	}
}

// sendProtocol constructs the envelope for a protocol-typed SendMessage.
// The content argument becomes the reason (shutdown) or plan (approval).
func (e *Executor) sendProtocol(msgType string, args map[string]any) any {
	recipient := stringArg(args, "recipient")
	if recipient == "" {
		return errResult(fmt.Sprintf("recipient is required for type=%s", msgType))
	}
	requestID := stringArg(args, "request_id")
	content := stringArg(args, "content")

	var env protocol.Envelope
	switch msgType {
	case SendTypeShutdownRequest:
		env = protocol.NewShutdownRequest(e.agentName, content, requestID)
	case SendTypeShutdownResponse:
		env = protocol.NewShutdownApproved(e.agentName, requestID)
	case SendTypePlanApprovalRequest:
		env = protocol.NewPlanApprovalRequest(e.agentName, content, requestID)
	case SendTypePlanApprovalResponse:
		approve, _ := args["approve"].(bool)
		env = protocol.NewPlanApprovalResponse(e.agentName, approve, requestID)
	}

	msg := protocol.NewEnvelopeMessage(env)
	if err := e.inbox.Append(recipient, msg); err != nil {
		return errResult(err.Error())
	}
	e.messageSent(recipient, msg)
	return map[string]any{"status": "protocol_sent", "type": env.Type, "to": recipient}
}

func (e *Executor) messageSent(to string, msg protocol.Message) {
	if e.callbacks.OnMessageSent != nil {
		e.callbacks.OnMessageSent(to, msg)
	}
}

func (e *Executor) taskCreate(args map[string]any) any {
	subject := stringArg(args, "subject")
	if subject == "" {
		return errResult("subject is required")
	}
	metadata, _ := args["metadata"].(map[string]any)
	t, err := e.tasks.Create(
		subject,
		stringArg(args, "description"),
		stringArg(args, "owner"),
		stringArg(args, "activeForm"),
		metadata,
	)
	if err != nil {
		return errResult(err.Error())
	}
	if e.callbacks.OnTaskChanged != nil {
		e.callbacks.OnTaskChanged(t)
	}
	return t
}

func (e *Executor) taskUpdate(args map[string]any) any {
	taskID := stringArg(args, "taskId")
	if taskID == "" {
		return errResult("taskId is required")
	}
	updates := make(map[string]any, len(args))
	for k, v := range args {
		if k != "taskId" {
			updates[k] = v
		}
	}
	t, err := e.tasks.Update(taskID, updates)
	if err != nil {
		return errResult(err.Error())
	}
	if t == nil {
		return errResult(fmt.Sprintf("Task %s not found", taskID))
	}

	if owner, ok := updates["owner"]; ok && owner != nil && stringArg(updates, "owner") != "" {
		if e.callbacks.OnTaskAssigned != nil {
			e.callbacks.OnTaskAssigned(stringArg(updates, "owner"), t)
		}
	}
	if stringArg(updates, "status") == task.StatusCompleted {
		if e.callbacks.OnTaskCompleted != nil {
			e.callbacks.OnTaskCompleted(t)
		}
	}
	if !t.Deleted && e.callbacks.OnTaskChanged != nil {
		e.callbacks.OnTaskChanged(t)
	}
	return t
}

func (e *Executor) taskList() any {
	tasks, err := e.tasks.List()
	if err != nil {
		return errResult(err.Error())
	}
	return tasks
}

func (e *Executor) taskGet(args map[string]any) any {
	taskID := stringArg(args, "taskId")
	if taskID == "" {
		return errResult("taskId is required")
	}
	t, err := e.tasks.Get(taskID)
	if err != nil {
		return errResult(err.Error())
	}
	if t == nil {
		return errResult(fmt.Sprintf("Task %s not found", taskID))
	}
	return t
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
