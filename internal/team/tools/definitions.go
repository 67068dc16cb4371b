// Package tools defines the five team tools exposed to agents and the
// executor that routes tool calls to the inbox and task stores.
package tools

import "github.com/crewd/crewd/internal/llm"

// Tool names. Case-sensitive identifiers as sent to the model.
const (
	ToolSendMessage = "SendMessage"
	ToolTaskCreate  = "TaskCreate"
	ToolTaskUpdate  = "TaskUpdate"
	ToolTaskList    = "TaskList"
	ToolTaskGet     = "TaskGet"
)

// SendMessage type values. Beyond plain messages and broadcasts, agents
// can emit protocol envelopes through the same tool.
const (
	SendTypeMessage              = "message"
	SendTypeBroadcast            = "broadcast"
	SendTypeShutdownRequest      = "shutdown_request"
	SendTypeShutdownResponse     = "shutdown_response"
	SendTypePlanApprovalRequest  = "plan_approval_request"
	SendTypePlanApprovalResponse = "plan_approval_response"
)

// Definitions returns the tool schemas exposed to the model.
func Definitions() []llm.ToolDef {
	return []llm.ToolDef{
		{
			Name:        ToolSendMessage,
			Description: "Send a message to another agent on the team.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"type": map[string]any{
						"type": "string",
						"enum": []string{
							SendTypeMessage,
							SendTypeBroadcast,
							SendTypeShutdownRequest,
							SendTypeShutdownResponse,
							SendTypePlanApprovalRequest,
							SendTypePlanApprovalResponse,
						},
						"description": "message = DM to one agent, broadcast = all agents; the remaining values send protocol envelopes",
					},
					"recipient": map[string]any{
						"type":        "string",
						"description": "Name of the recipient agent (required for every type except broadcast)",
					},
					"content": map[string]any{
						"type":        "string",
						"description": "The message text (reason or plan for protocol types)",
					},
					"summary": map[string]any{
						"type":        "string",
						"description": "Short 5-10 word summary",
					},
					"request_id": map[string]any{
						"type":        "string",
						"description": "Correlation id for protocol requests and responses",
					},
					"approve": map[string]any{
						"type":        "boolean",
						"description": "Approval decision (type=plan_approval_response)",
					},
				},
				"required": []string{"type", "content"},
			},
		},
		{
			Name:        ToolTaskCreate,
			Description: "Create a new task in the shared task list.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"subject":     map[string]any{"type": "string", "description": "Brief task title"},
					"description": map[string]any{"type": "string", "description": "Detailed description"},
					"owner":       map[string]any{"type": "string", "description": "Agent the task is assigned to"},
					"activeForm":  map[string]any{"type": "string", "description": "Present continuous form for spinner"},
					"metadata":    map[string]any{"type": "object", "description": "Arbitrary key/value annotations"},
				},
				"required": []string{"subject", "description"},
			},
		},
		{
			Name:        ToolTaskUpdate,
			Description: "Update an existing task's status, owner, or details.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"taskId":       map[string]any{"type": "string", "description": "ID of the task to update"},
					"status":       map[string]any{"type": "string", "enum": []string{"pending", "in_progress", "completed", "deleted"}},
					"owner":        map[string]any{"type": "string"},
					"subject":      map[string]any{"type": "string"},
					"description":  map[string]any{"type": "string"},
					"activeForm":   map[string]any{"type": "string"},
					"addBlockedBy": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"addBlocks":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"metadata":     map[string]any{"type": "object", "description": "Keys merge into existing metadata; null deletes a key"},
				},
				"required": []string{"taskId"},
			},
		},
		{
			Name:        ToolTaskList,
			Description: "List all tasks in the shared task list.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        ToolTaskGet,
			Description: "Get a single task by ID.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"taskId": map[string]any{"type": "string", "description": "The task ID"},
				},
				"required": []string{"taskId"},
			},
		},
	}
}
