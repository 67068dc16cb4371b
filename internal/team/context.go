// Package team implements the orchestration core: per-agent turn
// engines, context assembly, and the session scheduler.
package team

import (
	"fmt"
	"strings"

	"github.com/crewd/crewd/internal/inbox"
	"github.com/crewd/crewd/internal/llm"
	"github.com/crewd/crewd/internal/protocol"
	"github.com/crewd/crewd/internal/task"
	"github.com/crewd/crewd/internal/team/tools"
	v1 "github.com/crewd/crewd/pkg/api/v1"
)

const connectionExcerptLen = 200

const leaderInstructions = `# Leader Instructions
You lead this team. Never do the work yourself:
- Decompose the problem into sub-tasks with TaskCreate.
- Assign each sub-task to a teammate with TaskUpdate (set the owner).
- Wait for teammates to report completion, then review their work.
- If a teammate is unresponsive: follow up once on pending tasks, be
  patient while a task is in_progress, reassign after a follow-up went
  unanswered, and only as a last resort do the work yourself.
- When all sub-tasks are complete, either send a consolidated report to
  your own leader and request shutdown, or, if you report to the user
  directly, produce the final text response.`

const teammateInstructions = `# Teammate Instructions
You execute tasks assigned to you:
- Do the work described in your assigned task.
- Send the complete deliverable back to your leader via SendMessage.
- Mark your assigned task completed with TaskUpdate.
- Then send a shutdown_request to your leader via SendMessage.`

// ContextBuilder assembles the model request for one agent's turn. The
// system prompt is rebuilt from scratch every turn so it always reflects
// the current task list and team shape.
type ContextBuilder struct {
	inbox  *inbox.Store
	tasks  *task.Store
	cfg    v1.AgentConfig
	roster []v1.AgentConfig
	parent string
}

// NewContextBuilder creates a builder for one agent. parent is empty for
// the top leader.
func NewContextBuilder(inboxStore *inbox.Store, taskStore *task.Store, cfg v1.AgentConfig, roster []v1.AgentConfig, parent string) *ContextBuilder {
	return &ContextBuilder{
		inbox:  inboxStore,
		tasks:  taskStore,
		cfg:    cfg,
		roster: roster,
		parent: parent,
	}
}

func (b *ContextBuilder) rosterConfig(name string) *v1.AgentConfig {
	for i := range b.roster {
		if b.roster[i].Name == name {
			return &b.roster[i]
		}
	}
	return nil
}

// inScope reports whether a task belongs to this agent's scoped view:
// owned by the agent, owned by a direct connection, or unassigned.
func (b *ContextBuilder) inScope(t *task.Task) bool {
	if t.Owner == "" || t.Owner == b.cfg.Name {
		return true
	}
	for _, conn := range b.cfg.Connections {
		if t.Owner == conn {
			return true
		}
	}
	return false
}

// BuildSystemPrompt renders the full per-turn system prompt.
func (b *ContextBuilder) BuildSystemPrompt() (string, error) {
	var sb strings.Builder
	sb.WriteString(b.cfg.SystemPrompt)
	sb.WriteString("\n\n# Team Context\n")
	fmt.Fprintf(&sb, "You are agent %q on a team.\n", b.cfg.Name)
	if b.parent != "" {
		fmt.Fprintf(&sb, "You report to %q.\n", b.parent)
	}

	if len(b.cfg.Connections) > 0 {
		sb.WriteString("\nYour direct connections:\n")
		for _, conn := range b.cfg.Connections {
			role := v1.RoleTeammate
			excerpt := ""
			if cfg := b.rosterConfig(conn); cfg != nil {
				if cfg.Role == v1.RoleLeader {
					role = v1.RoleLeader
				}
				excerpt = protocol.Truncate(cfg.SystemPrompt, connectionExcerptLen)
			}
			fmt.Fprintf(&sb, "- %s (%s): %s\n", conn, role, excerpt)
		}
	}

	sb.WriteString(`
You have the following tools available:
- SendMessage: Send a message to a teammate (type=message) or broadcast to all (type=broadcast)
- TaskCreate: Create a new task in the shared task list
- TaskUpdate: Update a task's status, owner, or details
- TaskList: List all tasks
- TaskGet: Get details of a specific task

When using SendMessage, always specify the recipient by name.
`)

	allTasks, err := b.tasks.List()
	if err != nil {
		return "", err
	}
	var scoped []*task.Task
	for _, t := range allTasks {
		if b.inScope(t) {
			scoped = append(scoped, t)
		}
	}
	if len(scoped) > 0 {
		sb.WriteString("\nCurrent tasks:\n")
		for _, t := range scoped {
			owner := t.Owner
			if owner == "" {
				owner = "unassigned"
			}
			blocked := ""
			if len(t.BlockedBy) > 0 {
				blocked = fmt.Sprintf(" (blocked by: %s)", strings.Join(t.BlockedBy, ", "))
			}
			fmt.Fprintf(&sb, "  #%s [%s] %s - owner: %s%s\n", t.ID, t.Status, t.Subject, owner, blocked)
		}
	}

	sb.WriteString("\n")
	if b.cfg.Role == v1.RoleLeader {
		sb.WriteString(leaderInstructions)
	} else {
		sb.WriteString(teammateInstructions)
	}
	return sb.String(), nil
}

// BuildMessages assembles the full message list for one model call:
// system prompt, persistent history, then the consumed unread inbox as a
// single user message. Protocol envelopes are labeled distinctly so the
// model can tell coordination traffic from content.
func (b *ContextBuilder) BuildMessages(history []llm.ChatMessage) ([]llm.ChatMessage, error) {
	systemPrompt, err := b.BuildSystemPrompt()
	if err != nil {
		return nil, err
	}
	messages := make([]llm.ChatMessage, 0, len(history)+2)
	messages = append(messages, llm.ChatMessage{Role: "system", Content: systemPrompt})
	messages = append(messages, history...)

	unread, err := b.inbox.ReadUnread(b.cfg.Name)
	if err != nil {
		return nil, err
	}
	if len(unread) > 0 {
		parts := make([]string, 0, len(unread))
		for _, m := range unread {
			if env := protocol.ParseEnvelope(m.Text); env != nil {
				parts = append(parts, fmt.Sprintf("[Protocol: %s from %s]", env.Type, m.From))
			} else {
				parts = append(parts, fmt.Sprintf("[Message from %s]: %s", m.From, m.Text))
			}
		}
		messages = append(messages, llm.ChatMessage{Role: "user", Content: strings.Join(parts, "\n\n")})
	}
	return messages, nil
}

// ToolDefinitions returns the tool schemas for this agent.
func (b *ContextBuilder) ToolDefinitions() []llm.ToolDef {
	return tools.Definitions()
}
