package team

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/history"
	"github.com/crewd/crewd/internal/inbox"
	"github.com/crewd/crewd/internal/llm"
	"github.com/crewd/crewd/internal/metrics"
	"github.com/crewd/crewd/internal/protocol"
	"github.com/crewd/crewd/internal/task"
	"github.com/crewd/crewd/internal/team/tools"
	v1 "github.com/crewd/crewd/pkg/api/v1"
)

// RunnerDeps carries the shared infrastructure a runner needs.
type RunnerDeps struct {
	SessionID   string
	Provider    llm.Provider
	APIKey      string
	Inbox       *inbox.Store
	Tasks       *task.Store
	Broadcaster *events.Broadcaster
	Sink        history.Sink
	Usage       *metrics.TokenTracker
	Log         *logger.Logger

	MaxToolLoops   int
	MaxHistory     int
	CompactionKeep int
}

// Runner drives one agent: it consumes the inbox, calls the model,
// executes tool calls, and maintains the agent's persistent history.
// A runner is not safe for concurrent RunTurn calls; the scheduler
// runs at most one turn per agent at a time.
type Runner struct {
	sessionID string
	cfg       v1.AgentConfig
	parent    string
	color     string

	provider llm.Provider
	apiKey   string

	inbox       *inbox.Store
	builder     *ContextBuilder
	executor    *tools.Executor
	broadcaster *events.Broadcaster
	sink        history.Sink
	usage       *metrics.TokenTracker
	log         *logger.Logger

	maxToolLoops   int
	maxHistory     int
	compactionKeep int

	history []llm.ChatMessage

	mu         sync.Mutex
	done       bool
	turns      int
	lastActive time.Time
}

// NewRunner wires up one agent's runner. parent is empty for the top
// leader; color is the agent's assigned message color.
func NewRunner(cfg v1.AgentConfig, parent, color string, roster []v1.AgentConfig, deps RunnerDeps) *Runner {
	r := &Runner{
		sessionID:      deps.SessionID,
		cfg:            cfg,
		parent:         parent,
		color:          color,
		provider:       deps.Provider,
		apiKey:         deps.APIKey,
		inbox:          deps.Inbox,
		broadcaster:    deps.Broadcaster,
		sink:           deps.Sink,
		usage:          deps.Usage,
		log:            deps.Log.WithAgent(cfg.Name),
		maxToolLoops:   deps.MaxToolLoops,
		maxHistory:     deps.MaxHistory,
		compactionKeep: deps.CompactionKeep,
	}
	r.builder = NewContextBuilder(deps.Inbox, deps.Tasks, cfg, roster, parent)

	names := make([]string, len(roster))
	for i, a := range roster {
		names[i] = a.Name
	}
	r.executor = tools.NewExecutor(deps.Inbox, deps.Tasks, cfg.Name, color, names, tools.Callbacks{
		OnMessageSent:   r.onMessageSent,
		OnTaskChanged:   r.onTaskChanged,
		OnTaskAssigned:  r.onTaskAssigned,
		OnTaskCompleted: r.onTaskCompleted,
	})
	return r
}

// Name returns the agent's name.
func (r *Runner) Name() string { return r.cfg.Name }

// Parent returns the agent this runner reports to, empty for the top leader.
func (r *Runner) Parent() string { return r.parent }

// Color returns the agent's assigned message color.
func (r *Runner) Color() string { return r.color }

// IsLeader reports whether the agent has the leader role.
func (r *Runner) IsLeader() bool { return r.cfg.Role == v1.RoleLeader }

// Done reports whether the agent has completed its shutdown handshake.
func (r *Runner) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Turns returns how many turns the agent has run.
func (r *Runner) Turns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.turns
}

// LastActive returns when the agent last finished a turn. Zero until the
// first turn completes.
func (r *Runner) LastActive() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActive
}

// HasUnread reports whether the agent has pending inbox messages.
func (r *Runner) HasUnread() (bool, error) {
	return r.inbox.HasUnread(r.cfg.Name)
}

func (r *Runner) emit(eventType string, data map[string]any) {
	event := events.New(eventType, r.sessionID, r.cfg.Name, data)
	r.broadcaster.Broadcast(r.sessionID, event)
	switch eventType {
	case events.TypeTurnStart, events.TypeTurnEnd, events.TypeError:
		r.sink.SaveTurn(r.sessionID, r.cfg.Name, event)
	}
}

// RunTurn executes one full turn: shutdown handling, context assembly,
// and the model/tool loop.
func (r *Runner) RunTurn(ctx context.Context) error {
	handled, err := r.handleShutdownRequest()
	if err != nil {
		return err
	}
	if handled {
		return nil
	}

	r.emit(events.TypeTurnStart, nil)
	r.compactHistory()

	messages, err := r.builder.BuildMessages(r.history)
	if err != nil {
		r.emit(events.TypeError, map[string]any{"error": err.Error()})
		return err
	}

	var promptTokens, completionTokens int
	stopRequested := false
	loops := 0

	for loops = 0; loops < r.maxToolLoops; loops++ {
		r.emit(events.TypeThinking, map[string]any{"loop": loops})

		resp, err := r.provider.Chat(ctx, llm.Request{
			Messages: messages,
			Tools:    r.builder.ToolDefinitions(),
			APIKey:   r.apiKey,
			Model:    r.cfg.Model,
		})
		if err != nil {
			r.log.Error("provider call failed", zap.Error(err))
			r.emit(events.TypeError, map[string]any{"error": err.Error()})
			break
		}

		promptTokens += resp.Usage.PromptTokens
		completionTokens += resp.Usage.CompletionTokens
		r.usage.Record(r.sessionID, r.cfg.Name, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

		if resp.Content != "" {
			r.emit(events.TypeAgentResponse, map[string]any{"content": resp.Content})
			assistant := llm.ChatMessage{Role: "assistant", Content: resp.Content}
			messages = append(messages, assistant)
			r.history = append(r.history, assistant)
		}

		if len(resp.ToolCalls) == 0 {
			break
		}

		parts := make([]string, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			r.emit(events.TypeToolCall, map[string]any{"tool": call.Name, "args": call.Arguments})
			result := r.executor.Execute(call.Name, call.Arguments)
			r.emit(events.TypeToolResult, map[string]any{"tool": call.Name, "result": result})
			parts = append(parts, fmt.Sprintf("[Tool %s result]: %s", call.Name, result))

			if call.Name == tools.ToolSendMessage {
				if t, _ := call.Arguments["type"].(string); t == tools.SendTypeShutdownRequest {
					stopRequested = true
				}
			}
		}
		toolResults := llm.ChatMessage{Role: "user", Content: strings.Join(parts, "\n\n")}
		messages = append(messages, toolResults)
		r.history = append(r.history, toolResults)

		if stopRequested {
			break
		}
	}

	r.notifyIdle()

	r.mu.Lock()
	r.turns++
	r.lastActive = time.Now()
	r.mu.Unlock()

	r.emit(events.TypeTurnEnd, map[string]any{
		"prompt_tokens":     promptTokens,
		"completion_tokens": completionTokens,
		"tool_loops":        loops,
	})
	return nil
}

// handleShutdownRequest short-circuits the turn when a shutdown_request
// is waiting in the inbox: the agent approves without a model call,
// echoing the request id, and marks everything read.
func (r *Runner) handleShutdownRequest() (bool, error) {
	messages, err := r.inbox.ReadAll(r.cfg.Name)
	if err != nil {
		return false, err
	}
	var request *protocol.Envelope
	for _, m := range messages {
		if m.Read {
			continue
		}
		if env := protocol.ParseEnvelope(m.Text); env != nil && env.Type == protocol.TypeShutdownRequest {
			request = env
			break
		}
	}
	if request == nil {
		return false, nil
	}

	if r.parent != "" && r.parent != r.cfg.Name {
		env := protocol.NewShutdownApproved(r.cfg.Name, request.RequestID)
		msg := protocol.NewEnvelopeMessage(env)
		if err := r.inbox.Append(r.parent, msg); err != nil {
			return false, err
		}
		r.emit(events.TypeProtocolMessage, map[string]any{
			"to":   r.parent,
			"type": env.Type,
		})
		r.sink.SaveMessage(r.sessionID, r.parent, msg)
	}
	if _, err := r.inbox.MarkRead(r.cfg.Name, nil); err != nil {
		return false, err
	}

	r.mu.Lock()
	r.done = true
	r.lastActive = time.Now()
	r.mu.Unlock()

	r.log.Info("shutdown approved", zap.String("request_id", request.RequestID))
	r.emit(events.TypeTurnEnd, map[string]any{"shutdown": true})
	return true, nil
}

// compactHistory replaces all but the newest messages with a single
// marker once the history exceeds the configured limit.
func (r *Runner) compactHistory() {
	if len(r.history) <= r.maxHistory {
		return
	}
	dropped := len(r.history) - r.compactionKeep
	marker := llm.ChatMessage{
		Role:    "user",
		Content: fmt.Sprintf("[System: %d earlier messages were compacted to stay within the context window. Team context and task list are rebuilt in the system prompt above.]", dropped),
	}
	kept := r.history[len(r.history)-r.compactionKeep:]
	r.history = append([]llm.ChatMessage{marker}, kept...)
	r.log.Debug("history compacted",
		zap.Int("dropped", dropped),
		zap.Int("kept", len(kept)),
	)
}

// notifyIdle tells the agent's leader that this turn ended and the agent
// is available. The top leader has no one to notify.
func (r *Runner) notifyIdle() {
	if r.parent == "" || r.parent == r.cfg.Name {
		return
	}
	env := protocol.NewIdleNotification(r.cfg.Name, "")
	msg := protocol.NewEnvelopeMessage(env)
	if err := r.inbox.Append(r.parent, msg); err != nil {
		r.log.Warn("idle notification failed", zap.Error(err))
		return
	}
	r.emit(events.TypeProtocolMessage, map[string]any{
		"to":   r.parent,
		"type": env.Type,
	})
	r.sink.SaveMessage(r.sessionID, r.parent, msg)
}

// History returns a copy of the agent's persistent conversation history.
func (r *Runner) History() []llm.ChatMessage {
	out := make([]llm.ChatMessage, len(r.history))
	copy(out, r.history)
	return out
}

func (r *Runner) onMessageSent(to string, msg protocol.Message) {
	if env := protocol.ParseEnvelope(msg.Text); env != nil {
		r.emit(events.TypeProtocolMessage, map[string]any{
			"to":   to,
			"type": env.Type,
		})
	} else {
		r.emit(events.TypeAgentMessage, map[string]any{
			"to":      to,
			"text":    msg.Text,
			"summary": msg.Summary,
		})
	}
	r.sink.SaveMessage(r.sessionID, to, msg)
}

func (r *Runner) onTaskChanged(t *task.Task) {
	r.emit(events.TypeTaskUpdate, map[string]any{"task": t})
	r.sink.SaveTask(r.sessionID, t)
}

// onTaskAssigned delivers a task_assignment envelope to the new owner so
// it sees the assignment on its next turn.
func (r *Runner) onTaskAssigned(owner string, t *task.Task) {
	if owner == r.cfg.Name {
		return
	}
	env := protocol.NewTaskAssignment(r.cfg.Name, t.ID, t.Subject)
	msg := protocol.NewEnvelopeMessage(env)
	if err := r.inbox.Append(owner, msg); err != nil {
		r.log.Warn("task assignment notification failed", zap.Error(err))
		return
	}
	r.emit(events.TypeProtocolMessage, map[string]any{
		"to":   owner,
		"type": env.Type,
		"task": t.ID,
	})
	r.sink.SaveMessage(r.sessionID, owner, msg)
}

// onTaskCompleted reports a completed task up to the agent's leader.
func (r *Runner) onTaskCompleted(t *task.Task) {
	if r.parent == "" || r.parent == r.cfg.Name {
		return
	}
	env := protocol.NewTaskCompleted(r.cfg.Name, t.ID, t.Subject)
	msg := protocol.NewEnvelopeMessage(env)
	if err := r.inbox.Append(r.parent, msg); err != nil {
		r.log.Warn("task completion notification failed", zap.Error(err))
		return
	}
	r.emit(events.TypeProtocolMessage, map[string]any{
		"to":   r.parent,
		"type": env.Type,
		"task": t.ID,
	})
	r.sink.SaveMessage(r.sessionID, r.parent, msg)
}
