package team

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/history"
	"github.com/crewd/crewd/internal/inbox"
	"github.com/crewd/crewd/internal/llm"
	"github.com/crewd/crewd/internal/metrics"
	"github.com/crewd/crewd/internal/protocol"
	"github.com/crewd/crewd/internal/task"
	v1 "github.com/crewd/crewd/pkg/api/v1"
)

// Message colors assigned to agents by roster index.
var palette = []string{"blue", "green", "orange", "purple"}

// Deps carries the shared infrastructure an engine needs.
type Deps struct {
	BaseDir       string
	Providers     llm.Factory
	Broadcaster   *events.Broadcaster
	Sink          history.Sink
	Usage         *metrics.TokenTracker
	Log           *logger.Logger
	Orchestration config.OrchestrationConfig
}

// Engine runs one session: it resolves the team hierarchy, constructs a
// runner per agent, and drives the scheduler loop until shutdown or
// idle timeout.
type Engine struct {
	sessionID string
	roster    []v1.AgentConfig
	topLeader string

	runners []*Runner
	byName  map[string]*Runner

	inbox *inbox.Store
	tasks *task.Store
	deps  Deps
	log   *logger.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	mu           sync.Mutex
	running      bool
	lastActivity time.Time
}

// NewEngine validates the roster, resolves the hierarchy, and builds the
// per-agent runners. apiKeys maps lowercase provider names to keys.
func NewEngine(sessionID string, roster []v1.AgentConfig, apiKeys map[string]string, deps Deps) (*Engine, error) {
	if len(roster) == 0 {
		return nil, fmt.Errorf("session needs at least one agent")
	}
	seen := make(map[string]bool, len(roster))
	for _, a := range roster {
		if a.Name == "" {
			return nil, fmt.Errorf("agent name must not be empty")
		}
		if seen[a.Name] {
			return nil, fmt.Errorf("duplicate agent name: %s", a.Name)
		}
		seen[a.Name] = true
	}

	inboxStore := inbox.NewStore(sessionID, deps.BaseDir)
	taskStore, err := task.NewStore(sessionID, deps.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("create task store: %w", err)
	}

	e := &Engine{
		sessionID: sessionID,
		roster:    roster,
		topLeader: resolveTopLeader(roster),
		byName:    make(map[string]*Runner, len(roster)),
		inbox:     inboxStore,
		tasks:     taskStore,
		deps:      deps,
		log:       deps.Log.WithSession(sessionID),
		done:      make(chan struct{}),
	}

	for i, agent := range roster {
		provider, err := deps.Providers(agent.Provider)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", agent.Name, err)
		}
		runner := NewRunner(agent, e.parentOf(agent), palette[i%len(palette)], roster, RunnerDeps{
			SessionID:      sessionID,
			Provider:       provider,
			APIKey:         apiKeys[strings.ToLower(agent.Provider)],
			Inbox:          inboxStore,
			Tasks:          taskStore,
			Broadcaster:    deps.Broadcaster,
			Sink:           deps.Sink,
			Usage:          deps.Usage,
			Log:            e.log,
			MaxToolLoops:   deps.Orchestration.MaxToolLoops,
			MaxHistory:     deps.Orchestration.MaxHistoryMessages,
			CompactionKeep: deps.Orchestration.CompactionKeep,
		})
		e.runners = append(e.runners, runner)
		e.byName[agent.Name] = runner
	}
	return e, nil
}

// resolveTopLeader picks the first agent with the leader role, falling
// back to the first agent in the roster.
func resolveTopLeader(roster []v1.AgentConfig) string {
	for _, a := range roster {
		if a.Role == v1.RoleLeader {
			return a.Name
		}
	}
	return roster[0].Name
}

// parentOf resolves an agent's leader: the first leader among its
// connections, falling back to the top leader. The top leader itself has
// no parent.
func (e *Engine) parentOf(agent v1.AgentConfig) string {
	if agent.Name == e.topLeader {
		return ""
	}
	for _, conn := range agent.Connections {
		for _, other := range e.roster {
			if other.Name == conn && other.Role == v1.RoleLeader {
				return conn
			}
		}
	}
	return e.topLeader
}

// SessionID returns the session this engine drives.
func (e *Engine) SessionID() string { return e.sessionID }

// TopLeader returns the name of the agent the user converses with.
func (e *Engine) TopLeader() string { return e.topLeader }

// AgentNames returns the roster names in order.
func (e *Engine) AgentNames() []string {
	names := make([]string, len(e.runners))
	for i, r := range e.runners {
		names[i] = r.Name()
	}
	return names
}

// Runner returns the runner for an agent, or nil.
func (e *Engine) Runner(name string) *Runner { return e.byName[name] }

// Running reports whether the scheduler loop is live.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Done is closed when the scheduler loop has exited.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Start launches the scheduler loop. The engine outlives the given
// context; use Stop to end the session.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.lastActivity = time.Now()
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.emit(events.TypeSessionStart, "", map[string]any{"agents": e.AgentNames()})
	go e.schedule(ctx)
}

func (e *Engine) emit(eventType, agent string, data map[string]any) {
	e.deps.Broadcaster.Broadcast(e.sessionID, events.New(eventType, e.sessionID, agent, data))
}

// schedule is the session loop: each round runs every agent with unread
// messages, waiting for all of them before the next readiness snapshot.
func (e *Engine) schedule(ctx context.Context) {
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		e.emit(events.TypeSessionEnd, "", nil)
		e.deps.Sink.EndSession(e.sessionID)
		close(e.done)
	}()

	var idle, lastNudge time.Duration
	for {
		if ctx.Err() != nil {
			return
		}

		ready := e.readyRunners()
		if len(ready) == 0 {
			if e.allDone() {
				e.log.Info("all agents shut down")
				return
			}
			if !sleepCtx(ctx, e.deps.Orchestration.IdleSleep) {
				return
			}
			idle += e.deps.Orchestration.IdleSleep
			if idle >= e.deps.Orchestration.NudgeInterval &&
				idle-lastNudge >= e.deps.Orchestration.NudgeInterval &&
				e.hasOpenTasks() {
				e.nudgeLeaders()
				lastNudge = idle
			}
			if idle >= e.deps.Orchestration.IdleTimeout {
				e.log.Info("session idle timeout", zap.Duration("idle", idle))
				return
			}
			continue
		}

		idle, lastNudge = 0, 0
		g, gctx := errgroup.WithContext(ctx)
		for _, r := range ready {
			r := r
			g.Go(func() error {
				if err := r.RunTurn(gctx); err != nil {
					e.log.Error("turn failed",
						zap.String("agent", r.Name()),
						zap.Error(err),
					)
					e.emit(events.TypeError, r.Name(), map[string]any{"error": err.Error()})
				}
				return nil
			})
		}
		g.Wait()

		e.mu.Lock()
		e.lastActivity = time.Now()
		e.mu.Unlock()

		if !sleepCtx(ctx, e.deps.Orchestration.RoundDelay) {
			return
		}
	}
}

func (e *Engine) readyRunners() []*Runner {
	var ready []*Runner
	for _, r := range e.runners {
		if r.Done() {
			continue
		}
		unread, err := r.HasUnread()
		if err != nil {
			e.log.Warn("inbox check failed", zap.String("agent", r.Name()), zap.Error(err))
			continue
		}
		if unread {
			ready = append(ready, r)
		}
	}
	return ready
}

func (e *Engine) allDone() bool {
	for _, r := range e.runners {
		if !r.Done() {
			return false
		}
	}
	return true
}

func (e *Engine) hasOpenTasks() bool {
	tasks, err := e.tasks.List()
	if err != nil {
		return false
	}
	for _, t := range tasks {
		if !t.Terminal() {
			return true
		}
	}
	return false
}

// nudgeLeaders reminds each leader about non-terminal tasks owned by its
// direct reports, or unassigned tasks for the top leader. The reminder
// arrives as a single plain message from "system".
func (e *Engine) nudgeLeaders() {
	tasks, err := e.tasks.List()
	if err != nil {
		e.log.Warn("nudge task listing failed", zap.Error(err))
		return
	}

	for _, leader := range e.runners {
		if !leader.IsLeader() || leader.Done() {
			continue
		}
		reports := make(map[string]bool)
		for _, conn := range leader.cfg.Connections {
			reports[conn] = true
		}
		isTop := leader.Name() == e.topLeader

		var lines []string
		for _, t := range tasks {
			if t.Terminal() {
				continue
			}
			if !reports[t.Owner] && !(isTop && t.Owner == "") {
				continue
			}
			owner := t.Owner
			if owner == "" {
				owner = "unassigned"
			}
			lines = append(lines, fmt.Sprintf("#%s %s [%s] owner: %s - %s",
				t.ID, t.Subject, t.Status, owner, e.taskAnnotation(t)))
		}
		if len(lines) == 0 {
			continue
		}

		text := "Reminder, these tasks are still open:\n" + strings.Join(lines, "\n")
		msg := protocol.NewMessage("system", text, "open task reminder", "")
		if err := e.inbox.Append(leader.Name(), msg); err != nil {
			e.log.Warn("nudge delivery failed", zap.String("leader", leader.Name()), zap.Error(err))
			continue
		}
		e.emit(events.TypeAgentMessage, "system", map[string]any{
			"to":      leader.Name(),
			"summary": msg.Summary,
		})
		e.deps.Sink.SaveMessage(e.sessionID, leader.Name(), msg)
	}
}

// taskAnnotation describes how stale a task looks based on its owner's
// activity.
func (e *Engine) taskAnnotation(t *task.Task) string {
	owner := e.byName[t.Owner]
	if owner != nil && owner.Turns() == 0 {
		return "never ran a turn"
	}
	since := e.idleSince(owner)
	switch t.Status {
	case task.StatusInProgress:
		return fmt.Sprintf("working (last active %ds ago)", int(since.Seconds()))
	default:
		return fmt.Sprintf("NOT STARTED, idle %ds", int(since.Seconds()))
	}
}

func (e *Engine) idleSince(owner *Runner) time.Duration {
	if owner != nil {
		if last := owner.LastActive(); !last.IsZero() {
			return time.Since(last)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Since(e.lastActivity)
}

// SendUserMessage delivers user text to an agent's inbox. An empty
// target addresses the top leader.
func (e *Engine) SendUserMessage(text, target string) error {
	if target == "" {
		target = e.topLeader
	}
	if _, ok := e.byName[target]; !ok {
		return fmt.Errorf("unknown agent: %s", target)
	}
	msg := protocol.NewMessage("user", text, "", "")
	if err := e.inbox.Append(target, msg); err != nil {
		return err
	}
	e.emit(events.TypeAgentMessage, "user", map[string]any{
		"to":      target,
		"summary": msg.Summary,
	})
	e.deps.Sink.SaveMessage(e.sessionID, target, msg)
	return nil
}

// Stop ends the session: every agent gets a shutdown_request from
// "system", then the scheduler is cancelled and awaited.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		requestID := uuid.NewString()
		for _, r := range e.runners {
			env := protocol.NewShutdownRequest("system", "session ending", requestID)
			env.Target = r.Name()
			if err := e.inbox.Append(r.Name(), protocol.NewEnvelopeMessage(env)); err != nil {
				e.log.Warn("shutdown request delivery failed",
					zap.String("agent", r.Name()),
					zap.Error(err),
				)
			}
		}
		e.emit(events.TypeProtocolMessage, "system", map[string]any{
			"type":       protocol.TypeShutdownRequest,
			"reason":     "session ending",
			"request_id": requestID,
		})
		if e.cancel != nil {
			e.cancel()
		}
	})

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cleanup purges the session's on-disk state.
func (e *Engine) Cleanup() error {
	if err := e.tasks.Cleanup(); err != nil {
		return err
	}
	return e.inbox.Cleanup()
}

// sleepCtx sleeps for d unless the context ends first. It reports
// whether the full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
