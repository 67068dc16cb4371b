// Package session tracks live team sessions and their lifecycle.
package session

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/history"
	"github.com/crewd/crewd/internal/llm"
	"github.com/crewd/crewd/internal/metrics"
	"github.com/crewd/crewd/internal/team"
	v1 "github.com/crewd/crewd/pkg/api/v1"
)

// Environment variables consulted when a request omits a provider key.
var envKeyNames = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"kimi":      "KIMI_API_KEY",
}

// ErrSessionNotFound is returned for lookups of unknown session ids.
var ErrSessionNotFound = fmt.Errorf("session not found")

// Deps carries the infrastructure shared by every session.
type Deps struct {
	BaseDir       string
	Providers     llm.Factory
	Broadcaster   *events.Broadcaster
	Sink          history.Sink
	Usage         *metrics.TokenTracker
	Log           *logger.Logger
	Orchestration config.OrchestrationConfig
}

// Manager creates, tracks, and stops live sessions.
type Manager struct {
	deps Deps
	log  *logger.Logger

	mu      sync.Mutex
	engines map[string]*team.Engine
}

// NewManager creates an empty session manager.
func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:    deps,
		log:     deps.Log,
		engines: make(map[string]*team.Engine),
	}
}

// ResolveAPIKeys fills missing provider keys from the environment. Keys
// supplied in the request win.
func ResolveAPIKeys(keys map[string]string) map[string]string {
	resolved := make(map[string]string, len(keys))
	for provider, key := range keys {
		resolved[strings.ToLower(provider)] = key
	}
	for provider, envName := range envKeyNames {
		if resolved[provider] == "" {
			if v := os.Getenv(envName); v != "" {
				resolved[provider] = v
			}
		}
	}
	return resolved
}

// validate checks the roster before any disk or engine state is created.
func validate(req v1.SessionRequest, keys map[string]string) error {
	if len(req.Agents) == 0 {
		return fmt.Errorf("session needs at least one agent")
	}
	for _, agent := range req.Agents {
		if agent.Model != "" && !llm.ValidModel(agent.Model) {
			return fmt.Errorf("unknown model: %s", agent.Model)
		}
		provider := strings.ToLower(agent.Provider)
		if provider != "ollama" && keys[provider] == "" {
			return fmt.Errorf("missing API key for provider: %s", agent.Provider)
		}
	}
	return nil
}

// Create builds a session from the request, records it in the history
// sink with API keys stripped, and starts its scheduler.
func (m *Manager) Create(req v1.SessionRequest) (*team.Engine, error) {
	keys := ResolveAPIKeys(req.APIKeys)
	if err := validate(req, keys); err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	engine, err := team.NewEngine(sessionID, req.Agents, keys, team.Deps{
		BaseDir:       m.deps.BaseDir,
		Providers:     m.deps.Providers,
		Broadcaster:   m.deps.Broadcaster,
		Sink:          m.deps.Sink,
		Usage:         m.deps.Usage,
		Log:           m.deps.Log,
		Orchestration: m.deps.Orchestration,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.engines[sessionID] = engine
	m.mu.Unlock()

	agentCfgs := make([]map[string]any, len(req.Agents))
	for i, a := range req.Agents {
		agentCfgs[i] = map[string]any{
			"name":        a.Name,
			"provider":    a.Provider,
			"model":       a.Model,
			"role":        a.Role,
			"connections": a.Connections,
		}
	}
	m.deps.Sink.SaveSession(sessionID, engine.AgentNames(), map[string]any{"agents": agentCfgs})

	engine.Start()
	m.log.Info("session started",
		zap.String("session_id", sessionID),
		zap.Strings("agents", engine.AgentNames()),
	)
	return engine, nil
}

// Get returns a live session's engine.
func (m *Manager) Get(sessionID string) (*team.Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	engine, ok := m.engines[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return engine, nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.engines)
}

// Stop gracefully ends a session and purges its state.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	engine, ok := m.engines[sessionID]
	delete(m.engines, sessionID)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	if err := engine.Stop(ctx); err != nil {
		return err
	}
	if err := engine.Cleanup(); err != nil {
		m.log.Warn("session cleanup failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	m.deps.Broadcaster.Cleanup(sessionID)
	m.deps.Usage.ClearSession(sessionID)
	m.log.Info("session stopped", zap.String("session_id", sessionID))
	return nil
}

// StopAll drains every live session, used at server shutdown.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.engines))
	for id := range m.engines {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := m.Stop(gctx, id); err != nil && err != ErrSessionNotFound {
				m.log.Warn("session drain failed", zap.String("session_id", id), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}
