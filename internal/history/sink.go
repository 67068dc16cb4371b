// Package history mirrors session activity to a secondary store for
// later replay. Writes are fire-and-forget: each call spawns a detached
// goroutine and swallows its own errors, so a slow or broken store never
// stalls a live session.
package history

import (
	"context"
	"fmt"

	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/protocol"
	"github.com/crewd/crewd/internal/task"
)

// SessionRecord is the stored summary of one session.
type SessionRecord struct {
	ID        string         `json:"id"`
	Agents    []string       `json:"agents"`
	Config    map[string]any `json:"config"`
	Status    string         `json:"status"`
	CreatedAt string         `json:"created_at"`
	EndedAt   string         `json:"ended_at,omitempty"`
}

// MessageRecord is one archived inter-agent message.
type MessageRecord struct {
	SessionID string `json:"session_id"`
	Agent     string `json:"agent"`
	FromAgent string `json:"from_agent"`
	Text      string `json:"text"`
	Summary   string `json:"summary"`
	Timestamp string `json:"timestamp"`
}

// TurnRecord is one archived agent lifecycle event.
type TurnRecord struct {
	SessionID string         `json:"session_id"`
	Agent     string         `json:"agent"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

// SessionDetail bundles everything archived for one session.
type SessionDetail struct {
	Session  SessionRecord   `json:"session"`
	Messages []MessageRecord `json:"messages"`
	Turns    []TurnRecord    `json:"turns"`
}

// Sink archives session activity. Write methods never return errors and
// never block on the underlying store.
type Sink interface {
	SaveSession(sessionID string, agents []string, cfg map[string]any)
	EndSession(sessionID string)
	SaveMessage(sessionID, agent string, msg protocol.Message)
	SaveTask(sessionID string, t *task.Task)
	SaveTurn(sessionID, agent string, event events.Event)

	Sessions(ctx context.Context, limit int) ([]SessionRecord, error)
	SessionDetail(ctx context.Context, sessionID string) (*SessionDetail, error)
	DeleteSession(ctx context.Context, sessionID string) error

	Close() error
}

// New builds the sink selected by the history configuration.
func New(ctx context.Context, cfg config.HistoryConfig, log *logger.Logger) (Sink, error) {
	switch cfg.Driver {
	case "", "none":
		return NewNoopSink(), nil
	case "sqlite":
		return NewSQLiteSink(cfg.Path, log)
	case "postgres":
		return NewPostgresSink(ctx, cfg.DatabaseURL, log)
	default:
		return nil, fmt.Errorf("unknown history driver: %q", cfg.Driver)
	}
}

// NoopSink discards everything. Used when history is disabled.
type NoopSink struct{}

// NewNoopSink returns a sink that stores nothing.
func NewNoopSink() *NoopSink { return &NoopSink{} }

func (s *NoopSink) SaveSession(string, []string, map[string]any)      {}
func (s *NoopSink) EndSession(string)                                 {}
func (s *NoopSink) SaveMessage(string, string, protocol.Message)      {}
func (s *NoopSink) SaveTask(string, *task.Task)                       {}
func (s *NoopSink) SaveTurn(string, string, events.Event)             {}
func (s *NoopSink) Close() error                                      { return nil }

func (s *NoopSink) Sessions(context.Context, int) ([]SessionRecord, error) {
	return []SessionRecord{}, nil
}

func (s *NoopSink) SessionDetail(context.Context, string) (*SessionDetail, error) {
	return nil, nil
}

func (s *NoopSink) DeleteSession(context.Context, string) error { return nil }
