package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/protocol"
	"github.com/crewd/crewd/internal/task"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	agents JSONB NOT NULL,
	config JSONB NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	ended_at TEXT
);
CREATE TABLE IF NOT EXISTS messages_history (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	agent TEXT NOT NULL,
	from_agent TEXT NOT NULL,
	text TEXT NOT NULL,
	summary TEXT NOT NULL,
	timestamp TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks_history (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	subject TEXT NOT NULL,
	status TEXT NOT NULL,
	owner TEXT,
	snapshot JSONB NOT NULL,
	timestamp TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS agent_turns (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	agent TEXT NOT NULL,
	event_type TEXT NOT NULL,
	data JSONB NOT NULL,
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages_history(session_id);
CREATE INDEX IF NOT EXISTS idx_turns_session ON agent_turns(session_id);
CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks_history(session_id);
`

// PostgresSink archives session history in Postgres via a pgx pool.
type PostgresSink struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewPostgresSink connects to Postgres, verifies the connection and
// initializes the schema.
func NewPostgresSink(ctx context.Context, databaseURL string, log *logger.Logger) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &PostgresSink{pool: pool, log: log}, nil
}

// Close closes the pool.
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresSink) detach(op string, fn func(ctx context.Context) error) {
	go func() {
		if err := fn(context.Background()); err != nil {
			s.log.Warn("history write failed", zap.String("op", op), zap.Error(err))
		}
	}()
}

func (s *PostgresSink) SaveSession(sessionID string, agents []string, cfg map[string]any) {
	s.detach("save_session", func(ctx context.Context) error {
		agentsJSON, _ := json.Marshal(agents)
		cfgJSON, _ := json.Marshal(cfg)
		_, err := s.pool.Exec(ctx,
			`INSERT INTO sessions (id, agents, config, status, created_at) VALUES ($1, $2, $3, 'running', $4)
			 ON CONFLICT (id) DO NOTHING`,
			sessionID, agentsJSON, cfgJSON, protocol.Now(),
		)
		return err
	})
}

func (s *PostgresSink) EndSession(sessionID string) {
	s.detach("end_session", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`UPDATE sessions SET status = 'ended', ended_at = $1 WHERE id = $2`,
			protocol.Now(), sessionID,
		)
		return err
	})
}

func (s *PostgresSink) SaveMessage(sessionID, agent string, msg protocol.Message) {
	s.detach("save_message", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO messages_history (session_id, agent, from_agent, text, summary, timestamp) VALUES ($1, $2, $3, $4, $5, $6)`,
			sessionID, agent, msg.From, msg.Text, msg.Summary, msg.Timestamp,
		)
		return err
	})
}

func (s *PostgresSink) SaveTask(sessionID string, t *task.Task) {
	snapshot := t.Clone()
	s.detach("save_task", func(ctx context.Context) error {
		snapshotJSON, _ := json.Marshal(snapshot)
		_, err := s.pool.Exec(ctx,
			`INSERT INTO tasks_history (session_id, task_id, subject, status, owner, snapshot, timestamp) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			sessionID, snapshot.ID, snapshot.Subject, snapshot.Status, snapshot.Owner, snapshotJSON, protocol.Now(),
		)
		return err
	})
}

func (s *PostgresSink) SaveTurn(sessionID, agent string, event events.Event) {
	s.detach("save_turn", func(ctx context.Context) error {
		dataJSON, _ := json.Marshal(event.Data)
		_, err := s.pool.Exec(ctx,
			`INSERT INTO agent_turns (session_id, agent, event_type, data, timestamp) VALUES ($1, $2, $3, $4, $5)`,
			sessionID, agent, event.Type, dataJSON, event.Timestamp,
		)
		return err
	})
}

// Sessions returns the most recent sessions, newest first.
func (s *PostgresSink) Sessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, agents, config, status, created_at, COALESCE(ended_at, '') FROM sessions ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	records := []SessionRecord{}
	for rows.Next() {
		var rec SessionRecord
		var agentsJSON, cfgJSON []byte
		if err := rows.Scan(&rec.ID, &agentsJSON, &cfgJSON, &rec.Status, &rec.CreatedAt, &rec.EndedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		_ = json.Unmarshal(agentsJSON, &rec.Agents)
		_ = json.Unmarshal(cfgJSON, &rec.Config)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SessionDetail returns one session with its archived messages and turns,
// or nil when the session is unknown.
func (s *PostgresSink) SessionDetail(ctx context.Context, sessionID string) (*SessionDetail, error) {
	var rec SessionRecord
	var agentsJSON, cfgJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, agents, config, status, created_at, COALESCE(ended_at, '') FROM sessions WHERE id = $1`, sessionID,
	).Scan(&rec.ID, &agentsJSON, &cfgJSON, &rec.Status, &rec.CreatedAt, &rec.EndedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	_ = json.Unmarshal(agentsJSON, &rec.Agents)
	_ = json.Unmarshal(cfgJSON, &rec.Config)

	detail := &SessionDetail{Session: rec, Messages: []MessageRecord{}, Turns: []TurnRecord{}}

	msgRows, err := s.pool.Query(ctx,
		`SELECT session_id, agent, from_agent, text, summary, timestamp FROM messages_history WHERE session_id = $1 ORDER BY timestamp`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer msgRows.Close()
	for msgRows.Next() {
		var m MessageRecord
		if err := msgRows.Scan(&m.SessionID, &m.Agent, &m.FromAgent, &m.Text, &m.Summary, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		detail.Messages = append(detail.Messages, m)
	}
	if err := msgRows.Err(); err != nil {
		return nil, err
	}

	turnRows, err := s.pool.Query(ctx,
		`SELECT session_id, agent, event_type, data, timestamp FROM agent_turns WHERE session_id = $1 ORDER BY timestamp`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer turnRows.Close()
	for turnRows.Next() {
		var tr TurnRecord
		var dataJSON []byte
		if err := turnRows.Scan(&tr.SessionID, &tr.Agent, &tr.EventType, &dataJSON, &tr.Timestamp); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		_ = json.Unmarshal(dataJSON, &tr.Data)
		detail.Turns = append(detail.Turns, tr)
	}
	return detail, turnRows.Err()
}

// DeleteSession removes a session and everything archived for it.
func (s *PostgresSink) DeleteSession(ctx context.Context, sessionID string) error {
	for _, q := range []string{
		`DELETE FROM messages_history WHERE session_id = $1`,
		`DELETE FROM agent_turns WHERE session_id = $1`,
		`DELETE FROM tasks_history WHERE session_id = $1`,
		`DELETE FROM sessions WHERE id = $1`,
	} {
		if _, err := s.pool.Exec(ctx, q, sessionID); err != nil {
			return fmt.Errorf("delete session history: %w", err)
		}
	}
	return nil
}
