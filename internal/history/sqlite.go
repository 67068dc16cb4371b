package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/protocol"
	"github.com/crewd/crewd/internal/task"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	agents TEXT NOT NULL,
	config TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	ended_at TEXT
);
CREATE TABLE IF NOT EXISTS messages_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	agent TEXT NOT NULL,
	from_agent TEXT NOT NULL,
	text TEXT NOT NULL,
	summary TEXT NOT NULL,
	timestamp TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	subject TEXT NOT NULL,
	status TEXT NOT NULL,
	owner TEXT,
	snapshot TEXT NOT NULL,
	timestamp TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS agent_turns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	agent TEXT NOT NULL,
	event_type TEXT NOT NULL,
	data TEXT NOT NULL,
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages_history(session_id);
CREATE INDEX IF NOT EXISTS idx_turns_session ON agent_turns(session_id);
CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks_history(session_id);
`

// SQLiteSink archives session history in a local SQLite database.
type SQLiteSink struct {
	db  *sqlx.DB
	log *logger.Logger
}

// NewSQLiteSink opens (or creates) the database file and initializes the
// schema.
func NewSQLiteSink(path string, log *logger.Logger) (*SQLiteSink, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite history db: %w", err)
	}
	// Single writer; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &SQLiteSink{db: db, log: log}, nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// detach runs fn on its own goroutine and logs any error at warn level.
func (s *SQLiteSink) detach(op string, fn func() error) {
	go func() {
		if err := fn(); err != nil {
			s.log.Warn("history write failed", zap.String("op", op), zap.Error(err))
		}
	}()
}

func (s *SQLiteSink) SaveSession(sessionID string, agents []string, cfg map[string]any) {
	s.detach("save_session", func() error {
		agentsJSON, _ := json.Marshal(agents)
		cfgJSON, _ := json.Marshal(cfg)
		_, err := s.db.Exec(
			`INSERT OR REPLACE INTO sessions (id, agents, config, status, created_at) VALUES (?, ?, ?, ?, ?)`,
			sessionID, string(agentsJSON), string(cfgJSON), "running", protocol.Now(),
		)
		return err
	})
}

func (s *SQLiteSink) EndSession(sessionID string) {
	s.detach("end_session", func() error {
		_, err := s.db.Exec(
			`UPDATE sessions SET status = 'ended', ended_at = ? WHERE id = ?`,
			protocol.Now(), sessionID,
		)
		return err
	})
}

func (s *SQLiteSink) SaveMessage(sessionID, agent string, msg protocol.Message) {
	s.detach("save_message", func() error {
		_, err := s.db.Exec(
			`INSERT INTO messages_history (session_id, agent, from_agent, text, summary, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, agent, msg.From, msg.Text, msg.Summary, msg.Timestamp,
		)
		return err
	})
}

func (s *SQLiteSink) SaveTask(sessionID string, t *task.Task) {
	snapshot := t.Clone()
	s.detach("save_task", func() error {
		snapshotJSON, _ := json.Marshal(snapshot)
		_, err := s.db.Exec(
			`INSERT INTO tasks_history (session_id, task_id, subject, status, owner, snapshot, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sessionID, snapshot.ID, snapshot.Subject, snapshot.Status, snapshot.Owner, string(snapshotJSON), protocol.Now(),
		)
		return err
	})
}

func (s *SQLiteSink) SaveTurn(sessionID, agent string, event events.Event) {
	s.detach("save_turn", func() error {
		dataJSON, _ := json.Marshal(event.Data)
		_, err := s.db.Exec(
			`INSERT INTO agent_turns (session_id, agent, event_type, data, timestamp) VALUES (?, ?, ?, ?, ?)`,
			sessionID, agent, event.Type, string(dataJSON), event.Timestamp,
		)
		return err
	})
}

type sqliteSessionRow struct {
	ID        string         `db:"id"`
	Agents    string         `db:"agents"`
	Config    string         `db:"config"`
	Status    string         `db:"status"`
	CreatedAt string         `db:"created_at"`
	EndedAt   sql.NullString `db:"ended_at"`
}

func (r sqliteSessionRow) toRecord() SessionRecord {
	rec := SessionRecord{
		ID:        r.ID,
		Status:    r.Status,
		CreatedAt: r.CreatedAt,
		EndedAt:   r.EndedAt.String,
	}
	_ = json.Unmarshal([]byte(r.Agents), &rec.Agents)
	_ = json.Unmarshal([]byte(r.Config), &rec.Config)
	return rec
}

// Sessions returns the most recent sessions, newest first.
func (s *SQLiteSink) Sessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []sqliteSessionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, agents, config, status, created_at, ended_at FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	records := make([]SessionRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, r.toRecord())
	}
	return records, nil
}

// SessionDetail returns one session with its archived messages and turns,
// or nil when the session is unknown.
func (s *SQLiteSink) SessionDetail(ctx context.Context, sessionID string) (*SessionDetail, error) {
	var row sqliteSessionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, agents, config, status, created_at, ended_at FROM sessions WHERE id = ?`, sessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}

	detail := &SessionDetail{Session: row.toRecord(), Messages: []MessageRecord{}, Turns: []TurnRecord{}}

	var msgs []struct {
		SessionID string `db:"session_id"`
		Agent     string `db:"agent"`
		FromAgent string `db:"from_agent"`
		Text      string `db:"text"`
		Summary   string `db:"summary"`
		Timestamp string `db:"timestamp"`
	}
	err = s.db.SelectContext(ctx, &msgs,
		`SELECT session_id, agent, from_agent, text, summary, timestamp FROM messages_history WHERE session_id = ? ORDER BY timestamp`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	for _, m := range msgs {
		detail.Messages = append(detail.Messages, MessageRecord(m))
	}

	var turns []struct {
		SessionID string `db:"session_id"`
		Agent     string `db:"agent"`
		EventType string `db:"event_type"`
		Data      string `db:"data"`
		Timestamp string `db:"timestamp"`
	}
	err = s.db.SelectContext(ctx, &turns,
		`SELECT session_id, agent, event_type, data, timestamp FROM agent_turns WHERE session_id = ? ORDER BY timestamp`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	for _, tr := range turns {
		rec := TurnRecord{
			SessionID: tr.SessionID,
			Agent:     tr.Agent,
			EventType: tr.EventType,
			Timestamp: tr.Timestamp,
		}
		_ = json.Unmarshal([]byte(tr.Data), &rec.Data)
		detail.Turns = append(detail.Turns, rec)
	}
	return detail, nil
}

// DeleteSession removes a session and everything archived for it.
func (s *SQLiteSink) DeleteSession(ctx context.Context, sessionID string) error {
	for _, q := range []string{
		`DELETE FROM messages_history WHERE session_id = ?`,
		`DELETE FROM agent_turns WHERE session_id = ?`,
		`DELETE FROM tasks_history WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := s.db.ExecContext(ctx, q, sessionID); err != nil {
			return fmt.Errorf("delete session history: %w", err)
		}
	}
	return nil
}
