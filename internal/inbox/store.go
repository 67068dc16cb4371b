// Package inbox persists per-agent message inboxes for a session as JSON
// array files on disk.
package inbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/crewd/crewd/internal/protocol"
)

// Store manages the inbox files for one session. Each agent's inbox lives
// at <base>/sessions/<session-id>/inboxes/<agent>.json.
type Store struct {
	sessionID string
	dir       string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates an inbox store rooted under baseDir. No directories are
// created until the first append.
func NewStore(sessionID, baseDir string) *Store {
	return &Store{
		sessionID: sessionID,
		dir:       filepath.Join(baseDir, "sessions", sessionID, "inboxes"),
		locks:     make(map[string]*sync.Mutex),
	}
}

// Dir returns the inbox directory for this session.
func (s *Store) Dir() string {
	return s.dir
}

// lockFor returns the mutex serializing operations on one agent's inbox,
// allocating it on first use. Locks are retained for the store's lifetime.
func (s *Store) lockFor(agent string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[agent]
	if !ok {
		l = &sync.Mutex{}
		s.locks[agent] = l
	}
	return l
}

func (s *Store) path(agent string) string {
	return filepath.Join(s.dir, agent+".json")
}

// readRaw loads an inbox file. A missing directory or file reads as empty.
// Corrupt JSON is an error; the inbox is the source of truth and cannot be
// silently reset.
func (s *Store) readRaw(agent string) ([]protocol.Message, error) {
	data, err := os.ReadFile(s.path(agent))
	if err != nil {
		if os.IsNotExist(err) {
			return []protocol.Message{}, nil
		}
		return nil, fmt.Errorf("read inbox for %s: %w", agent, err)
	}
	var messages []protocol.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("decode inbox for %s: %w", agent, err)
	}
	return messages, nil
}

func (s *Store) writeRaw(agent string, messages []protocol.Message) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create inbox dir: %w", err)
	}
	data, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return fmt.Errorf("encode inbox for %s: %w", agent, err)
	}
	if err := os.WriteFile(s.path(agent), data, 0o644); err != nil {
		return fmt.Errorf("write inbox for %s: %w", agent, err)
	}
	return nil
}

// ReadAll returns every message in an agent's inbox.
func (s *Store) ReadAll(agent string) ([]protocol.Message, error) {
	l := s.lockFor(agent)
	l.Lock()
	defer l.Unlock()
	return s.readRaw(agent)
}

// ReadUnread returns the unread messages in append order and marks the
// whole inbox read. A second call with no intervening appends returns
// an empty slice.
func (s *Store) ReadUnread(agent string) ([]protocol.Message, error) {
	l := s.lockFor(agent)
	l.Lock()
	defer l.Unlock()

	messages, err := s.readRaw(agent)
	if err != nil {
		return nil, err
	}
	var unread []protocol.Message
	for _, m := range messages {
		if !m.Read {
			unread = append(unread, m)
		}
	}
	if len(unread) > 0 {
		for i := range messages {
			messages[i].Read = true
		}
		if err := s.writeRaw(agent, messages); err != nil {
			return nil, err
		}
	}
	return unread, nil
}

// Append adds a message to an agent's inbox, creating the directory on
// first write.
func (s *Store) Append(agent string, msg protocol.Message) error {
	l := s.lockFor(agent)
	l.Lock()
	defer l.Unlock()

	messages, err := s.readRaw(agent)
	if err != nil {
		return err
	}
	messages = append(messages, msg)
	return s.writeRaw(agent, messages)
}

// HasUnread reports whether the agent has any unread messages without
// consuming them.
func (s *Store) HasUnread(agent string) (bool, error) {
	messages, err := s.ReadAll(agent)
	if err != nil {
		return false, err
	}
	for _, m := range messages {
		if !m.Read {
			return true, nil
		}
	}
	return false, nil
}

// MarkRead flags messages at the given indices as read, or all messages
// when indices is nil. It returns the number of messages newly marked.
func (s *Store) MarkRead(agent string, indices []int) (int, error) {
	l := s.lockFor(agent)
	l.Lock()
	defer l.Unlock()

	messages, err := s.readRaw(agent)
	if err != nil {
		return 0, err
	}
	wanted := make(map[int]bool, len(indices))
	for _, i := range indices {
		wanted[i] = true
	}
	count := 0
	for i := range messages {
		if (indices == nil || wanted[i]) && !messages[i].Read {
			messages[i].Read = true
			count++
		}
	}
	if count > 0 {
		if err := s.writeRaw(agent, messages); err != nil {
			return 0, err
		}
	}
	return count, nil
}

// Clear empties an agent's inbox.
func (s *Store) Clear(agent string) error {
	l := s.lockFor(agent)
	l.Lock()
	defer l.Unlock()
	return s.writeRaw(agent, []protocol.Message{})
}

// Cleanup removes the whole session directory, inboxes included.
func (s *Store) Cleanup() error {
	sessionDir := filepath.Dir(s.dir)
	if err := os.RemoveAll(sessionDir); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	return nil
}
