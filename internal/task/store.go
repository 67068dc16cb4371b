package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	highwatermarkFile = ".highwatermark"
	lockFile          = ".lock"
)

// Store manages the task files for one session under
// <base>/sessions/<session-id>/tasks/. A single session-wide mutex
// serializes all operations, id allocation included.
type Store struct {
	sessionID string
	dir       string
	hwmPath   string

	mu sync.Mutex
}

// NewStore creates the task directory, the high-watermark counter (at 0)
// and the lock sentinel claiming the directory.
func NewStore(sessionID, baseDir string) (*Store, error) {
	dir := filepath.Join(baseDir, "sessions", sessionID, "tasks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create task dir: %w", err)
	}
	s := &Store{
		sessionID: sessionID,
		dir:       dir,
		hwmPath:   filepath.Join(dir, highwatermarkFile),
	}
	if _, err := os.Stat(s.hwmPath); os.IsNotExist(err) {
		if err := os.WriteFile(s.hwmPath, []byte("0"), 0o644); err != nil {
			return nil, fmt.Errorf("init highwatermark: %w", err)
		}
	}
	sentinel := filepath.Join(dir, lockFile)
	if _, err := os.Stat(sentinel); os.IsNotExist(err) {
		if err := os.WriteFile(sentinel, nil, 0o644); err != nil {
			return nil, fmt.Errorf("init lock sentinel: %w", err)
		}
	}
	return s, nil
}

// Dir returns the task directory for this session.
func (s *Store) Dir() string {
	return s.dir
}

// nextID allocates the next task id. Caller holds s.mu.
func (s *Store) nextID() (string, error) {
	data, err := os.ReadFile(s.hwmPath)
	if err != nil {
		return "", fmt.Errorf("read highwatermark: %w", err)
	}
	current, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return "", fmt.Errorf("parse highwatermark: %w", err)
	}
	next := current + 1
	if err := os.WriteFile(s.hwmPath, []byte(strconv.Itoa(next)), 0o644); err != nil {
		return "", fmt.Errorf("write highwatermark: %w", err)
	}
	return strconv.Itoa(next), nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) readTask(id string) (*Task, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read task %s: %w", id, err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

func (s *Store) writeTask(t *Task) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	if err := os.WriteFile(s.path(t.ID), data, 0o644); err != nil {
		return fmt.Errorf("write task %s: %w", t.ID, err)
	}
	return nil
}

// Create assigns the next id and persists a new pending task.
func (s *Store) Create(subject, description, owner, activeForm string, metadata map[string]any) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.nextID()
	if err != nil {
		return nil, err
	}
	t := &Task{
		ID:          id,
		Subject:     subject,
		Description: description,
		Status:      StatusPending,
		Owner:       owner,
		BlockedBy:   []string{},
		Blocks:      []string{},
		ActiveForm:  activeForm,
		Metadata:    metadata,
	}
	if err := s.writeTask(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Update merges updates into a task and persists the result. Plain fields
// overwrite; addBlockedBy/addBlocks union into the existing sets; metadata
// merges key by key with null deleting a key. Setting status to deleted
// purges the file and returns the last state with the Deleted marker.
// Returns nil when the id does not exist.
func (s *Store) Update(id string, updates map[string]any) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.readTask(id)
	if err != nil || t == nil {
		return nil, err
	}

	for key, value := range updates {
		switch key {
		case "subject":
			t.Subject = asString(value)
		case "description":
			t.Description = asString(value)
		case "status":
			t.Status = asString(value)
		case "owner":
			t.Owner = asString(value)
		case "activeForm":
			t.ActiveForm = asString(value)
		case "blockedBy":
			t.BlockedBy = asStringSlice(value)
		case "blocks":
			t.Blocks = asStringSlice(value)
		case "addBlockedBy":
			t.BlockedBy = union(t.BlockedBy, asStringSlice(value))
		case "addBlocks":
			t.Blocks = union(t.Blocks, asStringSlice(value))
		case "metadata":
			patch, ok := value.(map[string]any)
			if !ok {
				continue
			}
			if t.Metadata == nil {
				t.Metadata = make(map[string]any, len(patch))
			}
			for k, v := range patch {
				if v == nil {
					delete(t.Metadata, k)
				} else {
					t.Metadata[k] = v
				}
			}
		}
	}

	if t.Status == StatusDeleted {
		if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("delete task %s: %w", id, err)
		}
		t.Deleted = true
		return t, nil
	}

	if err := s.writeTask(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns a task by id, or nil when it does not exist.
func (s *Store) Get(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readTask(id)
}

// List returns all tasks sorted numerically by id.
func (s *Store) List() ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list task dir: %w", err)
	}
	var tasks []*Task
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if _, err := strconv.Atoi(id); err != nil {
			continue
		}
		t, err := s.readTask(id)
		if err != nil {
			return nil, err
		}
		if t != nil {
			tasks = append(tasks, t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		a, _ := strconv.Atoi(tasks[i].ID)
		b, _ := strconv.Atoi(tasks[j].ID)
		return a < b
	})
	return tasks, nil
}

// Delete removes a task file. Returns whether it existed.
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete task %s: %w", id, err)
	}
	return true, nil
}

// Cleanup removes the task directory for this session.
func (s *Store) Cleanup() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove task dir: %w", err)
	}
	return nil
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func asStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			out = append(out, asString(item))
		}
		return out
	default:
		return nil
	}
}

// union appends the items of add missing from existing, preserving order.
func union(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string{}, existing...)
	for _, s := range existing {
		seen[s] = true
	}
	for _, s := range add {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
