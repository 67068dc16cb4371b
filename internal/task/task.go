// Package task persists the shared per-session task list, one JSON file
// per task, with monotonically assigned ids.
package task

// Task statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusDeleted    = "deleted"
)

// Task is one unit of work on the shared team task list.
type Task struct {
	ID          string         `json:"id"`
	Subject     string         `json:"subject"`
	Description string         `json:"description"`
	Status      string         `json:"status"`
	Owner       string         `json:"owner,omitempty"`
	BlockedBy   []string       `json:"blockedBy"`
	Blocks      []string       `json:"blocks"`
	ActiveForm  string         `json:"activeForm,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// Deleted marks the transient state returned after a status=deleted
	// update purged the record. It is never persisted.
	Deleted bool `json:"deleted,omitempty"`
}

// Terminal reports whether the task needs no further work.
func (t *Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusDeleted
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.BlockedBy = append([]string(nil), t.BlockedBy...)
	c.Blocks = append([]string(nil), t.Blocks...)
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
