package room

import "time"

// TaskStatusKind is the discriminant of the Task state machine (spec §4.1.2).
type TaskStatusKind string

const (
	TaskTodo       TaskStatusKind = "todo"
	TaskClaimed    TaskStatusKind = "claimed"
	TaskInProgress TaskStatusKind = "in_progress"
	TaskDone       TaskStatusKind = "done"
	TaskCancelled  TaskStatusKind = "cancelled"
)

// Task is a unit of work on the shared board (spec §3). Status-specific
// fields (ClaimedAt, StartedAt, CompletedAt, Notes, CancelledBy, ...) are
// only meaningful for the statuses that carry them, the same
// flat-struct-plus-discriminant shape the teacher uses for its own job state
// machine rather than a sealed interface hierarchy. The engine clears
// Assignee, ClaimedAt and StartedAt when a task returns to Todo; Done and
// CancelTask leave them in place.
type Task struct {
	TaskID      string         `json:"task_id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Priority    int            `json:"priority"` // 1 (highest) .. 5 (lowest)
	Files       []string       `json:"files,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Status      TaskStatusKind `json:"status"`

	// Claimed / InProgress / Done carry an assignee.
	Assignee string `json:"assignee,omitempty"`

	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Notes       string     `json:"notes,omitempty"`

	CancelledBy string     `json:"cancelled_by,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// IsTerminal reports whether the task can never transition again (spec §3:
// "a Done/Cancelled task never transitions again").
func (t *Task) IsTerminal() bool {
	return t.Status == TaskDone || t.Status == TaskCancelled
}

// validTaskPriority reports whether p is in the allowed [1..5] range.
func validTaskPriority(p int) bool {
	return p >= 1 && p <= 5
}
