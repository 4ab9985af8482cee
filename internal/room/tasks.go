package room

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"

	masceerr "github.com/maschq/masc/internal/errors"
	"github.com/maschq/masc/internal/event"
)

func (e *Engine) getTask(ctx context.Context, id string) (*Task, error) {
	data, ok, err := e.backend.Get(ctx, taskKey(id))
	if err != nil {
		return nil, masceerr.NewIoError("read task record", err)
	}
	if !ok {
		return nil, &masceerr.TaskNotFoundError{ID: id}
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, masceerr.NewBackendError("corrupt task record", err)
	}
	return &t, nil
}

func (e *Engine) putTask(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return masceerr.NewInternalError("marshal task record", err)
	}
	if err := e.backend.Put(ctx, taskKey(t.TaskID), data); err != nil {
		return masceerr.NewIoError("write task record", err)
	}
	return nil
}

// AddTask creates a new task, assigning it the next id from the shared
// task-id counter (spec §4.1.2).
func (e *Engine) AddTask(ctx context.Context, title, description string, priority int, files []string) (*Task, error) {
	if title == "" {
		return nil, &masceerr.SchemaError{Detail: "title must not be empty"}
	}
	if !validTaskPriority(priority) {
		return nil, &masceerr.SchemaError{Detail: "priority must be in 1..5"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.getRoom(ctx); err != nil {
		return nil, err
	}

	seq, err := e.backend.AtomicInc(ctx, keyTaskSeq, 1)
	if err != nil {
		return nil, masceerr.NewIoError("advance task sequence", err)
	}
	t := &Task{
		TaskID:      taskIDFromSeq(seq),
		Title:       title,
		Description: description,
		Priority:    priority,
		Files:       files,
		CreatedAt:   e.clock.Now(),
		Status:      TaskTodo,
	}
	if err := e.putTask(ctx, t); err != nil {
		return nil, err
	}
	e.notify(event.TaskUpdate, "", map[string]string{"task_id": t.TaskID, "kind": "created"})
	return t, nil
}

func taskIDFromSeq(seq int64) string {
	return "task-" + strconv.FormatInt(seq, 10)
}

// GetTasks is a derived read API returning every task sorted by id (spec
// §4.1.5).
func (e *Engine) GetTasks(ctx context.Context) ([]Task, error) {
	keys, err := e.backend.List(ctx, "tasks/")
	if err != nil {
		return nil, masceerr.NewIoError("list task keys", err)
	}
	tasks := make([]Task, 0, len(keys))
	for _, k := range keys {
		data, ok, err := e.backend.Get(ctx, k)
		if err != nil {
			return nil, masceerr.NewIoError("read task record", err)
		}
		if !ok {
			continue
		}
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			continue
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].TaskID < tasks[j].TaskID })
	return tasks, nil
}

// Claim assigns taskID to agent, failing if it's already claimed by anyone
// (spec §4.1.2, §8 scenario S1: unique claim under contention). The engine
// mutex is the serialization point; callers racing on the same task id never
// both observe Todo.
func (e *Engine) Claim(ctx context.Context, agentName, taskID string) (*Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.claimLocked(ctx, agentName, taskID)
}

func (e *Engine) claimLocked(ctx context.Context, agentName, taskID string) (*Task, error) {
	ag, err := e.getAgent(ctx, agentName)
	if err != nil {
		return nil, err
	}
	t, err := e.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != TaskTodo {
		if t.Status == TaskClaimed || t.Status == TaskInProgress {
			return nil, &masceerr.TaskClaimedError{ID: taskID, By: t.Assignee}
		}
		return nil, &masceerr.InvalidTransitionError{From: string(t.Status), To: string(TaskClaimed)}
	}

	now := e.clock.Now()
	t.Status = TaskClaimed
	t.Assignee = agentName
	t.ClaimedAt = &now
	if err := e.putTask(ctx, t); err != nil {
		return nil, err
	}

	ag.CurrentTask = &t.TaskID
	ag.Status = AgentBusy
	if err := e.putAgent(ctx, ag); err != nil {
		return nil, err
	}

	e.auditf("TaskClaimed", taskID+" by="+agentName)
	e.notify(event.TaskUpdate, agentName, map[string]string{"task_id": taskID, "kind": "claimed"})
	return t, nil
}

// ClaimNext claims the highest-priority (lowest number), oldest available
// Todo task, failing with NoAvailableTasks if none exist.
func (e *Engine) ClaimNext(ctx context.Context, agentName string) (*Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tasks, err := e.GetTasks(ctx)
	if err != nil {
		return nil, err
	}
	var best *Task
	for i := range tasks {
		t := &tasks[i]
		if t.Status != TaskTodo {
			continue
		}
		if best == nil || t.Priority < best.Priority ||
			(t.Priority == best.Priority && t.CreatedAt.Before(best.CreatedAt)) {
			best = t
		}
	}
	if best == nil {
		return nil, &masceerr.NoAvailableTasksError{}
	}
	return e.claimLocked(ctx, agentName, best.TaskID)
}

// Release returns a Claimed/InProgress task to Todo. Only the current
// assignee may release it.
func (e *Engine) Release(ctx context.Context, agentName, taskID string) (*Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != TaskClaimed && t.Status != TaskInProgress {
		return nil, &masceerr.InvalidTransitionError{From: string(t.Status), To: string(TaskTodo)}
	}
	if t.Assignee != agentName {
		return nil, &masceerr.TaskNotAssignedToYouError{ID: taskID, By: t.Assignee}
	}

	t.Status = TaskTodo
	t.Assignee = ""
	t.ClaimedAt = nil
	t.StartedAt = nil
	if err := e.putTask(ctx, t); err != nil {
		return nil, err
	}

	if ag, err := e.getAgent(ctx, agentName); err == nil {
		ag.CurrentTask = nil
		ag.Status = AgentActive
		e.putAgent(ctx, ag)
	}

	e.auditf("TaskReleased", taskID+" by="+agentName)
	e.notify(event.TaskUpdate, agentName, map[string]string{"task_id": taskID, "kind": "released"})
	return t, nil
}

// Transition moves taskID from Claimed to InProgress, or InProgress to
// Claimed (pause), the only two non-terminal transitions besides claim/done
// (spec §4.1.2's generic Transition operator).
func (e *Engine) Transition(ctx context.Context, agentName, taskID string, to TaskStatusKind) (*Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Assignee != agentName {
		return nil, &masceerr.TaskNotAssignedToYouError{ID: taskID, By: t.Assignee}
	}
	if t.IsTerminal() {
		return nil, &masceerr.InvalidTransitionError{From: string(t.Status), To: string(to)}
	}

	switch {
	case t.Status == TaskClaimed && to == TaskInProgress:
		now := e.clock.Now()
		t.StartedAt = &now
	case t.Status == TaskInProgress && to == TaskClaimed:
		t.StartedAt = nil
	default:
		return nil, &masceerr.InvalidTransitionError{From: string(t.Status), To: string(to)}
	}
	t.Status = to
	if err := e.putTask(ctx, t); err != nil {
		return nil, err
	}
	e.notify(event.TaskUpdate, agentName, map[string]string{"task_id": taskID, "kind": "transitioned", "to": string(to)})
	return t, nil
}

// Done marks a Claimed/InProgress task complete. Only the assignee may
// complete it.
func (e *Engine) Done(ctx context.Context, agentName, taskID, notes string) (*Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != TaskClaimed && t.Status != TaskInProgress {
		return nil, &masceerr.InvalidTransitionError{From: string(t.Status), To: string(TaskDone)}
	}
	if t.Assignee != agentName {
		return nil, &masceerr.TaskNotAssignedToYouError{ID: taskID, By: t.Assignee}
	}

	now := e.clock.Now()
	t.Status = TaskDone
	t.CompletedAt = &now
	t.Notes = notes
	if err := e.putTask(ctx, t); err != nil {
		return nil, err
	}

	if ag, err := e.getAgent(ctx, agentName); err == nil {
		ag.CurrentTask = nil
		ag.Status = AgentActive
		e.putAgent(ctx, ag)
	}

	e.auditf("TaskDone", taskID+" by="+agentName)
	e.notify(event.Completion, agentName, map[string]string{"task_id": taskID})
	return t, nil
}

// CancelTask marks a non-terminal task Cancelled. Any agent may cancel
// (spec §4.1.2: cancellation is an operator-level action, not assignee-only).
func (e *Engine) CancelTask(ctx context.Context, agentName, taskID, reason string) (*Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.IsTerminal() {
		return nil, &masceerr.InvalidTransitionError{From: string(t.Status), To: string(TaskCancelled)}
	}

	prevAssignee := t.Assignee
	now := e.clock.Now()
	t.Status = TaskCancelled
	t.CancelledBy = agentName
	t.CancelledAt = &now
	t.Reason = reason
	if err := e.putTask(ctx, t); err != nil {
		return nil, err
	}

	if prevAssignee != "" {
		if ag, err := e.getAgent(ctx, prevAssignee); err == nil && ag.CurrentTask != nil && *ag.CurrentTask == taskID {
			ag.CurrentTask = nil
			ag.Status = AgentActive
			e.putAgent(ctx, ag)
		}
	}

	e.auditf("TaskCancelled", taskID+" by="+agentName+" reason="+reason)
	e.notify(event.TaskUpdate, agentName, map[string]string{"task_id": taskID, "kind": "cancelled"})
	return t, nil
}

// UpdatePriority changes a non-terminal task's priority.
func (e *Engine) UpdatePriority(ctx context.Context, taskID string, priority int) (*Task, error) {
	if !validTaskPriority(priority) {
		return nil, &masceerr.SchemaError{Detail: "priority must be in 1..5"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.IsTerminal() {
		return nil, &masceerr.InvalidTransitionError{From: string(t.Status), To: string(t.Status)}
	}
	t.Priority = priority
	if err := e.putTask(ctx, t); err != nil {
		return nil, err
	}
	e.notify(event.TaskUpdate, "", map[string]string{"task_id": taskID, "kind": "priority_updated"})
	return t, nil
}
