// Package taskqueue implements the task state machine and per-model queues
// described in spec.md §4.4: PENDING -> PROCESSING -> {COMPLETED, FAILED,
// RETRYING}. Structurally this is the teacher's WorkQueue (per-model
// slicing, priority insertion, FIFO-preserving aggregation) generalized from
// LLM session scheduling to transcription tasks, plus a processing set the
// teacher didn't need (its slots *are* the processing set; ours is a plain
// task map since GPU memory bookkeeping lives in gpumem.Pool instead).
package taskqueue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/grigs28/whisper-scheduler/api/pkg/types"
	"github.com/grigs28/whisper-scheduler/api/pkg/util"
)

// Queue holds pending/retrying tasks split by model, so the scheduler can
// reason about "how many tasks want the tiny model" without scanning the
// whole queue, plus the processing set. Tasks that reach COMPLETED or FAILED
// stay retrievable by ID.
type Queue struct {
	mu sync.RWMutex

	pending    map[string][]*types.Task // model -> pending/retrying tasks, priority-ordered
	processing map[string]*types.Task   // task ID -> task currently PROCESSING
	byID       map[string]*types.Task   // task ID -> task, across pending, processing and terminal
}

func New() *Queue {
	return &Queue{
		pending:    make(map[string][]*types.Task),
		processing: make(map[string]*types.Task),
		byID:       make(map[string]*types.Task),
	}
}

// Add enqueues a new task. IDs are assigned here if the caller left one
// blank, so submission code never has to depend on uuid directly.
func (q *Queue) Add(task *types.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if _, exists := q.byID[task.ID]; exists {
		return fmt.Errorf("task %s already queued", task.ID)
	}
	if task.Status == "" {
		task.Status = types.StatusPending
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = 3
	}
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now

	q.pending[task.Model] = append(q.pending[task.Model], task)
	q.byID[task.ID] = task

	log.Debug().Str("task_id", task.ID).Str("model", task.Model).Str("priority", task.Priority.String()).Msg("task enqueued")
	return nil
}

// sortCandidates orders a model's pending slice so the scheduler's next pick
// always prefers RETRYING tasks, then higher priority, within a model
// (spec.md §4.5): RETRYING-before-PENDING keeps a task that already failed
// once from starving behind a flood of fresh high-priority submissions.
func sortCandidates(tasks []*types.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		iRetry := tasks[i].Status == types.StatusRetrying
		jRetry := tasks[j].Status == types.StatusRetrying
		if iRetry != jRetry {
			return iRetry
		}
		return tasks[i].Priority > tasks[j].Priority
	})
}

// NextForModel returns the best pending/retrying task for model without
// removing it from the queue — the scheduler must confirm it can allocate
// memory for the task before calling MoveToProcessing. sortCandidates
// reorders q.pending[model] in place, so this takes the write lock even
// though nothing is added or removed; concurrent readers (Get,
// TasksByModel, Snapshot) only ever hold RLock and must never observe a
// slice mid-sort.
func (q *Queue) NextForModel(model string) *types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks := q.pending[model]
	if len(tasks) == 0 {
		return nil
	}
	sortCandidates(tasks)
	return tasks[0]
}

// Models returns every model name with at least one pending/retrying task,
// so the scheduler can iterate candidates without needing to know the model
// list up front.
func (q *Queue) Models() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()

	nonEmpty := util.FilterMap(q.pending, func(tasks []*types.Task) bool { return len(tasks) > 0 })
	return util.KeysMap(nonEmpty)
}

// MoveToProcessing transitions a task from pending/retrying to PROCESSING,
// removing it from its model's pending slice. Returns an error if the task
// isn't pending under that model (it may have been removed by a concurrent
// cancellation).
func (q *Queue) MoveToProcessing(taskID string) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.byID[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s not found", taskID)
	}

	tasks := q.pending[task.Model]
	idx := -1
	for i, t := range tasks {
		if t.ID == taskID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, fmt.Errorf("task %s not pending", taskID)
	}

	q.pending[task.Model] = append(tasks[:idx], tasks[idx+1:]...)
	task.Status = types.StatusProcessing
	now := time.Now()
	task.StartTime = now
	task.UpdatedAt = now
	q.processing[taskID] = task

	return task, nil
}

// UpdateProgress sets a PROCESSING task's progress and optional message,
// enforcing the invariant that progress never regresses (spec.md §3).
func (q *Queue) UpdateProgress(taskID string, progress float64, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.byID[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	if progress > task.Progress {
		task.Progress = progress
	}
	if message != "" {
		task.Message = message
	}
	task.UpdatedAt = time.Now()
	return nil
}

// Complete marks a PROCESSING task COMPLETED with its result.
func (q *Queue) Complete(taskID string, result *types.Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.processing[taskID]
	if !ok {
		return fmt.Errorf("task %s not processing", taskID)
	}

	task.Status = types.StatusCompleted
	task.Progress = 100
	task.Result = result
	task.HasAllocation = false
	now := time.Now()
	task.EndTime = now
	task.UpdatedAt = now

	delete(q.processing, taskID)
	return nil
}

// Fail marks a task FAILED, or re-queues it as RETRYING if it has retry
// budget remaining. retryable must be false for errors the classifier has
// already determined can never succeed on retry (spec.md §4.6/§4.7).
func (q *Queue) Fail(taskID string, errMsg string, retryable bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.processing[taskID]
	if !ok {
		return fmt.Errorf("task %s not processing", taskID)
	}

	task.Error = errMsg
	task.HasAllocation = false
	delete(q.processing, taskID)

	if retryable && task.RetryCount < task.MaxRetries {
		task.RetryCount++
		task.Status = types.StatusRetrying
		task.Progress = 0
		task.UpdatedAt = time.Now()
		q.pending[task.Model] = append(q.pending[task.Model], task)
		log.Warn().Str("task_id", taskID).Int("retry_count", task.RetryCount).Msg("task failed, requeued for retry")
		return nil
	}

	task.Status = types.StatusFailed
	now := time.Now()
	task.EndTime = now
	task.UpdatedAt = now
	log.Error().Str("task_id", taskID).Str("error", errMsg).Msg("task failed permanently")
	return nil
}

// Remove deletes a task outright, from whichever state it's in (used for
// user-initiated cancellation of a not-yet-started task).
func (q *Queue) Remove(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.byID[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}

	tasks := q.pending[task.Model]
	for i, t := range tasks {
		if t.ID == taskID {
			q.pending[task.Model] = append(tasks[:i], tasks[i+1:]...)
			break
		}
	}
	delete(q.processing, taskID)
	delete(q.byID, taskID)
	return nil
}

// Get returns a snapshot copy of a task by ID.
func (q *Queue) Get(taskID string) (*types.Task, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	task, ok := q.byID[taskID]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// TasksByModel returns snapshot copies of every task (pending, retrying, or
// processing) queued under model.
func (q *Queue) TasksByModel(model string) []*types.Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]*types.Task, 0)
	for _, t := range q.pending[model] {
		out = append(out, t.Clone())
	}
	for _, t := range q.processing {
		if t.Model == model {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Stats is a point-in-time count of tasks by status, for monitoring.
type Stats struct {
	Pending    int
	Processing int
	Retrying   int
}

// Snapshot returns aggregate counts across every model.
func (q *Queue) Snapshot() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var s Stats
	for _, tasks := range q.pending {
		for _, t := range tasks {
			if t.Status == types.StatusRetrying {
				s.Retrying++
			} else {
				s.Pending++
			}
		}
	}
	s.Processing = len(q.processing)
	return s
}
