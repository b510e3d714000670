package gpu

import (
	"sync"
	"time"
)

// ProcessInfo is what the tracker remembers about a worker's OS process.
type ProcessInfo struct {
	PID       int
	TaskID    string
	Model     string
	StartTime time.Time
}

// ProcessTracker maps tasks to the worker process handling them, so a task
// timeout or cancellation (spec.md §4.6) can find and kill the right process
// tree without the scheduler having to thread *os.Process pointers through
// its state machine.
type ProcessTracker struct {
	mu     sync.RWMutex
	byTask map[string]ProcessInfo
	byPID  map[int]string // PID -> task ID, for reverse lookups
}

func NewProcessTracker() *ProcessTracker {
	return &ProcessTracker{
		byTask: make(map[string]ProcessInfo),
		byPID:  make(map[int]string),
	}
}

// Register records that taskID's worker is running as pid.
func (pt *ProcessTracker) Register(taskID string, pid int, model string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.byTask[taskID] = ProcessInfo{
		PID:       pid,
		TaskID:    taskID,
		Model:     model,
		StartTime: time.Now(),
	}
	pt.byPID[pid] = taskID
}

// Unregister forgets a task's process, called once the worker exits (success,
// failure, or after a kill).
func (pt *ProcessTracker) Unregister(taskID string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	info, ok := pt.byTask[taskID]
	if !ok {
		return
	}
	delete(pt.byPID, info.PID)
	delete(pt.byTask, taskID)
}

// Lookup returns the tracked process for a task, if any.
func (pt *ProcessTracker) Lookup(taskID string) (ProcessInfo, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	info, ok := pt.byTask[taskID]
	return info, ok
}

// Kill terminates a task's worker and everything it spawned. Safe to call
// even if the task was never registered.
func (pt *ProcessTracker) Kill(taskID string) error {
	info, ok := pt.Lookup(taskID)
	if !ok {
		return nil
	}
	return killProcessTree(info.PID)
}

// Snapshot returns every currently tracked process, for the stats endpoint
// the server layer exposes on top of this package.
func (pt *ProcessTracker) Snapshot() []ProcessInfo {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	out := make([]ProcessInfo, 0, len(pt.byTask))
	for _, info := range pt.byTask {
		out = append(out, info)
	}
	return out
}
