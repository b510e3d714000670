// Package scheduler runs the main batch loop described in spec.md §4.5:
// poll GPU state, select eligible tasks, reserve memory, dispatch workers,
// reconcile. The loop shape — a restart-protected goroutine driven by a
// ticker, with panic recovery — is ported from the teacher's
// runGoroutineWithRestart (api/pkg/scheduler/scheduler.go), generalized from
// LLM-runner reconciliation to this spec's reserve-and-dispatch cycle. No
// heartbeat is kept, so a cycle that blocks is not detected.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/grigs28/whisper-scheduler/api/pkg/config"
	"github.com/grigs28/whisper-scheduler/api/pkg/events"
	"github.com/grigs28/whisper-scheduler/api/pkg/gpumem"
	"github.com/grigs28/whisper-scheduler/api/pkg/sink"
	"github.com/grigs28/whisper-scheduler/api/pkg/taskqueue"
	"github.com/grigs28/whisper-scheduler/api/pkg/types"
)

// hardMemoryFloorGB is the minimum available memory a GPU must report
// before the scheduler will consider it for dispatch at all (spec.md §4.5
// point 2), independent of whether a specific task's estimate would fit.
const hardMemoryFloorGB = 1.0

// syncEveryNCycles re-syncs the memory pool against live hardware every N
// scheduler cycles (spec.md §4.5 point 1), rather than every cycle, since a
// hardware poll is comparatively expensive.
const syncEveryNCycles = 10

// WorkerDispatcher runs one task to completion on a specific GPU. It is the
// interface scheduler depends on so tests can substitute a fake worker
// without spawning real OS processes; worker.Runner implements it in
// production.
type WorkerDispatcher interface {
	Run(ctx context.Context, task *types.Task, gpuIndex string, probe func(ctx context.Context, file string) (float64, error)) (*types.Result, error)
}

// Scheduler owns one batch loop instance. A single Scheduler is meant to run
// for the lifetime of the process; it is not re-entrant across Run calls.
type Scheduler struct {
	cfg       config.SchedulerConfig
	queue     *taskqueue.Queue
	pool      *gpumem.Pool
	estimator *gpumem.Estimator
	dispatch  WorkerDispatcher
	fabric    events.Fabric
	sink      sink.ResultSink

	recheck chan struct{}

	mu              sync.Mutex
	cyclesSinceSync int
	inFlight        int // tasks currently dispatched, across all GPUs
}

func New(
	cfg config.SchedulerConfig,
	queue *taskqueue.Queue,
	pool *gpumem.Pool,
	estimator *gpumem.Estimator,
	dispatch WorkerDispatcher,
	fabric events.Fabric,
	resultSink sink.ResultSink,
) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		queue:     queue,
		pool:      pool,
		estimator: estimator,
		dispatch:  dispatch,
		fabric:    fabric,
		sink:      resultSink,
		recheck:   make(chan struct{}, 1),
		// Force a hardware sync on the very first cycle.
		cyclesSinceSync: syncEveryNCycles,
	}
}

// TriggerRecheck asks the scheduler to synchronize hardware state and run a
// reserve-and-dispatch pass on its very next cycle, rather than waiting for
// the next natural syncEveryNCycles tick. Workers call this on task
// completion or memory release (spec.md §4.5's "re-check" requirement).
// Non-blocking: if a recheck is already pending, this is a no-op.
func (s *Scheduler) TriggerRecheck() {
	select {
	case s.recheck <- struct{}{}:
	default:
	}
}

// Run drives the batch loop until ctx is cancelled, restarting it after any
// panic with a brief back-off, matching the teacher's
// runGoroutineWithRestart supervision pattern.
func (s *Scheduler) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.BatchScheduleInterval) * time.Second
	if interval <= 0 {
		interval = time.Second
	}

	for {
		if ctx.Err() != nil {
			return
		}
		s.runSupervised(ctx, interval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
			log.Warn().Msg("scheduler loop restarting after panic")
		}
	}
}

func (s *Scheduler) runSupervised(ctx context.Context, interval time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("scheduler loop panicked, will restart")
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx)
		case <-s.recheck:
			s.forceSyncNextCycle()
			s.runCycle(ctx)
		}
	}
}

func (s *Scheduler) forceSyncNextCycle() {
	s.mu.Lock()
	s.cyclesSinceSync = syncEveryNCycles
	s.mu.Unlock()
}

// runCycle executes one pass of poll -> sync -> select -> reserve -> dispatch
// -> reconcile (spec.md §4.5). Errors within a cycle are logged and
// swallowed, per point 6's "on exception, log and continue" rule — a single
// bad candidate must never take down the loop.
func (s *Scheduler) runCycle(ctx context.Context) {
	s.mu.Lock()
	s.cyclesSinceSync++
	shouldSync := s.cyclesSinceSync >= syncEveryNCycles
	if shouldSync {
		s.cyclesSinceSync = 0
	}
	s.mu.Unlock()

	if shouldSync {
		s.pool.SyncFromHardware()
	}

	for _, gpuState := range s.pool.Devices() {
		if gpuState.AvailableMemoryGB() <= hardMemoryFloorGB {
			continue
		}
		s.dispatchOneForGPU(ctx, gpuState)
	}
}

// dispatchOneForGPU runs the reserve-and-dispatch loop for a single GPU
// (spec.md §4.5 point 4): it walks candidates across every model queue,
// stopping at the first allocation failure (memory-pressure short-circuit)
// and dispatching at most one task per GPU per cycle.
func (s *Scheduler) dispatchOneForGPU(ctx context.Context, gpuState types.GPUState) {
	if s.atGlobalConcurrencyCap() {
		return
	}
	if s.cfg.MaxTasksPerGPU > 0 && s.pool.ReservationsForGPU(gpuState.ID) >= s.cfg.MaxTasksPerGPU {
		return
	}

	for _, model := range s.queue.Models() {
		task := s.queue.NextForModel(model)
		if task == nil {
			continue
		}

		need := s.estimator.Estimate(gpuState.ID, task.Model)
		if !s.pool.CanAllocate(gpuState.ID, need) {
			// Memory-pressure short-circuit: stop trying further
			// candidates for this GPU this cycle, but leave every
			// candidate PENDING/RETRYING — no silent status drift.
			return
		}

		if err := s.pool.Allocate(task.ID, gpuState.ID, need); err != nil {
			return
		}

		moved, err := s.queue.MoveToProcessing(task.ID)
		if err != nil {
			// Lost the race (e.g. task was cancelled between
			// NextForModel and here); release what we reserved and
			// try another candidate, not this same GPU's whole cycle.
			s.pool.Release(task.ID)
			continue
		}

		moved.AllocatedMemoryGB = need
		moved.AllocatedGPU = gpuState.ID
		moved.HasAllocation = true

		s.beginDispatch(ctx, moved, gpuState.ID)
		return // at most one task per GPU per cycle
	}
}

func (s *Scheduler) atGlobalConcurrencyCap() bool {
	if s.cfg.MaxConcurrentTranscriptions <= 0 {
		return false
	}
	return s.pool.TotalReservations() >= s.cfg.MaxConcurrentTranscriptions
}

// beginDispatch runs the worker on its own goroutine so the scheduler loop
// never blocks on transcription (spec.md §5). Every exit path — success,
// failure, or a panic inside the dispatcher — releases the task's pool
// reservation and triggers a recheck so a freed slot is picked up promptly.
func (s *Scheduler) beginDispatch(ctx context.Context, task *types.Task, gpuID string) {
	s.markInFlight(1)

	s.fabric.Publish(ctx, types.Event{
		Kind: types.EventTaskUpdate,
		TaskUpdate: &types.TaskUpdateEvent{
			TaskID:   task.ID,
			Status:   types.StatusProcessing,
			Progress: task.Progress,
		},
	})

	go func() {
		defer s.markInFlight(-1)
		defer s.TriggerRecheck()
		defer s.pool.Release(task.ID)

		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("task_id", task.ID).Msg("worker dispatch panicked")
				s.fail(ctx, task.ID, fmt.Sprintf("internal error: %v", r), false)
			}
		}()

		result, err := s.dispatch.Run(ctx, task, gpuID, nil)
		if err != nil {
			retryable := taskqueue.ClassifyWorkerError("", err.Error())
			s.fail(ctx, task.ID, err.Error(), retryable)
			return
		}

		s.complete(ctx, task, result)
	}()
}

func (s *Scheduler) markInFlight(delta int) {
	s.mu.Lock()
	s.inFlight += delta
	s.mu.Unlock()
}

func (s *Scheduler) complete(ctx context.Context, task *types.Task, result *types.Result) {
	if s.sink != nil && result != nil {
		for _, format := range task.OutputFormats {
			path, err := s.sink.Save(ctx, task, format, []byte(result.Text))
			if err != nil {
				log.Error().Err(err).Str("task_id", task.ID).Str("format", string(format)).Msg("failed to save result")
				continue
			}
			result.SavedPaths = append(result.SavedPaths, path)
		}
	}

	// Feed the observed peak back into calibration on success only (spec.md
	// §4.3 step 3, §4.6); a failed task's usage, if any, is discarded. No
	// report means the worker didn't measure it, not that it used nothing.
	if result != nil && result.PeakMemoryGB > 0 {
		if err := s.estimator.Record(task.AllocatedGPU, task.Model, task.ID, task.AllocatedMemoryGB, result.PeakMemoryGB, result.AudioSecond); err != nil {
			log.Error().Err(err).Str("task_id", task.ID).Msg("failed to record calibration observation")
		}
	}

	if err := s.queue.Complete(task.ID, result); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("failed to mark task complete")
		return
	}

	s.fabric.Publish(ctx, types.Event{
		Kind: types.EventTaskUpdate,
		TaskUpdate: &types.TaskUpdateEvent{
			TaskID:   task.ID,
			Status:   types.StatusCompleted,
			Progress: 100,
		},
	})
}

func (s *Scheduler) fail(ctx context.Context, taskID, message string, retryable bool) {
	if err := s.queue.Fail(taskID, message, retryable); err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("failed to mark task failed")
		return
	}

	status := types.StatusFailed
	if t, ok := s.queue.Get(taskID); ok {
		status = t.Status
	}

	s.fabric.Publish(ctx, types.Event{
		Kind: types.EventTaskUpdate,
		TaskUpdate: &types.TaskUpdateEvent{
			TaskID: taskID,
			Status: status,
			Error:  message,
		},
	})
}
