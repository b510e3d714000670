package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grigs28/whisper-scheduler/api/pkg/config"
	"github.com/grigs28/whisper-scheduler/api/pkg/events"
	"github.com/grigs28/whisper-scheduler/api/pkg/gpumem"
	"github.com/grigs28/whisper-scheduler/api/pkg/sink"
	"github.com/grigs28/whisper-scheduler/api/pkg/taskqueue"
	"github.com/grigs28/whisper-scheduler/api/pkg/types"
)

type fakeInventory struct {
	mu      sync.Mutex
	devices []types.GPUState
}

func (f *fakeInventory) Devices() []types.GPUState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.GPUState, len(f.devices))
	copy(out, f.devices)
	return out
}

type fakeDispatcher struct {
	mu      sync.Mutex
	delay   time.Duration
	failErr error
	calls   []string
}

func (f *fakeDispatcher) Run(ctx context.Context, task *types.Task, gpuIndex string, probe func(ctx context.Context, file string) (float64, error)) (*types.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, task.ID)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failErr != nil {
		return nil, f.failErr
	}
	return &types.Result{Text: "transcribed: " + task.ID, PeakMemoryGB: 3.5}, nil
}

func newTestScheduler(t *testing.T, dispatcher WorkerDispatcher, gpus []types.GPUState) (*Scheduler, *taskqueue.Queue) {
	t.Helper()

	inv := &fakeInventory{devices: gpus}
	pool := gpumem.NewPool(inv, gpumem.Config{SafetyMarginFraction: 0, ReservedGB: 0})
	estimator, err := gpumem.NewEstimator(config.BaseMemoryTable{Small: 2}, config.SchedulerConfig{
		MemoryConfidenceFactor:   1,
		MemoryCalibrationFactor:  1,
		CalibrationFilePath:      t.TempDir() + "/calibration.json",
		CalibrationRetentionDays: 30,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = estimator.Close() })

	queue := taskqueue.New()
	fabric := events.New(32)
	t.Cleanup(fabric.Close)
	resultSink := sink.NewLocalResultSink(t.TempDir())

	cfg := config.SchedulerConfig{
		MaxConcurrentTranscriptions: 5,
		MaxTasksPerGPU:              1,
		BatchScheduleInterval:       1,
	}

	return New(cfg, queue, pool, estimator, dispatcher, fabric, resultSink), queue
}

func newTestTask(id string) *types.Task {
	return &types.Task{
		ID:            id,
		Model:         "small",
		Status:        types.StatusPending,
		Priority:      types.PriorityNormal,
		MaxRetries:    3,
		File:          "interview.wav",
		OutputFormats: []types.OutputFormat{types.FormatTXT},
	}
}

func TestRunCycle_DispatchesEligibleTaskAndCompletesIt(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	sched, queue := newTestScheduler(t, dispatcher, []types.GPUState{
		{ID: "gpu0", TotalGB: 16},
	})

	task := newTestTask("task-1")
	require.NoError(t, queue.Add(task))

	sched.runCycle(context.Background())

	require.Eventually(t, func() bool {
		got, ok := queue.Get("task-1")
		return ok && got.Status == types.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	got, ok := queue.Get("task-1")
	require.True(t, ok)
	assert.Equal(t, float64(100), got.Progress)
	assert.NotEmpty(t, got.Result.SavedPaths)
}

func TestRunCycle_RecordsCalibrationObservationOnSuccess(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	sched, queue := newTestScheduler(t, dispatcher, []types.GPUState{
		{ID: "gpu0", TotalGB: 16},
	})

	before := sched.estimator.Estimate("gpu0", "small")

	require.NoError(t, queue.Add(newTestTask("task-1")))
	sched.runCycle(context.Background())

	require.Eventually(t, func() bool {
		got, ok := queue.Get("task-1")
		return ok && got.Status == types.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	// fakeDispatcher reports a 3.5GB peak against a 2GB base table entry for
	// "small", so the calibrated estimate must now sit above the base.
	after := sched.estimator.Estimate("gpu0", "small")
	assert.Greater(t, after, before)
}

func TestRunCycle_SkipsGPUBelowHardFloor(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	sched, queue := newTestScheduler(t, dispatcher, []types.GPUState{
		{ID: "gpu0", TotalGB: 1, AllocatedGB: 0.9}, // ~0.1GB available, below hard floor
	})

	require.NoError(t, queue.Add(newTestTask("task-1")))
	sched.runCycle(context.Background())

	time.Sleep(20 * time.Millisecond)
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	assert.Empty(t, dispatcher.calls)

	got, ok := queue.Get("task-1")
	require.True(t, ok)
	assert.Equal(t, types.StatusPending, got.Status)
}

func TestRunCycle_RespectsMaxTasksPerGPU(t *testing.T) {
	dispatcher := &fakeDispatcher{delay: 50 * time.Millisecond}
	sched, queue := newTestScheduler(t, dispatcher, []types.GPUState{
		{ID: "gpu0", TotalGB: 16},
	})

	require.NoError(t, queue.Add(newTestTask("task-1")))
	require.NoError(t, queue.Add(newTestTask("task-2")))

	sched.runCycle(context.Background()) // dispatches task-1, fills the one GPU slot
	sched.runCycle(context.Background()) // task-2 should stay pending: GPU at capacity

	got, ok := queue.Get("task-2")
	require.True(t, ok)
	assert.Equal(t, types.StatusPending, got.Status)
}

func TestRunCycle_FailureWithRetryBudgetRequeuesAsRetrying(t *testing.T) {
	dispatcher := &fakeDispatcher{failErr: fmt.Errorf("cuda out of memory")}
	sched, queue := newTestScheduler(t, dispatcher, []types.GPUState{
		{ID: "gpu0", TotalGB: 16},
	})

	require.NoError(t, queue.Add(newTestTask("task-1")))
	sched.runCycle(context.Background())

	require.Eventually(t, func() bool {
		got, ok := queue.Get("task-1")
		return ok && got.Status == types.StatusRetrying
	}, time.Second, 5*time.Millisecond)
}

func TestRunCycle_NonRetryableFailureFailsImmediately(t *testing.T) {
	dispatcher := &fakeDispatcher{failErr: fmt.Errorf("invalid audio format")}
	sched, queue := newTestScheduler(t, dispatcher, []types.GPUState{
		{ID: "gpu0", TotalGB: 16},
	})

	require.NoError(t, queue.Add(newTestTask("task-1")))
	sched.runCycle(context.Background())

	require.Eventually(t, func() bool {
		got, ok := queue.Get("task-1")
		return ok && got.Status == types.StatusFailed
	}, time.Second, 5*time.Millisecond)
}

func TestTriggerRecheck_IsNonBlockingWhenFull(t *testing.T) {
	sched, _ := newTestScheduler(t, &fakeDispatcher{}, nil)
	sched.TriggerRecheck()
	sched.TriggerRecheck() // must not block even though the channel is 1-buffered
}
