// Package gpumem tracks how much of each GPU's memory is reserved for
// in-flight tasks and estimates how much a not-yet-started task will need.
// Pool (this file) owns the allocation ledger; Estimator (estimator.go) owns
// the calibration math. Grounded on the teacher's allocator.go, which uses
// the same "slots map behind an xsync.MapOf, guarded release/allocate calls"
// shape — generalized here from LLM runner slots to GPU memory reservations.
package gpumem

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/grigs28/whisper-scheduler/api/pkg/gpu"
	"github.com/grigs28/whisper-scheduler/api/pkg/types"
	"github.com/grigs28/whisper-scheduler/api/pkg/util"
)

// reservation is one task's hold on a GPU's memory, keyed by task ID so
// releasing is idempotent and doesn't require the caller to remember how
// much it originally asked for.
type reservation struct {
	taskID string
	gpuID  string
	gb     float64
}

// Pool is the single source of truth for "how much memory is promised away"
// on every GPU. It never itself talks to nvidia-smi — SyncFromHardware pulls
// a fresh snapshot from a gpu.Inventory and recomputes against that.
type Pool struct {
	inventory gpu.Inventory
	config    Config

	mu           sync.RWMutex
	hardware     map[string]types.GPUState          // last synced hardware snapshot, by GPU ID
	reservations *xsync.MapOf[string, reservation] // task ID -> reservation

	allocMu sync.Mutex // serializes Allocate's check-then-reserve
}

// Config carries the scheduler-wide memory tunables a Pool needs; it is a
// narrow view of config.SchedulerConfig, so a Pool can be built without a
// full SchedulerConfig (the Estimator in this package does take one).
type Config struct {
	SafetyMarginFraction float64
	ReservedGB           float64
}

func NewPool(inventory gpu.Inventory, cfg Config) *Pool {
	p := &Pool{
		inventory:    inventory,
		config:       cfg,
		hardware:     make(map[string]types.GPUState),
		reservations: xsync.NewMapOf[string, reservation](),
	}
	p.SyncFromHardware()
	return p
}

// SyncFromHardware refreshes the pool's view of total/used memory per GPU.
// The scheduler calls this every syncEveryNCycles cycles and after a
// recheck (spec.md §4.5); it's cheap, since the underlying Inventory caches
// its own nvidia-smi polling.
func (p *Pool) SyncFromHardware() {
	devices := p.inventory.Devices()

	p.mu.Lock()
	defer p.mu.Unlock()

	fresh := make(map[string]types.GPUState, len(devices))
	for _, d := range devices {
		d.SafetyMarginFraction = p.config.SafetyMarginFraction
		d.ReservedGB = p.config.ReservedGB
		fresh[d.ID] = d
	}
	p.hardware = fresh
}

// Devices returns the hardware snapshot as of the last SyncFromHardware,
// annotated with the scheduler's own reservations so callers see the true
// available memory, not just what the driver reports as free.
func (p *Pool) Devices() []types.GPUState {
	p.mu.RLock()
	snapshot := make([]types.GPUState, 0, len(p.hardware))
	for _, d := range p.hardware {
		snapshot = append(snapshot, d)
	}
	p.mu.RUnlock()

	reservedByGPU := p.reservedPerGPU()
	for i := range snapshot {
		snapshot[i].AllocatedGB += reservedByGPU[snapshot[i].ID]
	}
	return snapshot
}

func (p *Pool) reservedPerGPU() map[string]float64 {
	out := make(map[string]float64)
	p.reservations.Range(func(_ string, r reservation) bool {
		out[r.gpuID] += r.gb
		return true
	})
	return out
}

// CanAllocate reports whether gpuID currently has at least requiredGB of
// available memory, accounting for every outstanding reservation.
func (p *Pool) CanAllocate(gpuID string, requiredGB float64) bool {
	for _, d := range p.Devices() {
		if d.ID == gpuID {
			return d.AvailableMemoryGB() >= requiredGB
		}
	}
	return false
}

// Allocate reserves requiredGB of gpuID's memory for taskID. It re-checks
// availability under lock, because the scheduler's candidate selection and
// this call are not atomic with respect to concurrent allocations for other
// tasks in the same batch cycle.
func (p *Pool) Allocate(taskID, gpuID string, requiredGB float64) error {
	p.allocMu.Lock()
	defer p.allocMu.Unlock()

	if !p.CanAllocate(gpuID, requiredGB) {
		return fmt.Errorf("gpu %s does not have %s available", gpuID, humanize.Bytes(uint64(requiredGB*1e9)))
	}

	if _, loaded := p.reservations.LoadOrStore(taskID, reservation{taskID: taskID, gpuID: gpuID, gb: requiredGB}); loaded {
		return fmt.Errorf("task %s already has a memory reservation", taskID)
	}

	log.Debug().
		Str("task_id", taskID).
		Str("gpu_id", gpuID).
		Str("memory", humanize.Bytes(uint64(requiredGB*1e9))).
		Msg("reserved gpu memory")
	return nil
}

// Release frees taskID's reservation, if any. Safe to call more than once.
func (p *Pool) Release(taskID string) {
	if r, ok := p.reservations.LoadAndDelete(taskID); ok {
		log.Debug().
			Str("task_id", taskID).
			Str("gpu_id", r.gpuID).
			Str("memory", humanize.Bytes(uint64(r.gb*1e9))).
			Msg("released gpu memory")
	}
}

// ReservationsForGPU counts how many tasks currently hold a reservation on
// gpuID, used to enforce MaxTasksPerGPU.
func (p *Pool) ReservationsForGPU(gpuID string) int {
	count := 0
	p.reservations.Range(func(_ string, r reservation) bool {
		if r.gpuID == gpuID {
			count++
		}
		return true
	})
	return count
}

// TotalReservations counts every outstanding reservation across all GPUs,
// used to enforce MaxConcurrentTranscriptions.
func (p *Pool) TotalReservations() int {
	return p.reservations.Size()
}

// TasksOnGPU returns the IDs of every task currently holding a reservation
// on gpuID, used when a GPU needs to be drained (e.g. reported overheating)
// and every task running on it must be cancelled.
func (p *Pool) TasksOnGPU(gpuID string) []string {
	matches := util.Filter(util.Values(p.reservations), func(r reservation) bool {
		return r.gpuID == gpuID
	})
	ids := make([]string, len(matches))
	for i, r := range matches {
		ids[i] = r.taskID
	}
	return ids
}
