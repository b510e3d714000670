package gpumem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grigs28/whisper-scheduler/api/pkg/types"
)

type fakeInventory struct {
	devices []types.GPUState
}

func (f *fakeInventory) Devices() []types.GPUState {
	return f.devices
}

func newTestPool(total float64) (*Pool, *fakeInventory) {
	inv := &fakeInventory{devices: []types.GPUState{{ID: "gpu0", TotalGB: total}}}
	pool := NewPool(inv, Config{SafetyMarginFraction: 0.10, ReservedGB: 0})
	return pool, inv
}

func TestCanAllocate_RespectsSafetyMargin(t *testing.T) {
	pool, _ := newTestPool(10)
	// 10GB total, 10% margin withheld -> 9GB usable.
	assert.True(t, pool.CanAllocate("gpu0", 9))
	assert.False(t, pool.CanAllocate("gpu0", 9.5))
}

func TestAllocate_ReducesAvailableForSubsequentCalls(t *testing.T) {
	pool, _ := newTestPool(10)

	require.NoError(t, pool.Allocate("task-1", "gpu0", 5))
	assert.False(t, pool.CanAllocate("gpu0", 5), "second 5GB task shouldn't fit after the first reserved 5 of 9 usable")
	assert.True(t, pool.CanAllocate("gpu0", 3))
}

func TestAllocate_RejectsDuplicateTaskID(t *testing.T) {
	pool, _ := newTestPool(10)

	require.NoError(t, pool.Allocate("task-1", "gpu0", 1))
	err := pool.Allocate("task-1", "gpu0", 1)
	assert.Error(t, err)
}

func TestRelease_FreesMemoryForReuse(t *testing.T) {
	pool, _ := newTestPool(10)

	require.NoError(t, pool.Allocate("task-1", "gpu0", 8))
	assert.False(t, pool.CanAllocate("gpu0", 8))

	pool.Release("task-1")
	assert.True(t, pool.CanAllocate("gpu0", 8))
}

func TestRelease_IsIdempotent(t *testing.T) {
	pool, _ := newTestPool(10)
	pool.Release("never-allocated") // must not panic
}

func TestSyncFromHardware_PicksUpNewDeviceUsage(t *testing.T) {
	pool, inv := newTestPool(10)
	assert.True(t, pool.CanAllocate("gpu0", 9))

	inv.devices = []types.GPUState{{ID: "gpu0", TotalGB: 10, AllocatedGB: 6}}
	pool.SyncFromHardware()

	assert.False(t, pool.CanAllocate("gpu0", 4), "6GB already used + 1GB margin should leave only 3GB usable")
	assert.True(t, pool.CanAllocate("gpu0", 3))
}

func TestReservationsForGPU_CountsOnlyMatchingGPU(t *testing.T) {
	inv := &fakeInventory{devices: []types.GPUState{
		{ID: "gpu0", TotalGB: 10},
		{ID: "gpu1", TotalGB: 10},
	}}
	pool := NewPool(inv, Config{})

	require.NoError(t, pool.Allocate("task-1", "gpu0", 1))
	require.NoError(t, pool.Allocate("task-2", "gpu0", 1))
	require.NoError(t, pool.Allocate("task-3", "gpu1", 1))

	assert.Equal(t, 2, pool.ReservationsForGPU("gpu0"))
	assert.Equal(t, 1, pool.ReservationsForGPU("gpu1"))
	assert.Equal(t, 3, pool.TotalReservations())
}
