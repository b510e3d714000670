package types

// GPUState is the per-device view returned by the GPU inventory (spec.md
// §3, §4.1). AvailableMemoryGB is derived, not stored: it must always be
// recomputed from the current allocated/reserved figures rather than cached,
// so callers never scheduler off a stale number.
type GPUState struct {
	ID          string
	Name        string
	TotalGB     float64
	ReservedGB  float64
	AllocatedGB float64

	SafetyMarginFraction float64

	TemperatureC      float64
	UtilizationPct    float64
	HasTemperature    bool
	HasUtilization    bool
}

// AvailableMemoryGB implements spec.md §3's formula:
//
//	available = max(0, total - allocated - reserved - total*safety_margin)
func (g GPUState) AvailableMemoryGB() float64 {
	avail := g.TotalGB - g.AllocatedGB - g.ReservedGB - g.TotalGB*g.SafetyMarginFraction
	if avail < 0 {
		return 0
	}
	return avail
}

// FreeMemoryGB is the driver-reported free memory, independent of the
// scheduler's own safety margin.
func (g GPUState) FreeMemoryGB() float64 {
	free := g.TotalGB - g.AllocatedGB
	if free < 0 {
		return 0
	}
	return free
}
