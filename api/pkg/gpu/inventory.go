// Package gpu discovers the GPUs a scheduler instance can place work on and
// keeps a periodically refreshed view of their hardware memory usage. It
// deliberately knows nothing about tasks or allocation policy (spec.md §3,
// §4.1) — that lives in gpumem.Pool, which wraps an Inventory snapshot with
// the reserved-memory and safety-margin bookkeeping.
package gpu

import (
	"context"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/grigs28/whisper-scheduler/api/pkg/types"
)

// Inventory reports the current hardware state of every visible GPU.
type Inventory interface {
	Devices() []types.GPUState
}

// NvidiaSMIInventory shells out to nvidia-smi on a ticker and caches the
// result, because a single query can take seconds under load and the
// scheduler's batch loop cannot afford to block on it (grounded on the
// teacher's GPUManager background-refresh goroutine).
type NvidiaSMIInventory struct {
	commander Commander
	devCPU    bool

	mu      chan struct{} // 1-buffered mutex so Devices() never blocks on refresh
	devices []types.GPUState
}

// NewNvidiaSMIInventory starts the background refresh loop and blocks until
// the first sample completes, so the first Devices call already reflects it.
// The inventory is empty when nvidia-smi is missing or that first query fails.
func NewNvidiaSMIInventory(ctx context.Context, commander Commander, devCPUOnly bool) *NvidiaSMIInventory {
	inv := &NvidiaSMIInventory{
		commander: commander,
		devCPU:    devCPUOnly,
		mu:        make(chan struct{}, 1),
	}
	inv.mu <- struct{}{}

	inv.refresh(ctx)

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				inv.refresh(ctx)
			}
		}
	}()

	return inv
}

func (inv *NvidiaSMIInventory) Devices() []types.GPUState {
	<-inv.mu
	defer func() { inv.mu <- struct{}{} }()
	out := make([]types.GPUState, len(inv.devices))
	copy(out, inv.devices)
	return out
}

func (inv *NvidiaSMIInventory) setDevices(devices []types.GPUState) {
	<-inv.mu
	inv.devices = devices
	inv.mu <- struct{}{}
}

func (inv *NvidiaSMIInventory) refresh(ctx context.Context) {
	if inv.devCPU {
		inv.setDevices([]types.GPUState{inv.devCPUState()})
		return
	}

	if _, err := inv.commander.LookPath("nvidia-smi"); err != nil {
		log.Warn().Msg("nvidia-smi not found on PATH, reporting no GPUs")
		inv.setDevices(nil)
		return
	}

	cmd := inv.commander.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=index,name,memory.total,memory.used,temperature.gpu,utilization.gpu",
		"--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		log.Error().Err(err).Msg("nvidia-smi query failed, keeping last known GPU state")
		return
	}

	devices := parseNvidiaSMICSV(string(out))
	if devices != nil {
		inv.setDevices(devices)
	}
}

func parseNvidiaSMICSV(output string) []types.GPUState {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	devices := make([]types.GPUState, 0, len(lines))

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 6 {
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		totalMiB, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			log.Error().Err(err).Str("line", line).Msg("failed to parse nvidia-smi memory.total")
			continue
		}
		usedMiB, err := strconv.ParseFloat(fields[3], 64)
		if err != nil {
			log.Error().Err(err).Str("line", line).Msg("failed to parse nvidia-smi memory.used")
			continue
		}

		gpu := types.GPUState{
			ID:          fields[0],
			Name:        fields[1],
			TotalGB:     totalMiB / 1024,
			AllocatedGB: usedMiB / 1024,
		}
		if temp, err := strconv.ParseFloat(fields[4], 64); err == nil {
			gpu.TemperatureC = temp
			gpu.HasTemperature = true
		}
		if util, err := strconv.ParseFloat(fields[5], 64); err == nil {
			gpu.UtilizationPct = util
			gpu.HasUtilization = true
		}
		devices = append(devices, gpu)
	}
	return devices
}

// devCPUState simulates a single GPU backed by host RAM, for local
// development and CI where no nvidia-smi is present.
func (inv *NvidiaSMIInventory) devCPUState() types.GPUState {
	total, free := readProcMeminfo()
	return types.GPUState{
		ID:          "cpu0",
		Name:        "development-cpu-only",
		TotalGB:     total,
		AllocatedGB: total - free,
	}
}

func readProcMeminfo() (totalGB, freeGB float64) {
	if runtime.GOOS != "linux" {
		return 16, 16
	}
	out, err := exec.Command("cat", "/proc/meminfo").Output()
	if err != nil {
		return 16, 16
	}
	var totalKB, availKB float64
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB, _ = strconv.ParseFloat(fields[1], 64)
		case "MemAvailable:":
			availKB, _ = strconv.ParseFloat(fields[1], 64)
		}
	}
	if totalKB == 0 {
		return 16, 16
	}
	return totalKB / 1024 / 1024, availKB / 1024 / 1024
}
