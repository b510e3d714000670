// Package worker runs a single transcription task in an isolated child OS
// process, so a model crash or CUDA fault can never take the scheduler
// process down with it (spec.md §4.6). The process-launch shape — an
// explicit, minimal environment of CUDA_VISIBLE_DEVICES, PATH and
// MODEL_BASE_PATH, stderr
// captured to a bounded buffer — is ported from the teacher's
// startOllamaCmd (runner/ollama_runtime.go).
package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/grigs28/whisper-scheduler/api/pkg/config"
	"github.com/grigs28/whisper-scheduler/api/pkg/events"
	"github.com/grigs28/whisper-scheduler/api/pkg/gpu"
	"github.com/grigs28/whisper-scheduler/api/pkg/types"
)

// maxStderrBytes bounds how much of a worker's stderr is retained for error
// reporting; a runaway worker shouldn't be able to exhaust scheduler memory
// logging the same CUDA error in a loop.
const maxStderrBytes = 64 * 1024

// Runner launches and supervises one task's worker process.
type Runner struct {
	commander  gpu.Commander
	processes  *gpu.ProcessTracker
	fabric     events.Fabric
	cfg        config.SchedulerConfig
	speed      config.SpeedFactorTable
	modelCache *ModelCache

	// binaryPath is the transcription worker executable (outside this
	// system's scope per spec.md's Non-goals — the engine itself is
	// supplied separately); the serve command's --worker-binary flag names it.
	binaryPath string
}

func NewRunner(commander gpu.Commander, processes *gpu.ProcessTracker, fabric events.Fabric, cfg config.SchedulerConfig, speed config.SpeedFactorTable, binaryPath string, modelCache *ModelCache) *Runner {
	return &Runner{
		commander:  commander,
		processes:  processes,
		fabric:     fabric,
		cfg:        cfg,
		speed:      speed,
		modelCache: modelCache,
		binaryPath: binaryPath,
	}
}

// audioDurationProbe reports a task's audio length in seconds, used for
// time-based progress extrapolation. Abstracted so tests can fake it
// without shelling out to ffprobe.
type audioDurationProbe func(ctx context.Context, file string) (float64, error)

// Run executes task on gpuIndex, blocking until the worker process exits.
// It returns the worker's declared result or a classifiable error. When
// probeDuration is non-nil, progress extrapolation runs in the background for
// the duration of the call and publishes TaskUpdateEvents through the fabric;
// with a nil probe no progress is published. The transcription call itself
// is a single blocking RPC/exec with no incremental feedback
// (spec.md §4.6's "time-based extrapolation" requirement).
func (r *Runner) Run(ctx context.Context, task *types.Task, gpuIndex string, probeDuration func(ctx context.Context, file string) (float64, error)) (*types.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.TranscriptionTimeout)*time.Second)
	defer cancel()

	if _, err := r.modelCache.Ensure(ctx, task.Model); err != nil {
		return nil, fmt.Errorf("preparing model %s: %w", task.Model, err)
	}

	cmd := r.commander.CommandContext(ctx, r.binaryPath,
		"--task-id", task.ID,
		"--model", task.Model,
		"--input", task.File,
	)
	// Minimal explicit environment: only what the worker needs, not the
	// scheduler's full env, so a compromised worker can't read unrelated
	// secrets out of the parent's process environment.
	cmd.Env = []string{
		"CUDA_VISIBLE_DEVICES=" + gpuIndex,
		"PATH=" + os.Getenv("PATH"),
		"MODEL_BASE_PATH=" + r.cfg.ModelBasePath,
	}

	var stderrBuf bytes.Buffer
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching worker stderr: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching worker stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker process: %w", err)
	}
	r.processes.Register(task.ID, cmd.Process.Pid, task.Model)
	defer r.processes.Unregister(task.ID)

	go tailStderr(&stderrBuf, stderr)

	progressDone := make(chan struct{})
	if probeDuration != nil {
		go r.extrapolateProgress(ctx, task, probeDuration, progressDone)
	}

	result, parseErr := parseWorkerStdout(stdout)
	waitErr := cmd.Wait()
	close(progressDone)

	if waitErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("worker timed out after %ds: %s", r.cfg.TranscriptionTimeout, truncate(stderrBuf.Bytes(), maxStderrBytes))
		}
		return nil, fmt.Errorf("worker exited with error: %w: %s", waitErr, truncate(stderrBuf.Bytes(), maxStderrBytes))
	}
	if parseErr != nil {
		return nil, fmt.Errorf("parsing worker output: %w", parseErr)
	}

	return result, nil
}

// Cancel kills a running task's worker process tree (spec.md §4.6, user
// cancellation / timeout paths).
func (r *Runner) Cancel(taskID string) error {
	return r.processes.Kill(taskID)
}

func tailStderr(buf *bytes.Buffer, stderr interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Bytes()
		if buf.Len()+len(line) > maxStderrBytes {
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
		log.Trace().Str("worker_stderr", string(line)).Msg("worker output")
	}
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[len(b)-max:])
}

// extrapolateProgress publishes a linear 20%->90% progress estimate based on
// audio_duration * speed_factor, capped at 90% until the worker actually
// returns (spec.md §4.6): the blocking transcription call gives no
// incremental feedback, so this is the only progress a caller sees mid-run.
func (r *Runner) extrapolateProgress(ctx context.Context, task *types.Task, probe audioDurationProbe, done chan struct{}) {
	duration, err := probe(ctx, task.File)
	if err != nil || duration <= 0 {
		return
	}

	factor := r.speedFactorFor(task.Model)
	estimatedSeconds := duration * factor
	if estimatedSeconds <= 0 {
		return
	}

	start := time.Now()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed := time.Since(start).Seconds()
			fraction := elapsed / estimatedSeconds
			if fraction > 1 {
				fraction = 1
			}
			progress := 20 + fraction*(90-20)
			r.fabric.Publish(ctx, types.Event{
				Kind: types.EventTaskUpdate,
				TaskUpdate: &types.TaskUpdateEvent{
					TaskID:   task.ID,
					Status:   types.StatusProcessing,
					Progress: progress,
				},
			})
		}
	}
}

func (r *Runner) speedFactorFor(model string) float64 {
	switch model {
	case "tiny":
		return r.speed.Tiny
	case "base":
		return r.speed.Base
	case "small":
		return r.speed.Small
	case "medium":
		return r.speed.Medium
	case "large":
		return r.speed.Large
	case "turbo":
		return r.speed.Turbo
	default:
		return r.speed.Medium
	}
}

// parseWorkerStdout reads the worker's single JSON result line from stdout.
// Kept deliberately narrow: output serialization (writing SRT/VTT/TXT files)
// is explicitly out of scope (spec.md Non-goals) and lives in pkg/sink.
func parseWorkerStdout(stdout interface{ Read([]byte) (int, error) }) (*types.Result, error) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var lastLine []byte
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lastLine = append([]byte(nil), line...)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if lastLine == nil {
		return nil, fmt.Errorf("worker produced no output")
	}

	return decodeResult(lastLine)
}

func decodeResult(line []byte) (*types.Result, error) {
	var result types.Result
	if err := json.Unmarshal(line, &result); err != nil {
		return nil, fmt.Errorf("invalid worker result JSON: %w", err)
	}
	return &result, nil
}
