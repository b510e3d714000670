package worker

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grigs28/whisper-scheduler/api/pkg/config"
	"github.com/grigs28/whisper-scheduler/api/pkg/events"
	"github.com/grigs28/whisper-scheduler/api/pkg/gpu"
	"github.com/grigs28/whisper-scheduler/api/pkg/types"
)

// shellCommander ignores the name/args Run builds and always execs the
// configured shell script instead, since a real *exec.Cmd can't be faked
// any other way; this is enough to exercise Run's plumbing (env, stdout/
// stderr capture, timeout handling) without a real transcription binary.
type shellCommander struct {
	script string
}

func (c shellCommander) LookPath(string) (string, error) { return "/bin/sh", nil }

func (c shellCommander) CommandContext(ctx context.Context, _ string, _ ...string) *exec.Cmd {
	return exec.CommandContext(ctx, "sh", "-c", c.script)
}

// instantDownload satisfies the Downloader contract with a cheap local
// write, so tests never hit the network to exercise ModelCache.Ensure.
func instantDownload(_ context.Context, _, destPath string, onProgress func(done, total int64)) error {
	data := make([]byte, minModelFileBytes)
	if onProgress != nil {
		onProgress(int64(len(data)), int64(len(data)))
	}
	return os.WriteFile(destPath, data, 0o644)
}

func testRunner(t *testing.T, script string, timeoutSeconds int) *Runner {
	t.Helper()
	cfg := config.SchedulerConfig{TranscriptionTimeout: timeoutSeconds, ModelBasePath: t.TempDir()}
	fabric := events.New(8)
	t.Cleanup(fabric.Close)
	cache := NewModelCache(cfg.ModelBasePath, instantDownload, fabric)
	return NewRunner(shellCommander{script: script}, gpu.NewProcessTracker(), fabric, cfg, config.SpeedFactorTable{}, "whisper-worker", cache)
}

func TestRun_ParsesFinalJSONLineFromStdout(t *testing.T) {
	r := testRunner(t, `echo '{"text":"hello world"}'`, 5)
	task := &types.Task{ID: "t1", Model: "small", File: "a.wav"}

	result, err := r.Run(context.Background(), task, "0", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello world", result.Text)
}

func TestRun_IgnoresNonJSONLinesBeforeResult(t *testing.T) {
	r := testRunner(t, `echo "loading model..."; echo '{"text":"done"}'`, 5)
	task := &types.Task{ID: "t2", Model: "small", File: "a.wav"}

	result, err := r.Run(context.Background(), task, "0", nil)
	require.NoError(t, err)
	assert.Equal(t, "done", result.Text)
}

func TestRun_ReturnsErrorOnNonZeroExit(t *testing.T) {
	r := testRunner(t, `echo "cuda out of memory" 1>&2; exit 1`, 5)
	task := &types.Task{ID: "t3", Model: "small", File: "a.wav"}

	_, err := r.Run(context.Background(), task, "0", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cuda out of memory")
}

func TestRun_ReturnsErrorOnMissingOutput(t *testing.T) {
	r := testRunner(t, `true`, 5)
	task := &types.Task{ID: "t4", Model: "small", File: "a.wav"}

	_, err := r.Run(context.Background(), task, "0", nil)
	require.Error(t, err)
}

func TestRun_ReportsTimeoutDistinctlyFromOtherFailures(t *testing.T) {
	r := testRunner(t, `sleep 5`, 1)
	task := &types.Task{ID: "t5", Model: "small", File: "a.wav"}

	start := time.Now()
	_, err := r.Run(context.Background(), task, "0", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestCancel_KillsRegisteredProcess(t *testing.T) {
	r := testRunner(t, `sleep 30`, 30)
	task := &types.Task{ID: "t6", Model: "small", File: "a.wav"}

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), task, "0", nil)
		done <- err
	}()

	require.Eventually(t, func() bool {
		_, ok := r.processes.Lookup(task.ID)
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Cancel(task.ID))

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Cancel killed the process")
	}
}
