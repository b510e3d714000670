package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grigs28/whisper-scheduler/api/pkg/events"
)

// validWeights is a payload large enough to pass the cache's "non-trivial
// size" present-check (spec.md §4.6).
var validWeights = make([]byte, minModelFileBytes)

func TestEnsure_SkipsDownloadWhenAlreadyCached(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "small"), validWeights, 0o644))

	calls := 0
	download := func(ctx context.Context, model, dest string, onProgress func(int64, int64)) error {
		calls++
		return nil
	}

	cache := NewModelCache(dir, download, events.New(8))
	path, err := cache.Ensure(context.Background(), "small")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "small"), path)
	assert.Equal(t, 0, calls)
}

func TestEnsure_RedownloadsATruncatedLeftover(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "small"), []byte("truncated"), 0o644))

	calls := 0
	download := func(ctx context.Context, model, dest string, onProgress func(int64, int64)) error {
		calls++
		return os.WriteFile(dest, validWeights, 0o644)
	}

	cache := NewModelCache(dir, download, events.New(8))
	_, err := cache.Ensure(context.Background(), "small")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestEnsure_DownloadsAndRenamesAtomically(t *testing.T) {
	dir := t.TempDir()

	download := func(ctx context.Context, model, dest string, onProgress func(int64, int64)) error {
		onProgress(50, 100)
		return os.WriteFile(dest, validWeights, 0o644)
	}

	cache := NewModelCache(dir, download, events.New(8))
	path, err := cache.Ensure(context.Background(), "medium")
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, validWeights, content)

	_, err = os.Stat(filepath.Join(dir, "medium.downloading"))
	assert.True(t, os.IsNotExist(err), "temp download file should be renamed away, not left behind")
}

func TestEnsure_RetriesTransientDownloadFailures(t *testing.T) {
	dir := t.TempDir()

	attempts := 0
	download := func(ctx context.Context, model, dest string, onProgress func(int64, int64)) error {
		attempts++
		if attempts < 2 {
			return assertError{"connection reset"}
		}
		return os.WriteFile(dest, validWeights, 0o644)
	}

	cache := NewModelCache(dir, download, events.New(8))
	_, err := cache.Ensure(context.Background(), "large")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, attempts, 2)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
