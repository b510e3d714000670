// Package sink defines the boundary between a completed task's in-memory
// Result and wherever it ends up durably stored. Serialization into
// TXT/SRT/VTT/JSON is explicitly out of scope (spec.md §1, Non-goals) — this
// package only owns the interface contract and the timestamp-disambiguation
// rule a local reference implementation needs, grounded on the shape of the
// teacher's filestore.FileStore interface and the disambiguation behavior
// of the Python core/transcription_saver.py this replaces.
package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/grigs28/whisper-scheduler/api/pkg/types"
)

// ResultSink persists a task's result payload, returning the paths it
// wrote. Output-format-specific encoding belongs to the caller (or a future
// package); ResultSink only guarantees a unique destination and an atomic
// write per format.
type ResultSink interface {
	Save(ctx context.Context, task *types.Task, format types.OutputFormat, content []byte) (path string, err error)
}

// LocalResultSink writes to a directory on local disk. It is a reference
// implementation sufficient for tests and single-machine deployments; a
// production deployment would likely swap in an object-storage-backed
// ResultSink without the scheduler needing to change.
type LocalResultSink struct {
	baseDir string
	now     func() time.Time
}

func NewLocalResultSink(baseDir string) *LocalResultSink {
	return &LocalResultSink{baseDir: baseDir, now: time.Now}
}

func (s *LocalResultSink) Save(_ context.Context, task *types.Task, format types.OutputFormat, content []byte) (string, error) {
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}

	path := s.destinationPath(task, format)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return "", fmt.Errorf("writing result file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("finalizing result file: %w", err)
	}
	return path, nil
}

// destinationPath builds a filename from the task ID, source file stem, and
// output format, appending a timestamp suffix only if that exact name is
// already taken — matching transcription_saver.py's "don't clobber, don't
// rename unnecessarily" disambiguation rule.
func (s *LocalResultSink) destinationPath(task *types.Task, format types.OutputFormat) string {
	stem := strings.TrimSuffix(filepath.Base(task.File), filepath.Ext(task.File))
	ext := strings.ToLower(string(format))

	base := fmt.Sprintf("%s_%s.%s", stem, task.ID, ext)
	path := filepath.Join(s.baseDir, base)

	if _, err := os.Stat(path); err == nil {
		suffixed := fmt.Sprintf("%s_%s_%d.%s", stem, task.ID, s.now().Unix(), ext)
		path = filepath.Join(s.baseDir, suffixed)
	}

	return path
}
