package types

import "time"

// EventKind tags the three record shapes the progress fabric fans out
// (spec.md §4.7).
type EventKind string

const (
	EventTaskUpdate       EventKind = "task_update"
	EventDownloadProgress EventKind = "download_progress"
	EventLogMessage       EventKind = "log_message"
)

// Event is the envelope every subscriber receives, regardless of kind.
// Consumers switch on Kind and read the matching payload field; the other
// payload fields are left zero.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	TaskUpdate       *TaskUpdateEvent       `json:"task_update,omitempty"`
	DownloadProgress *DownloadProgressEvent `json:"download_progress,omitempty"`
	LogMessage       *LogMessageEvent       `json:"log_message,omitempty"`
}

// TaskUpdateEvent mirrors the mutable fields of Task a subscriber cares
// about, published on every status or progress change.
type TaskUpdateEvent struct {
	TaskID   string  `json:"task_id"`
	Status   Status  `json:"status"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// DownloadProgressEvent reports model-weight download progress, keyed by
// model rather than task since a download is shared across every task
// waiting on that model.
type DownloadProgressEvent struct {
	Model      string  `json:"model"`
	BytesDone  int64   `json:"bytes_done"`
	BytesTotal int64   `json:"bytes_total"`
	Fraction   float64 `json:"fraction"`
}

// LogMessageEvent carries a single structured log line out of the fabric
// for consumers that want a live tail without attaching to the process's
// own logger.
type LogMessageEvent struct {
	Level   string `json:"level"`
	Source  string `json:"source"`
	Message string `json:"message"`
}
