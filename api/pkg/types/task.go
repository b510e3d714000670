// Package types holds the data shapes shared across the scheduler's
// components: tasks, GPU state, and the events the progress fabric carries.
package types

import "time"

// Priority orders candidates within a model's queue. Higher values run
// first; RETRYING tasks float ahead of fresh PENDING tasks at the same
// priority (see sortCandidates in package taskqueue).
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Status is a task's position in the state machine described in spec.md §4.4.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRetrying   Status = "RETRYING"
)

// OutputFormat is one of the formats a task asks its result to be written
// in. The writers themselves live outside the core (spec.md §1).
type OutputFormat string

const (
	FormatTXT  OutputFormat = "TXT"
	FormatSRT  OutputFormat = "SRT"
	FormatVTT  OutputFormat = "VTT"
	FormatJSON OutputFormat = "JSON"
)

// Result is what a worker returns to the scheduler on success. The saved
// paths are filled in by the result sink after the scheduler invokes it.
type Result struct {
	Text        string            `json:"text"`
	Segments    []Segment         `json:"segments,omitempty"`
	SavedPaths  []string          `json:"saved_paths,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
	AudioSecond float64           `json:"audio_duration_seconds,omitempty"`

	// PeakMemoryGB is the worker's self-reported peak GPU memory usage for
	// the run, fed back to the memory estimator's calibration window on
	// success (spec.md §4.3 step 3, §4.6).
	PeakMemoryGB float64 `json:"peak_memory_gb,omitempty"`
}

// Segment is one timed chunk of a transcript.
type Segment struct {
	Start int64  `json:"start_ms"`
	End   int64  `json:"end_ms"`
	Text  string `json:"text"`
}

// Task is the unit of work described in spec.md §3. Exactly one file per
// task (§9); multi-file uploads are split by the submission layer before
// reaching the queue.
type Task struct {
	ID     string
	UserID string
	File   string
	Model  string

	Priority Priority
	Status   Status

	CreatedAt time.Time
	UpdatedAt time.Time
	StartTime time.Time
	EndTime   time.Time

	Progress float64
	Message  string

	Result *Result
	Error  string

	RetryCount int
	MaxRetries int

	AllocatedMemoryGB float64
	AllocatedGPU      string
	HasAllocation     bool

	OutputFormats []OutputFormat
}

// Clone returns a deep-enough copy for safe hand-off outside the queue's
// lock: callers get a snapshot, not a live pointer into queue internals.
func (t *Task) Clone() *Task {
	c := *t
	c.OutputFormats = append([]OutputFormat(nil), t.OutputFormats...)
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	return &c
}
