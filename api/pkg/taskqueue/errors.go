package taskqueue

import (
	"errors"
	"strings"
)

var (
	// ErrGPUPoolFull means every GPU is currently fully reserved; the task
	// should stay PENDING and be retried on a later scheduling cycle.
	ErrGPUPoolFull = errors.New("no gpu has enough available memory for this task")
	// ErrModelWontFit means even an idle GPU's total memory can't satisfy
	// the model's estimated requirement — retrying won't help.
	ErrModelWontFit = errors.New("model estimate exceeds every gpu's total memory")
	// ErrNoGPUAvailable means the inventory reported zero GPUs.
	ErrNoGPUAvailable = errors.New("no gpus available")
)

// ErrorHandlingStrategy decides whether a scheduling error should leave a
// task queued for another attempt or fail it outright. Ported from the
// teacher's ErrorHandlingStrategy dispatch shape (errors.go), generalized
// from runner-slot errors to GPU-pool errors.
func ErrorHandlingStrategy(err error) (retry bool, failureMessage string) {
	switch {
	case errors.Is(err, ErrGPUPoolFull):
		return true, ""
	case errors.Is(err, ErrModelWontFit):
		return false, err.Error()
	case errors.Is(err, ErrNoGPUAvailable):
		return false, err.Error()
	default:
		return false, err.Error()
	}
}

// nonRetryableKeywords and transientKeywords are checked, in this order,
// against a worker failure's error text. Ported verbatim from the Python
// queue_manager.py's _is_transcription_error: non-retryable substrings win
// even if a transient-sounding word also appears, and anything matching
// neither list defaults to non-retryable rather than silently retrying
// forever.
var nonRetryableKeywords = []string{
	"unsupported language",
	"invalid audio format",
	"corrupted file",
	"file not found",
	"no such file",
	"permission denied",
	"invalid model",
	"model not found",
	"unsupported format",
	"decode error",
	"empty audio",
	"zero duration",
}

var transientKeywords = []string{
	"out of memory",
	"cuda error",
	"cuda out of memory",
	"connection reset",
	"timeout",
	"timed out",
	"temporary",
	"resource exhausted",
	"device busy",
	"broken pipe",
}

// ClassifyWorkerError decides whether a worker's reported failure is worth
// retrying. kind, when non-empty, is a structured error tag the worker set
// explicitly (preferred over guessing from text); message is consulted only
// when kind is empty or not one of the recognised tags.
func ClassifyWorkerError(kind string, message string) (retryable bool) {
	if k := strings.ToLower(strings.TrimSpace(kind)); k != "" {
		switch k {
		case "transient", "retryable":
			return true
		case "permanent", "non_retryable", "nonretryable":
			return false
		}
	}

	lower := strings.ToLower(message)
	for _, kw := range nonRetryableKeywords {
		if strings.Contains(lower, kw) {
			return false
		}
	}
	for _, kw := range transientKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
