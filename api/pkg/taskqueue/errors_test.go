package taskqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyWorkerError_StructuredKindWins(t *testing.T) {
	assert.True(t, ClassifyWorkerError("transient", "corrupted file"))
	assert.False(t, ClassifyWorkerError("permanent", "cuda out of memory"))
}

func TestClassifyWorkerError_NonRetryableBeatsTransientKeyword(t *testing.T) {
	// "timeout" is transient, but the message also names a non-retryable
	// condition; non-retryable must win regardless of ordering.
	assert.False(t, ClassifyWorkerError("", "invalid audio format, timeout while probing"))
}

func TestClassifyWorkerError_TransientKeywordRetries(t *testing.T) {
	assert.True(t, ClassifyWorkerError("", "CUDA out of memory: tried to allocate 2.00 GiB"))
}

func TestClassifyWorkerError_UnknownDefaultsToNonRetryable(t *testing.T) {
	assert.False(t, ClassifyWorkerError("", "something inexplicable happened"))
}

func TestErrorHandlingStrategy_PoolFullRetries(t *testing.T) {
	retry, msg := ErrorHandlingStrategy(ErrGPUPoolFull)
	assert.True(t, retry)
	assert.Empty(t, msg)
}

func TestErrorHandlingStrategy_ModelWontFitFails(t *testing.T) {
	retry, msg := ErrorHandlingStrategy(ErrModelWontFit)
	assert.False(t, retry)
	assert.NotEmpty(t, msg)
}
