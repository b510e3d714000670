// Package config loads the scheduler's environment-overridable settings.
package config

import "github.com/kelseyhightower/envconfig"

// SchedulerConfig holds every tunable the scheduler reads at startup. All
// fields are overridable by an environment variable of the same name as the
// envconfig tag.
type SchedulerConfig struct {
	// MaxConcurrentTranscriptions is the global cap on tasks in the
	// PROCESSING state at once, across all GPUs.
	MaxConcurrentTranscriptions int `envconfig:"MAX_CONCURRENT_TRANSCRIPTIONS" default:"5"`

	// MaxTasksPerGPU caps how many tasks may be PROCESSING on a single GPU.
	MaxTasksPerGPU int `envconfig:"MAX_TASKS_PER_GPU" default:"10"`

	// MemorySafetyMargin is the fraction of total GPU memory withheld to
	// absorb driver-reported fluctuations.
	MemorySafetyMargin float64 `envconfig:"MEMORY_SAFETY_MARGIN" default:"0.10"`

	// ReservedMemoryGB is a static, per-GPU system reserve subtracted before
	// any scheduling decision.
	ReservedMemoryGB float64 `envconfig:"RESERVED_MEMORY" default:"0"`

	// MemoryConfidenceFactor multiplies the calibration std-deviation term.
	MemoryConfidenceFactor float64 `envconfig:"MEMORY_CONFIDENCE_FACTOR" default:"1.0"`

	// MemoryCalibrationFactor is a global scalar applied on top of every
	// estimate, for fleet-wide tuning without touching per-model data.
	MemoryCalibrationFactor float64 `envconfig:"MEMORY_CALIBRATION_FACTOR" default:"1.0"`

	// MaxTaskRetries is loaded from the environment but not read by the
	// task queue: taskqueue.Queue.Add gives a task that doesn't specify its
	// own retry budget a fixed default of 3, whatever this is set to.
	MaxTaskRetries int `envconfig:"MAX_TASK_RETRIES" default:"3"`

	// TranscriptionTimeout bounds a single worker invocation, in seconds.
	TranscriptionTimeout int `envconfig:"TRANSCRIPTION_TIMEOUT" default:"3600"`

	// ModelBasePath is where downloaded model weights are cached.
	ModelBasePath string `envconfig:"MODEL_BASE_PATH" default:"./models"`

	// ModelDownloadBaseURL is the mirror models are fetched from when
	// absent from ModelBasePath; a model's weights are expected at
	// <ModelDownloadBaseURL>/<model>.
	ModelDownloadBaseURL string `envconfig:"MODEL_DOWNLOAD_BASE_URL" default:"https://huggingface.co/openai/whisper-models/resolve/main"`

	// UploadFolder is where submitted audio files live.
	UploadFolder string `envconfig:"UPLOAD_FOLDER" default:"./uploads"`

	// OutputFolder is where the result sink writes transcripts.
	OutputFolder string `envconfig:"OUTPUT_FOLDER" default:"./outputs"`

	// BatchScheduleInterval is the sleep between scheduler cycles, in
	// seconds.
	BatchScheduleInterval int `envconfig:"BATCH_SCHEDULE_INTERVAL" default:"2"`

	// CalibrationFilePath is where the memory estimator persists its
	// observation log.
	CalibrationFilePath string `envconfig:"CALIBRATION_FILE_PATH" default:"./calibration.json"`

	// CalibrationRetentionDays prunes observations older than this from the
	// persisted file.
	CalibrationRetentionDays int `envconfig:"CALIBRATION_RETENTION_DAYS" default:"30"`

	// DevelopmentCPUOnly disables nvidia-smi shellouts and reports a single
	// simulated GPU, for local development and CI.
	DevelopmentCPUOnly bool `envconfig:"DEVELOPMENT_CPU_ONLY" default:"false"`
}

// Load reads the scheduler configuration from the environment, applying
// defaults for anything unset.
func Load() (SchedulerConfig, error) {
	var cfg SchedulerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return SchedulerConfig{}, err
	}
	return cfg, nil
}
