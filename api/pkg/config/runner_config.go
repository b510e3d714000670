package config

import "github.com/kelseyhightower/envconfig"

// WorkerConfig holds the per-model tunables the worker needs that aren't
// part of the core scheduling loop: the base memory table it falls back to
// when calibration data doesn't exist yet, and the speed factors used to
// extrapolate transcription progress while the blocking transcribe call is
// in flight.
type WorkerConfig struct {
	BaseMemory  BaseMemoryTable
	SpeedFactor SpeedFactorTable
}

func LoadWorkerConfig() (WorkerConfig, error) {
	var cfg WorkerConfig
	err := envconfig.Process("", &cfg)
	if err != nil {
		return WorkerConfig{}, err
	}
	return cfg, nil
}

// BaseMemoryTable is the fixed GB-per-model baseline from spec.md §3;
// models missing from the map fall back to 5 GB at the call site.
type BaseMemoryTable struct {
	Tiny   float64 `envconfig:"MODEL_MEMORY_TINY" default:"1"`
	Base   float64 `envconfig:"MODEL_MEMORY_BASE" default:"1"`
	Small  float64 `envconfig:"MODEL_MEMORY_SMALL" default:"2"`
	Medium float64 `envconfig:"MODEL_MEMORY_MEDIUM" default:"5"`
	Large  float64 `envconfig:"MODEL_MEMORY_LARGE" default:"10"`
	Turbo  float64 `envconfig:"MODEL_MEMORY_TURBO" default:"6"`
}

// SpeedFactorTable drives the time-based progress extrapolation described
// in spec.md §4.6: estimated wall-clock = audio duration * speed factor.
type SpeedFactorTable struct {
	Tiny   float64 `envconfig:"MODEL_SPEED_TINY" default:"0.10"`
	Base   float64 `envconfig:"MODEL_SPEED_BASE" default:"0.15"`
	Small  float64 `envconfig:"MODEL_SPEED_SMALL" default:"0.25"`
	Medium float64 `envconfig:"MODEL_SPEED_MEDIUM" default:"0.40"`
	Large  float64 `envconfig:"MODEL_SPEED_LARGE" default:"0.60"`
	Turbo  float64 `envconfig:"MODEL_SPEED_TURBO" default:"0.30"`
}
