package gpumem

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"

	"github.com/grigs28/whisper-scheduler/api/pkg/config"
)

// defaultFallbackGB is what Estimator returns for a model it has never seen
// a base-table entry or a calibration sample for (grounded on the Python
// memory_manager.py's hardcoded 5GB default).
const defaultFallbackGB = 5.0

// maxSamplesPerModel bounds the in-memory rolling window used for the
// calibration statistics; older samples are dropped first.
const maxSamplesPerModel = 50

// maxPersistedRecords bounds the on-disk observation log across all models
// combined, pruned oldest-first once exceeded.
const maxPersistedRecords = 1000

// observation is one worker's actual peak memory usage for a (gpu_id,
// model) run, persisted so calibration survives a scheduler restart. The
// field set matches the calibration persistence file contract (spec.md §6)
// verbatim, which is why this type doubles as the on-disk record shape.
type observation struct {
	Timestamp         time.Time `json:"timestamp"`
	GPUID             string    `json:"gpu_id"`
	ModelName         string    `json:"model_name"`
	EstimatedMemory   float64   `json:"estimated_memory"`
	ActualMemory      float64   `json:"actual_memory"`
	Difference        float64   `json:"difference"`
	AudioDuration     float64   `json:"audio_duration,omitempty"`
	TaskID            string    `json:"task_id,omitempty"`
	Success           bool      `json:"success"`
	CalibrationFactor float64   `json:"calibration_factor"`
}

// calibrationFile is the top-level document written to disk (spec.md §6's
// "Calibration persistence file" contract): `last_updated`, `total_records`,
// and the `records` array itself.
type calibrationFile struct {
	LastUpdated  time.Time     `json:"last_updated"`
	TotalRecords int           `json:"total_records"`
	Records      []observation `json:"records"`
}

// calibrationKey identifies one (gpu_id, model) calibration series; the NUL
// separator can't appear in either input so it can't collide.
func calibrationKey(gpuID, model string) string {
	return gpuID + "\x00" + model
}

// Estimator predicts how much GPU memory a task will need before it runs,
// and refines that prediction from what tasks actually used. The formula —
// max(base, avg + stddev*confidence) — and the persisted-observation design
// are ported verbatim from the Python core/memory_manager.py this system
// replaces.
type Estimator struct {
	baseTable   config.BaseMemoryTable
	calibration config.SchedulerConfig // for ConfidenceFactor / CalibrationFactor
	filePath    string

	mu    sync.RWMutex
	byKey map[string][]observation

	scheduler gocron.Scheduler
}

// NewEstimator loads any persisted observations from cfg.CalibrationFilePath, if present,
// and starts a daily pruning job honoring cfg.CalibrationRetentionDays.
func NewEstimator(baseTable config.BaseMemoryTable, cfg config.SchedulerConfig) (*Estimator, error) {
	e := &Estimator{
		baseTable:   baseTable,
		calibration: cfg,
		filePath:    cfg.CalibrationFilePath,
		byKey:       make(map[string][]observation),
	}

	if err := e.load(); err != nil {
		return nil, fmt.Errorf("loading calibration file: %w", err)
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("creating calibration prune scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(3, 0, 0))),
		gocron.NewTask(func() {
			if err := e.prune(cfg.CalibrationRetentionDays); err != nil {
				log.Error().Err(err).Msg("calibration retention prune failed")
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("scheduling calibration prune job: %w", err)
	}
	s.Start()
	e.scheduler = s

	return e, nil
}

// Close stops the retention-pruning job.
func (e *Estimator) Close() error {
	if e.scheduler != nil {
		return e.scheduler.Shutdown()
	}
	return nil
}

// Estimate returns the predicted GB of GPU memory a task running model on
// gpuID will need, scaled by the global MemoryCalibrationFactor. Calibration
// is tracked per (gpu_id, model): two GPUs running the same model can settle
// on different estimates if their observed usage differs (spec.md §3/§4.3).
func (e *Estimator) Estimate(gpuID, model string) float64 {
	e.mu.RLock()
	samples := e.byKey[calibrationKey(gpuID, model)]
	e.mu.RUnlock()

	base := e.baseGB(model)
	estimate := base

	if len(samples) > 0 {
		avg, stddev := meanStdDev(samples)
		calibrated := avg + stddev*e.calibration.MemoryConfidenceFactor
		estimate = math.Max(base, calibrated)
	}

	return estimate * e.calibration.MemoryCalibrationFactor
}

func (e *Estimator) baseGB(model string) float64 {
	switch model {
	case "tiny":
		return e.baseTable.Tiny
	case "base":
		return e.baseTable.Base
	case "small":
		return e.baseTable.Small
	case "medium":
		return e.baseTable.Medium
	case "large":
		return e.baseTable.Large
	case "turbo":
		return e.baseTable.Turbo
	default:
		return defaultFallbackGB
	}
}

// Record stores a worker's actual peak memory usage for a successful task,
// which future Estimate calls for the same (gpu_id, model) will factor in.
// estimatedGB is whatever Estimate returned before the task ran, so the
// persisted record can carry the documented difference/calibration_factor
// fields (spec.md §6). Observations are only ever recorded on success — a
// failed task's memory usage, if any, is discarded per spec.md §4.6, so
// there is no `success` parameter: every call here implies true.
func (e *Estimator) Record(gpuID, model, taskID string, estimatedGB, actualGB, audioDurationSeconds float64) error {
	factor := 1.0
	if estimatedGB > 0 {
		factor = actualGB / estimatedGB
	}

	obs := observation{
		Timestamp:         time.Now(),
		GPUID:             gpuID,
		ModelName:         model,
		EstimatedMemory:   estimatedGB,
		ActualMemory:      actualGB,
		Difference:        actualGB - estimatedGB,
		AudioDuration:     audioDurationSeconds,
		TaskID:            taskID,
		Success:           true,
		CalibrationFactor: factor,
	}

	key := calibrationKey(gpuID, model)

	e.mu.Lock()
	samples := append(e.byKey[key], obs)
	if len(samples) > maxSamplesPerModel {
		samples = samples[len(samples)-maxSamplesPerModel:]
	}
	e.byKey[key] = samples
	e.mu.Unlock()

	return e.persist()
}

func meanStdDev(samples []observation) (mean, stddev float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.ActualMemory
	}
	mean = sum / float64(len(samples))

	var sqDiffSum float64
	for _, s := range samples {
		diff := s.ActualMemory - mean
		sqDiffSum += diff * diff
	}
	stddev = math.Sqrt(sqDiffSum / float64(len(samples)))
	return mean, stddev
}

// load reads the persisted calibration document, tolerating a missing file
// (the common case on first startup).
func (e *Estimator) load() error {
	data, err := os.ReadFile(e.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var doc calibrationFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing %s: %w", e.filePath, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range doc.Records {
		key := calibrationKey(r.GPUID, r.ModelName)
		e.byKey[key] = append(e.byKey[key], r)
	}
	for key, samples := range e.byKey {
		if len(samples) > maxSamplesPerModel {
			e.byKey[key] = samples[len(samples)-maxSamplesPerModel:]
		}
	}
	return nil
}

// persist atomically rewrites the calibration file: write to a temp file in
// the same directory, then rename, so a crash mid-write never leaves a
// truncated file behind for the next load() to choke on.
func (e *Estimator) persist() error {
	e.mu.RLock()
	all := make([]observation, 0, maxPersistedRecords)
	for _, samples := range e.byKey {
		all = append(all, samples...)
	}
	e.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	if len(all) > maxPersistedRecords {
		all = all[len(all)-maxPersistedRecords:]
	}

	doc := calibrationFile{
		LastUpdated:  time.Now(),
		TotalRecords: len(all),
		Records:      all,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(e.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calibration-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, e.filePath)
}

// prune drops observations older than retentionDays and rewrites the file,
// run once daily (spec.md §6's CalibrationRetentionDays).
func (e *Estimator) prune(retentionDays int) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	e.mu.Lock()
	removed := 0
	for key, samples := range e.byKey {
		kept := samples[:0]
		for _, s := range samples {
			if s.Timestamp.After(cutoff) {
				kept = append(kept, s)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(e.byKey, key)
		} else {
			e.byKey[key] = kept
		}
	}
	e.mu.Unlock()

	if removed > 0 {
		log.Info().Int("removed", removed).Msg("pruned expired calibration observations")
	}
	return e.persist()
}
