package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/grigs28/whisper-scheduler/api/pkg/config"
	"github.com/grigs28/whisper-scheduler/api/pkg/events"
	"github.com/grigs28/whisper-scheduler/api/pkg/gpu"
	"github.com/grigs28/whisper-scheduler/api/pkg/gpumem"
	"github.com/grigs28/whisper-scheduler/api/pkg/scheduler"
	"github.com/grigs28/whisper-scheduler/api/pkg/sink"
	"github.com/grigs28/whisper-scheduler/api/pkg/taskqueue"
	"github.com/grigs28/whisper-scheduler/api/pkg/worker"
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "whisper-scheduler",
		Short: "GPU-aware batch scheduler for audio transcription tasks",
		Long:  "Runs the task queue, GPU memory pool, and batch dispatch loop described in the project's spec. Does not serve HTTP, store files, or run the transcription engine itself.",
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the scheduler version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "whisper-scheduler (dev)")
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var workerBinary string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), workerBinary)
		},
	}

	cmd.Flags().StringVar(&workerBinary, "worker-binary", "whisper-worker", "path to the isolated transcription worker executable")

	return cmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func serve(ctx context.Context, workerBinary string) error {
	setupLogging()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading scheduler config: %w", err)
	}
	workerCfg, err := config.LoadWorkerConfig()
	if err != nil {
		return fmt.Errorf("loading worker config: %w", err)
	}

	commander := &gpu.RealCommander{}
	inventory := gpu.NewNvidiaSMIInventory(ctx, commander, cfg.DevelopmentCPUOnly)
	pool := gpumem.NewPool(inventory, gpumem.Config{
		SafetyMarginFraction: cfg.MemorySafetyMargin,
		ReservedGB:           cfg.ReservedMemoryGB,
	})

	estimator, err := gpumem.NewEstimator(workerCfg.BaseMemory, cfg)
	if err != nil {
		return fmt.Errorf("starting memory estimator: %w", err)
	}
	defer estimator.Close()

	queue := taskqueue.New()
	fabric := events.New(256)
	defer fabric.Close()

	processes := gpu.NewProcessTracker()
	downloader := worker.HTTPDownloader(cfg.ModelDownloadBaseURL, nil)
	modelCache := worker.NewModelCache(cfg.ModelBasePath, downloader, fabric)
	runner := worker.NewRunner(commander, processes, fabric, cfg, workerCfg.SpeedFactor, workerBinary, modelCache)
	resultSink := sink.NewLocalResultSink(cfg.OutputFolder)

	sched := scheduler.New(cfg, queue, pool, estimator, runner, fabric, resultSink)

	log.Info().
		Int("max_concurrent", cfg.MaxConcurrentTranscriptions).
		Int("batch_interval_s", cfg.BatchScheduleInterval).
		Bool("development_cpu_only", cfg.DevelopmentCPUOnly).
		Msg("scheduler starting")

	sched.Run(ctx)

	log.Info().Msg("scheduler shut down")
	return nil
}
