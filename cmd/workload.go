package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/httprunner/DeviceFarm/internal/batch"
	"github.com/httprunner/DeviceFarm/internal/config"
	"github.com/httprunner/DeviceFarm/internal/registry"
	"github.com/httprunner/DeviceFarm/internal/storage"
	"github.com/httprunner/DeviceFarm/internal/workload"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// workloadEnv is the engine plus what it needs, opened per command.
type workloadEnv struct {
	cfg    config.Config
	store  *storage.Store
	engine *workload.Engine
	close  func()
}

// openWorkloadEnv opens storage and, when withDevices is set, the device
// controller and batch executor needed to actually run videos.
func openWorkloadEnv(ctx context.Context, withDevices bool) (*workloadEnv, error) {
	cfg := config.Load()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	var (
		exec     workload.Executor = idleExecutor{}
		closeCtl                   = func() {}
	)
	if withDevices {
		ctl, closeFn, err := newController(cfg.Control)
		if err != nil {
			store.Close()
			return nil, errors.Wrap(err, "init device control")
		}
		closeCtl = closeFn
		exec = batch.NewExecutor(registry.New(store.Devices, cfg.Registry), ctl, cfg.Batch)
	}
	return &workloadEnv{
		cfg:    cfg,
		store:  store,
		engine: workload.NewEngine(store.Workloads, exec, cfg.Workload),
		close: func() {
			closeCtl()
			store.Close()
		},
	}, nil
}

// idleExecutor backs commands that only change persisted state.
type idleExecutor struct{}

func (idleExecutor) ExecuteHalfBatches(ctx context.Context, job batch.Job) ([]batch.Result, error) {
	return nil, errors.New("workload execution is not available in this command")
}

func newWorkloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workload",
		Short: "Create, run and inspect watch workloads",
	}
	cmd.AddCommand(
		newWorkloadCreateCmd(),
		newWorkloadAddVideoCmd(),
		newWorkloadRunCmd("start", "Run a pending or paused workload in the foreground", false),
		newWorkloadRunCmd("resume", "Resume a paused workload in the foreground", true),
		newWorkloadStateCmd("cancel", "Cancel a workload that is not running in this process",
			func(ctx context.Context, e *workload.Engine, id string) error { return e.Cancel(ctx, id) }),
		newWorkloadStateCmd("pause", "Mark an interrupted workload paused",
			func(ctx context.Context, e *workload.Engine, id string) error { return e.Pause(ctx, id) }),
		newWorkloadStatusCmd(),
		newWorkloadListCmd(),
	)
	return cmd
}

func newWorkloadCreateCmd() *cobra.Command {
	var (
		flagName     string
		flagVideos   []string
		flagTargets  []string
		flagInterval time.Duration
		flagWatchMin time.Duration
		flagWatchMax time.Duration
		flagLike     float64
		flagPause    bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pending workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			wenv, err := openWorkloadEnv(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer wenv.close()
			wl, err := wenv.engine.Create(cmd.Context(), workload.Spec{
				Name:     flagName,
				VideoIDs: flagVideos,
				Options: batch.Options{
					WatchMin:        flagWatchMin,
					WatchMax:        flagWatchMax,
					LikeProbability: flagLike,
					RandomPause:     flagPause,
				},
				CycleInterval:      flagInterval,
				TargetWorkstations: flagTargets,
			})
			if err != nil {
				return err
			}
			return printJSON(wl)
		},
	}
	cmd.Flags().StringVar(&flagName, "name", "", "Display name")
	cmd.Flags().StringSliceVar(&flagVideos, "videos", nil, "Video ids in play order (required)")
	cmd.Flags().StringSliceVar(&flagTargets, "targets", nil, "Workstations to run on (default all)")
	cmd.Flags().DurationVar(&flagInterval, "cycle-interval", 0, "Pause between videos (default from CYCLE_INTERVAL)")
	cmd.Flags().DurationVar(&flagWatchMin, "watch-min", 0, "Minimum watch time (default from WATCH_MIN_SEC)")
	cmd.Flags().DurationVar(&flagWatchMax, "watch-max", 0, "Maximum watch time (default from WATCH_MAX_SEC)")
	cmd.Flags().Float64Var(&flagLike, "like-probability", 0, "Chance a device likes the video; negative disables")
	cmd.Flags().BoolVar(&flagPause, "random-pause", false, "Pause playback once at a random point")
	return cmd
}

func newWorkloadAddVideoCmd() *cobra.Command {
	var flagID, flagURL, flagTitle string
	cmd := &cobra.Command{
		Use:   "add-video",
		Short: "Store or replace video metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			wenv, err := openWorkloadEnv(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer wenv.close()
			v := workload.Video{ID: flagID, URL: flagURL, Title: flagTitle}
			if err := wenv.engine.AddVideo(cmd.Context(), v); err != nil {
				return err
			}
			log.Info().Str("video", flagID).Msg("video saved")
			return nil
		},
	}
	cmd.Flags().StringVar(&flagID, "id", "", "Video id (required)")
	cmd.Flags().StringVar(&flagURL, "url", "", "Absolute video URL (required)")
	cmd.Flags().StringVar(&flagTitle, "title", "", "Title")
	return cmd
}

// newWorkloadRunCmd runs the loop in this process until it finishes. An
// interrupt pauses the workload after the batch in flight.
func newWorkloadRunCmd(use, short string, resume bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			wenv, err := openWorkloadEnv(ctx, true)
			if err != nil {
				return err
			}
			defer wenv.close()

			if resume {
				err = wenv.engine.Resume(ctx, id)
			} else {
				err = wenv.engine.Start(ctx, id)
			}
			if err != nil {
				return err
			}
			done := make(chan struct{})
			go func() {
				wenv.engine.Wait(id)
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				log.Warn().Str("workload", id).Msg("interrupt received, pausing after the current batch")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), workloadShutdownGrace)
				wenv.engine.Shutdown(shutdownCtx)
				cancel()
			}
			wl, err := wenv.engine.Status(context.Background(), id)
			if err != nil {
				return err
			}
			if err := printJSON(wl); err != nil {
				return err
			}
			if wl.Status == workload.StatusError {
				return errors.Errorf("workload %s failed: %s", id, wl.LastError)
			}
			return nil
		},
	}
}

func newWorkloadStateCmd(use, short string, apply func(context.Context, *workload.Engine, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wenv, err := openWorkloadEnv(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer wenv.close()
			if err := apply(cmd.Context(), wenv.engine, args[0]); err != nil {
				return err
			}
			wl, err := wenv.engine.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(wl)
		},
	}
}

func newWorkloadStatusCmd() *cobra.Command {
	var flagLogs int
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show a workload, its cycles and recent log entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			wenv, err := openWorkloadEnv(ctx, false)
			if err != nil {
				return err
			}
			defer wenv.close()
			wl, err := wenv.engine.Status(ctx, args[0])
			if err != nil {
				return err
			}
			cycles, err := wenv.store.Workloads.Cycles(ctx, wl.ID)
			if err != nil {
				return err
			}
			logs, err := wenv.store.Workloads.Logs(ctx, wl.ID, flagLogs)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"workload": wl, "cycles": cycles, "logs": logs})
		},
	}
	cmd.Flags().IntVar(&flagLogs, "logs", 20, "Number of recent log entries")
	return cmd
}

func newWorkloadListCmd() *cobra.Command {
	var flagStatus []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workloads, optionally by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			wenv, err := openWorkloadEnv(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer wenv.close()
			statuses := make([]workload.Status, 0, len(flagStatus))
			for _, s := range flagStatus {
				statuses = append(statuses, workload.Status(s))
			}
			list, err := wenv.store.Workloads.ListWorkloads(cmd.Context(), statuses...)
			if err != nil {
				return err
			}
			return printJSON(list)
		},
	}
	cmd.Flags().StringSliceVar(&flagStatus, "status", nil, "Only these statuses")
	return cmd
}
