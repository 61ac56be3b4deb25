package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/httprunner/DeviceFarm/internal/batch"
	"github.com/httprunner/DeviceFarm/internal/config"
	"github.com/httprunner/DeviceFarm/internal/oob"
	"github.com/httprunner/DeviceFarm/internal/oob/health"
	"github.com/httprunner/DeviceFarm/internal/oob/recovery"
	"github.com/httprunner/DeviceFarm/internal/oob/rules"
	"github.com/httprunner/DeviceFarm/internal/registry"
	"github.com/httprunner/DeviceFarm/internal/storage"
	"github.com/httprunner/DeviceFarm/internal/worker"
	"github.com/httprunner/DeviceFarm/internal/workload"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	shutdownGrace         = 45 * time.Second
	workloadShutdownGrace = 30 * time.Second
)

func newServeCmd() *cobra.Command {
	var (
		flagAddr   string
		flagDryRun bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the OOB supervisor, device registry loops, workload engine and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			cfg.Serve.Addr = firstNonEmpty(flagAddr, cfg.Serve.Addr)
			if cmd.Flags().Changed("dry-run") {
				cfg.Serve.DryRun = flagDryRun
				cfg.Recovery.DryRun = flagDryRun
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&flagAddr, "addr", "", "HTTP listen address (default from SERVE_ADDR)")
	cmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Log recoveries instead of running them (default from OOB_DRY_RUN)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := registry.New(store.Devices, cfg.Registry)
	collector := health.NewCollector(cfg.Health, store.Health)
	ruleEngine := rules.NewEngine(cfg.Rules)
	dispatcher := recovery.NewDispatcher(cfg.Recovery, boxFactory(cfg.Box), store.Recoveries)

	ctl, closeCtl, err := newController(cfg.Control)
	if err != nil {
		return errors.Wrap(err, "init device control")
	}
	defer closeCtl()
	executor := batch.NewExecutor(reg, ctl, cfg.Batch)
	workloads := workload.NewEngine(store.Workloads, executor, cfg.Workload)
	pauseInterrupted(ctx, store.Workloads, workloads)

	supervisor := oob.NewSupervisor(oob.Config{
		PollInterval:  cfg.Serve.PollInterval,
		DryRun:        cfg.Serve.DryRun,
		MaxRecoveries: cfg.Serve.MaxRecoveries,
	}, collector, ruleEngine, dispatcher, oob.TCPBoxProbe(cfg.Box.ConnectTimeout))

	workloadAPI := workload.NewHandler(workloads, store.Workloads)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/oob/", oob.NewHandler(collector, ruleEngine, dispatcher))
	mux.Handle("/workloads", workloadAPI)
	mux.Handle("/workloads/", workloadAPI)
	mux.Handle("/videos", workloadAPI)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: cfg.Serve.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	group := worker.NewGroup(ctx)
	group.Go("http", func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		log.Info().Str("addr", cfg.Serve.Addr).Msg("http api listening")
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return errors.Wrap(err, "http server")
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}
	})
	group.Go("oob-supervisor", supervisor.Run)
	group.Go("registry-sweeper", func(ctx context.Context) error {
		return reg.RunSweeper(ctx, cfg.Serve.SweepInterval)
	})
	group.Go("device-sync", func(ctx context.Context) error {
		return reg.RunDeviceSync(ctx, ctl, cfg.Serve.DeviceSyncInterval)
	})
	group.Go("workload-shutdown", func(ctx context.Context) error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), workloadShutdownGrace)
		defer cancel()
		workloads.Shutdown(shutdownCtx)
		log.Info().Msg("workloads paused for shutdown")
		return nil
	})

	log.Info().
		Str("addr", cfg.Serve.Addr).
		Dur("poll_interval", cfg.Serve.PollInterval).
		Dur("sweep_interval", cfg.Serve.SweepInterval).
		Dur("device_sync_interval", cfg.Serve.DeviceSyncInterval).
		Bool("dry_run", cfg.Serve.DryRun).
		Msg("devicefarm serving")
	err = group.Wait(shutdownGrace)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// pauseInterrupted marks workloads left active by a previous process as
// paused so they can be resumed explicitly.
func pauseInterrupted(ctx context.Context, repo *storage.WorkloadRepo, engine *workload.Engine) {
	active, err := repo.ListWorkloads(ctx,
		workload.StatusListing, workload.StatusExecuting, workload.StatusRecording, workload.StatusWaiting)
	if err != nil {
		log.Error().Err(err).Msg("list interrupted workloads failed")
		return
	}
	for _, wl := range active {
		if err := engine.Pause(ctx, wl.ID); err != nil {
			log.Error().Err(err).Str("workload", wl.ID).Msg("pause interrupted workload failed")
			continue
		}
		log.Warn().Str("workload", wl.ID).Int("resume_index", wl.CurrentIndex).Msg("interrupted workload paused")
	}
}
