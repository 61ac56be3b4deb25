package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/httprunner/DeviceFarm/internal/agent"
	"github.com/httprunner/DeviceFarm/internal/config"
	"github.com/httprunner/DeviceFarm/internal/devicectl"
	"github.com/httprunner/DeviceFarm/internal/oob/box"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newNodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Commands that run on a workstation node",
	}

	var (
		flagSupervisor string
		flagNode       string
		flagInterval   time.Duration
		flagOnce       bool
	)
	report := &cobra.Command{
		Use:   "report",
		Short: "Push heartbeats with adb, control-app, box and host state to the supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			acfg := cfg.Agent
			acfg.SupervisorURL = firstNonEmpty(flagSupervisor, acfg.SupervisorURL)
			acfg.NodeID = firstNonEmpty(flagNode, acfg.NodeID, agent.DefaultNodeID(cmd.Context()))
			if flagInterval > 0 {
				acfg.Interval = flagInterval
			}
			if acfg.SupervisorURL == "" {
				return errors.New("--supervisor or SUPERVISOR_URL must be provided")
			}

			adb, err := devicectl.NewDefaultADBController()
			if err != nil {
				return errors.Wrap(err, "init adb")
			}
			var control agent.Probe
			if cfg.Control.URL != "" {
				ws := devicectl.NewWSClient(cfg.Control)
				defer ws.Close()
				control = ws.Connected
			}
			var boxProbe agent.Probe
			if acfg.Box.Address != "" {
				bcfg := cfg.Box
				bcfg.Host, bcfg.Port = acfg.Box.Address, acfg.Box.Port
				boxProbe = box.New(bcfg).Ping
			}
			reporter := agent.NewReporter(acfg, adb, control, boxProbe, agent.GopsutilHost)

			if flagOnce {
				if err := reporter.Register(cmd.Context()); err != nil {
					return err
				}
				in, err := reporter.Report(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(in)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			log.Info().
				Str("node", acfg.NodeID).
				Str("supervisor", acfg.SupervisorURL).
				Dur("interval", acfg.Interval).
				Msg("node reporter started")
			if err := reporter.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	report.Flags().StringVar(&flagSupervisor, "supervisor", "", "Supervisor base URL (default from SUPERVISOR_URL)")
	report.Flags().StringVar(&flagNode, "node", "", "Node id (default from NODE_ID, then hostname)")
	report.Flags().DurationVar(&flagInterval, "interval", 0, "Heartbeat interval (default from NODE_REPORT_INTERVAL)")
	report.Flags().BoolVar(&flagOnce, "once", false, "Register, send one heartbeat and print it")

	cmd.AddCommand(report)
	return cmd
}
