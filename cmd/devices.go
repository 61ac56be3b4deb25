package main

import (
	"github.com/httprunner/DeviceFarm/internal/config"
	"github.com/httprunner/DeviceFarm/internal/registry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newDevicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Inspect and maintain the device registry",
	}

	var (
		flagWorkstation string
		flagGroup       string
		flagStatus      string
		flagLimit       int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered devices ordered by hierarchy id",
		RunE: func(cmd *cobra.Command, args []string) error {
			status := registry.Status(flagStatus)
			if flagStatus != "" && !status.Valid() {
				return errors.Errorf("unknown status %q", flagStatus)
			}
			cfg := config.Load()
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			devices, err := registry.New(store.Devices, cfg.Registry).List(cmd.Context(), registry.Filter{
				Workstation: flagWorkstation,
				Group:       registry.Group(flagGroup),
				Status:      status,
				Limit:       flagLimit,
			})
			if err != nil {
				return err
			}
			return printJSON(devices)
		},
	}
	list.Flags().StringVar(&flagWorkstation, "workstation", "", "Only this workstation, e.g. WS01")
	list.Flags().StringVar(&flagGroup, "group", "", "Only group A or B")
	list.Flags().StringVar(&flagStatus, "status", "", "Only this status")
	list.Flags().IntVar(&flagLimit, "limit", 0, "Maximum devices (0 for all)")

	var (
		flagSerial string
		flagWS     int
		flagBoard  int
		flagSlot   int
		flagModel  string
	)
	register := &cobra.Command{
		Use:   "register",
		Short: "Register or move a device by serial",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			dev, err := registry.New(store.Devices, cfg.Registry).
				Register(cmd.Context(), flagSerial, flagWS, flagBoard, flagSlot, flagModel)
			if err != nil {
				return err
			}
			return printJSON(dev)
		},
	}
	register.Flags().StringVar(&flagSerial, "serial", "", "Device serial (required)")
	register.Flags().IntVar(&flagWS, "ws", 0, "Workstation number (required)")
	register.Flags().IntVar(&flagBoard, "board", 0, "Board number (required)")
	register.Flags().IntVar(&flagSlot, "slot", 0, "Slot number (required)")
	register.Flags().StringVar(&flagModel, "model", "", "Device model")

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Mark devices with stale heartbeats offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			reg := registry.New(store.Devices, cfg.Registry)
			marked, err := reg.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			counts, err := reg.CountByStatus(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"marked_offline": marked, "by_status": counts})
		},
	}

	sync := &cobra.Command{
		Use:   "sync",
		Short: "Heartbeat registered devices the control backend currently sees online",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := config.Load()
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			ctl, closeCtl, err := newController(cfg.Control)
			if err != nil {
				return errors.Wrap(err, "init device control")
			}
			defer closeCtl()

			reg := registry.New(store.Devices, cfg.Registry)
			seen, unknown, err := reg.SyncAttached(ctx, ctl)
			if err != nil {
				return err
			}
			log.Info().Int("online", len(seen)).Int("unregistered", len(unknown)).Msg("device sync done")
			return printJSON(map[string]any{"online": seen, "unregistered": unknown})
		},
	}

	cmd.AddCommand(list, register, sweep, sync)
	return cmd
}
