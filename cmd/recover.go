package main

import (
	"strings"

	"github.com/httprunner/DeviceFarm/internal/config"
	"github.com/httprunner/DeviceFarm/internal/oob/recovery"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newRecoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Run or inspect node recovery actions",
	}

	var (
		flagNode   string
		flagHost   string
		flagMode   string
		flagDryRun bool
		flagBox    string
		flagPort   int
		flagSlot   int
	)
	run := &cobra.Command{
		Use:   "run",
		Short: "Run one recovery action against a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := recovery.Mode(strings.TrimSpace(flagMode))
			if !mode.Valid() {
				return errors.Errorf("--mode must be soft, restart or box_reset, got %q", flagMode)
			}
			if flagNode == "" {
				return errors.New("--node must be provided")
			}
			cfg := config.Load()
			ctx := cmd.Context()
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			d := recovery.NewDispatcher(cfg.Recovery, boxFactory(cfg.Box), store.Recoveries)

			var res recovery.Result
			if mode == recovery.ModeBoxReset {
				addr := firstNonEmpty(flagBox, cfg.Box.Host)
				if addr == "" {
					return errors.New("--box or BOX_HOST must be provided for box_reset")
				}
				res = d.ExecuteBoxReset(ctx, flagNode, addr, firstPositive(flagPort, cfg.Box.Port), flagSlot)
			} else {
				if flagHost == "" {
					return errors.New("--host must be provided")
				}
				res, err = d.ExecuteRecovery(ctx, flagNode, flagHost, mode, flagDryRun)
				if err != nil {
					return err
				}
			}
			if err := printJSON(res); err != nil {
				return err
			}
			if res.Status == recovery.StatusFailed {
				return errors.Errorf("recovery %s failed: %s", mode, res.Error)
			}
			return nil
		},
	}
	run.Flags().StringVar(&flagNode, "node", "", "Node id (required)")
	run.Flags().StringVar(&flagHost, "host", "", "Node transport address for soft/restart")
	run.Flags().StringVar(&flagMode, "mode", "soft", "soft, restart or box_reset")
	run.Flags().BoolVar(&flagDryRun, "dry-run", false, "Print the command without running it")
	run.Flags().StringVar(&flagBox, "box", "", "Box address for box_reset (default from BOX_HOST)")
	run.Flags().IntVar(&flagPort, "box-port", 0, "Box port for box_reset (default from BOX_PORT)")
	run.Flags().IntVar(&flagSlot, "slot", 0, "Only cycle this slot (0 cycles the whole box)")

	var flagTestHost string
	test := &cobra.Command{
		Use:   "test",
		Short: "Check that a node accepts remote commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagTestHost == "" {
				return errors.New("--host must be provided")
			}
			d := recovery.NewDispatcher(config.Load().Recovery, nil, nil)
			ok := d.TestConnection(cmd.Context(), flagTestHost)
			if err := printJSON(map[string]any{"host": flagTestHost, "reachable": ok}); err != nil {
				return err
			}
			if !ok {
				return errors.Errorf("%s is not reachable", flagTestHost)
			}
			return nil
		},
	}
	test.Flags().StringVar(&flagTestHost, "host", "", "Node transport address (required)")

	var (
		flagHistoryNode string
		flagLimit       int
	)
	history := &cobra.Command{
		Use:   "history",
		Short: "List recorded recovery attempts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			results, err := store.Recoveries.List(cmd.Context(), flagHistoryNode, flagLimit)
			if err != nil {
				return err
			}
			return printJSON(results)
		},
	}
	history.Flags().StringVar(&flagHistoryNode, "node", "", "Only this node")
	history.Flags().IntVar(&flagLimit, "limit", 20, "Maximum results")

	cmd.AddCommand(run, test, history)
	return cmd
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
