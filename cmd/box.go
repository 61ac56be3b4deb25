package main

import (
	"time"

	"github.com/httprunner/DeviceFarm/internal/config"
	"github.com/httprunner/DeviceFarm/internal/oob/box"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newBoxCmd() *cobra.Command {
	var (
		flagHost string
		flagPort int
	)

	cmd := &cobra.Command{
		Use:   "box",
		Short: "Send commands to a USB/power control box",
	}
	cmd.PersistentFlags().StringVar(&flagHost, "host", "", "Box address (default from BOX_HOST)")
	cmd.PersistentFlags().IntVar(&flagPort, "port", 0, "Box TCP port (default from BOX_PORT)")

	client := func() (*box.Client, error) {
		cfg := config.Load().Box
		cfg.Host = firstNonEmpty(flagHost, cfg.Host)
		if flagPort > 0 {
			cfg.Port = flagPort
		}
		if cfg.Host == "" {
			return nil, errors.New("--host or BOX_HOST must be provided")
		}
		return box.New(cfg), nil
	}
	outcome := func(ok bool, action string, c *box.Client) error {
		if !ok {
			return errors.Errorf("%s on %s failed", action, c.Address())
		}
		log.Info().Str("box", c.Address()).Str("action", action).Msg("box command done")
		return nil
	}

	var flagDelay time.Duration
	powerCycle := &cobra.Command{
		Use:   "power-cycle",
		Short: "Power every slot off, wait, then on",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			return outcome(c.PowerCycle(cmd.Context(), flagDelay), "power cycle", c)
		},
	}
	powerCycle.Flags().DurationVar(&flagDelay, "delay", 3*time.Second, "Time between off and on")

	var (
		flagSlot      int
		flagSlotDelay time.Duration
	)
	slotCycle := &cobra.Command{
		Use:   "slot-cycle",
		Short: "Power one slot off, wait, then on",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagSlot <= 0 || flagSlot > 0xFF {
				return errors.Errorf("--slot must be within 1..255, got %d", flagSlot)
			}
			c, err := client()
			if err != nil {
				return err
			}
			return outcome(c.SlotPowerCycle(cmd.Context(), flagSlot, flagSlotDelay), "slot power cycle", c)
		},
	}
	slotCycle.Flags().IntVar(&flagSlot, "slot", 0, "Slot number (required)")
	slotCycle.Flags().DurationVar(&flagSlotDelay, "delay", 3*time.Second, "Time between off and on")

	discover := &cobra.Command{
		Use:   "discover",
		Short: "Probe whether the box answers commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			return printJSON(c.DiscoverProtocol(cmd.Context()))
		},
	}

	var flagExpect bool
	send := &cobra.Command{
		Use:   "send <hex>",
		Short: `Send a raw hex frame such as "AA 01 88 84 01 00 DD"`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			res := c.SendCommand(cmd.Context(), args[0], flagExpect)
			if err := printJSON(map[string]any{
				"success":  res.Success,
				"command":  res.Command,
				"response": box.BytesToHex(res.Response),
				"error":    res.Error,
				"note":     res.Note,
			}); err != nil {
				return err
			}
			if !res.Success {
				return errors.New(res.Error)
			}
			return nil
		},
	}
	send.Flags().BoolVar(&flagExpect, "expect-response", false, "Wait briefly for a reply")

	cmd.AddCommand(powerCycle, slotCycle, discover, send)
	return cmd
}
