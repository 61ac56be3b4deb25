package box

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Discovery summarizes how a box reacts to a harmless probe command.
type Discovery struct {
	Address      string
	ConnectionOK bool
	CommandSent  bool
	HasResponse  bool
	Response     []byte
	Latency      time.Duration
	Notes        []string
}

// probeCommand asks for USB mode on all slots, which is the box's resting state.
var probeCommand = Frame(cmdMode, slotAll, modeUSB)

// DiscoverProtocol connects, sends the probe and waits for an answer. Boxes
// that accept the write but stay silent are assessed as fire-and-forget.
func (c *Client) DiscoverProtocol(ctx context.Context) Discovery {
	d := Discovery{Address: c.Address()}
	start := time.Now()
	res := c.SendCommand(ctx, probeCommand, true)
	d.Latency = time.Since(start)

	if !res.Success {
		if strings.HasPrefix(res.Error, "write failed") {
			d.ConnectionOK = true
		}
		d.Notes = append(d.Notes, "probe failed: "+res.Error)
		log.Warn().Str("box", d.Address).Str("error", res.Error).Msg("box protocol discovery failed")
		return d
	}
	d.ConnectionOK = true
	d.CommandSent = true
	if len(res.Response) > 0 {
		d.HasResponse = true
		d.Response = res.Response
		d.Notes = append(d.Notes,
			fmt.Sprintf("box answered with %d bytes: %s", len(res.Response), BytesToHex(res.Response)),
			"acknowledged protocol: responses may be checked")
	} else {
		if res.Note != "" {
			d.Notes = append(d.Notes, res.Note)
		}
		d.Notes = append(d.Notes, "no response: treating box as fire-and-forget")
	}
	log.Info().
		Str("box", d.Address).
		Bool("has_response", d.HasResponse).
		Dur("latency", d.Latency).
		Msg("box protocol discovery finished")
	return d
}
