// Package box speaks the fixed-frame binary TCP protocol of the USB/power
// control boxes that sit behind each workstation.
//
// Frames are written as raw bytes on a freshly dialed connection which is
// closed after the write (and after an optional short read). Nothing is held
// open between commands.
package box

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/httprunner/DeviceFarm/internal/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultPort is the TCP port the control box listens on.
const DefaultPort = 56666

const (
	cmdPower = "84"
	cmdMode  = "82"

	// slot 00 addresses every slot on the box.
	slotAll = 0

	onOffOn  = "01"
	onOffOff = "00"
	// mode byte: 01 = OTG (device acts as host), 00 = USB (adb over USB).
	modeOTG = "01"
	modeUSB = "00"
)

// Config controls the client's address and timeouts.
type Config struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// CommandResult is the outcome of one SendCommand call. I/O failures are
// reported here rather than as Go errors.
type CommandResult struct {
	Success  bool
	Command  string
	Response []byte
	Error    string
	// Note records non-error observations, e.g. a missing optional response.
	Note string
}

// Client sends commands to a single box.
type Client struct {
	cfg    Config
	dialer func(ctx context.Context, network, addr string) (net.Conn, error)
	sleep  func(ctx context.Context, d time.Duration) error
}

// New returns a client for cfg, applying defaults for zero values.
func New(cfg Config) *Client {
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	d := &net.Dialer{}
	return &Client{cfg: cfg, dialer: d.DialContext, sleep: sleepCtx}
}

// Address returns host:port.
func (c *Client) Address() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

// HexToBytes converts an ASCII hex command such as "AA 01 88 84 01 00 DD" to
// raw bytes. Spaces, dashes and colons between bytes are ignored.
func HexToBytes(s string) ([]byte, error) {
	cleaned := strings.NewReplacer(" ", "", "-", "", ":", "", "\t", "").Replace(strings.TrimSpace(s))
	if cleaned == "" {
		return nil, errors.New("box: empty command")
	}
	if len(cleaned)%2 != 0 {
		return nil, errors.Errorf("box: odd hex length in %q", s)
	}
	out, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, errors.Wrapf(err, "box: decode %q", s)
	}
	return out, nil
}

// BytesToHex renders b as upper-case space separated hex.
func BytesToHex(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02X", v)
	}
	return strings.Join(parts, " ")
}

// Frame builds `AA 01 88 {cmd} {slot:02X} {arg} DD`.
func Frame(cmd string, slot int, arg string) string {
	return fmt.Sprintf("AA 01 88 %s %02X %s DD", cmd, slot, arg)
}

// SendCommand dials the box, writes the decoded command and, when
// expectResponse is set, tries one bounded read. A missing response is noted,
// not treated as failure.
func (c *Client) SendCommand(ctx context.Context, command string, expectResponse bool) CommandResult {
	res := CommandResult{Command: command}
	payload, err := HexToBytes(command)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	conn, err := c.dialer(dialCtx, "tcp", c.Address())
	if err != nil {
		res.Error = describeDialError(err, c.cfg.ConnectTimeout)
		log.Warn().Str("box", c.Address()).Str("command", command).Str("error", res.Error).Msg("box connect failed")
		metrics.BoxCommands.WithLabelValues("connect_failed").Inc()
		return res
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	if _, err := conn.Write(payload); err != nil {
		res.Error = fmt.Sprintf("write failed: %v", err)
		log.Warn().Str("box", c.Address()).Str("command", command).Err(err).Msg("box write failed")
		metrics.BoxCommands.WithLabelValues("write_failed").Inc()
		return res
	}
	res.Success = true
	metrics.BoxCommands.WithLabelValues("sent").Inc()

	if expectResponse {
		buf := make([]byte, 256)
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		n, err := conn.Read(buf)
		switch {
		case n > 0:
			res.Response = append([]byte(nil), buf[:n]...)
		case err != nil:
			res.Note = fmt.Sprintf("no response within %s: %v", c.cfg.ReadTimeout, err)
		default:
			res.Note = "empty response"
		}
	}
	log.Debug().
		Str("box", c.Address()).
		Str("command", command).
		Str("response", BytesToHex(res.Response)).
		Msg("box command sent")
	return res
}

func describeDialError(err error, timeout time.Duration) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Sprintf("connection timeout after %s", timeout)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("connection timeout after %s", timeout)
	}
	if strings.Contains(strings.ToLower(err.Error()), "refused") {
		return "connection refused"
	}
	return fmt.Sprintf("connection error: %v", err)
}

// Ping reports whether the box accepts TCP connections.
func (c *Client) Ping(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	conn, err := c.dialer(dialCtx, "tcp", c.Address())
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (c *Client) PowerOnAll(ctx context.Context) bool {
	return c.SendCommand(ctx, Frame(cmdPower, slotAll, onOffOn), false).Success
}

func (c *Client) PowerOffAll(ctx context.Context) bool {
	return c.SendCommand(ctx, Frame(cmdPower, slotAll, onOffOff), false).Success
}

func (c *Client) SetOTGModeAll(ctx context.Context) bool {
	return c.SendCommand(ctx, Frame(cmdMode, slotAll, modeOTG), false).Success
}

func (c *Client) SetUSBModeAll(ctx context.Context) bool {
	return c.SendCommand(ctx, Frame(cmdMode, slotAll, modeUSB), false).Success
}

func (c *Client) SlotPowerOn(ctx context.Context, slot int) bool {
	return c.SendCommand(ctx, Frame(cmdPower, slot, onOffOn), false).Success
}

func (c *Client) SlotPowerOff(ctx context.Context, slot int) bool {
	return c.SendCommand(ctx, Frame(cmdPower, slot, onOffOff), false).Success
}

// PowerCycle turns every slot off, waits delay, then on again. It returns
// false without powering on when the off step fails.
func (c *Client) PowerCycle(ctx context.Context, delay time.Duration) bool {
	if !c.PowerOffAll(ctx) {
		log.Error().Str("box", c.Address()).Msg("power cycle aborted: power off failed")
		return false
	}
	if err := c.sleep(ctx, delay); err != nil {
		return false
	}
	return c.PowerOnAll(ctx)
}

// SlotPowerCycle is PowerCycle for a single slot.
func (c *Client) SlotPowerCycle(ctx context.Context, slot int, delay time.Duration) bool {
	if !c.SlotPowerOff(ctx, slot) {
		log.Error().Str("box", c.Address()).Int("slot", slot).Msg("slot power cycle aborted: power off failed")
		return false
	}
	if err := c.sleep(ctx, delay); err != nil {
		return false
	}
	return c.SlotPowerOn(ctx, slot)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
