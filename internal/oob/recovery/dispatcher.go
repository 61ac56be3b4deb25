// Package recovery runs recovery actions against nodes: a remote recovery
// script over ssh, or a power cycle through the node's control box.
package recovery

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/httprunner/DeviceFarm/internal/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Mode is the argument passed to the recovery script.
type Mode string

const (
	ModeSoft     Mode = "soft"
	ModeRestart  Mode = "restart"
	ModeBoxReset Mode = "box_reset"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeSoft || m == ModeRestart || m == ModeBoxReset
}

// Status of one attempt: pending -> running -> success|failed|skipped.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Result describes one recovery attempt.
type Result struct {
	ID         string    `json:"id"`
	NodeID     string    `json:"node_id"`
	Target     string    `json:"target"`
	Mode       Mode      `json:"mode"`
	Status     Status    `json:"status"`
	Command    string    `json:"command,omitempty"`
	ExitCode   int       `json:"exit_code"`
	Stdout     string    `json:"stdout,omitempty"`
	Stderr     string    `json:"stderr,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration is the wall time of the attempt.
func (r Result) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// PowerCycler is the slice of the box client the dispatcher needs.
type PowerCycler interface {
	PowerCycle(ctx context.Context, delay time.Duration) bool
	SlotPowerCycle(ctx context.Context, slot int, delay time.Duration) bool
}

// BoxFactory returns a power cycler for the box at address:port.
type BoxFactory func(address string, port int) PowerCycler

// HistorySink persists results outside the process.
type HistorySink interface {
	RecordRecovery(ctx context.Context, r Result) error
}

// Config tunes the dispatcher.
type Config struct {
	SSHUser        string
	ScriptPath     string
	ConnectTimeout time.Duration
	// ExecGrace is added to ConnectTimeout to form the hard kill deadline.
	ExecGrace     time.Duration
	ProbeTimeout  time.Duration
	BoxCycleDelay time.Duration
	HistoryCap    int
	DryRun        bool
}

func (c Config) withDefaults() Config {
	if c.SSHUser == "" {
		c.SSHUser = "root"
	}
	if c.ScriptPath == "" {
		c.ScriptPath = "/opt/devicefarm/recover.sh"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ExecGrace <= 0 {
		c.ExecGrace = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = c.ConnectTimeout + 5*time.Second
	}
	if c.BoxCycleDelay <= 0 {
		c.BoxCycleDelay = 5 * time.Second
	}
	if c.HistoryCap <= 0 {
		c.HistoryCap = 100
	}
	return c
}

// commandFunc builds the process for name and args.
type commandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Dispatcher executes recoveries and keeps a bounded history of results.
type Dispatcher struct {
	cfg     Config
	boxes   BoxFactory
	sink    HistorySink
	command commandFunc
	clock   func() time.Time

	mu      sync.Mutex
	history []Result
}

// NewDispatcher builds a Dispatcher. boxes and sink may be nil; without a box
// factory every box reset fails.
func NewDispatcher(cfg Config, boxes BoxFactory, sink HistorySink) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg.withDefaults(),
		boxes:   boxes,
		sink:    sink,
		command: exec.CommandContext,
	}
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config { return d.cfg }

func (d *Dispatcher) now() time.Time {
	if d.clock != nil {
		return d.clock()
	}
	return time.Now()
}

// Timeout is the hard deadline for one recovery script run.
func (d *Dispatcher) Timeout() time.Duration {
	return d.cfg.ConnectTimeout + d.cfg.ExecGrace
}

func (d *Dispatcher) sshArgs(host, remote string) []string {
	return []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "BatchMode=yes",
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(d.cfg.ConnectTimeout.Seconds())),
		fmt.Sprintf("%s@%s", d.cfg.SSHUser, host),
		remote,
	}
}

// RemoteCommand is the shell command run on the node for mode.
func (d *Dispatcher) RemoteCommand(mode Mode) string {
	return fmt.Sprintf("sudo %s %s", d.cfg.ScriptPath, mode)
}

// ExecuteRecovery runs the recovery script on host in the given mode. Only
// argument errors are returned; every runtime failure is a failed Result.
func (d *Dispatcher) ExecuteRecovery(ctx context.Context, nodeID, host string, mode Mode, dryRun bool) (Result, error) {
	if host == "" {
		return Result{}, errors.Errorf("recovery: node %q has no remote address", nodeID)
	}
	if !mode.Valid() {
		return Result{}, errors.Errorf("recovery: unknown mode %q", mode)
	}

	args := d.sshArgs(host, d.RemoteCommand(mode))
	res := Result{
		ID:        uuid.NewString(),
		NodeID:    nodeID,
		Target:    host,
		Mode:      mode,
		Status:    StatusPending,
		Command:   "ssh " + strings.Join(args, " "),
		StartedAt: d.now(),
	}

	if dryRun || d.cfg.DryRun {
		res.Status = StatusSkipped
		res.FinishedAt = res.StartedAt
		log.Info().Str("node", nodeID).Str("mode", string(mode)).Str("command", res.Command).Msg("recovery: dry run, skipped")
		d.record(ctx, res)
		return res, nil
	}

	res.Status = StatusRunning
	log.Info().Str("node", nodeID).Str("host", host).Str("mode", string(mode)).Msg("recovery: running script")
	out := d.run(ctx, d.Timeout(), "ssh", args...)
	res.ExitCode = out.exitCode
	res.Stdout = out.stdout
	res.Stderr = out.stderr
	res.Error = out.err
	res.FinishedAt = d.now()
	if out.err == "" && out.exitCode == 0 {
		res.Status = StatusSuccess
	} else {
		res.Status = StatusFailed
		if res.Error == "" {
			res.Error = fmt.Sprintf("exit code %d", out.exitCode)
		}
	}
	d.record(ctx, res)
	return res, nil
}

type runOutput struct {
	exitCode int
	stdout   string
	stderr   string
	err      string
}

// run executes the command and kills it once timeout passes.
func (d *Dispatcher) run(ctx context.Context, timeout time.Duration, name string, args ...string) runOutput {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := d.command(runCtx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// do not wait on pipes held open by orphaned children after the kill
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	out := runOutput{stdout: stdout.String(), stderr: stderr.String()}
	if err == nil {
		return out
	}
	out.exitCode = -1
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		out.err = fmt.Sprintf("timeout after %s: process killed", timeout)
	case ctx.Err() != nil:
		out.err = fmt.Sprintf("cancelled: %v", ctx.Err())
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.exitCode = exitErr.ExitCode()
			return out
		}
		out.err = fmt.Sprintf("spawn failed: %v", err)
	}
	return out
}

// ExecuteBoxReset power cycles the node's box, or only slot when slot > 0.
func (d *Dispatcher) ExecuteBoxReset(ctx context.Context, nodeID, boxAddress string, boxPort, slot int) Result {
	target := fmt.Sprintf("%s:%d", boxAddress, boxPort)
	res := Result{
		ID:        uuid.NewString(),
		NodeID:    nodeID,
		Target:    target,
		Mode:      ModeBoxReset,
		Status:    StatusRunning,
		StartedAt: d.now(),
	}
	if slot > 0 {
		res.Command = fmt.Sprintf("slot power cycle %d", slot)
	} else {
		res.Command = "power cycle all slots"
	}

	var ok bool
	switch {
	case d.boxes == nil || boxAddress == "":
		res.Error = "no box configured for node"
	default:
		cycler := d.boxes(boxAddress, boxPort)
		if slot > 0 {
			ok = cycler.SlotPowerCycle(ctx, slot, d.cfg.BoxCycleDelay)
		} else {
			ok = cycler.PowerCycle(ctx, d.cfg.BoxCycleDelay)
		}
		if !ok {
			res.Error = "box power cycle failed"
		}
	}
	res.FinishedAt = d.now()
	if ok {
		res.Status = StatusSuccess
	} else {
		res.Status = StatusFailed
	}
	log.Info().Str("node", nodeID).Str("box", target).Str("status", string(res.Status)).Msg("recovery: box reset finished")
	d.record(ctx, res)
	return res
}

// TestConnection runs a trivial remote command to check ssh reachability.
func (d *Dispatcher) TestConnection(ctx context.Context, host string) bool {
	out := d.run(ctx, d.cfg.ProbeTimeout, "ssh", d.sshArgs(host, "echo ok")...)
	ok := out.err == "" && out.exitCode == 0 && strings.Contains(out.stdout, "ok")
	if !ok {
		log.Debug().Str("host", host).Str("error", out.err).Int("exit_code", out.exitCode).Msg("recovery: ssh probe failed")
	}
	return ok
}

func (d *Dispatcher) record(ctx context.Context, res Result) {
	d.mu.Lock()
	d.history = append(d.history, res)
	if over := len(d.history) - d.cfg.HistoryCap; over > 0 {
		d.history = append([]Result(nil), d.history[over:]...)
	}
	d.mu.Unlock()

	metrics.RecoveryAttempts.WithLabelValues(string(res.Mode), string(res.Status)).Inc()
	if res.Status != StatusSkipped {
		metrics.RecoveryDuration.WithLabelValues(string(res.Mode)).Observe(res.Duration().Seconds())
	}
	if res.Status == StatusFailed {
		log.Warn().
			Str("node", res.NodeID).
			Str("mode", string(res.Mode)).
			Int("exit_code", res.ExitCode).
			Str("error", res.Error).
			Str("stderr", res.Stderr).
			Msg("recovery: attempt failed")
	}
	if d.sink != nil {
		if err := d.sink.RecordRecovery(ctx, res); err != nil {
			log.Error().Err(err).Str("node", res.NodeID).Msg("recovery: persist result failed")
		}
	}
}

// History returns up to limit results, newest first, optionally for one node.
// limit <= 0 returns everything retained.
func (d *Dispatcher) History(nodeID string, limit int) []Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Result
	for i := len(d.history) - 1; i >= 0; i-- {
		if nodeID != "" && d.history[i].NodeID != nodeID {
			continue
		}
		out = append(out, d.history[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
