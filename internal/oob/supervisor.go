// Package oob ties the out-of-band pieces together: it polls the health
// collector, asks the rule engine what to do and hands critical nodes to the
// recovery dispatcher.
package oob

import (
	"context"
	"time"

	"github.com/httprunner/DeviceFarm/internal/metrics"
	"github.com/httprunner/DeviceFarm/internal/oob/box"
	"github.com/httprunner/DeviceFarm/internal/oob/health"
	"github.com/httprunner/DeviceFarm/internal/oob/recovery"
	"github.com/httprunner/DeviceFarm/internal/oob/rules"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Recoverer runs recovery actions. *recovery.Dispatcher satisfies it.
type Recoverer interface {
	ExecuteRecovery(ctx context.Context, nodeID, host string, mode recovery.Mode, dryRun bool) (recovery.Result, error)
	ExecuteBoxReset(ctx context.Context, nodeID, boxAddress string, boxPort, slot int) recovery.Result
}

// BoxProbe reports whether the box at address:port accepts TCP connections.
type BoxProbe func(ctx context.Context, address string, port int) bool

// TCPBoxProbe probes boxes with a plain dial through the box client.
func TCPBoxProbe(timeout time.Duration) BoxProbe {
	return func(ctx context.Context, address string, port int) bool {
		return box.New(box.Config{Host: address, Port: port, ConnectTimeout: timeout}).Ping(ctx)
	}
}

// Config tunes the supervisor loop.
type Config struct {
	PollInterval time.Duration
	// StaleAfter is how long a node may stay silent before the supervisor
	// synthesizes a heartbeat-timeout snapshot for it.
	StaleAfter time.Duration
	DryRun     bool
	// MaxRecoveries caps how many nodes one tick checks at once, and so how
	// many recoveries can be in flight together.
	MaxRecoveries int
}

// Skip reasons reported on a Decision.
const (
	SkipCooldown = "cooldown"
	SkipNoHost   = "no_host"
	SkipNoBox    = "no_box"
	SkipError    = "dispatch_error"
)

// Decision is what one tick did for one node.
type Decision struct {
	NodeID     string
	Evaluation rules.Result
	Recovery   *recovery.Result
	Skipped    string
}

// Supervisor is the poll, evaluate, dispatch loop.
type Supervisor struct {
	cfg       Config
	collector *health.Collector
	engine    *rules.Engine
	recoverer Recoverer
	probe     BoxProbe
	clock     func() time.Time
}

// NewSupervisor wires the loop. probe may be nil to trust node-reported box
// reachability.
func NewSupervisor(cfg Config, collector *health.Collector, engine *rules.Engine, recoverer Recoverer, probe BoxProbe) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = engine.Config().HeartbeatThreshold
	}
	if cfg.MaxRecoveries <= 0 {
		cfg.MaxRecoveries = 4
	}
	return &Supervisor{
		cfg:       cfg,
		collector: collector,
		engine:    engine,
		recoverer: recoverer,
		probe:     probe,
	}
}

// WithClock overrides the time source, used by tests.
func (s *Supervisor) WithClock(clock func() time.Time) *Supervisor {
	s.clock = clock
	return s
}

func (s *Supervisor) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now()
}

// Run ticks until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	log.Info().
		Dur("poll_interval", s.cfg.PollInterval).
		Dur("stale_after", s.cfg.StaleAfter).
		Int("max_recoveries", s.cfg.MaxRecoveries).
		Bool("dry_run", s.cfg.DryRun).
		Msg("oob: supervisor started")
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("oob: supervisor stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick checks every known node once, up to MaxRecoveries at a time, so a slow
// recovery on one node does not hold back the others. Decisions come back in
// node order.
func (s *Supervisor) Tick(ctx context.Context) []Decision {
	nodes := s.collector.GetAll()
	decisions := make([]Decision, len(nodes))
	checked := make([]bool, len(nodes))
	sem := semaphore.NewWeighted(int64(s.cfg.MaxRecoveries))
	var g errgroup.Group
	for i, node := range nodes {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			decisions[i] = s.checkNode(ctx, node)
			checked[i] = true
			return nil
		})
	}
	_ = g.Wait()

	out := decisions[:0]
	for i, d := range decisions {
		if checked[i] {
			out = append(out, d)
		}
	}
	return out
}

func (s *Supervisor) checkNode(ctx context.Context, node health.NodeHealth) Decision {
	now := s.now()
	lastSeen := node.LastReportAt
	if lastSeen.IsZero() {
		lastSeen = node.RegisteredAt
	}
	if now.Sub(lastSeen) >= s.cfg.StaleAfter {
		if updated, err := s.collector.MarkHeartbeatTimeout(ctx, node.NodeID); err == nil {
			node = updated
		}
	}

	if s.probe != nil && node.Box.Address != "" {
		reachable := s.probe(ctx, node.Box.Address, node.Box.Port)
		if reachable != node.Current.BoxTCPReachable {
			log.Info().Str("node", node.NodeID).Bool("reachable", reachable).Msg("oob: box reachability changed")
		}
		if err := s.collector.SetReachability(node.NodeID, node.Online, reachable); err == nil {
			node.Current.BoxTCPReachable = reachable
		}
	}
	metrics.SetNodeStatus(node.NodeID, string(node.Status))

	if node.Status == health.StatusConnected {
		s.maybeResetEscalation(node.NodeID, now)
	}

	res := s.engine.Evaluate(node)
	metrics.RuleEvaluations.WithLabelValues(string(res.Level), string(res.Action)).Inc()
	if res.EscalationBlocked {
		metrics.EscalationBlocked.WithLabelValues(node.NodeID).Inc()
	}
	decision := Decision{NodeID: node.NodeID, Evaluation: res}
	if res.Level != rules.LevelCritical || res.Action == rules.ActionNone {
		return decision
	}
	if !res.CanExecute {
		log.Warn().
			Str("node", node.NodeID).
			Str("action", string(res.Action)).
			Float64("cooldown_remaining_sec", res.CooldownRemaining).
			Msg("oob: recovery skipped, cooldown active")
		decision.Skipped = SkipCooldown
		return decision
	}

	var out recovery.Result
	if res.Action == rules.ActionBoxReset {
		if node.Box.Address == "" {
			log.Warn().Str("node", node.NodeID).Msg("oob: box reset due but no box configured")
			decision.Skipped = SkipNoBox
			return decision
		}
		out = s.recoverer.ExecuteBoxReset(ctx, node.NodeID, node.Box.Address, node.Box.Port, node.Box.Slot)
	} else {
		if node.TailscaleIP == "" {
			log.Warn().Str("node", node.NodeID).Str("action", string(res.Action)).Msg("oob: recovery due but node has no address")
			decision.Skipped = SkipNoHost
			return decision
		}
		var err error
		out, err = s.recoverer.ExecuteRecovery(ctx, node.NodeID, node.TailscaleIP, recovery.Mode(res.Action), s.cfg.DryRun)
		if err != nil {
			log.Error().Err(err).Str("node", node.NodeID).Msg("oob: dispatch recovery failed")
			decision.Skipped = SkipError
			return decision
		}
	}
	decision.Recovery = &out

	// the attempt counts for escalation whether it succeeded or not
	if err := s.engine.RecordRecoveryAttempt(node.NodeID, res.Action); err != nil {
		log.Error().Err(err).Str("node", node.NodeID).Msg("oob: record attempt failed")
	}
	if err := s.collector.RecordRecovery(node.NodeID, health.RecoveryKind(res.Action)); err != nil {
		log.Error().Err(err).Str("node", node.NodeID).Msg("oob: record recovery failed")
	}
	log.Info().
		Str("node", node.NodeID).
		Str("action", string(res.Action)).
		Str("status", string(out.Status)).
		Strs("reasons", res.Reasons).
		Msg("oob: recovery dispatched")
	return decision
}

// maybeResetEscalation clears the ladder once a connected node has outlived
// the cooldown of its last attempt.
func (s *Supervisor) maybeResetEscalation(nodeID string, now time.Time) {
	last, ok := s.engine.LastAttempt(nodeID)
	if !ok {
		return
	}
	if now.Sub(last.At) < s.engine.Config().Cooldown(last.Action) {
		return
	}
	s.engine.ResetEscalation(nodeID)
	log.Info().Str("node", nodeID).Str("last_action", string(last.Action)).Msg("oob: node recovered")
}
