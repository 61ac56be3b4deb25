// Package rules decides when a node has failed and which recovery to try next.
//
// Evaluation is pure apart from the per-node escalation record (last action
// and when it was attempted) which RecordRecoveryAttempt and ResetEscalation
// maintain.
package rules

import (
	"fmt"
	"sync"
	"time"

	"github.com/httprunner/DeviceFarm/internal/oob/health"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Level is the severity of a node failure.
type Level string

const (
	LevelNone     Level = "none"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Action is a recovery step, ordered soft < restart < box_reset.
type Action string

const (
	ActionNone     Action = "none"
	ActionSoft     Action = "soft"
	ActionRestart  Action = "restart"
	ActionBoxReset Action = "box_reset"
)

// Valid reports whether a is an executable action.
func (a Action) Valid() bool {
	return a == ActionSoft || a == ActionRestart || a == ActionBoxReset
}

// Config holds thresholds, consecutive counts, cooldowns and escalation windows.
type Config struct {
	HeartbeatThreshold      time.Duration
	HeartbeatConsecutive    int
	DeviceLossPct           float64
	DeviceLossConsecutive   int
	ADBConsecutive          int
	UnauthorizedThreshold   int
	UnauthorizedConsecutive int

	WarnDeviceLossPct float64
	WarnSustained     time.Duration

	SoftCooldown    time.Duration
	RestartCooldown time.Duration
	BoxCooldown     time.Duration

	SoftToRestart time.Duration
	RestartToBox  time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		HeartbeatThreshold:      60 * time.Second,
		HeartbeatConsecutive:    2,
		DeviceLossPct:           0.10,
		DeviceLossConsecutive:   3,
		ADBConsecutive:          2,
		UnauthorizedThreshold:   3,
		UnauthorizedConsecutive: 2,
		WarnDeviceLossPct:       0.05,
		WarnSustained:           5 * time.Minute,
		SoftCooldown:            3 * time.Minute,
		RestartCooldown:         15 * time.Minute,
		BoxCooldown:             30 * time.Minute,
		SoftToRestart:           5 * time.Minute,
		RestartToBox:            5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatThreshold <= 0 {
		c.HeartbeatThreshold = d.HeartbeatThreshold
	}
	if c.HeartbeatConsecutive <= 0 {
		c.HeartbeatConsecutive = d.HeartbeatConsecutive
	}
	if c.DeviceLossPct <= 0 {
		c.DeviceLossPct = d.DeviceLossPct
	}
	if c.DeviceLossConsecutive <= 0 {
		c.DeviceLossConsecutive = d.DeviceLossConsecutive
	}
	if c.ADBConsecutive <= 0 {
		c.ADBConsecutive = d.ADBConsecutive
	}
	if c.UnauthorizedThreshold <= 0 {
		c.UnauthorizedThreshold = d.UnauthorizedThreshold
	}
	if c.UnauthorizedConsecutive <= 0 {
		c.UnauthorizedConsecutive = d.UnauthorizedConsecutive
	}
	if c.WarnDeviceLossPct <= 0 {
		c.WarnDeviceLossPct = d.WarnDeviceLossPct
	}
	if c.WarnSustained <= 0 {
		c.WarnSustained = d.WarnSustained
	}
	if c.SoftCooldown <= 0 {
		c.SoftCooldown = d.SoftCooldown
	}
	if c.RestartCooldown <= 0 {
		c.RestartCooldown = d.RestartCooldown
	}
	if c.BoxCooldown <= 0 {
		c.BoxCooldown = d.BoxCooldown
	}
	if c.SoftToRestart <= 0 {
		c.SoftToRestart = d.SoftToRestart
	}
	if c.RestartToBox <= 0 {
		c.RestartToBox = d.RestartToBox
	}
	return c
}

// Cooldown returns the window for action a.
func (c Config) Cooldown(a Action) time.Duration {
	switch a {
	case ActionSoft:
		return c.SoftCooldown
	case ActionRestart:
		return c.RestartCooldown
	case ActionBoxReset:
		return c.BoxCooldown
	}
	return 0
}

// Result is one evaluation. It is not persisted by the engine.
type Result struct {
	NodeID            string    `json:"node_id"`
	Level             Level     `json:"level"`
	Action            Action    `json:"action"`
	Reasons           []string  `json:"reasons"`
	CanExecute        bool      `json:"can_execute"`
	CooldownRemaining float64   `json:"cooldown_remaining_sec"`
	EscalationBlocked bool      `json:"escalation_blocked"`
	EvaluatedAt       time.Time `json:"evaluated_at"`
}

// Attempt is the escalation record kept per node.
type Attempt struct {
	Action Action
	At     time.Time
}

type nodeState struct {
	last   Attempt
	byKind map[Action]time.Time
}

// Engine evaluates node health against the configured rules.
type Engine struct {
	cfg   Config
	clock func() time.Time

	mu     sync.Mutex
	states map[string]*nodeState
}

// NewEngine builds an Engine; zero config fields take defaults.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults(), states: make(map[string]*nodeState)}
}

// WithClock overrides the time source, used by tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) now() time.Time {
	if e.clock != nil {
		return e.clock()
	}
	return time.Now()
}

// Evaluate classifies node and, for critical failures, recommends the next
// recovery action and whether its cooldown allows running it now.
func (e *Engine) Evaluate(node health.NodeHealth) Result {
	now := e.now()
	res := Result{
		NodeID:      node.NodeID,
		Level:       LevelNone,
		Action:      ActionNone,
		CanExecute:  false,
		EvaluatedAt: now,
	}

	if reasons := e.criticalReasons(node.History); len(reasons) > 0 {
		res.Level = LevelCritical
		res.Reasons = reasons
		res.Action, res.EscalationBlocked = e.nextAction(node, now)
		res.CanExecute, res.CooldownRemaining = e.cooldownStatus(node.NodeID, res.Action, now)
		if res.EscalationBlocked {
			res.Reasons = append(res.Reasons, "box_reset wanted but box TCP unreachable: staying at restart")
			log.Warn().
				Str("node", node.NodeID).
				Msg("rules: escalation to box_reset blocked, box unreachable")
		}
	} else if reasons := e.warningReasons(node, now); len(reasons) > 0 {
		res.Level = LevelWarning
		res.Reasons = reasons
	}

	if res.Level != LevelNone {
		log.Debug().
			Str("node", node.NodeID).
			Str("level", string(res.Level)).
			Str("action", string(res.Action)).
			Bool("can_execute", res.CanExecute).
			Strs("reasons", res.Reasons).
			Msg("rules: node evaluated")
	}
	return res
}

// consecutive counts how many of the newest history entries satisfy match.
func consecutive(history []health.NodeMetrics, match func(health.NodeMetrics) bool) int {
	n := 0
	for i := len(history) - 1; i >= 0; i-- {
		if !match(history[i]) {
			break
		}
		n++
	}
	return n
}

func (e *Engine) criticalReasons(history []health.NodeMetrics) []string {
	cfg := e.cfg
	var reasons []string

	threshold := cfg.HeartbeatThreshold.Seconds()
	if n := consecutive(history, func(m health.NodeMetrics) bool { return m.HeartbeatAgeSec > threshold }); n >= cfg.HeartbeatConsecutive {
		reasons = append(reasons, fmt.Sprintf("heartbeat timeout: age %.0fs > %.0fs for %d consecutive reports",
			history[len(history)-1].HeartbeatAgeSec, threshold, n))
	}
	if n := consecutive(history, func(m health.NodeMetrics) bool { return m.DeviceLossPct() >= cfg.DeviceLossPct }); n >= cfg.DeviceLossConsecutive {
		reasons = append(reasons, fmt.Sprintf("device loss: %.1f%% >= %.1f%% for %d consecutive reports",
			history[len(history)-1].DeviceLossPct()*100, cfg.DeviceLossPct*100, n))
	}
	if n := consecutive(history, func(m health.NodeMetrics) bool { return !m.ADBServerOK }); n >= cfg.ADBConsecutive {
		reasons = append(reasons, fmt.Sprintf("adb server unhealthy for %d consecutive reports", n))
	}
	if n := consecutive(history, func(m health.NodeMetrics) bool { return m.UnauthorizedCount >= cfg.UnauthorizedThreshold }); n >= cfg.UnauthorizedConsecutive {
		reasons = append(reasons, fmt.Sprintf("unauthorized devices: %d >= %d for %d consecutive reports",
			history[len(history)-1].UnauthorizedCount, cfg.UnauthorizedThreshold, n))
	}
	return reasons
}

// warningReasons checks sustained moderate device loss and the websocket link.
//
// The sustained duration is measured from the oldest retained history entry
// in the current run of lossy reports. History is capped, so a condition that
// began before the oldest retained entry is under-reported.
func (e *Engine) warningReasons(node health.NodeHealth, now time.Time) []string {
	var reasons []string
	history := node.History
	var since time.Time
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].DeviceLossPct() < e.cfg.WarnDeviceLossPct {
			break
		}
		since = history[i].Timestamp
	}
	if !since.IsZero() {
		if sustained := now.Sub(since); sustained >= e.cfg.WarnSustained {
			reasons = append(reasons, fmt.Sprintf("device loss >= %.1f%% sustained for %s",
				e.cfg.WarnDeviceLossPct*100, sustained.Truncate(time.Second)))
		}
	}
	if len(history) > 0 && !node.Current.WebsocketConnected {
		reasons = append(reasons, "websocket disconnected")
	}
	return reasons
}

// nextAction walks the escalation ladder. blocked is set when box_reset was
// due but the box is unreachable.
func (e *Engine) nextAction(node health.NodeHealth, now time.Time) (action Action, blocked bool) {
	e.mu.Lock()
	st, ok := e.states[node.NodeID]
	var last Attempt
	if ok {
		last = st.last
	}
	e.mu.Unlock()

	if !ok || last.Action == "" {
		return ActionSoft, false
	}
	elapsed := now.Sub(last.At)
	switch last.Action {
	case ActionSoft:
		if elapsed < e.cfg.SoftToRestart {
			return ActionRestart, false
		}
		return ActionSoft, false
	case ActionRestart:
		if elapsed >= e.cfg.RestartToBox {
			return ActionSoft, false
		}
		if node.Current.BoxTCPReachable {
			return ActionBoxReset, false
		}
		return ActionRestart, true
	default:
		// after a box reset start the ladder over
		return ActionSoft, false
	}
}

// cooldownStatus allows action when its own window has passed since the last
// attempt of that kind and the last attempt's window has passed too.
func (e *Engine) cooldownStatus(nodeID string, action Action, now time.Time) (bool, float64) {
	if !action.Valid() {
		return false, 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[nodeID]
	if !ok {
		return true, 0
	}
	var remaining time.Duration
	if at, ok := st.byKind[action]; ok {
		if left := e.cfg.Cooldown(action) - now.Sub(at); left > remaining {
			remaining = left
		}
	}
	if st.last.Action.Valid() {
		if left := e.cfg.Cooldown(st.last.Action) - now.Sub(st.last.At); left > remaining {
			remaining = left
		}
	}
	if remaining > 0 {
		return false, remaining.Seconds()
	}
	return true, 0
}

// CanExecute reports the cooldown gate for action on nodeID.
func (e *Engine) CanExecute(nodeID string, action Action) (bool, float64) {
	return e.cooldownStatus(nodeID, action, e.now())
}

// RecordRecoveryAttempt stores action as the node's latest attempt.
func (e *Engine) RecordRecoveryAttempt(nodeID string, action Action) error {
	if !action.Valid() {
		return errors.Errorf("rules: cannot record action %q", action)
	}
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[nodeID]
	if !ok {
		st = &nodeState{byKind: make(map[Action]time.Time)}
		e.states[nodeID] = st
	}
	st.last = Attempt{Action: action, At: now}
	st.byKind[action] = now
	log.Info().Str("node", nodeID).Str("action", string(action)).Msg("rules: recovery attempt recorded")
	return nil
}

// ResetEscalation forgets the node's escalation and cooldown record.
func (e *Engine) ResetEscalation(nodeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.states[nodeID]; ok {
		delete(e.states, nodeID)
		log.Info().Str("node", nodeID).Msg("rules: escalation reset")
	}
}

// LastAttempt returns the node's latest recorded attempt, if any.
func (e *Engine) LastAttempt(nodeID string) (Attempt, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[nodeID]
	if !ok {
		return Attempt{}, false
	}
	return st.last, true
}
