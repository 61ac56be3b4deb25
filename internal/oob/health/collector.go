package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrUnknownNode is returned by mutators given a node id never seen before.
var ErrUnknownNode = errors.New("health: unknown node")

// BoxTarget locates the power box serving a node.
type BoxTarget struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Slot    int    `json:"slot"`
}

// NodeHealth is the collector's record for one node. Values returned by the
// collector are copies; mutate only through the collector.
type NodeHealth struct {
	NodeID             string           `json:"node_id"`
	Current            NodeMetrics      `json:"current"`
	History            []NodeMetrics    `json:"history"`
	Status             ConnectionStatus `json:"status"`
	LastReportAt       time.Time        `json:"last_report_at"`
	SoftRecoveries     int              `json:"soft_recoveries"`
	RestartRecoveries  int              `json:"restart_recoveries"`
	BoxRecoveries      int              `json:"box_recoveries"`
	LastRecoveryAt     time.Time        `json:"last_recovery_at"`
	LastRecoveryAction RecoveryKind     `json:"last_recovery_action"`
	TailscaleIP        string           `json:"tailscale_ip"`
	Online             bool             `json:"online"`
	Box                BoxTarget        `json:"box"`
	RegisteredAt       time.Time        `json:"registered_at"`
}

func (h *NodeHealth) clone() NodeHealth {
	cp := *h
	cp.History = append([]NodeMetrics(nil), h.History...)
	return cp
}

// HistorySink persists snapshots outside the process.
type HistorySink interface {
	RecordSnapshot(ctx context.Context, nodeID string, m NodeMetrics, status ConnectionStatus) error
}

// Config tunes the collector.
type Config struct {
	HistoryCap int
	// DisconnectAfter is the heartbeat age past which a node is disconnected.
	DisconnectAfter time.Duration
}

// Collector accumulates per-node metrics. A single mutex orders every
// mutation; at a few hundred nodes this is not a contention point.
type Collector struct {
	cfg   Config
	sink  HistorySink
	clock func() time.Time

	mu    sync.Mutex
	nodes map[string]*NodeHealth
}

// NewCollector builds a Collector. sink may be nil.
func NewCollector(cfg Config, sink HistorySink) *Collector {
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = 20
	}
	if cfg.DisconnectAfter <= 0 {
		cfg.DisconnectAfter = 60 * time.Second
	}
	return &Collector{cfg: cfg, sink: sink, nodes: make(map[string]*NodeHealth)}
}

// WithClock overrides the time source, used by tests.
func (c *Collector) WithClock(clock func() time.Time) *Collector {
	c.clock = clock
	return c
}

func (c *Collector) now() time.Time {
	if c.clock != nil {
		return c.clock()
	}
	return time.Now()
}

// Register creates the node record if needed and sets its transport details.
func (c *Collector) Register(nodeID, tailscaleIP string, box BoxTarget) NodeHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	node := c.ensureLocked(nodeID)
	if tailscaleIP != "" {
		node.TailscaleIP = tailscaleIP
	}
	if box.Address != "" {
		node.Box = box
	}
	return node.clone()
}

func (c *Collector) ensureLocked(nodeID string) *NodeHealth {
	node, ok := c.nodes[nodeID]
	if !ok {
		node = &NodeHealth{
			NodeID:       nodeID,
			Status:       StatusUnknown,
			RegisteredAt: c.now(),
		}
		c.nodes[nodeID] = node
		log.Info().Str("node", nodeID).Msg("health: node registered")
	}
	return node
}

// UpdateMetrics validates in, stores it as the node's current snapshot,
// appends it to the bounded history and recomputes the connection status.
// Unknown nodes are registered on first report.
func (c *Collector) UpdateMetrics(ctx context.Context, nodeID string, in MetricsInput) (NodeHealth, error) {
	if nodeID == "" {
		return NodeHealth{}, errors.New("health: empty node id")
	}
	if err := in.Validate(); err != nil {
		return NodeHealth{}, err
	}

	c.mu.Lock()
	node := c.ensureLocked(nodeID)
	now := c.now()
	var prev *NodeMetrics
	if !node.LastReportAt.IsZero() {
		prev = &node.Current
	}
	m := in.ToMetrics(now, prev)
	if in.TailscaleIP != "" {
		node.TailscaleIP = in.TailscaleIP
	}
	node.Online = true
	node.LastReportAt = now
	c.applyLocked(node, m)
	snapshot := node.clone()
	c.mu.Unlock()

	c.persist(ctx, nodeID, m, snapshot.Status)
	return snapshot, nil
}

// MarkHeartbeatTimeout recomputes the heartbeat age from the wall clock for a
// node that has not pushed recently. The recomputed snapshot is appended to
// history so consecutive-failure rules can see a silent node.
func (c *Collector) MarkHeartbeatTimeout(ctx context.Context, nodeID string) (NodeHealth, error) {
	c.mu.Lock()
	node, ok := c.nodes[nodeID]
	if !ok {
		c.mu.Unlock()
		return NodeHealth{}, errors.Wrapf(ErrUnknownNode, "node %q", nodeID)
	}
	now := c.now()
	since := node.LastReportAt
	if since.IsZero() {
		since = node.RegisteredAt
	}
	m := node.Current
	m.Timestamp = now
	m.HeartbeatAgeSec = now.Sub(since).Seconds()
	c.applyLocked(node, m)
	if node.Status == StatusDisconnected {
		node.Online = false
	}
	snapshot := node.clone()
	c.mu.Unlock()

	c.persist(ctx, nodeID, m, snapshot.Status)
	return snapshot, nil
}

func (c *Collector) applyLocked(node *NodeHealth, m NodeMetrics) {
	node.Current = m
	node.History = append(node.History, m)
	if over := len(node.History) - c.cfg.HistoryCap; over > 0 {
		node.History = append([]NodeMetrics(nil), node.History[over:]...)
	}
	prev := node.Status
	node.Status = c.statusFor(m)
	if prev != node.Status {
		log.Info().
			Str("node", node.NodeID).
			Str("from", string(prev)).
			Str("to", string(node.Status)).
			Float64("heartbeat_age_sec", m.HeartbeatAgeSec).
			Float64("device_loss_pct", m.DeviceLossPct()).
			Msg("health: node status changed")
	}
}

func (c *Collector) statusFor(m NodeMetrics) ConnectionStatus {
	if m.HeartbeatAgeSec > c.cfg.DisconnectAfter.Seconds() {
		return StatusDisconnected
	}
	if !m.Healthy() {
		return StatusDegraded
	}
	return StatusConnected
}

func (c *Collector) persist(ctx context.Context, nodeID string, m NodeMetrics, status ConnectionStatus) {
	if c.sink == nil {
		return
	}
	if err := c.sink.RecordSnapshot(ctx, nodeID, m, status); err != nil {
		log.Error().Err(err).Str("node", nodeID).Msg("health: persist snapshot failed")
	}
}

// SetReachability records the result of an out-of-band probe. It does not
// append history.
func (c *Collector) SetReachability(nodeID string, online, boxReachable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.nodes[nodeID]
	if !ok {
		return errors.Wrapf(ErrUnknownNode, "node %q", nodeID)
	}
	node.Online = online
	node.Current.BoxTCPReachable = boxReachable
	return nil
}

// CanExecuteRecovery is true when the node has no recorded recovery or the
// last one is older than cooldown. Unknown nodes may always recover.
//
// The cooldown is per node: the last recovery of any kind holds back every
// kind. Callers pick cooldown from the kind they are about to run.
func (c *Collector) CanExecuteRecovery(nodeID string, _ RecoveryKind, cooldown time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.nodes[nodeID]
	if !ok || node.LastRecoveryAt.IsZero() {
		return true
	}
	return c.now().Sub(node.LastRecoveryAt) > cooldown
}

// RecordRecovery stamps the last-recovery time and bumps the per-kind counter.
func (c *Collector) RecordRecovery(nodeID string, kind RecoveryKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.nodes[nodeID]
	if !ok {
		return errors.Wrapf(ErrUnknownNode, "node %q", nodeID)
	}
	switch kind {
	case RecoverySoft:
		node.SoftRecoveries++
	case RecoveryRestart:
		node.RestartRecoveries++
	case RecoveryBoxReset:
		node.BoxRecoveries++
	default:
		return errors.Errorf("health: unknown recovery kind %q", kind)
	}
	node.LastRecoveryAt = c.now()
	node.LastRecoveryAction = kind
	return nil
}

// Get returns a copy of the node's record.
func (c *Collector) Get(nodeID string) (NodeHealth, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.nodes[nodeID]
	if !ok {
		return NodeHealth{}, false
	}
	return node.clone(), true
}

// GetAll returns copies of every node ordered by id.
func (c *Collector) GetAll() []NodeHealth {
	c.mu.Lock()
	out := make([]NodeHealth, 0, len(c.nodes))
	for _, node := range c.nodes {
		out = append(out, node.clone())
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// GetUnhealthy returns every node whose status is not connected.
func (c *Collector) GetUnhealthy() []NodeHealth {
	all := c.GetAll()
	out := all[:0]
	for _, node := range all {
		if node.Status != StatusConnected {
			out = append(out, node)
		}
	}
	return out
}
