package health

import (
	"time"

	"github.com/pkg/errors"
)

// ConnectionStatus is the collector's view of a node's link state.
type ConnectionStatus string

const (
	StatusUnknown      ConnectionStatus = "unknown"
	StatusConnected    ConnectionStatus = "connected"
	StatusDegraded     ConnectionStatus = "degraded"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// RecoveryKind names a recovery action for cooldown bookkeeping.
type RecoveryKind string

const (
	RecoverySoft     RecoveryKind = "soft"
	RecoveryRestart  RecoveryKind = "restart"
	RecoveryBoxReset RecoveryKind = "box_reset"
)

const (
	// unauthorized devices at or above this count make a node unhealthy.
	healthyUnauthorizedLimit = 3
	// device loss at or above this fraction makes a node unhealthy.
	healthyLossLimit = 0.10
)

// NodeMetrics is one immutable snapshot reported by a node.
type NodeMetrics struct {
	Timestamp           time.Time `json:"timestamp"`
	HeartbeatAgeSec     float64   `json:"heartbeat_age_sec"`
	DeviceCountObserved int       `json:"device_count_observed"`
	DeviceCountExpected int       `json:"device_count_expected"`
	ADBServerOK         bool      `json:"adb_server_ok"`
	UnauthorizedCount   int       `json:"unauthorized_count"`
	WebsocketConnected  bool      `json:"websocket_connected"`
	BoxTCPReachable     bool      `json:"box_tcp_reachable"`
	UptimeSec           float64   `json:"uptime_sec"`
	RestartCount        int       `json:"restart_count"`
	CPUPercent          float64   `json:"cpu_percent"`
	MemoryPercent       float64   `json:"memory_percent"`
}

// DeviceLossPct returns 1 - observed/expected, or 0 when nothing is expected.
func (m NodeMetrics) DeviceLossPct() float64 {
	if m.DeviceCountExpected <= 0 {
		return 0
	}
	loss := 1 - float64(m.DeviceCountObserved)/float64(m.DeviceCountExpected)
	if loss < 0 {
		return 0
	}
	return loss
}

// Healthy reports adb ok, fewer than 3 unauthorized devices and under 10% loss.
func (m NodeMetrics) Healthy() bool {
	return m.ADBServerOK &&
		m.UnauthorizedCount < healthyUnauthorizedLimit &&
		m.DeviceLossPct() < healthyLossLimit
}

// MetricsInput is the typed heartbeat payload accepted at the boundary.
// Pointer fields distinguish "not reported" from a zero value.
type MetricsInput struct {
	HeartbeatAgeSec     *float64 `json:"heartbeat_age_sec"`
	DeviceCountObserved *int     `json:"device_count_observed"`
	DeviceCountExpected *int     `json:"device_count_expected"`
	ADBServerOK         *bool    `json:"adb_server_ok"`
	UnauthorizedCount   *int     `json:"unauthorized_count"`
	WebsocketConnected  *bool    `json:"websocket_connected"`
	BoxTCPReachable     *bool    `json:"box_tcp_reachable"`
	UptimeSec           *float64 `json:"uptime_sec"`
	RestartCount        *int     `json:"restart_count"`
	CPUPercent          *float64 `json:"cpu_percent"`
	MemoryPercent       *float64 `json:"memory_percent"`
	TailscaleIP         string   `json:"tailscale_ip"`
}

// Validate rejects negative counts and out-of-range percentages. Missing
// fields are allowed and default in ToMetrics.
func (in MetricsInput) Validate() error {
	for name, v := range map[string]*int{
		"device_count_observed": in.DeviceCountObserved,
		"device_count_expected": in.DeviceCountExpected,
		"unauthorized_count":    in.UnauthorizedCount,
		"restart_count":         in.RestartCount,
	} {
		if v != nil && *v < 0 {
			return errors.Errorf("health: %s must not be negative", name)
		}
	}
	if in.HeartbeatAgeSec != nil && *in.HeartbeatAgeSec < 0 {
		return errors.New("health: heartbeat_age_sec must not be negative")
	}
	for name, v := range map[string]*float64{"cpu_percent": in.CPUPercent, "memory_percent": in.MemoryPercent} {
		if v != nil && (*v < 0 || *v > 100) {
			return errors.Errorf("health: %s must be within 0..100", name)
		}
	}
	return nil
}

// ToMetrics converts the input to a snapshot stamped at now. Fields missing
// from the push keep prev's value; without prev they stay zero, which reads
// as adb down and nothing connected. A push is itself a heartbeat, so a
// missing age means 0.
func (in MetricsInput) ToMetrics(now time.Time, prev *NodeMetrics) NodeMetrics {
	var m NodeMetrics
	if prev != nil {
		m = *prev
	}
	m.Timestamp = now
	m.HeartbeatAgeSec = 0
	if in.HeartbeatAgeSec != nil {
		m.HeartbeatAgeSec = *in.HeartbeatAgeSec
	}
	if in.DeviceCountObserved != nil {
		m.DeviceCountObserved = *in.DeviceCountObserved
	}
	if in.DeviceCountExpected != nil {
		m.DeviceCountExpected = *in.DeviceCountExpected
	}
	if in.ADBServerOK != nil {
		m.ADBServerOK = *in.ADBServerOK
	}
	if in.UnauthorizedCount != nil {
		m.UnauthorizedCount = *in.UnauthorizedCount
	}
	if in.WebsocketConnected != nil {
		m.WebsocketConnected = *in.WebsocketConnected
	}
	if in.BoxTCPReachable != nil {
		m.BoxTCPReachable = *in.BoxTCPReachable
	}
	if in.UptimeSec != nil {
		m.UptimeSec = *in.UptimeSec
	}
	if in.RestartCount != nil {
		m.RestartCount = *in.RestartCount
	}
	if in.CPUPercent != nil {
		m.CPUPercent = *in.CPUPercent
	}
	if in.MemoryPercent != nil {
		m.MemoryPercent = *in.MemoryPercent
	}
	return m
}
