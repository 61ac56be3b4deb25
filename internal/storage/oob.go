package storage

import (
	"context"

	"github.com/httprunner/DeviceFarm/internal/oob/health"
	"github.com/httprunner/DeviceFarm/internal/oob/recovery"
)

// HealthRepo keeps every metrics snapshot. It implements health.HistorySink.
type HealthRepo struct {
	table *Table
}

func NewHealthRepo(db Backend) *HealthRepo {
	return &HealthRepo{table: NewTable(db, tableSnapshots)}
}

func (r *HealthRepo) RecordSnapshot(ctx context.Context, nodeID string, m health.NodeMetrics, status health.ConnectionStatus) error {
	return r.table.Insert(ctx, Row{
		"node_id":               nodeID,
		"ts":                    millis(m.Timestamp),
		"connection_status":     string(status),
		"heartbeat_age_sec":     m.HeartbeatAgeSec,
		"device_count_observed": int64(m.DeviceCountObserved),
		"device_count_expected": int64(m.DeviceCountExpected),
		"adb_server_ok":         boolInt(m.ADBServerOK),
		"unauthorized_count":    int64(m.UnauthorizedCount),
		"websocket_connected":   boolInt(m.WebsocketConnected),
		"box_tcp_reachable":     boolInt(m.BoxTCPReachable),
		"uptime_sec":            m.UptimeSec,
		"restart_count":         int64(m.RestartCount),
		"cpu_percent":           m.CPUPercent,
		"memory_percent":        m.MemoryPercent,
	})
}

// Snapshot is a persisted metrics row.
type Snapshot struct {
	NodeID  string
	Status  health.ConnectionStatus
	Metrics health.NodeMetrics
}

// Recent returns up to limit snapshots of nodeID, newest first.
func (r *HealthRepo) Recent(ctx context.Context, nodeID string, limit int) ([]Snapshot, error) {
	rows, err := r.table.Select(ctx, Filter{"node_id": nodeID}, SelectOptions{OrderBy: "id", Desc: true, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(rows))
	for _, row := range rows {
		out = append(out, Snapshot{
			NodeID: row.String("node_id"),
			Status: health.ConnectionStatus(row.String("connection_status")),
			Metrics: health.NodeMetrics{
				Timestamp:           row.Time("ts"),
				HeartbeatAgeSec:     row.Float("heartbeat_age_sec"),
				DeviceCountObserved: row.Int("device_count_observed"),
				DeviceCountExpected: row.Int("device_count_expected"),
				ADBServerOK:         row.Bool("adb_server_ok"),
				UnauthorizedCount:   row.Int("unauthorized_count"),
				WebsocketConnected:  row.Bool("websocket_connected"),
				BoxTCPReachable:     row.Bool("box_tcp_reachable"),
				UptimeSec:           row.Float("uptime_sec"),
				RestartCount:        row.Int("restart_count"),
				CPUPercent:          row.Float("cpu_percent"),
				MemoryPercent:       row.Float("memory_percent"),
			},
		})
	}
	return out, nil
}

// RecoveryRepo keeps every recovery result. It implements recovery.HistorySink.
type RecoveryRepo struct {
	table *Table
}

func NewRecoveryRepo(db Backend) *RecoveryRepo {
	return &RecoveryRepo{table: NewTable(db, tableRecoveries, "id")}
}

func (r *RecoveryRepo) RecordRecovery(ctx context.Context, res recovery.Result) error {
	return r.table.Upsert(ctx, Row{
		"id":          res.ID,
		"node_id":     res.NodeID,
		"target":      res.Target,
		"mode":        string(res.Mode),
		"status":      string(res.Status),
		"command":     res.Command,
		"exit_code":   int64(res.ExitCode),
		"stdout":      res.Stdout,
		"stderr":      res.Stderr,
		"error":       res.Error,
		"started_at":  millis(res.StartedAt),
		"finished_at": millis(res.FinishedAt),
	})
}

// List returns up to limit results newest first. An empty nodeID lists every node.
func (r *RecoveryRepo) List(ctx context.Context, nodeID string, limit int) ([]recovery.Result, error) {
	where := Filter{}
	if nodeID != "" {
		where["node_id"] = nodeID
	}
	rows, err := r.table.Select(ctx, where, SelectOptions{OrderBy: "started_at", Desc: true, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]recovery.Result, 0, len(rows))
	for _, row := range rows {
		out = append(out, recovery.Result{
			ID:         row.String("id"),
			NodeID:     row.String("node_id"),
			Target:     row.String("target"),
			Mode:       recovery.Mode(row.String("mode")),
			Status:     recovery.Status(row.String("status")),
			Command:    row.String("command"),
			ExitCode:   row.Int("exit_code"),
			Stdout:     row.String("stdout"),
			Stderr:     row.String("stderr"),
			Error:      row.String("error"),
			StartedAt:  row.Time("started_at"),
			FinishedAt: row.Time("finished_at"),
		})
	}
	return out, nil
}
