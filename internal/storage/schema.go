package storage

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

const (
	tableDevices    = "devices"
	tableSnapshots  = "node_snapshots"
	tableRecoveries = "recovery_attempts"
	tableWorkloads  = "workloads"
	tableVideos     = "videos"
	tableCycles     = "workload_cycles"
	tableLogs       = "workload_logs"
)

// Timestamps are unix milliseconds so both dialects share one encoding.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		serial {text} PRIMARY KEY,
		id {text} NOT NULL,
		hierarchy_id {text} NOT NULL,
		workstation {text} NOT NULL,
		board {text} NOT NULL,
		slot {int} NOT NULL,
		device_group {text} NOT NULL,
		status {text} NOT NULL,
		model {text},
		last_heartbeat {int},
		last_command {text},
		last_command_result {text},
		last_error {text},
		created_at {int},
		updated_at {int}
	)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_hierarchy ON devices(hierarchy_id)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_ws_status ON devices(workstation, status)`,

	`CREATE TABLE IF NOT EXISTS node_snapshots (
		id {serial},
		node_id {text} NOT NULL,
		ts {int} NOT NULL,
		connection_status {text} NOT NULL,
		heartbeat_age_sec {real},
		device_count_observed {int},
		device_count_expected {int},
		adb_server_ok {int},
		unauthorized_count {int},
		websocket_connected {int},
		box_tcp_reachable {int},
		uptime_sec {real},
		restart_count {int},
		cpu_percent {real},
		memory_percent {real}
	)`,
	`CREATE INDEX IF NOT EXISTS idx_node_snapshots_node_ts ON node_snapshots(node_id, ts)`,

	`CREATE TABLE IF NOT EXISTS recovery_attempts (
		id {text} PRIMARY KEY,
		node_id {text} NOT NULL,
		target {text},
		mode {text} NOT NULL,
		status {text} NOT NULL,
		command {text},
		exit_code {int},
		stdout {text},
		stderr {text},
		error {text},
		started_at {int},
		finished_at {int}
	)`,
	`CREATE INDEX IF NOT EXISTS idx_recovery_attempts_node ON recovery_attempts(node_id, started_at)`,

	`CREATE TABLE IF NOT EXISTS workloads (
		id {text} PRIMARY KEY,
		name {text},
		video_ids {text} NOT NULL,
		status {text} NOT NULL,
		current_index {int} NOT NULL,
		options {text},
		cycle_interval_ms {int},
		target_workstations {text},
		last_error {text},
		completed_videos {int},
		success_count {int},
		failed_count {int},
		created_at {int},
		started_at {int},
		finished_at {int},
		updated_at {int}
	)`,
	`CREATE TABLE IF NOT EXISTS videos (
		id {text} PRIMARY KEY,
		url {text} NOT NULL,
		title {text}
	)`,
	`CREATE TABLE IF NOT EXISTS workload_cycles (
		id {serial},
		workload_id {text} NOT NULL,
		video_id {text} NOT NULL,
		video_index {int} NOT NULL,
		batches {int},
		total_devices {int},
		success {int},
		partial {int},
		failed {int},
		liked {int},
		started_at {int},
		finished_at {int}
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workload_cycles_workload ON workload_cycles(workload_id)`,
	`CREATE TABLE IF NOT EXISTS workload_logs (
		id {serial},
		workload_id {text} NOT NULL,
		level {text} NOT NULL,
		event {text} NOT NULL,
		message {text},
		data {text},
		created_at {int} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workload_logs_workload ON workload_logs(workload_id, id)`,
}

func schemaTypes(d Dialect) *strings.Replacer {
	if d == DialectPostgres {
		return strings.NewReplacer(
			"{text}", "TEXT",
			"{int}", "BIGINT",
			"{real}", "DOUBLE PRECISION",
			"{serial}", "BIGSERIAL PRIMARY KEY",
		)
	}
	return strings.NewReplacer(
		"{text}", "TEXT",
		"{int}", "INTEGER",
		"{real}", "REAL",
		"{serial}", "INTEGER PRIMARY KEY AUTOINCREMENT",
	)
}

// Migrate creates every table and index that does not exist yet.
func Migrate(ctx context.Context, db Backend) error {
	types := schemaTypes(db.Dialect())
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, types.Replace(stmt)); err != nil {
			return errors.Wrapf(err, "storage: migrate %s", firstLine(stmt))
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
