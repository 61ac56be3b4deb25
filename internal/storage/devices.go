package storage

import (
	"context"
	"strings"

	"github.com/httprunner/DeviceFarm/internal/registry"
)

// DeviceRepo persists registry devices. It implements registry.Store.
type DeviceRepo struct {
	table *Table
}

func NewDeviceRepo(db Backend) *DeviceRepo {
	return &DeviceRepo{table: NewTable(db, tableDevices, "serial")}
}

func (r *DeviceRepo) UpsertDevice(ctx context.Context, dev *registry.Device) error {
	return r.table.Upsert(ctx, Row{
		"serial":              dev.Serial,
		"id":                  dev.ID,
		"hierarchy_id":        dev.HierarchyID,
		"workstation":         dev.Workstation,
		"board":               dev.Board,
		"slot":                int64(dev.Slot),
		"device_group":        string(dev.Group),
		"status":              string(dev.Status),
		"model":               dev.Model,
		"last_heartbeat":      millis(dev.LastHeartbeat),
		"last_command":        dev.LastCommand,
		"last_command_result": dev.LastCommandResult,
		"last_error":          dev.LastError,
		"created_at":          millis(dev.CreatedAt),
		"updated_at":          millis(dev.UpdatedAt),
	})
}

// PatchDevice writes only the columns set in patch, guarded by expect.
func (r *DeviceRepo) PatchDevice(ctx context.Context, serial string, expect registry.Expect, patch registry.Patch) (bool, error) {
	where := Filter{"serial": serial}
	if expect.Status != "" {
		where["status"] = string(expect.Status)
	}
	if expect.LastHeartbeat != nil {
		where["last_heartbeat"] = millis(*expect.LastHeartbeat)
	}
	set := Row{}
	if patch.Status != nil {
		set["status"] = string(*patch.Status)
	}
	if patch.LastError != nil {
		set["last_error"] = *patch.LastError
	}
	if patch.LastHeartbeat != nil {
		set["last_heartbeat"] = millis(*patch.LastHeartbeat)
	}
	if patch.LastCommand != nil {
		set["last_command"] = *patch.LastCommand
	}
	if patch.LastCommandResult != nil {
		set["last_command_result"] = *patch.LastCommandResult
	}
	if !patch.UpdatedAt.IsZero() {
		set["updated_at"] = millis(patch.UpdatedAt)
	}
	if len(set) == 0 {
		return false, nil
	}
	n, err := r.table.Update(ctx, where, set)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FindDevice looks id up as serial, then internal id, then hierarchy id.
func (r *DeviceRepo) FindDevice(ctx context.Context, id string) (*registry.Device, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	for _, col := range []string{"serial", "id", "hierarchy_id"} {
		row, err := r.table.SelectOne(ctx, Filter{col: id})
		if err != nil {
			return nil, err
		}
		if row != nil {
			return deviceFromRow(row), nil
		}
	}
	return nil, nil
}

func (r *DeviceRepo) ListDevices(ctx context.Context, filter registry.Filter) ([]*registry.Device, error) {
	where := Filter{}
	if filter.Workstation != "" {
		where["workstation"] = filter.Workstation
	}
	if filter.Group != "" {
		where["device_group"] = string(filter.Group)
	}
	if filter.Status != "" {
		where["status"] = string(filter.Status)
	}
	rows, err := r.table.Select(ctx, where, SelectOptions{OrderBy: "hierarchy_id", Limit: filter.Limit})
	if err != nil {
		return nil, err
	}
	out := make([]*registry.Device, 0, len(rows))
	for _, row := range rows {
		out = append(out, deviceFromRow(row))
	}
	return out, nil
}

func deviceFromRow(row Row) *registry.Device {
	return &registry.Device{
		ID:                row.String("id"),
		Serial:            row.String("serial"),
		HierarchyID:       row.String("hierarchy_id"),
		Workstation:       row.String("workstation"),
		Board:             row.String("board"),
		Slot:              row.Int("slot"),
		Group:             registry.Group(row.String("device_group")),
		Status:            registry.Status(row.String("status")),
		Model:             row.String("model"),
		LastHeartbeat:     row.Time("last_heartbeat"),
		LastCommand:       row.String("last_command"),
		LastCommandResult: row.String("last_command_result"),
		LastError:         row.String("last_error"),
		CreatedAt:         row.Time("created_at"),
		UpdatedAt:         row.Time("updated_at"),
	}
}
