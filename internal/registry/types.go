package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Status describes a device's scheduling state.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusBusy        Status = "busy"
	StatusOffline     Status = "offline"
	StatusError       Status = "error"
	StatusOverheat    Status = "overheat"
	StatusMaintenance Status = "maintenance"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusBusy, StatusOffline, StatusError, StatusOverheat, StatusMaintenance:
		return true
	}
	return false
}

// Group is one of the two halves used for staggered batches.
type Group string

const (
	GroupA Group = "A"
	GroupB Group = "B"
)

// Device is a single phone plugged into a slot on a workstation board.
type Device struct {
	ID                string
	Serial            string
	HierarchyID       string
	Workstation       string
	Board             string
	Slot              int
	Group             Group
	Status            Status
	Model             string
	LastHeartbeat     time.Time
	LastCommand       string
	LastCommandResult string
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Clone returns a copy safe to hand to callers.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	cp := *d
	return &cp
}

// Filter narrows ListDevices. Zero values mean "any".
type Filter struct {
	Workstation string
	Group       Group
	Status      Status
	Limit       int
}

// Patch lists the columns PatchDevice writes. Nil fields are left untouched.
type Patch struct {
	Status            *Status
	LastError         *string
	LastHeartbeat     *time.Time
	LastCommand       *string
	LastCommandResult *string
	UpdatedAt         time.Time
}

// Expect guards a Patch. The write only lands when the stored row still
// carries these values; zero fields match anything.
type Expect struct {
	Status        Status
	LastHeartbeat *time.Time
}

// Store persists devices. FindDevice returns (nil, nil) for unknown identifiers.
// PatchDevice reports whether a row keyed by serial matched expect and was written.
type Store interface {
	UpsertDevice(ctx context.Context, dev *Device) error
	PatchDevice(ctx context.Context, serial string, expect Expect, patch Patch) (bool, error)
	FindDevice(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context, filter Filter) ([]*Device, error)
}

// ErrDeviceNotFound is returned when a mutator is given an unknown identifier.
var ErrDeviceNotFound = errors.New("registry: device not found")

// RegistrationError reports an invalid workstation/board/slot triple.
type RegistrationError struct {
	Serial      string
	Workstation int
	Board       int
	Slot        int
	Reason      string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registry: invalid registration for %q (ws=%d board=%d slot=%d): %s",
		e.Serial, e.Workstation, e.Board, e.Slot, e.Reason)
}

// WorkstationID formats a workstation number, e.g. 1 -> WS01.
func WorkstationID(n int) string { return fmt.Sprintf("WS%02d", n) }

// BoardID formats a board number, e.g. 2 -> PB02.
func BoardID(n int) string { return fmt.Sprintf("PB%02d", n) }

// HierarchyID builds the `{workstation}-{board}-{slot}` identifier, e.g. WS01-PB02-S15.
func HierarchyID(workstation, board, slot int) string {
	return fmt.Sprintf("%s-%s-S%02d", WorkstationID(workstation), BoardID(board), slot)
}
