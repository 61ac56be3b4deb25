package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Config tunes the registry.
type Config struct {
	// SlotGroups overrides parity-based grouping for specific slots.
	SlotGroups map[int]Group
	// HeartbeatTimeout is the default staleness window for MarkStaleOffline.
	HeartbeatTimeout time.Duration
}

// Registry is a thin domain layer over Store that owns device topology and status.
// Mutators are serialized within the process and write only the columns they
// change, so a sweep never clobbers a concurrent heartbeat.
type Registry struct {
	mu    sync.Mutex
	store Store
	cfg   Config
	clock func() time.Time
}

// New builds a Registry backed by store.
func New(store Store, cfg Config) *Registry {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 5 * time.Minute
	}
	return &Registry{store: store, cfg: cfg}
}

// WithClock overrides the time source, used by tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

func (r *Registry) now() time.Time {
	if r.clock != nil {
		return r.clock()
	}
	return time.Now()
}

// GroupForSlot returns the half a slot belongs to: explicit mapping first,
// then odd slots -> A, even slots -> B.
func (r *Registry) GroupForSlot(slot int) Group {
	if g, ok := r.cfg.SlotGroups[slot]; ok && (g == GroupA || g == GroupB) {
		return g
	}
	if slot%2 == 1 {
		return GroupA
	}
	return GroupB
}

// Register upserts a device keyed by serial. Re-registering keeps the current
// status and id, and refreshes the topology fields.
func (r *Registry) Register(ctx context.Context, serial string, workstation, board, slot int, model string) (*Device, error) {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return nil, &RegistrationError{Workstation: workstation, Board: board, Slot: slot, Reason: "empty serial"}
	}
	if workstation <= 0 || board <= 0 || slot <= 0 {
		return nil, &RegistrationError{
			Serial: serial, Workstation: workstation, Board: board, Slot: slot,
			Reason: "workstation, board and slot must be positive",
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, err := r.store.FindDevice(ctx, serial)
	if err != nil {
		return nil, errors.Wrapf(err, "registry: lookup %s", serial)
	}
	now := r.now()
	dev := &Device{
		ID:            uuid.NewString(),
		Serial:        serial,
		Status:        StatusIdle,
		CreatedAt:     now,
		LastHeartbeat: now,
	}
	if existing != nil && existing.Serial == serial {
		dev = existing.Clone()
	}
	dev.Workstation = WorkstationID(workstation)
	dev.Board = BoardID(board)
	dev.Slot = slot
	dev.HierarchyID = HierarchyID(workstation, board, slot)
	dev.Group = r.GroupForSlot(slot)
	if m := strings.TrimSpace(model); m != "" {
		dev.Model = m
	}
	dev.UpdatedAt = now
	if err := r.store.UpsertDevice(ctx, dev); err != nil {
		return nil, errors.Wrapf(err, "registry: upsert %s", serial)
	}
	log.Info().
		Str("serial", serial).
		Str("hierarchy_id", dev.HierarchyID).
		Str("group", string(dev.Group)).
		Bool("existing", existing != nil).
		Msg("device registered")
	return dev, nil
}

// Get resolves a device by internal id, serial or hierarchy id.
func (r *Registry) Get(ctx context.Context, id string) (*Device, error) {
	dev, err := r.store.FindDevice(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, errors.Wrapf(err, "registry: find %s", id)
	}
	if dev == nil {
		return nil, errors.Wrapf(ErrDeviceNotFound, "id %q", id)
	}
	return dev, nil
}

// List returns devices matching filter ordered by hierarchy id.
func (r *Registry) List(ctx context.Context, filter Filter) ([]*Device, error) {
	devices, err := r.store.ListDevices(ctx, Filter{
		Workstation: filter.Workstation,
		Group:       filter.Group,
		Status:      filter.Status,
	})
	if err != nil {
		return nil, errors.Wrap(err, "registry: list devices")
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].HierarchyID < devices[j].HierarchyID
	})
	if filter.Limit > 0 && len(devices) > filter.Limit {
		devices = devices[:filter.Limit]
	}
	return devices, nil
}

// GetAvailable returns idle devices, optionally filtered by workstation/group and capped by count.
func (r *Registry) GetAvailable(ctx context.Context, workstation string, group Group, count int) ([]*Device, error) {
	return r.List(ctx, Filter{
		Workstation: workstation,
		Group:       group,
		Status:      StatusIdle,
		Limit:       count,
	})
}

// GetBatchGroups returns the idle devices of group A and group B. Either half may be empty.
func (r *Registry) GetBatchGroups(ctx context.Context, workstation string) (groupA, groupB []*Device, err error) {
	idle, err := r.GetAvailable(ctx, workstation, "", 0)
	if err != nil {
		return nil, nil, err
	}
	for _, dev := range idle {
		if dev.Group == GroupB {
			groupB = append(groupB, dev)
			continue
		}
		groupA = append(groupA, dev)
	}
	return groupA, groupB, nil
}

// SetStatus is the single mutation point for device status. id may be the
// internal id, the serial or the hierarchy id.
func (r *Registry) SetStatus(ctx context.Context, id string, status Status, errMsg string) error {
	if !status.Valid() {
		return errors.Errorf("registry: invalid status %q", status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	msg := strings.TrimSpace(errMsg)
	if err := r.patch(ctx, dev.Serial, Patch{Status: &status, LastError: &msg}); err != nil {
		return errors.Wrapf(err, "registry: update status %s", dev.Serial)
	}
	if dev.Status != status {
		log.Debug().
			Str("serial", dev.Serial).
			Str("from", string(dev.Status)).
			Str("to", string(status)).
			Msg("device status changed")
	}
	return nil
}

// SetBusy marks every id busy and returns how many were updated.
func (r *Registry) SetBusy(ctx context.Context, ids []string) int {
	return r.setMany(ctx, ids, StatusBusy)
}

// SetIdle marks every id idle and returns how many were updated.
func (r *Registry) SetIdle(ctx context.Context, ids []string) int {
	return r.setMany(ctx, ids, StatusIdle)
}

func (r *Registry) setMany(ctx context.Context, ids []string, status Status) int {
	updated := 0
	for _, id := range ids {
		if err := r.SetStatus(ctx, id, status, ""); err != nil {
			log.Error().Err(err).Str("device", id).Str("status", string(status)).Msg("bulk status update failed")
			continue
		}
		updated++
	}
	return updated
}

// Heartbeat marks the device as alive: it stamps the last-heartbeat, records
// command and result when command is set, and brings an offline device back
// to idle.
func (r *Registry) Heartbeat(ctx context.Context, id, command, result string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	now := r.now()
	p := Patch{LastHeartbeat: &now}
	if command != "" {
		p.LastCommand, p.LastCommandResult = &command, &result
	}
	if err := r.patch(ctx, dev.Serial, p); err != nil {
		return errors.Wrapf(err, "registry: heartbeat %s", dev.Serial)
	}
	if dev.Status != StatusOffline {
		return nil
	}
	idle := StatusIdle
	_, err = r.store.PatchDevice(ctx, dev.Serial, Expect{Status: StatusOffline}, Patch{Status: &idle, UpdatedAt: now})
	return errors.Wrapf(err, "registry: revive %s", dev.Serial)
}

// RecordCommand stores the last command and its result without touching the
// heartbeat, for commands the device did not answer.
func (r *Registry) RecordCommand(ctx context.Context, id, command, result string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	err = r.patch(ctx, dev.Serial, Patch{LastCommand: &command, LastCommandResult: &result})
	return errors.Wrapf(err, "registry: record command %s", dev.Serial)
}

// patch applies an unconditional column update and maps a vanished row to
// ErrDeviceNotFound.
func (r *Registry) patch(ctx context.Context, serial string, p Patch) error {
	p.UpdatedAt = r.now()
	ok, err := r.store.PatchDevice(ctx, serial, Expect{}, p)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(ErrDeviceNotFound, "serial %q", serial)
	}
	return nil
}

// MarkStaleOffline flips every device whose last heartbeat is older than
// timeout to offline. Devices already offline are left alone, so repeated
// sweeps are no-ops. A non-positive timeout uses the configured default.
//
// Each flip is conditional on the status and heartbeat the sweep read; a
// device that heartbeats in between keeps its state.
func (r *Registry) MarkStaleOffline(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = r.cfg.HeartbeatTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	devices, err := r.store.ListDevices(ctx, Filter{})
	if err != nil {
		return 0, errors.Wrap(err, "registry: list devices for sweep")
	}
	now := r.now()
	offline := StatusOffline
	count := 0
	for _, dev := range devices {
		if dev.Status == StatusOffline {
			continue
		}
		if now.Sub(dev.LastHeartbeat) <= timeout {
			continue
		}
		seen := dev.LastHeartbeat
		ok, err := r.store.PatchDevice(ctx, dev.Serial,
			Expect{Status: dev.Status, LastHeartbeat: &seen},
			Patch{Status: &offline, UpdatedAt: now})
		if err != nil {
			log.Error().Err(err).Str("serial", dev.Serial).Msg("mark device offline failed")
			continue
		}
		if !ok {
			log.Debug().Str("serial", dev.Serial).Msg("device changed during sweep, skipped")
			continue
		}
		log.Info().
			Str("serial", dev.Serial).
			Time("last_heartbeat", dev.LastHeartbeat).
			Msg("device marked offline after heartbeat timeout")
		count++
	}
	return count, nil
}
