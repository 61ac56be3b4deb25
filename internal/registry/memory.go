package registry

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store used by tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]*Device // keyed by serial
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[string]*Device)}
}

func (s *MemoryStore) UpsertDevice(ctx context.Context, dev *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[dev.Serial] = dev.Clone()
	return nil
}

func (s *MemoryStore) PatchDevice(ctx context.Context, serial string, expect Expect, patch Patch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[serial]
	if !ok {
		return false, nil
	}
	if expect.Status != "" && dev.Status != expect.Status {
		return false, nil
	}
	if expect.LastHeartbeat != nil && !dev.LastHeartbeat.Equal(*expect.LastHeartbeat) {
		return false, nil
	}
	cp := dev.Clone()
	if patch.Status != nil {
		cp.Status = *patch.Status
	}
	if patch.LastError != nil {
		cp.LastError = *patch.LastError
	}
	if patch.LastHeartbeat != nil {
		cp.LastHeartbeat = *patch.LastHeartbeat
	}
	if patch.LastCommand != nil {
		cp.LastCommand = *patch.LastCommand
	}
	if patch.LastCommandResult != nil {
		cp.LastCommandResult = *patch.LastCommandResult
	}
	if !patch.UpdatedAt.IsZero() {
		cp.UpdatedAt = patch.UpdatedAt
	}
	s.devices[serial] = cp
	return true, nil
}

func (s *MemoryStore) FindDevice(ctx context.Context, id string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if dev, ok := s.devices[id]; ok {
		return dev.Clone(), nil
	}
	for _, dev := range s.devices {
		if dev.ID == id || dev.HierarchyID == id {
			return dev.Clone(), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListDevices(ctx context.Context, filter Filter) ([]*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Device, 0, len(s.devices))
	for _, dev := range s.devices {
		if filter.Workstation != "" && dev.Workstation != filter.Workstation {
			continue
		}
		if filter.Group != "" && dev.Group != filter.Group {
			continue
		}
		if filter.Status != "" && dev.Status != filter.Status {
			continue
		}
		out = append(out, dev.Clone())
	}
	return out, nil
}
