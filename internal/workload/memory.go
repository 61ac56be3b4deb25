package workload

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for tests and dry runs.
type MemoryStore struct {
	mu        sync.Mutex
	workloads map[string]*Workload
	videos    map[string]*Video
	cycles    []CycleResult
	logs      []LogEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workloads: map[string]*Workload{}, videos: map[string]*Video{}}
}

func (s *MemoryStore) GetWorkload(ctx context.Context, id string) (*Workload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workloads[id].Clone(), nil
}

func (s *MemoryStore) SaveWorkload(ctx context.Context, wl *Workload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workloads[wl.ID] = wl.Clone()
	return nil
}

func (s *MemoryStore) GetVideo(ctx context.Context, id string) (*Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[id]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (s *MemoryStore) SaveVideo(ctx context.Context, v *Video) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	s.videos[v.ID] = &cp
	return nil
}

func (s *MemoryStore) SaveCycle(ctx context.Context, cycle *CycleResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles = append(s.cycles, *cycle)
	return nil
}

func (s *MemoryStore) AppendLog(ctx context.Context, entry LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	return nil
}

// Cycles returns the recorded cycles of workloadID in insertion order.
func (s *MemoryStore) Cycles(workloadID string) []CycleResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CycleResult
	for _, c := range s.cycles {
		if c.WorkloadID == workloadID {
			out = append(out, c)
		}
	}
	return out
}

// Logs returns the audit log of workloadID in insertion order.
func (s *MemoryStore) Logs(workloadID string) []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LogEntry
	for _, l := range s.logs {
		if l.WorkloadID == workloadID {
			out = append(out, l)
		}
	}
	return out
}
