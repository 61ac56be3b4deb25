package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func ptr[T any](v T) *T { return &v }

func healthyInput() MetricsInput {
	return MetricsInput{
		HeartbeatAgeSec:     ptr(1.0),
		DeviceCountObserved: ptr(20),
		DeviceCountExpected: ptr(20),
		ADBServerOK:         ptr(true),
		UnauthorizedCount:   ptr(0),
		WebsocketConnected:  ptr(true),
		BoxTCPReachable:     ptr(true),
	}
}

type recordingSink struct {
	mu       sync.Mutex
	statuses []ConnectionStatus
}

func (s *recordingSink) RecordSnapshot(ctx context.Context, nodeID string, m NodeMetrics, status ConnectionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

func TestDeviceLossPctZeroExpected(t *testing.T) {
	m := NodeMetrics{DeviceCountObserved: 5, DeviceCountExpected: 0}
	if m.DeviceLossPct() != 0 {
		t.Fatalf("expected 0 loss, got %f", m.DeviceLossPct())
	}
	m = NodeMetrics{DeviceCountObserved: 9, DeviceCountExpected: 10}
	if got := m.DeviceLossPct(); got < 0.099 || got > 0.101 {
		t.Fatalf("expected 10%% loss, got %f", got)
	}
}

func TestHealthyPredicate(t *testing.T) {
	base := NodeMetrics{ADBServerOK: true, DeviceCountObserved: 10, DeviceCountExpected: 10}
	if !base.Healthy() {
		t.Fatal("base metrics should be healthy")
	}
	unauthorized := base
	unauthorized.UnauthorizedCount = 3
	if unauthorized.Healthy() {
		t.Fatal("3 unauthorized devices should be unhealthy")
	}
	lossy := base
	lossy.DeviceCountObserved = 9
	if lossy.Healthy() {
		t.Fatal("10% loss should be unhealthy")
	}
	adbDown := base
	adbDown.ADBServerOK = false
	if adbDown.Healthy() {
		t.Fatal("adb down should be unhealthy")
	}
}

func TestUpdateMetricsStatusTransitions(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sink := &recordingSink{}
	c := NewCollector(Config{}, sink).WithClock(func() time.Time { return now })
	ctx := context.Background()

	node, err := c.UpdateMetrics(ctx, "node-1", healthyInput())
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if node.Status != StatusConnected {
		t.Fatalf("expected connected, got %s", node.Status)
	}

	degraded := healthyInput()
	degraded.ADBServerOK = ptr(false)
	node, _ = c.UpdateMetrics(ctx, "node-1", degraded)
	if node.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", node.Status)
	}

	silent := healthyInput()
	silent.HeartbeatAgeSec = ptr(61.0)
	node, _ = c.UpdateMetrics(ctx, "node-1", silent)
	if node.Status != StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", node.Status)
	}
	if len(sink.statuses) != 3 {
		t.Fatalf("expected 3 persisted snapshots, got %d", len(sink.statuses))
	}
}

func TestUpdateMetricsKeepsPreviousValuesForMissingFields(t *testing.T) {
	c := NewCollector(Config{}, nil)
	ctx := context.Background()
	if _, err := c.UpdateMetrics(ctx, "node-1", healthyInput()); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	node, err := c.UpdateMetrics(ctx, "node-1", MetricsInput{CPUPercent: ptr(42.0)})
	if err != nil {
		t.Fatalf("partial update failed: %v", err)
	}
	if !node.Current.ADBServerOK || node.Current.DeviceCountExpected != 20 || node.Current.CPUPercent != 42 {
		t.Fatalf("partial push should keep previous values: %+v", node.Current)
	}
}

func TestUpdateMetricsRejectsInvalidInput(t *testing.T) {
	c := NewCollector(Config{}, nil)
	in := healthyInput()
	in.UnauthorizedCount = ptr(-1)
	if _, err := c.UpdateMetrics(context.Background(), "node-1", in); err == nil {
		t.Fatal("expected validation error")
	}
	in = healthyInput()
	in.CPUPercent = ptr(140.0)
	if _, err := c.UpdateMetrics(context.Background(), "node-1", in); err == nil {
		t.Fatal("expected validation error for cpu")
	}
	if _, ok := c.Get("node-1"); ok {
		t.Fatal("invalid input must not register the node")
	}
}

func TestHistoryIsBoundedFIFO(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCollector(Config{HistoryCap: 5}, nil).WithClock(func() time.Time { return now })
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		in := healthyInput()
		in.RestartCount = ptr(i)
		node, err := c.UpdateMetrics(ctx, "node-1", in)
		if err != nil {
			t.Fatalf("update failed: %v", err)
		}
		if len(node.History) > 5 {
			t.Fatalf("history exceeded cap: %d", len(node.History))
		}
		now = now.Add(time.Second)
	}
	node, _ := c.Get("node-1")
	if len(node.History) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(node.History))
	}
	for i, m := range node.History {
		if m.RestartCount != 7+i {
			t.Fatalf("history[%d] = %d, want %d", i, m.RestartCount, 7+i)
		}
	}
}

func TestConcurrentUpdatesSameNode(t *testing.T) {
	c := NewCollector(Config{HistoryCap: 20}, nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.UpdateMetrics(ctx, "node-1", healthyInput())
		}()
	}
	wg.Wait()
	node, _ := c.Get("node-1")
	if len(node.History) != 20 {
		t.Fatalf("expected capped history of 20, got %d", len(node.History))
	}
}

func TestMarkHeartbeatTimeout(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCollector(Config{}, nil).WithClock(func() time.Time { return now })
	ctx := context.Background()
	if _, err := c.MarkHeartbeatTimeout(ctx, "ghost"); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
	c.UpdateMetrics(ctx, "node-1", healthyInput())

	now = now.Add(90 * time.Second)
	node, err := c.MarkHeartbeatTimeout(ctx, "node-1")
	if err != nil {
		t.Fatalf("mark timeout failed: %v", err)
	}
	if node.Current.HeartbeatAgeSec != 90 {
		t.Fatalf("expected age 90s, got %f", node.Current.HeartbeatAgeSec)
	}
	if node.Status != StatusDisconnected || node.Online {
		t.Fatalf("expected disconnected/offline, got %s online=%v", node.Status, node.Online)
	}
	if len(node.History) != 2 {
		t.Fatalf("expected timeout snapshot appended, got %d entries", len(node.History))
	}

	now = now.Add(30 * time.Second)
	node, _ = c.MarkHeartbeatTimeout(ctx, "node-1")
	if node.Current.HeartbeatAgeSec != 120 {
		t.Fatalf("age should be measured from the last real report, got %f", node.Current.HeartbeatAgeSec)
	}
}

func TestRecoveryCooldown(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCollector(Config{}, nil).WithClock(func() time.Time { return now })
	c.UpdateMetrics(context.Background(), "node-1", healthyInput())

	if !c.CanExecuteRecovery("node-1", RecoverySoft, 3*time.Minute) {
		t.Fatal("no prior recovery should allow execution")
	}
	if err := c.RecordRecovery("node-1", RecoverySoft); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if c.CanExecuteRecovery("node-1", RecoverySoft, 3*time.Minute) {
		t.Fatal("within cooldown should block")
	}
	now = now.Add(2 * time.Minute)
	if !c.CanExecuteRecovery("node-1", RecoverySoft, 3*time.Minute) {
		t.Fatal("after cooldown should allow")
	}
	node, _ := c.Get("node-1")
	if node.SoftRecoveries != 1 || node.LastRecoveryAction != RecoverySoft {
		t.Fatalf("unexpected counters: %+v", node)
	}
	if err := c.RecordRecovery("ghost", RecoverySoft); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
}

func TestGetUnhealthy(t *testing.T) {
	c := NewCollector(Config{}, nil)
	ctx := context.Background()
	c.UpdateMetrics(ctx, "ok", healthyInput())
	bad := healthyInput()
	bad.ADBServerOK = ptr(false)
	c.UpdateMetrics(ctx, "bad", bad)
	c.Register("new", "100.64.0.9", BoxTarget{})

	unhealthy := c.GetUnhealthy()
	if len(unhealthy) != 2 {
		t.Fatalf("expected 2 unhealthy nodes, got %d", len(unhealthy))
	}
	if unhealthy[0].NodeID != "bad" || unhealthy[1].NodeID != "new" {
		t.Fatalf("unexpected order: %s, %s", unhealthy[0].NodeID, unhealthy[1].NodeID)
	}
	if len(c.GetAll()) != 3 {
		t.Fatal("expected 3 nodes")
	}
}

func TestRecoveryCooldownIsPerNode(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCollector(Config{}, nil).WithClock(func() time.Time { return now })
	c.UpdateMetrics(context.Background(), "node-1", healthyInput())
	c.UpdateMetrics(context.Background(), "node-2", healthyInput())
	if err := c.RecordRecovery("node-1", RecoverySoft); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	now = now.Add(time.Minute)
	for _, kind := range []RecoveryKind{RecoverySoft, RecoveryRestart, RecoveryBoxReset} {
		if c.CanExecuteRecovery("node-1", kind, 3*time.Minute) {
			t.Fatalf("%s should be held by the node's recent soft recovery", kind)
		}
	}
	if !c.CanExecuteRecovery("node-2", RecoveryRestart, 3*time.Minute) {
		t.Fatal("another node's recovery must not hold this one")
	}
	if !c.CanExecuteRecovery("node-1", RecoveryRestart, 30*time.Second) {
		t.Fatal("a shorter cooldown for the kind should already allow it")
	}
}
