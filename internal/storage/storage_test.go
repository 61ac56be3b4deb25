package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/httprunner/DeviceFarm/internal/batch"
	"github.com/httprunner/DeviceFarm/internal/oob/health"
	"github.com/httprunner/DeviceFarm/internal/oob/recovery"
	"github.com/httprunner/DeviceFarm/internal/registry"
	"github.com/httprunner/DeviceFarm/internal/workload"
)

var (
	_ registry.Store       = (*DeviceRepo)(nil)
	_ health.HistorySink   = (*HealthRepo)(nil)
	_ recovery.HistorySink = (*RecoveryRepo)(nil)
	_ workload.Store       = (*WorkloadRepo)(nil)
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "farm.sqlite")
	store, err := Open(context.Background(), Config{Driver: "sqlite", SQLitePath: dbPath})
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	if err := Migrate(context.Background(), store.Backend); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestRegistryOverSQLite(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	reg := registry.New(store.Devices, registry.Config{}).WithClock(func() time.Time { return now })

	first, err := reg.Register(ctx, "R58M1", 1, 2, 15, "SM-A505")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := reg.Register(ctx, "R58M2", 1, 2, 16, "SM-A505"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	again, err := reg.Register(ctx, "R58M1", 1, 2, 15, "")
	if err != nil || again.ID != first.ID {
		t.Fatalf("re-register should keep id: %v %+v", err, again)
	}

	byHierarchy, err := reg.Get(ctx, "WS01-PB02-S15")
	if err != nil || byHierarchy.Serial != "R58M1" || byHierarchy.Model != "SM-A505" {
		t.Fatalf("lookup by hierarchy failed: %v %+v", err, byHierarchy)
	}
	if !byHierarchy.LastHeartbeat.Equal(now) {
		t.Fatalf("timestamp round trip failed: %v", byHierarchy.LastHeartbeat)
	}
	if n := reg.SetBusy(ctx, []string{"R58M1"}); n != 1 {
		t.Fatalf("set busy updated %d", n)
	}
	groupA, groupB, err := reg.GetBatchGroups(ctx, "WS01")
	if err != nil || len(groupA) != 0 || len(groupB) != 1 || groupB[0].Serial != "R58M2" {
		t.Fatalf("unexpected groups: %v A=%v B=%v", err, groupA, groupB)
	}
	if _, err := reg.Get(ctx, "missing"); err == nil {
		t.Fatal("expected not found")
	}

	now = now.Add(10 * time.Minute)
	marked, err := reg.MarkStaleOffline(ctx, 5*time.Minute)
	if err != nil || marked != 2 {
		t.Fatalf("expected 2 stale devices, got %d (%v)", marked, err)
	}
	offline, _ := reg.List(ctx, registry.Filter{Status: registry.StatusOffline})
	if len(offline) != 2 {
		t.Fatalf("expected 2 offline devices, got %d", len(offline))
	}
}

func TestPatchDeviceIsConditional(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seen := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	if err := store.Devices.UpsertDevice(ctx, &registry.Device{
		ID: "d1", Serial: "R58M1", HierarchyID: "WS01-PB01-S01", Status: registry.StatusIdle,
		LastHeartbeat: seen, LastCommand: "watch:v1",
	}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	fresh := seen.Add(time.Minute)
	if ok, err := store.Devices.PatchDevice(ctx, "R58M1", registry.Expect{}, registry.Patch{LastHeartbeat: &fresh}); err != nil || !ok {
		t.Fatalf("heartbeat patch failed: %v %v", ok, err)
	}
	offline := registry.StatusOffline
	ok, err := store.Devices.PatchDevice(ctx, "R58M1",
		registry.Expect{Status: registry.StatusIdle, LastHeartbeat: &seen},
		registry.Patch{Status: &offline})
	if err != nil || ok {
		t.Fatalf("stale expectation must not write: %v %v", ok, err)
	}
	dev, _ := store.Devices.FindDevice(ctx, "R58M1")
	if dev.Status != registry.StatusIdle || !dev.LastHeartbeat.Equal(fresh) || dev.LastCommand != "watch:v1" {
		t.Fatalf("unexpected row after patches: %+v", dev)
	}
	if ok, _ := store.Devices.PatchDevice(ctx, "missing", registry.Expect{}, registry.Patch{Status: &offline}); ok {
		t.Fatal("unknown serial should not match")
	}
}

func TestHealthSnapshots(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		m := health.NodeMetrics{
			Timestamp:           base.Add(time.Duration(i) * time.Minute),
			HeartbeatAgeSec:     float64(i),
			DeviceCountObserved: 18 + i,
			DeviceCountExpected: 20,
			ADBServerOK:         i != 1,
			CPUPercent:          42.5,
		}
		if err := store.Health.RecordSnapshot(ctx, "node-7", m, health.StatusConnected); err != nil {
			t.Fatalf("record snapshot failed: %v", err)
		}
	}
	snaps, err := store.Health.Recent(ctx, "node-7", 2)
	if err != nil || len(snaps) != 2 {
		t.Fatalf("unexpected snapshots: %v %d", err, len(snaps))
	}
	newest := snaps[0].Metrics
	if newest.DeviceCountObserved != 20 || !newest.ADBServerOK || newest.CPUPercent != 42.5 {
		t.Fatalf("unexpected newest snapshot: %+v", newest)
	}
	if snaps[1].Metrics.ADBServerOK {
		t.Fatalf("bool round trip failed: %+v", snaps[1])
	}
}

func TestRecoveryHistory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	res := recovery.Result{ID: "r1", NodeID: "node-1", Target: "100.64.0.9", Mode: recovery.ModeSoft,
		Status: recovery.StatusRunning, StartedAt: base}
	if err := store.Recoveries.RecordRecovery(ctx, res); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	res.Status = recovery.StatusFailed
	res.ExitCode = 2
	res.Error = "exit status 2"
	res.FinishedAt = base.Add(3 * time.Second)
	_ = store.Recoveries.RecordRecovery(ctx, res)
	_ = store.Recoveries.RecordRecovery(ctx, recovery.Result{ID: "r2", NodeID: "node-1", Mode: recovery.ModeRestart,
		Status: recovery.StatusSuccess, StartedAt: base.Add(time.Minute)})
	_ = store.Recoveries.RecordRecovery(ctx, recovery.Result{ID: "r3", NodeID: "node-2", Mode: recovery.ModeSoft,
		Status: recovery.StatusSuccess, StartedAt: base})

	list, err := store.Recoveries.List(ctx, "node-1", 10)
	if err != nil || len(list) != 2 {
		t.Fatalf("unexpected history: %v %+v", err, list)
	}
	if list[0].ID != "r2" || list[1].Status != recovery.StatusFailed || list[1].ExitCode != 2 {
		t.Fatalf("unexpected ordering or update: %+v", list)
	}
	if list[1].Duration() != 3*time.Second {
		t.Fatalf("duration round trip failed: %v", list[1].Duration())
	}
	all, _ := store.Recoveries.List(ctx, "", 0)
	if len(all) != 3 {
		t.Fatalf("expected 3 results across nodes, got %d", len(all))
	}
}

type fixedExecutor struct{}

func (fixedExecutor) ExecuteHalfBatches(ctx context.Context, job batch.Job) ([]batch.Result, error) {
	return []batch.Result{{Number: 1, Group: "A", Total: 2, Success: 1, Partial: 1, Liked: 1}}, nil
}

func TestWorkloadRepoRoundTripAndEngine(t *testing.T) {
	store := openTestStore(t)
	repo := store.Workloads
	ctx := context.Background()

	opts := batch.Options{WatchMin: time.Minute, WatchMax: 2 * time.Minute, LikeProbability: 0.2, RandomPause: true}
	wl := &workload.Workload{
		ID: "wl-9", Name: "evening", VideoIDs: []string{"a", "b"}, Status: workload.StatusPending,
		Options: opts, CycleInterval: 5 * time.Millisecond, TargetWorkstations: []string{"WS03"},
		CreatedAt: time.Now(),
	}
	if err := repo.SaveWorkload(ctx, wl); err != nil {
		t.Fatalf("save workload failed: %v", err)
	}
	got, err := repo.GetWorkload(ctx, "wl-9")
	if err != nil || got == nil {
		t.Fatalf("get workload failed: %v", err)
	}
	if strings.Join(got.VideoIDs, ",") != "a,b" || got.Options != opts || got.CycleInterval != 5*time.Millisecond ||
		len(got.TargetWorkstations) != 1 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if missing, err := repo.GetWorkload(ctx, "nope"); err != nil || missing != nil {
		t.Fatalf("missing workload should be nil, nil: %v %v", missing, err)
	}
	for _, id := range []string{"a", "b"} {
		_ = repo.SaveVideo(ctx, &workload.Video{ID: id, URL: "https://youtu.be/" + id})
	}

	engine := workload.NewEngine(repo, fixedExecutor{}, workload.Config{})
	if err := engine.Start(ctx, "wl-9"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	engine.Wait("wl-9")

	final, _ := repo.GetWorkload(ctx, "wl-9")
	if final.Status != workload.StatusCompleted || final.CurrentIndex != 2 || final.SuccessCount != 4 {
		t.Fatalf("unexpected final workload: %+v", final)
	}
	cycles, _ := repo.Cycles(ctx, "wl-9")
	if len(cycles) != 2 || cycles[1].VideoID != "b" || cycles[1].Partial != 1 {
		t.Fatalf("unexpected cycles: %+v", cycles)
	}
	logs, _ := repo.Logs(ctx, "wl-9", 0)
	if len(logs) == 0 || logs[0].Event != "started" || logs[len(logs)-1].Event != "completed" {
		t.Fatalf("unexpected log order: %+v", logs)
	}
	tail, _ := repo.Logs(ctx, "wl-9", 1)
	if len(tail) != 1 || tail[0].Event != "completed" {
		t.Fatalf("limited logs should keep the newest: %+v", tail)
	}
	done, _ := repo.ListWorkloads(ctx, workload.StatusCompleted, workload.StatusCancelled)
	if len(done) != 1 {
		t.Fatalf("expected one completed workload, got %d", len(done))
	}
	active, _ := repo.ListWorkloads(ctx, workload.StatusExecuting)
	if len(active) != 0 {
		t.Fatalf("expected no active workloads, got %d", len(active))
	}
}
