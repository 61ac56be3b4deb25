package batch

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/httprunner/DeviceFarm/internal/devicectl"
	"github.com/httprunner/DeviceFarm/internal/registry"
	"github.com/pkg/errors"
)

type fakeController struct {
	mu          sync.Mutex
	opens       []string
	taps        int
	homes       int
	swipes      int
	openErr     error
	tapErr      error
	panicOnOpen bool
	openDelay   time.Duration
	blockOpen   bool
	inflight    int
	maxInflight int
	onOpen      func(serial string)
}

func (f *fakeController) OpenURL(ctx context.Context, serial, url string) error {
	f.mu.Lock()
	f.opens = append(f.opens, serial)
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()
	if f.onOpen != nil {
		f.onOpen(serial)
	}
	if f.panicOnOpen {
		panic("control channel exploded")
	}
	if f.blockOpen {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.openDelay > 0 {
		time.Sleep(f.openDelay)
	}
	return f.openErr
}

func (f *fakeController) Tap(ctx context.Context, serial string, x, y int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taps++
	return f.tapErr
}

func (f *fakeController) Swipe(ctx context.Context, serial string, x1, y1, x2, y2 int, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swipes++
	return nil
}

func (f *fakeController) InputText(ctx context.Context, serial, text string) error { return nil }

func (f *fakeController) KeyEvent(ctx context.Context, serial string, code int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if code == devicectl.KeyHome {
		f.homes++
	}
	return nil
}

func (f *fakeController) Screenshot(ctx context.Context, serial string) ([]byte, error) {
	return nil, nil
}

func (f *fakeController) ListDevices(ctx context.Context) ([]devicectl.DeviceState, error) {
	return nil, nil
}

// newFleet registers n devices on WS01 board 1, slots 1..n.
func newFleet(t *testing.T, n int) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.NewMemoryStore(), registry.Config{})
	for slot := 1; slot <= n; slot++ {
		serial := "SER" + registry.HierarchyID(1, 1, slot)
		if _, err := reg.Register(context.Background(), serial, 1, 1, slot, "SM-G960"); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}
	return reg
}

type sleepRecorder struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.slept = append(s.slept, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestExecutor(reg Registry, ctl devicectl.Controller, opts Options) (*Executor, *sleepRecorder) {
	rec := &sleepRecorder{}
	e := NewExecutor(reg, ctl, opts).WithRand(rand.New(rand.NewPCG(1, 2)))
	e.sleep = rec.sleep
	return e, rec
}

func assertAllIdle(t *testing.T, reg *registry.Registry) {
	t.Helper()
	devices, err := reg.List(context.Background(), registry.Filter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	for _, dev := range devices {
		if dev.Status != registry.StatusIdle {
			t.Fatalf("device %s leaked in status %s", dev.Serial, dev.Status)
		}
	}
}

func TestSplitHalvesLaw(t *testing.T) {
	mk := func(n int) []*registry.Device {
		out := make([]*registry.Device, n)
		for i := range out {
			out[i] = &registry.Device{Serial: string(rune('a' + i))}
		}
		return out
	}
	for n := 0; n <= 25; n++ {
		for split := 0; split <= n; split++ {
			all := mk(n)
			a, b := SplitHalves(all[:split], all[split:])
			if len(a)+len(b) != n {
				t.Fatalf("n=%d split=%d: lost devices (%d+%d)", n, split, len(a), len(b))
			}
			if d := len(a) - len(b); d < 0 || d > 1 {
				t.Fatalf("n=%d split=%d: unbalanced halves %d/%d", n, split, len(a), len(b))
			}
			seen := map[string]bool{}
			for _, dev := range append(append([]*registry.Device(nil), a...), b...) {
				if seen[dev.Serial] {
					t.Fatalf("n=%d split=%d: device %s duplicated", n, split, dev.Serial)
				}
				seen[dev.Serial] = true
			}
		}
	}
}

func TestExecuteHalfBatchesRunsGroupAThenB(t *testing.T) {
	reg := newFleet(t, 5)
	ctl := &fakeController{}
	ctl.onOpen = func(serial string) {
		dev, err := reg.Get(context.Background(), serial)
		if err != nil || dev.Status != registry.StatusBusy {
			t.Errorf("device %s should be busy while running", serial)
		}
	}
	var completed []Result
	e, rec := newTestExecutor(reg, ctl, Options{LikeProbability: -1, BatchInterval: 45 * time.Second})
	e.OnBatchComplete(func(r Result) {
		for _, d := range r.Devices {
			if dev, _ := reg.Get(context.Background(), d.Serial); dev.Status != registry.StatusIdle {
				t.Errorf("device %s still %s when batch reported", d.Serial, dev.Status)
			}
		}
		completed = append(completed, r)
	})

	results, err := e.ExecuteHalfBatches(context.Background(), Job{VideoID: "v1", URL: "https://youtu.be/v1", Workstation: "WS01"})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(results) != 2 || results[0].Group != "A" || results[1].Group != "B" {
		t.Fatalf("unexpected batches: %+v", results)
	}
	if results[0].Total != 3 || results[1].Total != 2 || results[0].Success != 3 || results[1].Success != 2 {
		t.Fatalf("unexpected counts: A=%+v B=%+v", results[0], results[1])
	}
	if len(completed) != 2 {
		t.Fatalf("callback called %d times", len(completed))
	}

	inA := map[string]bool{}
	for _, d := range results[0].Devices {
		inA[d.Serial] = true
	}
	for i, serial := range ctl.opens {
		if i < 3 && !inA[serial] {
			t.Fatalf("group B device %s opened before group A finished: %v", serial, ctl.opens)
		}
	}
	foundInterval := false
	for _, d := range rec.slept {
		if d == 45*time.Second {
			foundInterval = true
		}
	}
	if !foundInterval {
		t.Fatalf("inter-batch interval not slept: %v", rec.slept)
	}
	if ctl.taps != 0 || ctl.homes != 5 {
		t.Fatalf("unexpected taps=%d homes=%d", ctl.taps, ctl.homes)
	}
	assertAllIdle(t, reg)

	dev, _ := reg.Get(context.Background(), ctl.opens[0])
	if dev.LastCommand != "watch:v1" || dev.LastCommandResult != "success" {
		t.Fatalf("last command not recorded: %+v", dev)
	}
}

func TestSingleDeviceRunsOneBatch(t *testing.T) {
	reg := newFleet(t, 1)
	e, rec := newTestExecutor(reg, &fakeController{}, Options{})
	results, err := e.ExecuteHalfBatches(context.Background(), Job{VideoID: "v1", URL: "u", Workstation: "WS01"})
	if err != nil || len(results) != 1 {
		t.Fatalf("expected one batch, got %d (%v)", len(results), err)
	}
	for _, d := range rec.slept {
		if d == e.Defaults().BatchInterval {
			t.Fatal("no interval expected with a single batch")
		}
	}
}

func TestEveryDeviceFailingStillReleases(t *testing.T) {
	reg := newFleet(t, 6)
	ctl := &fakeController{openErr: errors.New("ws closed")}
	e, _ := newTestExecutor(reg, ctl, Options{})
	results, err := e.ExecuteHalfBatches(context.Background(), Job{VideoID: "v1", URL: "u", Workstation: "WS01"})
	if err != nil {
		t.Fatalf("device failures must not surface as error: %v", err)
	}
	for _, r := range results {
		if r.Failed != r.Total || r.Success != 0 {
			t.Fatalf("expected all failed: %+v", r)
		}
		for _, d := range r.Devices {
			if d.Status != DeviceStatusFailed || !strings.Contains(d.Error, "ws closed") {
				t.Fatalf("unexpected device result: %+v", d)
			}
		}
	}
	assertAllIdle(t, reg)
}

func TestFailingDeviceStillGoesOffline(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := t0
	reg := registry.New(registry.NewMemoryStore(), registry.Config{}).WithClock(func() time.Time { return now })
	ctx := context.Background()
	if _, err := reg.Register(ctx, "dead", 1, 1, 1, ""); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	now = t0.Add(4 * time.Minute)
	e, _ := newTestExecutor(reg, &fakeController{openErr: errors.New("device gone")}, Options{})
	results, err := e.ExecuteHalfBatches(ctx, Job{VideoID: "v1", URL: "u", Workstation: "WS01"})
	if err != nil || len(results) == 0 || results[0].Failed != 1 {
		t.Fatalf("expected one failed device: %v %+v", err, results)
	}
	dev, _ := reg.Get(ctx, "dead")
	if !dev.LastHeartbeat.Equal(t0) {
		t.Fatalf("failed command must not refresh the heartbeat: %v", dev.LastHeartbeat)
	}
	if dev.LastCommandResult != string(DeviceStatusFailed) || dev.LastCommand == "" {
		t.Fatalf("last command not recorded: %+v", dev)
	}

	now = t0.Add(8 * time.Minute)
	marked, err := reg.MarkStaleOffline(ctx, 5*time.Minute)
	if err != nil || marked != 1 {
		t.Fatalf("expected the failing device to be swept, got %d (%v)", marked, err)
	}
	dev, _ = reg.Get(ctx, "dead")
	if dev.Status != registry.StatusOffline {
		t.Fatalf("expected offline, got %s", dev.Status)
	}
}

func TestSuccessfulDeviceHeartbeats(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := t0
	reg := registry.New(registry.NewMemoryStore(), registry.Config{}).WithClock(func() time.Time { return now })
	ctx := context.Background()
	if _, err := reg.Register(ctx, "alive", 1, 1, 1, ""); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	now = t0.Add(4 * time.Minute)
	e, _ := newTestExecutor(reg, &fakeController{}, Options{})
	if _, err := e.ExecuteHalfBatches(ctx, Job{VideoID: "v1", URL: "u", Workstation: "WS01"}); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	dev, _ := reg.Get(ctx, "alive")
	if !dev.LastHeartbeat.Equal(now) {
		t.Fatalf("answered command should refresh the heartbeat: %v", dev.LastHeartbeat)
	}

	now = t0.Add(8 * time.Minute)
	if marked, _ := reg.MarkStaleOffline(ctx, 5*time.Minute); marked != 0 {
		t.Fatalf("responsive device should stay online, marked %d", marked)
	}
}

func TestPanickingTaskBecomesFailedResult(t *testing.T) {
	reg := newFleet(t, 4)
	e, _ := newTestExecutor(reg, &fakeController{panicOnOpen: true}, Options{})
	results, err := e.ExecuteHalfBatches(context.Background(), Job{VideoID: "v1", URL: "u", Workstation: "WS01"})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	for _, r := range results {
		for _, d := range r.Devices {
			if d.Status != DeviceStatusFailed || !strings.Contains(d.Error, "panic") {
				t.Fatalf("expected panic failure, got %+v", d)
			}
		}
	}
	assertAllIdle(t, reg)
}

func TestConcurrencyCap(t *testing.T) {
	reg := newFleet(t, 12)
	ctl := &fakeController{openDelay: 20 * time.Millisecond}
	e, _ := newTestExecutor(reg, ctl, Options{Concurrency: 2})
	if _, err := e.ExecuteHalfBatches(context.Background(), Job{VideoID: "v1", URL: "u", Workstation: "WS01"}); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if ctl.maxInflight > 2 {
		t.Fatalf("concurrency cap exceeded: %d", ctl.maxInflight)
	}
	if len(ctl.opens) != 12 {
		t.Fatalf("expected 12 opens, got %d", len(ctl.opens))
	}
}

func TestLikeFailureIsPartial(t *testing.T) {
	reg := newFleet(t, 2)
	ctl := &fakeController{tapErr: errors.New("button not found")}
	e, _ := newTestExecutor(reg, ctl, Options{LikeProbability: 1})
	results, _ := e.ExecuteHalfBatches(context.Background(), Job{VideoID: "v1", URL: "u", Workstation: "WS01"})
	for _, r := range results {
		if r.Partial != r.Total {
			t.Fatalf("expected partial results: %+v", r)
		}
	}
	ctl.tapErr = nil
	results, _ = e.ExecuteHalfBatches(context.Background(), Job{VideoID: "v2", URL: "u", Workstation: "WS01"})
	for _, r := range results {
		if r.Success != r.Total || r.Liked != r.Total {
			t.Fatalf("expected liked successes: %+v", r)
		}
	}
}

func TestDeviceTimeout(t *testing.T) {
	reg := newFleet(t, 2)
	e, _ := newTestExecutor(reg, &fakeController{blockOpen: true}, Options{DeviceTimeout: 50 * time.Millisecond})
	results, _ := e.ExecuteHalfBatches(context.Background(), Job{VideoID: "v1", URL: "u", Workstation: "WS01"})
	for _, r := range results {
		for _, d := range r.Devices {
			if d.Status != DeviceStatusTimeout {
				t.Fatalf("expected timeout, got %+v", d)
			}
		}
	}
	assertAllIdle(t, reg)
}

func TestRandomPauseSplitsWatch(t *testing.T) {
	reg := newFleet(t, 1)
	e, rec := newTestExecutor(reg, &fakeController{}, Options{
		WatchMin: 60 * time.Second, WatchMax: 60 * time.Second, RandomPause: true, SettleDelay: time.Second,
	})
	results, _ := e.ExecuteHalfBatches(context.Background(), Job{VideoID: "v1", URL: "u", Workstation: "WS01"})
	if results[0].Devices[0].WatchSeconds != 60 {
		t.Fatalf("unexpected watch time: %+v", results[0].Devices[0])
	}
	if len(rec.slept) < 3 {
		t.Fatalf("expected settle plus several watch segments, got %v", rec.slept)
	}
}

func TestExecuteCustomCommandChunks(t *testing.T) {
	reg := newFleet(t, 10)
	devices, _ := reg.List(context.Background(), registry.Filter{})
	e, rec := newTestExecutor(reg, &fakeController{}, Options{})

	var mu sync.Mutex
	ran := map[string]int{}
	fn := func(ctx context.Context, dev *registry.Device) error {
		mu.Lock()
		defer mu.Unlock()
		ran[dev.Serial]++
		if dev.Slot == 4 {
			return errors.New("reboot refused")
		}
		return nil
	}
	results, err := e.ExecuteCustomCommand(context.Background(), devices, "reboot", fn, 30, 5*time.Second)
	if err != nil {
		t.Fatalf("custom command failed: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(results))
	}
	sizes := []int{3, 3, 3, 1}
	failed := 0
	for i, r := range results {
		if r.Total != sizes[i] {
			t.Fatalf("chunk %d size %d, want %d", i, r.Total, sizes[i])
		}
		failed += r.Failed
	}
	if failed != 1 || len(ran) != 10 {
		t.Fatalf("unexpected accounting: failed=%d ran=%d", failed, len(ran))
	}
	if len(rec.slept) != 3 {
		t.Fatalf("expected 3 inter-chunk sleeps, got %v", rec.slept)
	}
	assertAllIdle(t, reg)

	if _, err := e.ExecuteCustomCommand(context.Background(), devices, "x", fn, 0, 0); err == nil {
		t.Fatal("expected error for 0 percent")
	}
}
