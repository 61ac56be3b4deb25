// Package batch plays a video across a workstation's idle devices in two
// staggered halves, with bounded per-device concurrency.
package batch

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/httprunner/DeviceFarm/internal/devicectl"
	"github.com/httprunner/DeviceFarm/internal/metrics"
	"github.com/httprunner/DeviceFarm/internal/registry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Registry is the part of the device registry the executor needs.
type Registry interface {
	GetBatchGroups(ctx context.Context, workstation string) (groupA, groupB []*registry.Device, err error)
	SetBusy(ctx context.Context, ids []string) int
	SetIdle(ctx context.Context, ids []string) int
	Heartbeat(ctx context.Context, id, command, result string) error
	RecordCommand(ctx context.Context, id, command, result string) error
}

// Executor runs watch jobs and custom commands over device batches.
type Executor struct {
	reg      Registry
	ctl      devicectl.Controller
	defaults Options

	rngMu sync.Mutex
	rng   *rand.Rand

	sleep           func(ctx context.Context, d time.Duration) error
	onBatchComplete func(Result)
}

// NewExecutor builds an Executor. Zero fields of defaults take DefaultOptions.
func NewExecutor(reg Registry, ctl devicectl.Controller, defaults Options) *Executor {
	seed := uint64(time.Now().UnixNano())
	return &Executor{
		reg:      reg,
		ctl:      ctl,
		defaults: defaults.merge(DefaultOptions()),
		rng:      rand.New(rand.NewPCG(seed, seed>>1)),
		sleep:    sleepCtx,
	}
}

// WithRand replaces the random source, used by tests.
func (e *Executor) WithRand(rng *rand.Rand) *Executor {
	e.rng = rng
	return e
}

// OnBatchComplete registers fn to be called after each batch finishes.
func (e *Executor) OnBatchComplete(fn func(Result)) *Executor {
	e.onBatchComplete = fn
	return e
}

// Defaults returns the effective default options.
func (e *Executor) Defaults() Options { return e.defaults }

func (e *Executor) float64() float64 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64()
}

func (e *Executor) intN(n int) int {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.IntN(n)
}

// between returns a random duration in [lo, hi].
func (e *Executor) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return lo + time.Duration(e.rng.Int64N(int64(hi-lo)+1))
}

// SplitHalves returns the two halves for n devices given the registry's
// groups, moving devices between them so that |A|-|B| is 0 or 1.
func SplitHalves(groupA, groupB []*registry.Device) (a, b []*registry.Device) {
	a = append([]*registry.Device(nil), groupA...)
	b = append([]*registry.Device(nil), groupB...)
	wantA := (len(a) + len(b) + 1) / 2
	for len(a) > wantA {
		b = append(b, a[len(a)-1])
		a = a[:len(a)-1]
	}
	for len(a) < wantA {
		a = append(a, b[len(b)-1])
		b = b[:len(b)-1]
	}
	return a, b
}

// ExecuteHalfBatches plays job.URL on every idle device of job.Workstation:
// group A first, then after the batch interval group B. A half with no
// devices is skipped. Device failures are reported in the results; the error
// is only set when the device groups cannot be loaded or ctx ends between
// batches.
func (e *Executor) ExecuteHalfBatches(ctx context.Context, job Job) ([]Result, error) {
	opts := job.Options.merge(e.defaults)
	groupA, groupB, err := e.reg.GetBatchGroups(ctx, job.Workstation)
	if err != nil {
		return nil, errors.Wrap(err, "batch: load device groups")
	}
	a, b := SplitHalves(groupA, groupB)
	log.Info().
		Str("video", job.VideoID).
		Str("workstation", job.Workstation).
		Int("group_a", len(a)).
		Int("group_b", len(b)).
		Msg("batch: starting half batches")

	task := func(ctx context.Context, dev *registry.Device) DeviceResult {
		return e.watchOnDevice(ctx, dev, job, opts)
	}
	command := "watch:" + job.VideoID

	var results []Result
	number := 0
	for i, half := range []struct {
		group   string
		devices []*registry.Device
	}{{"A", a}, {"B", b}} {
		if len(half.devices) == 0 {
			continue
		}
		if i == 1 && number > 0 {
			log.Info().Dur("interval", opts.BatchInterval).Msg("batch: waiting before second half")
			if err := e.sleep(ctx, opts.BatchInterval); err != nil {
				return results, errors.Wrap(err, "batch: interrupted between halves")
			}
		}
		number++
		results = append(results, e.runBatch(ctx, number, half.group, half.devices, opts.Concurrency, command, task))
	}
	if number == 0 {
		log.Warn().Str("workstation", job.Workstation).Msg("batch: no idle devices")
	}
	return results, nil
}

// ExecuteCustomCommand runs fn on devices in sequential chunks of
// batchPercent percent each, sleeping interval between chunks.
func (e *Executor) ExecuteCustomCommand(ctx context.Context, devices []*registry.Device, name string, fn CommandFunc, batchPercent int, interval time.Duration) ([]Result, error) {
	if batchPercent <= 0 || batchPercent > 100 {
		return nil, errors.Errorf("batch: percent must be within 1..100, got %d", batchPercent)
	}
	if fn == nil {
		return nil, errors.New("batch: nil command")
	}
	size := (len(devices)*batchPercent + 99) / 100
	if size < 1 {
		size = 1
	}
	timeout := e.defaults.DeviceTimeout
	task := func(ctx context.Context, dev *registry.Device) DeviceResult {
		res := DeviceResult{Serial: dev.Serial, HierarchyID: dev.HierarchyID, Status: DeviceStatusSent, StartedAt: time.Now()}
		taskCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := fn(taskCtx, dev); err != nil {
			res.Status = failureStatus(taskCtx)
			res.Error = err.Error()
		} else {
			res.Status = DeviceStatusSuccess
		}
		res.FinishedAt = time.Now()
		return res
	}

	var results []Result
	for start, number := 0, 1; start < len(devices); start, number = start+size, number+1 {
		if number > 1 {
			if err := e.sleep(ctx, interval); err != nil {
				return results, errors.Wrap(err, "batch: interrupted between chunks")
			}
		}
		end := min(start+size, len(devices))
		results = append(results, e.runBatch(ctx, number, fmt.Sprintf("chunk-%d", number), devices[start:end], e.defaults.Concurrency, name, task))
	}
	return results, nil
}

// runBatch runs one batch and reports it once every device is released.
func (e *Executor) runBatch(ctx context.Context, number int, group string, devices []*registry.Device, concurrency int, command string, task func(context.Context, *registry.Device) DeviceResult) Result {
	res := e.execBatch(ctx, number, group, devices, concurrency, command, task)
	if e.onBatchComplete != nil {
		e.onBatchComplete(res)
	}
	return res
}

// execBatch marks devices busy, runs task on each under the concurrency cap
// and always releases them to idle.
func (e *Executor) execBatch(ctx context.Context, number int, group string, devices []*registry.Device, concurrency int, command string, task func(context.Context, *registry.Device) DeviceResult) Result {
	res := Result{Number: number, Group: group, StartedAt: time.Now(), Devices: make([]DeviceResult, len(devices))}
	ids := make([]string, len(devices))
	for i, dev := range devices {
		ids[i] = dev.Serial
	}
	e.reg.SetBusy(ctx, ids)
	defer func() {
		// release even when ctx is already cancelled
		released := e.reg.SetIdle(context.WithoutCancel(ctx), ids)
		if released != len(ids) {
			log.Error().Int("released", released).Int("devices", len(ids)).Msg("batch: not every device released")
		}
	}()

	sem := semaphore.NewWeighted(int64(concurrency))
	var g errgroup.Group
	for i, dev := range devices {
		if err := sem.Acquire(ctx, 1); err != nil {
			res.Devices[i] = DeviceResult{
				Serial: dev.Serial, HierarchyID: dev.HierarchyID, Status: DeviceStatusFailed,
				Error: "not started: " + err.Error(), StartedAt: time.Now(), FinishedAt: time.Now(),
			}
			continue
		}
		g.Go(func() error {
			defer sem.Release(1)
			metrics.BatchInflight.Inc()
			defer metrics.BatchInflight.Dec()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("serial", dev.Serial).Interface("panic", r).Msg("batch: device task panicked")
					res.Devices[i] = DeviceResult{
						Serial: dev.Serial, HierarchyID: dev.HierarchyID, Status: DeviceStatusFailed,
						Error: fmt.Sprintf("panic: %v", r), StartedAt: res.StartedAt, FinishedAt: time.Now(),
					}
				}
			}()
			res.Devices[i] = task(ctx, dev)
			return nil
		})
	}
	_ = g.Wait()

	for _, d := range res.Devices {
		metrics.DeviceTasks.WithLabelValues(string(d.Status)).Inc()
		record := e.reg.RecordCommand
		if d.Status.Responded() {
			record = e.reg.Heartbeat
		}
		if err := record(context.WithoutCancel(ctx), d.Serial, command, string(d.Status)); err != nil {
			log.Warn().Err(err).Str("serial", d.Serial).Msg("batch: record last command failed")
		}
	}
	res.FinishedAt = time.Now()
	res.tally()
	metrics.BatchDuration.Observe(res.Duration().Seconds())
	log.Info().
		Int("batch", number).
		Str("group", group).
		Int("total", res.Total).
		Int("success", res.Success).
		Int("partial", res.Partial).
		Int("failed", res.Failed).
		Dur("duration", res.Duration()).
		Msg("batch: finished")
	return res
}

// watchOnDevice opens the video, watches it for a random time, maybe likes it
// and returns to the home screen.
func (e *Executor) watchOnDevice(ctx context.Context, dev *registry.Device, job Job, opts Options) DeviceResult {
	res := DeviceResult{Serial: dev.Serial, HierarchyID: dev.HierarchyID, Status: DeviceStatusPending, StartedAt: time.Now()}
	ctx, cancel := context.WithTimeout(ctx, opts.DeviceTimeout)
	defer cancel()
	fail := func(step string, err error) DeviceResult {
		res.Status = failureStatus(ctx)
		res.Error = fmt.Sprintf("%s: %v", step, err)
		res.FinishedAt = time.Now()
		log.Warn().Str("serial", dev.Serial).Str("step", step).Err(err).Msg("batch: device task failed")
		return res
	}

	if err := e.ctl.OpenURL(ctx, dev.Serial, job.URL); err != nil {
		return fail("open", err)
	}
	res.Status = DeviceStatusSent
	if err := e.sleep(ctx, opts.SettleDelay); err != nil {
		return fail("settle", err)
	}

	watch := e.between(opts.WatchMin, opts.WatchMax)
	if err := e.watch(ctx, dev.Serial, watch, opts.RandomPause); err != nil {
		return fail("watch", err)
	}
	res.WatchSeconds = watch.Seconds()

	res.Status = DeviceStatusSuccess
	if e.float64() < opts.LikeProbability {
		if err := e.ctl.Tap(ctx, dev.Serial, opts.LikeButton.X, opts.LikeButton.Y); err != nil {
			res.Status = DeviceStatusPartial
			res.Error = fmt.Sprintf("like: %v", err)
		} else {
			res.Liked = true
		}
	}
	if err := e.ctl.KeyEvent(ctx, dev.Serial, devicectl.KeyHome); err != nil {
		return fail("home", err)
	}
	res.FinishedAt = time.Now()
	return res
}

// watch sleeps for total, optionally split into random segments with a small
// scroll or idle pause between them.
func (e *Executor) watch(ctx context.Context, serial string, total time.Duration, randomPause bool) error {
	if !randomPause || total < 10*time.Second {
		return e.sleep(ctx, total)
	}
	segments := 2 + e.intN(3)
	remaining := total
	for i := 0; i < segments && remaining > 0; i++ {
		chunk := remaining
		if i < segments-1 {
			chunk = e.between(remaining/time.Duration(segments-i)/2, remaining/time.Duration(segments-i))
		}
		if err := e.sleep(ctx, chunk); err != nil {
			return err
		}
		remaining -= chunk
		if i == segments-1 {
			break
		}
		if e.float64() < 0.3 {
			if err := e.ctl.Swipe(ctx, serial, 540, 1200, 540, 1000, 300*time.Millisecond); err != nil {
				return errors.Wrap(err, "scroll")
			}
		} else if err := e.sleep(ctx, e.between(time.Second, 3*time.Second)); err != nil {
			return err
		}
	}
	return nil
}

func failureStatus(ctx context.Context) DeviceStatus {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return DeviceStatusTimeout
	}
	return DeviceStatusFailed
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
