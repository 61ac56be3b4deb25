package workload

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/httprunner/DeviceFarm/internal/batch"
	"github.com/httprunner/DeviceFarm/internal/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Executor plays one video across a workstation's devices.
type Executor interface {
	ExecuteHalfBatches(ctx context.Context, job batch.Job) ([]batch.Result, error)
}

// Config tunes the engine.
type Config struct {
	// CycleInterval is the pause between videos when the workload sets none.
	CycleInterval time.Duration
}

// Engine owns the run loops of active workloads.
type Engine struct {
	store Store
	exec  Executor
	cfg   Config
	clock func() time.Time

	mu   sync.Mutex
	runs map[string]*run
}

// run is the in-memory side of one active workload.
type run struct {
	stop   atomic.Bool
	pause  atomic.Bool
	wake   chan struct{}
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	live *Workload
}

func (r *run) requestStop(pause bool) {
	r.pause.Store(pause)
	r.stop.Store(true)
	r.once.Do(func() { close(r.wake) })
}

func (r *run) publish(wl *Workload) {
	r.mu.Lock()
	r.live = wl.Clone()
	r.mu.Unlock()
}

func (r *run) snapshot() *Workload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live.Clone()
}

// wait sleeps d unless ctx ends or a stop is requested.
func (r *run) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.wake:
		return nil
	case <-timer.C:
		return nil
	}
}

// NewEngine builds an Engine over store and exec.
func NewEngine(store Store, exec Executor, cfg Config) *Engine {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = time.Minute
	}
	return &Engine{store: store, exec: exec, cfg: cfg, runs: map[string]*run{}}
}

// WithClock overrides the time source, used by tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

func (e *Engine) now() time.Time {
	if e.clock != nil {
		return e.clock()
	}
	return time.Now()
}

func (e *Engine) load(ctx context.Context, id string) (*Workload, error) {
	wl, err := e.store.GetWorkload(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "workload: load %s", id)
	}
	if wl == nil {
		return nil, errors.Wrapf(ErrNotFound, "id %q", id)
	}
	return wl, nil
}

// Start launches the run loop for a pending or paused workload and returns
// without waiting for it. The loop outlives ctx; use Cancel, Pause or
// Shutdown to stop it.
func (e *Engine) Start(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.runs[id]; ok {
		return errors.Wrapf(ErrAlreadyRunning, "id %q", id)
	}
	wl, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	if wl.Status.Active() {
		return errors.Wrapf(ErrAlreadyRunning, "id %q is %s", id, wl.Status)
	}
	if !wl.Status.Startable() {
		return errors.Wrapf(ErrNotStartable, "id %q is %s", id, wl.Status)
	}

	now := e.now()
	resumed := wl.Status == StatusPaused
	if wl.StartedAt.IsZero() {
		wl.StartedAt = now
	}
	wl.Status = StatusListing
	wl.LastError = ""
	wl.FinishedAt = time.Time{}
	wl.UpdatedAt = now
	if err := e.store.SaveWorkload(ctx, wl); err != nil {
		return errors.Wrapf(err, "workload: save %s", id)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{wake: make(chan struct{}), cancel: cancel, done: make(chan struct{})}
	r.publish(wl)
	e.runs[id] = r

	event, msg := "started", "workload started"
	if resumed {
		event, msg = "resumed", "workload resumed"
	}
	e.appendLog(runCtx, wl.ID, "info", event, msg, map[string]any{
		"resume_index": wl.CurrentIndex,
		"videos":       len(wl.VideoIDs),
		"targets":      wl.TargetWorkstations,
	})
	go e.loop(runCtx, r, wl)
	return nil
}

// Resume restarts a paused workload from its persisted index.
func (e *Engine) Resume(ctx context.Context, id string) error {
	wl, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	if wl.Status != StatusPaused {
		return errors.Wrapf(ErrNotStartable, "id %q is %s, not paused", id, wl.Status)
	}
	return e.Start(ctx, id)
}

func (e *Engine) active(id string) (*run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	return r, ok
}

// Cancel asks a running workload to stop at the next loop boundary. A
// workload with no run loop is flipped to cancelled directly.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	if r, ok := e.active(id); ok {
		r.requestStop(false)
		e.appendLog(ctx, id, "info", "cancel_requested", "cancel requested", nil)
		return nil
	}
	wl, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	if wl.Status == StatusCompleted || wl.Status == StatusCancelled {
		return nil
	}
	wl.Status = StatusCancelled
	wl.FinishedAt = e.now()
	wl.UpdatedAt = wl.FinishedAt
	if err := e.store.SaveWorkload(ctx, wl); err != nil {
		return errors.Wrapf(err, "workload: save %s", id)
	}
	e.appendLog(ctx, id, "info", "cancelled", "workload cancelled while not running", nil)
	return nil
}

// Pause asks a running workload to stop at the next loop boundary and stay
// resumable. A workload left in an active status by a dead process is
// marked paused directly.
func (e *Engine) Pause(ctx context.Context, id string) error {
	if r, ok := e.active(id); ok {
		r.requestStop(true)
		e.appendLog(ctx, id, "info", "pause_requested", "pause requested", nil)
		return nil
	}
	wl, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	if !wl.Status.Active() {
		return errors.Wrapf(ErrNotRunning, "id %q is %s", id, wl.Status)
	}
	wl.Status = StatusPaused
	wl.UpdatedAt = e.now()
	if err := e.store.SaveWorkload(ctx, wl); err != nil {
		return errors.Wrapf(err, "workload: save %s", id)
	}
	e.appendLog(ctx, id, "warn", "paused", "interrupted workload marked paused", map[string]any{"resume_index": wl.CurrentIndex})
	return nil
}

// Status returns the persisted workload, overlaid with live progress when a
// run loop is active.
func (e *Engine) Status(ctx context.Context, id string) (*Workload, error) {
	wl, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if r, ok := e.active(id); ok {
		if live := r.snapshot(); live != nil {
			wl.Status = live.Status
			wl.CurrentIndex = live.CurrentIndex
			wl.CompletedVideos = live.CompletedVideos
			wl.SuccessCount = live.SuccessCount
			wl.FailedCount = live.FailedCount
			wl.LastError = live.LastError
			wl.UpdatedAt = live.UpdatedAt
		}
	}
	return wl, nil
}

// Running reports whether id has an active run loop.
func (e *Engine) Running(id string) bool {
	_, ok := e.active(id)
	return ok
}

// Wait blocks until the run loop of id exits. It returns at once when id is
// not running.
func (e *Engine) Wait(id string) {
	if r, ok := e.active(id); ok {
		<-r.done
	}
}

// Shutdown pauses every running workload and waits for the loops to exit.
// When ctx ends first the remaining loops are cancelled hard.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()
	for _, r := range runs {
		r.requestStop(true)
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			r.cancel()
			<-r.done
		}
	}
}

func (e *Engine) loop(ctx context.Context, r *run, wl *Workload) {
	defer func() {
		if p := recover(); p != nil {
			e.fail(ctx, r, wl, errors.Errorf("panic: %v", p))
		}
		r.cancel()
		e.mu.Lock()
		delete(e.runs, wl.ID)
		e.mu.Unlock()
		close(r.done)
	}()

	interval := wl.CycleInterval
	if interval <= 0 {
		interval = e.cfg.CycleInterval
	}
	for wl.CurrentIndex < len(wl.VideoIDs) {
		if r.stop.Load() {
			e.halt(ctx, r, wl)
			return
		}
		if err := e.cycle(ctx, wl, r); err != nil {
			e.fail(ctx, r, wl, err)
			return
		}
		if wl.CurrentIndex >= len(wl.VideoIDs) || r.stop.Load() {
			continue
		}
		if err := e.transition(ctx, r, wl, StatusWaiting); err != nil {
			e.fail(ctx, r, wl, err)
			return
		}
		e.appendLog(ctx, wl.ID, "info", "waiting", "waiting before next video", map[string]any{
			"interval_sec": interval.Seconds(),
			"next_index":   wl.CurrentIndex,
		})
		if err := r.wait(ctx, interval); err != nil {
			e.fail(ctx, r, wl, errors.Wrap(err, "interrupted while waiting"))
			return
		}
	}
	e.finish(ctx, r, wl, StatusCompleted, "completed", "workload completed")
}

// cycle plays the video at wl.CurrentIndex and records the outcome.
func (e *Engine) cycle(ctx context.Context, wl *Workload, r *run) error {
	index := wl.CurrentIndex
	videoID := wl.VideoIDs[index]
	if err := e.transition(ctx, r, wl, StatusListing); err != nil {
		return err
	}
	video, err := e.store.GetVideo(ctx, videoID)
	if err != nil {
		return errors.Wrapf(err, "load video %s", videoID)
	}
	if video == nil || strings.TrimSpace(video.URL) == "" {
		log.Warn().Str("workload", wl.ID).Str("video", videoID).Int("index", index).Msg("workload: video metadata missing, skipping")
		e.appendLog(ctx, wl.ID, "warn", "video_skipped", "video metadata missing", map[string]any{
			"video_id": videoID,
			"index":    index,
		})
		metrics.WorkloadCycles.WithLabelValues("skipped").Inc()
		wl.CurrentIndex++
		return e.save(ctx, r, wl)
	}

	if err := e.transition(ctx, r, wl, StatusExecuting); err != nil {
		return err
	}
	e.appendLog(ctx, wl.ID, "info", "video_started", "playing video", map[string]any{
		"video_id": videoID,
		"index":    index,
		"title":    video.Title,
	})
	cycle := &CycleResult{WorkloadID: wl.ID, VideoID: videoID, Index: index, StartedAt: e.now()}
	targets := wl.TargetWorkstations
	if len(targets) == 0 {
		// empty workstation selects every workstation
		targets = []string{""}
	}
	for _, ws := range targets {
		results, err := e.exec.ExecuteHalfBatches(ctx, batch.Job{
			WorkloadID:  wl.ID,
			VideoID:     videoID,
			URL:         video.URL,
			Workstation: ws,
			Options:     wl.Options,
		})
		for _, res := range results {
			cycle.Batches++
			cycle.TotalDevices += res.Total
			cycle.Success += res.Success
			cycle.Partial += res.Partial
			cycle.Failed += res.Failed
			cycle.Liked += res.Liked
		}
		if err != nil {
			metrics.WorkloadCycles.WithLabelValues("error").Inc()
			return errors.Wrapf(err, "execute video %s on workstation %q", videoID, ws)
		}
	}
	cycle.FinishedAt = e.now()

	if err := e.transition(ctx, r, wl, StatusRecording); err != nil {
		return err
	}
	if err := e.store.SaveCycle(ctx, cycle); err != nil {
		return errors.Wrapf(err, "save cycle for video %s", videoID)
	}
	wl.CurrentIndex++
	wl.CompletedVideos++
	wl.SuccessCount += cycle.Success + cycle.Partial
	wl.FailedCount += cycle.Failed
	if err := e.save(ctx, r, wl); err != nil {
		return err
	}
	metrics.WorkloadCycles.WithLabelValues("recorded").Inc()
	e.appendLog(ctx, wl.ID, "info", "video_finished", "video finished", map[string]any{
		"video_id":     videoID,
		"index":        index,
		"batches":      cycle.Batches,
		"devices":      cycle.TotalDevices,
		"success":      cycle.Success,
		"partial":      cycle.Partial,
		"failed":       cycle.Failed,
		"liked":        cycle.Liked,
		"duration_sec": cycle.FinishedAt.Sub(cycle.StartedAt).Seconds(),
	})
	return nil
}

func (e *Engine) transition(ctx context.Context, r *run, wl *Workload, status Status) error {
	if wl.Status == status {
		return nil
	}
	log.Debug().Str("workload", wl.ID).Str("from", string(wl.Status)).Str("to", string(status)).Msg("workload: status changed")
	wl.Status = status
	return e.save(ctx, r, wl)
}

// save persists wl even when ctx is already cancelled and publishes it as
// the live snapshot.
func (e *Engine) save(ctx context.Context, r *run, wl *Workload) error {
	wl.UpdatedAt = e.now()
	r.publish(wl)
	if err := e.store.SaveWorkload(context.WithoutCancel(ctx), wl); err != nil {
		return errors.Wrapf(err, "workload: save %s", wl.ID)
	}
	return nil
}

// halt ends a loop stopped by Cancel or Pause.
func (e *Engine) halt(ctx context.Context, r *run, wl *Workload) {
	if r.pause.Load() {
		e.finish(ctx, r, wl, StatusPaused, "paused", "workload paused")
		return
	}
	e.finish(ctx, r, wl, StatusCancelled, "cancelled", "workload cancelled")
}

func (e *Engine) finish(ctx context.Context, r *run, wl *Workload, status Status, event, msg string) {
	wl.Status = status
	if status != StatusPaused {
		wl.FinishedAt = e.now()
	}
	if err := e.save(ctx, r, wl); err != nil {
		log.Error().Err(err).Str("workload", wl.ID).Str("status", string(status)).Msg("workload: persist final status failed")
	}
	e.appendLog(ctx, wl.ID, "info", event, msg, map[string]any{
		"current_index":    wl.CurrentIndex,
		"completed_videos": wl.CompletedVideos,
		"success":          wl.SuccessCount,
		"failed":           wl.FailedCount,
	})
	log.Info().
		Str("workload", wl.ID).
		Str("status", string(status)).
		Int("index", wl.CurrentIndex).
		Int("videos", len(wl.VideoIDs)).
		Msg("workload: run loop ended")
}

func (e *Engine) fail(ctx context.Context, r *run, wl *Workload, err error) {
	log.Error().Err(err).Str("workload", wl.ID).Int("index", wl.CurrentIndex).Msg("workload: run failed")
	wl.LastError = err.Error()
	wl.Status = StatusError
	wl.FinishedAt = e.now()
	if serr := e.save(ctx, r, wl); serr != nil {
		log.Error().Err(serr).Str("workload", wl.ID).Msg("workload: persist error status failed")
	}
	e.appendLog(ctx, wl.ID, "error", "error", err.Error(), map[string]any{"index": wl.CurrentIndex})
}

// appendLog writes one audit entry. Store failures are logged, never returned.
func (e *Engine) appendLog(ctx context.Context, id, level, event, msg string, data map[string]any) {
	entry := LogEntry{WorkloadID: id, Level: level, Event: event, Message: msg, Data: data, CreatedAt: e.now()}
	if err := e.store.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
		log.Warn().Err(err).Str("workload", id).Str("event", event).Msg("workload: append log failed")
	}
}
