package batch

import (
	"context"
	"time"

	"github.com/httprunner/DeviceFarm/internal/registry"
)

// DeviceStatus is the outcome of one device task.
type DeviceStatus string

const (
	DeviceStatusPending DeviceStatus = "pending"
	DeviceStatusSent    DeviceStatus = "sent"
	DeviceStatusSuccess DeviceStatus = "success"
	DeviceStatusFailed  DeviceStatus = "failed"
	DeviceStatusTimeout DeviceStatus = "timeout"
	// DeviceStatusPartial means the video was watched but a follow-up step,
	// the like tap, failed.
	DeviceStatusPartial DeviceStatus = "partial"
)

// Responded reports whether the device answered the task. Only these results
// count as a heartbeat.
func (s DeviceStatus) Responded() bool {
	return s == DeviceStatusSuccess || s == DeviceStatusPartial
}

// DeviceResult is the outcome for one device in a batch.
type DeviceResult struct {
	Serial       string       `json:"serial"`
	HierarchyID  string       `json:"hierarchy_id"`
	Status       DeviceStatus `json:"status"`
	WatchSeconds float64      `json:"watch_seconds"`
	Liked        bool         `json:"liked"`
	Error        string       `json:"error,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   time.Time    `json:"finished_at"`
}

// Duration is the wall time of the device task.
func (r DeviceResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Result is one batch: one half of a watch run, or one chunk of a custom command.
type Result struct {
	Number     int            `json:"number"`
	Group      string         `json:"group"`
	Total      int            `json:"total"`
	Success    int            `json:"success"`
	Partial    int            `json:"partial"`
	Failed     int            `json:"failed"`
	Liked      int            `json:"liked"`
	Devices    []DeviceResult `json:"devices"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Duration is the wall time of the batch.
func (r Result) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *Result) tally() {
	r.Total = len(r.Devices)
	r.Success, r.Partial, r.Failed, r.Liked = 0, 0, 0, 0
	for _, d := range r.Devices {
		switch d.Status {
		case DeviceStatusSuccess:
			r.Success++
		case DeviceStatusPartial:
			r.Partial++
		default:
			r.Failed++
		}
		if d.Liked {
			r.Liked++
		}
	}
}

// Point is a screen coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Options tunes a watch run. Zero fields fall back to the executor defaults.
type Options struct {
	BatchInterval   time.Duration `json:"batch_interval"`
	WatchMin        time.Duration `json:"watch_min"`
	WatchMax        time.Duration `json:"watch_max"`
	LikeProbability float64       `json:"like_probability"`
	Concurrency     int           `json:"concurrency"`
	RandomPause     bool          `json:"random_pause"`
	SettleDelay     time.Duration `json:"settle_delay"`
	DeviceTimeout   time.Duration `json:"device_timeout"`
	LikeButton      Point         `json:"like_button"`
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		BatchInterval:   30 * time.Second,
		WatchMin:        60 * time.Second,
		WatchMax:        180 * time.Second,
		LikeProbability: 0.1,
		Concurrency:     10,
		SettleDelay:     3 * time.Second,
		LikeButton:      Point{X: 140, Y: 1560},
	}
}

// merge fills zero fields of o from def.
func (o Options) merge(def Options) Options {
	o.RandomPause = o.RandomPause || def.RandomPause
	if o.BatchInterval <= 0 {
		o.BatchInterval = def.BatchInterval
	}
	if o.WatchMin <= 0 {
		o.WatchMin = def.WatchMin
	}
	if o.WatchMax <= 0 {
		o.WatchMax = def.WatchMax
	}
	if o.WatchMax < o.WatchMin {
		o.WatchMax = o.WatchMin
	}
	// a negative probability disables likes
	if o.LikeProbability == 0 {
		o.LikeProbability = def.LikeProbability
	}
	if o.Concurrency <= 0 {
		o.Concurrency = def.Concurrency
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = def.SettleDelay
	}
	if o.DeviceTimeout <= 0 {
		o.DeviceTimeout = def.DeviceTimeout
	}
	if o.DeviceTimeout <= 0 {
		o.DeviceTimeout = o.SettleDelay + 2*o.WatchMax + 2*time.Minute
	}
	if o.LikeButton == (Point{}) {
		o.LikeButton = def.LikeButton
	}
	return o
}

// Job is one video to play across the idle devices of a workstation.
type Job struct {
	WorkloadID  string
	VideoID     string
	URL         string
	Workstation string
	Options     Options
}

// CommandFunc runs an arbitrary command on one device.
type CommandFunc func(ctx context.Context, dev *registry.Device) error
