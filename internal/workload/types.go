// Package workload runs a list of videos through the batch executor one by
// one, persisting progress so a stopped workload resumes where it left off.
package workload

import (
	"context"
	"time"

	"github.com/httprunner/DeviceFarm/internal/batch"
	"github.com/pkg/errors"
)

// Status is the lifecycle state of a workload.
type Status string

const (
	StatusPending   Status = "pending"
	StatusListing   Status = "listing"
	StatusExecuting Status = "executing"
	StatusRecording Status = "recording"
	StatusWaiting   Status = "waiting"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Active reports whether a run loop owns the workload in this state.
func (s Status) Active() bool {
	switch s {
	case StatusListing, StatusExecuting, StatusRecording, StatusWaiting:
		return true
	}
	return false
}

// Startable reports whether Start accepts a workload in this state.
func (s Status) Startable() bool {
	return s == StatusPending || s == StatusPaused
}

var (
	ErrNotFound       = errors.New("workload: not found")
	ErrAlreadyRunning = errors.New("workload: already running")
	ErrNotStartable   = errors.New("workload: not in a startable status")
	ErrNotRunning     = errors.New("workload: not running")
)

// Workload is a persisted list of videos plus how to play them.
type Workload struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	VideoIDs           []string      `json:"video_ids"`
	Status             Status        `json:"status"`
	CurrentIndex       int           `json:"current_index"`
	Options            batch.Options `json:"options"`
	CycleInterval      time.Duration `json:"cycle_interval"`
	TargetWorkstations []string      `json:"target_workstations"`
	LastError          string        `json:"last_error"`
	CompletedVideos    int           `json:"completed_videos"`
	SuccessCount       int           `json:"success_count"`
	FailedCount        int           `json:"failed_count"`
	CreatedAt          time.Time     `json:"created_at"`
	StartedAt          time.Time     `json:"started_at"`
	FinishedAt         time.Time     `json:"finished_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Clone returns a deep copy.
func (w *Workload) Clone() *Workload {
	if w == nil {
		return nil
	}
	cp := *w
	cp.VideoIDs = append([]string(nil), w.VideoIDs...)
	cp.TargetWorkstations = append([]string(nil), w.TargetWorkstations...)
	return &cp
}

// Video is the metadata needed to play one video.
type Video struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// CycleResult aggregates every batch run for one video.
type CycleResult struct {
	WorkloadID   string    `json:"workload_id"`
	VideoID      string    `json:"video_id"`
	Index        int       `json:"index"`
	Batches      int       `json:"batches"`
	TotalDevices int       `json:"total_devices"`
	Success      int       `json:"success"`
	Partial      int       `json:"partial"`
	Failed       int       `json:"failed"`
	Liked        int       `json:"liked"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// LogEntry is one line of the append-only workload audit log.
type LogEntry struct {
	WorkloadID string         `json:"workload_id"`
	Level      string         `json:"level"`
	Event      string         `json:"event"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Store persists workloads, video metadata, cycle results and the audit log.
// GetWorkload and GetVideo return (nil, nil) when the id is unknown.
type Store interface {
	GetWorkload(ctx context.Context, id string) (*Workload, error)
	SaveWorkload(ctx context.Context, wl *Workload) error
	GetVideo(ctx context.Context, id string) (*Video, error)
	SaveVideo(ctx context.Context, v *Video) error
	SaveCycle(ctx context.Context, cycle *CycleResult) error
	AppendLog(ctx context.Context, entry LogEntry) error
}
