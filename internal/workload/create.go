package workload

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/httprunner/DeviceFarm/internal/batch"
	"github.com/pkg/errors"
)

// ErrInvalid wraps every rejected Create or AddVideo input.
var ErrInvalid = errors.New("workload: invalid input")

// Spec describes a workload to create.
type Spec struct {
	Name               string
	VideoIDs           []string
	Options            batch.Options
	CycleInterval      time.Duration
	TargetWorkstations []string
}

// Create stores a new pending workload.
func (e *Engine) Create(ctx context.Context, spec Spec) (*Workload, error) {
	videos := compact(spec.VideoIDs)
	if len(videos) == 0 {
		return nil, errors.Wrap(ErrInvalid, "at least one video id is required")
	}
	if spec.CycleInterval < 0 {
		return nil, errors.Wrap(ErrInvalid, "cycle interval must not be negative")
	}
	if spec.Options.WatchMax > 0 && spec.Options.WatchMin > spec.Options.WatchMax {
		return nil, errors.Wrap(ErrInvalid, "watch min exceeds watch max")
	}
	now := e.now()
	wl := &Workload{
		ID:                 uuid.NewString(),
		Name:               strings.TrimSpace(spec.Name),
		VideoIDs:           videos,
		Status:             StatusPending,
		Options:            spec.Options,
		CycleInterval:      spec.CycleInterval,
		TargetWorkstations: compact(spec.TargetWorkstations),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.store.SaveWorkload(ctx, wl); err != nil {
		return nil, errors.Wrapf(err, "workload: save %s", wl.ID)
	}
	e.appendLog(ctx, wl.ID, "info", "created", "workload created", map[string]any{
		"videos":  len(videos),
		"targets": wl.TargetWorkstations,
	})
	return wl, nil
}

// AddVideo stores or replaces video metadata. The URL must be absolute.
func (e *Engine) AddVideo(ctx context.Context, v Video) error {
	v.ID = strings.TrimSpace(v.ID)
	v.URL = strings.TrimSpace(v.URL)
	if v.ID == "" {
		return errors.Wrap(ErrInvalid, "video id is required")
	}
	if u, err := url.Parse(v.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return errors.Wrapf(ErrInvalid, "video %s: url %q is not absolute", v.ID, v.URL)
	}
	return errors.Wrapf(e.store.SaveVideo(ctx, &v), "workload: save video %s", v.ID)
}

func compact(values []string) []string {
	var out []string
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			out = append(out, s)
		}
	}
	return out
}
