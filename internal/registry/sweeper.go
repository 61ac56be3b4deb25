package registry

import (
	"context"
	"time"

	"github.com/httprunner/DeviceFarm/internal/metrics"
	"github.com/rs/zerolog/log"
)

var allStatuses = []Status{StatusIdle, StatusBusy, StatusOffline, StatusError, StatusOverheat, StatusMaintenance}

// Sweep marks stale devices offline and refreshes the per-status gauges.
// It returns the number of devices flipped offline.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	marked, err := r.MarkStaleOffline(ctx, 0)
	if err != nil {
		return 0, err
	}
	metrics.StaleDevicesMarked.Add(float64(marked))

	counts, err := r.CountByStatus(ctx)
	if err != nil {
		return marked, err
	}
	for _, s := range allStatuses {
		metrics.DevicesByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	return marked, nil
}

// CountByStatus tallies every registered device by status.
func (r *Registry) CountByStatus(ctx context.Context) (map[Status]int, error) {
	devices, err := r.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	counts := make(map[Status]int, len(allStatuses))
	for _, dev := range devices {
		counts[dev.Status]++
	}
	return counts, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			marked, err := r.Sweep(ctx)
			if err != nil {
				log.Error().Err(err).Msg("registry sweep failed")
				continue
			}
			if marked > 0 {
				log.Info().Int("marked", marked).Msg("registry sweep marked devices offline")
			}
		}
	}
}
