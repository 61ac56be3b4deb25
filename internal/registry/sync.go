package registry

import (
	"context"
	"time"

	"github.com/httprunner/DeviceFarm/internal/devicectl"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// AttachedLister lists the devices a control backend currently sees.
type AttachedLister interface {
	ListDevices(ctx context.Context) ([]devicectl.DeviceState, error)
}

// SyncAttached heartbeats every registered device the backend reports in
// state "device". Attached serials that are not registered come back in
// unknown.
func (r *Registry) SyncAttached(ctx context.Context, lister AttachedLister) (online, unknown []string, err error) {
	states, err := lister.ListDevices(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "registry: list attached devices")
	}
	for _, st := range states {
		if st.State != "device" {
			continue
		}
		if err := r.Heartbeat(ctx, st.Serial, "", ""); err != nil {
			if errors.Is(err, ErrDeviceNotFound) {
				unknown = append(unknown, st.Serial)
				continue
			}
			return online, unknown, err
		}
		online = append(online, st.Serial)
	}
	return online, unknown, nil
}

// RunDeviceSync calls SyncAttached every interval until ctx is done, so idle
// devices that stay attached keep a fresh heartbeat between workloads.
func (r *Registry) RunDeviceSync(ctx context.Context, lister AttachedLister, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			online, unknown, err := r.SyncAttached(ctx, lister)
			if err != nil {
				log.Error().Err(err).Msg("device sync failed")
				continue
			}
			log.Debug().Int("online", len(online)).Strs("unregistered", unknown).Msg("device sync done")
		}
	}
}
