// Package agent runs on a workstation node. It samples the local adb server,
// the control-app link, the power box and host load, and pushes each sample
// to the supervisor's heartbeat endpoint.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/httprunner/DeviceFarm/internal/devicectl"
	"github.com/httprunner/DeviceFarm/internal/oob/health"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DeviceLister is the part of the device controller the sampler reads.
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]devicectl.DeviceState, error)
}

// Probe reports whether a dependency is reachable right now.
type Probe func(ctx context.Context) bool

// HostStats is one reading of host load.
type HostStats struct {
	CPUPercent    float64
	MemoryPercent float64
	UptimeSec     float64
}

// HostSampler reads host load. See GopsutilHost.
type HostSampler func(ctx context.Context) (HostStats, error)

// Config tunes the reporter.
type Config struct {
	NodeID        string
	SupervisorURL string
	// ExpectedDevices is the device count the node should see; 0 disables loss tracking.
	ExpectedDevices int
	Interval        time.Duration
	TailscaleIP     string
	Box             health.BoxTarget
	RequestTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	c.SupervisorURL = strings.TrimRight(strings.TrimSpace(c.SupervisorURL), "/")
	return c
}

// Reporter samples the node and pushes heartbeats.
type Reporter struct {
	cfg     Config
	devices DeviceLister
	control Probe
	box     Probe
	host    HostSampler
	client  *http.Client
}

// NewReporter builds a reporter. control, box and host may be nil, in which
// case the matching fields are left out of the heartbeat.
func NewReporter(cfg Config, devices DeviceLister, control, box Probe, host HostSampler) *Reporter {
	cfg = cfg.withDefaults()
	return &Reporter{
		cfg:     cfg,
		devices: devices,
		control: control,
		box:     box,
		host:    host,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Sample collects one heartbeat. Failures of individual probes become field
// values; Sample itself never fails.
func (r *Reporter) Sample(ctx context.Context) health.MetricsInput {
	var in health.MetricsInput

	adbOK := false
	observed, unauthorized := 0, 0
	if r.devices != nil {
		states, err := r.devices.ListDevices(ctx)
		if err != nil {
			log.Warn().Err(err).Str("node", r.cfg.NodeID).Msg("agent: list devices failed")
		} else {
			adbOK = true
			for _, st := range states {
				switch st.State {
				case "device":
					observed++
				case "unauthorized":
					unauthorized++
				}
			}
		}
	}
	in.ADBServerOK = &adbOK
	in.DeviceCountObserved = &observed
	in.UnauthorizedCount = &unauthorized
	if r.cfg.ExpectedDevices > 0 {
		expected := r.cfg.ExpectedDevices
		in.DeviceCountExpected = &expected
	}

	if r.control != nil {
		ok := r.control(ctx)
		in.WebsocketConnected = &ok
	}
	if r.box != nil {
		ok := r.box(ctx)
		in.BoxTCPReachable = &ok
	}
	if r.host != nil {
		stats, err := r.host(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("agent: host stats unavailable")
		} else {
			cpu, mem, up := clampPercent(stats.CPUPercent), clampPercent(stats.MemoryPercent), stats.UptimeSec
			in.CPUPercent, in.MemoryPercent, in.UptimeSec = &cpu, &mem, &up
		}
	}
	in.TailscaleIP = r.cfg.TailscaleIP
	return in
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

// Register announces the node's transport address and box target.
func (r *Reporter) Register(ctx context.Context) error {
	body := map[string]any{"tailscale_ip": r.cfg.TailscaleIP, "box": r.cfg.Box}
	return r.post(ctx, "register", body)
}

// Report samples once and pushes the result.
func (r *Reporter) Report(ctx context.Context) (health.MetricsInput, error) {
	in := r.Sample(ctx)
	return in, r.post(ctx, "metrics", in)
}

// Run registers, then reports every interval until ctx is done. Push
// failures are logged and retried on the next tick.
func (r *Reporter) Run(ctx context.Context) error {
	if err := r.Register(ctx); err != nil {
		log.Warn().Err(err).Str("node", r.cfg.NodeID).Msg("agent: register failed, continuing with heartbeats")
	}
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if in, err := r.Report(ctx); err != nil {
			log.Warn().Err(err).Str("node", r.cfg.NodeID).Msg("agent: heartbeat failed")
		} else {
			log.Debug().
				Str("node", r.cfg.NodeID).
				Int("devices", *in.DeviceCountObserved).
				Bool("adb_ok", *in.ADBServerOK).
				Msg("agent: heartbeat sent")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Reporter) post(ctx context.Context, action string, payload any) error {
	if r.cfg.SupervisorURL == "" {
		return errors.New("agent: supervisor url is empty")
	}
	if r.cfg.NodeID == "" {
		return errors.New("agent: node id is empty")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "agent: encode payload")
	}
	endpoint := r.cfg.SupervisorURL + "/oob/nodes/" + url.PathEscape(r.cfg.NodeID) + "/" + action
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "agent: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "agent: post %s", action)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("agent: %s rejected with %d: %s", action, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
