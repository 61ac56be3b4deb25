package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/httprunner/DeviceFarm/internal/devicectl"
	"github.com/httprunner/DeviceFarm/internal/oob/health"
	"github.com/pkg/errors"
)

type stubDevices struct {
	states []devicectl.DeviceState
	err    error
}

func (s stubDevices) ListDevices(ctx context.Context) ([]devicectl.DeviceState, error) {
	return s.states, s.err
}

func always(v bool) Probe { return func(context.Context) bool { return v } }

type captured struct {
	mu       sync.Mutex
	paths    []string
	metrics  []health.MetricsInput
	register []map[string]any
}

func startSupervisor(t *testing.T, status int) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.paths = append(c.paths, r.Method+" "+r.URL.Path)
		switch r.URL.Path {
		case "/oob/nodes/ws-01/metrics":
			var in health.MetricsInput
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
				t.Errorf("decode metrics: %v", err)
			}
			c.metrics = append(c.metrics, in)
		case "/oob/nodes/ws-01/register":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			c.register = append(c.register, body)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func TestSampleCountsDeviceStates(t *testing.T) {
	devices := stubDevices{states: []devicectl.DeviceState{
		{Serial: "a", State: "device"},
		{Serial: "b", State: "device"},
		{Serial: "c", State: "unauthorized"},
		{Serial: "d", State: "offline"},
	}}
	host := func(context.Context) (HostStats, error) {
		return HostStats{CPUPercent: 140, MemoryPercent: 55, UptimeSec: 3600}, nil
	}
	r := NewReporter(Config{NodeID: "ws-01", ExpectedDevices: 4, TailscaleIP: "100.64.0.7"},
		devices, always(true), always(false), host)

	in := r.Sample(context.Background())
	if err := in.Validate(); err != nil {
		t.Fatalf("sample should validate: %v", err)
	}
	m := in.ToMetrics(time.Now(), nil)
	if !m.ADBServerOK || m.DeviceCountObserved != 2 || m.UnauthorizedCount != 1 || m.DeviceCountExpected != 4 {
		t.Fatalf("unexpected device fields: %+v", m)
	}
	if !m.WebsocketConnected || m.BoxTCPReachable {
		t.Fatalf("unexpected probe fields: %+v", m)
	}
	if m.CPUPercent != 100 || m.MemoryPercent != 55 || m.UptimeSec != 3600 {
		t.Fatalf("unexpected host fields: %+v", m)
	}
	if in.TailscaleIP != "100.64.0.7" {
		t.Fatalf("tailscale ip not carried: %q", in.TailscaleIP)
	}
}

func TestSampleADBDown(t *testing.T) {
	r := NewReporter(Config{NodeID: "ws-01"}, stubDevices{err: errors.New("connection refused")}, nil, nil, nil)
	in := r.Sample(context.Background())
	if in.ADBServerOK == nil || *in.ADBServerOK {
		t.Fatalf("adb should be reported down")
	}
	if *in.DeviceCountObserved != 0 {
		t.Fatalf("no devices expected, got %d", *in.DeviceCountObserved)
	}
	if in.DeviceCountExpected != nil || in.WebsocketConnected != nil || in.BoxTCPReachable != nil || in.CPUPercent != nil {
		t.Fatalf("unprobed fields should be omitted: %+v", in)
	}
}

func TestReportPostsHeartbeat(t *testing.T) {
	srv, c := startSupervisor(t, http.StatusOK)
	r := NewReporter(Config{NodeID: "ws-01", SupervisorURL: srv.URL + "/"},
		stubDevices{states: []devicectl.DeviceState{{Serial: "a", State: "device"}}}, nil, nil, nil)
	if _, err := r.Report(context.Background()); err != nil {
		t.Fatalf("report: %v", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.metrics) != 1 || *c.metrics[0].DeviceCountObserved != 1 {
		t.Fatalf("supervisor did not receive the heartbeat: %+v", c.metrics)
	}
}

func TestReportRejected(t *testing.T) {
	srv, _ := startSupervisor(t, http.StatusBadRequest)
	r := NewReporter(Config{NodeID: "ws-01", SupervisorURL: srv.URL}, stubDevices{}, nil, nil, nil)
	if _, err := r.Report(context.Background()); err == nil {
		t.Fatalf("expected error for rejected heartbeat")
	}
}

func TestReportNeedsSupervisor(t *testing.T) {
	r := NewReporter(Config{NodeID: "ws-01"}, stubDevices{}, nil, nil, nil)
	if _, err := r.Report(context.Background()); err == nil {
		t.Fatalf("expected error without supervisor url")
	}
}

func TestRunRegistersThenReports(t *testing.T) {
	srv, c := startSupervisor(t, http.StatusOK)
	r := NewReporter(Config{
		NodeID:        "ws-01",
		SupervisorURL: srv.URL,
		Interval:      10 * time.Millisecond,
		TailscaleIP:   "100.64.0.7",
		Box:           health.BoxTarget{Address: "10.0.0.5", Port: 56666, Slot: 3},
	}, stubDevices{}, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		n := len(c.metrics)
		c.mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected repeated heartbeats, got %d", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paths[0] != "POST /oob/nodes/ws-01/register" {
		t.Fatalf("first call should register, got %v", c.paths)
	}
	box, _ := c.register[0]["box"].(map[string]any)
	if c.register[0]["tailscale_ip"] != "100.64.0.7" || box["address"] != "10.0.0.5" {
		t.Fatalf("unexpected register body: %v", c.register[0])
	}
}
