package agent

import (
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// GopsutilHost reads cpu, memory and uptime from the local host.
func GopsutilHost(ctx context.Context) (HostStats, error) {
	var stats HostStats
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return stats, errors.Wrap(err, "read cpu")
	}
	if len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return stats, errors.Wrap(err, "read memory")
	}
	stats.MemoryPercent = vm.UsedPercent
	uptime, err := host.UptimeWithContext(ctx)
	if err != nil {
		return stats, errors.Wrap(err, "read uptime")
	}
	stats.UptimeSec = float64(uptime)
	return stats, nil
}

// DefaultNodeID names the node after its hostname, falling back to the
// machine's host id.
func DefaultNodeID(ctx context.Context) string {
	if name, err := os.Hostname(); err == nil && strings.TrimSpace(name) != "" {
		return strings.TrimSpace(name)
	}
	if id, err := host.HostIDWithContext(ctx); err == nil {
		return id
	}
	return ""
}
