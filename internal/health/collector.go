// Package health collects the host resource metrics an agent attaches to
// its status updates.
package health

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/linwinbackup/linwin/internal/control"
)

// Collector gathers host metrics. diskPath is the filesystem whose free
// space matters to backups, normally the backup directory's volume.
type Collector struct {
	diskPath string
}

// NewCollector creates a collector watching diskPath.
func NewCollector(diskPath string) *Collector {
	if diskPath == "" {
		diskPath = "/"
		if runtime.GOOS == "windows" {
			diskPath = "C:\\"
		}
	}
	return &Collector{diskPath: diskPath}
}

// Collect gathers current metrics. Individual probe failures leave the
// corresponding field at zero rather than failing the whole collection: a
// heartbeat with partial metrics beats no heartbeat at all.
func (c *Collector) Collect(ctx context.Context) *control.HostMetrics {
	m := &control.HostMetrics{}

	if percents, err := cpu.PercentWithContext(ctx, time.Second, false); err == nil && len(percents) > 0 {
		m.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.MemoryPercent = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, c.diskPath); err == nil {
		m.DiskTotal = du.Total
		m.DiskFree = du.Free
	}
	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		m.UptimeSeconds = uptime
	}
	return m
}
