// Package health collects host information and disk pressure for the agent.
package health

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Metrics is a point-in-time view of the agent's host.
type Metrics struct {
	MemoryUsage    float64 `json:"memory_usage"`
	DiskUsage      float64 `json:"disk_usage"`
	DiskFreeBytes  int64   `json:"disk_free_bytes"`
	DiskTotalBytes int64   `json:"disk_total_bytes"`
	UptimeSeconds  int64   `json:"uptime_seconds"`
}

// Collector gathers host information.
type Collector struct {
	startTime time.Time
	diskPath  string
}

// NewCollector creates a collector that reports disk usage for the volume
// holding diskPath. An empty diskPath selects the filesystem root.
func NewCollector(diskPath string) *Collector {
	if diskPath == "" {
		diskPath = "/"
		if runtime.GOOS == "windows" {
			diskPath = "C:\\"
		}
	}
	return &Collector{
		startTime: time.Now(),
		diskPath:  diskPath,
	}
}

// HostInfo describes the machine for heartbeats and the local status page.
// Fields gopsutil cannot determine fall back to the Go runtime.
func (c *Collector) HostInfo(ctx context.Context) *models.HostInfo {
	info := &models.HostInfo{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}
	if stat, err := host.InfoWithContext(ctx); err == nil {
		info.Platform = stat.Platform
		info.PlatformVersion = stat.PlatformVersion
		info.Hostname = stat.Hostname
		if stat.KernelArch != "" {
			info.Arch = stat.KernelArch
		}
	}
	if info.Hostname == "" {
		info.Hostname, _ = os.Hostname()
	}
	return info
}

// Collect gathers memory and disk usage. Metrics that cannot be read stay zero.
func (c *Collector) Collect(ctx context.Context) *Metrics {
	m := &Metrics{
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
	}

	if memStat, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.MemoryUsage = memStat.UsedPercent
	}

	path := c.diskPath
	if _, err := os.Stat(path); err != nil {
		path = "/"
	}
	if diskStat, err := disk.UsageWithContext(ctx, path); err == nil {
		m.DiskUsage = diskStat.UsedPercent
		m.DiskFreeBytes = int64(diskStat.Free)
		m.DiskTotalBytes = int64(diskStat.Total)
	}

	return m
}
