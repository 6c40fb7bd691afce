package metrics

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemSnapshot is a point-in-time view of host and process health, served
// by the status endpoint.
type SystemSnapshot struct {
	CPUUsagePercent    float64 `json:"cpu_usage_percent"`
	MemoryUsagePercent float64 `json:"memory_usage_percent"`
	MemoryUsedBytes    uint64  `json:"memory_used_bytes"`
	MemoryTotalBytes   uint64  `json:"memory_total_bytes"`
	DiskUsagePercent   float64 `json:"disk_usage_percent"`
	DiskUsedBytes      uint64  `json:"disk_used_bytes"`
	DiskTotalBytes     uint64  `json:"disk_total_bytes"`
	GoVersion          string  `json:"go_version"`
	Goroutines         int     `json:"goroutines"`
	HeapAllocBytes     uint64  `json:"heap_alloc_bytes"`
	UptimeSeconds      int64   `json:"uptime_seconds"`
	Timestamp          int64   `json:"timestamp"`
}

var startTime = time.Now()

// CollectSystem gathers the snapshot. Individual probe failures leave their
// fields zero rather than failing the whole snapshot.
func CollectSystem(dataDir string) *SystemSnapshot {
	snap := &SystemSnapshot{
		GoVersion:     runtime.Version(),
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		Timestamp:     time.Now().Unix(),
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap.HeapAllocBytes = ms.HeapAlloc

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUUsagePercent = percents[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryUsagePercent = vm.UsedPercent
		snap.MemoryUsedBytes = vm.Used
		snap.MemoryTotalBytes = vm.Total
	}

	if du, err := disk.Usage(dataDir); err == nil {
		snap.DiskUsagePercent = du.UsedPercent
		snap.DiskUsedBytes = du.Used
		snap.DiskTotalBytes = du.Total
	}

	return snap
}
