package web

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/Ali-Rashidi-80/smart-cctv-web-based-rash32-sub001/control"
)

// SystemInfo is the diagnostics object served by /system_info. Sections a
// platform cannot report are omitted rather than zero-filled.
type SystemInfo struct {
	Timestamp       time.Time   `json:"timestamp"`
	Host            *HostInfo   `json:"host,omitempty"`
	CPU             *CPUInfo    `json:"cpu,omitempty"`
	Memory          *MemoryInfo `json:"memory,omitempty"`
	Disk            *DiskInfo   `json:"disk,omitempty"`
	Load            *LoadInfo   `json:"load,omitempty"`
	Process         ProcessInfo `json:"process"`
	Recommendations []string    `json:"recommendations"`
}

type HostInfo struct {
	Hostname      string `json:"hostname"`
	OS            string `json:"os"`
	Platform      string `json:"platform"`
	KernelVersion string `json:"kernel_version"`
	UptimeSeconds uint64 `json:"uptime_seconds"`
}

type CPUInfo struct {
	Cores        int     `json:"cores"`
	UsagePercent float64 `json:"usage_percent"`
}

type MemoryInfo struct {
	TotalMB     uint64  `json:"total_mb"`
	AvailableMB uint64  `json:"available_mb"`
	UsedPercent float64 `json:"used_percent"`
}

type DiskInfo struct {
	Path        string  `json:"path"`
	TotalGB     float64 `json:"total_gb"`
	FreeGB      float64 `json:"free_gb"`
	UsedPercent float64 `json:"used_percent"`
}

type LoadInfo struct {
	Load1  float64 `json:"load_1m"`
	Load5  float64 `json:"load_5m"`
	Load15 float64 `json:"load_15m"`
}

type ProcessInfo struct {
	PID         int     `json:"pid"`
	Goroutines  int     `json:"goroutines"`
	GoVersion   string  `json:"go_version"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
}

// collectSystemInfo gathers host diagnostics. Sections are best-effort: a
// probe failure drops the section instead of failing the request. diskPath
// is the recording root; when it does not exist the working directory's
// filesystem is reported instead.
func collectSystemInfo(ctx context.Context, diskPath string) SystemInfo {
	info := SystemInfo{Timestamp: time.Now().UTC()}

	if hi, err := host.InfoWithContext(ctx); err == nil {
		info.Host = &HostInfo{
			Hostname:      hi.Hostname,
			OS:            hi.OS,
			Platform:      fmt.Sprintf("%s %s", hi.Platform, hi.PlatformVersion),
			KernelVersion: hi.KernelVersion,
			UptimeSeconds: hi.Uptime,
		}
	}

	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		cores = runtime.NumCPU()
	}
	// Interval zero compares against the previous call, so the first
	// request after startup reports zero usage.
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		info.CPU = &CPUInfo{Cores: cores, UsagePercent: percents[0]}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.Memory = &MemoryInfo{
			TotalMB:     vm.Total >> 20,
			AvailableMB: vm.Available >> 20,
			UsedPercent: vm.UsedPercent,
		}
	}

	if du := diskUsage(ctx, diskPath); du != nil {
		info.Disk = du
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		info.Load = &LoadInfo{Load1: avg.Load1, Load5: avg.Load5, Load15: avg.Load15}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	info.Process = ProcessInfo{
		PID:         os.Getpid(),
		Goroutines:  runtime.NumGoroutine(),
		GoVersion:   runtime.Version(),
		HeapAllocMB: float64(ms.HeapAlloc) / (1 << 20),
	}

	return info
}

func diskUsage(ctx context.Context, path string) *DiskInfo {
	const gb = 1 << 30

	us, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		if us, err = disk.UsageWithContext(ctx, "."); err != nil {
			return nil
		}
	}
	return &DiskInfo{
		Path:        us.Path,
		TotalGB:     float64(us.Total) / gb,
		FreeGB:      float64(us.Free) / gb,
		UsedPercent: us.UsedPercent,
	}
}

// recommend derives operator guidance from the collected diagnostics and
// the pipeline state.
func recommend(info SystemInfo, state control.SystemState, bufferUtilization float64) []string {
	var recs []string

	if info.CPU != nil && info.CPU.UsagePercent > 85 {
		recs = append(recs, "CPU usage is high: lower stream target_fps or disable image enhancement")
	}
	if info.Memory != nil && info.Memory.UsedPercent > 90 {
		recs = append(recs, "memory pressure is high: reduce buffer_capacity or queue_capacity")
	}
	if info.Disk != nil {
		if info.Disk.UsedPercent > 90 {
			recs = append(recs, "recording disk is nearly full: lower retention_days or run /security_recording/cleanup")
		} else if info.Disk.FreeGB < 1 {
			recs = append(recs, "less than 1 GB free on the recording disk: saves may start failing")
		}
	}
	if info.Load != nil && info.CPU != nil && info.CPU.Cores > 0 &&
		info.Load.Load1 > float64(info.CPU.Cores) {
		recs = append(recs, "load average exceeds the core count: expect pacing jitter")
	}
	if bufferUtilization > 0.9 {
		recs = append(recs, "frame buffer is near capacity: viewers are not keeping up with the producer")
	}
	if state == control.StateDegraded || state == control.StateCritical {
		recs = append(recs, fmt.Sprintf("pipeline is %s: check the producer link and queue drop counters", state))
	}

	if len(recs) == 0 {
		recs = append(recs, "system resources look healthy")
	}
	return recs
}
