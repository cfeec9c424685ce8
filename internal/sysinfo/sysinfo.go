// Package sysinfo samples host and per-worker resource usage for status
// reports.
package sysinfo

import (
	"context"
	"errors"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Usage is a used/total pair in bytes.
type Usage struct {
	Used    uint64  `json:"used"`
	Total   uint64  `json:"total"`
	Percent float64 `json:"percent"`
}

// Snapshot is the host summary shown next to the pool status.
type Snapshot struct {
	CPUPercent float64   `json:"cpu_percent"`
	Memory     Usage     `json:"memory"`
	Disk       Usage     `json:"disk"`
	BootTime   time.Time `json:"boot_time"`
}

// Collect samples host metrics. diskPath selects the filesystem reported
// under Disk; empty means "/". Individual probes that fail leave their
// fields zero and are reported in the joined error.
func Collect(ctx context.Context, diskPath string) (Snapshot, error) {
	if diskPath == "" {
		diskPath = "/"
	}
	var s Snapshot
	var errs []error

	// interval 0 compares against the previous call, which is what a
	// periodically polled status wants.
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		errs = append(errs, err)
	} else if len(pcts) > 0 {
		s.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, err)
	} else {
		s.Memory = Usage{Used: vm.Used, Total: vm.Total, Percent: vm.UsedPercent}
	}
	if du, err := disk.UsageWithContext(ctx, diskPath); err != nil {
		errs = append(errs, err)
	} else {
		s.Disk = Usage{Used: du.Used, Total: du.Total, Percent: du.UsedPercent}
	}
	if bt, err := host.BootTimeWithContext(ctx); err != nil {
		errs = append(errs, err)
	} else {
		s.BootTime = time.Unix(int64(bt), 0)
	}
	return s, errors.Join(errs...)
}

// ProcessUsage is the resource footprint of one worker.
type ProcessUsage struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	NumThreads int32   `json:"num_threads"`
}

// Process samples one pid. CPU percent is averaged over the process lifetime.
func Process(ctx context.Context, pid int) (ProcessUsage, error) {
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ProcessUsage{}, err
	}
	var u ProcessUsage
	var errs []error
	if c, err := p.CPUPercentWithContext(ctx); err != nil {
		errs = append(errs, err)
	} else {
		u.CPUPercent = c
	}
	if mi, err := p.MemoryInfoWithContext(ctx); err != nil {
		errs = append(errs, err)
	} else if mi != nil {
		u.RSSBytes = mi.RSS
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		u.NumThreads = n
	}
	return u, errors.Join(errs...)
}

// Sum adds up usage across pids, skipping those that cannot be read.
func Sum(ctx context.Context, pids []int) ProcessUsage {
	var total ProcessUsage
	for _, pid := range pids {
		u, err := Process(ctx, pid)
		if err != nil {
			continue
		}
		total.CPUPercent += u.CPUPercent
		total.RSSBytes += u.RSSBytes
		total.NumThreads += u.NumThreads
	}
	return total
}
