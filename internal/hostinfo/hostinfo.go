// Package hostinfo describes the machine a session ran on.
package hostinfo

import (
	"context"
	goruntime "runtime"

	"github.com/docker/go-units"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

type Info struct {
	Hostname      string `json:"hostname"`
	Kernel        string `json:"kernel"`
	OS            string `json:"os"`
	Platform      string `json:"platform,omitempty"`
	Arch          string `json:"arch"`
	GoVersion     string `json:"go_version"`
	CPUModel      string `json:"cpu_model"`
	LogicalCPUs   int    `json:"logical_cpus"`
	MemoryTotalMB int64  `json:"memory_total_mb"`
}

// Collect never fails; fields that cannot be read are left at their
// fallback values.
func Collect(ctx context.Context) Info {
	info := Info{
		OS:          goruntime.GOOS,
		Arch:        goruntime.GOARCH,
		GoVersion:   goruntime.Version(),
		CPUModel:    "unknown",
		LogicalCPUs: goruntime.NumCPU(),
	}

	if h, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = h.Hostname
		info.Kernel = h.KernelVersion
		if h.Platform != "" {
			info.Platform = h.Platform + " " + h.PlatformVersion
		}
	}
	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 && cpus[0].ModelName != "" {
		info.CPUModel = cpus[0].ModelName
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		info.LogicalCPUs = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryTotalMB = int64(vm.Total) / units.MiB
	}
	return info
}
