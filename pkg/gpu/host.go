package gpu

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostFacts describes the machine around the GPU. Sent once during
// registration.
type HostFacts struct {
	CPU   string
	RAMMB int64
	OS    string
}

// CollectHostFacts reads CPU model, total RAM, and OS identity.
func CollectHostFacts(ctx context.Context) (*HostFacts, error) {
	facts := &HostFacts{CPU: "unknown"}

	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		facts.CPU = infos[0].ModelName
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory info: %w", err)
	}
	facts.RAMMB = int64(vm.Total / (1024 * 1024))

	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read host info: %w", err)
	}
	facts.OS = fmt.Sprintf("%s %s", hi.OS, hi.KernelVersion)

	return facts, nil
}

// SystemSnapshot is the host-side portion of a metrics push.
type SystemSnapshot struct {
	CPUUtilization float64
	RAMUsedGB      float64
	StorageUsedGB  float64
	UptimeHours    float64
}

// CollectSystemSnapshot reads current CPU, RAM, root-disk, and uptime
// figures. Individual read failures zero the field rather than failing the
// snapshot; the metrics push is best-effort.
func CollectSystemSnapshot(ctx context.Context) *SystemSnapshot {
	snap := &SystemSnapshot{}

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		snap.CPUUtilization = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.RAMUsedGB = float64(vm.Used) / (1024 * 1024 * 1024)
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		snap.StorageUsedGB = float64(du.Used) / (1024 * 1024 * 1024)
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		snap.UptimeHours = float64(up) / 3600
	}

	return snap
}
