// Package hostinfo captures a point-in-time host snapshot for the system
// endpoint. Informational only; failures degrade to zero values.
package hostinfo

import (
	"context"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/forgeplatform/plugind/internal/logging"
)

// Snapshot is the payload of GET /api/v1/system.
type Snapshot struct {
	CPUCores      int     `json:"cpuCores"`
	LoadAvg       float64 `json:"loadAvg"`
	MemTotal      uint64  `json:"memTotal"`
	MemAvailable  uint64  `json:"memAvailable"`
	DiskTotal     uint64  `json:"diskTotal"`
	DiskFree      uint64  `json:"diskFree"`
	UptimeSeconds uint64  `json:"uptimeSeconds"`
}

// Collect gathers the snapshot. Individual probe failures are logged and
// leave their fields zero rather than failing the request.
func Collect(ctx context.Context) Snapshot {
	log := logging.Component("hostinfo")
	var snap Snapshot

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUCores = cores
	} else {
		log.Debug().Err(err).Msg("cpu count probe failed")
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.LoadAvg = avg.Load1
	} else {
		log.Debug().Err(err).Msg("load probe failed")
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemTotal = vm.Total
		snap.MemAvailable = vm.Available
	} else {
		log.Debug().Err(err).Msg("memory probe failed")
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		snap.DiskTotal = du.Total
		snap.DiskFree = du.Free
	} else {
		log.Debug().Err(err).Msg("disk probe failed")
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		snap.UptimeSeconds = up
	} else {
		log.Debug().Err(err).Msg("uptime probe failed")
	}
	return snap
}
