package master

import (
	"context"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"yqhp/cluster-registry/internal/registry"
	"yqhp/cluster-registry/pkg/types"
	"yqhp/cluster-registry/pkg/utils"
)

const gigabyte = 1024 * 1024 * 1024

// HostMetrics is one sample of the local machine.
type HostMetrics struct {
	CPUUsage    float64
	LoadAverage float64
	// AvailableMemory is in GB.
	AvailableMemory float64
}

// MetricsCollector samples the local machine.
type MetricsCollector interface {
	Collect(ctx context.Context) (HostMetrics, error)
}

// HostMetricsCollector reads metrics from the operating system.
type HostMetricsCollector struct{}

func (HostMetricsCollector) Collect(ctx context.Context) (HostMetrics, error) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return HostMetrics{}, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostMetrics{}, err
	}
	m := HostMetrics{
		LoadAverage:     avg.Load1,
		AvailableMemory: float64(vm.Available) / gigabyte,
	}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		m.CPUUsage = percents[0] / 100
	}
	return m, nil
}

// HeartbeatTask refreshes the liveness payload of the registration paths it owns.
type HeartbeatTask struct {
	startupTime    time.Time
	maxCPULoadAvg  float64
	reservedMemory float64
	paths          []string
	nodeType       types.NodeType

	registry registry.Client
	metrics  MetricsCollector
	clock    clockwork.Clock
	// onDead is called when another master has marked this node dead.
	onDead func(cause string)
	log    *zap.Logger
}

// HeartbeatInfo samples the machine and returns the encoded payload.
func (h *HeartbeatTask) HeartbeatInfo(ctx context.Context) (string, error) {
	info := types.HeartbeatInfo{
		StartupTime:    h.startupTime.UnixMilli(),
		ReportTime:     h.clock.Now().UnixMilli(),
		MaxCPULoadAvg:  h.maxCPULoadAvg,
		ReservedMemory: h.reservedMemory,
		ProcessID:      os.Getpid(),
		ServerStatus:   types.ServerStatusNormal,
	}

	m, err := h.metrics.Collect(ctx)
	if err != nil {
		h.log.Warn("collect host metrics failed", zap.Error(err))
		info.ServerStatus = types.ServerStatusAbnormal
	} else {
		info.CPUUsage = m.CPUUsage
		info.LoadAverage = m.LoadAverage
		info.AvailablePhysicalMemorySize = m.AvailableMemory
		if m.LoadAverage > h.maxCPULoadAvg || m.AvailableMemory < h.reservedMemory {
			info.ServerStatus = types.ServerStatusBusy
		}
	}
	return utils.ToJSON(info)
}

// Run is one heartbeat tick. Failures are logged and left to the next tick.
func (h *HeartbeatTask) Run(ctx context.Context) {
	for _, path := range h.paths {
		dead, err := h.registry.IsDeadServer(ctx, path, h.nodeType)
		if err != nil {
			h.log.Warn("check dead server failed", zap.String("path", path), zap.Error(err))
			return
		}
		if dead {
			h.log.Error("this node was marked dead by the cluster", zap.String("path", path))
			h.onDead("i was judged to death, release resources and stop myself")
			return
		}
	}

	payload, err := h.HeartbeatInfo(ctx)
	if err != nil {
		h.log.Error("encode heartbeat failed", zap.Error(err))
		return
	}
	for _, path := range h.paths {
		if err := h.registry.PersistEphemeral(ctx, path, payload); err != nil {
			h.log.Warn("heartbeat write failed", zap.String("path", path), zap.Error(err))
		}
	}
}
