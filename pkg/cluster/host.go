package cluster

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// HostInfo describes the machine a node runs on.
type HostInfo struct {
	Hostname    string `json:"hostname"`
	CPUs        int    `json:"cpus"`
	MemoryTotal uint64 `json:"memory_total_mb"`
}

// DetectHost reads the host description once at startup.
func DetectHost(logger *zap.Logger) HostInfo {
	hostname, _ := os.Hostname()
	return HostInfo{
		Hostname:    hostname,
		CPUs:        runtime.NumCPU(),
		MemoryTotal: detectTotalMemory(logger),
	}
}

func detectTotalMemory(logger *zap.Logger) uint64 {
	v, err := mem.VirtualMemory()
	if err != nil {
		logger.Warn("failed to detect memory", zap.Error(err))
		return 0
	}
	return v.Total / 1024 / 1024
}
