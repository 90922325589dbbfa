// Package monitor collects statistics about the host the agent runs on and
// the agent process itself. Remote process data never flows through here.
package monitor

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Stats contains agent host statistics.
type Stats struct {
	Hostname  string     `json:"hostname"`
	OS        string     `json:"os"`
	Platform  string     `json:"platform"`
	Kernel    string     `json:"kernel"`
	Uptime    uint64     `json:"uptime"`
	CPU       CPUStats   `json:"cpu"`
	Memory    MemStats   `json:"memory"`
	Agent     AgentStats `json:"agent"`
	Timestamp time.Time  `json:"timestamp"`
}

// CPUStats contains CPU statistics.
type CPUStats struct {
	Cores        int       `json:"cores"`
	ModelName    string    `json:"model_name"`
	UsagePercent float64   `json:"usage_percent"`
	LoadAvg      []float64 `json:"load_avg,omitempty"`
}

// MemStats contains memory statistics.
type MemStats struct {
	Total       uint64  `json:"total"`
	Available   uint64  `json:"available"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"used_percent"`
}

// AgentStats describes the agent's own process.
type AgentStats struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSS        uint64  `json:"rss"`
	Goroutines int     `json:"goroutines"`
	OpenFDs    int     `json:"open_fds"`
}

// Monitor provides agent host monitoring. The CPU model is cached after the
// first successful lookup.
type Monitor struct {
	self *process.Process

	mu       sync.RWMutex
	cpuModel string
}

// New creates a new Monitor.
func New() *Monitor {
	m := &Monitor{}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.self = p
	}
	return m
}

// GetStats collects current statistics. Individual collectors that fail
// leave their fields zeroed; only a cancelled ctx is an error.
func (m *Monitor) GetStats(ctx context.Context) (*Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := &Stats{Timestamp: time.Now()}

	if info, err := host.InfoWithContext(ctx); err == nil {
		stats.Hostname = info.Hostname
		stats.OS = info.OS
		stats.Platform = info.Platform
		stats.Kernel = info.KernelVersion
		stats.Uptime = info.Uptime
	}

	stats.CPU.Cores = runtime.NumCPU()
	stats.CPU.ModelName = m.model(ctx)
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		stats.CPU.UsagePercent = pct[0]
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		stats.CPU.LoadAvg = []float64{avg.Load1, avg.Load5, avg.Load15}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.Memory = MemStats{
			Total:       vm.Total,
			Available:   vm.Available,
			Used:        vm.Used,
			UsedPercent: vm.UsedPercent,
		}
	}

	stats.Agent = m.agent(ctx)

	return stats, nil
}

func (m *Monitor) model(ctx context.Context) string {
	m.mu.RLock()
	model := m.cpuModel
	m.mu.RUnlock()
	if model != "" {
		return model
	}

	info, err := cpu.InfoWithContext(ctx)
	if err != nil || len(info) == 0 {
		return ""
	}

	m.mu.Lock()
	m.cpuModel = info[0].ModelName
	m.mu.Unlock()
	return info[0].ModelName
}

func (m *Monitor) agent(ctx context.Context) AgentStats {
	a := AgentStats{
		PID:        int32(os.Getpid()),
		Goroutines: runtime.NumGoroutine(),
	}
	if m.self == nil {
		return a
	}

	if pct, err := m.self.CPUPercentWithContext(ctx); err == nil {
		a.CPUPercent = pct
	}
	if mi, err := m.self.MemoryInfoWithContext(ctx); err == nil {
		a.RSS = mi.RSS
	}
	if fds, err := m.self.NumFDsWithContext(ctx); err == nil {
		a.OpenFDs = int(fds)
	}
	return a
}

// GetHostname returns the system hostname.
func GetHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

// FormatBytes formats bytes to human-readable format.
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
