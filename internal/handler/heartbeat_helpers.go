package handler

import (
	"github.com/slimrmm/slimrmm-procmon/internal/monitor"
	"github.com/slimrmm/slimrmm-procmon/pkg/version"
)

// HeartbeatMessage is the periodic liveness message.
type HeartbeatMessage struct {
	Action       string         `json:"action"`
	AgentVersion string         `json:"agent_version"`
	Host         string         `json:"host"`
	Local        bool           `json:"local"`
	Refreshing   bool           `json:"refreshing"`
	Stats        HeartbeatStats `json:"stats"`
}

// HeartbeatStats summarises the agent host.
type HeartbeatStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsed    uint64  `json:"memory_used"`
	MemoryTotal   uint64  `json:"memory_total"`
	UptimeSeconds uint64  `json:"uptime_seconds,omitempty"`
	AgentRSS      uint64  `json:"agent_rss"`
	Goroutines    int     `json:"goroutines"`
}

// buildHeartbeat creates the heartbeat message from agent host stats.
func (h *Handler) buildHeartbeat(stats *monitor.Stats) HeartbeatMessage {
	return HeartbeatMessage{
		Action:       "heartbeat",
		AgentVersion: version.Version,
		Host:         h.cfg.GetHost(),
		Local:        h.cfg.IsLocal(),
		Refreshing:   h.services.Snapshots.Refreshing(),
		Stats: HeartbeatStats{
			CPUPercent:    stats.CPU.UsagePercent,
			MemoryPercent: stats.Memory.UsedPercent,
			MemoryUsed:    stats.Memory.Used,
			MemoryTotal:   stats.Memory.Total,
			UptimeSeconds: stats.Uptime,
			AgentRSS:      stats.Agent.RSS,
			Goroutines:    stats.Agent.Goroutines,
		},
	}
}
