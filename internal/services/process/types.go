// Package process provides the remote process monitoring and control engine.
package process

import (
	"context"
	"errors"
)

// Remote command templates. These are sent verbatim to the remote shell and
// must stay byte-compatible with hosts that already expect them.
const (
	ListCommand = "ps aux --sort=-%cpu 2>/dev/null || ps -ef"
	KillCommand = "kill -%d %d 2>&1"

	StatusProbe  = "cat /proc/%d/status 2>/dev/null"
	CmdlineProbe = "cat /proc/%d/cmdline 2>/dev/null | tr '\\0' ' '"
	EnvironProbe = "cat /proc/%d/environ 2>/dev/null | tr '\\0' '\\n' | head -20"
	FdProbe      = "ls -la /proc/%d/fd 2>/dev/null | head -30"
)

// Numeric signals used by the dispatcher.
const (
	SignalTerm = 15
	SignalKill = 9
)

var (
	// ErrInvalidPID is returned when a signal is requested for a PID <= 0.
	ErrInvalidPID = errors.New("invalid pid")
	// ErrServiceClosed is reported to a refresh task scheduled after Close.
	ErrServiceClosed = errors.New("snapshot service closed")
)

// CommandChannel executes a command string on the remote host and returns
// its captured stdout. Implementations must not be driven concurrently.
type CommandChannel interface {
	Execute(ctx context.Context, command string) (string, error)
}

// Record is one row of a process listing.
type Record struct {
	PID              int     `json:"pid"`
	User             string  `json:"user"`
	CPUPercent       float64 `json:"cpu_percent"`
	MemPercent       float64 `json:"mem_percent"`
	VirtualMemoryKB  int64   `json:"vsz_kb"`
	ResidentMemoryKB int64   `json:"rss_kb"`
	TTY              string  `json:"tty"`
	State            string  `json:"state"`
	StartTime        string  `json:"start_time"`
	CPUTime          string  `json:"cpu_time"`
	Command          string  `json:"command"`
}

// Snapshot is the full listing captured by one refresh. It is replaced as a
// whole on the next refresh and never edited in place.
type Snapshot []Record

// Find returns the first record with the given pid.
func (s Snapshot) Find(pid int) (Record, bool) {
	for _, r := range s {
		if r.PID == pid {
			return r, true
		}
	}
	return Record{}, false
}

// KillListener is notified after a signal was delivered successfully.
type KillListener func(pid, signal int)

// DetailSection is one labelled probe result of a detail report.
type DetailSection struct {
	Title  string `json:"title"`
	Output string `json:"output"`
}
