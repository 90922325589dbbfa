// Package render formats process data for the terminal.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/slimrmm/slimrmm-procmon/internal/monitor"
	"github.com/slimrmm/slimrmm-procmon/internal/services/process"
)

const (
	highCPU = 50.0
	medCPU  = 10.0

	minCommandWidth = 20
	// Width of every column except COMMAND, borders and padding included.
	fixedColumnsWidth = 80
)

var tableHeaders = []string{"PID", "USER", "%CPU", "%MEM", "RSS", "STAT", "TIME", "COMMAND"}

const cpuColumn = 2

// ProcessTable renders records as a bordered table. Commands are truncated
// so that the table fits width; width <= 0 disables truncation.
func ProcessTable(records []process.Record, width int) string {
	if len(records) == 0 {
		return emptyStyle.Render("no processes")
	}

	cmdWidth := 0
	if width > 0 {
		cmdWidth = max(width-fixedColumnsWidth, minCommandWidth)
	}

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			strconv.Itoa(r.PID),
			r.User,
			fmt.Sprintf("%.1f", r.CPUPercent),
			fmt.Sprintf("%.1f", r.MemPercent),
			formatKB(r.ResidentMemoryKB),
			r.State,
			r.CPUTime,
			truncate(r.Command, cmdWidth),
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers(tableHeaders...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == cpuColumn {
				return cpuStyle(records[row].CPUPercent)
			}
			return cellStyle
		})

	return t.Render()
}

// Summary is the one-line footer printed under a table.
func Summary(host string, records []process.Record) string {
	var cpu, mem float64
	for _, r := range records {
		cpu += r.CPUPercent
		mem += r.MemPercent
	}
	return fmt.Sprintf("%s: %d processes, %.1f%% cpu, %.1f%% mem", host, len(records), cpu, mem)
}

// Detail renders the probe sections of one process.
func Detail(pid int, sections []process.DetailSection) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", sectionTitleStyle.Render(fmt.Sprintf("Process %d", pid)))

	for i, s := range sections {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(sectionTitleStyle.Render("=== " + s.Title + " ==="))
		b.WriteString("\n")
		if s.Output == "" {
			b.WriteString(emptyStyle.Render("(unavailable)"))
		} else {
			b.WriteString(s.Output)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// SignalResult renders the outcome of a kill or signal request.
func SignalResult(pid, signal int, delivered bool) string {
	name := process.SignalName(signal)
	if delivered {
		return successStyle.Render(fmt.Sprintf("sent SIG%s to %d", name, pid))
	}
	return errorStyle.Render(fmt.Sprintf("SIG%s to %d was not delivered", name, pid))
}

// Error renders an error line.
func Error(err error) string {
	return errorStyle.Render("error: " + err.Error())
}

// JSON writes v as indented JSON.
func JSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cpuStyle(pct float64) lipgloss.Style {
	switch {
	case pct >= highCPU:
		return highCPUStyle
	case pct >= medCPU:
		return medCPUStyle
	default:
		return cellStyle
	}
}

func formatKB(kb int64) string {
	if kb <= 0 {
		return "-"
	}
	return monitor.FormatBytes(uint64(kb) * 1024)
}

func truncate(s string, width int) string {
	if width <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	return string(runes[:width-1]) + "…"
}
