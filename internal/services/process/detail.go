package process

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

type probe struct {
	title   string
	command string
}

var detailProbes = []probe{
	{title: "Status", command: StatusProbe},
	{title: "Command Line", command: CmdlineProbe},
	{title: "Environment (first 20)", command: EnvironProbe},
	{title: "Open Files (first 30)", command: FdProbe},
}

// DetailFetcher builds a human-readable report for a single process.
type DetailFetcher struct {
	channel CommandChannel
	logger  *slog.Logger
}

// NewDetailFetcher creates a detail fetcher.
func NewDetailFetcher(channel CommandChannel, logger *slog.Logger) *DetailFetcher {
	return &DetailFetcher{channel: channel, logger: logger}
}

// DetailSections runs every probe in order. A failed probe leaves its
// section empty and does not stop the others.
func (f *DetailFetcher) DetailSections(ctx context.Context, pid int) []DetailSection {
	sections := make([]DetailSection, 0, len(detailProbes))

	for _, p := range detailProbes {
		out, err := f.channel.Execute(ctx, fmt.Sprintf(p.command, pid))
		if err != nil {
			f.logger.Debug("detail probe failed", "pid", pid, "probe", p.title, "error", err)
			out = ""
		}
		sections = append(sections, DetailSection{
			Title:  p.title,
			Output: strings.TrimRight(out, "\n"),
		})
	}

	return sections
}

// Detail returns the probe results concatenated under labelled headers.
func (f *DetailFetcher) Detail(ctx context.Context, pid int) string {
	return FormatDetail(f.DetailSections(ctx, pid))
}

// FormatDetail renders sections as a plain-text report.
func FormatDetail(sections []DetailSection) string {
	var b strings.Builder
	for i, s := range sections {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "=== %s ===\n", s.Title)
		if s.Output != "" {
			b.WriteString(s.Output)
			b.WriteString("\n")
		}
	}
	return b.String()
}
