package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/slimrmm/slimrmm-procmon/internal/render"
	"github.com/slimrmm/slimrmm-procmon/internal/services/process"
)

var (
	listLimit  int
	listSortBy string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List processes on the target host",
	Long: `List every process on the target host, ordered by CPU usage.

Hosts whose ps lacks "aux" fall back to "ps -ef"; in that case CPU and
memory columns are zero.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			snap, err := s.services.Snapshots.List(ctx)
			if err != nil {
				return fmt.Errorf("listing processes: %w", err)
			}
			return printRecords(s.cfg.GetHost(), sortRecords(snap, listSortBy), listLimit)
		})
	},
}

func init() {
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 0, "show at most n processes (0 = all)")
	listCmd.Flags().StringVar(&listSortBy, "sort", "cpu", "sort by cpu, mem, pid or user")
	rootCmd.AddCommand(listCmd)
}

// sortRecords orders a copy of records. "cpu" keeps the remote ordering.
func sortRecords(records []process.Record, by string) []process.Record {
	out := append([]process.Record(nil), records...)

	switch by {
	case "mem":
		sort.SliceStable(out, func(i, j int) bool { return out[i].MemPercent > out[j].MemPercent })
	case "pid":
		sort.SliceStable(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	case "user":
		sort.SliceStable(out, func(i, j int) bool { return out[i].User < out[j].User })
	}
	return out
}

// printRecords writes records as JSON or a table with a summary footer.
func printRecords(host string, records []process.Record, limit int) error {
	total := records
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	if jsonFlag {
		return render.JSON(os.Stdout, records)
	}

	fmt.Println(render.ProcessTable(records, terminalWidth()))
	fmt.Println(render.Summary(host, total))
	return nil
}

func terminalWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 0
	}
	return w
}
