package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/slimrmm/slimrmm-procmon/internal/render"
	"github.com/slimrmm/slimrmm-procmon/internal/services/process"
)

var detailRaw bool

var detailCmd = &cobra.Command{
	Use:   "detail <pid>",
	Short: "Show /proc status, command line, environment and open files of a process",
	Long: `Detail reads the status, command line, first 20 environment entries and
first 30 open file descriptors of a process, below its row of the process
list. Sections the remote user cannot read are shown empty.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := strconv.Atoi(args[0])
		if err != nil || pid <= 0 {
			return fmt.Errorf("invalid pid %q", args[0])
		}

		return withSession(cmd, func(ctx context.Context, s *session) error {
			snap, err := s.services.Snapshots.List(ctx)
			if err != nil {
				return fmt.Errorf("listing processes: %w", err)
			}
			rec, err := findProcess(snap, pid, s.cfg.GetHost())
			if err != nil {
				return err
			}

			if detailRaw {
				fmt.Print(s.services.Details.Detail(ctx, pid))
				return nil
			}

			sections := s.services.Details.DetailSections(ctx, pid)
			if jsonFlag {
				return render.JSON(os.Stdout, map[string]interface{}{
					"pid":      pid,
					"process":  rec,
					"sections": sections,
				})
			}

			fmt.Println(render.ProcessTable([]process.Record{rec}, terminalWidth()))
			fmt.Print(render.Detail(pid, sections))
			return nil
		})
	},
}

// findProcess looks pid up in snap.
func findProcess(snap process.Snapshot, pid int, host string) (process.Record, error) {
	rec, ok := snap.Find(pid)
	if !ok {
		return process.Record{}, fmt.Errorf("no process %d on %s", pid, host)
	}
	return rec, nil
}

func init() {
	detailCmd.Flags().BoolVar(&detailRaw, "raw", false, "print the plain report without styling")
	rootCmd.AddCommand(detailCmd)
}
