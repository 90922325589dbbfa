package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/slimrmm/slimrmm-procmon/internal/audit"
	"github.com/slimrmm/slimrmm-procmon/internal/render"
	"github.com/slimrmm/slimrmm-procmon/internal/services/process"
)

var (
	killForce  bool
	killSignal string
)

var killCmd = &cobra.Command{
	Use:   "kill <pid>",
	Short: "Send SIGTERM (or SIGKILL with --force) to a process",
	Long: `Kill sends SIGTERM to the process, or SIGKILL with --force. Use --signal to
send any other signal by name or number.

Success is inferred from the output of the remote kill command. A failure
message that does not contain the word "error" is reported as success.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid pid %q", args[0])
		}

		signal := process.SignalTerm
		if killForce {
			signal = process.SignalKill
		}
		if killSignal != "" {
			if signal, err = process.ParseSignal(killSignal); err != nil {
				return err
			}
		}

		return withSession(cmd, func(ctx context.Context, s *session) error {
			trail, err := audit.New(audit.DefaultConfig(), s.logger)
			if err != nil {
				s.logger.Debug("audit file unavailable, logging only", "error", err)
				trail, _ = audit.New(audit.Config{}, s.logger)
			}
			defer trail.Close()

			remove := s.services.Dispatcher.AddListener(trail.KillListener(s.cfg.GetHost()))
			defer remove()

			delivered, err := s.services.Dispatcher.Signal(ctx, pid, signal)
			if !delivered {
				trail.LogSignal(ctx, s.cfg.GetHost(), pid, signal, false, err)
			}
			if err != nil {
				return err
			}

			if jsonFlag {
				err = render.JSON(os.Stdout, map[string]interface{}{
					"pid":    pid,
					"signal": process.SignalName(signal),
					"killed": delivered,
				})
				if err != nil {
					return err
				}
			} else {
				fmt.Println(render.SignalResult(pid, signal, delivered))
			}

			if !delivered {
				return fmt.Errorf("signal not delivered to %d", pid)
			}
			return nil
		})
	},
}

func init() {
	killCmd.Flags().BoolVarP(&killForce, "force", "f", false, "send SIGKILL instead of SIGTERM")
	killCmd.Flags().StringVarP(&killSignal, "signal", "s", "", "signal name or number to send")
	killCmd.MarkFlagsMutuallyExclusive("force", "signal")
	rootCmd.AddCommand(killCmd)
}
