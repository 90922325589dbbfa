package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/slimrmm/slimrmm-procmon/internal/render"
	"github.com/slimrmm/slimrmm-procmon/internal/services/process"
)

const clearScreen = "\033[H\033[2J"

var (
	watchInterval time.Duration
	watchLimit    int
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Refresh the process list periodically",
	Long: `Watch refreshes the process list every interval until interrupted. A tick
that fires while the previous refresh is still running is skipped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx, cliLogger())
		if err != nil {
			return err
		}
		defer s.Close()

		interval := watchInterval
		if interval <= 0 {
			interval = s.cfg.GetRefreshInterval()
		}

		return watch(ctx, s, interval)
	},
}

func init() {
	watchCmd.Flags().DurationVarP(&watchInterval, "interval", "i", 0, "refresh interval (default from config)")
	watchCmd.Flags().IntVarP(&watchLimit, "limit", "n", 25, "show at most n processes (0 = all)")
	rootCmd.AddCommand(watchCmd)
}

func watch(ctx context.Context, s *session, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	host := s.cfg.GetHost()
	results := make(chan []process.Record, 1)
	failures := make(chan string, 1)

	schedule := func() {
		task := s.services.Snapshots.ListAsyncContext(ctx,
			func(records []process.Record) {
				select {
				case results <- records:
				case <-ctx.Done():
				}
			},
			func(msg string) {
				select {
				case failures <- msg:
				case <-ctx.Done():
				}
			},
		)
		if task == nil {
			s.logger.Debug("previous refresh still running, tick skipped")
		}
	}

	schedule()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			schedule()
		case records := <-results:
			if jsonFlag {
				if err := render.JSON(os.Stdout, records); err != nil {
					return err
				}
				continue
			}
			fmt.Print(clearScreen)
			fmt.Printf("%s  every %s\n", time.Now().Format(time.TimeOnly), interval)
			if err := printRecords(host, records, watchLimit); err != nil {
				return err
			}
		case msg := <-failures:
			fmt.Fprintln(os.Stderr, render.Error(fmt.Errorf("refresh failed: %s", msg)))
		}
	}
}
