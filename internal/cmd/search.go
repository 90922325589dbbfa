package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search <keyword>",
	Short: "Find processes by command, user or pid",
	Long: `Search takes a fresh listing and keeps the processes whose command or
user contains the keyword (case-insensitive), or whose pid contains it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			matches, err := s.services.Query.Search(ctx, args[0])
			if err != nil {
				return fmt.Errorf("searching processes: %w", err)
			}
			return printRecords(s.cfg.GetHost(), matches, 0)
		})
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)
}
