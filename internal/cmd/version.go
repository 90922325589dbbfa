package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/slimrmm/slimrmm-procmon/internal/render"
	"github.com/slimrmm/slimrmm-procmon/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.Get()
		if jsonFlag {
			return render.JSON(os.Stdout, info)
		}
		fmt.Println(info.String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
