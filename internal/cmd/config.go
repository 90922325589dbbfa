package cmd

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/slimrmm/slimrmm-procmon/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the procmon configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the resolved configuration and assign an agent id",
	Long: `Init resolves the configuration from the existing file (if any), the
environment and the global flags, assigns an agent id when none is set and
writes the result to --config or the default path. The file extension
selects JSON or TOML.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.DefaultPaths().ConfigFile
		}

		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists, use --force to overwrite", path)
		}

		cfg, err := initConfig(path)
		if err != nil {
			return err
		}
		if err := cfg.Save(); err != nil {
			return err
		}

		fmt.Printf("wrote %s (agent id %s)\n", path, cfg.GetAgentID())
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

// initConfig resolves the configuration to write to path.
func initConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path,
		config.WithEnvFiles(config.DefaultPaths().EnvFile, ".env"),
		config.WithOverride(applyFlags),
		config.AllowMissing(),
	)
	if err != nil {
		return nil, fmt.Errorf("resolving config: %w", err)
	}

	if cfg.GetAgentID() == "" {
		cfg.SetAgentID(uuid.NewString())
	}
	return cfg, nil
}
