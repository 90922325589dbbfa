// Package cmd provides the CLI commands for slimrmm-procmon.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/slimrmm/slimrmm-procmon/internal/config"
	"github.com/slimrmm/slimrmm-procmon/internal/logging"
	"github.com/slimrmm/slimrmm-procmon/internal/remote"
	"github.com/slimrmm/slimrmm-procmon/internal/services/process"
	"github.com/slimrmm/slimrmm-procmon/pkg/version"
)

var (
	configPath string
	hostFlag   string
	debugFlag  bool
	localFlag  bool
	jsonFlag   bool
)

var rootCmd = &cobra.Command{
	Use:     "slimrmm-procmon",
	Short:   "Monitor and control processes on a remote host",
	Version: version.Version,
	Long: `slimrmm-procmon lists, searches, inspects and signals processes on a
remote host over SSH, or on the local host with --local.

Run "slimrmm-procmon agent" to keep a connection to the SlimRMM server and
serve process requests from it.`,
	SilenceUsage: true,
}

// Execute runs the root command and returns an exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func init() {
	rootCmd.SetVersionTemplate(version.Get().String() + "\n")

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "config file (.json or .toml)")
	flags.StringVar(&hostFlag, "host", "", "remote host, overrides the config file")
	flags.BoolVar(&debugFlag, "debug", false, "enable debug logging")
	flags.BoolVar(&localFlag, "local", false, "run commands on this host instead of over SSH")
	flags.BoolVar(&jsonFlag, "json", false, "print JSON instead of tables")
}

// loadConfig resolves configuration from --config (or the default path) and
// the environment, then applies the global flags before validating.
func loadConfig() (*config.Config, error) {
	paths := config.DefaultPaths()

	path := configPath
	opts := []config.LoadOption{
		config.WithEnvFiles(paths.EnvFile, ".env"),
		config.WithOverride(applyFlags),
	}
	if path == "" {
		path = paths.ConfigFile
		opts = append(opts, config.AllowMissing())
	}

	cfg, err := config.Load(path, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, nil
}

// applyFlags overrides configuration with the global flags.
func applyFlags(cfg *config.Config) {
	if hostFlag != "" {
		cfg.SetHost(hostFlag)
	}
	if localFlag {
		cfg.SetLocal(true)
	}
}

// session bundles the engine opened for one command invocation.
type session struct {
	cfg      *config.Config
	logger   *slog.Logger
	channel  process.CommandChannel
	services *process.Services
	closers  []func() error
}

// openSession loads configuration and connects the command channel.
func openSession(ctx context.Context, logger *slog.Logger) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, logger: logger}

	var channel process.CommandChannel
	if cfg.IsLocal() {
		channel = remote.NewLocalChannel(logger)
	} else {
		dc := cfg.DialConfig()
		logger.Debug("dialing remote host", "host", dc.Host, "port", dc.Port, "user", dc.User)

		client, err := remote.Dial(ctx, dc)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, client.Close)
		channel = remote.NewSSHChannel(client, logger)
	}

	s.channel = channel
	s.services = process.NewServices(channel, logger)
	return s, nil
}

// Close stops the engine and closes the channel.
func (s *session) Close() {
	s.services.Close()
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Debug("closing session", "error", err)
		}
	}
}

// cliLogger is the logger for interactive commands.
func cliLogger() *slog.Logger {
	return logging.NewCLI(os.Stderr, debugFlag)
}

// withSession opens a session for the duration of fn.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	s, err := openSession(ctx, cliLogger())
	if err != nil {
		return err
	}
	defer s.Close()

	return fn(ctx, s)
}
