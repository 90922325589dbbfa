package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/slimrmm/slimrmm-procmon/internal/audit"
	"github.com/slimrmm/slimrmm-procmon/internal/config"
	"github.com/slimrmm/slimrmm-procmon/internal/handler"
	"github.com/slimrmm/slimrmm-procmon/internal/logging"
	"github.com/slimrmm/slimrmm-procmon/internal/monitor"
	"github.com/slimrmm/slimrmm-procmon/internal/report"
	"github.com/slimrmm/slimrmm-procmon/internal/services/process"
	"github.com/slimrmm/slimrmm-procmon/pkg/version"
)

const (
	reconnectDelay = 10 * time.Second
	retryDelay     = 5 * time.Second
)

var agentLogDir string

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Serve process requests from the SlimRMM server",
	Long: `Agent keeps a websocket connection to the configured server, answers its
process requests and pushes a snapshot every refresh interval. When
report_url is set, snapshots are also PUT to that collector.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logDir := agentLogDir
		if logDir == "" {
			logDir = config.DefaultPaths().LogDir
		}

		logger, cleanup, err := logging.SetupWithDefaults(logDir, debugFlag)
		if err != nil {
			return fmt.Errorf("setting up logging: %w", err)
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := runAgent(ctx, logger); err != nil {
			logger.Error("agent failed", "error", err)
			return err
		}
		return nil
	},
}

func init() {
	agentCmd.Flags().StringVar(&agentLogDir, "log-dir", "", "log directory (default per OS)")
	rootCmd.AddCommand(agentCmd)
}

func runAgent(ctx context.Context, logger *slog.Logger) error {
	logger.Info("starting SlimRMM procmon agent", "version", version.Get().Version)

	s, err := openSession(ctx, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	cfg := s.cfg
	if cfg.GetServer() == "" {
		return errors.New("server is not configured")
	}
	identifyAgent(cfg, logger)
	host := cfg.GetHost()

	trail, err := audit.New(audit.DefaultConfig(), logger)
	if err != nil {
		logger.Warn("audit file unavailable, logging only", "error", err)
		trail, _ = audit.New(audit.Config{}, logger)
	}
	defer trail.Close()

	removeAudit := s.services.Dispatcher.AddListener(trail.KillListener(host))
	defer removeAudit()

	if url := cfg.GetReportURL(); url != "" {
		// The websocket pump owns s.services.Snapshots; reports get their own
		// single-flight guard over the shared channel.
		snapshots := process.NewSnapshotService(s.channel, logger)
		defer snapshots.Close()

		rep := report.New(url, host, snapshots, cfg.GetRefreshInterval(), logger)
		defer rep.Close()
		go func() {
			if err := rep.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("reporter stopped", "error", err)
			}
		}()
		logger.Info("snapshot reporting enabled", "url", url)
	}

	h := handler.New(cfg, s.services, logger)
	defer h.Close()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		default:
		}

		err := h.Connect(ctx)
		trail.LogConnect(ctx, host, cfg.GetServer(), err)
		if err != nil {
			logger.Error("connection failed", "error", err)
			if !sleep(ctx, reconnectDelay) {
				return nil
			}
			continue
		}

		err = h.Run(ctx)
		h.Disconnect()
		trail.LogDisconnect(ctx, host, err)

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			logger.Error("handler error", "error", err)
		}
		if !sleep(ctx, retryDelay) {
			return nil
		}
	}
}

// identifyAgent replaces the "localhost" placeholder of a local agent with
// the machine's hostname and assigns a temporary agent id when none is set.
func identifyAgent(cfg *config.Config, logger *slog.Logger) {
	if cfg.IsLocal() && cfg.GetHost() == "localhost" {
		cfg.SetHost(monitor.GetHostname())
	}
	if cfg.GetAgentID() == "" {
		cfg.SetAgentID(uuid.NewString())
		logger.Warn("no agent_id configured, using a temporary one; run \"config init\" to persist it",
			"agent_id", cfg.GetAgentID())
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
