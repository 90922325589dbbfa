package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// LocalChannel runs commands through /bin/sh on the agent host itself.
type LocalChannel struct {
	shell  string
	logger *slog.Logger

	mu sync.Mutex
}

// NewLocalChannel creates a channel that executes via /bin/sh.
func NewLocalChannel(logger *slog.Logger) *LocalChannel {
	return &LocalChannel{shell: "/bin/sh", logger: logger}
}

// Execute runs command and returns its stdout. As with SSHChannel, a
// non-zero exit status still yields the output and a nil error.
func (c *LocalChannel) Execute(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()

	cmd := exec.CommandContext(ctx, c.shell, "-c", command)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	err := cmd.Run()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		c.logger.Debug("local command exited non-zero", "command", command, "status", exitErr.ExitCode())
	case ctx.Err() != nil:
		return "", ctx.Err()
	default:
		return "", fmt.Errorf("running local command: %w", err)
	}

	c.logger.Debug("local command completed",
		"command", command,
		"bytes", stdout.Len(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return stdout.String(), nil
}
