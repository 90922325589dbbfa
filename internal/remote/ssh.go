// Package remote provides command channels that run shell commands on a
// monitored host and return their captured stdout.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SessionTimeout bounds how long opening an exec session may take. Reading
// the command output has no deadline.
const SessionTimeout = 10 * time.Second

var (
	// ErrSessionTimeout is returned when an exec session cannot be opened in time.
	ErrSessionTimeout = errors.New("timed out opening exec session")
	// ErrNoAuthMethod is returned when a dial target has neither key nor password.
	ErrNoAuthMethod = errors.New("no ssh authentication method configured")
)

// SSHChannel runs each command in its own exec session on an established
// SSH connection. Calls are serialized.
type SSHChannel struct {
	client  *ssh.Client
	logger  *slog.Logger
	timeout time.Duration

	mu sync.Mutex
}

// NewSSHChannel creates a channel over an existing client. The caller keeps
// ownership of the client.
func NewSSHChannel(client *ssh.Client, logger *slog.Logger) *SSHChannel {
	return &SSHChannel{
		client:  client,
		logger:  logger,
		timeout: SessionTimeout,
	}
}

// Execute runs command and returns its stdout. A non-zero exit status is not
// an error; the output is returned for the caller to interpret.
func (c *SSHChannel) Execute(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, err := c.openSession(ctx)
	if err != nil {
		return "", err
	}
	defer session.Close()

	var stdout bytes.Buffer
	session.Stdout = &stdout

	start := time.Now()
	err = session.Run(command)

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		c.logger.Debug("remote command exited non-zero",
			"command", command,
			"status", exitErr.ExitStatus(),
		)
	default:
		return "", fmt.Errorf("running remote command: %w", err)
	}

	c.logger.Debug("remote command completed",
		"command", command,
		"bytes", stdout.Len(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return stdout.String(), nil
}

type sessionResult struct {
	session *ssh.Session
	err     error
}

func (c *SSHChannel) openSession(ctx context.Context) (*ssh.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := make(chan sessionResult, 1)
	go func() {
		s, err := c.client.NewSession()
		ch <- sessionResult{s, err}
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("opening exec session: %w", r.err)
		}
		return r.session, nil
	case <-timer.C:
		go closeLate(ch)
		return nil, ErrSessionTimeout
	case <-ctx.Done():
		go closeLate(ch)
		return nil, ctx.Err()
	}
}

// closeLate releases a session that was opened after its caller gave up.
func closeLate(ch <-chan sessionResult) {
	if r := <-ch; r.session != nil {
		r.session.Close()
	}
}
