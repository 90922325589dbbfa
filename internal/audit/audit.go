// Package audit records an append-only trail of signals sent to remote
// processes and of agent connections.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/slimrmm/slimrmm-procmon/internal/services/process"
)

// EventType represents the type of audit event.
type EventType string

const (
	EventConnectSuccess EventType = "connect_success"
	EventConnectFailure EventType = "connect_failure"
	EventDisconnect     EventType = "disconnect"

	EventSignalSent   EventType = "signal_sent"
	EventSignalFailed EventType = "signal_failed"
)

// Severity represents the severity level of an audit event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event represents one audit record.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Severity  Severity               `json:"severity"`
	Host      string                 `json:"host"`
	TargetPID int                    `json:"target_pid,omitempty"`
	Signal    string                 `json:"signal,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	SessionID string                 `json:"session_id"`
	AgentPID  int                    `json:"agent_pid"`
}

// Logger writes audit events to slog and a JSON-lines file.
type Logger struct {
	logger      *slog.Logger
	file        *os.File
	mu          sync.Mutex
	sessionID   string
	logPath     string
	maxFileSize int64
	maxBackups  int
}

// Config holds audit logger configuration.
type Config struct {
	LogPath     string
	MaxFileSize int64 // bytes before rotation, 0 disables rotation
	MaxBackups  int   // rotated files kept, <= 0 means defaultMaxBackups
}

const defaultMaxBackups = 5

// DefaultConfig returns the default audit configuration.
func DefaultConfig() Config {
	var logPath string
	switch runtime.GOOS {
	case "windows":
		logPath = filepath.Join(os.Getenv("ProgramFiles"), "SlimRMM", "log", "procmon-audit.log")
	case "darwin":
		logPath = "/Library/Logs/SlimRMM/procmon-audit.log"
	default:
		logPath = "/var/log/slimrmm/procmon-audit.log"
	}

	return Config{
		LogPath:     logPath,
		MaxFileSize: 10 * 1024 * 1024,
		MaxBackups:  defaultMaxBackups,
	}
}

// New creates an audit logger. An empty LogPath logs to slog only.
func New(cfg Config, baseLogger *slog.Logger) (*Logger, error) {
	l := &Logger{
		logger:      baseLogger,
		logPath:     cfg.LogPath,
		maxFileSize: cfg.MaxFileSize,
		maxBackups:  cfg.MaxBackups,
		sessionID:   fmt.Sprintf("%d-%d", time.Now().UnixNano(), os.Getpid()),
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.maxBackups <= 0 {
		l.maxBackups = defaultMaxBackups
	}

	if cfg.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0755); err != nil {
			return nil, fmt.Errorf("creating audit log directory: %w", err)
		}

		file, err := os.OpenFile(cfg.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
		l.file = file
	}

	return l, nil
}

// Log records an event.
func (l *Logger) Log(ctx context.Context, event Event) {
	event.Timestamp = time.Now().UTC()
	event.SessionID = l.sessionID
	event.AgentPID = os.Getpid()

	l.logger.LogAttrs(ctx, severityToLevel(event.Severity),
		"audit "+string(event.EventType),
		slog.String("host", event.Host),
		slog.Int("target_pid", event.TargetPID),
		slog.String("signal", event.Signal),
		slog.Bool("success", event.Success),
	)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		l.logger.Error("encoding audit event", "event_type", event.EventType, "error", err)
		return
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		l.logger.Error("writing audit log", "path", l.logPath, "error", err)
		return
	}
	l.maybeRotate()
}

// maybeRotate renames the file once it exceeds maxFileSize and prunes old
// backups. Callers hold mu.
func (l *Logger) maybeRotate() {
	if l.maxFileSize == 0 {
		return
	}

	info, err := l.file.Stat()
	if err != nil {
		l.logger.Error("checking audit log size", "path", l.logPath, "error", err)
		return
	}
	if info.Size() < l.maxFileSize {
		return
	}

	if err := l.file.Close(); err != nil {
		l.logger.Error("closing audit log for rotation", "path", l.logPath, "error", err)
	}
	backup := fmt.Sprintf("%s.%d", l.logPath, time.Now().UnixNano())
	if err := os.Rename(l.logPath, backup); err != nil {
		l.logger.Error("rotating audit log", "path", l.logPath, "error", err)
	}

	file, err := os.OpenFile(l.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		l.logger.Error("reopening audit log", "path", l.logPath, "error", err)
		l.file = nil
		return
	}
	l.file = file

	l.pruneBackups()
}

// pruneBackups removes the oldest rotated files beyond maxBackups.
func (l *Logger) pruneBackups() {
	backups, err := filepath.Glob(l.logPath + ".*")
	if err != nil {
		l.logger.Error("listing audit backups", "path", l.logPath, "error", err)
		return
	}
	if len(backups) <= l.maxBackups {
		return
	}

	// Suffixes are UnixNano timestamps of equal width, so names sort by age.
	sort.Strings(backups)
	for _, old := range backups[:len(backups)-l.maxBackups] {
		if err := os.Remove(old); err != nil {
			l.logger.Error("removing audit backup", "path", old, "error", err)
		}
	}
}

func severityToLevel(s Severity) slog.Level {
	switch s {
	case SeverityError:
		return slog.LevelError
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Close closes the audit file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// LogConnect records an agent connection attempt.
func (l *Logger) LogConnect(ctx context.Context, host, serverURL string, err error) {
	event := Event{
		EventType: EventConnectSuccess,
		Severity:  SeverityInfo,
		Host:      host,
		Success:   err == nil,
		Details:   map[string]interface{}{"server": serverURL},
	}
	if err != nil {
		event.EventType = EventConnectFailure
		event.Severity = SeverityWarning
		event.Error = err.Error()
	}
	l.Log(ctx, event)
}

// LogDisconnect records the end of an agent connection.
func (l *Logger) LogDisconnect(ctx context.Context, host string, reason error) {
	event := Event{EventType: EventDisconnect, Severity: SeverityInfo, Host: host, Success: reason == nil}
	if reason != nil {
		event.Error = reason.Error()
	}
	l.Log(ctx, event)
}

// LogSignal records a signal request and its inferred outcome.
func (l *Logger) LogSignal(ctx context.Context, host string, pid, signal int, delivered bool, err error) {
	event := Event{
		EventType: EventSignalSent,
		Severity:  SeverityInfo,
		Host:      host,
		TargetPID: pid,
		Signal:    process.SignalName(signal),
		Success:   delivered && err == nil,
	}
	if !event.Success {
		event.EventType = EventSignalFailed
		event.Severity = SeverityWarning
	}
	if err != nil {
		event.Error = err.Error()
		event.Severity = SeverityError
	}
	l.Log(ctx, event)
}

// KillListener returns a listener that records every delivered signal.
func (l *Logger) KillListener(host string) process.KillListener {
	return func(pid, signal int) {
		l.LogSignal(context.Background(), host, pid, signal, true, nil)
	}
}
