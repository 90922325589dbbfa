// Package logging provides logging setup for procmon.
// The agent logs JSON to a file and optionally the console; the CLI logs
// text to stderr so stdout stays clean for tables.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	logFileName = "procmon.log"
	logFileMode = 0644
	logDirMode  = 0755

	serviceEnv = "SLIMRMM_SERVICE"
)

// Config holds logging configuration.
type Config struct {
	LogDir string
	Debug  bool
	// Console receives a copy of every record when non-nil.
	Console io.Writer
}

// Setup initializes JSON logging to LogDir/procmon.log and Console.
// Returns the configured logger and a cleanup function to close the log file.
// If the log file cannot be opened, logging falls back to Console (or stdout).
func Setup(cfg Config) (*slog.Logger, func(), error) {
	opts := &slog.HandlerOptions{Level: level(cfg.Debug)}

	fallback := cfg.Console
	if fallback == nil {
		fallback = os.Stdout
	}

	if err := os.MkdirAll(cfg.LogDir, logDirMode); err != nil {
		return slog.New(slog.NewJSONHandler(fallback, opts)), func() {}, nil
	}

	logPath := filepath.Join(cfg.LogDir, logFileName)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, logFileMode)
	if err != nil {
		return slog.New(slog.NewJSONHandler(fallback, opts)), func() {}, nil
	}

	// Ignored on Windows.
	os.Chmod(logPath, logFileMode)

	var writer io.Writer = logFile
	if cfg.Console != nil {
		writer = io.MultiWriter(logFile, cfg.Console)
	}

	logger := slog.New(slog.NewJSONHandler(writer, opts))
	return logger, func() { logFile.Close() }, nil
}

// SetupWithDefaults creates the agent logger. When running as a service
// (SLIMRMM_SERVICE=1) the console copy is dropped, since the service manager
// already redirects stdout into the same log file.
func SetupWithDefaults(logDir string, debug bool) (*slog.Logger, func(), error) {
	var console io.Writer = os.Stdout
	if os.Getenv(serviceEnv) == "1" {
		console = nil
	}

	return Setup(Config{
		LogDir:  logDir,
		Debug:   debug,
		Console: console,
	})
}

// NewCLI returns a text logger on w for interactive commands. Only warnings
// and errors are shown unless debug is set.
func NewCLI(w io.Writer, debug bool) *slog.Logger {
	lvl := slog.LevelWarn
	if debug {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func level(debug bool) slog.Level {
	if debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
