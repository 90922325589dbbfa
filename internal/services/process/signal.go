package process

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// signalNames holds the Linux numbering of the signals worth naming.
var signalNames = map[string]int{
	"HUP":  1,
	"INT":  2,
	"QUIT": 3,
	"KILL": 9,
	"USR1": 10,
	"USR2": 12,
	"TERM": 15,
	"CONT": 18,
	"STOP": 19,
}

// ParseSignal accepts a signal number ("9") or name ("KILL", "SIGKILL",
// case-insensitive).
func ParseSignal(s string) (int, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 || n > 64 {
			return 0, fmt.Errorf("signal %d out of range", n)
		}
		return n, nil
	}

	name := strings.TrimPrefix(strings.ToUpper(s), "SIG")
	if n, ok := signalNames[name]; ok {
		return n, nil
	}
	return 0, fmt.Errorf("unknown signal %q", s)
}

// SignalName returns the short name of signal, or its number as text.
func SignalName(signal int) string {
	for name, n := range signalNames {
		if n == signal {
			return name
		}
	}
	return strconv.Itoa(signal)
}

// Dispatcher sends signals to remote processes and broadcasts successful
// kills to registered listeners.
type Dispatcher struct {
	channel CommandChannel
	logger  *slog.Logger

	mu        sync.Mutex
	nextID    int
	listeners map[int]KillListener
	order     []int
}

// NewDispatcher creates a signal dispatcher.
func NewDispatcher(channel CommandChannel, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		channel:   channel,
		logger:    logger,
		listeners: make(map[int]KillListener),
	}
}

// AddListener registers l and returns a function that removes it.
func (d *Dispatcher) AddListener(l KillListener) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.listeners[id] = l
	d.order = append(d.order, id)

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		delete(d.listeners, id)
		for i, v := range d.order {
			if v == id {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
	}
}

// Kill sends SIGTERM, or SIGKILL when force is set, to pid.
func (d *Dispatcher) Kill(ctx context.Context, pid int, force bool) (bool, error) {
	signal := SignalTerm
	if force {
		signal = SignalKill
	}
	return d.Signal(ctx, pid, signal)
}

// Signal sends a numeric signal to pid. The returned bool is inferred from
// the command output, not from an exit status.
func (d *Dispatcher) Signal(ctx context.Context, pid, signal int) (bool, error) {
	if pid <= 0 {
		return false, fmt.Errorf("%w: %d", ErrInvalidPID, pid)
	}

	d.logger.Info("sending signal to remote process", "pid", pid, "signal", signal)

	out, err := d.channel.Execute(ctx, fmt.Sprintf(KillCommand, signal, pid))
	if err != nil {
		return false, err
	}

	if !signalSucceeded(out) {
		d.logger.Warn("signal reported failure", "pid", pid, "signal", signal, "output", strings.TrimSpace(out))
		return false, nil
	}

	d.notify(pid, signal)
	return true, nil
}

// signalSucceeded treats any output mentioning "error" as failure. A command
// path containing that word misreports, and a failure worded differently
// (e.g. "Operation not permitted") passes.
func signalSucceeded(out string) bool {
	return !strings.Contains(strings.ToLower(out), "error")
}

func (d *Dispatcher) notify(pid, signal int) {
	d.mu.Lock()
	listeners := make([]KillListener, 0, len(d.order))
	for _, id := range d.order {
		listeners = append(listeners, d.listeners[id])
	}
	d.mu.Unlock()

	for _, l := range listeners {
		d.call(l, pid, signal)
	}
}

func (d *Dispatcher) call(l KillListener, pid, signal int) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("kill listener panicked", "pid", pid, "signal", signal, "panic", r)
		}
	}()
	l(pid, signal)
}
