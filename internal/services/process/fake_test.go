package process

import (
	"context"
	"log/slog"
	"os"
	"sync"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeChannel records every command and answers from canned outputs.
type fakeChannel struct {
	mu        sync.Mutex
	calls     []string
	outputs   map[string]string
	errs      map[string]error
	defOutput string
	defErr    error

	// When gate is set, Execute signals started and then blocks until gate
	// is closed.
	gate    chan struct{}
	started chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		outputs: make(map[string]string),
		errs:    make(map[string]error),
	}
}

func (f *fakeChannel) Execute(ctx context.Context, command string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, command)
	gate, started := f.gate, f.started
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.errs[command]; ok {
		return "", err
	}
	if out, ok := f.outputs[command]; ok {
		return out, nil
	}
	return f.defOutput, f.defErr
}

func (f *fakeChannel) blockUntilReleased() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	f.started = make(chan struct{}, 1)
}

func (f *fakeChannel) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.gate)
}

func (f *fakeChannel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeChannel) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

const auxOutput = `USER         PID %CPU %MEM    VSZ   RSS TTY      STAT START   TIME COMMAND
root           1  0.0  0.1 168000  9000 ?        Ss   09:00   0:01 /sbin/init
www-data     812  1.5  0.3  55000  4000 ?        S    09:01   0:10 /usr/sbin/nginx -g daemon off;
`
