package process

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// RefreshTask is the handle for one asynchronous refresh.
//
// Cancel only stops work that has not reached the channel yet. Once the
// listing command is issued it runs to completion on the remote side; a
// cancelled task then discards the result and reports the cancellation.
type RefreshTask struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	onSuccess func([]Record)
	onError   func(string)

	result Snapshot
	err    error
}

func newRefreshTask(parent context.Context, onSuccess func([]Record), onError func(string)) *RefreshTask {
	ctx, cancel := context.WithCancel(parent)
	return &RefreshTask{
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		onSuccess: onSuccess,
		onError:   onError,
	}
}

// Cancel requests cancellation of the task.
func (t *RefreshTask) Cancel() {
	t.cancel()
}

// Done is closed once the task's callback has run.
func (t *RefreshTask) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task completes or ctx is done.
func (t *RefreshTask) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SnapshotService refreshes process listings over a shared CommandChannel.
// Asynchronous refreshes are single-flight and run on one worker goroutine.
type SnapshotService struct {
	channel CommandChannel
	logger  *slog.Logger

	refreshing atomic.Bool
	queue      chan *RefreshTask
	quit       chan struct{}
	wg         sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewSnapshotService creates a snapshot service and starts its worker.
func NewSnapshotService(channel CommandChannel, logger *slog.Logger) *SnapshotService {
	s := &SnapshotService{
		channel: channel,
		logger:  logger,
		queue:   make(chan *RefreshTask, 1),
		quit:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.worker()

	return s
}

// List runs the listing command and parses its output on the caller's
// goroutine. It does not take part in the single-flight guard.
func (s *SnapshotService) List(ctx context.Context) (Snapshot, error) {
	out, err := s.channel.Execute(ctx, ListCommand)
	if err != nil {
		return nil, err
	}

	snap := Snapshot(ParseWithLogger(out, s.logger))
	s.logger.Debug("process snapshot captured", "count", len(snap))
	return snap, nil
}

// ListAsync schedules a refresh. If one is already outstanding the call is
// dropped: it returns nil and neither callback fires. Otherwise exactly one
// of onSuccess or onError fires once, from the worker goroutine.
func (s *SnapshotService) ListAsync(onSuccess func([]Record), onError func(string)) *RefreshTask {
	return s.ListAsyncContext(context.Background(), onSuccess, onError)
}

// ListAsyncContext is ListAsync with a parent context for the task.
func (s *SnapshotService) ListAsyncContext(ctx context.Context, onSuccess func([]Record), onError func(string)) *RefreshTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if !s.refreshing.CompareAndSwap(false, true) {
		s.logger.Debug("refresh already in flight, skipping")
		return nil
	}

	task := newRefreshTask(ctx, onSuccess, onError)
	// The guard admits one task at a time, so the buffered send cannot block.
	s.queue <- task
	return task
}

// Refreshing reports whether an asynchronous refresh is outstanding.
func (s *SnapshotService) Refreshing() bool {
	return s.refreshing.Load()
}

// Close stops the worker. A task still queued completes with ErrServiceClosed.
func (s *SnapshotService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.quit)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *SnapshotService) worker() {
	defer s.wg.Done()

	for {
		select {
		case task := <-s.queue:
			s.run(task)
		case <-s.quit:
			for {
				select {
				case task := <-s.queue:
					s.finish(task, nil, ErrServiceClosed)
				default:
					return
				}
			}
		}
	}
}

func (s *SnapshotService) run(task *RefreshTask) {
	if err := task.ctx.Err(); err != nil {
		s.finish(task, nil, err)
		return
	}

	snap, err := s.List(task.ctx)
	if err == nil && task.ctx.Err() != nil {
		snap, err = nil, task.ctx.Err()
	}
	s.finish(task, snap, err)
}

func (s *SnapshotService) finish(task *RefreshTask, snap Snapshot, err error) {
	task.result, task.err = snap, err

	if err != nil {
		s.logger.Warn("process refresh failed", "error", err)
		s.deliver(func() {
			if task.onError != nil {
				task.onError(err.Error())
			}
		})
	} else {
		s.deliver(func() {
			if task.onSuccess != nil {
				task.onSuccess(snap)
			}
		})
	}

	s.refreshing.Store(false)
	task.cancel()
	close(task.done)
}

// deliver runs a caller callback, keeping the worker alive if it panics.
func (s *SnapshotService) deliver(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("refresh callback panicked", "panic", r)
		}
	}()
	fn()
}
