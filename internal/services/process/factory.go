package process

import "log/slog"

// Services bundles the engine components that share one command channel.
type Services struct {
	Snapshots  *SnapshotService
	Dispatcher *Dispatcher
	Query      *QueryEngine
	Details    *DetailFetcher
}

// NewServices wires every engine component to channel. The caller owns the
// result and must Close it.
func NewServices(channel CommandChannel, logger *slog.Logger) *Services {
	snapshots := NewSnapshotService(channel, logger)
	return &Services{
		Snapshots:  snapshots,
		Dispatcher: NewDispatcher(channel, logger),
		Query:      NewQueryEngine(snapshots),
		Details:    NewDetailFetcher(channel, logger),
	}
}

// Close stops the snapshot worker.
func (s *Services) Close() {
	s.Snapshots.Close()
}
