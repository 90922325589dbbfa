package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/slimrmm/slimrmm-procmon/internal/services/process"
)

// registerHandlers registers all action handlers.
func (h *Handler) registerHandlers() {
	h.handlers["ping"] = h.handlePing
	h.handlers["agent_stats"] = h.handleAgentStats

	h.handlers["list_processes"] = h.handleListProcesses
	h.handlers["refresh_processes"] = h.handleRefreshProcesses
	h.handlers["search_processes"] = h.handleSearchProcesses
	h.handlers["kill_process"] = h.handleKillProcess
	h.handlers["signal_process"] = h.handleSignalProcess
	h.handlers["process_detail"] = h.handleProcessDetail
}

// SnapshotMessage is pushed after every asynchronous refresh.
type SnapshotMessage struct {
	Action     string           `json:"action"`
	SnapshotID string           `json:"snapshot_id"`
	Host       string           `json:"host"`
	CapturedAt string           `json:"captured_at"`
	Count      int              `json:"count"`
	Processes  []process.Record `json:"processes,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// KilledMessage is pushed when a signal was delivered successfully.
type KilledMessage struct {
	Action    string `json:"action"`
	Host      string `json:"host"`
	PID       int    `json:"pid"`
	Signal    string `json:"signal"`
	Timestamp string `json:"timestamp"`
}

// ProcessList is the payload of list and search responses.
type ProcessList struct {
	Processes []process.Record `json:"processes"`
	Count     int              `json:"count"`
}

// SignalResult is the payload of kill and signal responses.
type SignalResult struct {
	PID    int    `json:"pid"`
	Signal string `json:"signal"`
	Killed bool   `json:"killed"`
}

// DetailResult is the payload of process_detail responses.
type DetailResult struct {
	PID      int                     `json:"pid"`
	Report   string                  `json:"report"`
	Sections []process.DetailSection `json:"sections"`
}

func (h *Handler) handlePing(ctx context.Context, data json.RawMessage) (interface{}, error) {
	return map[string]string{"pong": "ok"}, nil
}

func (h *Handler) handleAgentStats(ctx context.Context, data json.RawMessage) (interface{}, error) {
	return h.monitor.GetStats(ctx)
}

func (h *Handler) handleListProcesses(ctx context.Context, data json.RawMessage) (interface{}, error) {
	snap, err := h.services.Snapshots.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	return ProcessList{Processes: snap, Count: len(snap)}, nil
}

func (h *Handler) handleRefreshProcesses(ctx context.Context, data json.RawMessage) (interface{}, error) {
	return map[string]bool{"started": h.refresh(ctx)}, nil
}

func (h *Handler) handleSearchProcesses(ctx context.Context, data json.RawMessage) (interface{}, error) {
	var req struct {
		Keyword string `json:"keyword"`
	}
	if err := unmarshalData(data, &req); err != nil {
		return nil, err
	}

	matches, err := h.services.Query.Search(ctx, req.Keyword)
	if err != nil {
		return nil, fmt.Errorf("searching processes: %w", err)
	}
	return ProcessList{Processes: matches, Count: len(matches)}, nil
}

func (h *Handler) handleKillProcess(ctx context.Context, data json.RawMessage) (interface{}, error) {
	var req struct {
		PID   int  `json:"pid"`
		Force bool `json:"force"`
	}
	if err := unmarshalData(data, &req); err != nil {
		return nil, err
	}

	signal := process.SignalTerm
	if req.Force {
		signal = process.SignalKill
	}

	killed, err := h.services.Dispatcher.Kill(ctx, req.PID, req.Force)
	if err != nil {
		return nil, err
	}
	return SignalResult{PID: req.PID, Signal: process.SignalName(signal), Killed: killed}, nil
}

func (h *Handler) handleSignalProcess(ctx context.Context, data json.RawMessage) (interface{}, error) {
	var req struct {
		PID    int             `json:"pid"`
		Signal json.RawMessage `json:"signal"`
	}
	if err := unmarshalData(data, &req); err != nil {
		return nil, err
	}

	signal, err := signalFromJSON(req.Signal)
	if err != nil {
		return nil, err
	}

	killed, err := h.services.Dispatcher.Signal(ctx, req.PID, signal)
	if err != nil {
		return nil, err
	}
	return SignalResult{PID: req.PID, Signal: process.SignalName(signal), Killed: killed}, nil
}

func (h *Handler) handleProcessDetail(ctx context.Context, data json.RawMessage) (interface{}, error) {
	var req struct {
		PID int `json:"pid"`
	}
	if err := unmarshalData(data, &req); err != nil {
		return nil, err
	}
	if req.PID <= 0 {
		return nil, fmt.Errorf("%w: %d", process.ErrInvalidPID, req.PID)
	}

	sections := h.services.Details.DetailSections(ctx, req.PID)
	return DetailResult{
		PID:      req.PID,
		Report:   process.FormatDetail(sections),
		Sections: sections,
	}, nil
}

// refresh schedules an asynchronous snapshot whose result is pushed as a
// process_snapshot message. It reports false when a refresh was already
// outstanding.
func (h *Handler) refresh(ctx context.Context) bool {
	id := uuid.NewString()
	host := h.cfg.GetHost()

	task := h.services.Snapshots.ListAsyncContext(ctx,
		func(records []process.Record) {
			h.SendRaw(SnapshotMessage{
				Action:     "process_snapshot",
				SnapshotID: id,
				Host:       host,
				CapturedAt: time.Now().UTC().Format(time.RFC3339),
				Count:      len(records),
				Processes:  records,
			})
		},
		func(msg string) {
			h.SendRaw(SnapshotMessage{
				Action:     "process_snapshot",
				SnapshotID: id,
				Host:       host,
				CapturedAt: time.Now().UTC().Format(time.RFC3339),
				Error:      msg,
			})
		},
	)
	return task != nil
}

// sendKilled is registered as the dispatcher's kill listener.
func (h *Handler) sendKilled(pid, signal int) {
	h.SendRaw(KilledMessage{
		Action:    "process_killed",
		Host:      h.cfg.GetHost(),
		PID:       pid,
		Signal:    process.SignalName(signal),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func unmarshalData(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return errors.New("missing data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid data: %w", err)
	}
	return nil
}

// signalFromJSON accepts either a JSON number or a signal name string.
func signalFromJSON(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, errors.New("signal is required")
	}

	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return process.ParseSignal(name)
	}

	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("invalid signal %s", strings.TrimSpace(string(raw)))
	}
	return process.ParseSignal(strconv.Itoa(n))
}
