// Package handler provides WebSocket message handling for the procmon agent.
// It processes incoming messages, dispatches them to action handlers and
// pushes snapshots, kill events and heartbeats to the server.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/slimrmm/slimrmm-procmon/internal/config"
	"github.com/slimrmm/slimrmm-procmon/internal/monitor"
	"github.com/slimrmm/slimrmm-procmon/internal/ratelimit"
	"github.com/slimrmm/slimrmm-procmon/internal/services/process"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1 MB

	wsPath = "/api/v1/ws/procmon"
)

var (
	// ErrNotConnected is returned by Run before Connect succeeded.
	ErrNotConnected = errors.New("not connected")
	// ErrRateLimited is reported for requests over the action limit.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Message represents a WebSocket message from the server.
type Message struct {
	Action    string          `json:"action"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Response represents a WebSocket response.
type Response struct {
	Action    string      `json:"action"`
	RequestID string      `json:"request_id,omitempty"`
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// ActionHandler is a function that handles a specific action.
type ActionHandler func(ctx context.Context, data json.RawMessage) (interface{}, error)

// Handler manages WebSocket communication for one monitored host.
type Handler struct {
	cfg      *config.Config
	services *process.Services
	monitor  *monitor.Monitor
	limiter  *ratelimit.ActionLimiter
	logger   *slog.Logger

	conn     *websocket.Conn
	handlers map[string]ActionHandler
	sendCh   chan []byte
	mu       sync.RWMutex

	removeListener func()
}

// New creates a new Handler. Successful kills on services are pushed to the
// server as process_killed messages for the lifetime of the handler.
func New(cfg *config.Config, services *process.Services, logger *slog.Logger) *Handler {
	h := &Handler{
		cfg:      cfg,
		services: services,
		monitor:  monitor.New(),
		limiter:  ratelimit.NewActionLimiter(ratelimit.DefaultConfig()),
		logger:   logger,
		handlers: make(map[string]ActionHandler),
		sendCh:   make(chan []byte, 256),
	}

	h.registerHandlers()
	h.removeListener = services.Dispatcher.AddListener(h.sendKilled)

	return h
}

// Connect establishes a WebSocket connection to the server.
func (h *Handler) Connect(ctx context.Context) error {
	u, err := websocketURL(h.cfg.GetServer(), h.cfg.GetAgentID(), h.cfg.GetHost())
	if err != nil {
		return err
	}

	netDialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  15 * time.Second,
		NetDialContext:    netDialer.DialContext,
		EnableCompression: true,
	}

	h.logger.Info("connecting to server", "url", u)

	conn, resp, err := dialer.DialContext(ctx, u, http.Header{})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connecting to server (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("connecting to server: %w", err)
	}

	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()

	// Each connection starts with full buckets.
	h.limiter.Reset()

	h.logger.Info("connected to server")
	return nil
}

// websocketURL converts an http(s) server URL to the procmon ws(s) endpoint.
func websocketURL(server, agentID, host string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parsing server URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("parsing server URL: missing host in %q", server)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = wsPath

	q := url.Values{}
	if agentID != "" {
		q.Set("uuid", agentID)
	}
	q.Set("host", host)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Run starts the message handling loops and blocks until one of them fails
// or ctx is done.
func (h *Handler) Run(ctx context.Context) error {
	h.mu.RLock()
	conn := h.conn
	h.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Pumps stop together once any of them returns. Run waits for all of
	// them so no pump still owns conn when the caller disconnects.
	ctx, cancel := context.WithCancel(ctx)

	pumps := []func(context.Context) error{
		func(ctx context.Context) error { return h.readPump(ctx, conn) },
		func(ctx context.Context) error { return h.writePump(ctx, conn) },
		h.heartbeatPump,
		h.snapshotPump,
	}

	errCh := make(chan error, len(pumps))
	var wg sync.WaitGroup
	for _, pump := range pumps {
		pump := pump
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- pump(ctx)
		}()
	}

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-errCh:
	}

	cancel()
	// Unblock a readPump parked in ReadMessage.
	conn.SetReadDeadline(time.Now())
	wg.Wait()

	return err
}

// readPump handles incoming messages.
func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading message: %w", err)
		}

		go h.handleMessage(ctx, message)
	}
}

// writePump handles outgoing messages.
func (h *Handler) writePump(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message := <-h.sendCh:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return fmt.Errorf("writing message: %w", err)
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("writing ping: %w", err)
			}
		}
	}
}

// heartbeatPump sends periodic heartbeats.
func (h *Handler) heartbeatPump(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.GetHeartbeatInterval())
	defer ticker.Stop()

	h.sendHeartbeat(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.sendHeartbeat(ctx)
		}
	}
}

// snapshotPump schedules a refresh every refresh interval. Ticks that land
// while a refresh is still outstanding are dropped by the snapshot service.
func (h *Handler) snapshotPump(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.GetRefreshInterval())
	defer ticker.Stop()

	h.refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.refresh(ctx)
		}
	}
}

func (h *Handler) sendHeartbeat(ctx context.Context) {
	stats, err := h.monitor.GetStats(ctx)
	if err != nil {
		h.logger.Error("getting stats for heartbeat", "error", err)
		return
	}
	h.SendRaw(h.buildHeartbeat(stats))
}

// handleMessage processes an incoming message.
func (h *Handler) handleMessage(ctx context.Context, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Error("parsing message", "error", err)
		return
	}

	h.logger.Debug("received message", "action", msg.Action, "request_id", msg.RequestID)

	handler, ok := h.handlers[msg.Action]
	if !ok {
		h.logger.Warn("unknown action", "action", msg.Action)
		h.Send(Response{
			Action:    msg.Action,
			RequestID: msg.RequestID,
			Success:   false,
			Error:     fmt.Sprintf("unknown action: %s", msg.Action),
		})
		return
	}

	if !h.limiter.Allow(msg.Action) {
		h.logger.Warn("rate limit exceeded", "action", msg.Action)
		h.Send(Response{
			Action:    msg.Action,
			RequestID: msg.RequestID,
			Success:   false,
			Error:     ErrRateLimited.Error(),
		})
		return
	}

	result, err := handler(ctx, msg.Data)

	resp := Response{
		Action:    msg.Action,
		RequestID: msg.RequestID,
		Success:   err == nil,
		Data:      result,
	}
	if err != nil {
		resp.Error = err.Error()
	}

	h.Send(resp)
}

// Send sends a response to the server.
func (h *Handler) Send(resp Response) {
	h.SendRaw(resp)
}

// SendRaw sends any message to the server without wrapping. Messages are
// dropped when the send buffer is full.
func (h *Handler) SendRaw(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshaling message", "error", err)
		return
	}

	select {
	case h.sendCh <- data:
	default:
		h.logger.Warn("send channel full, dropping message")
	}
}

// Disconnect closes the WebSocket connection. The handler may Connect again.
func (h *Handler) Disconnect() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conn == nil {
		return nil
	}

	h.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := h.conn.Close()
	h.conn = nil
	return err
}

// Close detaches the kill listener and disconnects.
func (h *Handler) Close() error {
	h.mu.Lock()
	if h.removeListener != nil {
		h.removeListener()
		h.removeListener = nil
	}
	h.mu.Unlock()

	return h.Disconnect()
}
