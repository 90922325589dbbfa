package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/slimrmm/slimrmm-procmon/internal/config"
	"github.com/slimrmm/slimrmm-procmon/internal/ratelimit"
	"github.com/slimrmm/slimrmm-procmon/internal/services/process"
)

const psOutput = `USER       PID %CPU %MEM    VSZ   RSS TTY      STAT START   TIME COMMAND
root         1  0.0  0.1 169536 13120 ?        Ss   Jan01   0:05 /sbin/init
www-data   812  1.5  0.8  55280  8120 ?        S    10:02   0:42 /usr/sbin/nginx -g daemon off;
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedChannel answers commands from a fixed table.
type scriptedChannel struct {
	mu       sync.Mutex
	outputs  map[string]string
	err      error
	commands []string
}

func (c *scriptedChannel) Execute(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, command)
	if c.err != nil {
		return "", c.err
	}
	return c.outputs[command], nil
}

func newTestHandler(t *testing.T, ch process.CommandChannel) *Handler {
	t.Helper()

	cfg := config.Default()
	cfg.Host = "db01"

	services := process.NewServices(ch, testLogger())
	t.Cleanup(services.Close)

	h := New(cfg, services, testLogger())
	t.Cleanup(func() { h.Close() })
	return h
}

// nextMessage reads the next queued outgoing message.
func nextMessage(t *testing.T, h *Handler) map[string]interface{} {
	t.Helper()

	select {
	case data := <-h.sendCh:
		var msg map[string]interface{}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("outgoing message is not JSON: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no outgoing message")
		return nil
	}
}

func dispatch(t *testing.T, h *Handler, msg string) map[string]interface{} {
	t.Helper()
	h.handleMessage(context.Background(), []byte(msg))
	return nextMessage(t, h)
}

func TestRegisteredActions(t *testing.T) {
	h := newTestHandler(t, &scriptedChannel{})

	for _, action := range []string{
		"ping", "agent_stats", "list_processes", "refresh_processes",
		"search_processes", "kill_process", "signal_process", "process_detail",
	} {
		if _, ok := h.handlers[action]; !ok {
			t.Errorf("action %q not registered", action)
		}
	}
}

func TestHandlePing(t *testing.T) {
	h := newTestHandler(t, &scriptedChannel{})

	resp := dispatch(t, h, `{"action":"ping","request_id":"req-1"}`)

	if resp["action"] != "ping" || resp["request_id"] != "req-1" || resp["success"] != true {
		t.Errorf("unexpected response %v", resp)
	}
	if resp["data"].(map[string]interface{})["pong"] != "ok" {
		t.Errorf("data = %v", resp["data"])
	}
}

func TestHandleUnknownAction(t *testing.T) {
	h := newTestHandler(t, &scriptedChannel{})

	resp := dispatch(t, h, `{"action":"reboot","request_id":"req-2"}`)

	if resp["success"] != false {
		t.Error("unknown action should fail")
	}
	if !strings.Contains(resp["error"].(string), "unknown action: reboot") {
		t.Errorf("error = %v", resp["error"])
	}
}

func TestHandleInvalidJSON(t *testing.T) {
	h := newTestHandler(t, &scriptedChannel{})

	h.handleMessage(context.Background(), []byte("{not json"))

	select {
	case data := <-h.sendCh:
		t.Errorf("invalid JSON should not produce a response, got %s", data)
	default:
	}
}

func TestHandleListProcesses(t *testing.T) {
	ch := &scriptedChannel{outputs: map[string]string{process.ListCommand: psOutput}}
	h := newTestHandler(t, ch)

	resp := dispatch(t, h, `{"action":"list_processes","request_id":"r"}`)

	data := resp["data"].(map[string]interface{})
	if data["count"] != float64(2) {
		t.Errorf("count = %v, want 2", data["count"])
	}
	first := data["processes"].([]interface{})[0].(map[string]interface{})
	if first["pid"] != float64(1) || first["command"] != "/sbin/init" {
		t.Errorf("first record = %v", first)
	}
}

func TestHandleListProcessesChannelError(t *testing.T) {
	h := newTestHandler(t, &scriptedChannel{err: errors.New("session closed")})

	resp := dispatch(t, h, `{"action":"list_processes"}`)

	if resp["success"] != false || !strings.Contains(resp["error"].(string), "session closed") {
		t.Errorf("unexpected response %v", resp)
	}
}

func TestHandleSearchProcesses(t *testing.T) {
	ch := &scriptedChannel{outputs: map[string]string{process.ListCommand: psOutput}}
	h := newTestHandler(t, ch)

	resp := dispatch(t, h, `{"action":"search_processes","data":{"keyword":"NGINX"}}`)

	data := resp["data"].(map[string]interface{})
	if data["count"] != float64(1) {
		t.Fatalf("count = %v, want 1", data["count"])
	}
	rec := data["processes"].([]interface{})[0].(map[string]interface{})
	if rec["pid"] != float64(812) {
		t.Errorf("pid = %v, want 812", rec["pid"])
	}
}

func TestHandleSearchMissingData(t *testing.T) {
	h := newTestHandler(t, &scriptedChannel{})

	resp := dispatch(t, h, `{"action":"search_processes"}`)

	if resp["success"] != false {
		t.Error("search without data should fail")
	}
}

func TestHandleKillProcess(t *testing.T) {
	ch := &scriptedChannel{outputs: map[string]string{}}
	h := newTestHandler(t, ch)

	resp := dispatch(t, h, `{"action":"kill_process","request_id":"k","data":{"pid":812,"force":true}}`)

	// The kill listener push is queued before the response.
	if resp["action"] != "process_killed" {
		t.Fatalf("first message = %v, want process_killed", resp)
	}
	if resp["pid"] != float64(812) || resp["signal"] != "KILL" || resp["host"] != "db01" {
		t.Errorf("killed push = %v", resp)
	}

	resp = nextMessage(t, h)
	data := resp["data"].(map[string]interface{})
	if data["killed"] != true || data["signal"] != "KILL" {
		t.Errorf("data = %v", data)
	}

	if got := ch.commands[len(ch.commands)-1]; got != "kill -9 812 2>&1" {
		t.Errorf("command = %q", got)
	}
}

func TestHandleKillProcessReportsFailure(t *testing.T) {
	ch := &scriptedChannel{outputs: map[string]string{
		"kill -15 99 2>&1": "bash: kill: (99) - error: no such process\n",
	}}
	h := newTestHandler(t, ch)

	resp := dispatch(t, h, `{"action":"kill_process","data":{"pid":99}}`)

	if resp["action"] != "kill_process" {
		t.Fatalf("failed kill should not push process_killed, got %v", resp)
	}
	data := resp["data"].(map[string]interface{})
	if data["killed"] != false || data["signal"] != "TERM" {
		t.Errorf("data = %v", data)
	}
}

func TestHandleKillProcessInvalidPID(t *testing.T) {
	ch := &scriptedChannel{}
	h := newTestHandler(t, ch)

	resp := dispatch(t, h, `{"action":"kill_process","data":{"pid":0}}`)

	if resp["success"] != false || !strings.Contains(resp["error"].(string), "invalid pid") {
		t.Errorf("unexpected response %v", resp)
	}
	if len(ch.commands) != 0 {
		t.Errorf("commands = %v, want none", ch.commands)
	}
}

func TestHandleSignalProcess(t *testing.T) {
	tests := []struct {
		name    string
		signal  string
		command string
		want    string
	}{
		{"name", `"HUP"`, "kill -1 42 2>&1", "HUP"},
		{"prefixed name", `"SIGUSR1"`, "kill -10 42 2>&1", "USR1"},
		{"number", `15`, "kill -15 42 2>&1", "TERM"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &scriptedChannel{}
			h := newTestHandler(t, ch)

			h.handleMessage(context.Background(), []byte(`{"action":"signal_process","data":{"pid":42,"signal":`+tt.signal+`}}`))
			nextMessage(t, h) // process_killed
			resp := nextMessage(t, h)

			data := resp["data"].(map[string]interface{})
			if data["signal"] != tt.want {
				t.Errorf("signal = %v, want %s", data["signal"], tt.want)
			}
			if ch.commands[0] != tt.command {
				t.Errorf("command = %q, want %q", ch.commands[0], tt.command)
			}
		})
	}
}

func TestHandleSignalProcessBadSignal(t *testing.T) {
	h := newTestHandler(t, &scriptedChannel{})

	resp := dispatch(t, h, `{"action":"signal_process","data":{"pid":42,"signal":"BOGUS"}}`)

	if resp["success"] != false {
		t.Errorf("unknown signal should fail: %v", resp)
	}
}

func TestSignalRateLimit(t *testing.T) {
	ch := &scriptedChannel{}
	h := newTestHandler(t, ch)
	h.limiter = ratelimit.NewActionLimiter(ratelimit.Config{
		GlobalRate:  100,
		GlobalBurst: 100,
		SignalRate:  0.001,
		SignalBurst: 1,
		QueryRate:   100,
		QueryBurst:  100,
	})

	h.handleMessage(context.Background(), []byte(`{"action":"kill_process","data":{"pid":42}}`))
	nextMessage(t, h) // process_killed
	nextMessage(t, h)

	resp := dispatch(t, h, `{"action":"kill_process","request_id":"r2","data":{"pid":43}}`)
	if resp["success"] != false || resp["error"] != ErrRateLimited.Error() {
		t.Errorf("second kill response = %v, want rate limited", resp)
	}
	if resp["request_id"] != "r2" {
		t.Errorf("request_id = %v, want r2", resp["request_id"])
	}
	if len(ch.commands) != 1 {
		t.Errorf("commands = %v, want only the first kill", ch.commands)
	}

	resp = dispatch(t, h, `{"action":"ping"}`)
	if resp["success"] != true {
		t.Errorf("ping should not be limited by the signal bucket: %v", resp)
	}
}

func TestHandleProcessDetail(t *testing.T) {
	ch := &scriptedChannel{outputs: map[string]string{
		"cat /proc/812/status 2>/dev/null":                           "Name:\tnginx\nState:\tS (sleeping)\n",
		"cat /proc/812/cmdline 2>/dev/null | tr '\\0' ' '":             "/usr/sbin/nginx -g daemon off; ",
		"cat /proc/812/environ 2>/dev/null | tr '\\0' '\\n' | head -20": "PATH=/usr/bin\n",
	}}
	h := newTestHandler(t, ch)

	resp := dispatch(t, h, `{"action":"process_detail","data":{"pid":812}}`)

	data := resp["data"].(map[string]interface{})
	report := data["report"].(string)
	for _, want := range []string{"=== Status ===", "Name:\tnginx", "=== Command Line ===", "=== Open Files (first 30) ==="} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}
	if n := len(data["sections"].([]interface{})); n != 4 {
		t.Errorf("sections = %d, want 4", n)
	}
}

func TestHandleRefreshProcesses(t *testing.T) {
	ch := &scriptedChannel{outputs: map[string]string{process.ListCommand: psOutput}}
	h := newTestHandler(t, ch)

	h.handleMessage(context.Background(), []byte(`{"action":"refresh_processes","request_id":"r"}`))

	var resp, snapshot map[string]interface{}
	for i := 0; i < 2; i++ {
		msg := nextMessage(t, h)
		switch msg["action"] {
		case "refresh_processes":
			resp = msg
		case "process_snapshot":
			snapshot = msg
		}
	}

	if resp == nil || resp["data"].(map[string]interface{})["started"] != true {
		t.Errorf("refresh response = %v", resp)
	}
	if snapshot == nil {
		t.Fatal("no process_snapshot pushed")
	}
	if snapshot["count"] != float64(2) || snapshot["host"] != "db01" {
		t.Errorf("snapshot = %v", snapshot)
	}
	if id, _ := snapshot["snapshot_id"].(string); len(id) != 36 {
		t.Errorf("snapshot_id = %q, want a uuid", id)
	}
}

func TestRefreshPushesError(t *testing.T) {
	h := newTestHandler(t, &scriptedChannel{err: errors.New("channel down")})

	if !h.refresh(context.Background()) {
		t.Fatal("refresh should start")
	}

	msg := nextMessage(t, h)
	if msg["action"] != "process_snapshot" || msg["error"] != "channel down" {
		t.Errorf("unexpected push %v", msg)
	}
}

func TestCloseRemovesKillListener(t *testing.T) {
	h := newTestHandler(t, &scriptedChannel{})

	if err := h.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := h.services.Dispatcher.Kill(context.Background(), 5, false); err != nil {
		t.Fatal(err)
	}

	select {
	case data := <-h.sendCh:
		t.Errorf("closed handler should not push kills, got %s", data)
	default:
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		server  string
		want    string
		wantErr bool
	}{
		{"https://rmm.example.com", "wss://rmm.example.com/api/v1/ws/procmon?host=db01&uuid=a1", false},
		{"http://127.0.0.1:8080/base", "ws://127.0.0.1:8080/api/v1/ws/procmon?host=db01&uuid=a1", false},
		{"not a url", "", true},
	}

	for _, tt := range tests {
		got, err := websocketURL(tt.server, "a1", "db01")
		if tt.wantErr {
			if err == nil {
				t.Errorf("websocketURL(%q) should fail", tt.server)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("websocketURL(%q) = %q, %v; want %q", tt.server, got, err, tt.want)
		}
	}
}

func TestRunNotConnected(t *testing.T) {
	h := newTestHandler(t, &scriptedChannel{})

	if err := h.Run(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestConnectAndRun(t *testing.T) {
	upgrader := websocket.Upgrader{}
	got := make(chan map[string]interface{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/ws/procmon" || r.URL.Query().Get("host") != "db01" {
			http.Error(w, "bad path", http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"ping","request_id":"srv-1"}`)); err != nil {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]interface{}
			if json.Unmarshal(data, &msg) == nil && msg["request_id"] == "srv-1" {
				got <- msg
				return
			}
		}
	}))
	defer srv.Close()

	ch := &scriptedChannel{outputs: map[string]string{process.ListCommand: psOutput}}
	h := newTestHandler(t, ch)
	h.cfg.Server = srv.URL

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- h.Run(ctx) }()

	select {
	case msg := <-got:
		if msg["action"] != "ping" || msg["success"] != true {
			t.Errorf("response = %v", msg)
		}
	case <-ctx.Done():
		t.Fatal("no ping response received")
	}

	cancel()
	<-runErr
}

func TestRunStopsPumpsWhenServerDrops(t *testing.T) {
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Wait for the first push, then drop the connection without a close frame.
		conn.ReadMessage()
		conn.UnderlyingConn().Close()
	}))
	defer srv.Close()

	ch := &scriptedChannel{outputs: map[string]string{process.ListCommand: psOutput}}
	h := newTestHandler(t, ch)
	h.cfg.Server = srv.URL

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := h.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- h.Run(ctx) }()

	select {
	case err := <-runErr:
		if err == nil {
			t.Error("Run() = nil after the server dropped, want error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the server dropped")
	}

	// No writePump may outlive Run and steal messages meant for the next
	// connection.
	h.SendRaw(map[string]string{"action": "marker"})
	time.Sleep(100 * time.Millisecond)

	found := false
	for len(h.sendCh) > 0 {
		var msg map[string]interface{}
		if err := json.Unmarshal(<-h.sendCh, &msg); err == nil && msg["action"] == "marker" {
			found = true
		}
	}
	if !found {
		t.Error("queued message was consumed after Run returned")
	}

	h.Disconnect()
}

func TestRunReturnsPromptlyOnCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	h := newTestHandler(t, &scriptedChannel{outputs: map[string]string{process.ListCommand: psOutput}})
	h.cfg.Server = srv.URL

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- h.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	// readPump is parked in ReadMessage with a 60s deadline; Run must not
	// wait for it.
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if err := h.Disconnect(); err != nil {
		t.Errorf("Disconnect() = %v", err)
	}
}

func TestConnectResetsRateLimits(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer srv.Close()

	h := newTestHandler(t, &scriptedChannel{})
	h.cfg.Server = srv.URL
	h.limiter = ratelimit.NewActionLimiter(ratelimit.Config{
		GlobalRate:  100,
		GlobalBurst: 100,
		SignalRate:  0.001,
		SignalBurst: 1,
		QueryRate:   100,
		QueryBurst:  100,
	})

	if !h.limiter.Allow("kill_process") || h.limiter.Allow("kill_process") {
		t.Fatal("signal bucket should hold exactly one token")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer h.Disconnect()

	if !h.limiter.Allow("kill_process") {
		t.Error("signal bucket not refilled by Connect")
	}
}
