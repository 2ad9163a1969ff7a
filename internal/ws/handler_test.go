package ws

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/ptyd/internal/events"
	"github.com/peterje/ptyd/internal/launch"
	ptymgr "github.com/peterje/ptyd/internal/pty"
)

type fakeManager struct {
	mu     sync.Mutex
	calls  []string
	intent launch.Intent
	active []string
}

func (f *fakeManager) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeManager) Create(sid, dir string, intent launch.Intent) (bool, error) {
	f.record("create %s %s", sid, dir)
	f.mu.Lock()
	f.intent = intent
	f.mu.Unlock()
	return true, nil
}

func (f *fakeManager) Write(sid string, data []byte) error {
	if sid == "gone" {
		return fmt.Errorf("%w: %s", ptymgr.ErrNotFound, sid)
	}
	f.record("write %s %q", sid, data)
	return nil
}

func (f *fakeManager) Resize(sid string, cols, rows uint16) error {
	f.record("resize %s %dx%d", sid, cols, rows)
	return nil
}

func (f *fakeManager) Close(sid string) error {
	f.record("close %s", sid)
	return nil
}

func (f *fakeManager) CloseAll() error {
	f.record("close_all")
	return nil
}

func (f *fakeManager) Active() []string { return f.active }

func (f *fakeManager) snapshot() ([]string, launch.Intent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...), f.intent
}

func dial(t *testing.T, h *Handler, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	// The hub subscription exists once the first reply arrives.
	send(t, c, Command{ID: "hello", Type: "list"})
	return c
}

func send(t *testing.T, c *websocket.Conn, cmd Command) Reply {
	t.Helper()
	require.NoError(t, c.WriteJSON(cmd))
	var r Reply
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, c.ReadJSON(&r))
	return r
}

type pushed struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

func TestCommands(t *testing.T) {
	mgr := &fakeManager{active: []string{"a", "b"}}
	c := dial(t, NewHandler(mgr, events.NewHub(), "", nil), "")

	r := send(t, c, Command{ID: "1", Type: "create", SessionID: "s1", WorkDir: "/tmp", Resume: true, Target: "conv", ExtraArgs: []string{"--x"}})
	assert.Equal(t, Reply{ID: "1", OK: true, Created: true}, r)
	_, intent := mgr.snapshot()
	assert.Equal(t, launch.ResumeIntent("conv", "--x"), intent)

	r = send(t, c, Command{ID: "2", Type: "write", SessionID: "s1", Data: "ls\r"})
	assert.True(t, r.OK)

	r = send(t, c, Command{ID: "3", Type: "resize", SessionID: "s1", Cols: 120, Rows: 40})
	assert.True(t, r.OK)

	r = send(t, c, Command{ID: "4", Type: "write", SessionID: "gone", Data: "x"})
	assert.False(t, r.OK)
	assert.Equal(t, "PTY session not found: gone", r.Error)

	r = send(t, c, Command{ID: "5", Type: "list"})
	assert.Equal(t, []string{"a", "b"}, r.Sessions)

	r = send(t, c, Command{ID: "6", Type: "close", SessionID: "s1"})
	assert.True(t, r.OK)
	r = send(t, c, Command{ID: "7", Type: "close_all"})
	assert.True(t, r.OK)

	r = send(t, c, Command{ID: "8", Type: "reboot"})
	assert.False(t, r.OK)
	assert.Contains(t, r.Error, "unknown command")

	calls, _ := mgr.snapshot()
	assert.Equal(t, []string{
		"create s1 /tmp",
		`write s1 "ls\r"`,
		"resize s1 120x40",
		"close s1",
		"close_all",
	}, calls)
}

func TestBroadStreamSkipsScopedEvents(t *testing.T) {
	hub := events.NewHub()
	c := dial(t, NewHandler(&fakeManager{}, hub, "", nil), "")

	require.NoError(t, hub.Emit(events.Scoped(events.OutputChannel, "s1"), "scoped"))
	require.NoError(t, hub.Emit(events.OutputChannel, events.Output{SessionID: "s1", Data: "hi"}))
	require.NoError(t, hub.Emit(events.ExitChannel, events.Exit{SessionID: "s1", Status: "exit status 0"}))

	var p pushed
	require.NoError(t, c.ReadJSON(&p))
	assert.Equal(t, events.OutputChannel, p.Event)
	assert.Equal(t, "hi", p.Payload["data"])

	require.NoError(t, c.ReadJSON(&p))
	assert.Equal(t, events.ExitChannel, p.Event)
	assert.Equal(t, "exit status 0", p.Payload["status"])
}

func TestSessionStreamOnlyCarriesThatSession(t *testing.T) {
	hub := events.NewHub()
	c := dial(t, NewHandler(&fakeManager{}, hub, "", nil), "?session=s1")

	require.NoError(t, hub.Emit(events.OutputChannel, events.Output{SessionID: "s1", Data: "broad"}))
	require.NoError(t, hub.Emit(events.Scoped(events.OutputChannel, "s2"), "other"))
	require.NoError(t, hub.Emit(events.Scoped(events.OutputChannel, "s1"), "mine"))

	var msg struct {
		Event   string `json:"event"`
		Payload string `json:"payload"`
	}
	require.NoError(t, c.ReadJSON(&msg))
	assert.Equal(t, "pty-output:s1", msg.Event)
	assert.Equal(t, "mine", msg.Payload)
}

func TestHubCloseDisconnectsClient(t *testing.T) {
	hub := events.NewHub()
	c := dial(t, NewHandler(&fakeManager{}, hub, "", nil), "")

	hub.Close()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestForeignOriginIsRefused(t *testing.T) {
	mgr := &fakeManager{}
	srv := httptest.NewServer(NewHandler(mgr, events.NewHub(), "", nil))
	defer srv.Close()

	header := http.Header{"Origin": []string{"https://evil.example"}}
	c, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	if c != nil {
		c.Close()
	}
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	calls, _ := mgr.snapshot()
	assert.Empty(t, calls)
}

func TestLocalOriginsAreAccepted(t *testing.T) {
	srv := httptest.NewServer(NewHandler(&fakeManager{}, events.NewHub(), "", nil))
	defer srv.Close()

	for _, origin := range []string{
		srv.URL, // same host
		"http://localhost:5173",
		"http://[::1]:3000",
		"tauri://localhost",
	} {
		c, _, err := websocket.DefaultDialer.Dial(wsURL(srv), http.Header{"Origin": []string{origin}})
		require.NoError(t, err, origin)
		c.Close()
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		origin string
		host   string
		want   bool
	}{
		{"", "bridge.lan:8080", true},
		{"http://bridge.lan:8080", "bridge.lan:8080", true},
		{"http://BRIDGE.lan:8080", "bridge.lan:8080", true},
		{"http://127.0.0.1:9000", "bridge.lan:8080", true},
		{"http://bridge.lan:9999", "bridge.lan:8080", false},
		{"https://evil.example", "127.0.0.1:8080", false},
		{"http://localhost.evil.example", "127.0.0.1:8080", false},
		{"null", "127.0.0.1:8080", false},
		{"://bad", "127.0.0.1:8080", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "http://"+tt.host+"/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, checkOrigin(r), "origin %q", tt.origin)
	}
}

func TestTokenIsRequiredWhenSet(t *testing.T) {
	srv := httptest.NewServer(NewHandler(&fakeManager{}, events.NewHub(), "s3cret", nil))
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv)+"?token=wrong", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	c, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token=s3cret", nil)
	require.NoError(t, err)
	c.Close()

	c, _, err = websocket.DefaultDialer.Dial(wsURL(srv), http.Header{"Authorization": []string{"Bearer s3cret"}})
	require.NoError(t, err)
	c.Close()
}
