// Package ws bridges PTY sessions to a browser or desktop UI over WebSocket.
//
// Events from the hub are pushed as JSON text frames of the form
// {"event": "<channel>", "payload": ...}. The client sends JSON commands
// and receives a Reply for each one.
package ws

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peterje/ptyd/internal/events"
	"github.com/peterje/ptyd/internal/launch"
	ptymgr "github.com/peterje/ptyd/internal/pty"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{CheckOrigin: checkOrigin}

// checkOrigin admits non-browser clients (no Origin), pages served from the
// bridge's own host, and loopback origins such as a local dev server or a
// desktop webview. Any other site is refused so a page the user happens to
// visit cannot drive their shells.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	return isLoopback(u.Hostname())
}

// isLoopback reports whether host names this machine only.
func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Command is a request from the UI.
type Command struct {
	ID        string   `json:"id"`
	Type      string   `json:"type"` // create, write, resize, close, close_all, list
	SessionID string   `json:"session_id,omitempty"`
	WorkDir   string   `json:"work_dir,omitempty"`
	Resume    bool     `json:"resume,omitempty"`
	Target    string   `json:"target,omitempty"`
	ExtraArgs []string `json:"extra_args,omitempty"`
	Data      string   `json:"data,omitempty"`
	Cols      uint16   `json:"cols,omitempty"`
	Rows      uint16   `json:"rows,omitempty"`
}

// Reply answers one Command.
type Reply struct {
	ID       string   `json:"id"`
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Created  bool     `json:"created,omitempty"`
	Sessions []string `json:"sessions,omitempty"`
}

type Handler struct {
	manager ptymgr.SessionManager
	hub     *events.Hub
	token   string
	logger  *zap.Logger
}

// NewHandler serves the bridge. A non-empty token must accompany every
// connection, as ?token= or an "Authorization: Bearer" header.
func NewHandler(manager ptymgr.SessionManager, hub *events.Hub, token string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{manager: manager, hub: hub, token: token, logger: logger.Named("ws")}
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	got := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); got == "" && strings.HasPrefix(auth, "Bearer ") {
		got = strings.TrimPrefix(auth, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

// conn serializes writes; gorilla allows one concurrent writer.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *conn) close(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

// ServeHTTP streams broad events, or with ?session=<id> only that session's
// scoped events.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		h.logger.Warn("Rejected connection without valid token", zap.String("remote", r.RemoteAddr))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session"))
	match := events.Broad
	if sessionID != "" {
		match = events.ForSession(sessionID)
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Upgrade failed", zap.Error(err))
		return
	}
	c := &conn{ws: ws}
	defer ws.Close()

	log := h.logger.With(zap.String("remote", r.RemoteAddr))
	if sessionID != "" {
		log = log.With(zap.String("sid", sessionID))
	}
	log.Info("Client connected")

	msgs, unsub := h.hub.Subscribe(match)
	defer unsub()

	var wg sync.WaitGroup
	done := make(chan struct{})

	// Hub -> WebSocket
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					log.Warn("Event stream ended, closing connection")
					c.close(websocket.ClosePolicyViolation, "event stream ended")
					ws.Close()
					return
				}
				if err := c.writeJSON(msg); err != nil {
					log.Debug("Write to client failed", zap.Error(err))
					ws.Close()
					return
				}
			case <-done:
				return
			}
		}
	}()

	// WebSocket -> manager
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				log.Debug("Read from client failed", zap.Error(err))
				return
			}
			var cmd Command
			if err := json.Unmarshal(raw, &cmd); err != nil {
				c.writeJSON(Reply{Error: "invalid command: " + err.Error()})
				continue
			}
			if err := c.writeJSON(h.dispatch(cmd)); err != nil {
				return
			}
		}
	}()

	wg.Wait()
	log.Info("Client disconnected")
}

func (h *Handler) dispatch(cmd Command) Reply {
	reply := Reply{ID: cmd.ID}
	var err error

	switch cmd.Type {
	case "create":
		intent := launch.PlainIntent()
		if cmd.Resume {
			intent = launch.ResumeIntent(cmd.Target, cmd.ExtraArgs...)
		}
		reply.Created, err = h.manager.Create(cmd.SessionID, cmd.WorkDir, intent)
	case "write":
		err = h.manager.Write(cmd.SessionID, []byte(cmd.Data))
	case "resize":
		err = h.manager.Resize(cmd.SessionID, cmd.Cols, cmd.Rows)
	case "close":
		err = h.manager.Close(cmd.SessionID)
	case "close_all":
		err = h.manager.CloseAll()
	case "list":
		reply.Sessions = h.manager.Active()
	default:
		reply.Error = "unknown command: " + cmd.Type
		return reply
	}

	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	reply.OK = true
	return reply
}
