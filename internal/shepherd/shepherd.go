// Package shepherd runs the long-lived daemon that owns PTY sessions and the
// client used to drive it over a unix socket.
package shepherd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/peterje/ptyd/internal/events"
	"github.com/peterje/ptyd/internal/launch"
	ptymgr "github.com/peterje/ptyd/internal/pty"
)

// ErrAlreadyRunning is returned by Run when another daemon holds the lock.
var ErrAlreadyRunning = errors.New("daemon already running")

const shutdownTimeout = 10 * time.Second

// connWriter wraps a net.Conn with a mutex for safe concurrent writes.
type connWriter struct {
	conn net.Conn
	mu   sync.Mutex
}

func (cw *connWriter) writeControl(msg any) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return writeControl(cw.conn, msg)
}

func (cw *connWriter) writeDataFrame(frameType byte, sessionID string, data []byte) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return writeDataFrame(cw.conn, frameType, sessionID, data)
}

// client is the daemon side of one connection. Every connection gets exit
// notifications; output only flows for sessions it subscribed to.
type client struct {
	cw *connWriter

	mu   sync.Mutex
	subs map[string]bool
}

func (c *client) wants(channel string) bool {
	if channel == events.ExitChannel {
		return true
	}
	name, sid, ok := events.SplitScoped(channel)
	if !ok || name != events.OutputChannel {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[sid]
}

func (c *client) subscribe(sid string) {
	c.mu.Lock()
	c.subs[sid] = true
	c.mu.Unlock()
}

// Server exposes a Manager over the framed socket protocol. Events reach
// connections through hub, which must be the Manager's emitter.
type Server struct {
	mgr    *ptymgr.Manager
	hub    *events.Hub
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	wg      sync.WaitGroup
}

func NewServer(mgr *ptymgr.Manager, hub *events.Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		mgr:     mgr,
		hub:     hub,
		logger:  logger.Named("shepherd"),
		clients: make(map[*client]struct{}),
	}
}

// Serve accepts connections until ln is closed.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close drops every connection and waits for their handlers.
func (s *Server) Close() {
	s.mu.Lock()
	for c := range s.clients {
		c.cw.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) handleConn(conn net.Conn) {
	c := &client{cw: &connWriter{conn: conn}, subs: make(map[string]bool)}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	msgs, unsub := s.hub.Subscribe(c.wants)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		s.forward(c, msgs)
	}()

	defer func() {
		unsub()
		conn.Close()
		<-forwarded
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
	}()

	reader := bufio.NewReader(conn)
	for {
		frameType, payload, err := readFrame(reader)
		if err != nil {
			return
		}
		if frameType == frameControl {
			s.handleControl(c, payload)
		}
	}
}

// forward writes hub events to the connection in order. If the hub drops
// the subscriber for being slow, the connection is closed so the client
// notices instead of rendering a terminal with holes.
func (s *Server) forward(c *client, msgs <-chan events.Message) {
	for msg := range msgs {
		var err error
		switch p := msg.Payload.(type) {
		case events.Exit:
			err = c.cw.writeControl(Response{
				Event:     evtExited,
				SessionID: p.SessionID,
				Status:    p.Status,
				ExitCode:  p.Code,
			})
		case string:
			_, sid, _ := events.SplitScoped(msg.Channel)
			err = c.cw.writeDataFrame(frameData, sid, []byte(p))
		}
		if err != nil {
			break
		}
	}
	c.cw.conn.Close()
}

func (s *Server) handleControl(c *client, payload []byte) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		s.logger.Warn("Bad control message", zap.Error(err))
		c.cw.writeControl(Response{Event: evtError, Code: codeBadRequest, Error: err.Error()})
		return
	}

	resp := s.dispatch(c, req)
	resp.ID = req.ID
	if err := c.cw.writeControl(resp); err != nil {
		s.logger.Debug("Failed writing response", zap.String("command", req.Command), zap.Error(err))
	}
}

func (s *Server) dispatch(c *client, req Request) Response {
	ok := Response{Event: evtOK, SessionID: req.SessionID}

	switch req.Command {
	case cmdPing:
		return Response{Event: evtPong}

	case cmdCreate:
		intent := launch.PlainIntent()
		if req.Resume {
			intent = launch.ResumeIntent(req.Target, req.ExtraArgs...)
		}
		if _, err := s.mgr.Create(req.SessionID, req.WorkDir, intent); err != nil {
			return errorResponse(req.ID, err)
		}
		return ok

	case cmdWrite:
		if err := s.mgr.Write(req.SessionID, req.Data); err != nil {
			return errorResponse(req.ID, err)
		}
		return ok

	case cmdResize:
		if err := s.mgr.Resize(req.SessionID, req.Cols, req.Rows); err != nil {
			return errorResponse(req.ID, err)
		}
		return ok

	case cmdClose:
		if err := s.mgr.Close(req.SessionID); err != nil {
			return errorResponse(req.ID, err)
		}
		return ok

	case cmdCloseAll:
		if err := s.mgr.CloseAll(); err != nil {
			return errorResponse(req.ID, err)
		}
		return ok

	case cmdList:
		return Response{Event: evtList, Sessions: s.mgr.Active()}

	case cmdSubscribe:
		if !s.active(req.SessionID) {
			return errorResponse(req.ID, fmt.Errorf("%w: %s", ptymgr.ErrNotFound, req.SessionID))
		}
		c.subscribe(req.SessionID)
		return Response{Event: evtSubscribed, SessionID: req.SessionID}
	}

	return Response{Event: evtError, Code: codeBadRequest, Error: fmt.Sprintf("unknown command %q", req.Command)}
}

func (s *Server) active(sid string) bool {
	for _, id := range s.mgr.Active() {
		if id == sid {
			return true
		}
	}
	return false
}

// Run serves srv on socketPath until ctx is done, then closes every session.
// lockPath is held with an exclusive flock for the daemon's lifetime.
func Run(ctx context.Context, socketPath, lockPath string, srv *Server) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", lockPath, err)
	}
	if !locked {
		return fmt.Errorf("%w: %s is locked", ErrAlreadyRunning, lockPath)
	}
	defer lock.Unlock()

	if err := cleanStaleSocket(socketPath, srv.logger); err != nil {
		return err
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer os.Remove(socketPath)
	if err := os.Chmod(socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	srv.logger.Info("Listening", zap.String("socket", socketPath), zap.Int("pid", os.Getpid()))

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		srv.logger.Info("Shutting down")
	case err = <-serveErr:
		srv.logger.Error("Accept loop failed", zap.Error(err))
	}
	ln.Close()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.mgr.Shutdown(sctx); serr != nil {
		srv.logger.Warn("Sessions did not finish before timeout", zap.Error(serr))
	}
	srv.Close()
	return err
}

// cleanStaleSocket removes a socket left behind by a daemon that died. The
// caller already holds the lock, so a live listener here is unexpected.
func cleanStaleSocket(socketPath string, logger *zap.Logger) error {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil
	}

	conn, err := net.Dial("unix", socketPath)
	if err == nil {
		conn.Close()
		return fmt.Errorf("%w: socket %s is active", ErrAlreadyRunning, socketPath)
	}

	logger.Info("Removing stale socket", zap.String("socket", socketPath))
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}
