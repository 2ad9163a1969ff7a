package shepherd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/peterje/ptyd/internal/launch"
	ptymgr "github.com/peterje/ptyd/internal/pty"
)

// ErrClientClosed is returned for requests on a closed or broken connection.
var ErrClientClosed = errors.New("daemon connection closed")

var _ ptymgr.SessionManager = (*Client)(nil)

const subscriberBuffer = 256

// Exit is a session exit as reported by the daemon.
type Exit struct {
	Status string
	Code   int
}

// Client connects to the daemon and implements ptymgr.SessionManager.
type Client struct {
	conn   net.Conn
	connMu sync.Mutex // serialize writes
	logger *zap.Logger

	// Pending request-response correlation
	pendingMu sync.Mutex
	pending   map[string]chan Response

	// Per-session output subscribers and exit waiters
	sessionMu   sync.Mutex
	sessionSubs map[string][]chan []byte
	sessionWait map[string][]chan Exit
	subscribed  map[string]bool // true once cmdSubscribe was acknowledged

	reqCounter atomic.Uint64
	closeOnce  sync.Once
	closed     chan struct{}
}

// NewClient connects to the daemon at the given socket path.
func NewClient(socketPath string, logger *zap.Logger) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		conn:        conn,
		logger:      logger.Named("client"),
		pending:     make(map[string]chan Response),
		sessionSubs: make(map[string][]chan []byte),
		sessionWait: make(map[string][]chan Exit),
		subscribed:  make(map[string]bool),
		closed:      make(chan struct{}),
	}

	go c.readLoop()
	return c, nil
}

// Disconnect closes the connection to the daemon. Sessions keep running.
func (c *Client) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Ping checks if the daemon is responsive.
func (c *Client) Ping() error {
	resp, err := c.sendRequest(Request{Command: cmdPing})
	if err != nil {
		return err
	}
	if resp.Event != evtPong {
		return fmt.Errorf("unexpected response: %s", resp.Event)
	}
	return nil
}

// Create implements ptymgr.SessionManager.
func (c *Client) Create(sessionID, workDir string, intent launch.Intent) (bool, error) {
	req := Request{
		Command:   cmdCreate,
		SessionID: sessionID,
		WorkDir:   workDir,
	}
	if intent.Mode == launch.Resume {
		req.Resume = true
		req.Target = intent.ResumeTarget
		req.ExtraArgs = intent.ExtraArgs
	}
	if _, err := c.call(req); err != nil {
		return false, err
	}
	return true, nil
}

// Write implements ptymgr.SessionManager.
func (c *Client) Write(sessionID string, data []byte) error {
	_, err := c.call(Request{Command: cmdWrite, SessionID: sessionID, Data: data})
	return err
}

// Resize implements ptymgr.SessionManager.
func (c *Client) Resize(sessionID string, cols, rows uint16) error {
	_, err := c.call(Request{Command: cmdResize, SessionID: sessionID, Cols: cols, Rows: rows})
	return err
}

// Close implements ptymgr.SessionManager.
func (c *Client) Close(sessionID string) error {
	_, err := c.call(Request{Command: cmdClose, SessionID: sessionID})
	return err
}

// CloseAll implements ptymgr.SessionManager.
func (c *Client) CloseAll() error {
	_, err := c.call(Request{Command: cmdCloseAll})
	return err
}

// Active implements ptymgr.SessionManager. It returns nil if the daemon
// cannot be reached.
func (c *Client) Active() []string {
	ids, err := c.List()
	if err != nil {
		c.logger.Debug("List failed", zap.Error(err))
		return nil
	}
	return ids
}

// List returns all active session IDs in the daemon.
func (c *Client) List() ([]string, error) {
	resp, err := c.call(Request{Command: cmdList})
	if err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// Subscribe streams a session's output. Only the first local subscriber
// asks the daemon; later ones share its stream. A subscriber that falls too
// far behind has its channel closed.
func (c *Client) Subscribe(sessionID string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, subscriberBuffer)

	c.sessionMu.Lock()
	c.sessionSubs[sessionID] = append(c.sessionSubs[sessionID], ch)
	needSubscribe := !c.subscribed[sessionID]
	c.sessionMu.Unlock()

	unsub := func() {
		c.sessionMu.Lock()
		defer c.sessionMu.Unlock()
		c.dropSubscriber(sessionID, ch)
	}

	if needSubscribe {
		if _, err := c.call(Request{Command: cmdSubscribe, SessionID: sessionID}); err != nil {
			unsub()
			return nil, nil, err
		}
		c.sessionMu.Lock()
		c.subscribed[sessionID] = true
		c.sessionMu.Unlock()
	}
	return ch, unsub, nil
}

// dropSubscriber removes and closes ch. Caller holds sessionMu.
func (c *Client) dropSubscriber(sessionID string, ch chan []byte) {
	subs := c.sessionSubs[sessionID]
	for i, s := range subs {
		if s == ch {
			c.sessionSubs[sessionID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Wait returns a channel that receives the session's exit and is then
// closed. Call it before the session can exit to be sure not to miss it.
func (c *Client) Wait(sessionID string) <-chan Exit {
	ch := make(chan Exit, 1)
	c.sessionMu.Lock()
	c.sessionWait[sessionID] = append(c.sessionWait[sessionID], ch)
	c.sessionMu.Unlock()
	return ch
}

// Disconnected is closed when the connection to the daemon is lost.
func (c *Client) Disconnected() <-chan struct{} {
	return c.closed
}

func (c *Client) nextReqID() string {
	return fmt.Sprintf("r%d", c.reqCounter.Add(1))
}

// call sends req and converts an error response into a RemoteError.
func (c *Client) call(req Request) (Response, error) {
	resp, err := c.sendRequest(req)
	if err != nil {
		return resp, err
	}
	if resp.Event == evtError {
		return resp, &RemoteError{Code: resp.Code, Message: resp.Error}
	}
	return resp, nil
}

func (c *Client) sendRequest(req Request) (Response, error) {
	req.ID = c.nextReqID()

	ch := make(chan Response, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	err := writeControl(c.conn, req)
	c.connMu.Unlock()
	if err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.closed:
		return Response{}, ErrClientClosed
	}
}

func (c *Client) readLoop() {
	defer c.Disconnect()

	reader := bufio.NewReader(c.conn)
	for {
		frameType, payload, err := readFrame(reader)
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Debug("Read failed", zap.Error(err))
			}
			return
		}

		switch frameType {
		case frameControl:
			c.handleControlFrame(payload)
		case frameData:
			c.handleDataFrame(payload)
		}
	}
}

func (c *Client) handleControlFrame(payload []byte) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.logger.Warn("Bad control message", zap.Error(err))
		return
	}

	if resp.Event == evtExited && resp.ID == "" {
		c.sessionExited(resp)
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	c.pendingMu.Unlock()
	if ok {
		ch <- resp
	}
}

// sessionExited wakes exit waiters and ends local output streams. The id may
// be reused by a later create, so all per-session state is forgotten.
func (c *Client) sessionExited(resp Response) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	exit := Exit{Status: resp.Status, Code: resp.ExitCode}
	for _, ch := range c.sessionWait[resp.SessionID] {
		ch <- exit
		close(ch)
	}
	delete(c.sessionWait, resp.SessionID)
	for _, ch := range c.sessionSubs[resp.SessionID] {
		close(ch)
	}
	delete(c.sessionSubs, resp.SessionID)
	delete(c.subscribed, resp.SessionID)
}

func (c *Client) handleDataFrame(payload []byte) {
	sessionID, data, err := parseDataPayload(payload)
	if err != nil {
		return
	}

	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	for _, ch := range append([]chan []byte(nil), c.sessionSubs[sessionID]...) {
		select {
		case ch <- data:
		default:
			c.logger.Warn("Slow subscriber, disconnecting", zap.String("sid", sessionID))
			c.dropSubscriber(sessionID, ch)
		}
	}
}
