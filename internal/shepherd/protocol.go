package shepherd

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	ptymgr "github.com/peterje/ptyd/internal/pty"
)

// Frame types for the binary protocol.
const (
	frameControl byte = 0x01 // JSON control message
	frameData    byte = 0x02 // PTY output: sessionID + UTF-8 text
)

// Command types for JSON control messages.
const (
	cmdPing      = "ping"
	cmdCreate    = "create"
	cmdWrite     = "write"
	cmdResize    = "resize"
	cmdClose     = "close"
	cmdCloseAll  = "close_all"
	cmdList      = "list"
	cmdSubscribe = "subscribe"
)

// Event types sent from the daemon to clients.
const (
	evtPong       = "pong"
	evtOK         = "ok"
	evtError      = "error"
	evtList       = "list"
	evtSubscribed = "subscribed"
	evtExited     = "exited" // pushed without a request ID
)

// Error codes carried in Response.Code so clients can rebuild sentinel errors.
const (
	codeInvalidSessionID = "invalid_session_id"
	codeInvalidWorkDir   = "invalid_work_dir"
	codeResumeNotFound   = "resume_target_not_found"
	codeNotFound         = "not_found"
	codeSpawn            = "spawn_failed"
	codeBadRequest       = "bad_request"
)

const maxFrameSize = 10 * 1024 * 1024

// Request is a JSON control message from client to daemon.
type Request struct {
	ID      string `json:"id"`
	Command string `json:"command"`

	SessionID string `json:"session_id,omitempty"`

	// Create fields
	WorkDir   string   `json:"work_dir,omitempty"`
	Resume    bool     `json:"resume,omitempty"`
	Target    string   `json:"target,omitempty"`
	ExtraArgs []string `json:"extra_args,omitempty"`

	// Write fields
	Data []byte `json:"data,omitempty"`

	// Resize fields
	Rows uint16 `json:"rows,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
}

// Response is a JSON control message from daemon to client.
type Response struct {
	ID    string `json:"id"`
	Event string `json:"event"`

	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`

	SessionID string `json:"session_id,omitempty"`

	// Exited notification
	Status   string `json:"status,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`

	// List response
	Sessions []string `json:"sessions,omitempty"`
}

var codeErrors = map[string]error{
	codeInvalidSessionID: ptymgr.ErrInvalidSessionID,
	codeInvalidWorkDir:   ptymgr.ErrInvalidWorkDir,
	codeResumeNotFound:   ptymgr.ErrResumeTargetNotFound,
	codeNotFound:         ptymgr.ErrNotFound,
	codeSpawn:            ptymgr.ErrSpawn,
}

// errorResponse renders err for the wire, tagging known sentinels.
func errorResponse(id string, err error) Response {
	resp := Response{ID: id, Event: evtError, Error: err.Error()}
	for code, sentinel := range codeErrors {
		if errors.Is(err, sentinel) {
			resp.Code = code
			break
		}
	}
	return resp
}

// RemoteError is an error reported by the daemon. It unwraps to the matching
// pty sentinel when the daemon sent a known code.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error { return codeErrors[e.Code] }

// Wire format:
//   [4 bytes big-endian length][1 byte frame type][payload]
// For frameControl: payload is JSON-encoded Request or Response
// For frameData: payload is [session_id_len(1 byte)][session_id][raw data]

func writeFrame(w io.Writer, frameType byte, payload []byte) error {
	length := uint32(1 + len(payload))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := w.Write([]byte{frameType}); err != nil {
		return fmt.Errorf("write frame type: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

func writeControl(w io.Writer, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return writeFrame(w, frameControl, data)
}

func writeDataFrame(w io.Writer, frameType byte, sessionID string, data []byte) error {
	if len(sessionID) > 255 {
		return fmt.Errorf("session id too long for data frame: %d bytes", len(sessionID))
	}
	payload := make([]byte, 1+len(sessionID)+len(data))
	payload[0] = byte(len(sessionID))
	copy(payload[1:], sessionID)
	copy(payload[1+len(sessionID):], data)
	return writeFrame(w, frameType, payload)
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return 0, nil, err
	}
	if length == 0 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	if length > maxFrameSize {
		return 0, nil, fmt.Errorf("frame too large: %d", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}
	return buf[0], buf[1:], nil
}

func parseDataPayload(payload []byte) (sessionID string, data []byte, err error) {
	if len(payload) < 1 {
		return "", nil, fmt.Errorf("data payload too short")
	}
	idLen := int(payload[0])
	if len(payload) < 1+idLen {
		return "", nil, fmt.Errorf("data payload too short for session ID")
	}
	sessionID = string(payload[1 : 1+idLen])
	data = payload[1+idLen:]
	return sessionID, data, nil
}
