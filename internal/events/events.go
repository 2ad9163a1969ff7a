// Package events defines how PTY output reaches the UI.
//
// Every event is emitted twice: once on a broad channel carrying a payload
// with the session id, and once on a session-scoped channel
// ("<channel>:<session id>") carrying only the data, so listeners can
// subscribe to a single terminal.
package events

import (
	"errors"
	"strings"
)

const (
	// OutputChannel carries Output payloads.
	OutputChannel = "pty-output"
	// ExitChannel carries Exit payloads.
	ExitChannel = "pty-exit"
)

// ErrClosed is returned by Emit once the sink is shut down.
var ErrClosed = errors.New("event sink closed")

// Emitter delivers named events. An error means the receiver is gone.
type Emitter interface {
	Emit(channel string, payload any) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(channel string, payload any) error

func (f EmitterFunc) Emit(channel string, payload any) error {
	return f(channel, payload)
}

// Output is one decoded chunk of terminal output.
type Output struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// Exit reports that a session's child process has terminated.
type Exit struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Code      int    `json:"code"`
}

// Scoped returns the session-specific form of channel.
func Scoped(channel, sessionID string) string {
	return channel + ":" + sessionID
}

// SplitScoped is the inverse of Scoped. ok is false for broad channels.
func SplitScoped(name string) (channel, sessionID string, ok bool) {
	return strings.Cut(name, ":")
}
