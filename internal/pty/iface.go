package pty

import "github.com/peterje/ptyd/internal/launch"

// SessionManager drives PTY sessions keyed by caller-chosen identifiers.
type SessionManager interface {
	// Create starts a session. It reports true both when a new session was
	// started and when sessionID was already running.
	Create(sessionID, workDir string, intent launch.Intent) (bool, error)
	Write(sessionID string, data []byte) error
	Resize(sessionID string, cols, rows uint16) error
	Close(sessionID string) error
	CloseAll() error
	// Active lists running session identifiers in sorted order.
	Active() []string
}
