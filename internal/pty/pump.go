package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/peterje/ptyd/internal/events"
)

const (
	readBlockSize = 4096
	loggedChunks  = 6
	previewLen    = 160
	// killGrace bounds how long a closed session's process group may ignore
	// the hangup.
	killGrace = 3 * time.Second
)

// pump streams one session's output to the emitter until EOF, reports the
// child's exit, then deregisters the session if it still owns the id.
func (m *Manager) pump(sid string, h *handle, cmd *exec.Cmd) {
	defer m.pumps.Done()
	log := m.logger.With(zap.String("sid", sid))

	var stream utf8Stream
	buf := make([]byte, readBlockSize)
	chunks := 0
	sinkGone := false

	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			if text := stream.Feed(buf[:n]); text != "" {
				if chunks < loggedChunks {
					log.Debug("PTY output chunk",
						zap.Int("idx", chunks),
						zap.Int("bytes", n),
						zap.String("preview", preview(text)))
				}
				chunks++
				if !m.emitOutput(sid, text) {
					log.Debug("PTY output emit failed, stopping reader")
					sinkGone = true
					break
				}
			}
		}
		if err != nil {
			if isEOF(err) {
				log.Info("PTY stream reached EOF")
			} else {
				log.Warn("PTY reader error", zap.Error(err))
			}
			break
		}
		if n == 0 {
			log.Info("PTY stream reached EOF")
			break
		}
	}

	if !sinkGone {
		if rest := stream.Flush(); rest != "" {
			m.emitOutput(sid, rest)
		}
	}

	status, code := waitChild(cmd)
	h.reaped()
	log.Info("PTY child exited", zap.String("status", status))
	m.emitExit(sid, status, code)

	if owned, ok := m.reg.removeIf(sid, h.token); ok {
		owned.release()
		log.Info("PTY session cleaned")
	}
}

// waitChild reaps the child and describes how it ended.
func waitChild(cmd *exec.Cmd) (string, int) {
	err := cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return fmt.Sprintf("wait failed: %v", err), -1
	}
	if cmd.ProcessState == nil {
		return "unknown", -1
	}
	return cmd.ProcessState.String(), cmd.ProcessState.ExitCode()
}

func (m *Manager) emitOutput(sid, text string) bool {
	if err := m.emitter.Emit(events.OutputChannel, events.Output{SessionID: sid, Data: text}); err != nil {
		m.logger.Warn("Failed emitting PTY output", zap.String("sid", sid), zap.Error(err))
		return false
	}
	channel := events.Scoped(events.OutputChannel, sid)
	if err := m.emitter.Emit(channel, text); err != nil {
		m.logger.Debug("Failed emitting session PTY channel", zap.String("channel", channel), zap.Error(err))
	}
	return true
}

func (m *Manager) emitExit(sid, status string, code int) {
	if err := m.emitter.Emit(events.ExitChannel, events.Exit{SessionID: sid, Status: status, Code: code}); err != nil {
		m.logger.Debug("Failed emitting PTY exit", zap.String("sid", sid), zap.Error(err))
		return
	}
	channel := events.Scoped(events.ExitChannel, sid)
	if err := m.emitter.Emit(channel, status); err != nil {
		m.logger.Debug("Failed emitting session PTY channel", zap.String("channel", channel), zap.Error(err))
	}
}

// isEOF reports the ways a PTY master says the other side is gone. Linux
// returns EIO once the slave is closed; a released master reports ErrClosed.
func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EIO)
}

// preview flattens s to a single short line for logs.
func preview(s string) string {
	compact := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	compact = strings.Join(strings.Fields(compact), " ")
	if r := []rune(compact); len(r) > previewLen {
		return string(r[:previewLen])
	}
	return compact
}
