package pty

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peterje/ptyd/internal/environ"
	"github.com/peterje/ptyd/internal/events"
	"github.com/peterje/ptyd/internal/launch"
)

const (
	initialRows = 24
	initialCols = 80
)

// Config controls how sessions are launched.
type Config struct {
	// Shell is started for every session, with -l for plain sessions and
	// -lc <script> for resumed ones. Defaults to $SHELL, then /bin/zsh.
	Shell    string
	Planner  launch.Planner
	Sessions launch.SessionFiles
	// Environ returns the child environment. Defaults to os.Environ with
	// TERM, COLORTERM and PATH repaired by environ.FromOS.
	Environ func() []string
}

// Manager owns every PTY session of the process.
type Manager struct {
	cfg     Config
	emitter events.Emitter
	logger  *zap.Logger
	reg     *registry
	pumps   sync.WaitGroup
}

func NewManager(cfg Config, emitter events.Emitter, logger *zap.Logger) *Manager {
	if cfg.Shell == "" {
		cfg.Shell = os.Getenv("SHELL")
		if cfg.Shell == "" {
			cfg.Shell = "/bin/zsh"
		}
	}
	if cfg.Environ == nil {
		cfg.Environ = func() []string {
			return environ.FromOS().Apply(os.Environ())
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		emitter: emitter,
		logger:  logger.Named("pty"),
		reg:     newRegistry(),
	}
}

func (m *Manager) Create(sessionID, workDir string, intent launch.Intent) (bool, error) {
	sid := strings.TrimSpace(sessionID)
	if sid == "" {
		return false, ErrInvalidSessionID
	}
	dir := strings.TrimSpace(workDir)
	if err := validateWorkDir(dir); err != nil {
		return false, err
	}
	if intent.Mode == launch.Resume {
		target := intent.Target(sid)
		if path, ok := m.cfg.Sessions.Exists(dir, target); !ok {
			return false, fmt.Errorf("%w: no session file for %s at %s", ErrResumeTargetNotFound, target, path)
		}
	}

	log := m.logger.With(zap.String("sid", sid))
	log.Info("PTY create request", zap.String("cwd", dir), zap.Stringer("mode", intent.Mode))

	if m.reg.has(sid) {
		log.Debug("PTY already exists")
		return true, nil
	}

	cmd := m.command(sid, dir, intent)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: initialRows, Cols: initialCols})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	h := newHandle(uuid.NewString(), ptmx, cmd.Process.Pid)
	if err := m.reg.insert(sid, h); err != nil {
		// A concurrent Create for the same id won; ours must not leak.
		log.Debug("PTY create lost race, discarding duplicate")
		ptmx.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return true, nil
	}

	m.pumps.Add(1)
	go m.pump(sid, h, cmd)

	log.Info("PTY created", zap.String("cwd", dir), zap.Int("pid", cmd.Process.Pid))
	return true, nil
}

func (m *Manager) command(sid, dir string, intent launch.Intent) *exec.Cmd {
	args := []string{"-l"}
	if script, ok := m.cfg.Planner.Script(intent, sid, dir); ok {
		m.logger.Debug("PTY launch script", zap.String("sid", sid), zap.String("preview", preview(script)))
		args = []string{"-lc", script}
	}
	cmd := exec.Command(m.cfg.Shell, args...)
	cmd.Dir = dir
	cmd.Env = m.cfg.Environ()
	return cmd
}

func (m *Manager) Write(sessionID string, data []byte) error {
	sid := strings.TrimSpace(sessionID)
	if sid == "" {
		return ErrInvalidSessionID
	}
	h, err := m.reg.get(sid)
	if err != nil {
		return err
	}
	if _, err := h.ptmx.Write(data); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return notFound(sid)
		}
		return fmt.Errorf("failed to write to PTY %s: %w", sid, err)
	}
	return nil
}

func (m *Manager) Resize(sessionID string, cols, rows uint16) error {
	sid := strings.TrimSpace(sessionID)
	if sid == "" {
		return ErrInvalidSessionID
	}
	h, err := m.reg.get(sid)
	if err != nil {
		return err
	}
	if err := pty.Setsize(h.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return notFound(sid)
		}
		return fmt.Errorf("failed to resize PTY %s: %w", sid, err)
	}
	return nil
}

// Close evicts the session, hangs up its process group and releases the
// master. The pump sees EOF once the group is gone and finishes on its own.
func (m *Manager) Close(sessionID string) error {
	sid := strings.TrimSpace(sessionID)
	if sid == "" {
		return ErrInvalidSessionID
	}
	h, err := m.reg.remove(sid)
	if err != nil {
		return err
	}
	h.release()
	m.logger.Info("PTY close requested", zap.String("sid", sid))
	return nil
}

func (m *Manager) CloseAll() error {
	handles := m.reg.clear()
	for _, h := range handles {
		h.release()
	}
	if len(handles) > 0 {
		m.logger.Info("PTY close_all requested", zap.Int("count", len(handles)))
	}
	return nil
}

func (m *Manager) Active() []string {
	return m.reg.ids()
}

// Shutdown closes every session and waits for their pumps to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.CloseAll()

	done := make(chan struct{})
	go func() {
		m.pumps.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ SessionManager = (*Manager)(nil)
