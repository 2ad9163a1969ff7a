package pty

import (
	"errors"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"
)

var errExists = errors.New("PTY session already exists")

// handle is the registry's record of a live session. It exclusively owns the
// PTY master, which is both the write endpoint and the pump's read side.
type handle struct {
	token string // liveness token, unique per Create
	ptmx  *os.File
	pgid  int // child's process group; the child is a session leader. 0 if none

	once   sync.Once
	exited chan struct{} // closed by the pump once the child is reaped
}

func newHandle(token string, ptmx *os.File, pgid int) *handle {
	return &handle{token: token, ptmx: ptmx, pgid: pgid, exited: make(chan struct{})}
}

// release hangs up the child's process group and closes the master.
//
// Closing the master alone does not end the session: the pump is blocked in
// Read on it, and that read only returns once every slave fd is closed. The
// SIGHUP makes the shell exit the way a closed terminal would, and anything
// still in the group after killGrace is killed.
func (h *handle) release() {
	h.once.Do(func() {
		h.hangup()
		h.ptmx.Close()
	})
}

func (h *handle) hangup() {
	if h.pgid <= 0 {
		return
	}
	select {
	case <-h.exited:
		return
	default:
	}
	syscall.Kill(-h.pgid, syscall.SIGHUP)
	go func() {
		timer := time.NewTimer(killGrace)
		defer timer.Stop()
		select {
		case <-h.exited:
		case <-timer.C:
			syscall.Kill(-h.pgid, syscall.SIGKILL)
		}
	}()
}

// reaped marks the child as waited for. The pgid may be reused after this,
// so no further signals are sent.
func (h *handle) reaped() {
	close(h.exited)
}

// registry maps session ids to handles. The lock is held only for map
// access, never across PTY I/O.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*handle
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*handle)}
}

func (r *registry) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

func (r *registry) insert(id string, h *handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return errExists
	}
	r.sessions[id] = h
	return nil
}

func (r *registry) get(id string) (*handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sessions[id]
	if !ok {
		return nil, notFound(id)
	}
	return h, nil
}

// remove evicts id unconditionally. Used by explicit close.
func (r *registry) remove(id string) (*handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sessions[id]
	if !ok {
		return nil, notFound(id)
	}
	delete(r.sessions, id)
	return h, nil
}

// removeIf evicts id only while it still holds token. Used by the pump so it
// never evicts a session that was closed and recreated under the same id.
func (r *registry) removeIf(id, token string) (*handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sessions[id]
	if !ok || h.token != token {
		return nil, false
	}
	delete(r.sessions, id)
	return h, true
}

// clear evicts everything and returns what was evicted.
func (r *registry) clear() []*handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*handle, 0, len(r.sessions))
	for id, h := range r.sessions {
		out = append(out, h)
		delete(r.sessions, id)
	}
	return out
}

func (r *registry) ids() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}
