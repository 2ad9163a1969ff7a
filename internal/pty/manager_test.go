package pty

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peterje/ptyd/internal/events"
	"github.com/peterje/ptyd/internal/launch"
)

const eventually = 5 * time.Second

// recorder is an events.Emitter that keeps everything in order.
type recorder struct {
	mu   sync.Mutex
	msgs []events.Message
	fail bool
}

func (r *recorder) Emit(channel string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("receiver gone")
	}
	r.msgs = append(r.msgs, events.Message{Channel: channel, Payload: payload})
	return nil
}

func (r *recorder) output(sid string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for _, m := range r.msgs {
		if o, ok := m.Payload.(events.Output); ok && m.Channel == events.OutputChannel && o.SessionID == sid {
			b.WriteString(o.Data)
		}
	}
	return b.String()
}

func (r *recorder) scopedOutput(sid string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for _, m := range r.msgs {
		if m.Channel == events.Scoped(events.OutputChannel, sid) {
			b.WriteString(m.Payload.(string))
		}
	}
	return b.String()
}

func (r *recorder) exits(sid string) []events.Exit {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Exit
	for _, m := range r.msgs {
		if e, ok := m.Payload.(events.Exit); ok && e.SessionID == sid {
			out = append(out, e)
		}
	}
	return out
}

func newTestManager(t *testing.T, emitter events.Emitter) *Manager {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	planner := launch.DefaultPlanner()
	planner.Multiplexer = "ptyd-test-no-multiplexer"

	m := NewManager(Config{
		Shell:    "/bin/sh",
		Planner:  planner,
		Sessions: launch.SessionFiles{Root: t.TempDir(), Ext: "jsonl"},
		Environ: func() []string {
			return []string{"PATH=/usr/bin:/bin", "TERM=xterm-256color", "HOME=" + t.TempDir(), "PS1=$ "}
		},
	}, emitter, zap.NewNop())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, m.Shutdown(ctx))
	})
	return m
}

func TestCreateValidation(t *testing.T) {
	m := newTestManager(t, &recorder{})
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	_, err := m.Create("  ", t.TempDir(), launch.PlainIntent())
	assert.ErrorIs(t, err, ErrInvalidSessionID)

	_, err = m.Create("s1", " ", launch.PlainIntent())
	assert.ErrorIs(t, err, ErrInvalidWorkDir)

	_, err = m.Create("s1", filepath.Join(t.TempDir(), "missing"), launch.PlainIntent())
	assert.ErrorIs(t, err, ErrInvalidWorkDir)

	_, err = m.Create("s1", file, launch.PlainIntent())
	assert.ErrorIs(t, err, ErrInvalidWorkDir)
	assert.Contains(t, err.Error(), "not a directory")

	assert.Empty(t, m.Active())
}

func TestCreateIsIdempotent(t *testing.T) {
	m := newTestManager(t, &recorder{})
	dir := t.TempDir()

	ok, err := m.Create("s1", dir, launch.PlainIntent())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Create(" s1 ", dir, launch.PlainIntent())
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []string{"s1"}, m.Active())
}

func TestConcurrentCreateKeepsOneHandle(t *testing.T) {
	m := newTestManager(t, &recorder{})
	dir := t.TempDir()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.Create("same", dir, launch.PlainIntent())
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"same"}, m.Active())
}

func TestUnknownSession(t *testing.T) {
	m := newTestManager(t, &recorder{})

	assert.ErrorIs(t, m.Write("nope", []byte("x")), ErrNotFound)
	assert.ErrorIs(t, m.Resize("nope", 100, 40), ErrNotFound)
	assert.ErrorIs(t, m.Close("nope"), ErrNotFound)
	assert.ErrorIs(t, m.Write("", []byte("x")), ErrInvalidSessionID)
	assert.Empty(t, m.Active())
}

func TestWriteProducesOutput(t *testing.T) {
	rec := &recorder{}
	m := newTestManager(t, rec)

	_, err := m.Create("s1", "/tmp", launch.PlainIntent())
	require.NoError(t, err)
	require.NoError(t, m.Resize("s1", 120, 40))
	require.NoError(t, m.Write("s1", []byte("echo hi-$((40+2))\n")))

	require.Eventually(t, func() bool {
		return strings.Contains(rec.output("s1"), "hi-42") && strings.Contains(rec.scopedOutput("s1"), "hi-42")
	}, eventually, 20*time.Millisecond)

	require.NoError(t, m.Close("s1"))
	assert.ErrorIs(t, m.Write("s1", []byte("echo again\n")), ErrNotFound)
	assert.ErrorIs(t, m.Resize("s1", 80, 24), ErrNotFound)
}

func TestMultiByteOutputIsIntact(t *testing.T) {
	rec := &recorder{}
	m := newTestManager(t, rec)

	_, err := m.Create("u", t.TempDir(), launch.PlainIntent())
	require.NoError(t, err)
	// printf octal escapes keep the command itself ASCII, so only the output
	// contains the multi-byte characters.
	require.NoError(t, m.Write("u", []byte(`printf '\342\202\254\360\237\216\211\n'`+"\n")))

	require.Eventually(t, func() bool {
		return strings.Contains(rec.output("u"), "€🎉")
	}, eventually, 20*time.Millisecond)
	assert.NotContains(t, rec.output("u"), "\uFFFD")
}

func TestChildExitDeregisters(t *testing.T) {
	rec := &recorder{}
	m := newTestManager(t, rec)

	_, err := m.Create("s1", t.TempDir(), launch.PlainIntent())
	require.NoError(t, err)
	require.NoError(t, m.Write("s1", []byte("exit 3\n")))

	require.Eventually(t, func() bool {
		return len(rec.exits("s1")) == 1 && len(m.Active()) == 0
	}, eventually, 20*time.Millisecond)

	exit := rec.exits("s1")[0]
	assert.Equal(t, 3, exit.Code)
	assert.Equal(t, "exit status 3", exit.Status)
}

func TestCloseAndRecreateKeepsNewSession(t *testing.T) {
	rec := &recorder{}
	m := newTestManager(t, rec)
	dir := t.TempDir()

	_, err := m.Create("s1", dir, launch.PlainIntent())
	require.NoError(t, err)
	require.NoError(t, m.Close("s1"))
	_, err = m.Create("s1", dir, launch.PlainIntent())
	require.NoError(t, err)

	// The first pump finishes while the second session is still running.
	require.Eventually(t, func() bool {
		return len(rec.exits("s1")) == 1
	}, eventually, 20*time.Millisecond)

	assert.Equal(t, []string{"s1"}, m.Active())
	require.NoError(t, m.Write("s1", []byte("echo still-$((1+1))\n")))
	require.Eventually(t, func() bool {
		return strings.Contains(rec.output("s1"), "still-2")
	}, eventually, 20*time.Millisecond)
}

func TestCloseEndsIdleSessionPromptly(t *testing.T) {
	rec := &recorder{}
	m := newTestManager(t, rec)

	_, err := m.Create("s1", t.TempDir(), launch.PlainIntent())
	require.NoError(t, err)
	// Once the prompt is out the pump is parked in Read.
	require.Eventually(t, func() bool {
		return rec.output("s1") != ""
	}, eventually, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, m.Close("s1"))
	require.Eventually(t, func() bool {
		return len(rec.exits("s1")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Less(t, time.Since(start), killGrace)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
}

func TestCloseAllStopsEveryPump(t *testing.T) {
	rec := &recorder{}
	m := newTestManager(t, rec)

	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		_, err := m.Create(id, t.TempDir(), launch.PlainIntent())
		require.NoError(t, err)
	}
	assert.Equal(t, ids, m.Active())

	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.Empty(t, m.Active())
	for _, id := range ids {
		assert.Len(t, rec.exits(id), 1, id)
	}
}

func TestFailingSinkDoesNotLeakPump(t *testing.T) {
	rec := &recorder{fail: true}
	m := newTestManager(t, rec)

	_, err := m.Create("s1", t.TempDir(), launch.PlainIntent())
	require.NoError(t, err)
	require.NoError(t, m.Write("s1", []byte("echo hi\n")))
	require.NoError(t, m.Close("s1"))

	ctx, cancel := context.WithTimeout(context.Background(), eventually)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
}

func TestResumeRequiresSessionFile(t *testing.T) {
	m := newTestManager(t, &recorder{})

	_, err := m.Create("s1", t.TempDir(), launch.ResumeIntent("missing"))
	assert.ErrorIs(t, err, ErrResumeTargetNotFound)
	assert.Empty(t, m.Active())
}

func TestResumeRunsAgent(t *testing.T) {
	rec := &recorder{}
	m := newTestManager(t, rec)

	bin := t.TempDir()
	agent := filepath.Join(bin, "claude")
	require.NoError(t, os.WriteFile(agent, []byte("#!/bin/sh\necho \"agent:$*\"\n"), 0o755))
	// Login shells may reset PATH from /etc/profile, so point at the binary.
	m.cfg.Planner.Agent = agent

	dir := t.TempDir()
	files := m.cfg.Sessions
	p := files.Path(dir, "conv-1")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("{}\n"), 0o644))

	_, err := m.Create("s1", dir, launch.ResumeIntent("conv-1", "--verbose"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.exits("s1")) == 1
	}, eventually, 20*time.Millisecond)
	assert.Contains(t, rec.output("s1"), "agent:--verbose -r conv-1")
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "a b c", preview("a\r\n\tb\x1b c"))
	assert.Len(t, []rune(preview(strings.Repeat("é", 500))), previewLen)
}
