package ptyengine

import (
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"
)

const (
	readChunkSize     = 32 * 1024
	writeQueueHighWM  = 256
	resizeDebounceDur = 300 * time.Millisecond
	killGrace         = 5 * time.Second
)

// childHandle is the live state for one OS child process.
type childHandle struct {
	id          string
	ptmx        *os.File
	cmd         *exec.Cmd
	useMux      bool
	sessionName string

	writeCh chan []byte

	resizeMu    sync.Mutex
	resizeTimer *time.Timer
	pendingCols int
	pendingRows int

	closeOnce  sync.Once
	closed     chan struct{}
	notifyOnce sync.Once
}

// Engine owns every live child process and funnels PTY I/O events into a
// Sink (the Terminal Registry). One Engine serves the whole process.
type Engine struct {
	sink Sink
	log  *zap.SugaredLogger

	mu       sync.RWMutex
	children map[string]*childHandle
}

// New constructs an Engine that reports events to sink.
func New(sink Sink, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{
		sink:     sink,
		log:      log.Named("ptyengine"),
		children: make(map[string]*childHandle),
	}
}

// Create allocates a PTY, determines the command vector, spawns the child
// and starts its read loop. It returns synchronously once the process is
// running (or fails synchronously with a SpawnError).
func (e *Engine) Create(cfg Config) error {
	if cfg.WorkingDir != "" {
		info, err := os.Stat(cfg.WorkingDir)
		if err != nil || !info.IsDir() {
			return &SpawnError{Kind: WorkingDirInvalid, Err: err}
		}
	}

	cmd, tmuxName, err := buildCommand(cfg)
	if err != nil {
		return err
	}

	cmd.Env = buildChildEnv(cfg)
	if cfg.WorkingDir != "" {
		cmd.Dir = cfg.WorkingDir
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(orDefault(cfg.Rows, 24)),
		Cols: uint16(orDefault(cfg.Cols, 80)),
	})
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return &SpawnError{Kind: ExecNotFound, Err: err}
		}
		return &SpawnError{Kind: PtyAllocFailed, Err: err}
	}

	if cfg.UseMux && len(cfg.MuxMetadata) > 0 {
		go applyMuxMetadata(tmuxName, cfg.MuxMetadata)
	}

	h := &childHandle{
		id:          cfg.ID,
		ptmx:        ptmx,
		cmd:         cmd,
		useMux:      cfg.UseMux,
		sessionName: tmuxName,
		writeCh:     make(chan []byte, writeQueueHighWM),
		closed:      make(chan struct{}),
	}

	e.mu.Lock()
	e.children[cfg.ID] = h
	e.mu.Unlock()

	go e.writeLoop(h)
	go e.readLoop(h)

	return nil
}

// buildCommand implements the command-vector rules: direct execution when
// useMux is false, mux attach/create when true.
func buildCommand(cfg Config) (*exec.Cmd, string, error) {
	shell := cfg.ShellPath
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}

	if !cfg.UseMux {
		if len(cfg.Commands) == 0 && cfg.Command == "" {
			return exec.Command(shell, "-l"), "", nil
		}
		script := cfg.Command
		if script == "" {
			script = strings.Join(cfg.Commands, " && ")
		}
		return exec.Command(shell, "-l", "-c", script), "", nil
	}

	if _, err := exec.LookPath("tmux"); err != nil {
		return nil, "", &SpawnError{Kind: ExecNotFound, Err: err}
	}

	name := cfg.SessionName
	args := []string{"new-session", "-A", "-s", name}
	if cfg.WorkingDir != "" {
		args = append(args, "-c", cfg.WorkingDir)
	}
	args = append(args, shell)
	return exec.Command("tmux", args...), name, nil
}

func applyMuxMetadata(sessionName string, meta map[string]string) {
	for k, v := range meta {
		_ = exec.Command("tmux", "set-option", "-t", sessionName, "@tt-"+k, v).Run()
	}
}

func (e *Engine) readLoop(h *childHandle) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			e.sink.OnOutput(h.id, data)
		}
		if err != nil {
			e.finish(h, classifyReadErr(err))
			return
		}
	}
}

func classifyReadErr(err error) string {
	if err.Error() == "EOF" {
		return "exit"
	}
	return "io"
}

func (e *Engine) writeLoop(h *childHandle) {
	for {
		select {
		case data, ok := <-h.writeCh:
			if !ok {
				return
			}
			if _, err := h.ptmx.Write(data); err != nil {
				return
			}
		case <-h.closed:
			return
		}
	}
}

// Write enqueues bytes for the PTY master. It never blocks the caller: if
// the write queue is past its high-water mark, it returns ErrBackpressure
// so the WebSocket gateway can pause reads from the producing client.
func (e *Engine) Write(id string, data []byte) error {
	h, ok := e.get(id)
	if !ok {
		return ErrNotFound
	}
	select {
	case h.writeCh <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

// Resize schedules a resize with a 300ms trailing-edge debounce: bursts
// collapse to the last requested size.
func (e *Engine) Resize(id string, cols, rows int) error {
	h, ok := e.get(id)
	if !ok {
		return ErrNotFound
	}

	h.resizeMu.Lock()
	defer h.resizeMu.Unlock()

	h.pendingCols, h.pendingRows = cols, rows
	if h.resizeTimer != nil {
		h.resizeTimer.Stop()
	}
	h.resizeTimer = time.AfterFunc(resizeDebounceDur, func() {
		h.resizeMu.Lock()
		c, r := h.pendingCols, h.pendingRows
		h.resizeMu.Unlock()
		if err := pty.Setsize(h.ptmx, &pty.Winsize{Cols: uint16(c), Rows: uint16(r)}); err != nil {
			e.log.Debugw("resize failed", "id", id, "error", err)
		}
	})
	return nil
}

// Nudge sends SIGWINCH to force a full-screen app to redraw without
// changing the recorded terminal size.
func (e *Engine) Nudge(id string) {
	if h, ok := e.get(id); ok {
		sendWinch(h.cmd)
	}
}

// Kill terminates the child. If force, SIGKILL immediately, and for a
// mux-backed terminal also kill its mux session. Without force, a
// mux-backed terminal's PTY client is killed at once while the session
// survives; any other child gets SIGTERM then SIGKILL after a 5s grace.
func (e *Engine) Kill(id string, force bool) error {
	h, ok := e.get(id)
	if !ok {
		return ErrNotFound
	}
	return e.killHandle(h, force)
}

func (e *Engine) killHandle(h *childHandle, force bool) error {
	if force {
		err := kill(h.cmd)
		e.finish(h, "killed")
		if h.useMux && h.sessionName != "" {
			_ = exec.Command("tmux", "kill-session", "-t", h.sessionName).Run()
		}
		return err
	}

	if h.useMux {
		// "Close" for a mux-backed terminal detaches the PTY client; the
		// session itself survives for a later reattach.
		err := kill(h.cmd)
		e.finish(h, "detached")
		return err
	}

	if err := terminate(h.cmd); err != nil {
		return err
	}
	go func() {
		timer := time.NewTimer(killGrace)
		defer timer.Stop()
		select {
		case <-h.closed:
		case <-timer.C:
			_ = kill(h.cmd)
			e.finish(h, "killed")
		}
	}()
	return nil
}

// finish is the single path that removes a handle and notifies the sink at
// most once, regardless of whether the read loop or an explicit Kill call
// observed the exit first.
func (e *Engine) finish(h *childHandle, reason string) {
	e.removeAndClose(h)
	h.notifyOnce.Do(func() {
		e.sink.OnClosed(h.id, reason)
	})
}

// CleanupWithGrace fans out Kill(force) across every owned child, used on
// graceful shutdown.
func (e *Engine) CleanupWithGrace(force bool) {
	e.mu.RLock()
	handles := make([]*childHandle, 0, len(e.children))
	for _, h := range e.children {
		handles = append(handles, h)
	}
	e.mu.RUnlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *childHandle) {
			defer wg.Done()
			_ = e.killHandle(h, force)
		}(h)
	}
	wg.Wait()
}

func (e *Engine) get(id string) (*childHandle, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.children[id]
	return h, ok
}

func (e *Engine) removeAndClose(h *childHandle) {
	e.mu.Lock()
	delete(e.children, h.id)
	e.mu.Unlock()

	h.closeOnce.Do(func() {
		close(h.closed)
		close(h.writeCh)
		_ = h.ptmx.Close()
	})
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
