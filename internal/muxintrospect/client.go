package muxintrospect

import (
	"bufio"
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Runner executes a command and returns its stdout. Swappable in tests for
// a fake so no real tmux binary is required.
type Runner func(ctx context.Context, name string, args ...string) (string, error)

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	return string(out), err
}

const listFormat = "#{session_name}\t#{session_windows}\t#{session_attached}\t#{session_created}\t#{pane_current_path}\t#{pane_current_command}"

// Client wraps tmux invocations for read-only introspection plus the small
// set of explicit one-shot side effects (sendKeys, killSession) the design
// calls out as distinct from attaching.
type Client struct {
	run Runner
	log *zap.SugaredLogger
}

func New(log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Client{run: execRunner, log: log.Named("muxintrospect")}
}

// NewWithRunner is used by tests to inject a fake tmux.
func NewWithRunner(run Runner, log *zap.SugaredLogger) *Client {
	c := New(log)
	c.run = run
	return c
}

// ListDetailed invokes tmux in non-interactive query mode and parses one
// SessionInfo per existing session. An absent tmux server (no sessions) is
// not an error — it yields an empty list.
func (c *Client) ListDetailed(ctx context.Context) ([]SessionInfo, error) {
	out, err := c.run(ctx, "tmux", "list-sessions", "-F", listFormat)
	if err != nil {
		c.log.Debugw("no tmux server running", "error", err)
		return nil, nil
	}

	var sessions []SessionInfo
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		info, ok := c.parseListLine(ctx, line)
		if ok {
			sessions = append(sessions, info)
		}
	}
	return sessions, nil
}

func (c *Client) parseListLine(ctx context.Context, line string) (SessionInfo, bool) {
	fields := strings.Split(line, "\t")
	if len(fields) < 6 {
		return SessionInfo{}, false
	}

	info := SessionInfo{
		Name:          fields[0],
		Attached:      fields[2] == "1",
		Cwd:           fields[4],
		ForegroundCmd: fields[5],
	}
	if n, err := strconv.Atoi(fields[1]); err == nil {
		info.Windows = n
	}
	if ts, err := strconv.ParseInt(fields[3], 10, 64); err == nil {
		info.CreatedAt = time.Unix(ts, 0)
	}
	info.GitBranch = c.gitBranch(ctx, info.Cwd)
	info.UserOptions = c.userOptions(ctx, info.Name)
	return info, true
}

func (c *Client) gitBranch(ctx context.Context, dir string) string {
	if dir == "" {
		return ""
	}
	out, err := c.run(ctx, "git", "-C", dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// userOptions reads back @tt-* user-options previously stored by the
// PTY/Mux Handler (tmux set-option -t <name> @tt-<key> <value>).
func (c *Client) userOptions(ctx context.Context, session string) map[string]string {
	out, err := c.run(ctx, "tmux", "show-options", "-t", session)
	if err != nil {
		return nil
	}
	opts := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "@tt-") {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimPrefix(parts[0], "@tt-")
		opts[key] = strings.Trim(parts[1], `"`)
	}
	return opts
}

// CapturePreview returns the last `lines` lines of a pane's content.
func (c *Client) CapturePreview(ctx context.Context, name string, lines int, windowIndex int) (string, error) {
	target := targetOf(name, windowIndex)
	out, err := c.run(ctx, "tmux", "capture-pane", "-t", target, "-p", "-S", "-"+strconv.Itoa(lines))
	if err != nil {
		return "", classifyNotFound(err)
	}
	return out, nil
}

// CaptureFullScrollback returns the entire scrollback buffer for a pane.
func (c *Client) CaptureFullScrollback(ctx context.Context, name string, windowIndex int) (string, error) {
	target := targetOf(name, windowIndex)
	out, err := c.run(ctx, "tmux", "capture-pane", "-t", target, "-p", "-S", "-")
	if err != nil {
		return "", classifyNotFound(err)
	}
	return out, nil
}

// SendKeys injects input into a session's active pane, terminated by
// Enter. This is an explicit write request, distinct from attaching a PTY
// to the session (that is the PTY/Mux Handler's job).
func (c *Client) SendKeys(ctx context.Context, name, text string) error {
	_, err := c.run(ctx, "tmux", "send-keys", "-t", name, text, "Enter")
	if err != nil {
		return classifyNotFound(err)
	}
	return nil
}

// KillSession terminates a mux session outright.
func (c *Client) KillSession(ctx context.Context, name string) error {
	_, err := c.run(ctx, "tmux", "kill-session", "-t", name)
	if err != nil {
		return classifyNotFound(err)
	}
	return nil
}

func targetOf(name string, windowIndex int) string {
	if windowIndex <= 0 {
		return name
	}
	return name + ":" + strconv.Itoa(windowIndex)
}

func classifyNotFound(err error) error {
	msg := err.Error()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg = string(exitErr.Stderr)
	}
	if strings.Contains(msg, "can't find session") || strings.Contains(msg, "session not found") {
		return ErrNotFound
	}
	return err
}
