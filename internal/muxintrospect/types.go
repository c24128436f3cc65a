// Package muxintrospect answers "what mux sessions exist on this host, and
// what do they look like?" without attaching a PTY or otherwise disturbing
// running state. It corresponds to component D of the server design and is
// grounded on the tmux client in the orchestrator example repo, adapted
// from exec-in-container to exec-on-host and extended with the richer
// per-session detail (cwd, git branch, foreground command, user-options)
// this server's UI needs for previews.
package muxintrospect

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("mux session not found")

// SessionInfo is one tmux session as observed by listDetailed.
type SessionInfo struct {
	Name          string
	Windows       int
	Attached      bool
	CreatedAt     time.Time
	Cwd           string
	GitBranch     string // "" if Cwd is not a git worktree
	ForegroundCmd string
	UserOptions   map[string]string // @tt-* options set by the PTY/Mux Handler
}

// Managed reports whether this session was created by this server, judged
// by the reserved "tt-" name prefix.
func (s SessionInfo) Managed() bool {
	return len(s.Name) >= len(managedPrefix) && s.Name[:len(managedPrefix)] == managedPrefix
}

const managedPrefix = "tt-"

// Grouped is the result of classifying a session list.
type Grouped struct {
	Managed  []SessionInfo
	ByAiTool map[string][]SessionInfo // terminalType -> sessions
	External []SessionInfo
}

// GroupSessions classifies sessions into managed/byAiTool/external. Managed
// sessions are further bucketed by the terminalType recorded in their
// user-options (falling back to "unknown" if absent).
func GroupSessions(list []SessionInfo) Grouped {
	g := Grouped{ByAiTool: make(map[string][]SessionInfo)}
	for _, s := range list {
		if !s.Managed() {
			g.External = append(g.External, s)
			continue
		}
		g.Managed = append(g.Managed, s)
		tt := s.UserOptions["type"]
		if tt == "" {
			tt = "unknown"
		}
		g.ByAiTool[tt] = append(g.ByAiTool[tt], s)
	}
	return g
}
