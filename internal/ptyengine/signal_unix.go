//go:build !windows

package ptyengine

import (
	"os/exec"
	"syscall"
)

// sendWinch nudges full-screen apps (htop, vim) to redraw after a client
// (re)attaches, even when the terminal size hasn't changed.
func sendWinch(cmd *exec.Cmd) {
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGWINCH)
	}
}

func terminate(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(syscall.SIGTERM)
}

func kill(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
