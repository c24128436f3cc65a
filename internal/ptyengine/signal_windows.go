//go:build windows

package ptyengine

import "os/exec"

// sendWinch is a no-op on Windows: SIGWINCH does not exist there.
func sendWinch(cmd *exec.Cmd) {}

func terminate(cmd *exec.Cmd) error {
	return kill(cmd)
}

func kill(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
