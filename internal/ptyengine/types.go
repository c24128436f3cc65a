// Package ptyengine owns the OS child process behind a single terminal: PTY
// allocation, the read loop, buffered writes, debounced resizes and
// shutdown. It corresponds to component A (PTY/Mux Handler) of the server
// design: everything here is one level below the Terminal Registry, which
// is the only caller.
package ptyengine

import "fmt"

// SpawnErrorKind enumerates the synchronous failure modes Create can return.
type SpawnErrorKind string

const (
	ExecNotFound      SpawnErrorKind = "ExecNotFound"
	WorkingDirInvalid SpawnErrorKind = "WorkingDirInvalid"
	PtyAllocFailed    SpawnErrorKind = "PtyAllocFailed"
)

// SpawnError is returned synchronously by Create; it never crosses the
// component boundary as a panic or exception-as-control-flow.
type SpawnError struct {
	Kind SpawnErrorKind
	Err  error
}

func (e *SpawnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Sink receives events from a child's read loop. The Terminal Registry
// implements this to fold PTY events into its own typed event bus; the
// engine itself has no notion of registry state, ownership, or clients.
type Sink interface {
	OnOutput(id string, data []byte)
	OnClosed(id string, reason string)
	OnError(id string, kind string, detail string)
}

// Config describes the child process to spawn for one terminal.
type Config struct {
	ID          string
	Command     string
	Commands    []string
	WorkingDir  string
	Env         map[string]string
	UseMux      bool
	SessionName string
	Cols, Rows  int

	// SanitizedEnvPrefixes/Keys name variables stripped from the inherited
	// process environment before exec, per the env contract (see §6).
	SanitizedEnvPrefixes []string
	SanitizedEnvKeys     []string

	// ShellPath overrides the default login shell; empty means $SHELL or
	// the platform default.
	ShellPath string

	// MuxMetadata is encoded as mux user-options (prefix "@tt-") on session
	// creation so the Mux Session Introspector (component D) can recover it.
	MuxMetadata map[string]string
}

var ErrBackpressure = fmt.Errorf("pty write buffer full, apply backpressure")
var ErrNotFound = fmt.Errorf("child handle not found")
