// Package spawn is the admission pipeline for new Terminals: validation,
// rate limiting, request-id correlation, then registration. It corresponds
// to component C of the server design.
package spawn

import "errors"

// ErrorKind enumerates SpawnError's machine-readable classification,
// carried back to the client alongside a human-readable message.
type ErrorKind string

const (
	ErrUnknownType      ErrorKind = "UnknownTerminalType"
	ErrNameTooLong      ErrorKind = "NameTooLong"
	ErrColsOutOfRange   ErrorKind = "ColsOutOfRange"
	ErrRowsOutOfRange   ErrorKind = "RowsOutOfRange"
	ErrCommandTooLong   ErrorKind = "CommandTooLong"
	ErrWorkingDirInvalid ErrorKind = "WorkingDirInvalid"
	ErrRateLimited      ErrorKind = "RateLimited"
)

// SpawnError is the typed failure returned by Pipeline.Spawn.
type SpawnError struct {
	Kind       ErrorKind
	Message    string
	RetryAfter float64 // seconds; only meaningful for ErrRateLimited
}

func (e *SpawnError) Error() string { return e.Message }

var errPendingMismatch = errors.New("spawn: pending request shape mismatch")

// Request is the raw, not-yet-validated input to Spawn.
type Request struct {
	ClientID     string            `json:"-"` // WebSocket clientId or "http"; not client-supplied
	RequestID    string            `json:"requestId,omitempty"`
	TerminalType string            `json:"terminalType"`
	Name         string            `json:"name,omitempty"`
	WorkingDir   string            `json:"workingDir,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Command      string            `json:"command,omitempty"`
	Commands     []string          `json:"commands,omitempty"`
	Platform     string            `json:"platform,omitempty"`
	UseMux       bool              `json:"useMux,omitempty"`
	Cols         int               `json:"cols,omitempty"`
	Rows         int               `json:"rows,omitempty"`
	ShellPath    string            `json:"shellPath,omitempty"`
}

// Result is what Spawn returns on success.
type Result struct {
	TerminalID   string `json:"terminalId"`
	Name         string `json:"name"`
	TerminalType string `json:"terminalType"`
	State        string `json:"state"`
	RequestID    string `json:"requestId,omitempty"`
}
