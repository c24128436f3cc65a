package gateway

import "encoding/json"

// inboundMessage is the generic envelope for every WebSocket control-plane
// frame; Type selects which of the optional fields are meaningful.
type inboundMessage struct {
	Type       string          `json:"type"`
	RequestID  string          `json:"requestId,omitempty"`
	Config     json.RawMessage `json:"config,omitempty"`
	TerminalID string          `json:"terminalId,omitempty"`
	Command    string          `json:"command,omitempty"`
	Cols       int             `json:"cols,omitempty"`
	Rows       int             `json:"rows,omitempty"`
}

// spawnConfigWire is the JSON shape of the `spawn` message's `config` field.
type spawnConfigWire struct {
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
}

// terminalWire is the JSON projection of registry.Terminal sent to clients.
type terminalWire struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	TerminalType string `json:"terminalType"`
	State        string `json:"state"`
	UseMux       bool   `json:"useMux"`
	SessionName  string `json:"sessionName,omitempty"`
	Cols         int    `json:"cols"`
	Rows         int    `json:"rows"`
}

type terminalsSnapshot struct {
	Type      string         `json:"type"`
	Terminals []terminalWire `json:"terminals"`
}

type terminalOutputFrame struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

type terminalSpawnedFrame struct {
	Type      string       `json:"type"`
	Terminal  terminalWire `json:"terminal"`
	RequestID string       `json:"requestId,omitempty"`
}

type terminalClosedFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type spawnErrorFrame struct {
	Type       string  `json:"type"`
	Error      string  `json:"error"`
	RequestID  string  `json:"requestId,omitempty"`
	RetryAfter float64 `json:"retryAfter,omitempty"`
}

type reconnectFailedFrame struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId"`
	Error      string `json:"error"`
}

type terminalReconnectedFrame struct {
	Type     string       `json:"type"`
	Terminal terminalWire `json:"terminal"`
}

type muxSessionWire struct {
	Name      string `json:"name"`
	Windows   int    `json:"windows"`
	Attached  bool   `json:"attached"`
	Cwd       string `json:"cwd,omitempty"`
	GitBranch string `json:"gitBranch,omitempty"`
}

type muxSessionsListFrame struct {
	Type     string           `json:"type"`
	Sessions []muxSessionWire `json:"sessions"`
}

type memoryStatsFrame struct {
	Type           string `json:"type"`
	HeapAllocBytes uint64 `json:"heapAllocBytes"`
	Goroutines     int    `json:"goroutines"`
	TerminalCount  int    `json:"terminalCount"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
