package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iwanhae/terminal-hub/internal/muxintrospect"
	"github.com/iwanhae/terminal-hub/internal/registry"
	"github.com/iwanhae/terminal-hub/internal/spawn"
)

type fakeRegistry struct {
	mu        sync.Mutex
	terminals map[string]registry.Terminal
	bus       chan registry.Event
	commands  []string
	resizes   []string
	closed    []string
	disconnected []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		terminals: make(map[string]registry.Terminal),
		bus:       make(chan registry.Event, 64),
	}
}

func (f *fakeRegistry) GetAll() []registry.Terminal {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]registry.Terminal, 0, len(f.terminals))
	for _, t := range f.terminals {
		out = append(out, t)
	}
	return out
}

func (f *fakeRegistry) Get(id string) (registry.Terminal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.terminals[id]
	return t, ok
}

func (f *fakeRegistry) SendCommand(id string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, string(data))
	return nil
}

func (f *fakeRegistry) Resize(id string, cols, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, id)
	return nil
}

func (f *fakeRegistry) Close(id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
	return nil
}

func (f *fakeRegistry) Disconnect(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, id)
	return nil
}

func (f *fakeRegistry) CancelDisconnect(id string) error { return nil }

func (f *fakeRegistry) Reconnect(id string) (registry.Terminal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.terminals[id]
	if !ok {
		return registry.Terminal{}, registry.ErrNotFound
	}
	return t, nil
}

func (f *fakeRegistry) Subscribe(bufSize int) (<-chan registry.Event, *registry.Subscription) {
	return f.bus, &registry.Subscription{}
}

func (f *fakeRegistry) addTerminal(t registry.Terminal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminals[t.ID] = t
}

type fakePipeline struct {
	result spawn.Result
	err    error
}

func (f *fakePipeline) Spawn(req spawn.Request) (spawn.Result, error) {
	return f.result, f.err
}

type fakeMux struct{}

func (fakeMux) ListDetailed(ctx context.Context) ([]muxintrospect.SessionInfo, error) {
	return []muxintrospect.SessionInfo{{Name: "tt-sh-abc", Windows: 1}}, nil
}

func dialTestServer(t *testing.T, g *Gateway) (*websocket.Conn, func()) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.HandleWS)
	srv := httptest.NewServer(mux)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

func TestGateway_SendsInitialSnapshot(t *testing.T) {
	reg := newFakeRegistry()
	reg.addTerminal(registry.Terminal{ID: "t1", Name: "sh-0", State: registry.StateActive})
	g := New(reg, &fakePipeline{}, fakeMux{}, nil, Options{})

	conn, cleanup := dialTestServer(t, g)
	defer cleanup()

	frame := readFrame(t, conn)
	if frame["type"] != "terminals" {
		t.Fatalf("expected terminals snapshot, got %v", frame["type"])
	}
}

func TestGateway_SpawnSuccessOwnsTerminalAndBroadcasts(t *testing.T) {
	reg := newFakeRegistry()
	reg.addTerminal(registry.Terminal{ID: "t1", Name: "sh-0", State: registry.StateActive})
	g := New(reg, &fakePipeline{result: spawn.Result{TerminalID: "t1", RequestID: "r-1"}}, fakeMux{}, nil, Options{})

	conn, cleanup := dialTestServer(t, g)
	defer cleanup()

	readFrame(t, conn) // initial snapshot

	req := inboundMessage{Type: "spawn", RequestID: "r-1", Config: json.RawMessage(`{"terminalType":"shell"}`)}
	raw, _ := json.Marshal(req)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	frame := readFrame(t, conn)
	if frame["type"] != "terminal-spawned" {
		t.Fatalf("expected terminal-spawned, got %v", frame["type"])
	}
	if frame["requestId"] != "r-1" {
		t.Fatalf("expected requestId echoed, got %v", frame["requestId"])
	}

	if len(g.ownership.sessionsFor("t1")) != 1 {
		t.Fatalf("expected exactly one owner for t1")
	}
}

func TestGateway_OutputRoutedOnlyToOwner(t *testing.T) {
	reg := newFakeRegistry()
	g := New(reg, &fakePipeline{}, fakeMux{}, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go g.Run(ctx)
	defer cancel()

	connA, cleanupA := dialTestServer(t, g)
	defer cleanupA()
	readFrame(t, connA) // snapshot

	// Simulate connA owning terminal t1 without going through the wire
	// protocol, to isolate the routing assertion.
	g.mu.RLock()
	var sessA *clientSession
	for _, s := range g.sessions {
		sessA = s
	}
	g.mu.RUnlock()
	g.ownership.add("t1", sessA)

	reg.bus <- registry.Event{Kind: registry.EventOutput, TerminalID: "t1", Data: []byte("hello")}

	frame := readFrame(t, connA)
	if frame["type"] != "terminal-output" || frame["terminalId"] != "t1" {
		t.Fatalf("expected owned terminal-output, got %v", frame)
	}
}

func TestGateway_MalformedJSONTerminatesConnection(t *testing.T) {
	reg := newFakeRegistry()
	g := New(reg, &fakePipeline{}, fakeMux{}, nil, Options{})

	conn, cleanup := dialTestServer(t, g)
	defer cleanup()
	readFrame(t, conn) // snapshot

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	frame := readFrame(t, conn)
	if frame["type"] != "error" {
		t.Fatalf("expected an error frame before disconnect, got %v", frame)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected connection to be closed after malformed JSON")
	}
}

func TestGateway_UnrecognizedTypeThresholdSendsErrorFrameThenDisconnects(t *testing.T) {
	reg := newFakeRegistry()
	g := New(reg, &fakePipeline{}, fakeMux{}, nil, Options{MalformedThreshold: 2, MalformedWindow: time.Minute})

	conn, cleanup := dialTestServer(t, g)
	defer cleanup()
	readFrame(t, conn) // snapshot

	for i := 0; i < 3; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"not-a-real-type"}`)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	frame := readFrame(t, conn)
	if frame["type"] != "error" {
		t.Fatalf("expected an error frame before disconnect, got %v", frame)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected connection to be closed after crossing the strike threshold")
	}
}
