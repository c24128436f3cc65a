// Package gateway is the sole network-facing component for the control
// plane and the terminal output stream: it owns the WebSocket upgrade,
// per-connection ownership bookkeeping, and the output-routing boundary
// that keeps one terminal's escape sequences from leaking into another's
// window. It corresponds to component E of the server design and is
// grounded on the teacher's handleWebSocket read/write pump.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/iwanhae/terminal-hub/internal/muxintrospect"
	"github.com/iwanhae/terminal-hub/internal/registry"
	"github.com/iwanhae/terminal-hub/internal/spawn"
)

const (
	defaultMalformedThreshold = 10
	defaultMalformedWindow    = 60 * time.Second
	defaultHousekeepingTick   = 5 * time.Second
)

// RegistryAPI is the subset of *registry.Registry the gateway depends on.
type RegistryAPI interface {
	GetAll() []registry.Terminal
	Get(id string) (registry.Terminal, bool)
	SendCommand(id string, data []byte) error
	Resize(id string, cols, rows int) error
	Close(id string, force bool) error
	Disconnect(id string) error
	CancelDisconnect(id string) error
	Reconnect(id string) (registry.Terminal, error)
	Subscribe(bufSize int) (<-chan registry.Event, *registry.Subscription)
}

// SpawnerAPI is the subset of *spawn.Pipeline the gateway depends on.
type SpawnerAPI interface {
	Spawn(req spawn.Request) (spawn.Result, error)
}

// MuxAPI is the subset of *muxintrospect.Client the gateway depends on.
type MuxAPI interface {
	ListDetailed(ctx context.Context) ([]muxintrospect.SessionInfo, error)
}

// Options configures malformed-message tolerance and the housekeeping
// cadence, sourced from internal/config.
type Options struct {
	MalformedThreshold int
	MalformedWindow    time.Duration
	HousekeepingTick   time.Duration
}

func (o Options) withDefaults() Options {
	if o.MalformedThreshold == 0 {
		o.MalformedThreshold = defaultMalformedThreshold
	}
	if o.MalformedWindow == 0 {
		o.MalformedWindow = defaultMalformedWindow
	}
	if o.HousekeepingTick == 0 {
		o.HousekeepingTick = defaultHousekeepingTick
	}
	return o
}

// Gateway holds all live WebSocket connections and the ownership table
// restricting output routing.
type Gateway struct {
	reg      RegistryAPI
	pipeline SpawnerAPI
	mux      MuxAPI
	log      *zap.SugaredLogger
	opts     Options
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*clientSession

	ownership *ownershipTable

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(reg RegistryAPI, pipeline SpawnerAPI, mux MuxAPI, log *zap.SugaredLogger, opts Options) *Gateway {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	g := &Gateway{
		reg:      reg,
		pipeline: pipeline,
		mux:      mux,
		log:      log.Named("gateway"),
		opts:     opts.withDefaults(),
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(r *http.Request) bool { return true }},
		sessions: make(map[string]*clientSession),
		ownership: newOwnershipTable(),
		stopCh:   make(chan struct{}),
	}
	return g
}

// Run subscribes to the registry's event bus and starts the periodic
// housekeeping sweep. It must be called once at server bring-up, and
// blocks until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	events, sub := g.reg.Subscribe(256)
	defer sub.Unsubscribe()

	ticker := time.NewTicker(g.opts.HousekeepingTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			g.routeEvent(evt)
		case <-ticker.C:
			g.sweepAndBroadcastStats()
		}
	}
}

func (g *Gateway) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}

func (g *Gateway) routeEvent(evt registry.Event) {
	switch evt.Kind {
	case registry.EventOutput:
		frame, _ := json.Marshal(terminalOutputFrame{Type: "terminal-output", TerminalID: evt.TerminalID, Data: string(evt.Data)})
		for _, sess := range g.ownership.sessionsFor(evt.TerminalID) {
			sess.enqueue(frame)
		}
	case registry.EventClosed:
		frame, _ := json.Marshal(terminalClosedFrame{Type: "terminal-closed", ID: evt.TerminalID})
		g.broadcast(frame)
		g.ownership.mu.Lock()
		delete(g.ownership.owners, evt.TerminalID)
		g.ownership.mu.Unlock()
	case registry.EventError:
		frame, _ := json.Marshal(errorFrame{Type: "error", Message: evt.ErrKind + ": " + evt.Detail})
		for _, sess := range g.ownership.sessionsFor(evt.TerminalID) {
			sess.enqueue(frame)
		}
	}
}

func (g *Gateway) broadcast(frame []byte) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, sess := range g.sessions {
		sess.enqueue(frame)
	}
}

func (g *Gateway) sweepAndBroadcastStats() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	g.mu.Lock()
	for id, sess := range g.sessions {
		if sess.conn == nil {
			delete(g.sessions, id)
		}
	}
	g.mu.Unlock()

	frame, _ := json.Marshal(memoryStatsFrame{
		Type:           "memory-stats",
		HeapAllocBytes: m.HeapAlloc,
		Goroutines:     runtime.NumGoroutine(),
		TerminalCount:  len(g.reg.GetAll()),
	})
	g.broadcast(frame)
}

// HandleWS upgrades the connection, sends the initial terminals snapshot,
// then runs the write pump and blocking read loop. It returns once the
// connection is closed, having cleaned up ownership and started a grace
// disconnect for every terminal this session owned.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warnw("websocket upgrade failed", "error", err)
		return
	}

	sess := newClientSession(uuid.New().String(), conn)

	g.mu.Lock()
	g.sessions[sess.id] = sess
	g.mu.Unlock()

	g.sendSnapshot(sess)

	pumpDone := make(chan struct{})
	go func() {
		sess.writePump()
		close(pumpDone)
	}()

	defer g.cleanup(sess)
	g.readLoop(sess)

	// Let the write pump flush what the read loop queued last (such as the
	// error frame sent before a protocol-violation disconnect) before
	// cleanup closes the socket.
	sess.close()
	select {
	case <-pumpDone:
	case <-time.After(writeTimeout):
	}
}

func (g *Gateway) sendSnapshot(sess *clientSession) {
	all := g.reg.GetAll()
	wire := make([]terminalWire, 0, len(all))
	for _, t := range all {
		wire = append(wire, toWire(t))
	}
	frame, _ := json.Marshal(terminalsSnapshot{Type: "terminals", Terminals: wire})
	sess.enqueue(frame)
}

func (g *Gateway) cleanup(sess *clientSession) {
	sess.conn.Close()
	sess.close()

	g.mu.Lock()
	delete(g.sessions, sess.id)
	g.mu.Unlock()

	for _, id := range sess.ownedIDs() {
		_ = g.reg.Disconnect(id)
	}
	g.ownership.removeSession(sess)
}

func (g *Gateway) readLoop(sess *clientSession) {
	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			g.log.Debugw("malformed frame", "session", sess.id, "error", err)
			frame, _ := json.Marshal(errorFrame{Type: "error", Message: "malformed JSON frame"})
			sess.enqueue(frame)
			return
		}

		if !g.dispatch(sess, msg) {
			frame, _ := json.Marshal(errorFrame{Type: "error", Message: "unrecognized message type threshold exceeded"})
			sess.enqueue(frame)
			return
		}
	}
}

// dispatch handles one parsed inboundMessage, returning false if the
// connection should be torn down (malformed-message threshold crossed).
func (g *Gateway) dispatch(sess *clientSession, msg inboundMessage) bool {
	switch msg.Type {
	case "spawn":
		g.handleSpawn(sess, msg)
	case "command":
		_ = g.reg.SendCommand(msg.TerminalID, []byte(msg.Command))
	case "resize":
		_ = g.reg.Resize(msg.TerminalID, msg.Cols, msg.Rows)
	case "detach":
		_ = g.reg.Close(msg.TerminalID, false)
		g.ownership.remove(msg.TerminalID, sess)
		sess.disown(msg.TerminalID)
		frame, _ := json.Marshal(terminalClosedFrame{Type: "terminal-closed", ID: msg.TerminalID})
		g.broadcast(frame)
	case "close":
		_ = g.reg.Close(msg.TerminalID, true)
		g.ownership.remove(msg.TerminalID, sess)
		sess.disown(msg.TerminalID)
		frame, _ := json.Marshal(terminalClosedFrame{Type: "terminal-closed", ID: msg.TerminalID})
		g.broadcast(frame)
	case "reconnect":
		g.handleReconnect(sess, msg)
	case "query-mux-sessions":
		g.handleQueryMuxSessions(sess)
	default:
		return !sess.strike(g.opts.MalformedThreshold, g.opts.MalformedWindow)
	}
	return true
}

func (g *Gateway) handleSpawn(sess *clientSession, msg inboundMessage) {
	var cfg spawnConfigWire
	if len(msg.Config) > 0 {
		if err := json.Unmarshal(msg.Config, &cfg); err != nil {
			frame, _ := json.Marshal(spawnErrorFrame{Type: "spawn-error", Error: "invalid config", RequestID: msg.RequestID})
			sess.enqueue(frame)
			return
		}
	}

	result, err := g.pipeline.Spawn(spawn.Request{
		ClientID:     sess.id,
		RequestID:    msg.RequestID,
		TerminalType: cfg.TerminalType,
		Name:         cfg.Name,
		WorkingDir:   cfg.WorkingDir,
		Env:          cfg.Env,
		Command:      cfg.Command,
		Commands:     cfg.Commands,
		Platform:     cfg.Platform,
		UseMux:       cfg.UseMux,
		Cols:         cfg.Cols,
		Rows:         cfg.Rows,
	})
	if err != nil {
		spawnErr := &spawn.SpawnError{}
		retryAfter := 0.0
		if se, ok := err.(*spawn.SpawnError); ok {
			spawnErr = se
			retryAfter = se.RetryAfter
		}
		frame, _ := json.Marshal(spawnErrorFrame{Type: "spawn-error", Error: spawnErr.Error(), RequestID: msg.RequestID, RetryAfter: retryAfter})
		sess.enqueue(frame)
		return
	}

	sess.own(result.TerminalID)
	g.ownership.add(result.TerminalID, sess)

	term, _ := g.reg.Get(result.TerminalID)
	frame, _ := json.Marshal(terminalSpawnedFrame{Type: "terminal-spawned", Terminal: toWire(term), RequestID: msg.RequestID})
	g.broadcast(frame)
}

func (g *Gateway) handleReconnect(sess *clientSession, msg inboundMessage) {
	if err := g.reg.CancelDisconnect(msg.TerminalID); err != nil {
		frame, _ := json.Marshal(reconnectFailedFrame{Type: "reconnect-failed", TerminalID: msg.TerminalID, Error: err.Error()})
		sess.enqueue(frame)
		return
	}
	term, err := g.reg.Reconnect(msg.TerminalID)
	if err != nil {
		frame, _ := json.Marshal(reconnectFailedFrame{Type: "reconnect-failed", TerminalID: msg.TerminalID, Error: err.Error()})
		sess.enqueue(frame)
		return
	}

	sess.own(msg.TerminalID)
	g.ownership.add(msg.TerminalID, sess)

	frame, _ := json.Marshal(terminalReconnectedFrame{Type: "terminal-reconnected", Terminal: toWire(term)})
	sess.enqueue(frame)
}

func (g *Gateway) handleQueryMuxSessions(sess *clientSession) {
	sessions, err := g.mux.ListDetailed(context.Background())
	if err != nil {
		frame, _ := json.Marshal(errorFrame{Type: "error", Message: err.Error()})
		sess.enqueue(frame)
		return
	}
	wire := make([]muxSessionWire, 0, len(sessions))
	for _, s := range sessions {
		wire = append(wire, muxSessionWire{Name: s.Name, Windows: s.Windows, Attached: s.Attached, Cwd: s.Cwd, GitBranch: s.GitBranch})
	}
	frame, _ := json.Marshal(muxSessionsListFrame{Type: "mux-sessions-list", Sessions: wire})
	sess.enqueue(frame)
}

func toWire(t registry.Terminal) terminalWire {
	return terminalWire{
		ID:           t.ID,
		Name:         t.Name,
		TerminalType: t.TerminalType,
		State:        string(t.State),
		UseMux:       t.UseMux,
		SessionName:  t.SessionName,
		Cols:         t.Cols,
		Rows:         t.Rows,
	}
}
