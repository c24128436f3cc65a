package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iwanhae/terminal-hub/internal/ptyengine"
)

var (
	ErrNotFound   = errors.New("terminal not found")
	ErrNotActive  = errors.New("terminal not active")
	ErrPastGrace  = errors.New("disconnect grace already expired")
	ErrBadType    = errors.New("unknown terminal type")
)

// Engine is the subset of ptyengine.Engine the registry depends on; kept as
// an interface so tests can substitute a fake PTY/Mux Handler.
type Engine interface {
	Create(cfg ptyengine.Config) error
	Write(id string, data []byte) error
	Resize(id string, cols, rows int) error
	Kill(id string, force bool) error
	Nudge(id string)
	CleanupWithGrace(force bool)
}

// Options configures the Registry's behavior knobs, sourced from
// internal/config.
type Options struct {
	TypeAbbrev      map[string]string // terminalType -> mux-name abbreviation
	DisconnectGrace time.Duration
	SanitizedEnvPrefixes []string
	SanitizedEnvKeys     []string
}

type entry struct {
	term Terminal

	disconnectTimer *time.Timer
}

// Registry is the single source of truth for live Terminals. All mutation
// goes through its mutex-guarded write path; the event bus is the only way
// state changes are observed from outside.
type Registry struct {
	engine Engine
	opts   Options
	log    *zap.SugaredLogger

	mu      sync.Mutex
	entries map[string]*entry

	bus *eventBus

	typeCounters map[string]int
}

// New constructs a Registry bound to engine. Call Subscribe immediately
// after construction if a caller (typically the gateway) needs to observe
// events from the start.
func New(engine Engine, opts Options, log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry{
		engine:       engine,
		opts:         opts,
		log:          log.Named("registry"),
		entries:      make(map[string]*entry),
		bus:          newEventBus(),
		typeCounters: make(map[string]int),
	}
}

// SetEngine binds the PTY/Mux Handler after construction, breaking the
// construction-order cycle between Registry (which implements the
// engine's Sink) and the engine (which the Registry calls into): callers
// build the Registry with a nil engine, construct the engine against that
// Registry as its Sink, then bind it back here before serving any traffic.
func (r *Registry) SetEngine(engine Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engine = engine
}

// Subscribe registers a new listener on the registry's event bus. The
// returned Subscription must be torn down (Unsubscribe) when the
// subscriber's own lifetime ends.
func (r *Registry) Subscribe(bufSize int) (<-chan Event, *Subscription) {
	return r.bus.Subscribe(bufSize)
}

// ---- ptyengine.Sink implementation: folds PTY events into the bus ----

func (r *Registry) OnOutput(id string, data []byte) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		e.term.LastActivity = time.Now()
		if e.term.State == StateSpawning {
			e.term.State = StateActive
		}
	}
	r.mu.Unlock()
	r.bus.publish(Event{Kind: EventOutput, TerminalID: id, Data: data})
}

func (r *Registry) OnClosed(id string, reason string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		e.term.State = StateClosed
		if e.disconnectTimer != nil {
			e.disconnectTimer.Stop()
		}
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		// Already closed (or never registered): closed is the last event
		// for an id, so a repeat notification publishes nothing.
		return
	}
	r.bus.publish(Event{Kind: EventClosed, TerminalID: id, Reason: reason})
}

func (r *Registry) OnError(id, kind, detail string) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		e.term.State = StateError
	}
	r.mu.Unlock()
	r.bus.publish(Event{Kind: EventError, TerminalID: id, ErrKind: kind, Detail: detail})
}

// ---- queries ----

func (r *Registry) Get(id string) (Terminal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Terminal{}, false
	}
	return e.term.clone(), true
}

func (r *Registry) GetAll() []Terminal {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Terminal, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.term.clone())
	}
	return out
}

func (r *Registry) GetByType(t string) []Terminal {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Terminal, 0)
	for _, e := range r.entries {
		if e.term.TerminalType == t {
			out = append(out, e.term.clone())
		}
	}
	return out
}

func (r *Registry) GetActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.term.State == StateActive {
			n++
		}
	}
	return n
}

// ---- mutation ----

// Register allocates a TerminalId, inserts the Terminal in `spawning`,
// invokes the PTY/Mux Handler, and transitions to `active`. Transition to
// active happens as soon as Create succeeds (rather than waiting for first
// output byte) — an explicit choice for the "spawning vs active"
// ambiguity the distilled spec leaves open.
func (r *Registry) Register(cfg Config) (Terminal, error) {
	abbrev, ok := r.opts.TypeAbbrev[cfg.TerminalType]
	if !ok {
		return Terminal{}, ErrBadType
	}

	id := uuid.New().String()
	now := time.Now()

	name := cfg.Name
	r.mu.Lock()
	if name == "" {
		counter := r.typeCounters[cfg.TerminalType]
		name = nextDisplayName(abbrev, func(candidate string) bool {
			for _, e := range r.entries {
				if e.term.Name == candidate {
					return true
				}
			}
			return false
		}, counter)
		r.typeCounters[cfg.TerminalType] = counter + 1
	}

	sessionName := ""
	if cfg.UseMux {
		for {
			candidate := newSessionName(abbrev)
			collide := false
			for _, e := range r.entries {
				if e.term.SessionName == candidate {
					collide = true
					break
				}
			}
			if !collide {
				sessionName = candidate
				break
			}
		}
	}

	term := Terminal{
		ID:           id,
		Name:         name,
		AgentID:      id,
		TerminalType: cfg.TerminalType,
		Command:      cfg.Command,
		Commands:     cfg.Commands,
		WorkingDir:   cfg.WorkingDir,
		Env:          cfg.Env,
		Platform:     defaultString(cfg.Platform, "local"),
		UseMux:       cfg.UseMux,
		SessionName:  sessionName,
		Cols:         defaultInt(cfg.Cols, 80),
		Rows:         defaultInt(cfg.Rows, 24),
		State:        StateSpawning,
		CreatedAt:    now,
		LastActivity: now,
		RequestID:    cfg.RequestID,
	}
	r.entries[id] = &entry{term: term}
	r.mu.Unlock()

	err := r.engine.Create(ptyengine.Config{
		ID:                   id,
		Command:              cfg.Command,
		Commands:             cfg.Commands,
		WorkingDir:           cfg.WorkingDir,
		Env:                  cfg.Env,
		UseMux:               cfg.UseMux,
		SessionName:          sessionName,
		Cols:                 term.Cols,
		Rows:                 term.Rows,
		ShellPath:            cfg.ShellPath,
		SanitizedEnvPrefixes: r.opts.SanitizedEnvPrefixes,
		SanitizedEnvKeys:     r.opts.SanitizedEnvKeys,
		MuxMetadata: map[string]string{
			"type": cfg.TerminalType,
			"name": name,
		},
	})
	if err != nil {
		r.mu.Lock()
		if e, ok := r.entries[id]; ok {
			e.term.State = StateError
		}
		r.mu.Unlock()
		return Terminal{}, err
	}

	r.mu.Lock()
	e := r.entries[id]
	e.term.State = StateActive
	e.term.RequestID = ""
	snapshot := e.term.clone()
	r.mu.Unlock()

	// spawned(id) happens-before any output(id, ...) a subscriber observes:
	// publish only after the entry is visible in the map and Create has
	// returned, so a reader reacting to the event sees an active Terminal.
	r.bus.publish(Event{Kind: EventSpawned, TerminalID: id})

	return snapshot, nil
}

// SendCommand forwards bytes to the PTY for an active terminal.
func (r *Registry) SendCommand(id string, data []byte) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if e.term.State != StateActive {
		r.mu.Unlock()
		return ErrNotActive
	}
	e.term.LastActivity = time.Now()
	r.mu.Unlock()

	return r.engine.Write(id, data)
}

// Resize forwards a resize request to the PTY/Mux Handler.
func (r *Registry) Resize(id string, cols, rows int) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	e.term.Cols, e.term.Rows = cols, rows
	r.mu.Unlock()

	return r.engine.Resize(id, cols, rows)
}

// Close cancels any pending disconnect timer and kills the child. For a
// mux-backed terminal with force=false, this detaches the PTY while
// leaving the mux session running.
func (r *Registry) Close(id string, force bool) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if e.disconnectTimer != nil {
		e.disconnectTimer.Stop()
		e.disconnectTimer = nil
	}
	r.mu.Unlock()

	return r.engine.Kill(id, force)
}

// Disconnect begins the grace timer for a client-initiated detach. On
// expiry: mux-backed terminals transition to closed in the registry (the
// underlying session persists); non-mux terminals are closed through
// Close(id, false), i.e. without force.
func (r *Registry) Disconnect(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	e.term.State = StateDisconnected
	if e.disconnectTimer != nil {
		e.disconnectTimer.Stop()
	}
	grace := r.opts.DisconnectGrace
	e.disconnectTimer = time.AfterFunc(grace, func() { r.onGraceExpired(id) })
	r.mu.Unlock()
	return nil
}

func (r *Registry) onGraceExpired(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	useMux := e.term.UseMux
	r.mu.Unlock()

	if useMux {
		r.mu.Lock()
		if e, ok := r.entries[id]; ok {
			e.term.State = StateClosed
			delete(r.entries, id)
		}
		r.mu.Unlock()
		r.bus.publish(Event{Kind: EventClosed, TerminalID: id, Reason: "grace-expired"})
		return
	}

	_ = r.Close(id, false)
}

// CancelDisconnect stops a pending grace timer (used on reconnect). It
// fails if the timer already fired.
func (r *Registry) CancelDisconnect(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return ErrPastGrace
	}
	if e.disconnectTimer == nil {
		return nil
	}
	stopped := e.disconnectTimer.Stop()
	e.disconnectTimer = nil
	if !stopped {
		return ErrPastGrace
	}
	if e.term.State == StateDisconnected {
		e.term.State = StateActive
	}
	return nil
}

// Reconnect returns the Terminal if it is present and not past grace.
func (r *Registry) Reconnect(id string) (Terminal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Terminal{}, ErrNotFound
	}
	if e.term.State == StateDisconnected {
		e.term.State = StateActive
	}
	return e.term.clone(), nil
}

// CleanupDuplicates deletes disconnected Terminals whose sessionName
// collides with an active Terminal of the same name. Returns the count
// removed.
func (r *Registry) CleanupDuplicates() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	activeNames := make(map[string]bool)
	for _, e := range r.entries {
		if e.term.State == StateActive && e.term.SessionName != "" {
			activeNames[e.term.SessionName] = true
		}
	}

	removed := 0
	for id, e := range r.entries {
		if e.term.State == StateDisconnected && activeNames[e.term.SessionName] {
			if e.disconnectTimer != nil {
				e.disconnectTimer.Stop()
			}
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}

// RestoreDisconnected re-inserts a Terminal discovered by the Mux Session
// Introspector during boot recovery (RECOVER_TERMINALS), in the
// `disconnected` state. Reconnect hands it back as `active`, but no PTY is
// attached to its mux session: SendCommand and Resize on it return the
// engine's not-found error.
func (r *Registry) RestoreDisconnected(term Terminal) {
	term.State = StateDisconnected
	r.mu.Lock()
	r.entries[term.ID] = &entry{term: term}
	r.mu.Unlock()
}

// Shutdown asks the engine to clean up every child, then tears down the
// event bus, closing every subscriber's channel. It is called once, at
// server shutdown.
func (r *Registry) Shutdown(force bool) {
	r.engine.CleanupWithGrace(force)
	r.bus.removeAll()
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func defaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
