package spawn

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/iwanhae/terminal-hub/internal/registry"
)

const (
	maxNameLen    = 50
	minCols, maxCols = 20, 300
	minRows, maxRows = 10, 100
	maxCommandLen = 10000
)

// Registrar is the subset of *registry.Registry the pipeline depends on.
type Registrar interface {
	Register(cfg registry.Config) (registry.Terminal, error)
}

// Options configures Pipeline's rate limit and dedup window, sourced from
// internal/config.
type Options struct {
	AllowedTypes      map[string]bool
	RateLimitBurst    int
	RateLimitPerWindow int
	RateLimitWindow   time.Duration
	PendingTTL        time.Duration
}

// Pipeline is component C: validate, rate-limit, correlate, register.
type Pipeline struct {
	reg     Registrar
	allowed map[string]bool
	rl      *limiter
	pending *pendingSpawns
	log     *zap.SugaredLogger
}

func New(reg Registrar, opts Options, log *zap.SugaredLogger) *Pipeline {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ttl := opts.PendingTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &Pipeline{
		reg:     reg,
		allowed: opts.AllowedTypes,
		rl:      newLimiter(opts.RateLimitBurst, opts.RateLimitPerWindow, opts.RateLimitWindow),
		pending: newPendingSpawns(ttl),
		log:     log.Named("spawn"),
	}
}

// Spawn validates, rate-limits, deduplicates by RequestID, and registers
// req. A second call carrying a RequestID still pending for a first call
// blocks until the first completes and returns its result verbatim
// (idempotent retry semantics), rather than registering a second Terminal.
func (p *Pipeline) Spawn(req Request) (Result, error) {
	if err := validate(req, p.allowed); err != nil {
		return Result{}, err
	}

	// Rate limiting is keyed on the connection, never the request
	// correlation id: a client retrying the same requestId, or minting a
	// fresh one per spawn, must still hit the same per-client bucket.
	if ok, retryAfter := p.rl.allow(req.ClientID); !ok {
		return Result{}, &SpawnError{Kind: ErrRateLimited, Message: "spawn rate limit exceeded", RetryAfter: retryAfter}
	}

	entry, isNew := p.pending.begin(req.RequestID)
	if !isNew {
		<-entry.done
		return entry.result, entry.err
	}

	result, err := p.register(req)
	p.pending.finish(req.RequestID, entry, result, err)
	return result, err
}

func (p *Pipeline) register(req Request) (Result, error) {
	term, err := p.reg.Register(registry.Config{
		TerminalType: req.TerminalType,
		Name:         req.Name,
		WorkingDir:   req.WorkingDir,
		Env:          req.Env,
		Command:      req.Command,
		Commands:     req.Commands,
		Platform:     req.Platform,
		UseMux:       req.UseMux,
		Cols:         req.Cols,
		Rows:         req.Rows,
		RequestID:    req.RequestID,
		ShellPath:    req.ShellPath,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{
		TerminalID:   term.ID,
		Name:         term.Name,
		TerminalType: term.TerminalType,
		State:        string(term.State),
		RequestID:    req.RequestID,
	}, nil
}

func validate(req Request, allowed map[string]bool) error {
	if !allowed[req.TerminalType] {
		return &SpawnError{Kind: ErrUnknownType, Message: fmt.Sprintf("unknown terminal type %q", req.TerminalType)}
	}
	if len(req.Name) > maxNameLen {
		return &SpawnError{Kind: ErrNameTooLong, Message: "name exceeds 50 characters"}
	}
	if req.Cols != 0 && (req.Cols < minCols || req.Cols > maxCols) {
		return &SpawnError{Kind: ErrColsOutOfRange, Message: "cols out of range [20,300]"}
	}
	if req.Rows != 0 && (req.Rows < minRows || req.Rows > maxRows) {
		return &SpawnError{Kind: ErrRowsOutOfRange, Message: "rows out of range [10,100]"}
	}
	if len(req.Command) > maxCommandLen {
		return &SpawnError{Kind: ErrCommandTooLong, Message: "command exceeds 10000 characters"}
	}
	for _, c := range req.Commands {
		if len(c) > maxCommandLen {
			return &SpawnError{Kind: ErrCommandTooLong, Message: "command exceeds 10000 characters"}
		}
	}
	if req.WorkingDir != "" {
		info, err := os.Stat(req.WorkingDir)
		if err != nil || !info.IsDir() {
			return &SpawnError{Kind: ErrWorkingDirInvalid, Message: fmt.Sprintf("working dir %q does not exist", req.WorkingDir)}
		}
	}
	return nil
}
