// Command terminalhubd is the terminal-hub server entrypoint: it wires
// config, logging, the PTY Engine, the Terminal Registry, the Spawn
// Pipeline, the Mux Session Introspector, the WebSocket Gateway, the HTTP
// surface, optional cookie-session auth, and the housekeeping scheduler,
// then serves until signaled to shut down. Bootstrap and graceful
// shutdown follow the teacher's Run(), adapted to add the shutdown
// sequencing the teacher's own Run() never had.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iwanhae/terminal-hub/internal/auth"
	"github.com/iwanhae/terminal-hub/internal/config"
	"github.com/iwanhae/terminal-hub/internal/gateway"
	"github.com/iwanhae/terminal-hub/internal/housekeeping"
	"github.com/iwanhae/terminal-hub/internal/httpapi"
	"github.com/iwanhae/terminal-hub/internal/logging"
	"github.com/iwanhae/terminal-hub/internal/muxintrospect"
	"github.com/iwanhae/terminal-hub/internal/ptyengine"
	"github.com/iwanhae/terminal-hub/internal/registry"
	"github.com/iwanhae/terminal-hub/internal/spawn"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}

	log, err := logging.New(logging.Config{Level: cfg.LogLevel})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging error:", err)
		return 2
	}
	defer log.Sync()

	authManager := bootstrapAuth(cfg, log)
	loginGuard := auth.NewLoginGuard(0, 0, log)

	reg := registry.New(nil, registry.Options{
		TypeAbbrev:           cfg.TerminalTypes,
		DisconnectGrace:      cfg.DisconnectGrace,
		SanitizedEnvPrefixes: cfg.SanitizedEnvPrefixes,
		SanitizedEnvKeys:     cfg.SanitizedEnvKeys,
	}, log)
	engine := ptyengine.New(reg, log)
	reg.SetEngine(engine)

	if cfg.ForceCleanup {
		bootMux := muxintrospect.New(log)
		sessions, err := bootMux.ListDetailed(context.Background())
		if err != nil {
			log.Warnw("failed to list mux sessions for force cleanup", "error", err)
		}
		killed := 0
		for _, s := range sessions {
			if s.Managed() && bootMux.KillSession(context.Background(), s.Name) == nil {
				killed++
			}
		}
		log.Infow("force cleanup killed managed mux sessions", "killed", killed)
	}
	if cfg.RecoverTerminals {
		mux := muxintrospect.New(log)
		recoverMuxSessions(reg, mux, cfg, log)
	}
	if cfg.CleanupOnStart {
		removed := reg.CleanupDuplicates()
		log.Infow("startup cleanup removed stale terminals", "removed", removed, "forced", cfg.ForceCleanup)
	}

	allowedTypes := make(map[string]bool, len(cfg.TerminalTypes))
	for t := range cfg.TerminalTypes {
		allowedTypes[t] = true
	}
	pipeline := spawn.New(reg, spawn.Options{
		AllowedTypes:       allowedTypes,
		RateLimitBurst:     cfg.RateLimitBurst,
		RateLimitPerWindow: cfg.RateLimitPerWindow,
		RateLimitWindow:    cfg.RateLimitWindow,
	}, log)

	mux := muxintrospect.New(log)

	house, err := housekeeping.New(reg, "@every 5m", log)
	if err != nil {
		log.Errorw("failed to start housekeeping scheduler", "error", err)
		return 2
	}
	house.Start()

	gw := gateway.New(reg, pipeline, mux, log, gateway.Options{
		HousekeepingTick: cfg.HousekeepingTick,
	})

	api := httpapi.New(reg, pipeline, mux, house, log)

	mainMux := api.Mux()
	mainMux.HandleFunc("/ws", gw.HandleWS)
	mainMux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		handleLogin(authManager, loginGuard, w, r)
	})
	mainMux.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		auth.HandleLogout(authManager, w, r)
	})

	var handler http.Handler = mainMux
	if authManager.Configured() {
		handler = auth.Middleware(authManager, mainMux)
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: handler}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go gw.Run(ctx)

	serveErr := make(chan error, 1)
	go func() {
		log.Infow("terminal-hub server starting", "addr", cfg.Addr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			log.Errorw("server failed to bind", "error", err)
			return 2
		}
	case <-ctx.Done():
		log.Infow("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownDeadline)
	defer shutdownCancel()

	gw.Stop()
	house.Stop(shutdownCtx)
	reg.Shutdown(cfg.ForceCleanup)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("graceful shutdown deadline exceeded, forcing close", "error", err)
		srv.Close()
		return 1
	}
	return 0
}

// recoverMuxSessions re-adopts tmux sessions left over from a prior process
// (matched by the managed-session name prefix) as disconnected Terminals,
// so a client reconnect finds them listed instead of gone. Reconnecting
// does not attach a PTY to the recovered session.
func recoverMuxSessions(reg *registry.Registry, mux *muxintrospect.Client, cfg config.Config, log *zap.SugaredLogger) {
	sessions, err := mux.ListDetailed(context.Background())
	if err != nil {
		log.Warnw("failed to list mux sessions for recovery", "error", err)
		return
	}
	recovered := 0
	for _, s := range sessions {
		if !s.Managed() {
			continue
		}
		reg.RestoreDisconnected(registry.Terminal{
			ID:          uuid.New().String(),
			Name:        s.Name,
			SessionName: s.Name,
			UseMux:      true,
			State:       registry.StateDisconnected,
		})
		recovered++
	}
	if recovered > 0 {
		log.Infow("recovered mux sessions from prior process", "count", recovered)
	}
}

func bootstrapAuth(cfg config.Config, log *zap.SugaredLogger) *auth.Manager {
	username := os.Getenv("TERMINAL_HUB_USERNAME")
	password := os.Getenv("TERMINAL_HUB_PASSWORD")
	if username != "" && password != "" {
		log.Infow("cookie auth enabled", "source", "environment variables")
		return auth.NewPlaintext(username, password, cfg.SessionTTL)
	}

	filePath := cfg.PasswordFile
	if filePath == "" {
		if def, err := auth.DefaultPasswordFilePath(); err == nil {
			filePath = def
		}
	}
	if filePath != "" {
		if user, hash, err := auth.LoadCredentials(filePath); err == nil {
			log.Infow("cookie auth enabled", "source", "password file", "path", filePath)
			return auth.NewHashed(user, hash, cfg.SessionTTL)
		}
	}

	log.Warnw("no authentication configured; server is reachable without a login")
	return auth.NewPlaintext("", "", cfg.SessionTTL)
}

func handleLogin(m *auth.Manager, guard *auth.LoginGuard, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ip := auth.ExtractClientIP(r)
	now := time.Now()
	if banned, remaining := guard.IsBanned(ip, now); banned {
		http.Error(w, auth.LoginBanMessage(remaining), http.StatusTooManyRequests)
		return
	}

	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if !auth.HandleLogin(m, w, r, body.Username, body.Password) {
		if banned, remaining := guard.RecordFailure(ip, now); banned {
			http.Error(w, auth.LoginBanMessage(remaining), http.StatusTooManyRequests)
			return
		}
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	guard.Reset(ip)
	w.WriteHeader(http.StatusNoContent)
}
