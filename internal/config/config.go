// Package config resolves server configuration from flags and environment
// variables on top of hardcoded defaults. PORT overrides the -addr flag;
// the -password-file flag wins over TERMINAL_HUB_PASSWORD_FILE.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config is the fully resolved set of knobs the server boots with.
type Config struct {
	Addr             string
	LogLevel         string
	PasswordFile     string
	SessionTTL       time.Duration
	CleanupOnStart   bool
	ForceCleanup     bool
	RecoverTerminals bool

	// TerminalTypes is the allowlist of launcher classes the Spawn Pipeline
	// accepts, mapped to their mux-name abbreviation.
	TerminalTypes map[string]string

	// SanitizedEnvPrefixes lists prefixes of env vars stripped before exec
	// because their presence confuses a child TUI's terminal-type detection.
	SanitizedEnvPrefixes []string
	// SanitizedEnvKeys lists exact env var names stripped the same way.
	SanitizedEnvKeys []string

	// Spawn rate limiting: token bucket capacity and refill interval.
	RateLimitBurst    int
	RateLimitPerWindow int
	RateLimitWindow   time.Duration

	ResizeDebounce   time.Duration
	DisconnectGrace  time.Duration
	HousekeepingTick time.Duration
	ShutdownDeadline time.Duration

	ProblematicLaunchers []string
}

// Default returns the baked-in defaults before flags/env are applied.
func Default() Config {
	return Config{
		Addr:             ":8127",
		LogLevel:         "info",
		SessionTTL:       24 * time.Hour,
		CleanupOnStart:   false,
		ForceCleanup:     false,
		RecoverTerminals: true,
		TerminalTypes: map[string]string{
			"shell":     "sh",
			"code-agent": "ca",
			"tui":       "tu",
		},
		SanitizedEnvPrefixes: []string{"WT_"},
		SanitizedEnvKeys:     []string{"ITERM_SESSION_ID", "TERM_SESSION_ID"},
		RateLimitBurst:       3,
		RateLimitPerWindow:   10,
		RateLimitWindow:      10 * time.Second,
		ResizeDebounce:       300 * time.Millisecond,
		DisconnectGrace:      30 * time.Second,
		HousekeepingTick:     5 * time.Second,
		ShutdownDeadline:     5 * time.Second,
		ProblematicLaunchers: []string{"tt-zombie"},
	}
}

// Load parses args with its own FlagSet and layers environment variable
// overrides on top of Default().
func Load(args []string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("terminalhubd", flag.ContinueOnError)
	addr := fs.String("addr", cfg.Addr, "http service address")
	passwordFile := fs.String("password-file", "", "path to password file (default: ~/.terminal-hub/credentials.json)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.Addr = *addr
	cfg.PasswordFile = *passwordFile

	if port := os.Getenv("PORT"); port != "" {
		cfg.Addr = ":" + port
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = lvl
	}
	cfg.CleanupOnStart = envBool("CLEANUP_ON_START", cfg.CleanupOnStart)
	cfg.ForceCleanup = envBool("FORCE_CLEANUP", cfg.ForceCleanup)
	cfg.RecoverTerminals = envBool("RECOVER_TERMINALS", cfg.RecoverTerminals)

	if ttlStr := os.Getenv("TERMINAL_HUB_SESSION_TTL"); ttlStr != "" {
		if ttl, err := time.ParseDuration(ttlStr); err == nil {
			cfg.SessionTTL = ttl
		}
	}
	if cfg.PasswordFile == "" {
		cfg.PasswordFile = os.Getenv("TERMINAL_HUB_PASSWORD_FILE")
	}

	return cfg, nil
}

func envBool(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}
