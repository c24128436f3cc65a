package ptyengine

import (
	"os"
	"strings"
)

// buildChildEnv computes: (process environment minus the sanitized set) ∪
// request env ∪ enforced {TERM, caller TERM_PROGRAM override}. Overrides
// win, matching the env contract in §6.
func buildChildEnv(cfg Config) []string {
	prefixes := cfg.SanitizedEnvPrefixes
	keys := make(map[string]bool, len(cfg.SanitizedEnvKeys))
	for _, k := range cfg.SanitizedEnvKeys {
		keys[k] = true
	}

	base := os.Environ()
	filtered := make([]string, 0, len(base))
	for _, kv := range base {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if keys[name] {
			continue
		}
		if hasAnyPrefix(name, prefixes) {
			continue
		}
		filtered = append(filtered, kv)
	}

	termSet := false
	termProgramSet := false
	for k, v := range cfg.Env {
		filtered = append(filtered, k+"="+v)
		if k == "TERM" {
			termSet = true
		}
		if k == "TERM_PROGRAM" {
			termProgramSet = true
		}
	}

	if !termSet {
		filtered = append(filtered, "TERM=xterm-256color")
	}
	if !termProgramSet {
		// Leave TERM_PROGRAM unset unless the caller explicitly provided
		// one; we never claim to be a specific other terminal emulator.
	}

	return filtered
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
