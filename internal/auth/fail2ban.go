package auth

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxLoginFailures = 10
	defaultLoginBanDuration = time.Hour
)

// LoginGuard is an IP-based brute-force lockout: after maxFailures failed
// login attempts from one IP it bans that IP for banDuration, adapted from
// the teacher's login guard onto the HandleLogin entry point.
type LoginGuard struct {
	mu          sync.Mutex
	failures    map[string]int
	bannedUntil map[string]time.Time
	maxFailures int
	banDuration time.Duration
	log         *zap.SugaredLogger
}

// NewLoginGuard builds a LoginGuard. maxFailures <= 0 and banDuration <= 0
// fall back to the teacher's defaults (10 failures, 1 hour ban).
func NewLoginGuard(maxFailures int, banDuration time.Duration, log *zap.SugaredLogger) *LoginGuard {
	if maxFailures <= 0 {
		maxFailures = defaultMaxLoginFailures
	}
	if banDuration <= 0 {
		banDuration = defaultLoginBanDuration
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &LoginGuard{
		failures:    make(map[string]int),
		bannedUntil: make(map[string]time.Time),
		maxFailures: maxFailures,
		banDuration: banDuration,
		log:         log.Named("login-guard"),
	}
}

// IsBanned reports whether ip is currently locked out, clearing an expired
// ban as a side effect.
func (g *LoginGuard) IsBanned(ip string, now time.Time) (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	until, ok := g.bannedUntil[ip]
	if !ok {
		return false, 0
	}
	if !now.Before(until) {
		delete(g.bannedUntil, ip)
		delete(g.failures, ip)
		return false, 0
	}
	return true, until.Sub(now)
}

// RecordFailure counts one failed attempt from ip, banning it once
// maxFailures is reached. Returns whether ip is now banned and for how long.
func (g *LoginGuard) RecordFailure(ip string, now time.Time) (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if until, ok := g.bannedUntil[ip]; ok {
		if now.Before(until) {
			return true, until.Sub(now)
		}
		delete(g.bannedUntil, ip)
	}

	failures := g.failures[ip] + 1
	if failures >= g.maxFailures {
		until := now.Add(g.banDuration)
		g.bannedUntil[ip] = until
		delete(g.failures, ip)
		g.log.Warnw("login IP ban triggered", "ip", ip, "duration", g.banDuration)
		return true, until.Sub(now)
	}

	g.failures[ip] = failures
	return false, 0
}

// Reset clears ip's failure count and ban, called on a successful login.
func (g *LoginGuard) Reset(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.failures, ip)
	delete(g.bannedUntil, ip)
}

// CleanupExpired drops bans that have already lapsed.
func (g *LoginGuard) CleanupExpired(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for ip, until := range g.bannedUntil {
		if !now.Before(until) {
			delete(g.bannedUntil, ip)
			delete(g.failures, ip)
		}
	}
}

// ExtractClientIP mirrors the teacher's X-Forwarded-For-first, RemoteAddr-
// fallback client IP resolution.
func ExtractClientIP(r *http.Request) string {
	if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		for _, part := range strings.Split(forwardedFor, ",") {
			if ip := parseIPCandidate(part); ip != "" {
				return ip
			}
		}
	}
	if ip := parseIPCandidate(r.RemoteAddr); ip != "" {
		return ip
	}
	return strings.TrimSpace(r.RemoteAddr)
}

func parseIPCandidate(candidate string) string {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return ""
	}
	if ip := net.ParseIP(candidate); ip != nil {
		return ip.String()
	}
	host, _, err := net.SplitHostPort(candidate)
	if err != nil {
		return ""
	}
	if ip := net.ParseIP(strings.TrimSpace(host)); ip != nil {
		return ip.String()
	}
	return ""
}

// LoginBanMessage renders a human-readable lockout message for the
// remaining ban duration.
func LoginBanMessage(remaining time.Duration) string {
	if remaining < time.Minute {
		return "Too many failed login attempts. Try again in less than a minute."
	}
	minutes := int((remaining + time.Minute - 1) / time.Minute)
	if minutes == 1 {
		return "Too many failed login attempts. Try again in 1 minute."
	}
	return fmt.Sprintf("Too many failed login attempts. Try again in %d minutes.", minutes)
}
