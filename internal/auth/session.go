// Package auth is optional cookie-session hardening for the HTTP surface
// and WebSocket gateway: if no credentials are configured, every request
// passes through untouched. Adapted from the teacher's own auth package
// (root-level session.go/password_file.go), generalized to gate the
// terminal-hub routes defined by this server rather than its original
// /api/ prefix.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Session is one authenticated cookie session.
type Session struct {
	Token        string
	Username     string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Manager tracks live sessions and validates credentials against either a
// plaintext password (TERMINAL_HUB_PASSWORD) or a bcrypt hash loaded from
// a password file.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	ttl      time.Duration
	username string
	secret   string
	isBcrypt bool
}

// NewPlaintext configures credentials supplied directly via environment
// variables; comparison is constant-time but not hashed.
func NewPlaintext(username, password string, ttl time.Duration) *Manager {
	m := &Manager{sessions: make(map[string]*Session), ttl: ttl, username: username, secret: password}
	go m.sweepExpired()
	return m
}

// NewHashed configures credentials loaded from a password file, where
// secret is already a bcrypt hash.
func NewHashed(username, passwordHash string, ttl time.Duration) *Manager {
	m := &Manager{sessions: make(map[string]*Session), ttl: ttl, username: username, secret: passwordHash, isBcrypt: true}
	go m.sweepExpired()
	return m
}

// Configured reports whether credentials were supplied at all; an
// unconfigured Manager lets every request through.
func (m *Manager) Configured() bool {
	return m.username != "" && m.secret != ""
}

func (m *Manager) ValidateCredentials(username, password string) bool {
	if !m.Configured() {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(username), []byte(m.username)) != 1 {
		return false
	}
	if m.isBcrypt {
		return bcrypt.CompareHashAndPassword([]byte(m.secret), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(m.secret)) == 1
}

func (m *Manager) CreateSession(username string) (*Session, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	sess := &Session{Token: hex.EncodeToString(raw), Username: username, CreatedAt: time.Now(), LastActivity: time.Now()}

	m.mu.Lock()
	m.sessions[sess.Token] = sess
	m.mu.Unlock()
	return sess, nil
}

// Validate checks a session token and, if still live, slides its
// expiration forward.
func (m *Manager) Validate(token string) (*Session, bool) {
	m.mu.RLock()
	sess, ok := m.sessions[token]
	m.mu.RUnlock()
	if !ok || time.Since(sess.LastActivity) > m.ttl {
		return nil, false
	}

	m.mu.Lock()
	sess.LastActivity = time.Now()
	m.mu.Unlock()
	return sess, true
}

func (m *Manager) DeleteSession(token string) {
	m.mu.Lock()
	delete(m.sessions, token)
	m.mu.Unlock()
}

func (m *Manager) sweepExpired() {
	ticker := time.NewTicker(5 * time.Minute)
	for range ticker.C {
		m.mu.Lock()
		for token, sess := range m.sessions {
			if time.Since(sess.LastActivity) > m.ttl {
				delete(m.sessions, token)
			}
		}
		m.mu.Unlock()
	}
}
