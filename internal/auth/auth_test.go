package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestManager_Unconfigured_PassesThrough(t *testing.T) {
	m := &Manager{sessions: make(map[string]*Session), ttl: time.Minute}
	called := false
	h := Middleware(m, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/terminals", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !called {
		t.Fatal("expected next handler to be called when auth is unconfigured")
	}
}

func TestManager_Plaintext_ValidateCredentials(t *testing.T) {
	m := NewPlaintext("alice", "secret123", time.Minute)
	if !m.ValidateCredentials("alice", "secret123") {
		t.Fatal("expected valid credentials to pass")
	}
	if m.ValidateCredentials("alice", "wrong") {
		t.Fatal("expected invalid password to fail")
	}
	if m.ValidateCredentials("bob", "secret123") {
		t.Fatal("expected invalid username to fail")
	}
}

func TestMiddleware_RequiresCookieWhenConfigured(t *testing.T) {
	m := NewPlaintext("alice", "secret123", time.Minute)
	h := Middleware(m, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	req := httptest.NewRequest(http.MethodGet, "/terminals", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestMiddleware_AllowsLoginPathWithoutCookie(t *testing.T) {
	m := NewPlaintext("alice", "secret123", time.Minute)
	h := Middleware(m, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleLogin_SetsSessionCookie(t *testing.T) {
	m := NewPlaintext("alice", "secret123", time.Minute)

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	rec := httptest.NewRecorder()

	if ok := HandleLogin(m, rec, req, "alice", "secret123"); !ok {
		t.Fatal("expected login to succeed")
	}

	resp := rec.Result()
	found := false
	for _, c := range resp.Cookies() {
		if c.Name == cookieName {
			found = true
		}
	}
	if !found {
		t.Fatal("expected session_token cookie to be set")
	}
}

func TestLoginGuard_BansAfterMaxFailures(t *testing.T) {
	g := NewLoginGuard(3, time.Minute, nil)
	now := time.Now()

	g.RecordFailure("1.2.3.4", now)
	g.RecordFailure("1.2.3.4", now)
	banned, remaining := g.RecordFailure("1.2.3.4", now)

	if !banned {
		t.Fatal("expected IP to be banned after reaching maxFailures")
	}
	if remaining <= 0 {
		t.Fatalf("expected positive remaining ban duration, got %v", remaining)
	}

	banned, _ = g.IsBanned("1.2.3.4", now)
	if !banned {
		t.Fatal("expected IsBanned to report the ban")
	}
}

func TestLoginGuard_BanExpires(t *testing.T) {
	g := NewLoginGuard(1, time.Minute, nil)
	now := time.Now()

	g.RecordFailure("5.6.7.8", now)
	banned, _ := g.IsBanned("5.6.7.8", now.Add(2*time.Minute))
	if banned {
		t.Fatal("expected ban to have expired")
	}
}

func TestLoginGuard_ResetClearsFailuresAndBan(t *testing.T) {
	g := NewLoginGuard(2, time.Minute, nil)
	now := time.Now()

	g.RecordFailure("9.9.9.9", now)
	g.Reset("9.9.9.9")

	banned, _ := g.RecordFailure("9.9.9.9", now)
	if banned {
		t.Fatal("expected failure count to have been reset")
	}
}

func TestLoginGuard_DifferentIPsTrackedIndependently(t *testing.T) {
	g := NewLoginGuard(1, time.Minute, nil)
	now := time.Now()

	banned, _ := g.RecordFailure("1.1.1.1", now)
	if !banned {
		t.Fatal("expected first IP to be banned")
	}
	banned, _ = g.IsBanned("2.2.2.2", now)
	if banned {
		t.Fatal("expected unrelated IP to be unaffected")
	}
}

func TestExtractClientIP_PrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	req.RemoteAddr = "10.0.0.1:5555"

	if got := ExtractClientIP(req); got != "203.0.113.5" {
		t.Fatalf("ExtractClientIP = %q, want 203.0.113.5", got)
	}
}

func TestMiddleware_ValidCookieAllowsRequest(t *testing.T) {
	m := NewPlaintext("alice", "secret123", time.Minute)
	sess, err := m.CreateSession("alice")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	h := Middleware(m, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	req := httptest.NewRequest(http.MethodGet, "/terminals", nil)
	req.AddCookie(&http.Cookie{Name: cookieName, Value: sess.Token})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
