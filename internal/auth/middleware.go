package auth

import (
	"net/http"
	"strings"
)

const cookieName = "session_token"

// Middleware gates every request behind a valid session cookie when m is
// configured; an unconfigured Manager passes everything through, matching
// the teacher's "auth is opt-in" posture.
func Middleware(m *Manager, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Configured() || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(cookieName)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if _, ok := m.Validate(cookie.Value); !ok {
			clearSessionCookie(w, r)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isPublicPath(path string) bool {
	return strings.TrimSuffix(path, "/") == "/login"
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   isSecure(r),
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
	})
}

func isSecure(r *http.Request) bool {
	return r.URL.Scheme == "https" || r.Header.Get("X-Forwarded-Proto") == "https"
}

// HandleLogin validates username/password and, on success, creates a
// session and sets its cookie. It reports whether the login succeeded;
// reading the request body is left to the caller.
func HandleLogin(m *Manager, w http.ResponseWriter, r *http.Request, username, password string) bool {
	if !m.ValidateCredentials(username, password) {
		return false
	}
	sess, err := m.CreateSession(username)
	if err != nil {
		return false
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    sess.Token,
		HttpOnly: true,
		Secure:   isSecure(r),
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
	})
	return true
}

// HandleLogout clears the caller's session, if any.
func HandleLogout(m *Manager, w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(cookieName); err == nil {
		m.DeleteSession(cookie.Value)
	}
	clearSessionCookie(w, r)
}
