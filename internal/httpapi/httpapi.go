// Package httpapi is the thin HTTP wrapper over the registry, spawn
// pipeline and mux introspector. It corresponds to component F of the
// server design and follows the teacher's plain net/http handler style
// (http.ServeMux, manual method checks, json.NewEncoder/Decoder) rather
// than introducing a routing framework the teacher never depended on.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iwanhae/terminal-hub/internal/muxintrospect"
	"github.com/iwanhae/terminal-hub/internal/registry"
	"github.com/iwanhae/terminal-hub/internal/spawn"
)

// RegistryAPI is the subset of *registry.Registry the HTTP surface needs.
type RegistryAPI interface {
	GetAll() []registry.Terminal
	Get(id string) (registry.Terminal, bool)
	SendCommand(id string, data []byte) error
	Resize(id string, cols, rows int) error
	Close(id string, force bool) error
}

// SpawnerAPI is the subset of *spawn.Pipeline the HTTP surface needs.
type SpawnerAPI interface {
	Spawn(req spawn.Request) (spawn.Result, error)
}

// MuxAPI is the subset of *muxintrospect.Client the HTTP surface needs.
type MuxAPI interface {
	ListDetailed(ctx context.Context) ([]muxintrospect.SessionInfo, error)
	CapturePreview(ctx context.Context, name string, lines int, windowIndex int) (string, error)
	CaptureFullScrollback(ctx context.Context, name string, windowIndex int) (string, error)
	SendKeys(ctx context.Context, name, text string) error
	KillSession(ctx context.Context, name string) error
}

// Housekeeper is the subset of *housekeeping.Scheduler the HTTP surface
// needs, for the cleanup endpoint.
type Housekeeper interface {
	CleanupDuplicates() int
}

// Server holds the dependencies behind every route and exposes the wired
// *http.ServeMux to the caller's own middleware chain (auth, logging).
type Server struct {
	reg      RegistryAPI
	pipeline SpawnerAPI
	mux      MuxAPI
	house    Housekeeper
	log      *zap.SugaredLogger
	startedAt time.Time
	maxDownloadBytes int64
}

func New(reg RegistryAPI, pipeline SpawnerAPI, mux MuxAPI, house Housekeeper, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	maxDownload := int64(100 * 1024 * 1024)
	if v := os.Getenv("TERMINAL_HUB_MAX_DOWNLOAD_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			maxDownload = n
		}
	}
	return &Server{
		reg:              reg,
		pipeline:         pipeline,
		mux:              mux,
		house:            house,
		log:              log.Named("httpapi"),
		startedAt:        time.Now(),
		maxDownloadBytes: maxDownload,
	}
}

// Mux builds a fresh http.ServeMux with every route registered.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/terminals", s.handleTerminals)
	mux.HandleFunc("/terminals/", s.handleTerminalByID)
	mux.HandleFunc("/mux/sessions", s.handleMuxSessions)
	mux.HandleFunc("/mux/sessions/", s.handleMuxSessionByName)
	mux.HandleFunc("/mux/cleanup", s.handleMuxCleanup)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/files/download", s.handleFileDownload)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// GET /terminals, POST /terminals
func (s *Server) handleTerminals(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.reg.GetAll())
	case http.MethodPost:
		s.handleSpawn(w, r)
	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req spawn.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.ClientID = "http"

	result, err := s.pipeline.Spawn(req)
	if err != nil {
		if se, ok := err.(*spawn.SpawnError); ok {
			status := http.StatusBadRequest
			if se.Kind == spawn.ErrRateLimited {
				status = http.StatusTooManyRequests
				w.Header().Set("Retry-After", strconv.FormatFloat(se.RetryAfter, 'f', 0, 64))
			}
			writeErr(w, status, se.Error())
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// GET /terminals/:id, DELETE /terminals/:id, POST /terminals/:id/command,
// POST /terminals/:id/resize
func (s *Server) handleTerminalByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/terminals/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		writeErr(w, http.StatusBadRequest, "terminal id is required")
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			term, ok := s.reg.Get(id)
			if !ok {
				writeErr(w, http.StatusNotFound, "terminal not found")
				return
			}
			writeJSON(w, http.StatusOK, term)
		case http.MethodDelete:
			if err := s.reg.Close(id, true); err != nil {
				writeErr(w, http.StatusNotFound, err.Error())
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	switch parts[1] {
	case "command":
		s.handleCommand(w, r, id)
	case "resize":
		s.handleResize(w, r, id)
	default:
		writeErr(w, http.StatusNotFound, "unknown sub-resource")
	}
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.reg.SendCommand(id, []byte(body.Command)); err != nil {
		writeErr(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.reg.Resize(id, body.Cols, body.Rows); err != nil {
		writeErr(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /mux/sessions (always the detailed listing)
func (s *Server) handleMuxSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sessions, err := s.mux.ListDetailed(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// GET /mux/sessions/:name/preview|scrollback, POST /mux/sessions/:name/command,
// DELETE /mux/sessions/:name
func (s *Server) handleMuxSessionByName(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/mux/sessions/")
	parts := strings.SplitN(rest, "/", 2)
	name := parts[0]
	if name == "" {
		writeErr(w, http.StatusBadRequest, "session name is required")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodDelete {
			writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if err := s.mux.KillSession(r.Context(), name); err != nil {
			status := http.StatusInternalServerError
			if err == muxintrospect.ErrNotFound {
				status = http.StatusNotFound
			}
			writeErr(w, status, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch parts[1] {
	case "command":
		s.handleMuxCommand(w, r, name)
	case "preview":
		s.handleMuxPreview(w, r, name, false)
	case "scrollback":
		s.handleMuxPreview(w, r, name, true)
	default:
		writeErr(w, http.StatusNotFound, "unknown sub-resource")
	}
}

func (s *Server) handleMuxCommand(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.mux.SendKeys(r.Context(), name, body.Text); err != nil {
		status := http.StatusInternalServerError
		if err == muxintrospect.ErrNotFound {
			status = http.StatusNotFound
		}
		writeErr(w, status, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMuxPreview(w http.ResponseWriter, r *http.Request, name string, full bool) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	windowIndex, _ := strconv.Atoi(r.URL.Query().Get("window"))
	var (
		content string
		err     error
	)
	if full {
		content, err = s.mux.CaptureFullScrollback(r.Context(), name, windowIndex)
	} else {
		lines := 200
		if v := r.URL.Query().Get("lines"); v != "" {
			if n, parseErr := strconv.Atoi(v); parseErr == nil {
				lines = n
			}
		}
		content, err = s.mux.CapturePreview(r.Context(), name, lines, windowIndex)
	}
	if err != nil {
		status := http.StatusInternalServerError
		if err == muxintrospect.ErrNotFound {
			status = http.StatusNotFound
		}
		writeErr(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

// POST /mux/cleanup runs the registry's duplicate-terminal sweep. The
// request body is not read, so no {pattern} filter is applied and no mux
// session is killed.
func (s *Server) handleMuxCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	removed := s.house.CleanupDuplicates()
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	writeJSON(w, http.StatusOK, map[string]any{
		"uptimeSeconds": time.Since(s.startedAt).Seconds(),
		"terminalCount": len(s.reg.GetAll()),
		"goroutines":    runtime.NumGoroutine(),
		"rssBytes":      readRSSBytes(m.Sys),
		"heapAllocBytes": m.HeapAlloc,
	})
}

// readRSSBytes reads the resident set size from /proc/self/status, falling
// back to the runtime's reported Sys figure on platforms without /proc
// (e.g. macOS, Windows, or a sandboxed container).
func readRSSBytes(fallback uint64) uint64 {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return fallback
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			break
		}
		return kb * 1024
	}
	return fallback
}

// GET /files/download?terminalId=...&path=...&filename=...
//
// path is resolved relative to the terminal's WorkingDir and must stay
// contained within it; this is a terminal-adjacent download, not a
// general host file browser.
func (s *Server) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	terminalID := r.URL.Query().Get("terminalId")
	if terminalID == "" {
		writeErr(w, http.StatusBadRequest, "terminalId is required")
		return
	}
	term, ok := s.reg.Get(terminalID)
	if !ok {
		writeErr(w, http.StatusNotFound, "terminal not found")
		return
	}
	if term.WorkingDir == "" {
		writeErr(w, http.StatusNotFound, "terminal has no working directory")
		return
	}

	rawPath := r.URL.Query().Get("path")
	if rawPath == "" {
		writeErr(w, http.StatusBadRequest, "path is required")
		return
	}
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		filename = filepath.Base(rawPath)
	}

	workingDir, err := filepath.Abs(term.WorkingDir)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "failed to resolve terminal working directory")
		return
	}

	cleanPath := rawPath
	if !filepath.IsAbs(cleanPath) {
		cleanPath = filepath.Join(workingDir, cleanPath)
	}
	cleanPath = filepath.Clean(cleanPath)

	if !isWithinDir(workingDir, cleanPath) {
		writeErr(w, http.StatusNotFound, "file not found")
		return
	}

	info, err := os.Stat(cleanPath)
	if os.IsNotExist(err) {
		writeErr(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "failed to access file")
		return
	}
	if info.IsDir() {
		writeErr(w, http.StatusBadRequest, "cannot download a directory")
		return
	}
	if info.Size() > s.maxDownloadBytes {
		writeErr(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file too large (max %d MB)", s.maxDownloadBytes/(1024*1024)))
		return
	}

	file, err := os.Open(cleanPath)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "failed to open file")
		return
	}
	defer file.Close()

	contentType := mime.TypeByExtension(filepath.Ext(cleanPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sanitizeFilename(filename)))
	w.Header().Set("Cache-Control", "no-cache")

	http.ServeContent(w, r, filename, info.ModTime(), file)
}

// isWithinDir reports whether path is dir itself or a descendant of it,
// after both have been cleaned to absolute form. Guards handleFileDownload
// against a path that escapes the terminal's working directory (e.g. via
// "../../etc/passwd").
func isWithinDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return !strings.HasPrefix(rel, "..")
}

var filenameDisallowed = regexp.MustCompile(`[^a-zA-Z0-9._\s-]`)

func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "..", "")
	name = strings.ReplaceAll(name, "/", "")
	name = strings.ReplaceAll(name, "\\", "")
	return filenameDisallowed.ReplaceAllString(name, "")
}
