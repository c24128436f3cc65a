package ptyengine

import (
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu      sync.Mutex
	output  []byte
	closed  []string
	errs    []string
}

func (r *recordingSink) OnOutput(id string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = append(r.output, data...)
}

func (r *recordingSink) OnClosed(id string, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, reason)
}

func (r *recordingSink) OnError(id, kind, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, kind)
}

func (r *recordingSink) snapshotOutput() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.output)
}

func (r *recordingSink) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.closed)
}

func TestEngine_CreateAndEcho(t *testing.T) {
	sink := &recordingSink{}
	e := New(sink, nil)

	err := e.Create(Config{
		ID:       "t1",
		Commands: []string{"echo hello-from-pty"},
		Cols:     80,
		Rows:     24,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(sink.snapshotOutput(), "hello-from-pty") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("did not observe expected output, got %q", sink.snapshotOutput())
}

func TestEngine_WorkingDirInvalid(t *testing.T) {
	sink := &recordingSink{}
	e := New(sink, nil)

	err := e.Create(Config{ID: "t2", WorkingDir: "/does/not/exist-xyz"})
	if err == nil {
		t.Fatal("expected error for invalid working dir")
	}
	spawnErr, ok := err.(*SpawnError)
	if !ok || spawnErr.Kind != WorkingDirInvalid {
		t.Fatalf("expected WorkingDirInvalid, got %v", err)
	}
}

func TestEngine_KillForceEmitsClosedOnce(t *testing.T) {
	sink := &recordingSink{}
	e := New(sink, nil)

	if err := e.Create(Config{ID: "t3", Commands: []string{"sleep 30"}}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := e.Kill("t3", true); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sink.closeCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	if got := sink.closeCount(); got != 1 {
		t.Fatalf("expected exactly one closed event, got %d", got)
	}
}

func TestEngine_WriteUnknownID(t *testing.T) {
	e := New(&recordingSink{}, nil)
	if err := e.Write("missing", []byte("x")); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBuildChildEnv_FiltersSanitizedPrefixes(t *testing.T) {
	t.Setenv("WT_SESSION", "some-windows-terminal-id")
	t.Setenv("KEEP_ME", "yes")

	env := buildChildEnv(Config{
		SanitizedEnvPrefixes: []string{"WT_"},
	})

	for _, kv := range env {
		if strings.HasPrefix(kv, "WT_SESSION=") {
			t.Fatalf("expected WT_SESSION to be filtered, env=%v", env)
		}
	}

	foundTerm := false
	for _, kv := range env {
		if kv == "TERM=xterm-256color" {
			foundTerm = true
		}
	}
	if !foundTerm {
		t.Fatalf("expected default TERM to be set, env=%v", env)
	}
}
