package housekeeping

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRegistry struct {
	calls atomic.Int32
}

func (f *fakeRegistry) CleanupDuplicates() int {
	f.calls.Add(1)
	return 0
}

func TestScheduler_RunsCleanupOnSchedule(t *testing.T) {
	reg := &fakeRegistry{}
	s, err := New(reg, "@every 20ms", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()
	defer s.Stop(context.Background())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && reg.calls.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if reg.calls.Load() == 0 {
		t.Fatal("expected at least one cleanup run")
	}
}

func TestScheduler_CleanupDuplicatesOnDemand(t *testing.T) {
	reg := &fakeRegistry{}
	s, err := New(reg, "", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.CleanupDuplicates()
	if reg.calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", reg.calls.Load())
	}
}

func TestNew_RejectsInvalidSchedule(t *testing.T) {
	reg := &fakeRegistry{}
	if _, err := New(reg, "not a schedule", nil); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
}
