package training

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStopControllerSentinel(t *testing.T) {
	stopFile := filepath.Join(t.TempDir(), "STOP")
	s := NewStopController(stopFile, nil)

	if s.Check() {
		t.Fatal("expected no halt without a stop file")
	}
	if err := os.WriteFile(stopFile, nil, 0o644); err != nil {
		t.Fatalf("failed to create stop file: %v", err)
	}
	if s.Halted() {
		t.Error("Halted must not poll the stop file")
	}
	if !s.Check() {
		t.Fatal("expected halt once the stop file exists")
	}
	if got := s.State().Reason; got != "stop file "+stopFile {
		t.Errorf("unexpected reason %q", got)
	}
}

func TestStopControllerFirstReasonWins(t *testing.T) {
	s := NewStopController("", nil)
	s.Request("first")
	s.Request("second")
	if got := s.State(); !got.Halt || got.Reason != "first" {
		t.Errorf("unexpected state %+v", got)
	}
}

func TestStopControllerRestoreClearsStaleHalt(t *testing.T) {
	dir := t.TempDir()
	stopFile := filepath.Join(dir, "STOP")
	if err := os.WriteFile(stopFile, nil, 0o644); err != nil {
		t.Fatalf("failed to create stop file: %v", err)
	}

	prev := NewStopController(stopFile, nil)
	prev.Check()
	statePath := filepath.Join(dir, "sig.epoch0002.json")
	if err := prev.SaveState(statePath); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}

	state, err := LoadStopState(statePath)
	if err != nil {
		t.Fatalf("LoadStopState failed: %v", err)
	}
	if !state.Halt {
		t.Fatal("expected saved state to carry the halt flag")
	}

	resumed := NewStopController(stopFile, nil)
	resumed.Restore(state)
	if resumed.Halted() {
		t.Error("restored controller must not carry the previous halt")
	}
	if _, err := os.Stat(stopFile); !os.IsNotExist(err) {
		t.Errorf("expected stale stop file to be removed, stat error: %v", err)
	}
	if resumed.Check() {
		t.Error("expected no halt after the stale stop file was removed")
	}
}

func TestStopControllerWatchSignal(t *testing.T) {
	s := NewStopController("", nil)
	unwatch := s.Watch(context.Background())
	defer unwatch()

	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		t.Fatalf("FindProcess failed: %v", err)
	}
	if err := p.Signal(os.Interrupt); err != nil {
		t.Skipf("cannot signal own process: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !s.Halted() {
		if time.Now().After(deadline) {
			t.Fatal("interrupt did not request a halt")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStopControllerUnwatch(t *testing.T) {
	s := NewStopController("", nil)
	ctx, cancel := context.WithCancel(context.Background())
	unwatch := s.Watch(ctx)
	cancel()
	unwatch()
	if s.Halted() {
		t.Error("cancelling the watch must not request a halt")
	}
}
