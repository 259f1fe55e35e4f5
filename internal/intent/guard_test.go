package intent

import (
	"testing"
	"time"
)

func newTestGuard(start time.Time) (*LoopGuard, *time.Time) {
	now := start
	g := NewLoopGuard()
	g.now = func() time.Time { return now }
	return g, &now
}

func TestLoopGuard_RefusesFourthRapidCommand(t *testing.T) {
	g, now := newTestGuard(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	want := []bool{true, true, true, false, false}
	for i, w := range want {
		if got := g.Allow(); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w, got)
		}
		*now = now.Add(500 * time.Millisecond)
	}
}

func TestLoopGuard_SpacedCommandsNeverRefused(t *testing.T) {
	g, now := newTestGuard(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	for i := 0; i < 10; i++ {
		if !g.Allow() {
			t.Fatalf("attempt %d refused", i+1)
		}
		*now = now.Add(CommandLoopWindow + time.Second)
	}
}

func TestLoopGuard_ResetsAfterQuietPeriod(t *testing.T) {
	g, now := newTestGuard(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	for i := 0; i < 4; i++ {
		g.Allow()
		*now = now.Add(time.Second)
	}
	*now = now.Add(time.Minute)
	if !g.Allow() {
		t.Error("expected command after quiet period to be allowed")
	}
	*now = now.Add(time.Second)
	if !g.Allow() {
		t.Error("expected counter to restart after quiet period")
	}
}

func TestLoopGuard_WindowBoundary(t *testing.T) {
	g, now := newTestGuard(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	for i := 0; i < 6; i++ {
		if !g.Allow() {
			t.Fatalf("attempt %d at exactly the window was refused", i+1)
		}
		*now = now.Add(CommandLoopWindow)
	}
}
