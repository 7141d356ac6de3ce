package connection

import (
	"testing"
	"time"
)

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{45 * time.Second, "45s"},
		{59*time.Second + 900*time.Millisecond, "59s"},
		{60 * time.Second, "1m 00s"},
		{65 * time.Second, "1m 05s"},
		{125 * time.Second, "2m 05s"},
		{61*time.Minute + 9*time.Second, "61m 09s"},
		{-3 * time.Second, "0s"},
	}

	for _, tt := range tests {
		if got := FormatElapsed(tt.in); got != tt.want {
			t.Errorf("FormatElapsed(%v) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestMonitor(t *testing.T) {
	m := NewMonitor()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if m.Visible() {
		t.Fatal("banner should be hidden before any connection")
	}

	m.Connected()
	if m.Visible() || m.Elapsed(start) != 0 {
		t.Fatal("banner should be hidden while connected")
	}

	m.Disconnected(start)
	if !m.Visible() {
		t.Fatal("banner should be visible after disconnect")
	}
	m.Attempt()
	m.Attempt()
	// A second disconnect notification keeps the original start.
	m.Disconnected(start.Add(10 * time.Second))

	snap := m.Snapshot(start.Add(65 * time.Second))
	if snap.Elapsed != 65*time.Second {
		t.Errorf("Elapsed = %v; want 65s", snap.Elapsed)
	}
	if snap.Attempts != 2 {
		t.Errorf("Attempts = %d; want 2", snap.Attempts)
	}
	if FormatElapsed(snap.Elapsed) != "1m 05s" {
		t.Errorf("formatted elapsed = %q", FormatElapsed(snap.Elapsed))
	}

	m.Connected()
	snap = m.Snapshot(start.Add(70 * time.Second))
	if snap.Visible || snap.Elapsed != 0 || snap.Attempts != 0 {
		t.Errorf("expected reset after reconnect, got %+v", snap)
	}
	if !m.EverConnected() {
		t.Error("EverConnected should be true")
	}
}

func TestMonitor_DisconnectBeforeFirstConnect(t *testing.T) {
	m := NewMonitor()
	start := time.Now()
	m.Disconnected(start)
	if !m.Visible() {
		t.Fatal("a failed initial connection shows the banner")
	}
	if got := m.Elapsed(start.Add(3 * time.Second)); got != 3*time.Second {
		t.Errorf("Elapsed = %v; want 3s", got)
	}
	if m.EverConnected() {
		t.Error("EverConnected should be false before the first connection")
	}
	// Further failed dials keep counting from the first one.
	m.Disconnected(start.Add(2 * time.Second))
	if got := m.Elapsed(start.Add(5 * time.Second)); got != 5*time.Second {
		t.Errorf("Elapsed = %v; want 5s", got)
	}
}

func TestExponentialBackoff_NextSmallBase(t *testing.T) {
	b := &ExponentialBackoff{
		Base:   100 * time.Millisecond,
		Max:    1 * time.Second,
		Factor: 2.0,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{-1, 100 * time.Millisecond},
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 1 * time.Second},
		{50, 1 * time.Second},
	}

	for _, tt := range tests {
		if got := b.Next(tt.attempt); got != tt.expected {
			t.Errorf("Next(%d) = %v; want %v", tt.attempt, got, tt.expected)
		}
	}
}

func TestExponentialBackoff_Jitter(t *testing.T) {
	b := DefaultBackoff()
	for i := 0; i < 100; i++ {
		got := b.Next(0)
		if got < 400*time.Millisecond || got > 600*time.Millisecond {
			t.Fatalf("Next(0) with jitter = %v; want within ±20%% of 500ms", got)
		}
	}
}
