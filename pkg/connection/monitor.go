// Package connection tracks the health of the push channel and paces
// reconnection attempts.
package connection

import (
	"fmt"
	"sync"
	"time"
)

// Monitor records when the push channel dropped and how many reconnection
// attempts have been made since. It is safe for concurrent use.
type Monitor struct {
	mu             sync.RWMutex
	connected      bool
	everConnected  bool
	disconnectedAt time.Time
	attempts       int
}

// NewMonitor returns a monitor in the "never connected" state. The banner
// stays hidden until the first Disconnected call, which a failed initial
// dial also makes.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// Connected marks the channel as open and hides the banner.
func (m *Monitor) Connected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	m.everConnected = true
	m.disconnectedAt = time.Time{}
	m.attempts = 0
}

// Disconnected starts the elapsed-time counter. Repeated calls while already
// disconnected keep the original start time.
func (m *Monitor) Disconnected(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected && !m.disconnectedAt.IsZero() {
		return
	}
	m.connected = false
	m.disconnectedAt = now
}

// Attempt counts a reconnection attempt.
func (m *Monitor) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	return m.attempts
}

// Snapshot is a read-only view of the monitor.
type Snapshot struct {
	Connected bool
	Visible   bool
	Elapsed   time.Duration
	Attempts  int
}

// Snapshot returns the state at now.
func (m *Monitor) Snapshot(now time.Time) Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{Connected: m.connected, Attempts: m.attempts}
	if !m.connected && !m.disconnectedAt.IsZero() {
		s.Visible = true
		s.Elapsed = now.Sub(m.disconnectedAt)
		if s.Elapsed < 0 {
			s.Elapsed = 0
		}
	}
	return s
}

// Visible reports whether the disconnect banner should be shown.
func (m *Monitor) Visible() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.connected && !m.disconnectedAt.IsZero()
}

// Elapsed returns the time since the channel dropped, or zero when connected.
func (m *Monitor) Elapsed(now time.Time) time.Duration {
	return m.Snapshot(now).Elapsed
}

// EverConnected reports whether the channel has been open at least once.
func (m *Monitor) EverConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.everConnected
}

// FormatElapsed renders whole seconds as "45s" below a minute and
// "2m 05s" from a minute on.
func FormatElapsed(d time.Duration) string {
	secs := int(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	if secs < 60 {
		return fmt.Sprintf("%ds", secs)
	}
	return fmt.Sprintf("%dm %02ds", secs/60, secs%60)
}
