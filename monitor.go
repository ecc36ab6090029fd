package teamchat

import (
	"sync"
	"time"
)

// Monitor tracks connection health over the session's lifetime.
type Monitor struct {
	mu sync.Mutex

	initialConnectionAt time.Time
	lastDisconnectAt    time.Time
	downtime            time.Duration
	disconnects         int
	reconnects          int
}

// Stats is a snapshot of the monitor counters.
type Stats struct {
	InitialConnectionAt time.Time
	LastDisconnectAt    time.Time
	Downtime            time.Duration
	Disconnects         int
	Reconnects          int
}

func (m *Monitor) recordConnected(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialConnectionAt.IsZero() {
		m.initialConnectionAt = now
	}
}

func (m *Monitor) recordDisconnect(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastDisconnectAt = now
	m.disconnects++
}

func (m *Monitor) recordReconnect(downtime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downtime += downtime
	m.reconnects++
}

func (m *Monitor) lastDisconnect() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDisconnectAt
}

// Stats returns a snapshot of the counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		InitialConnectionAt: m.initialConnectionAt,
		LastDisconnectAt:    m.lastDisconnectAt,
		Downtime:            m.downtime,
		Disconnects:         m.disconnects,
		Reconnects:          m.reconnects,
	}
}
