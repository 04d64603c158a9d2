package chain

import (
	"context"
	"sync"
)

// SyncMode tracks whether the node is in initial block download.
// Waiters are woken through a channel that is replaced on every change.
type SyncMode struct {
	mu      sync.Mutex
	on      bool
	changed chan struct{}
}

// NewSyncMode returns a mode that starts outside download.
func NewSyncMode() *SyncMode {
	return &SyncMode{changed: make(chan struct{})}
}

// InDownload reports whether initial download is running.
func (m *SyncMode) InDownload() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.on
}

// Enter marks the start of initial download.
func (m *SyncMode) Enter() { m.set(true) }

// Exit marks the end of initial download.
func (m *SyncMode) Exit() { m.set(false) }

func (m *SyncMode) set(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.on == on {
		return
	}
	m.on = on
	close(m.changed)
	m.changed = make(chan struct{})
}

// Changed returns a channel closed at the next mode change.
func (m *SyncMode) Changed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

// WaitIdle blocks until the node is out of initial download.
func (m *SyncMode) WaitIdle(ctx context.Context) error {
	for {
		m.mu.Lock()
		on, ch := m.on, m.changed
		m.mu.Unlock()
		if !on {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
