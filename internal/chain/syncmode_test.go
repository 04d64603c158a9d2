package chain

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSyncMode_WaitIdle(t *testing.T) {
	m := NewSyncMode()
	if m.InDownload() {
		t.Fatal("new mode should be idle")
	}
	if err := m.WaitIdle(context.Background()); err != nil {
		t.Fatalf("WaitIdle when idle: %v", err)
	}

	m.Enter()
	changed := m.Changed()
	done := make(chan error, 1)
	go func() { done <- m.WaitIdle(context.Background()) }()

	select {
	case <-done:
		t.Fatal("WaitIdle returned during download")
	case <-time.After(20 * time.Millisecond):
	}

	m.Exit()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("WaitIdle: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitIdle did not return after Exit")
	}
	select {
	case <-changed:
	default:
		t.Error("Changed channel not closed on mode change")
	}
}

func TestSyncMode_WaitIdleCanceled(t *testing.T) {
	m := NewSyncMode()
	m.Enter()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := m.WaitIdle(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitIdle error = %v, want DeadlineExceeded", err)
	}
}

func TestSyncMode_RepeatedEnterKeepsChannel(t *testing.T) {
	m := NewSyncMode()
	m.Enter()
	ch := m.Changed()
	m.Enter()
	select {
	case <-ch:
		t.Error("Enter while downloading should not signal")
	default:
	}
}
