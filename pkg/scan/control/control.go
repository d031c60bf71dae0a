// Package control holds the run/pause/cancel state shared between a scan and
// whoever drives it. Checks are level triggered: workers poll at batch and
// target boundaries and never interrupt requests already in flight.
package control

import (
	"context"
	"sync"
)

// State represents the current state of a scan
type State int

const (
	StateRunning State = iota
	StatePaused
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ScanControl is safe for concurrent use.
type ScanControl struct {
	mu    sync.RWMutex
	state State
	// resumed is closed when a pause ends, either by resume or cancel.
	resumed chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a ScanControl in running state.
func New() *ScanControl {
	ctx, cancel := context.WithCancel(context.Background())
	return &ScanControl{
		state:  StateRunning,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context is cancelled once the scan is cancelled.
func (sc *ScanControl) Context() context.Context {
	return sc.ctx
}

func (sc *ScanControl) State() State {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.state
}

// SetPaused makes subsequent checkpoints block. A cancelled scan stays cancelled.
func (sc *ScanControl) SetPaused() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.state != StateRunning {
		return
	}
	sc.state = StatePaused
	sc.resumed = make(chan struct{})
}

// SetRunning releases paused workers.
func (sc *ScanControl) SetRunning() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.state != StatePaused {
		return
	}
	sc.state = StateRunning
	close(sc.resumed)
}

// SetCancelled stops the scan and releases paused workers. It is idempotent.
func (sc *ScanControl) SetCancelled() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.state == StateCancelled {
		return
	}
	if sc.state == StatePaused {
		close(sc.resumed)
	}
	sc.state = StateCancelled
	sc.cancel()
}

// Checkpoint blocks while paused and reports whether work should continue.
func (sc *ScanControl) Checkpoint() bool {
	return sc.CheckpointWithContext(context.Background())
}

// CheckpointWithContext is like Checkpoint but also gives up when ctx is done.
func (sc *ScanControl) CheckpointWithContext(ctx context.Context) bool {
	for {
		if ctx.Err() != nil {
			return false
		}

		sc.mu.RLock()
		state, resumed := sc.state, sc.resumed
		sc.mu.RUnlock()

		switch state {
		case StateRunning:
			return true
		case StateCancelled:
			return false
		}

		select {
		case <-resumed:
		case <-ctx.Done():
			return false
		}
	}
}

func (sc *ScanControl) IsCancelled() bool {
	return sc.State() == StateCancelled
}

func (sc *ScanControl) IsPaused() bool {
	return sc.State() == StatePaused
}

func (sc *ScanControl) IsRunning() bool {
	return sc.State() == StateRunning
}
