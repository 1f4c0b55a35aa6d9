package executor

import (
	"fmt"
	"sync"

	"github.com/codewiresh/hopwire/internal/protocol"
)

// ---------------------------------------------------------------------------
// ProcessStatus
// ---------------------------------------------------------------------------

// State is the lifecycle state of a process.
type State int

const (
	StatePending   State = iota // registered, waiting on its gate
	StateRunning                // started
	StateCompleted              // finished, ExitCode valid
	StateCancelled              // cancelled before or while running
)

// ProcessStatus is a snapshot of a process's lifecycle.
type ProcessStatus struct {
	State    State
	ExitCode int64 // meaningful for StateCompleted and StateCancelled
}

func (s ProcessStatus) String() string {
	switch s.State {
	case StateRunning:
		return "running"
	case StateCompleted:
		return fmt.Sprintf("completed (%d)", s.ExitCode)
	case StateCancelled:
		return "cancelled"
	default:
		return "pending"
	}
}

// Finished reports whether the process has reached a terminal state.
func (s ProcessStatus) Finished() bool {
	return s.State == StateCompleted || s.State == StateCancelled
}

// Outcome maps a finished process onto an ExitStatus. Cancellation is a
// failure regardless of the exit code.
func (s ProcessStatus) Outcome() protocol.ExitStatus {
	if s.State == StateCancelled {
		return protocol.Failure
	}
	return protocol.StatusFromExitCode(s.ExitCode)
}

// ---------------------------------------------------------------------------
// StatusWatcher
// ---------------------------------------------------------------------------

// StatusWatcher holds a ProcessStatus and notifies waiters on change.
type StatusWatcher struct {
	mu     sync.Mutex
	status ProcessStatus
	waitCh chan struct{} // closed on change, then replaced
}

// NewStatusWatcher creates a watcher with the given initial status.
func NewStatusWatcher(initial ProcessStatus) *StatusWatcher {
	return &StatusWatcher{
		status: initial,
		waitCh: make(chan struct{}),
	}
}

// Set updates the status and wakes all current waiters. A finished status
// is final; later updates are ignored and Set reports false.
func (w *StatusWatcher) Set(s ProcessStatus) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status.Finished() {
		return false
	}
	w.status = s
	close(w.waitCh)
	w.waitCh = make(chan struct{})
	return true
}

// Get returns the current status.
func (w *StatusWatcher) Get() ProcessStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Changed returns a channel that is closed when the status next changes.
// After the channel fires, call Changed again for subsequent notifications.
func (w *StatusWatcher) Changed() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.waitCh
}

// Wait blocks until the status is finished or stop is closed. ok is false
// when stop fired first.
func (w *StatusWatcher) Wait(stop <-chan struct{}) (ProcessStatus, bool) {
	for {
		w.mu.Lock()
		st, ch := w.status, w.waitCh
		w.mu.Unlock()
		if st.Finished() {
			return st, true
		}
		select {
		case <-ch:
		case <-stop:
			return st, false
		}
	}
}
