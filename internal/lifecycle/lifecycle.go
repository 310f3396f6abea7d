// Package lifecycle implements the teardown/session state machine from
// spec.md §4.4.6 and §5: a two-phase negotiated shutdown (request,
// deferral while transient, execution on reaching a stable state, or
// forced termination at a grace timeout).
//
// The grace-timeout-then-kill discipline is adapted directly from the
// teacher's supervisor.go runInstanceOnce, which signals a child,
// waits up to 8 seconds, then force-kills; here there is no child
// process to kill, so "kill" becomes an unconditional transition to
// FAILED_TERMINAL with all transient timers cancelled.
package lifecycle

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/slbailey/retrovue/internal/block"
)

// DefaultGraceTimeout matches spec.md §5's default of 10 seconds.
const DefaultGraceTimeout = 10 * time.Second

// Supervisor tracks one channel session's Core-visible state and
// arbitrates teardown requests against it.
type Supervisor struct {
	mu    sync.Mutex
	state block.State
	log   *log.Logger

	graceTimeout time.Duration

	teardownRequested bool
	teardownDone       chan struct{}
}

// New constructs a Supervisor starting in StateNone.
func New(graceTimeout time.Duration, logger *log.Logger) *Supervisor {
	if graceTimeout <= 0 {
		graceTimeout = DefaultGraceTimeout
	}
	return &Supervisor{state: block.StateNone, graceTimeout: graceTimeout, log: logger}
}

// SetState records a Core-visible state transition: the engine's main
// sets LIVE at startup, and RequestTeardown sets FAILED_TERMINAL when the
// grace timeout forces it. It is the single writer of state.
func (s *Supervisor) SetState(st block.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// State returns the current Core-visible state.
func (s *Supervisor) State() block.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RequestTeardown begins the two-phase negotiated shutdown described in
// spec.md §5. If the session is in a stable state {NONE, LIVE,
// FAILED_TERMINAL}, teardown executes immediately via onExecute. If
// transient, it defers and polls until either the state becomes stable
// or graceTimeout elapses, at which point the boundary is forced to
// FAILED_TERMINAL and teardown completes regardless.
func (s *Supervisor) RequestTeardown(ctx context.Context, onExecute func()) {
	s.mu.Lock()
	if s.teardownRequested {
		s.mu.Unlock()
		return
	}
	s.teardownRequested = true
	s.teardownDone = make(chan struct{})
	s.mu.Unlock()

	deadline := time.Now().Add(s.graceTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		stable := s.state == block.StateNone || s.state == block.StateLive || s.state == block.StateFailedTerminal
		s.mu.Unlock()
		if stable {
			onExecute()
			close(s.teardownDone)
			return
		}
		if time.Now().After(deadline) {
			s.log.Printf("lifecycle: grace timeout exceeded while transient (state=%s); forcing FAILED_TERMINAL", s.State())
			s.SetState(block.StateFailedTerminal)
			onExecute()
			close(s.teardownDone)
			return
		}
		select {
		case <-ctx.Done():
			close(s.teardownDone)
			return
		case <-ticker.C:
		}
	}
}

// Done returns a channel closed once teardown has completed.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teardownDone
}
