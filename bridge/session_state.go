package bridge

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/vtxlink/minibridge/logger"
)

// SessionState represents the lifecycle stage of a bridge session.
type SessionState uint32

// Bridge session states.
const (
	// IdleState indicates no session is in progress.
	IdleState SessionState = iota
	// ConnectingState indicates the session is being established: probing,
	// serial open, and TCP dial happen in this state.
	ConnectingState
	// ActiveState indicates bytes are being relayed in both directions.
	ActiveState
	// ClosingState indicates the session is tearing down.
	ClosingState
)

// IsIdle returns whether the state is Idle.
func (s SessionState) IsIdle() bool { return s == IdleState }

// IsConnecting returns whether the state is Connecting.
func (s SessionState) IsConnecting() bool { return s == ConnectingState }

// IsActive returns whether the state is Active.
func (s SessionState) IsActive() bool { return s == ActiveState }

// IsClosing returns whether the state is Closing.
func (s SessionState) IsClosing() bool { return s == ClosingState }

// String returns the string representation of the state.
func (s SessionState) String() string {
	switch s {
	case IdleState:
		return "idle"
	case ConnectingState:
		return "connecting"
	case ActiveState:
		return "active"
	case ClosingState:
		return "closing"
	default:
		return "unknown"
	}
}

// SessionStateChangeHandler is invoked on every session state change.
//
// Handlers run synchronously inside the transition; keep them short.
type SessionStateChangeHandler func(prevState SessionState, newState SessionState)

// SessionStateMgr manages the bridge session state machine.
//
// Transitions are serialized under a mutex and broadcast to waiters, so
// WaitState can block until the session reaches a desired state.
type SessionStateMgr struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    atomic.Uint32
	logger   logger.Logger
	handlers []SessionStateChangeHandler
}

// NewSessionStateMgr creates a state manager in IdleState.
func NewSessionStateMgr(l logger.Logger, handlers ...SessionStateChangeHandler) *SessionStateMgr {
	mgr := &SessionStateMgr{
		logger:   l,
		handlers: handlers,
	}

	mgr.state.Store(uint32(IdleState))
	mgr.cond = sync.NewCond(&mgr.mu)

	return mgr
}

// State returns the current session state.
func (mgr *SessionStateMgr) State() SessionState {
	return SessionState(mgr.state.Load())
}

// AddHandler registers additional state change handlers.
func (mgr *SessionStateMgr) AddHandler(handlers ...SessionStateChangeHandler) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.handlers = append(mgr.handlers, handlers...)
}

// WaitState blocks until the session reaches state or ctx is done.
func (mgr *SessionStateMgr) WaitState(ctx context.Context, state SessionState) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.State() == state {
		return nil
	}

	stopFunc := context.AfterFunc(ctx, func() {
		mgr.cond.Broadcast()
	})
	defer stopFunc()

	for mgr.State() != state {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			mgr.cond.Wait()
		}
	}

	return nil
}

// ToConnecting transitions Idle → Connecting.
//
// This is the only entry into a session; it fails with ErrInvalidTransition
// from any state other than Idle, which is how the bridge forbids a second
// concurrent Start.
func (mgr *SessionStateMgr) ToConnecting() error {
	return mgr.transition(ConnectingState, func(cur SessionState) bool {
		return cur.IsIdle()
	})
}

// ToActive transitions Connecting → Active.
func (mgr *SessionStateMgr) ToActive() error {
	return mgr.transition(ActiveState, func(cur SessionState) bool {
		return cur.IsConnecting()
	})
}

// ToClosing transitions Connecting or Active → Closing.
func (mgr *SessionStateMgr) ToClosing() error {
	return mgr.transition(ClosingState, func(cur SessionState) bool {
		return cur.IsConnecting() || cur.IsActive()
	})
}

// ToIdle transitions Closing → Idle.
func (mgr *SessionStateMgr) ToIdle() error {
	return mgr.transition(IdleState, func(cur SessionState) bool {
		return cur.IsClosing()
	})
}

// IsIdle returns whether the current state is Idle.
func (mgr *SessionStateMgr) IsIdle() bool { return mgr.State().IsIdle() }

// IsConnecting returns whether the current state is Connecting.
func (mgr *SessionStateMgr) IsConnecting() bool { return mgr.State().IsConnecting() }

// IsActive returns whether the current state is Active.
func (mgr *SessionStateMgr) IsActive() bool { return mgr.State().IsActive() }

// IsClosing returns whether the current state is Closing.
func (mgr *SessionStateMgr) IsClosing() bool { return mgr.State().IsClosing() }

// transition performs a guarded state change. A transition whose guard
// rejects the current state returns ErrInvalidTransition; same-state
// transitions are rejected too, which is what makes a second concurrent
// Start fail instead of silently passing.
func (mgr *SessionStateMgr) transition(newState SessionState, allowed func(SessionState) bool) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	curState := mgr.State()

	if curState == newState || !allowed(curState) {
		mgr.logger.Debug("bridge: rejected state transition",
			"from", curState.String(),
			"to", newState.String(),
		)

		return ErrInvalidTransition
	}

	// Publish the new state before handlers run so concurrent State()
	// observers and waiters see it immediately.
	mgr.state.Store(uint32(newState))
	mgr.cond.Broadcast()

	mgr.logger.Debug("bridge: session state changed",
		"from", curState.String(),
		"to", newState.String(),
	)

	for _, handler := range mgr.handlers {
		if handler != nil {
			handler(curState, newState)
		}
	}

	return nil
}
