package bridge

import "errors"

// Sentinel errors for the bridge session.
var (
	// ErrNotIdle is returned by Start when the session is not Idle.
	ErrNotIdle = errors.New("bridge: session is not idle")

	// ErrNotActive is returned by operations that require an Active session.
	ErrNotActive = errors.New("bridge: session is not active")

	// ErrSessionActive is returned by Start when another bridge session is
	// already active in this process.
	ErrSessionActive = errors.New("bridge: another session is already active")

	// ErrPortBusy is returned when opening a serial port that is already
	// open in this process.
	ErrPortBusy = errors.New("bridge: serial port is already open")

	// ErrPortClosed is returned by serial I/O on a closed port.
	ErrPortClosed = errors.New("bridge: serial port is closed")

	// ErrPeerClosed is returned by Send on a closed network peer.
	ErrPeerClosed = errors.New("bridge: network peer is closed")

	// ErrConnectFailed wraps the dial error when the remote host cannot
	// be reached. The session is torn down; there is no retry.
	ErrConnectFailed = errors.New("bridge: failed to connect to remote host")

	// ErrInvalidTransition is returned for a disallowed session state change.
	ErrInvalidTransition = errors.New("bridge: invalid session state transition")
)
