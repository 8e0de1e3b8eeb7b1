package vdt

import (
	"errors"
	"sync"

	"github.com/vtxlink/minibridge/logger"
)

// Sentinel errors for the capture recorder.
var (
	ErrAlreadyRecording = errors.New("vdt: recording already in progress")
	ErrNotRecording     = errors.New("vdt: no recording in progress")
)

// Direction identifies which side of the bridge a byte chunk was observed on.
type Direction uint8

const (
	// NetToSerial is traffic from the remote server toward the terminal.
	// It is always captured while a recording is active.
	NetToSerial Direction = iota
	// SerialToNet is traffic from the terminal toward the remote server.
	// It is captured only when the recording was started bidirectional.
	SerialToNet
)

// String returns the string representation of the direction.
func (d Direction) String() string {
	switch d {
	case NetToSerial:
		return "net->serial"
	case SerialToNet:
		return "serial->net"
	default:
		return "unknown"
	}
}

// CaptureArtifact is a sealed capture: the persisted .vdt byte stream plus
// the framing decisions that produced it. Immutable after creation.
type CaptureArtifact struct {
	// InitPrepended reports whether the init sequence precedes the
	// recorded bytes in Payload.
	InitPrepended bool
	// Framed reports whether Payload is wrapped in STX/ETX markers.
	Framed bool
	// Payload is the complete byte stream in .vdt file layout.
	Payload []byte
}

// Recorder accumulates bytes observed on the bridge data path into an
// in-memory buffer and seals them into a CaptureArtifact.
//
// Appends are atomic with respect to each other; the recorder may be fed
// from both the serial poll path and the network receive path concurrently.
type Recorder struct {
	mu            sync.Mutex
	logger        logger.Logger
	buf           []byte
	recording     bool
	bidirectional bool
}

// RecorderOption is a functional option for configuring a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderLogger sets the logger for the recorder.
func WithRecorderLogger(l logger.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRecorder creates an idle Recorder.
func NewRecorder(opts ...RecorderOption) *Recorder {
	r := &Recorder{
		logger: logger.GetLogger(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Start begins a new recording with a fresh empty buffer.
//
// bidirectional selects whether serial->network traffic is captured in
// addition to the always-captured network->serial traffic.
// Returns ErrAlreadyRecording if a recording is active.
func (r *Recorder) Start(bidirectional bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return ErrAlreadyRecording
	}

	r.buf = make([]byte, 0, 4096)
	r.recording = true
	r.bidirectional = bidirectional

	r.logger.Info("vdt: recording started", "bidirectional", bidirectional)

	return nil
}

// Recording reports whether a recording is active.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.recording
}

// OnBytesObserved appends a chunk observed on the bridge data path.
//
// Network->serial chunks are always appended; serial->network chunks only
// when the recording was started bidirectional. Chunks observed while no
// recording is active are dropped silently: the bridge taps unconditionally
// and the recorder decides.
func (r *Recorder) OnBytesObserved(dir Direction, b []byte) {
	if len(b) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return
	}

	if dir == SerialToNet && !r.bidirectional {
		return
	}

	r.buf = append(r.buf, b...)
}

// StopAndSeal ends the recording and builds the capture artifact.
//
// The payload is (init sequence if prependInit) ++ recorded bytes, wrapped
// in STX/ETX markers when wrapMarkers is set. The artifact is not persisted;
// persistence or discard is the caller's responsibility.
// Returns ErrNotRecording if no recording is active.
func (r *Recorder) StopAndSeal(prependInit, wrapMarkers bool) (*CaptureArtifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return nil, ErrNotRecording
	}

	var payload []byte
	if prependInit {
		payload = append(BuildInitSequence(), r.buf...)
	} else {
		payload = make([]byte, len(r.buf))
		copy(payload, r.buf)
	}

	if wrapMarkers {
		payload = WrapWithMarkers(payload)
	}

	recorded := len(r.buf)
	r.buf = nil
	r.recording = false

	r.logger.Info("vdt: recording sealed",
		"recordedBytes", recorded,
		"initPrepended", prependInit,
		"framed", wrapMarkers,
	)

	return &CaptureArtifact{
		InitPrepended: prependInit,
		Framed:        wrapMarkers,
		Payload:       payload,
	}, nil
}

// Discard ends the recording and drops the buffered bytes.
// It is a no-op when no recording is active.
func (r *Recorder) Discard() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return
	}

	r.logger.Info("vdt: recording discarded", "droppedBytes", len(r.buf))

	r.buf = nil
	r.recording = false
}
