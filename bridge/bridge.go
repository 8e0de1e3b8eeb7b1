package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/vtxlink/minibridge/internal/pool"
	"github.com/vtxlink/minibridge/internal/task"
	"github.com/vtxlink/minibridge/logger"
	"github.com/vtxlink/minibridge/probe"
	"github.com/vtxlink/minibridge/vdt"
)

// activeSession enforces the process-wide invariant that at most one bridge
// session is active at a time. Start claims it; teardown releases it.
var activeSession atomic.Pointer[Bridge]

// Bridge relays bytes between one serial terminal and one TCP server.
//
// A Bridge is reusable: after a session ends (Stop, connect failure, or
// connection loss) it returns to Idle and Start may be called again. It is
// safe to call Start, Stop, and Toggle from any goroutine.
type Bridge struct {
	pctx   context.Context
	cfg    *Config
	logger logger.Logger

	stateMgr *SessionStateMgr
	taskMgr  *task.Manager

	// opMu serializes Start, Stop and teardown.
	opMu sync.Mutex

	// mu guards the per-session resources below.
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	serial   *SerialPort
	peer     *NetworkPeer
	detected *probe.Result

	recorder atomic.Pointer[vdt.Recorder]
}

// NewBridge creates a bridge in IdleState.
func NewBridge(ctx context.Context, cfg *Config) (*Bridge, error) {
	if cfg == nil {
		return nil, errors.New("bridge: config is nil")
	}

	b := &Bridge{
		pctx:   ctx,
		cfg:    cfg,
		logger: cfg.logger,
	}

	b.stateMgr = NewSessionStateMgr(cfg.logger)
	b.taskMgr = task.NewManager(ctx, cfg.logger)

	return b, nil
}

// State returns the current session state.
func (b *Bridge) State() SessionState {
	return b.stateMgr.State()
}

// WaitState blocks until the session reaches state or ctx is done.
func (b *Bridge) WaitState(ctx context.Context, state SessionState) error {
	return b.stateMgr.WaitState(ctx, state)
}

// AddStateChangeHandler registers handlers invoked on session state changes.
func (b *Bridge) AddStateChangeHandler(handlers ...SessionStateChangeHandler) {
	b.stateMgr.AddHandler(handlers...)
}

// AttachRecorder taps the session data path with a capture recorder.
// The recorder decides what to keep; the bridge reports every chunk it
// relays. Attaching nil detaches.
func (b *Bridge) AttachRecorder(r *vdt.Recorder) {
	b.recorder.Store(r)
}

// Recorder returns the attached capture recorder, or nil.
func (b *Bridge) Recorder() *vdt.Recorder {
	return b.recorder.Load()
}

// Detected returns the result of the last model detection, or nil when no
// detection has run.
func (b *Bridge) Detected() *probe.Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.detected
}

// Start establishes a session: optional model detection, serial open,
// pre-connect echo disable, TCP connect, then the relay pumps.
//
// Valid only from IdleState; returns ErrNotIdle otherwise, and
// ErrSessionActive when another bridge in this process holds a session.
// On any failure the session is cleaned up back to IdleState with the
// serial handle closed.
func (b *Bridge) Start() error {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	claimed := activeSession.CompareAndSwap(nil, b)
	if !claimed && activeSession.Load() != b {
		return ErrSessionActive
	}

	if err := b.stateMgr.ToConnecting(); err != nil {
		// Release only a claim made by this call; when the slot was
		// already ours the running session still owns it.
		if claimed {
			activeSession.CompareAndSwap(b, nil)
		}

		return ErrNotIdle
	}

	ctx, cancel := context.WithCancel(b.pctx)
	b.mu.Lock()
	b.ctx = ctx
	b.cancel = cancel
	b.mu.Unlock()

	baud, force7E1 := b.cfg.baudRate, false

	if b.cfg.autoDetect {
		result := b.detect(ctx)

		b.mu.Lock()
		b.detected = &result
		b.mu.Unlock()

		// Only the baud rate is adopted from detection; host-side
		// framing stays 7E1.
		baud, force7E1 = result.Speed, true
	}

	if ctx.Err() != nil {
		return b.abortStart(nil, ctx.Err())
	}

	sp, err := openSerialPort(b.cfg, baud, force7E1)
	if err != nil {
		return b.abortStart(nil, err)
	}

	if b.cfg.disableEcho {
		// Fire-and-forget: a failure here degrades the session (local
		// echo stays on) but does not abort it.
		if err := sp.Write(vdt.BuildEchoDisableSequence()); err != nil {
			b.logger.Warn("bridge: failed to send echo-disable sequence", "error", err)
		}
	}

	peer := newNetworkPeer(b.cfg.Addr(), b.cfg.connectTimeout, b.logger, b.handleReceived, b.handleClosed)

	if err := peer.Connect(); err != nil {
		return b.abortStart(sp, err)
	}

	if ctx.Err() != nil {
		peer.Close()

		return b.abortStart(sp, ctx.Err())
	}

	b.mu.Lock()
	b.serial = sp
	b.peer = peer
	b.mu.Unlock()

	if err := b.taskMgr.Start("netReceiver", b.receiveOnce); err != nil {
		return b.abortStart(sp, err)
	}

	if _, err := b.taskMgr.StartInterval("serialPoll", b.pollSerialOnce, b.cfg.pollInterval, false); err != nil {
		b.taskMgr.Stop()
		b.taskMgr.Wait()

		return b.abortStart(sp, err)
	}

	if err := b.stateMgr.ToActive(); err != nil {
		// Stop raced us and already moved the session to Closing.
		return err
	}

	b.logger.Info("bridge: session active",
		"port", b.cfg.serialPortID,
		"remote", b.cfg.Addr(),
		"baud", baud,
	)

	return nil
}

// detect runs the model-detection handshake with the session's config.
func (b *Bridge) detect(ctx context.Context) probe.Result {
	opts := []probe.Option{
		probe.WithLogger(b.logger),
		probe.WithSpeedProgramming(b.cfg.setTerminalSpeed),
	}
	if b.cfg.probeLineOpener != nil {
		opts = append(opts, probe.WithLineOpener(b.cfg.probeLineOpener))
	}

	prober, err := probe.NewProber(opts...)
	if err != nil {
		b.logger.Error("bridge: failed to create prober", "error", err)

		return probe.Unknown
	}

	return prober.Detect(ctx, b.cfg.serialPortID)
}

// abortStart cleans up a failed Start and reports err. sp is the serial
// port to close, if one was opened.
func (b *Bridge) abortStart(sp *SerialPort, err error) error {
	if sp != nil {
		_ = sp.Close()
	}

	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	b.serial = nil
	b.peer = nil
	b.mu.Unlock()

	_ = b.stateMgr.ToClosing()
	_ = b.stateMgr.ToIdle()
	activeSession.CompareAndSwap(b, nil)

	b.logger.Error("bridge: session start failed", "error", err)

	return err
}

// Stop tears the session down from any non-Idle state. It is idempotent
// from Idle and safe to call from any goroutine; when it returns, no
// further serial or network I/O will be attempted by this session.
func (b *Bridge) Stop() error {
	// Cancel first so an in-flight Start aborts promptly; opMu then
	// serializes the actual teardown against Start and the peer-closed
	// path.
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Unlock()

	b.opMu.Lock()
	defer b.opMu.Unlock()

	return b.teardownLocked("stop requested")
}

// Toggle stops an active or connecting session, and starts one when Idle.
func (b *Bridge) Toggle() error {
	if b.stateMgr.IsIdle() {
		return b.Start()
	}

	return b.Stop()
}

// teardownLocked performs the full session teardown. Caller holds opMu.
func (b *Bridge) teardownLocked(reason string) error {
	if b.stateMgr.IsIdle() {
		return nil
	}

	_ = b.stateMgr.ToClosing()

	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	sp := b.serial
	peer := b.peer
	b.serial = nil
	b.peer = nil
	b.mu.Unlock()

	// Serial handle is nulled above and closed before control returns,
	// so no I/O can reach the line after Stop.
	if sp != nil {
		_ = sp.Close()
	}
	if peer != nil {
		peer.Close()
	}

	b.taskMgr.Stop()

	waitCh := make(chan struct{})
	go func() {
		b.taskMgr.Wait()
		close(waitCh)
	}()

	closeTimer := pool.GetTimer(b.cfg.closeTimeout)
	defer pool.PutTimer(closeTimer)

	var closeErr error
	select {
	case <-waitCh:
	case <-closeTimer.C:
		closeErr = errors.New("bridge: session close timeout")
		b.logger.Error("bridge: tasks did not terminate before close timeout",
			"timeout", b.cfg.closeTimeout)
	}

	_ = b.stateMgr.ToIdle()
	activeSession.CompareAndSwap(b, nil)

	b.logger.Info("bridge: session closed", "reason", reason)

	return closeErr
}

// SendCapture replays a capture payload to the terminal. STX/ETX framing
// markers are stripped before transmission. Valid only while Active.
func (b *Bridge) SendCapture(payload []byte) error {
	if !b.stateMgr.IsActive() {
		return ErrNotActive
	}

	data, hadMarkers := vdt.StripMarkers(payload)
	if hadMarkers {
		b.logger.Info("bridge: capture framing markers stripped before replay",
			"payloadBytes", len(data))
	}

	sp := b.getSerial()
	if sp == nil {
		return ErrPortClosed
	}

	return sp.Write(data)
}

// --- Relay pumps ---

// pollSerialOnce is the serial→network pump, run on the poll cadence.
func (b *Bridge) pollSerialOnce() bool {
	if b.sessionCtx().Err() != nil {
		return false
	}

	sp := b.getSerial()
	if sp == nil {
		return false
	}

	data, err := sp.Read(b.cfg.readChunkSize)
	if err != nil {
		if errors.Is(err, ErrPortClosed) {
			return false
		}

		// A Minitel link drop shows up as empty reads, not errors;
		// treat read errors as transient and keep the session up.
		b.logger.Warn("bridge: serial read error", "error", err)

		return true
	}

	if len(data) == 0 {
		return true
	}

	if r := b.recorder.Load(); r != nil {
		r.OnBytesObserved(vdt.SerialToNet, data)
	}

	peer := b.getPeer()
	if peer == nil {
		return false
	}

	if err := peer.Send(data); err != nil {
		// Connection loss surfaces through the receive loop's Closed
		// event; here we only log.
		b.logger.Warn("bridge: failed to forward serial bytes", "error", err)
	}

	return true
}

// receiveOnce is the network receive pump task body.
func (b *Bridge) receiveOnce() bool {
	if b.sessionCtx().Err() != nil {
		return false
	}

	peer := b.getPeer()
	if peer == nil {
		return false
	}

	return peer.receiveOnce()
}

// handleReceived is the network→serial pump, invoked by the peer for every
// inbound chunk.
func (b *Bridge) handleReceived(data []byte) {
	if b.sessionCtx().Err() != nil {
		return
	}

	// Capture before the serial write so the recorded stream reflects
	// arrival order. Network→serial traffic is always capturable,
	// regardless of the recorder's direction setting.
	if r := b.recorder.Load(); r != nil {
		r.OnBytesObserved(vdt.NetToSerial, data)
	}

	sp := b.getSerial()
	if sp != nil {
		if err := sp.Write(data); err != nil && !errors.Is(err, ErrPortClosed) {
			// Transient: the session continues, the chunk is lost on
			// the terminal side.
			b.logger.Warn("bridge: serial write error", "error", err)
		}
	}
}

// handleClosed is invoked by the peer exactly once when the connection
// ends. Clean closure and failure trigger the same teardown; they differ
// only in the logged reason.
func (b *Bridge) handleClosed(reason error) {
	state := b.stateMgr.State()
	if state.IsClosing() || state.IsIdle() {
		return // local teardown already in progress
	}

	why := "connection closed by remote host"
	if reason != nil {
		why = "connection lost"
	}

	// Teardown waits for the receive task (which invoked us) to exit, so
	// it must run on its own goroutine.
	go func() {
		b.opMu.Lock()
		defer b.opMu.Unlock()

		_ = b.teardownLocked(why)
	}()
}

// --- Session resource accessors ---

func (b *Bridge) sessionCtx() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ctx == nil {
		return b.pctx
	}

	return b.ctx
}

func (b *Bridge) getSerial() *SerialPort {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.serial
}

func (b *Bridge) getPeer() *NetworkPeer {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.peer
}
