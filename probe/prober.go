// Package probe implements the Minitel model-detection handshake.
//
// Detection sweeps a fixed candidate list of baud rates at the terminal
// family's 7E1 framing, sends the PRO1 ENQROM identification command at
// each, and parses the 5-byte SOH…EOT reply. A successful reply maps the
// ROM code to a model and its native speed; optionally the terminal is then
// instructed to switch its internal speed with a PRO2 PROG command.
//
// Probing is synchronous and bounded: at most three candidates, each costing
// one settle interval. It must run before the bridge opens the serial port
// for the session; host-side framing stays 7E1 regardless of the outcome,
// only the baud rate is adopted.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"

	"github.com/vtxlink/minibridge/internal/pool"
	"github.com/vtxlink/minibridge/logger"
	"github.com/vtxlink/minibridge/vdt"
)

// Candidate baud rates, swept in increasing order. The first candidate
// yielding a structurally valid reply wins.
var candidates = [3]int{1200, 4800, 9600}

const (
	// DefaultSettleInterval is the wait between sending ENQROM and reading
	// the reply. The slowest candidate needs ~40ms for the 5 reply bytes;
	// 400ms leaves margin for the terminal's ROM lookup.
	DefaultSettleInterval = 400 * time.Millisecond

	// DefaultProgramSettle is the wait after sending the speed-set command
	// before closing the line, giving the terminal time to latch the new
	// speed.
	DefaultProgramSettle = 100 * time.Millisecond

	// DefaultReadTimeout bounds each read call on the probe line.
	DefaultReadTimeout = 200 * time.Millisecond

	replyLen = 5
)

// enqROM is the PRO1 identification command: ESC '9' '{'.
var enqROM = [3]byte{vdt.ESC, 0x39, 0x7B}

// progSpeed is the PRO2 PROG command prefix: ESC ':' 'k'. The speed
// configuration byte follows.
var progSpeed = [3]byte{vdt.ESC, vdt.PRO2, 0x6B}

// Line is the minimal serial line the prober drives. The production opener
// returns a go.bug.st/serial port configured 7E1 with a bounded read
// timeout; tests substitute scripted fakes.
type Line interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	ResetInputBuffer() error
	Close() error
}

// LineOpener opens the named port at the given baud with 7E1 framing.
type LineOpener func(portID string, baud int) (Line, error)

// openSerialLine is the production LineOpener.
func openSerialLine(readTimeout time.Duration) LineOpener {
	return func(portID string, baud int) (Line, error) {
		mode := &serial.Mode{
			BaudRate: baud,
			DataBits: 7,
			Parity:   serial.EvenParity,
			StopBits: serial.OneStopBit,
		}

		port, err := serial.Open(portID, mode)
		if err != nil {
			return nil, fmt.Errorf("probe: failed to open %s at %d baud: %w", portID, baud, err)
		}

		if err := port.SetReadTimeout(readTimeout); err != nil {
			_ = port.Close()

			return nil, fmt.Errorf("probe: failed to set read timeout: %w", err)
		}

		return port, nil
	}
}

// Prober drives the model-detection handshake on a serial port.
type Prober struct {
	logger         logger.Logger
	opener         LineOpener
	settleInterval time.Duration
	programSettle  time.Duration
	readTimeout    time.Duration
	programSpeed   bool
}

// Option is a functional option for configuring a Prober.
type Option interface {
	apply(*Prober) error
}

type optFunc func(*Prober) error

func (f optFunc) apply(p *Prober) error { return f(p) }

// WithLogger sets the prober's logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(p *Prober) error {
		if l == nil {
			return errors.New("probe: logger must not be nil")
		}
		p.logger = l

		return nil
	})
}

// WithLineOpener replaces the serial line opener. Used by tests to inject
// scripted terminals.
func WithLineOpener(opener LineOpener) Option {
	return optFunc(func(p *Prober) error {
		if opener == nil {
			return errors.New("probe: line opener must not be nil")
		}
		p.opener = opener

		return nil
	})
}

// WithSettleInterval sets the wait between probe command and reply read.
func WithSettleInterval(d time.Duration) Option {
	return optFunc(func(p *Prober) error {
		if d <= 0 {
			return errors.New("probe: settle interval must be positive")
		}
		p.settleInterval = d

		return nil
	})
}

// WithSpeedProgramming enables sending the PRO2 PROG speed-set command when
// the detected native speed differs from the probed baud. Disabled by
// default; host-side framing is unaffected either way.
func WithSpeedProgramming(enabled bool) Option {
	return optFunc(func(p *Prober) error {
		p.programSpeed = enabled

		return nil
	})
}

// NewProber creates a Prober with the given options.
func NewProber(opts ...Option) (*Prober, error) {
	p := &Prober{
		logger:         logger.GetLogger(),
		settleInterval: DefaultSettleInterval,
		programSettle:  DefaultProgramSettle,
		readTimeout:    DefaultReadTimeout,
	}

	for _, opt := range opts {
		if err := opt.apply(p); err != nil {
			return nil, err
		}
	}

	if p.opener == nil {
		p.opener = openSerialLine(p.readTimeout)
	}

	return p, nil
}

// Detect sweeps the candidate baud list on portID and returns the detected
// model. Detection never fails hard: malformed replies, I/O errors and
// silent candidates all fall through to the next candidate, and an
// exhausted sweep returns the Unknown sentinel.
//
// When speed programming is enabled and the detected native speed differs
// from the baud that produced the reply, the terminal is instructed to
// switch its internal speed before Detect returns.
func (p *Prober) Detect(ctx context.Context, portID string) Result {
	for _, baud := range candidates {
		select {
		case <-ctx.Done():
			p.logger.Debug("probe: detection cancelled", "port", portID)

			return Unknown
		default:
		}

		result, ok := p.probeAt(ctx, portID, baud)
		if !ok {
			continue
		}

		p.logger.Info("probe: terminal identified",
			"port", portID,
			"probedBaud", baud,
			"model", result.Model,
			"nativeSpeed", result.Speed,
		)

		if p.programSpeed && result.Speed != baud {
			if err := p.setTerminalSpeed(ctx, portID, baud, result.Speed); err != nil {
				p.logger.Warn("probe: failed to program terminal speed",
					"port", portID,
					"targetSpeed", result.Speed,
					"error", err,
				)
			}
		}

		return result
	}

	p.logger.Info("probe: detection inconclusive, assuming defaults",
		"port", portID,
		"model", Unknown.Model,
		"speed", Unknown.Speed,
	)

	return Unknown
}

// probeAt sends ENQROM at one candidate baud and parses the reply.
// The bool result reports whether a structurally valid reply was received.
func (p *Prober) probeAt(ctx context.Context, portID string, baud int) (Result, bool) {
	line, err := p.opener(portID, baud)
	if err != nil {
		p.logger.Debug("probe: candidate open failed", "port", portID, "baud", baud, "error", err)

		return Unknown, false
	}
	defer func() { _ = line.Close() }()

	// Stale bytes from a previous attempt would shift the reply frame.
	if err := line.ResetInputBuffer(); err != nil {
		p.logger.Debug("probe: input buffer reset failed", "port", portID, "error", err)
	}

	if _, err := line.Write(enqROM[:]); err != nil {
		p.logger.Debug("probe: failed to send ENQROM", "port", portID, "baud", baud, "error", err)

		return Unknown, false
	}

	if !p.settle(ctx, p.settleInterval) {
		return Unknown, false
	}

	reply, err := p.readReply(line)
	if err != nil {
		p.logger.Debug("probe: reply read failed", "port", portID, "baud", baud, "error", err)

		return Unknown, false
	}

	if len(reply) != replyLen || reply[0] != vdt.SOH || reply[replyLen-1] != vdt.EOT {
		p.logger.Debug("probe: malformed or missing reply",
			"port", portID,
			"baud", baud,
			"reply", fmt.Sprintf("% 02X", reply),
		)

		return Unknown, false
	}

	// Byte 2 carries the ROM code; an unlisted code is still a valid
	// reply, it just maps to the Unknown sentinel.
	return lookupModel(reply[2]), true
}

// readReply reads up to replyLen bytes, stopping at the first bounded-read
// timeout (a zero-byte read).
func (p *Prober) readReply(line Line) ([]byte, error) {
	buf := make([]byte, replyLen)
	read := 0

	for read < replyLen {
		n, err := line.Read(buf[read:])
		if err != nil {
			return buf[:read], err
		}
		if n == 0 {
			break // read timeout, terminal has nothing more to say
		}
		read += n
	}

	return buf[:read], nil
}

// setTerminalSpeed reopens the line at the baud that produced the reply and
// sends the PRO2 PROG speed-set command for targetBaud.
func (p *Prober) setTerminalSpeed(ctx context.Context, portID string, probedBaud, targetBaud int) error {
	cfgByte, ok := speedConfigByte(targetBaud)
	if !ok {
		return fmt.Errorf("probe: unsupported target speed %d", targetBaud)
	}

	line, err := p.opener(portID, probedBaud)
	if err != nil {
		return err
	}
	defer func() { _ = line.Close() }()

	cmd := append(progSpeed[:], cfgByte)
	if _, err := line.Write(cmd); err != nil {
		return fmt.Errorf("probe: failed to send speed-set command: %w", err)
	}

	p.settle(ctx, p.programSettle)

	p.logger.Info("probe: terminal speed programmed",
		"port", portID,
		"targetSpeed", targetBaud,
		"configByte", fmt.Sprintf("0x%02X", cfgByte),
	)

	return nil
}

// settle waits for d or until ctx is cancelled. It reports whether the full
// interval elapsed.
func (p *Prober) settle(ctx context.Context, d time.Duration) bool {
	timer := pool.GetTimer(d)
	defer pool.PutTimer(timer)

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
