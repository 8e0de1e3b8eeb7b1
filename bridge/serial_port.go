package bridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.bug.st/serial"

	"github.com/vtxlink/minibridge/logger"
)

// Device is the subset of a serial port the bridge drives. The production
// opener returns a go.bug.st/serial port; tests substitute fakes.
type Device interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	ResetInputBuffer() error
	Drain() error
	Close() error
}

// DeviceOpener opens the named port with the given framing.
type DeviceOpener func(portID string, mode *serial.Mode, readTimeout time.Duration) (Device, error)

// openSerialDevice is the production DeviceOpener.
func openSerialDevice(portID string, mode *serial.Mode, readTimeout time.Duration) (Device, error) {
	port, err := serial.Open(portID, mode)
	if err != nil {
		return nil, fmt.Errorf("bridge: failed to open serial port %s: %w", portID, err)
	}

	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()

		return nil, fmt.Errorf("bridge: failed to set read timeout on %s: %w", portID, err)
	}

	return port, nil
}

// openPorts tracks which serial ports are open in this process. At most one
// SerialPort handle may exist per physical port.
var openPorts = xsync.NewMapOf[string, *SerialPort]()

// SerialPort is the bridge's exclusive handle on the physical serial line.
//
// All I/O goes through an internal lock, so writes from the network-receive
// path and reads from the poll path never interleave at the byte level.
// Close is idempotent.
type SerialPort struct {
	mu     sync.Mutex
	portID string
	dev    Device
	logger logger.Logger
	closed bool
}

// serialMode translates the configured framing to a go.bug.st/serial Mode.
// When force7E1 is set the terminal family's fixed 7-bit/even/1-stop framing
// is used regardless of the configured values.
func (cfg *Config) serialMode(baud int, force7E1 bool) *serial.Mode {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: cfg.dataBits,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}

	if force7E1 {
		mode.DataBits = 7
		mode.Parity = serial.EvenParity

		return mode
	}

	if cfg.stopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	if cfg.parity == ParityEven {
		mode.Parity = serial.EvenParity
	}

	return mode
}

// openSerialPort opens the configured port at the given baud rate,
// registering it for process-wide exclusivity.
func openSerialPort(cfg *Config, baud int, force7E1 bool) (*SerialPort, error) {
	sp := &SerialPort{
		portID: cfg.serialPortID,
		logger: cfg.logger.With("port", cfg.serialPortID),
	}

	if _, loaded := openPorts.LoadOrStore(cfg.serialPortID, sp); loaded {
		return nil, fmt.Errorf("%w: %s", ErrPortBusy, cfg.serialPortID)
	}

	opener := cfg.deviceOpener
	if opener == nil {
		opener = openSerialDevice
	}

	mode := cfg.serialMode(baud, force7E1)

	dev, err := opener(cfg.serialPortID, mode, cfg.readTimeout)
	if err != nil {
		openPorts.Delete(cfg.serialPortID)

		return nil, err
	}

	sp.dev = dev

	sp.logger.Info("bridge: serial port opened",
		"baud", mode.BaudRate,
		"dataBits", mode.DataBits,
		"parity", mode.Parity,
		"stopBits", mode.StopBits,
	)

	return sp, nil
}

// Read reads up to maxBytes from the port. It returns an empty slice when
// the bounded read timeout expires with no data, and never blocks
// indefinitely.
func (sp *SerialPort) Read(maxBytes int) ([]byte, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.closed {
		return nil, ErrPortClosed
	}

	buf := make([]byte, maxBytes)

	n, err := sp.dev.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("bridge: serial read failed: %w", err)
	}

	return buf[:n], nil
}

// Write writes all of data to the port.
func (sp *SerialPort) Write(data []byte) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.closed {
		return ErrPortClosed
	}

	for written := 0; written < len(data); {
		n, err := sp.dev.Write(data[written:])
		written += n

		if err != nil {
			return fmt.Errorf("bridge: serial write failed: %w", err)
		}
	}

	return nil
}

// Flush blocks until all buffered output has been transmitted.
func (sp *SerialPort) Flush() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.closed {
		return ErrPortClosed
	}

	if err := sp.dev.Drain(); err != nil {
		return fmt.Errorf("bridge: serial drain failed: %w", err)
	}

	return nil
}

// Close closes the port and releases the exclusivity registration.
// Closing an already-closed port is a no-op.
func (sp *SerialPort) Close() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.closed {
		return nil
	}

	sp.closed = true
	openPorts.Delete(sp.portID)

	if err := sp.dev.Close(); err != nil {
		sp.logger.Error("bridge: failed to close serial port", "error", err)

		return fmt.Errorf("bridge: failed to close serial port: %w", err)
	}

	sp.logger.Info("bridge: serial port closed")

	return nil
}
