package bridge

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// fakeDevice is an in-memory serial device: injected bytes are served to
// Read (zero-byte reads model the bounded read timeout) and writes
// accumulate for inspection.
type fakeDevice struct {
	mu       sync.Mutex
	pending  []byte
	written  []byte
	closed   bool
	readErr  error
	writeErr error
	drains   int
	resets   int
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.readErr != nil {
		return 0, d.readErr
	}

	if len(d.pending) == 0 {
		return 0, nil // read timeout
	}

	n := copy(p, d.pending)
	d.pending = d.pending[n:]

	return n, nil
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.writeErr != nil {
		return 0, d.writeErr
	}
	d.written = append(d.written, p...)

	return len(p), nil
}

func (d *fakeDevice) ResetInputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++

	return nil
}

func (d *fakeDevice) Drain() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drains++

	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true

	return nil
}

func (d *fakeDevice) inject(b []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, b...)
}

func (d *fakeDevice) writtenBytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]byte, len(d.written))
	copy(out, d.written)

	return out
}

func (d *fakeDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.closed
}

func fakeOpener(dev *fakeDevice) DeviceOpener {
	return func(_ string, _ *serial.Mode, _ time.Duration) (Device, error) {
		return dev, nil
	}
}

func newSerialTestConfig(t *testing.T, portID string, dev *fakeDevice, opts ...ConfigOption) *Config {
	t.Helper()

	opts = append([]ConfigOption{WithDeviceOpener(fakeOpener(dev))}, opts...)

	cfg, err := NewConfig(portID, "localhost", 516, opts...)
	require.NoError(t, err)

	return cfg
}

// --- Open tests ---

func TestOpenSerialPort(t *testing.T) {
	dev := &fakeDevice{}
	cfg := newSerialTestConfig(t, "fake-open-0", dev)

	sp, err := openSerialPort(cfg, 1200, false)
	require.NoError(t, err)
	defer func() { _ = sp.Close() }()

	assert.NotNil(t, sp)
}

func TestOpenSerialPort_Exclusive(t *testing.T) {
	dev := &fakeDevice{}
	cfg := newSerialTestConfig(t, "fake-excl-0", dev)

	sp, err := openSerialPort(cfg, 1200, false)
	require.NoError(t, err)

	_, err = openSerialPort(cfg, 1200, false)
	assert.ErrorIs(t, err, ErrPortBusy)

	// Closing releases the port for reopening.
	require.NoError(t, sp.Close())

	sp2, err := openSerialPort(cfg, 1200, false)
	require.NoError(t, err)
	require.NoError(t, sp2.Close())
}

func TestOpenSerialPort_OpenerFailureReleasesRegistration(t *testing.T) {
	openErr := errors.New("no such device")
	cfg, err := NewConfig("fake-fail-0", "localhost", 516,
		WithDeviceOpener(func(_ string, _ *serial.Mode, _ time.Duration) (Device, error) {
			return nil, openErr
		}),
	)
	require.NoError(t, err)

	_, err = openSerialPort(cfg, 1200, false)
	assert.ErrorIs(t, err, openErr)

	// The failed open must not leave the port registered as busy.
	dev := &fakeDevice{}
	cfg2 := newSerialTestConfig(t, "fake-fail-0", dev)
	sp, err := openSerialPort(cfg2, 1200, false)
	require.NoError(t, err)
	require.NoError(t, sp.Close())
}

// --- Mode tests ---

func TestSerialMode(t *testing.T) {
	cfg, err := NewConfig("fake-mode-0", "localhost", 516,
		WithDataBits(8),
		WithParity(ParityNone),
		WithStopBits(2),
	)
	require.NoError(t, err)

	mode := cfg.serialMode(9600, false)
	assert.Equal(t, 9600, mode.BaudRate)
	assert.Equal(t, 8, mode.DataBits)
	assert.Equal(t, serial.NoParity, mode.Parity)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
}

func TestSerialMode_Force7E1(t *testing.T) {
	// Auto-detect sessions keep host-side framing 7E1 whatever the config.
	cfg, err := NewConfig("fake-mode-1", "localhost", 516,
		WithDataBits(8),
		WithParity(ParityNone),
	)
	require.NoError(t, err)

	mode := cfg.serialMode(9600, true)
	assert.Equal(t, 9600, mode.BaudRate)
	assert.Equal(t, 7, mode.DataBits)
	assert.Equal(t, serial.EvenParity, mode.Parity)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)
}

// --- I/O tests ---

func TestSerialPort_ReadWrite(t *testing.T) {
	dev := &fakeDevice{}
	cfg := newSerialTestConfig(t, "fake-io-0", dev)

	sp, err := openSerialPort(cfg, 1200, false)
	require.NoError(t, err)
	defer func() { _ = sp.Close() }()

	// Empty read on timeout, no error.
	data, err := sp.Read(64)
	require.NoError(t, err)
	assert.Empty(t, data)

	dev.inject([]byte("hello"))
	data, err = sp.Read(64)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	require.NoError(t, sp.Write([]byte("world")))
	assert.Equal(t, []byte("world"), dev.writtenBytes())

	require.NoError(t, sp.Flush())
}

func TestSerialPort_ReadBounded(t *testing.T) {
	dev := &fakeDevice{}
	dev.inject([]byte("0123456789"))
	cfg := newSerialTestConfig(t, "fake-io-1", dev)

	sp, err := openSerialPort(cfg, 1200, false)
	require.NoError(t, err)
	defer func() { _ = sp.Close() }()

	data, err := sp.Read(4)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123"), data)

	data, err = sp.Read(64)
	require.NoError(t, err)
	assert.Equal(t, []byte("456789"), data)
}

func TestSerialPort_IOAfterClose(t *testing.T) {
	dev := &fakeDevice{}
	cfg := newSerialTestConfig(t, "fake-close-0", dev)

	sp, err := openSerialPort(cfg, 1200, false)
	require.NoError(t, err)
	require.NoError(t, sp.Close())
	assert.True(t, dev.isClosed())

	_, err = sp.Read(64)
	assert.ErrorIs(t, err, ErrPortClosed)

	err = sp.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrPortClosed)

	err = sp.Flush()
	assert.ErrorIs(t, err, ErrPortClosed)
}

func TestSerialPort_CloseIdempotent(t *testing.T) {
	dev := &fakeDevice{}
	cfg := newSerialTestConfig(t, "fake-close-1", dev)

	sp, err := openSerialPort(cfg, 1200, false)
	require.NoError(t, err)

	require.NoError(t, sp.Close())
	require.NoError(t, sp.Close())
}

func TestSerialPort_ReadError(t *testing.T) {
	dev := &fakeDevice{readErr: errors.New("device gone")}
	cfg := newSerialTestConfig(t, "fake-err-0", dev)

	sp, err := openSerialPort(cfg, 1200, false)
	require.NoError(t, err)
	defer func() { _ = sp.Close() }()

	_, err = sp.Read(64)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrPortClosed)
}
