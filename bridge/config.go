package bridge

import (
	"errors"
	"fmt"
	"time"

	"github.com/vtxlink/minibridge/logger"
	"github.com/vtxlink/minibridge/probe"
)

// Parity selects the serial parity mode. The Minitel family uses Even with
// 7 data bits; that pairing is a device convention, not enforced here.
type Parity uint8

// Supported parity modes.
const (
	ParityNone Parity = iota
	ParityEven
)

// String returns the string representation of the parity mode.
func (p Parity) String() string {
	switch p {
	case ParityNone:
		return "none"
	case ParityEven:
		return "even"
	default:
		return "unknown"
	}
}

// Default configuration values.
const (
	DefaultBaudRate = 1200
	DefaultDataBits = 7
	DefaultStopBits = 1

	// DefaultPollInterval is the serial poll cadence. At ≤9600 bps a byte
	// arrives at most every ~1ms, so 60ms polls (≤~72 buffered bytes per
	// tick) keep latency low without busy-reading the port.
	DefaultPollInterval = 60 * time.Millisecond

	// DefaultReadTimeout bounds each serial read call.
	DefaultReadTimeout = 20 * time.Millisecond

	// DefaultReadChunkSize is the per-poll serial read buffer size.
	DefaultReadChunkSize = 256

	DefaultConnectTimeout = 3 * time.Second
	DefaultCloseTimeout   = 3 * time.Second
)

// Allowed serial session parameter values.
var (
	validBaudRates = map[int]bool{300: true, 1200: true, 4800: true, 9600: true}
	validDataBits  = map[int]bool{7: true, 8: true}
	validStopBits  = map[int]bool{1: true, 2: true}
)

// Config holds the full configuration of a bridge session.
type Config struct {
	serialPortID string
	serverHost   string
	serverPort   int

	// Serial framing. Ignored (forced to 7E1 at the detected baud) when
	// autoDetect is enabled.
	baudRate int
	dataBits int
	parity   Parity
	stopBits int

	autoDetect       bool
	setTerminalSpeed bool
	disableEcho      bool

	pollInterval  time.Duration
	readTimeout   time.Duration
	readChunkSize int

	connectTimeout time.Duration
	closeTimeout   time.Duration

	logger logger.Logger

	// Test hooks.
	deviceOpener    DeviceOpener
	probeLineOpener probe.LineOpener
}

// NewConfig creates a bridge configuration for the given serial port and
// remote host.
//
// opts are functional options applied in order; see the With* functions.
func NewConfig(serialPortID, serverHost string, serverPort int, opts ...ConfigOption) (*Config, error) {
	if serialPortID == "" {
		return nil, errors.New("bridge: serial port ID must not be empty")
	}
	if serverHost == "" {
		return nil, errors.New("bridge: server host must not be empty")
	}
	if serverPort < 1 || serverPort > 65535 {
		return nil, fmt.Errorf("bridge: server port %d out of range [1, 65535]", serverPort)
	}

	cfg := &Config{
		serialPortID:   serialPortID,
		serverHost:     serverHost,
		serverPort:     serverPort,
		baudRate:       DefaultBaudRate,
		dataBits:       DefaultDataBits,
		parity:         ParityEven,
		stopBits:       DefaultStopBits,
		disableEcho:    true,
		pollInterval:   DefaultPollInterval,
		readTimeout:    DefaultReadTimeout,
		readChunkSize:  DefaultReadChunkSize,
		connectTimeout: DefaultConnectTimeout,
		closeTimeout:   DefaultCloseTimeout,
		logger:         logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// --- Getters ---

// SerialPortID returns the configured serial port identifier.
func (cfg *Config) SerialPortID() string { return cfg.serialPortID }

// ServerHost returns the remote host.
func (cfg *Config) ServerHost() string { return cfg.serverHost }

// ServerPort returns the remote TCP port.
func (cfg *Config) ServerPort() int { return cfg.serverPort }

// Addr returns "host:port".
func (cfg *Config) Addr() string { return fmt.Sprintf("%s:%d", cfg.serverHost, cfg.serverPort) }

// BaudRate returns the configured baud rate.
func (cfg *Config) BaudRate() int { return cfg.baudRate }

// DataBits returns the configured data bits.
func (cfg *Config) DataBits() int { return cfg.dataBits }

// Parity returns the configured parity mode.
func (cfg *Config) Parity() Parity { return cfg.parity }

// StopBits returns the configured stop bits.
func (cfg *Config) StopBits() int { return cfg.stopBits }

// AutoDetect returns whether model auto-detection runs before the session.
func (cfg *Config) AutoDetect() bool { return cfg.autoDetect }

// SetTerminalSpeed returns whether detection may reprogram the terminal's
// internal speed.
func (cfg *Config) SetTerminalSpeed() bool { return cfg.setTerminalSpeed }

// DisableEcho returns whether the echo-disable sequence is sent pre-connect.
func (cfg *Config) DisableEcho() bool { return cfg.disableEcho }

// PollInterval returns the serial poll cadence.
func (cfg *Config) PollInterval() time.Duration { return cfg.pollInterval }

// GetLogger returns the configured logger.
func (cfg *Config) GetLogger() logger.Logger { return cfg.logger }

// --- ConfigOption ---

// ConfigOption is a functional option for configuring a bridge session.
type ConfigOption interface {
	apply(*Config) error
}

type cfgOptFunc func(*Config) error

func (f cfgOptFunc) apply(cfg *Config) error { return f(cfg) }

// WithBaudRate sets the serial baud rate. Must be one of 300, 1200, 4800,
// or 9600.
func WithBaudRate(baud int) ConfigOption {
	return cfgOptFunc(func(cfg *Config) error {
		if !validBaudRates[baud] {
			return fmt.Errorf("bridge: unsupported baud rate %d", baud)
		}
		cfg.baudRate = baud

		return nil
	})
}

// WithDataBits sets the serial data bits. Must be 7 or 8.
func WithDataBits(bits int) ConfigOption {
	return cfgOptFunc(func(cfg *Config) error {
		if !validDataBits[bits] {
			return fmt.Errorf("bridge: unsupported data bits %d", bits)
		}
		cfg.dataBits = bits

		return nil
	})
}

// WithParity sets the serial parity mode.
func WithParity(p Parity) ConfigOption {
	return cfgOptFunc(func(cfg *Config) error {
		if p != ParityNone && p != ParityEven {
			return fmt.Errorf("bridge: unsupported parity %d", p)
		}
		cfg.parity = p

		return nil
	})
}

// WithStopBits sets the serial stop bits. Must be 1 or 2.
func WithStopBits(bits int) ConfigOption {
	return cfgOptFunc(func(cfg *Config) error {
		if !validStopBits[bits] {
			return fmt.Errorf("bridge: unsupported stop bits %d", bits)
		}
		cfg.stopBits = bits

		return nil
	})
}

// WithAutoDetect enables the model-detection handshake before the session.
// When enabled, host-side framing is forced to 7E1 and the baud rate is
// taken from the detection result.
func WithAutoDetect(enabled bool) ConfigOption {
	return cfgOptFunc(func(cfg *Config) error {
		cfg.autoDetect = enabled

		return nil
	})
}

// WithSetTerminalSpeed allows the detection handshake to reprogram the
// terminal's internal speed when its native speed differs from the probed
// baud. Only meaningful together with WithAutoDetect.
func WithSetTerminalSpeed(enabled bool) ConfigOption {
	return cfgOptFunc(func(cfg *Config) error {
		cfg.setTerminalSpeed = enabled

		return nil
	})
}

// WithDisableEcho controls sending the local-echo disable sequence right
// after the serial port opens. Enabled by default.
func WithDisableEcho(enabled bool) ConfigOption {
	return cfgOptFunc(func(cfg *Config) error {
		cfg.disableEcho = enabled

		return nil
	})
}

// WithPollInterval sets the serial poll cadence.
func WithPollInterval(d time.Duration) ConfigOption {
	return cfgOptFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("bridge: poll interval must be positive")
		}
		cfg.pollInterval = d

		return nil
	})
}

// WithReadTimeout sets the bound on each serial read call.
func WithReadTimeout(d time.Duration) ConfigOption {
	return cfgOptFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("bridge: read timeout must be positive")
		}
		cfg.readTimeout = d

		return nil
	})
}

// WithConnectTimeout sets the TCP dial timeout.
func WithConnectTimeout(d time.Duration) ConfigOption {
	return cfgOptFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("bridge: connect timeout must be positive")
		}
		cfg.connectTimeout = d

		return nil
	})
}

// WithCloseTimeout sets the session teardown timeout.
func WithCloseTimeout(d time.Duration) ConfigOption {
	return cfgOptFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("bridge: close timeout must be positive")
		}
		cfg.closeTimeout = d

		return nil
	})
}

// WithLogger sets the logger for the session.
func WithLogger(l logger.Logger) ConfigOption {
	return cfgOptFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("bridge: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}

// WithDeviceOpener replaces the serial device opener. Used by tests to
// inject fake terminals.
func WithDeviceOpener(opener DeviceOpener) ConfigOption {
	return cfgOptFunc(func(cfg *Config) error {
		if opener == nil {
			return errors.New("bridge: device opener must not be nil")
		}
		cfg.deviceOpener = opener

		return nil
	})
}

// WithProbeLineOpener replaces the detection handshake's line opener. Used
// by tests to inject scripted terminals.
func WithProbeLineOpener(opener probe.LineOpener) ConfigOption {
	return cfgOptFunc(func(cfg *Config) error {
		if opener == nil {
			return errors.New("bridge: probe line opener must not be nil")
		}
		cfg.probeLineOpener = opener

		return nil
	})
}
