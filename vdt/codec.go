package vdt

// Minitel control bytes.
const (
	SOH byte = 0x01 // start of the ENQROM identification reply
	STX byte = 0x02 // capture start marker
	ETX byte = 0x03 // capture end marker
	EOT byte = 0x04 // end of the ENQROM identification reply
	FF  byte = 0x0C // clear screen, cursor to home
	CAN byte = 0x18 // clear to end of line
	ESC byte = 0x1B
	RS  byte = 0x1E // home cursor (row 0, column 0)
	US  byte = 0x1F // cursor addressing prefix
	COF byte = 0x14 // hide cursor
)

// PRO2 and PRO3 protocol command identifiers (second byte after ESC).
const (
	PRO2 byte = 0x3A
	PRO3 byte = 0x3B
)

// PRO3 routing arguments for the local echo switch.
//
// Disabling local echo detaches the modem emitter from the screen receiver,
// so keystrokes are only displayed once the remote server echoes them.
const (
	routingOff   byte = 0x60
	rcptScreen   byte = 0x58
	emitterModem byte = 0x52
)

// echoDisable is the PRO3 routing-off command: screen stops receiving from
// the modem emitter directly.
var echoDisable = [5]byte{ESC, PRO3, routingOff, rcptScreen, emitterModem}

// initSequence resets the terminal display state before a capture replay:
// echo off, cursor hidden, screen cleared, cursor parked at row 0 column 1,
// line cleared twice, cursor homed.
var initSequence = [13]byte{
	ESC, PRO3, routingOff, rcptScreen, emitterModem,
	COF,
	FF,
	US, 0x40, 0x41, // row 0, column 1
	CAN,
	CAN,
	RS,
}

// BuildInitSequence returns the fixed 13-byte terminal init sequence.
// The returned slice is a fresh copy; callers may mutate it freely.
func BuildInitSequence() []byte {
	seq := make([]byte, len(initSequence))
	copy(seq, initSequence[:])

	return seq
}

// BuildEchoDisableSequence returns the 5-byte local-echo disable command.
// The returned slice is a fresh copy; callers may mutate it freely.
func BuildEchoDisableSequence() []byte {
	seq := make([]byte, len(echoDisable))
	copy(seq, echoDisable[:])

	return seq
}

// WrapWithMarkers returns STX ++ payload ++ ETX.
func WrapWithMarkers(payload []byte) []byte {
	wrapped := make([]byte, 0, len(payload)+2)
	wrapped = append(wrapped, STX)
	wrapped = append(wrapped, payload...)
	wrapped = append(wrapped, ETX)

	return wrapped
}

// StripMarkers removes the STX/ETX capture framing markers when present.
//
// If payload has at least 2 bytes, starts with STX and ends with ETX, the
// interior slice and true are returned. Otherwise payload is returned
// unchanged with false. The returned slice aliases payload.
func StripMarkers(payload []byte) ([]byte, bool) {
	if len(payload) < 2 || payload[0] != STX || payload[len(payload)-1] != ETX {
		return payload, false
	}

	return payload[1 : len(payload)-1], true
}
