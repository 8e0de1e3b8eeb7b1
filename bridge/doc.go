// Package bridge implements the relay engine between a Minitel serial
// terminal and a TCP text-mode server.
//
// A Bridge owns one SerialPort and one NetworkPeer for the duration of a
// session and pumps bytes in both directions: a recurring poll reads the
// serial line and forwards to the network, and every inbound network chunk
// is written to the serial line. A session moves through an explicit state
// machine:
//
//	Idle → Connecting → Active → Closing → Idle
//
// Start is only valid from Idle; a connect failure or a lost connection
// tears the session down to Idle with the serial handle closed. There is no
// automatic reconnect; restarting is always caller-initiated.
//
// All serial I/O is serialized through the SerialPort's internal lock, so
// the poll path and the network-receive path never interleave at the byte
// level. A vdt.Recorder can be attached to tap the data path for session
// capture.
package bridge
