package bridge

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/vtxlink/minibridge/logger"
)

// recvPollTimeout bounds each read on the TCP connection so the receive
// loop stays responsive to cancellation. It trades CPU against shutdown
// latency, not against data latency: data wakes the read immediately.
const recvPollTimeout = 50 * time.Millisecond

// NetworkPeer is the bridge's connection to the remote server.
//
// Inbound chunks are delivered through the onReceived callback; connection
// loss or clean closure is reported through onClosed exactly once, after
// which the peer is unusable and must be replaced for reconnection. Chunk
// boundaries carry no meaning beyond logging granularity; the stream is raw
// bytes.
type NetworkPeer struct {
	addr           string
	connectTimeout time.Duration
	logger         logger.Logger

	connMu sync.RWMutex
	conn   net.Conn

	onReceived func([]byte)
	onClosed   func(error)
	closedOnce sync.Once
	recvBuf    []byte
}

// newNetworkPeer creates a peer for addr. onReceived is invoked for every
// inbound chunk; onClosed exactly once when the connection ends, with nil
// for a clean closure and the cause otherwise.
func newNetworkPeer(addr string, connectTimeout time.Duration, l logger.Logger, onReceived func([]byte), onClosed func(error)) *NetworkPeer {
	return &NetworkPeer{
		addr:           addr,
		connectTimeout: connectTimeout,
		logger:         l.With("remote", addr),
		onReceived:     onReceived,
		onClosed:       onClosed,
		recvBuf:        make([]byte, 4096),
	}
}

// Connect dials the remote host. A failure is terminal for this peer.
func (p *NetworkPeer) Connect() error {
	conn, err := net.DialTimeout("tcp", p.addr, p.connectTimeout)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConnectFailed, p.addr, err)
	}

	p.connMu.Lock()
	p.conn = conn
	p.connMu.Unlock()

	p.logger.Info("bridge: connected to remote host")

	return nil
}

// Send writes all of data to the connection.
func (p *NetworkPeer) Send(data []byte) error {
	conn := p.getConn()
	if conn == nil {
		return ErrPeerClosed
	}

	for written := 0; written < len(data); {
		n, err := conn.Write(data[written:])
		written += n

		if err != nil {
			return fmt.Errorf("bridge: network send failed: %w", err)
		}
	}

	return nil
}

// receiveOnce performs a single bounded read and delivers any inbound
// bytes. It is run in a loop by the session's task manager and returns
// false when the connection has ended.
func (p *NetworkPeer) receiveOnce() bool {
	conn := p.getConn()
	if conn == nil {
		return false
	}

	if err := conn.SetReadDeadline(time.Now().Add(recvPollTimeout)); err != nil {
		p.notifyClosed(fmt.Errorf("bridge: failed to arm read deadline: %w", err))

		return false
	}

	n, err := conn.Read(p.recvBuf)

	if n > 0 && p.onReceived != nil {
		chunk := make([]byte, n)
		copy(chunk, p.recvBuf[:n])
		p.onReceived(chunk)
	}

	if err == nil {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true // idle poll, keep receiving
	}

	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		// EOF is the remote hanging up cleanly; ErrClosed is our own
		// Close racing the read.
		p.notifyClosed(nil)

		return false
	}

	p.notifyClosed(err)

	return false
}

// Close shuts the connection down. The receive loop observes the closure
// and reports a clean Closed event.
func (p *NetworkPeer) Close() {
	p.connMu.Lock()
	conn := p.conn
	p.conn = nil
	p.connMu.Unlock()

	if conn == nil {
		return
	}

	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		p.logger.Error("bridge: failed to close network connection", "error", err)
	}
}

func (p *NetworkPeer) getConn() net.Conn {
	p.connMu.RLock()
	defer p.connMu.RUnlock()

	return p.conn
}

// notifyClosed reports the end of the connection exactly once.
func (p *NetworkPeer) notifyClosed(reason error) {
	p.closedOnce.Do(func() {
		if reason == nil {
			p.logger.Info("bridge: connection closed")
		} else {
			p.logger.Warn("bridge: connection lost", "error", reason)
		}

		if p.onClosed != nil {
			p.onClosed(reason)
		}
	})
}
