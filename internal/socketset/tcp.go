package socketset

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"
)

// TCP framing constants. Each message on the wire is a 2-byte
// big-endian length prefix followed by exactly that many bytes of
// STUN message, mirroring the length-prefixed-framing pattern used for
// DNS-over-TCP: one length field, one body, no delimiters.
const (
	tcpLengthPrefixSize = 2
	tcpReadTimeout      = 10 * time.Second
	tcpIdleTimeout      = 30 * time.Second
)

var errStreamNotFound = errors.New("socketset: no open stream for destination")

// tcpMessage is one length-prefixed body lifted off an accepted
// stream, tagged with the remote address it arrived on so RecvFrom can
// report it and SendTo can find the stream again.
type tcpMessage struct {
	body   []byte
	remote netip.AddrPort
}

// tcpListenerConn implements Conn over a TCP listener. There is no
// ancillary local-destination data on TCP: every stream accepted on
// this listener arrived at this listener's own bind address, so
// RecvFrom reports it directly instead of recovering it from the
// kernel.
type tcpListenerConn struct {
	ln        net.Listener
	localAddr netip.AddrPort
	sem       chan struct{}
	msgCh     chan tcpMessage

	mu      sync.Mutex
	streams map[netip.AddrPort]net.Conn
	closed  bool

	wg sync.WaitGroup
}

func newTCPListenerConn(spec BindSpec, maxConnections int) (Conn, error) {
	if maxConnections <= 0 {
		maxConnections = 1
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", spec.BindAddr.String())
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", spec.BindAddr, err)
	}

	local := ln.Addr().(*net.TCPAddr).AddrPort()
	local = netip.AddrPortFrom(local.Addr().Unmap(), local.Port())

	c := &tcpListenerConn{
		ln:        ln,
		localAddr: local,
		sem:       make(chan struct{}, maxConnections),
		msgCh:     make(chan tcpMessage, maxConnections),
		streams:   make(map[netip.AddrPort]net.Conn),
	}

	c.wg.Add(1)
	go c.acceptLoop()

	return c, nil
}

func (c *tcpListenerConn) acceptLoop() {
	defer c.wg.Done()

	for {
		// Loop exits once Close() closes c.ln, making Accept return an
		// error.
		conn, err := c.ln.Accept()
		if err != nil {
			return
		}

		select {
		case c.sem <- struct{}{}:
		default:
			_ = conn.Close()
			continue
		}

		c.wg.Add(1)
		go c.handleStream(conn)
	}
}

func (c *tcpListenerConn) handleStream(conn net.Conn) {
	defer c.wg.Done()
	defer func() { <-c.sem }()
	defer conn.Close()

	remote, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.streams[remote] = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.streams, remote)
		c.mu.Unlock()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(tcpIdleTimeout))

		var lenBuf [tcpLengthPrefixSize]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		bodyLen := binary.BigEndian.Uint16(lenBuf[:])
		if bodyLen == 0 {
			continue
		}

		_ = conn.SetReadDeadline(time.Now().Add(tcpReadTimeout))
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}

		select {
		case c.msgCh <- tcpMessage{body: body, remote: remote}:
		default:
			// Backlog full: drop rather than block the stream reader
			// indefinitely.
		}
	}
}

func (c *tcpListenerConn) RecvFrom(buf []byte) (int, netip.AddrPort, netip.Addr, error) {
	msg, ok := <-c.msgCh
	if !ok {
		return 0, netip.AddrPort{}, netip.Addr{}, net.ErrClosed
	}
	n := copy(buf, msg.body)
	return n, msg.remote, c.localAddr.Addr(), nil
}

func (c *tcpListenerConn) SendTo(b []byte, dest netip.AddrPort) error {
	c.mu.Lock()
	conn, ok := c.streams[dest]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errStreamNotFound, dest)
	}

	var lenBuf [tcpLengthPrefixSize]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(b)))

	_ = conn.SetWriteDeadline(time.Now().Add(tcpReadTimeout))
	bufs := net.Buffers{lenBuf[:], b}
	_, err := bufs.WriteTo(conn)
	if err != nil {
		return fmt.Errorf("send to %s: %w", dest, err)
	}
	return nil
}

func (c *tcpListenerConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, conn := range c.streams {
		_ = conn.Close()
	}
	c.mu.Unlock()

	err := c.ln.Close()
	c.wg.Wait()
	close(c.msgCh)
	return err
}

func (c *tcpListenerConn) LocalAddr() netip.AddrPort { return c.localAddr }
