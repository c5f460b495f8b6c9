//go:build linux

package socketset

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// oobSize bounds the ancillary-data buffer: IPv4 IP_PKTINFO is 28
// bytes, IPv6 IPV6_PKTINFO is 36 bytes; 64 covers either with margin.
const oobSize = 64

var errUnexpectedConnType = errors.New("socketset: net.ListenPacket returned an unexpected connection type")

type udpConn struct {
	conn      *net.UDPConn
	localAddr netip.AddrPort
	mu        sync.Mutex
	closed    bool
}

func newUDPConn(spec BindSpec) (Conn, error) {
	addr := spec.BindAddr.Addr()
	isIPv6 := addr.Is6() && !addr.Is4In6()

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return setSocketOpts(c, spec.ReuseAddr, isIPv6)
		},
	}

	network := "udp4"
	if isIPv6 {
		network = "udp6"
	}

	pc, err := lc.ListenPacket(context.Background(), network, spec.BindAddr.String())
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, spec.BindAddr, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("listen %s %s: %w", network, spec.BindAddr, errUnexpectedConnType)
	}

	// Read the bound address back so a port-0 bind reports the port
	// the OS actually assigned. Unmap keeps IPv4 binds out of the
	// 4-in-6 form net sometimes hands back.
	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	local = netip.AddrPortFrom(local.Addr().Unmap(), local.Port())

	return &udpConn{conn: conn, localAddr: local}, nil
}

func (c *udpConn) RecvFrom(buf []byte) (int, netip.AddrPort, netip.Addr, error) {
	oob := make([]byte, oobSize)

	n, oobn, _, src, err := c.conn.ReadMsgUDPAddrPort(buf, oob)
	if err != nil {
		return 0, netip.AddrPort{}, netip.Addr{}, fmt.Errorf("recv: %w", err)
	}

	localDst, ok := parsePktInfoDst(oob[:oobn])
	if !ok {
		return 0, netip.AddrPort{}, netip.Addr{}, ErrRecvCapabilityMissing
	}

	return n, src, localDst, nil
}

func (c *udpConn) SendTo(b []byte, dest netip.AddrPort) error {
	_, err := c.conn.WriteToUDPAddrPort(b, dest)
	if err != nil {
		return fmt.Errorf("send to %s: %w", dest, err)
	}
	return nil
}

func (c *udpConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func (c *udpConn) LocalAddr() netip.AddrPort { return c.localAddr }

// setSocketOpts enables address reuse (if requested) and the
// ancillary-data options that make local destination recovery
// possible.
func setSocketOpts(c syscall.RawConn, reuseAddr, isIPv6 bool) error {
	var sockErr error

	err := c.Control(func(fd uintptr) {
		intFD := int(fd) //nolint:gosec // G115: kernel fds are always small positive integers.
		if reuseAddr {
			if sockErr = unix.SetsockoptInt(intFD, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
				sockErr = fmt.Errorf("set SO_REUSEADDR: %w", sockErr)
				return
			}
		}
		if isIPv6 {
			sockErr = applySockOptsV6(intFD)
		} else {
			sockErr = applySockOptsV4(intFD)
		}
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	return sockErr
}

func applySockOptsV4(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO, 1); err != nil {
		return fmt.Errorf("%w: set IP_PKTINFO: %w", ErrRecvCapabilityMissing, err)
	}
	return nil
}

func applySockOptsV6(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); err != nil {
		return fmt.Errorf("%w: set IPV6_RECVPKTINFO: %w", ErrRecvCapabilityMissing, err)
	}
	return nil
}

// parsePktInfoDst extracts the destination address from IP_PKTINFO /
// IPV6_PKTINFO ancillary data.
func parsePktInfoDst(oob []byte) (netip.Addr, bool) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return netip.Addr{}, false
	}

	for i := range msgs {
		switch {
		case msgs[i].Header.Level == unix.IPPROTO_IP && msgs[i].Header.Type == unix.IP_PKTINFO:
			if addr, ok := parsePktInfo4(msgs[i].Data); ok {
				return addr, true
			}
		case msgs[i].Header.Level == unix.IPPROTO_IPV6 && msgs[i].Header.Type == unix.IPV6_PKTINFO:
			if addr, ok := parsePktInfo6(msgs[i].Data); ok {
				return addr, true
			}
		}
	}
	return netip.Addr{}, false
}

// parsePktInfo4 reads struct in_pktinfo: ifindex (4 bytes, native
// endian), spec_dst (4 bytes), addr (4 bytes, network order, at
// offset 8).
func parsePktInfo4(data []byte) (netip.Addr, bool) {
	const pktInfoSize = 12
	if len(data) < pktInfoSize {
		return netip.Addr{}, false
	}
	var ip4 [4]byte
	copy(ip4[:], data[8:12])
	return netip.AddrFrom4(ip4), true
}

// parsePktInfo6 reads struct in6_pktinfo: addr (16 bytes, network
// order, at offset 0), ifindex (4 bytes, native endian, at offset 16).
func parsePktInfo6(data []byte) (netip.Addr, bool) {
	const pktInfo6Size = 20
	if len(data) < pktInfo6Size {
		return netip.Addr{}, false
	}
	var ip6 [16]byte
	copy(ip6[:], data[0:16])
	return netip.AddrFrom16(ip6), true
}
