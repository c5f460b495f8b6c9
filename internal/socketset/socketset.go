// Package socketset owns the bound sockets behind a TransportAddressSet
// and the two operations the dispatch loop drives them through: a
// receive that recovers the packet's local destination address from OS
// ancillary data, and a send from a specific role's bind address.
package socketset

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/gostun/gostun/internal/role"
)

// ErrRecvCapabilityMissing is returned at construction time when the
// platform cannot recover the local destination address for received
// datagrams. Per the design notes this is a hard requirement: a server
// that cannot distinguish PP from PA on an overloaded IP must refuse
// to start rather than guess.
var ErrRecvCapabilityMissing = errors.New("socketset: local destination address recovery unavailable")

// ErrBindFailed is returned when binding a required role's socket
// fails; the whole set is then torn down.
var ErrBindFailed = errors.New("socketset: bind failed")

// ErrRoleNotBound is returned by SendTo/Conn when no socket was ever
// bound for the given role.
var ErrRoleNotBound = errors.New("socketset: role not bound")

// Conn is one bound socket. RecvFrom blocks until a datagram arrives;
// the dispatch loop drives it from its own reader goroutine. The
// local destination address is mandatory: platforms unable to recover
// it must fail at construction, not here.
type Conn interface {
	// RecvFrom reads one datagram into buf, returning the number of
	// bytes read, the sender's address, and the local address the
	// datagram actually arrived on.
	RecvFrom(buf []byte) (n int, remote netip.AddrPort, localDst netip.Addr, err error)

	// SendTo writes b as one datagram to dest. The wire source
	// address is always this socket's bind address.
	SendTo(b []byte, dest netip.AddrPort) error

	// Close releases the socket. Safe to call once RecvFrom is
	// unblocked by it (RecvFrom returns an error).
	Close() error

	// LocalAddr returns the address this socket is bound to.
	LocalAddr() netip.AddrPort
}

// BindSpec describes one role's desired bind address and the binding
// policy applied to it.
type BindSpec struct {
	Role      role.Role
	BindAddr  netip.AddrPort
	ReuseAddr bool
}

// Set owns one Conn per valid role. It is constructed once at
// Supervisor.Initialize and is immutable thereafter; Conns are shared
// read-only for sending from any loop, and a Conn's receive side is
// read by every loop handed that Conn (one loop in single-loop mode,
// several per role when more than one loop runs per socket).
type Set struct {
	conns map[role.Role]Conn
}

// NewUDPSet binds one UDP socket per spec and recovers the local
// destination address from ancillary data on every subsequent receive.
// If any bind fails, every socket already opened is closed and the
// error wraps ErrBindFailed; if the platform cannot recover ancillary
// destination data, every socket is closed and the error wraps
// ErrRecvCapabilityMissing.
func NewUDPSet(specs []BindSpec) (*Set, error) {
	conns := make(map[role.Role]Conn, len(specs))

	closeAll := func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}

	for _, spec := range specs {
		conn, err := newUDPConn(spec)
		if err != nil {
			closeAll()
			if errors.Is(err, ErrRecvCapabilityMissing) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: role %s: %w", ErrBindFailed, spec.Role, err)
		}
		conns[spec.Role] = conn
	}

	return &Set{conns: conns}, nil
}

// NewTCPSet binds one length-prefixed-framing TCP listener per spec.
// maxConnections bounds, per listener, how many accepted streams may
// be live at once.
func NewTCPSet(specs []BindSpec, maxConnections int) (*Set, error) {
	conns := make(map[role.Role]Conn, len(specs))

	closeAll := func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}

	for _, spec := range specs {
		conn, err := newTCPListenerConn(spec, maxConnections)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("%w: role %s: %w", ErrBindFailed, spec.Role, err)
		}
		conns[spec.Role] = conn
	}

	return &Set{conns: conns}, nil
}

// Conn returns the socket bound for role r, if any.
func (s *Set) Conn(r role.Role) (Conn, bool) {
	c, ok := s.conns[r]
	return c, ok
}

// SendTo sends b as one datagram/message from the socket bound to
// sendRole.
func (s *Set) SendTo(sendRole role.Role, dest netip.AddrPort, b []byte) error {
	conn, ok := s.conns[sendRole]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoleNotBound, sendRole)
	}
	return conn.SendTo(b, dest)
}

// Roles returns the roles this set has a bound socket for, in
// iteration order of the underlying map (unordered; callers that need
// determinism should sort using role.Roles()).
func (s *Set) Roles() []role.Role {
	roles := make([]role.Role, 0, len(s.conns))
	for r := range s.conns {
		roles = append(roles, r)
	}
	return roles
}

// Close releases every socket in the set.
func (s *Set) Close() error {
	var errs []error
	for _, c := range s.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
