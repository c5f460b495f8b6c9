// Package loop implements the dispatch loop: the per-thread state
// machine that waits on one or more receive sockets, decodes a STUN
// message, runs it through the rate limiter and request handler
// adapter, and sends a response from the correct endpoint.
//
// Socket selection uses fair rotation: a reader goroutine per
// receive socket feeds a channel, and the loop scans those channels
// in rotated order, so a role that is consistently ready alongside a
// busier one is never starved.
package loop

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"reflect"
	"sync"

	"github.com/gostun/gostun/internal/dispatch"
	"github.com/gostun/gostun/internal/ratelimit"
	"github.com/gostun/gostun/internal/role"
	"github.com/gostun/gostun/internal/socketset"
	"github.com/gostun/gostun/internal/stunauth"
	"github.com/gostun/gostun/internal/stunmsg"
)

// ErrNoReceiveRoles is returned by New when given an empty receive set.
var ErrNoReceiveRoles = errors.New("loop: at least one receive role is required")

// datagram is one received message, tagged with the role and local
// destination it arrived on. data is backed by this datagram's own
// allocation: it crosses from the reader goroutine to the loop
// goroutine over a channel, so it cannot be a loop-owned buffer reused
// in place.
type datagram struct {
	recvRole role.Role
	data     []byte
	remote   netip.AddrPort
	localDst netip.Addr
}

// Loop is one dispatch loop instance. A server in single-loop mode
// constructs one Loop owning every valid role's receive side; a server
// in per-socket mode constructs ThreadingPerSocket Loops per role, each
// receiving on exactly that role's socket.
type Loop struct {
	recvRoles []role.Role
	conns     []socketset.Conn // parallel to recvRoles; receive side, shared with other Loops built for the same role
	sendSet   *socketset.Set   // shared send side across all loops

	tsa      *role.TransportAddressSet
	auth     stunauth.Authenticator
	limiter  ratelimit.Limiter
	recorder Recorder
	logger   *slog.Logger

	reader   *stunmsg.Reader
	writer   *stunmsg.Writer
	sendBuf  []byte
	rotation int

	chans []chan datagram
	done  chan struct{}
	wg    sync.WaitGroup
}

// Option configures optional Loop collaborators; the zero value of
// each is a safe no-op (NoAuth, None limiter, NoopRecorder, a
// discarding logger).
type Option func(*Loop)

// WithAuth overrides the default NoAuth authenticator.
func WithAuth(auth stunauth.Authenticator) Option {
	return func(l *Loop) { l.auth = auth }
}

// WithRateLimiter overrides the default always-allow limiter.
func WithRateLimiter(limiter ratelimit.Limiter) Option {
	return func(l *Loop) { l.limiter = limiter }
}

// WithRecorder overrides the default no-op metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(l *Loop) { l.recorder = r }
}

// WithLogger overrides the default discarding logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// New constructs a Loop that receives on recvRoles (a non-empty subset
// of sendSet's bound roles) and sends through sendSet, which may be
// shared with other Loops. tsa supplies every address-bearing
// attribute the adapter fills in; it, like sendSet, is shared
// read-only for the lifetime of every Loop built from it.
func New(recvRoles []role.Role, sendSet *socketset.Set, tsa *role.TransportAddressSet, opts ...Option) (*Loop, error) {
	if len(recvRoles) == 0 {
		return nil, ErrNoReceiveRoles
	}

	conns := make([]socketset.Conn, len(recvRoles))
	for i, r := range recvRoles {
		conn, ok := sendSet.Conn(r)
		if !ok {
			return nil, fmt.Errorf("%w: role %s", socketset.ErrRoleNotBound, r)
		}
		conns[i] = conn
	}

	l := &Loop{
		recvRoles: recvRoles,
		conns:     conns,
		sendSet:   sendSet,
		tsa:       tsa,
		auth:      stunauth.NoAuth{},
		limiter:   ratelimit.None{},
		recorder:  NoopRecorder{},
		logger:    slog.New(slog.DiscardHandler),
		reader:    stunmsg.NewReader(),
		writer:    stunmsg.NewWriter(),
		sendBuf:   make([]byte, 0, stunmsg.MaxMessageSize),
		chans:     make([]chan datagram, len(recvRoles)),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	for i := range l.chans {
		l.chans[i] = make(chan datagram, 1)
	}

	return l, nil
}

// Start spawns one reader goroutine per receive socket plus the
// processing goroutine, and returns once they are running. It does
// not block waiting for traffic.
func (l *Loop) Start() {
	for i, conn := range l.conns {
		l.wg.Add(1)
		go l.recvLoop(i, conn, l.recvRoles[i])
	}
	l.wg.Add(1)
	go l.processLoop()
}

// Stop signals shutdown, closes every receive socket this Loop owns
// to unblock its reader goroutines, and waits for every goroutine
// Start spawned to exit. Those sockets are the same Conns sendSet
// sends through for their roles, so once they are closed no Loop can
// send from those roles; sendSet's other sockets are left open.
func (l *Loop) Stop() {
	select {
	case <-l.done:
		return
	default:
		close(l.done)
	}
	for _, conn := range l.conns {
		_ = conn.Close()
	}
	l.wg.Wait()
}

func (l *Loop) recvLoop(idx int, conn socketset.Conn, recvRole role.Role) {
	defer l.wg.Done()

	for {
		buf := make([]byte, stunmsg.MaxMessageSize)
		n, remote, localDst, err := conn.RecvFrom(buf)
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			l.logger.Warn("recv error", slog.String("role", recvRole.String()), slog.String("error", err.Error()))
			continue
		}

		select {
		case <-l.done:
			return
		case l.chans[idx] <- datagram{recvRole: recvRole, data: buf[:n], remote: remote, localDst: localDst}:
		}
	}
}

// processLoop drives socket selection with fair rotation, one
// datagram handled per iteration, cooperative exit on shutdown.
func (l *Loop) processLoop() {
	defer l.wg.Done()

	if len(l.chans) == 1 {
		l.runSingleSocket()
		return
	}
	l.runMultiSocket()
}

func (l *Loop) runSingleSocket() {
	for {
		select {
		case <-l.done:
			return
		case dgram, ok := <-l.chans[0]:
			if !ok {
				return
			}
			l.process(dgram)
		}
	}
}

// runMultiSocket implements the rotation algorithm: rotation advances
// once per iteration regardless of which socket ends up serving it,
// and the ready set is scanned starting at rotation, so under uniform
// readiness every socket is visited within |S| iterations.
func (l *Loop) runMultiSocket() {
	n := len(l.chans)
	for {
		select {
		case <-l.done:
			return
		default:
		}

		l.rotation = (l.rotation + 1) % n
		l.recorder.Rotation(l.rotation)

		if dgram, ok := l.scanNonBlocking(); ok {
			l.process(dgram)
			continue
		}

		dgram, ok := l.waitAny()
		if !ok {
			return
		}
		l.process(dgram)
	}
}

func (l *Loop) scanNonBlocking() (datagram, bool) {
	n := len(l.chans)
	for i := 0; i < n; i++ {
		idx := (l.rotation + i) % n
		select {
		case dgram, ok := <-l.chans[idx]:
			if ok {
				return dgram, true
			}
		default:
		}
	}
	return datagram{}, false
}

// waitAny blocks until any receive channel has a datagram or done is
// closed. The channel set is built fresh from recvRoles' order
// (rotation only matters for the non-blocking scan; a blocking wait
// has no "ready set" to bias), using reflect.Select since the number
// of sockets is only known at runtime.
func (l *Loop) waitAny() (datagram, bool) {
	cases := make([]reflect.SelectCase, 0, len(l.chans)+1)
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(l.done)})
	for _, ch := range l.chans {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ch)})
	}

	chosen, recv, recvOK := reflect.Select(cases)
	if chosen == 0 || !recvOK {
		return datagram{}, false
	}
	return recv.Interface().(datagram), true
}

// process runs one datagram through parsing, rate limiting, the
// request handler adapter, and the send. Every failure path drops
// silently per the per-datagram error taxonomy; nothing here can abort
// the loop.
func (l *Loop) process(dgram datagram) {
	if len(dgram.data) == 0 {
		l.recorder.Dropped("empty")
		return
	}

	l.reader.Reset()
	l.reader.AddBytes(dgram.data)
	if l.reader.State() != stunmsg.StateBodyValidated {
		l.recorder.Dropped("parse_rejected")
		return
	}
	l.recorder.RequestReceived(dgram.recvRole)

	// Ancillary data carries only the destination IP; the port comes
	// from the receiving endpoint's bind side.
	recvEP, _ := l.tsa.Lookup(dgram.recvRole)
	localDst := netip.AddrPortFrom(dgram.localDst, recvEP.BindAddr.Port())

	if !l.limiter.Check(dgram.remote.Addr()) {
		l.recorder.RateLimiterRejected()
		l.recorder.Dropped("rate_limited")
		return
	}
	l.recorder.RateLimiterAdmitted()

	sendRole, err := dispatch.Handle(dispatch.Input{
		Message:  l.reader.Message(),
		RecvRole: dgram.recvRole,
		Remote:   dgram.remote,
		LocalDst: localDst,
		TSA:      l.tsa,
		Auth:     l.auth,
	}, l.writer)
	if err != nil {
		l.logger.Debug("handler declined request", slog.String("error", err.Error()))
		l.recorder.Dropped("handler_error")
		return
	}

	out := l.writer.Append(l.sendBuf[:0])
	if err := l.sendSet.SendTo(sendRole, dgram.remote, out); err != nil {
		l.logger.Warn("send failed",
			slog.String("send_role", sendRole.String()),
			slog.String("dest", dgram.remote.String()),
			slog.String("error", err.Error()),
		)
		l.recorder.Dropped("send_failed")
		return
	}
	l.recorder.ResponseSent(sendRole)
}
