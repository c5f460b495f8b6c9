// Package server implements the supervisor state machine that owns a
// dispatch core end to end: Initialize validates configuration, builds
// the transport address set, binds every socket and constructs the
// rate limiter without starting a single dispatch loop; Start spawns
// the loops per the configured placement model; Stop winds every loop
// back down and waits for each to exit; Shutdown releases everything
// Initialize acquired.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/gostun/gostun/internal/loop"
	"github.com/gostun/gostun/internal/ratelimit"
	"github.com/gostun/gostun/internal/role"
	"github.com/gostun/gostun/internal/socketset"
	"github.com/gostun/gostun/internal/stunauth"
)

// State is one stage of the supervisor's forward-only lifecycle.
type State int

const (
	// StateUninit is the state a freshly constructed Supervisor starts
	// in: no config has been validated, nothing has been bound.
	StateUninit State = iota
	// StateInitialized means Initialize has completed: sockets are
	// bound and the rate limiter exists, but no loop is running yet.
	StateInitialized
	// StateRunning means Start has completed: every dispatch loop has
	// been spawned.
	StateRunning
	// StateStopped is terminal: every loop has exited and, once
	// Shutdown has run, every socket has been released.
	StateStopped
)

// String renders the state's name.
func (s State) String() string {
	switch s {
	case StateUninit:
		return "uninit"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrUnexpectedTransition is returned when an operation is called from
// a state that does not permit it; the lifecycle only ever moves
// forward (Uninit -> Initialized -> Running -> Stopped).
var ErrUnexpectedTransition = errors.New("server: unexpected state transition")

// ErrConfigInvalid is returned by Initialize when the configuration
// fails validation, before any socket is touched.
var ErrConfigInvalid = errors.New("server: invalid configuration")

// Config is the supervisor's construction-time configuration: every
// field below is read once, at Initialize, and never mutated
// afterward.
type Config struct {
	// ThreadingPerSocket selects the placement model: 0 means a
	// single loop serves every bound socket; k>0 spawns k loops per
	// role, each independently reading the same bound socket (the
	// OS fans incoming datagrams out across whichever reader is
	// waiting).
	ThreadingPerSocket uint32

	// MaxConnections bounds, per TCP listener, how many accepted
	// streams may be live at once. Ignored for UDP.
	MaxConnections int

	AddrPP netip.AddrPort
	AddrPA netip.AddrPort
	AddrAP netip.AddrPort
	AddrAA netip.AddrPort

	// AddrPrimaryAdvertised is the public IP advertised for PP/PA;
	// its port is ignored, the advertised port is always taken from
	// the bind side.
	AddrPrimaryAdvertised netip.Addr
	// AddrAlternateAdvertised is the public IP advertised for AP/AA.
	AddrAlternateAdvertised netip.Addr

	EnableDOSProtection bool
	ReuseAddr           bool
	IsFullMode          bool
	TCP                 bool

	RateLimitThreshold      int
	RateLimitWindow         float64
	RateLimitTrackedSources int
}

func validateConfig(cfg Config) error {
	if !cfg.AddrPP.IsValid() {
		return fmt.Errorf("%w: addr_pp is required", ErrConfigInvalid)
	}
	if !cfg.AddrPrimaryAdvertised.IsValid() {
		return fmt.Errorf("%w: addr_primary_advertised is required", ErrConfigInvalid)
	}

	if cfg.IsFullMode {
		if !cfg.AddrPA.IsValid() || !cfg.AddrAP.IsValid() || !cfg.AddrAA.IsValid() {
			return fmt.Errorf("%w: is_full_mode requires addr_pa, addr_ap and addr_aa", ErrConfigInvalid)
		}
		if !cfg.AddrAlternateAdvertised.IsValid() {
			return fmt.Errorf("%w: is_full_mode requires addr_alternate_advertised", ErrConfigInvalid)
		}
	}

	if cfg.TCP && cfg.MaxConnections <= 0 {
		return fmt.Errorf("%w: tcp requires max_connections > 0", ErrConfigInvalid)
	}

	if cfg.EnableDOSProtection {
		if cfg.RateLimitThreshold <= 0 || cfg.RateLimitWindow <= 0 || cfg.RateLimitTrackedSources <= 0 {
			return fmt.Errorf("%w: enable_dos_protection requires positive rate_limit_threshold, "+
				"rate_limit_window and rate_limit_tracked_sources", ErrConfigInvalid)
		}
	}

	return nil
}

func buildTSA(cfg Config) (*role.TransportAddressSet, error) {
	endpoints := []role.Endpoint{
		{Role: role.PP, BindAddr: cfg.AddrPP, Advertise: cfg.AddrPrimaryAdvertised, Valid: true},
	}
	if cfg.IsFullMode {
		endpoints = append(endpoints,
			role.Endpoint{Role: role.PA, BindAddr: cfg.AddrPA, Advertise: cfg.AddrPrimaryAdvertised, Valid: true},
			role.Endpoint{Role: role.AP, BindAddr: cfg.AddrAP, Advertise: cfg.AddrAlternateAdvertised, Valid: true},
			role.Endpoint{Role: role.AA, BindAddr: cfg.AddrAA, Advertise: cfg.AddrAlternateAdvertised, Valid: true},
		)
	}
	return role.NewTransportAddressSet(endpoints, cfg.IsFullMode)
}

func buildBindSpecs(cfg Config, tsa *role.TransportAddressSet) []socketset.BindSpec {
	roles := tsa.ValidRoles()
	specs := make([]socketset.BindSpec, 0, len(roles))
	for _, r := range roles {
		ep, _ := tsa.Lookup(r)
		specs = append(specs, socketset.BindSpec{
			Role:      r,
			BindAddr:  ep.BindAddr,
			ReuseAddr: cfg.ReuseAddr,
		})
	}
	return specs
}

// Supervisor drives one dispatch core through its lifecycle. The zero
// value is not usable; construct one with New.
type Supervisor struct {
	mu    sync.Mutex
	state State
	cfg   Config

	logger   *slog.Logger
	recorder loop.Recorder
	auth     stunauth.Authenticator

	tsa     *role.TransportAddressSet
	set     *socketset.Set
	limiter ratelimit.Limiter
	loops   []*loop.Loop
}

// Option configures optional Supervisor collaborators.
type Option func(*Supervisor)

// WithLogger sets the structured logger every loop and the supervisor
// itself logs through. Defaults to a discarding logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// WithRecorder wires a metrics Recorder into every loop the supervisor
// spawns. Defaults to loop.NoopRecorder.
func WithRecorder(r loop.Recorder) Option {
	return func(s *Supervisor) { s.recorder = r }
}

// WithAuth installs the Authenticator the request handler adapter
// consults for credentialed requests. Defaults to stunauth.NoAuth.
func WithAuth(auth stunauth.Authenticator) Option {
	return func(s *Supervisor) { s.auth = auth }
}

// New constructs a Supervisor in StateUninit. Initialize must be
// called before Start.
func New(cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		state:    StateUninit,
		logger:   slog.New(slog.DiscardHandler),
		recorder: loop.NoopRecorder{},
		auth:     stunauth.NoAuth{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the supervisor's current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Initialize validates the configuration, constructs the transport
// address set, binds one socket per valid role and constructs the
// rate limiter. It does not start any dispatch loop. Calling
// Initialize a second time after success is rejected with
// ErrUnexpectedTransition.
func (s *Supervisor) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUninit {
		return fmt.Errorf("%w: initialize called from state %s", ErrUnexpectedTransition, s.state)
	}

	if err := validateConfig(s.cfg); err != nil {
		return err
	}

	tsa, err := buildTSA(s.cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	specs := buildBindSpecs(s.cfg, tsa)

	var set *socketset.Set
	if s.cfg.TCP {
		set, err = socketset.NewTCPSet(specs, s.cfg.MaxConnections)
	} else {
		set, err = socketset.NewUDPSet(specs)
	}
	if err != nil {
		return err
	}

	var limiter ratelimit.Limiter = ratelimit.None{}
	if s.cfg.EnableDOSProtection {
		limiter, err = ratelimit.New(s.cfg.RateLimitThreshold, s.cfg.RateLimitWindow, s.cfg.RateLimitTrackedSources)
		if err != nil {
			_ = set.Close()
			return fmt.Errorf("%w: construct rate limiter: %w", ErrConfigInvalid, err)
		}
	}

	s.tsa = tsa
	s.set = set
	s.limiter = limiter
	s.state = StateInitialized

	s.logger.Info("server initialized",
		slog.Bool("full_mode", s.cfg.IsFullMode),
		slog.Bool("tcp", s.cfg.TCP),
		slog.Any("roles", tsa.ValidRoles()),
	)
	return nil
}

// Start spawns one or more dispatch loops per the configured
// placement model and returns once every loop has been handed its
// already-bound socket. Since binding happened in Initialize, a
// loop's readiness coincides with the goroutine spawn itself: there
// is no separate listen step left to wait for.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateInitialized {
		return fmt.Errorf("%w: start called from state %s", ErrUnexpectedTransition, s.state)
	}

	recvRoles := s.tsa.ValidRoles()
	loopOpts := []loop.Option{
		loop.WithAuth(s.auth),
		loop.WithRateLimiter(s.limiter),
		loop.WithRecorder(s.recorder),
		loop.WithLogger(s.logger),
	}

	var loops []*loop.Loop
	if s.cfg.ThreadingPerSocket == 0 {
		l, err := loop.New(recvRoles, s.set, s.tsa, loopOpts...)
		if err != nil {
			return fmt.Errorf("server: construct dispatch loop: %w", err)
		}
		loops = append(loops, l)
	} else {
		for _, r := range recvRoles {
			for i := uint32(0); i < s.cfg.ThreadingPerSocket; i++ {
				l, err := loop.New([]role.Role{r}, s.set, s.tsa, loopOpts...)
				if err != nil {
					return fmt.Errorf("server: construct dispatch loop for role %s: %w", r, err)
				}
				loops = append(loops, l)
			}
		}
	}

	for _, l := range loops {
		l.Start()
	}

	s.loops = loops
	s.state = StateRunning

	s.logger.Info("server running",
		slog.Int("loop_count", len(loops)),
		slog.Uint64("threading_per_socket", uint64(s.cfg.ThreadingPerSocket)),
	)
	return nil
}

// Stop sets every loop's shutdown flag, wakes it and waits for it to
// exit before returning. Waking a loop closes its receive sockets, and
// the loops together receive on every bound socket, so after Stop
// returns no loop is running and every socket is closed; Shutdown then
// releases the set itself.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return fmt.Errorf("%w: stop called from state %s", ErrUnexpectedTransition, s.state)
	}

	var wg sync.WaitGroup
	for _, l := range s.loops {
		wg.Add(1)
		go func(l *loop.Loop) {
			defer wg.Done()
			l.Stop()
		}(l)
	}
	wg.Wait()

	s.loops = nil
	s.state = StateStopped
	s.logger.Info("server stopped")
	return nil
}

// Shutdown stops every running loop (if any) and releases every
// socket Initialize bound. It is the only operation valid from more
// than one state: it accepts StateInitialized (never started),
// StateRunning (stops first) and StateStopped (already stopped), and
// always leaves the supervisor in StateStopped.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == StateUninit {
		return fmt.Errorf("%w: shutdown called from state %s", ErrUnexpectedTransition, state)
	}

	if state == StateRunning {
		if err := s.Stop(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.set != nil {
		err = s.set.Close()
	}
	s.tsa = nil
	s.set = nil
	s.limiter = nil
	s.state = StateStopped
	return err
}
