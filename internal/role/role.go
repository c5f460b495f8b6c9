// Package role holds the server's endpoint matrix: the four (IP, port)
// combinations a full-mode STUN server binds to, and the fixed mapping
// from each one to the socket that serves it.
package role

import (
	"errors"
	"fmt"
	"net/netip"
)

// Role identifies one of the four endpoint combinations a full-mode
// server exposes: a choice of primary/alternate IP crossed with a
// choice of primary/alternate port.
type Role uint8

const (
	// PP is the primary IP, primary port endpoint. Every server binds
	// at least this one.
	PP Role = iota
	// PA is the primary IP, alternate port endpoint.
	PA
	// AP is the alternate IP, primary port endpoint.
	AP
	// AA is the alternate IP, alternate port endpoint.
	AA

	numRoles = 4
)

// String renders the role's two-letter mnemonic.
func (r Role) String() string {
	switch r {
	case PP:
		return "PP"
	case PA:
		return "PA"
	case AP:
		return "AP"
	case AA:
		return "AA"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// ToggleIP returns the role reached by flipping the IP dimension
// (primary<->alternate) while holding the port dimension fixed.
func (r Role) ToggleIP() Role {
	return r ^ 0b10
}

// TogglePort returns the role reached by flipping the port dimension
// (primary<->alternate) while holding the IP dimension fixed.
func (r Role) TogglePort() Role {
	return r ^ 0b01
}

// Roles lists all four roles in their total order, PP<PA<AP<AA.
func Roles() []Role {
	return []Role{PP, PA, AP, AA}
}

// Endpoint is one bound address the server listens on, plus the public
// address it advertises for that endpoint in outbound STUN attributes.
type Endpoint struct {
	Role      Role
	BindAddr  netip.AddrPort
	Advertise netip.Addr
	Valid     bool
}

// AdvertisedAddrPort pairs the endpoint's advertised IP with its bind
// port, since the advertised tuple's port is always taken from the
// bind side.
func (e Endpoint) AdvertisedAddrPort() netip.AddrPort {
	return netip.AddrPortFrom(e.Advertise, e.BindAddr.Port())
}

// Sentinel errors returned by NewTransportAddressSet when the supplied
// endpoints violate an invariant.
var (
	ErrFamilyMismatch  = errors.New("role: advertised address family does not match bind address family")
	ErrPortMismatch    = errors.New("role: PP/AP and PA/AA must share bind ports across the IP dimension")
	ErrIPMismatch      = errors.New("role: PP/PA and AP/AA must share bind IPs across the port dimension")
	ErrBasicModeExtra  = errors.New("role: basic mode requires exactly PP to be valid")
	ErrFullModeMissing = errors.New("role: full mode requires all four roles to be valid")
)

// TransportAddressSet is the fixed, immutable-after-construction
// mapping from Role to Endpoint. It is the sole authority for every
// address-bearing attribute a response carries.
type TransportAddressSet struct {
	entries [numRoles]Endpoint
}

// NewTransportAddressSet validates the supplied endpoints against the
// invariants of the data model and returns an immutable set. endpoints
// need not be in role order; each entry's Role field places it.
//
// fullMode requires all four entries to be Valid; otherwise exactly PP
// must be valid and the rest are ignored (their Valid bit is forced
// false).
func NewTransportAddressSet(endpoints []Endpoint, fullMode bool) (*TransportAddressSet, error) {
	var tsa TransportAddressSet
	for _, ep := range endpoints {
		if int(ep.Role) >= numRoles {
			return nil, fmt.Errorf("role: endpoint has out-of-range role %d", ep.Role)
		}
		tsa.entries[ep.Role] = ep
	}

	if fullMode {
		for _, r := range Roles() {
			if !tsa.entries[r].Valid {
				return nil, fmt.Errorf("%w: role %s", ErrFullModeMissing, r)
			}
		}
	} else {
		for _, r := range Roles() {
			if r == PP {
				continue
			}
			tsa.entries[r].Valid = false
		}
		if !tsa.entries[PP].Valid {
			return nil, ErrBasicModeExtra
		}
	}

	for _, r := range Roles() {
		ep := tsa.entries[r]
		if !ep.Valid {
			continue
		}
		if ep.Advertise.Is4() != ep.BindAddr.Addr().Is4() {
			return nil, fmt.Errorf("%w: role %s", ErrFamilyMismatch, r)
		}
	}

	if fullMode {
		if tsa.entries[PP].BindAddr.Port() != tsa.entries[AP].BindAddr.Port() {
			return nil, ErrPortMismatch
		}
		if tsa.entries[PA].BindAddr.Port() != tsa.entries[AA].BindAddr.Port() {
			return nil, ErrPortMismatch
		}
		if tsa.entries[PP].BindAddr.Addr() != tsa.entries[PA].BindAddr.Addr() {
			return nil, ErrIPMismatch
		}
		if tsa.entries[AP].BindAddr.Addr() != tsa.entries[AA].BindAddr.Addr() {
			return nil, ErrIPMismatch
		}
	}

	return &tsa, nil
}

// Lookup returns the endpoint bound to role and whether it is valid.
// A zero Endpoint with ok=false is returned for an entry that was
// never populated.
func (t *TransportAddressSet) Lookup(r Role) (Endpoint, bool) {
	if int(r) >= numRoles {
		return Endpoint{}, false
	}
	ep := t.entries[r]
	return ep, ep.Valid
}

// Valid iterates the entries that carry a valid endpoint, in role
// order, invoking fn for each.
func (t *TransportAddressSet) Valid(fn func(Endpoint)) {
	for _, r := range Roles() {
		if ep := t.entries[r]; ep.Valid {
			fn(ep)
		}
	}
}

// ValidRoles returns the list of roles with a valid endpoint, in role
// order.
func (t *TransportAddressSet) ValidRoles() []Role {
	roles := make([]Role, 0, numRoles)
	for _, r := range Roles() {
		if t.entries[r].Valid {
			roles = append(roles, r)
		}
	}
	return roles
}
