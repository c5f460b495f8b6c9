// Package dispatch implements the request handler: a pure function
// from a parsed STUN message, the bound transport address set, and an
// authenticator, to either an outbound message or a declined request.
// It is a lookup table over (role, change_ip, change_port) -- no side
// effects, nothing held between calls.
package dispatch

import (
	"errors"
	"net/netip"

	"github.com/gostun/gostun/internal/role"
	"github.com/gostun/gostun/internal/stunauth"
	"github.com/gostun/gostun/internal/stunmsg"
)

// ErrUnsupportedMethod means the request named a STUN method this
// adapter does not serve at all (anything but Binding or the legacy
// Shared-Secret method).
var ErrUnsupportedMethod = errors.New("dispatch: unsupported STUN method")

// Input bundles everything Handle needs to decide a response. RecvRole
// is the role of the socket the datagram physically arrived on; the
// caller (the dispatch loop) derives it from which Conn it read from,
// not from anything inside the message itself.
type Input struct {
	Message  *stunmsg.ParsedMessage
	RecvRole role.Role

	// Remote is the client's source address as seen on the wire: the
	// reflexive transport address every MAPPED-ADDRESS-shaped
	// attribute in the response reports back.
	Remote netip.AddrPort

	// LocalDst is the local destination the datagram arrived on,
	// recovered from ancillary data by the socket layer, with the
	// port filled in from the receiving endpoint's bind port.
	LocalDst netip.AddrPort

	TSA  *role.TransportAddressSet
	Auth stunauth.Authenticator
}

// Handle runs one request through the adapter. On success it returns
// the send role the response must go out of and leaves w populated
// (via Reset + Put* calls) ready for w.Append. w is caller-provided
// scratch space and is always Reset before use, satisfying the
// stateless/no-hidden-allocation requirement.
func Handle(in Input, w *stunmsg.Writer) (role.Role, error) {
	msg := in.Message

	switch msg.Method {
	case stunmsg.MethodBinding:
		return handleBinding(in, w)
	case stunmsg.MethodSharedSecret:
		return legacyReject(in, w)
	default:
		return role.Role(0), ErrUnsupportedMethod
	}
}

func handleBinding(in Input, w *stunmsg.Writer) (role.Role, error) {
	msg := in.Message

	if msg.HasUsername || msg.HasMessageIntegrity {
		if !msg.HasUsername || !msg.HasMessageIntegrity {
			return errorResponse(w, in.RecvRole, msg, 400, "incomplete credentials")
		}
		if err := in.Auth.Verify(msg.Username, integrityCoveredBytes(msg), msg.MessageIntegrity); err != nil {
			return errorResponse(w, in.RecvRole, msg, 401, "integrity check failed")
		}
	}

	sendRole := sendRoleFor(in.RecvRole, msg.HasChangeRequest, msg.ChangeRequest)

	sendEP, ok := in.TSA.Lookup(sendRole)
	if !ok {
		return errorResponse(w, in.RecvRole, msg, 400, "requested endpoint is not valid in this mode")
	}

	otherRole := otherAddressRole(in.RecvRole)
	otherEP, hasOther := in.TSA.Lookup(otherRole)

	w.Reset(stunmsg.MethodBinding, stunmsg.ClassSuccessResponse, msg.TransactionID)
	w.PutXorMappedAddress(in.Remote)
	w.PutMappedAddress(in.Remote)
	w.PutSourceAddress(sendEP.AdvertisedAddrPort())
	w.PutResponseOrigin(sendEP.AdvertisedAddrPort())
	if hasOther {
		w.PutChangedAddress(otherEP.AdvertisedAddrPort())
		w.PutOtherAddress(otherEP.AdvertisedAddrPort())
	}

	return sendRole, nil
}

// legacyReject answers a Shared-Secret request, which this core never
// actually serves (RFC 3489's shared-secret exchange requires TLS the
// dispatch core has no part in), with the same 400 a malformed
// CHANGE-REQUEST produces.
func legacyReject(in Input, w *stunmsg.Writer) (role.Role, error) {
	return errorResponse(w, in.RecvRole, in.Message, 400, "shared secret exchange not supported")
}

// errorResponse always answers from the role the request arrived on,
// per the dispatch contract: a declined request never needs an
// endpoint other than the one the client already reached.
func errorResponse(w *stunmsg.Writer, recvRole role.Role, msg *stunmsg.ParsedMessage, code uint16, reason string) (role.Role, error) {
	w.Reset(msg.Method, stunmsg.ClassErrorResponse, msg.TransactionID)
	w.SetErrorCode(code, reason)
	return recvRole, nil
}

// integrityCoveredBytes returns the prefix of the raw message up to
// (but not including) the MESSAGE-INTEGRITY attribute, the span RFC
// 5389 Section 15.4 defines the HMAC as covering.
func integrityCoveredBytes(msg *stunmsg.ParsedMessage) []byte {
	if !msg.HasMessageIntegrity {
		return msg.Raw()
	}
	return msg.Raw()[:msg.MessageIntegrityOffset]
}

// sendRoleFor applies the CHANGE-REQUEST dispatch table: change_ip
// toggles the IP dimension, change_port toggles the port dimension,
// independently, starting from the role the request physically
// arrived on.
func sendRoleFor(recvRole role.Role, hasChange bool, cr stunmsg.ChangeRequest) role.Role {
	if !hasChange {
		return recvRole
	}
	send := recvRole
	if cr.ChangeIP {
		send = send.ToggleIP()
	}
	if cr.ChangePort {
		send = send.TogglePort()
	}
	return send
}

// otherAddressRole names the endpoint CHANGED-ADDRESS/OTHER-ADDRESS
// describe: the one reached by toggling both dimensions from the
// receiving role, i.e. the server's other IP and other port.
func otherAddressRole(recvRole role.Role) role.Role {
	return recvRole.ToggleIP().TogglePort()
}
