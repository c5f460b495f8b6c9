package stunmsg

import (
	"encoding/binary"
	"net/netip"
)

// ReaderState is the terminal state of a Reader after AddBytes has
// consumed a full datagram. The dispatch loop treats any state other
// than BodyValidated as a drop.
type ReaderState uint8

const (
	// StateEmpty is the zero-value state before any bytes arrive.
	StateEmpty ReaderState = iota
	// StateRejected means the bytes do not form a well-formed STUN
	// message (bad cookie, truncated header, length mismatch, or a
	// malformed attribute).
	StateRejected
	// StateBodyValidated means the header and attribute sequence
	// parsed cleanly and ParsedMessage is safe to inspect.
	StateBodyValidated
)

// ChangeRequest is the decoded CHANGE-REQUEST attribute, RFC 3489
// Section 11.2.9.
type ChangeRequest struct {
	ChangeIP   bool
	ChangePort bool
}

// ParsedMessage is the result of a successful parse: the header fields
// plus the handful of attributes the request handler adapter needs.
// Attributes this core does not consume (SOFTWARE, FINGERPRINT, ...)
// are parsed only far enough to skip over them.
type ParsedMessage struct {
	Method        Method
	Class         MessageClass
	TransactionID [transactionIDSize]byte

	HasChangeRequest bool
	ChangeRequest    ChangeRequest

	HasUsername bool
	Username    string

	HasMessageIntegrity bool
	MessageIntegrity    []byte
	// MessageIntegrityOffset is the byte offset within raw where the
	// MESSAGE-INTEGRITY attribute's 4-byte header begins, letting a
	// caller recompute the HMAC over exactly the prefix RFC 5389
	// Section 15.4 covers without re-walking the attribute list.
	MessageIntegrityOffset int

	// raw is the full message as received, kept so MESSAGE-INTEGRITY
	// can be recomputed over the bytes preceding it.
	raw []byte
}

// Raw returns the exact bytes the message was parsed from.
func (m *ParsedMessage) Raw() []byte { return m.raw }

// Reader parses one STUN message at a time. It is reused across
// iterations by the dispatch loop: Reset clears the parse state,
// including the parsed message's reference to the bytes it was parsed
// from.
type Reader struct {
	state ReaderState
	msg   ParsedMessage
}

// NewReader returns a Reader ready for its first AddBytes call.
func NewReader() *Reader {
	return &Reader{}
}

// Reset clears the reader back to StateEmpty so it can be reused for
// the next datagram.
func (r *Reader) Reset() {
	r.state = StateEmpty
	r.msg = ParsedMessage{}
}

// State returns the reader's current terminal state.
func (r *Reader) State() ReaderState {
	return r.state
}

// Message returns the parsed message. Only valid once State() ==
// StateBodyValidated.
func (r *Reader) Message() *ParsedMessage {
	return &r.msg
}

// AddBytes parses one full datagram's worth of bytes. The core only
// ever calls this once per Reset, since STUN over UDP delivers whole
// messages; it is not a streaming API. On any structural problem the
// reader transitions to StateRejected and the caller drops the
// datagram without explanation to the sender, per the dispatch
// contract.
func (r *Reader) AddBytes(b []byte) {
	if len(b) < HeaderSize || len(b) > MaxMessageSize {
		r.state = StateRejected
		return
	}

	wireType := binary.BigEndian.Uint16(b[0:2])
	length := binary.BigEndian.Uint16(b[2:4])
	cookie := binary.BigEndian.Uint32(b[4:8])

	if cookie != MagicCookie {
		r.state = StateRejected
		return
	}
	if int(length) != len(b)-HeaderSize {
		r.state = StateRejected
		return
	}

	method, class := splitMessageType(wireType)

	var msg ParsedMessage
	msg.Method = method
	msg.Class = class
	copy(msg.TransactionID[:], b[8:20])
	msg.raw = b

	if !parseAttributes(b[HeaderSize:], &msg) {
		r.state = StateRejected
		return
	}

	r.msg = msg
	r.state = StateBodyValidated
}

// DecodeMappedAddress decodes a MAPPED-ADDRESS-shaped attribute value
// (MAPPED-ADDRESS, SOURCE-ADDRESS, CHANGED-ADDRESS, OTHER-ADDRESS,
// RESPONSE-ORIGIN, or with xor set, XOR-MAPPED-ADDRESS). txID is only
// consulted when xor is set and the address is IPv6.
func DecodeMappedAddress(value []byte, txID [12]byte, xor bool) (netip.AddrPort, error) {
	if len(value) < 4 {
		return netip.AddrPort{}, ErrMessageTooShort
	}
	family := value[1]
	port := binary.BigEndian.Uint16(value[2:4])
	if xor {
		port ^= uint16(MagicCookie >> 16)
	}

	switch family {
	case familyIPv4:
		if len(value) < 8 {
			return netip.AddrPort{}, ErrMessageTooShort
		}
		var raw [4]byte
		copy(raw[:], value[4:8])
		if xor {
			var cookie [4]byte
			binary.BigEndian.PutUint32(cookie[:], MagicCookie)
			for i := range raw {
				raw[i] ^= cookie[i]
			}
		}
		return netip.AddrPortFrom(netip.AddrFrom4(raw), port), nil

	case familyIPv6:
		if len(value) < 20 {
			return netip.AddrPort{}, ErrMessageTooShort
		}
		var raw [16]byte
		copy(raw[:], value[4:20])
		if xor {
			var salt [16]byte
			binary.BigEndian.PutUint32(salt[0:4], MagicCookie)
			copy(salt[4:16], txID[:])
			for i := range raw {
				raw[i] ^= salt[i]
			}
		}
		return netip.AddrPortFrom(netip.AddrFrom16(raw), port), nil

	default:
		return netip.AddrPort{}, ErrUnsupportedFamily
	}
}

// parseAttributes walks the TLV attribute sequence, populating the
// subset of fields the request handler adapter needs and silently
// skipping everything else. Returns false on any malformed TLV.
func parseAttributes(b []byte, msg *ParsedMessage) bool {
	pos := 0
	for pos < len(b) {
		if pos+4 > len(b) {
			return false
		}
		attrType := AttrType(binary.BigEndian.Uint16(b[pos : pos+2]))
		attrLen := int(binary.BigEndian.Uint16(b[pos+2 : pos+4]))
		pos += 4

		if pos+attrLen > len(b) {
			return false
		}
		value := b[pos : pos+attrLen]

		switch attrType {
		case AttrChangeRequest:
			if attrLen != 4 {
				return false
			}
			flags := binary.BigEndian.Uint32(value)
			msg.HasChangeRequest = true
			msg.ChangeRequest = ChangeRequest{
				ChangeIP:   flags&changeIPFlag != 0,
				ChangePort: flags&changePortFlag != 0,
			}
		case AttrUsername:
			msg.HasUsername = true
			msg.Username = string(value)
		case AttrMessageIntegrity:
			if attrLen != 20 {
				return false
			}
			msg.HasMessageIntegrity = true
			msg.MessageIntegrity = value
			msg.MessageIntegrityOffset = HeaderSize + pos - 4
		}

		pos += attrLen + attrPadding(attrLen)
	}
	return true
}
