// Package stunmsg implements the STUN wire codec (RFC 5389/3489): the
// header layout, attribute type constants, and the Reader/Writer pair
// the dispatch core consumes through a narrow interface.
package stunmsg

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the fixed STUN message header size in bytes: message
// type (2) + message length (2) + magic cookie (4) + transaction ID
// (12).
const HeaderSize = 20

// MaxMessageSize is the largest STUN message this codec accepts,
// matching the common UDP-safe datagram ceiling.
const MaxMessageSize = 1500

// MagicCookie is the fixed first four bytes of the cookie+transaction
// ID field, RFC 5389 Section 6.
const MagicCookie uint32 = 0x2112A442

// transactionIDSize is the length in bytes of the transaction ID that
// follows the magic cookie.
const transactionIDSize = 12

// MessageClass distinguishes request/response/indication/error within
// a STUN message type.
type MessageClass uint16

// Message classes, RFC 5389 Section 6. These are combined with a
// Method via messageType to produce the wire message type field.
const (
	ClassRequest         MessageClass = 0x000
	ClassIndication      MessageClass = 0x010
	ClassSuccessResponse MessageClass = 0x100
	ClassErrorResponse   MessageClass = 0x110
)

// Method identifies the STUN method. Binding is the only method the
// dispatch core's handler adapter dispatches on; SharedSecret is
// recognized only to produce the legacy-mode error response.
type Method uint16

// STUN methods, RFC 5389 Section 3 and RFC 3489 Section 9.2.
const (
	MethodBinding      Method = 0x0001
	MethodSharedSecret Method = 0x0002
)

// messageType combines a method and class into the 14-bit STUN message
// type field (RFC 5389 Section 6). The class constants already sit in
// the wire positions of C1, C0 (0x100, 0x010); the method is masked in
// place rather than spread around them, so the result matches the RFC
// layout only for methods below 0x10, such as Binding and Shared-Secret.
func messageType(m Method, c MessageClass) uint16 {
	return uint16(m)&0x3EEF | uint16(c)
}

// splitMessageType reverses messageType, recovering the method and
// class from a wire message type value; like messageType, it recovers
// the method exactly only for methods below 0x10.
func splitMessageType(t uint16) (Method, MessageClass) {
	return Method(t &^ 0x110), MessageClass(t & 0x110)
}

// AttrType is a STUN attribute type, RFC 5389 Section 18.2 plus the
// RFC 3489 legacy attributes the dispatch core's response formatting
// depends on (CHANGED-ADDRESS, SOURCE-ADDRESS).
type AttrType uint16

// Attribute type constants this core reads or writes.
const (
	AttrMappedAddress    AttrType = 0x0001
	AttrChangeRequest    AttrType = 0x0003
	AttrSourceAddress    AttrType = 0x0004
	AttrChangedAddress   AttrType = 0x0005
	AttrUsername         AttrType = 0x0006
	AttrMessageIntegrity AttrType = 0x0008
	AttrErrorCode        AttrType = 0x0009
	AttrUnknownAttrs     AttrType = 0x000A
	AttrRealm            AttrType = 0x0014
	AttrNonce            AttrType = 0x0015
	AttrXorMappedAddress AttrType = 0x0020
	AttrSoftware         AttrType = 0x8022
	AttrOtherAddress     AttrType = 0x802C
	AttrResponseOrigin   AttrType = 0x802B
	AttrFingerprint      AttrType = 0x8028
)

// Address families used in MAPPED-ADDRESS-shaped attributes.
const (
	familyIPv4 byte = 0x01
	familyIPv6 byte = 0x02
)

// ChangeRequest flags, RFC 3489 Section 11.2.9 — bits 2 and 1 of the
// 32-bit CHANGE-REQUEST value.
const (
	changeIPFlag   uint32 = 0x04
	changePortFlag uint32 = 0x02
)

// ErrMessageTooShort is returned by DecodeMappedAddress when an address
// attribute value is too short for its header or its family.
var ErrMessageTooShort = errors.New("stunmsg: message shorter than STUN header")

// ErrBadMagicCookie names a magic cookie field that does not match RFC
// 5389's value. Reader does not return it; it reports that case as
// StateRejected.
var ErrBadMagicCookie = errors.New("stunmsg: bad magic cookie")

// ErrLengthMismatch names a header length that does not match the
// number of bytes actually available. Reader does not return it; it
// reports that case as StateRejected.
var ErrLengthMismatch = errors.New("stunmsg: declared length does not match buffer")

// ErrAttrOverrun names an attribute whose declared length runs past
// the end of the message. Reader does not return it; it reports that
// case as StateRejected.
var ErrAttrOverrun = errors.New("stunmsg: attribute overruns message")

// ErrUnsupportedFamily is returned by attribute decoders when an
// address attribute names a family other than IPv4/IPv6.
var ErrUnsupportedFamily = errors.New("stunmsg: unsupported address family")

func attrPadding(length int) int {
	if rem := length % 4; rem != 0 {
		return 4 - rem
	}
	return 0
}

func putHeader(buf []byte, t uint16, length uint16, txID [transactionIDSize]byte) {
	binary.BigEndian.PutUint16(buf[0:2], t)
	binary.BigEndian.PutUint16(buf[2:4], length)
	binary.BigEndian.PutUint32(buf[4:8], MagicCookie)
	copy(buf[8:20], txID[:])
}

func formatAttr(b []byte, t AttrType, value []byte) []byte {
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint16(hdr[0:2], uint16(t))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(value)))
	b = append(b, hdr...)
	b = append(b, value...)
	if pad := attrPadding(len(value)); pad > 0 {
		b = append(b, make([]byte, pad)...)
	}
	return b
}
