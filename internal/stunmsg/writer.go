package stunmsg

import (
	"encoding/binary"
	"net/netip"
)

// Writer serializes an outbound STUN message into a caller-provided
// buffer. Like Reader it is reused across dispatch loop iterations:
// Reset drops any attributes queued from a previous message.
type Writer struct {
	method  Method
	class   MessageClass
	txID    [transactionIDSize]byte
	attrs   []byte
	errCode uint16
	errText string
}

// NewWriter returns a Writer ready to build its first message.
func NewWriter() *Writer {
	return &Writer{}
}

// Reset begins a new message with the given method, class, and
// transaction ID (normally copied from the request being answered).
func (w *Writer) Reset(method Method, class MessageClass, txID [transactionIDSize]byte) {
	w.method = method
	w.class = class
	w.txID = txID
	w.attrs = w.attrs[:0]
	w.errCode = 0
	w.errText = ""
}

// PutXorMappedAddress appends an XOR-MAPPED-ADDRESS attribute.
func (w *Writer) PutXorMappedAddress(addr netip.AddrPort) {
	w.attrs = formatAttr(w.attrs, AttrXorMappedAddress, encodeMappedAddress(addr, w.txID, true))
}

// PutMappedAddress appends a legacy MAPPED-ADDRESS attribute
// (RFC 3489 clients that predate XOR-MAPPED-ADDRESS).
func (w *Writer) PutMappedAddress(addr netip.AddrPort) {
	w.attrs = formatAttr(w.attrs, AttrMappedAddress, encodeMappedAddress(addr, w.txID, false))
}

// PutSourceAddress appends the legacy SOURCE-ADDRESS attribute
// (RFC 3489 Section 11.2.2): the address the response was sent from.
func (w *Writer) PutSourceAddress(addr netip.AddrPort) {
	w.attrs = formatAttr(w.attrs, AttrSourceAddress, encodeMappedAddress(addr, w.txID, false))
}

// PutChangedAddress appends the legacy CHANGED-ADDRESS attribute
// (RFC 3489 Section 11.2.3): the address the server would use if the
// client asked it to change both IP and port.
func (w *Writer) PutChangedAddress(addr netip.AddrPort) {
	w.attrs = formatAttr(w.attrs, AttrChangedAddress, encodeMappedAddress(addr, w.txID, false))
}

// PutOtherAddress appends OTHER-ADDRESS (RFC 5780 Section 7.4), the
// modern replacement for CHANGED-ADDRESS naming the server's alternate
// endpoint.
func (w *Writer) PutOtherAddress(addr netip.AddrPort) {
	w.attrs = formatAttr(w.attrs, AttrOtherAddress, encodeMappedAddress(addr, w.txID, false))
}

// PutResponseOrigin appends RESPONSE-ORIGIN (RFC 5780 Section 7.3):
// the address the response is actually being sent from.
func (w *Writer) PutResponseOrigin(addr netip.AddrPort) {
	w.attrs = formatAttr(w.attrs, AttrResponseOrigin, encodeMappedAddress(addr, w.txID, false))
}

// SetErrorCode marks this message as carrying ERROR-CODE (RFC 5389
// Section 15.6). The caller must also have set class to
// ClassErrorResponse via Reset.
func (w *Writer) SetErrorCode(code uint16, reason string) {
	w.errCode = code
	w.errText = reason
}

func encodeMappedAddress(addr netip.AddrPort, txID [transactionIDSize]byte, xor bool) []byte {
	ip := addr.Addr()
	port := addr.Port()

	if xor {
		port ^= uint16(MagicCookie >> 16)
	}

	if ip.Is4() {
		body := make([]byte, 8)
		body[1] = familyIPv4
		binary.BigEndian.PutUint16(body[2:4], port)
		raw := ip.As4()
		if xor {
			var cookie [4]byte
			binary.BigEndian.PutUint32(cookie[:], MagicCookie)
			for i := range raw {
				raw[i] ^= cookie[i]
			}
		}
		copy(body[4:8], raw[:])
		return body
	}

	body := make([]byte, 20)
	body[1] = familyIPv6
	binary.BigEndian.PutUint16(body[2:4], port)
	raw := ip.As16()
	if xor {
		var salt [16]byte
		binary.BigEndian.PutUint32(salt[0:4], MagicCookie)
		copy(salt[4:16], txID[:])
		for i := range raw {
			raw[i] ^= salt[i]
		}
	}
	copy(body[4:20], raw[:])
	return body
}

func encodeErrorCode(code uint16, reason string) []byte {
	class := code / 100
	number := code % 100
	body := make([]byte, 4+len(reason))
	body[2] = byte(class)
	body[3] = byte(number)
	copy(body[4:], reason)
	return body
}

// Append writes the finished message (header + queued attributes)
// into dst, growing and returning it the way append does. The error
// code attribute, if SetErrorCode was called, is emitted first.
func (w *Writer) Append(dst []byte) []byte {
	var body []byte
	if w.errCode != 0 {
		body = formatAttr(body, AttrErrorCode, encodeErrorCode(w.errCode, w.errText))
	}
	body = append(body, w.attrs...)

	start := len(dst)
	dst = append(dst, make([]byte, HeaderSize)...)
	putHeader(dst[start:start+HeaderSize], messageType(w.method, w.class), uint16(len(body)), w.txID)
	dst = append(dst, body...)
	return dst
}
