package stunmsg_test

import (
	"net/netip"
	"testing"

	"github.com/gostun/gostun/internal/stunmsg"
)

func newTxID(b byte) [12]byte {
	var id [12]byte
	for i := range id {
		id[i] = b
	}
	return id
}

func TestWriterReaderRoundTrip_XorMappedAddress(t *testing.T) {
	txID := newTxID(0x42)
	w := stunmsg.NewWriter()
	w.Reset(stunmsg.MethodBinding, stunmsg.ClassSuccessResponse, txID)

	client := netip.MustParseAddrPort("203.0.113.5:40000")
	w.PutXorMappedAddress(client)

	buf := w.Append(nil)

	r := stunmsg.NewReader()
	r.AddBytes(buf)

	if r.State() != stunmsg.StateBodyValidated {
		t.Fatalf("reader state = %v, want BodyValidated", r.State())
	}

	msg := r.Message()
	if msg.Method != stunmsg.MethodBinding {
		t.Errorf("method = %v, want Binding", msg.Method)
	}
	if msg.Class != stunmsg.ClassSuccessResponse {
		t.Errorf("class = %v, want SuccessResponse", msg.Class)
	}
	if msg.TransactionID != txID {
		t.Errorf("transaction ID mismatch")
	}

	// The only attribute sits right after the header and its 4-byte
	// attribute header.
	got, err := stunmsg.DecodeMappedAddress(buf[stunmsg.HeaderSize+4:], txID, true)
	if err != nil {
		t.Fatalf("decode XOR-MAPPED-ADDRESS: %v", err)
	}
	if got != client {
		t.Errorf("XOR-MAPPED-ADDRESS = %s, want %s", got, client)
	}
}

func TestReader_RejectsBadMagicCookie(t *testing.T) {
	buf := make([]byte, stunmsg.HeaderSize)
	buf[4] = 0xAA // corrupt the magic cookie

	r := stunmsg.NewReader()
	r.AddBytes(buf)

	if r.State() != stunmsg.StateRejected {
		t.Fatalf("state = %v, want Rejected", r.State())
	}
}

func TestReader_RejectsZeroByteDatagram(t *testing.T) {
	r := stunmsg.NewReader()
	r.AddBytes(nil)

	if r.State() != stunmsg.StateRejected {
		t.Fatalf("state = %v, want Rejected for zero-byte datagram", r.State())
	}
}

func TestReader_RejectsLengthMismatch(t *testing.T) {
	txID := newTxID(0x01)
	w := stunmsg.NewWriter()
	w.Reset(stunmsg.MethodBinding, stunmsg.ClassRequest, txID)
	buf := w.Append(nil)

	// Declare a length longer than the actual body.
	buf[3] += 4

	r := stunmsg.NewReader()
	r.AddBytes(buf)

	if r.State() != stunmsg.StateRejected {
		t.Fatalf("state = %v, want Rejected", r.State())
	}
}

func TestReader_DecodesChangeRequest(t *testing.T) {
	txID := newTxID(0x02)

	// Build a request with CHANGE-REQUEST(change_ip=1, change_port=0)
	// by hand, since Writer has no change-request setter (the core
	// never sends one).
	w := stunmsg.NewWriter()
	w.Reset(stunmsg.MethodBinding, stunmsg.ClassRequest, txID)
	buf := w.Append(nil)

	attr := []byte{0x00, 0x03, 0x00, 0x04, 0x00, 0x00, 0x00, 0x04}
	buf[3] += byte(len(attr))
	buf = append(buf, attr...)

	r := stunmsg.NewReader()
	r.AddBytes(buf)

	if r.State() != stunmsg.StateBodyValidated {
		t.Fatalf("state = %v, want BodyValidated", r.State())
	}

	msg := r.Message()
	if !msg.HasChangeRequest {
		t.Fatal("expected HasChangeRequest")
	}
	if !msg.ChangeRequest.ChangeIP || msg.ChangeRequest.ChangePort {
		t.Errorf("ChangeRequest = %+v, want {ChangeIP:true ChangePort:false}", msg.ChangeRequest)
	}
}

func TestWriter_ErrorCode(t *testing.T) {
	txID := newTxID(0x03)
	w := stunmsg.NewWriter()
	w.Reset(stunmsg.MethodBinding, stunmsg.ClassErrorResponse, txID)
	w.SetErrorCode(400, "Bad Request")

	buf := w.Append(nil)

	r := stunmsg.NewReader()
	r.AddBytes(buf)
	if r.State() != stunmsg.StateBodyValidated {
		t.Fatalf("state = %v, want BodyValidated", r.State())
	}
}

func TestWriter_Append_PreservesPrefix(t *testing.T) {
	txID := newTxID(0x04)
	w := stunmsg.NewWriter()
	w.Reset(stunmsg.MethodBinding, stunmsg.ClassSuccessResponse, txID)

	prefix := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	buf := w.Append(append([]byte{}, prefix...))

	for i, b := range prefix {
		if buf[i] != b {
			t.Fatalf("Append corrupted prefix at index %d", i)
		}
	}
}
