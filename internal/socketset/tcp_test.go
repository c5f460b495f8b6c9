package socketset_test

import (
	"encoding/binary"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/gostun/gostun/internal/role"
	"github.com/gostun/gostun/internal/socketset"
)

func newTCPTestSet(t *testing.T, maxConnections int) *socketset.Set {
	t.Helper()

	specs := []socketset.BindSpec{
		{Role: role.PP, BindAddr: netip.MustParseAddrPort("127.0.0.1:0")},
	}
	set, err := socketset.NewTCPSet(specs, maxConnections)
	if err != nil {
		t.Fatalf("NewTCPSet() error: %v", err)
	}
	t.Cleanup(func() { _ = set.Close() })
	return set
}

// writeFramed sends one length-prefixed message on a stream.
func writeFramed(t *testing.T, conn net.Conn, body []byte) {
	t.Helper()

	frame := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(frame[0:2], uint16(len(body)))
	copy(frame[2:], body)
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
}

// readFramed reads one length-prefixed message off a stream.
func readFramed(t *testing.T, conn net.Conn) []byte {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var lenBuf [2]byte
	if _, err := readFull(conn, lenBuf[:]); err != nil {
		t.Fatalf("read length prefix: %v", err)
	}
	body := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := readFull(conn, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return body
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestTCPSet_FramedRoundTrip(t *testing.T) {
	set := newTCPTestSet(t, 4)

	srvConn, ok := set.Conn(role.PP)
	if !ok {
		t.Fatal("Conn(PP) not found")
	}

	// The listener binds port 0; recover the real port from the OS.
	client, err := net.Dial("tcp", srvConn.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	payload := []byte("stun-over-tcp")
	writeFramed(t, client, payload)

	buf := make([]byte, 64)
	n, remote, localDst, err := srvConn.RecvFrom(buf)
	if err != nil {
		t.Fatalf("RecvFrom() error: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Errorf("RecvFrom() body = %q, want %q", buf[:n], payload)
	}
	if localDst != srvConn.LocalAddr().Addr() {
		t.Errorf("RecvFrom() localDst = %s, want %s", localDst, srvConn.LocalAddr().Addr())
	}

	reply := []byte("stun-reply")
	if err := set.SendTo(role.PP, remote, reply); err != nil {
		t.Fatalf("SendTo() error: %v", err)
	}

	got := readFramed(t, client)
	if string(got) != string(reply) {
		t.Errorf("framed reply = %q, want %q", got, reply)
	}
}

func TestTCPSet_SendToUnknownStream(t *testing.T) {
	set := newTCPTestSet(t, 4)

	err := set.SendTo(role.PP, netip.MustParseAddrPort("203.0.113.9:9999"), []byte("x"))
	if err == nil {
		t.Fatal("SendTo() to a never-connected peer succeeded, want error")
	}
}
