package server_test

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/gostun/gostun/internal/server"
	"github.com/gostun/gostun/internal/stunmsg"
)

// freePort grabs a currently unused UDP port on ip by briefly binding
// to it and reading back the OS-assigned port.
func freePort(t *testing.T, ip netip.Addr) int {
	t.Helper()

	ln, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(netip.AddrPortFrom(ip, 0)))
	if err != nil {
		t.Fatalf("freePort: ListenUDP() error: %v", err)
	}
	port := ln.LocalAddr().(*net.UDPAddr).Port
	_ = ln.Close()
	return port
}

func fullModeConfig(t *testing.T) server.Config {
	t.Helper()

	primaryIP := netip.MustParseAddr("127.0.0.1")
	alternateIP := netip.MustParseAddr("127.0.0.2")
	primaryPort := freePort(t, primaryIP)
	alternatePort := freePort(t, primaryIP)

	return server.Config{
		AddrPP:                  netip.AddrPortFrom(primaryIP, uint16(primaryPort)),
		AddrPA:                  netip.AddrPortFrom(primaryIP, uint16(alternatePort)),
		AddrAP:                  netip.AddrPortFrom(alternateIP, uint16(primaryPort)),
		AddrAA:                  netip.AddrPortFrom(alternateIP, uint16(alternatePort)),
		AddrPrimaryAdvertised:   primaryIP,
		AddrAlternateAdvertised: alternateIP,
		IsFullMode:              true,
	}
}

func basicModeConfig(t *testing.T) server.Config {
	t.Helper()

	primaryIP := netip.MustParseAddr("127.0.0.1")
	primaryPort := freePort(t, primaryIP)

	return server.Config{
		AddrPP:                netip.AddrPortFrom(primaryIP, uint16(primaryPort)),
		AddrPrimaryAdvertised: primaryIP,
		IsFullMode:            false,
	}
}

func sendBindingRequest(t *testing.T, dest netip.AddrPort) *net.UDPConn {
	t.Helper()

	client, err := net.ListenUDP("udp4", nil)
	if err != nil {
		t.Fatalf("ListenUDP() error: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	w := stunmsg.NewWriter()
	w.Reset(stunmsg.MethodBinding, stunmsg.ClassRequest, [12]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})
	msg := w.Append(nil)

	if _, err := client.WriteToUDPAddrPort(msg, dest); err != nil {
		t.Fatalf("WriteToUDPAddrPort() error: %v", err)
	}
	return client
}

func recvResponse(t *testing.T, client *net.UDPConn) *stunmsg.ParsedMessage {
	t.Helper()

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, stunmsg.MaxMessageSize)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}

	r := stunmsg.NewReader()
	r.AddBytes(buf[:n])
	if r.State() != stunmsg.StateBodyValidated {
		t.Fatalf("response failed to parse: state = %v", r.State())
	}
	return r.Message()
}

// decodeXorMapped walks the response's raw attribute sequence and
// decodes its XOR-MAPPED-ADDRESS.
func decodeXorMapped(t *testing.T, resp *stunmsg.ParsedMessage) netip.AddrPort {
	t.Helper()

	raw := resp.Raw()
	pos := stunmsg.HeaderSize
	for pos+4 <= len(raw) {
		attrType := stunmsg.AttrType(uint16(raw[pos])<<8 | uint16(raw[pos+1]))
		attrLen := int(uint16(raw[pos+2])<<8 | uint16(raw[pos+3]))
		pos += 4
		if pos+attrLen > len(raw) {
			break
		}
		if attrType == stunmsg.AttrXorMappedAddress {
			addr, err := stunmsg.DecodeMappedAddress(raw[pos:pos+attrLen], resp.TransactionID, true)
			if err != nil {
				t.Fatalf("decode XOR-MAPPED-ADDRESS: %v", err)
			}
			return addr
		}
		pos += attrLen
		if pad := attrLen % 4; pad != 0 {
			pos += 4 - pad
		}
	}
	t.Fatal("XOR-MAPPED-ADDRESS not found in response")
	return netip.AddrPort{}
}

func TestSupervisor_FullLifecycleRoundTrip(t *testing.T) {
	cfg := fullModeConfig(t)
	s := server.New(cfg)

	if got := s.State(); got != server.StateUninit {
		t.Fatalf("State() = %v, want StateUninit", got)
	}

	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	if got := s.State(); got != server.StateInitialized {
		t.Fatalf("State() = %v, want StateInitialized", got)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if got := s.State(); got != server.StateRunning {
		t.Fatalf("State() = %v, want StateRunning", got)
	}

	client := sendBindingRequest(t, cfg.AddrPP)
	resp := recvResponse(t, client)
	if resp.Class != stunmsg.ClassSuccessResponse {
		t.Errorf("Class = %v, want ClassSuccessResponse", resp.Class)
	}
	if resp.TransactionID != [12]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12} {
		t.Error("response transaction ID does not echo the request's")
	}

	xma := decodeXorMapped(t, resp)
	clientPort := client.LocalAddr().(*net.UDPAddr).AddrPort().Port()
	if xma.Port() != clientPort {
		t.Errorf("XOR-MAPPED-ADDRESS port = %d, want client source port %d", xma.Port(), clientPort)
	}
	if !xma.Addr().IsLoopback() {
		t.Errorf("XOR-MAPPED-ADDRESS addr = %s, want the client's loopback source", xma.Addr())
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if got := s.State(); got != server.StateStopped {
		t.Fatalf("State() = %v, want StateStopped", got)
	}

	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestSupervisor_BasicModeSingleRole(t *testing.T) {
	cfg := basicModeConfig(t)
	s := server.New(cfg)

	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown() })

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	client := sendBindingRequest(t, cfg.AddrPP)
	resp := recvResponse(t, client)
	if resp.Class != stunmsg.ClassSuccessResponse {
		t.Errorf("Class = %v, want ClassSuccessResponse", resp.Class)
	}
}

func TestSupervisor_ThreadingPerSocket(t *testing.T) {
	cfg := basicModeConfig(t)
	cfg.ThreadingPerSocket = 3
	s := server.New(cfg)

	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown() })

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	for i := 0; i < 5; i++ {
		client := sendBindingRequest(t, cfg.AddrPP)
		resp := recvResponse(t, client)
		if resp.Class != stunmsg.ClassSuccessResponse {
			t.Errorf("request %d: Class = %v, want ClassSuccessResponse", i, resp.Class)
		}
	}
}

func TestSupervisor_Initialize_RejectsMissingFullModeAddrs(t *testing.T) {
	cfg := basicModeConfig(t)
	cfg.IsFullMode = true
	s := server.New(cfg)

	if err := s.Initialize(); err == nil {
		t.Fatal("Initialize() succeeded, want error for missing full-mode addresses")
	}
}

func TestSupervisor_Initialize_RejectsDoubleInitialize(t *testing.T) {
	cfg := basicModeConfig(t)
	s := server.New(cfg)
	t.Cleanup(func() { _ = s.Shutdown() })

	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	if err := s.Initialize(); err == nil {
		t.Fatal("second Initialize() succeeded, want ErrUnexpectedTransition")
	}
}

func TestSupervisor_Start_RejectsBeforeInitialize(t *testing.T) {
	cfg := basicModeConfig(t)
	s := server.New(cfg)

	if err := s.Start(); err == nil {
		t.Fatal("Start() succeeded before Initialize, want ErrUnexpectedTransition")
	}
}

func TestSupervisor_Stop_RejectsBeforeStart(t *testing.T) {
	cfg := basicModeConfig(t)
	s := server.New(cfg)
	t.Cleanup(func() { _ = s.Shutdown() })

	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	if err := s.Stop(); err == nil {
		t.Fatal("Stop() succeeded before Start, want ErrUnexpectedTransition")
	}
}

func TestSupervisor_Shutdown_RejectsFromUninit(t *testing.T) {
	cfg := basicModeConfig(t)
	s := server.New(cfg)

	if err := s.Shutdown(); err == nil {
		t.Fatal("Shutdown() succeeded from StateUninit, want ErrUnexpectedTransition")
	}
}

func TestSupervisor_BasicModeChangeRequestGets400(t *testing.T) {
	cfg := basicModeConfig(t)
	s := server.New(cfg)

	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown() })

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	client, err := net.ListenUDP("udp4", nil)
	if err != nil {
		t.Fatalf("ListenUDP() error: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	w := stunmsg.NewWriter()
	w.Reset(stunmsg.MethodBinding, stunmsg.ClassRequest, [12]byte{0x42})
	msg := w.Append(nil)
	// CHANGE-REQUEST(change_ip=1, change_port=0) toggles to AP, which
	// basic mode never binds.
	attr := []byte{0x00, 0x03, 0x00, 0x04, 0x00, 0x00, 0x00, 0x04}
	msg[3] += byte(len(attr))
	msg = append(msg, attr...)

	if _, err := client.WriteToUDPAddrPort(msg, cfg.AddrPP); err != nil {
		t.Fatalf("WriteToUDPAddrPort() error: %v", err)
	}

	resp := recvResponse(t, client)
	if resp.Class != stunmsg.ClassErrorResponse {
		t.Fatalf("Class = %v, want ClassErrorResponse", resp.Class)
	}

	raw := resp.Raw()
	pos := stunmsg.HeaderSize
	for pos+4 <= len(raw) {
		attrType := stunmsg.AttrType(uint16(raw[pos])<<8 | uint16(raw[pos+1]))
		attrLen := int(uint16(raw[pos+2])<<8 | uint16(raw[pos+3]))
		pos += 4
		if attrType == stunmsg.AttrErrorCode && attrLen >= 4 {
			code := int(raw[pos+2])*100 + int(raw[pos+3])
			if code != 400 {
				t.Errorf("ERROR-CODE = %d, want 400", code)
			}
			return
		}
		pos += attrLen
		if pad := attrLen % 4; pad != 0 {
			pos += 4 - pad
		}
	}
	t.Fatal("ERROR-CODE not found in response")
}
