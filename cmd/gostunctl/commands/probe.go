package commands

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/gostun/gostun/internal/stunmsg"
)

// probeTimeout bounds how long probe waits for a single response
// before giving up.
const probeTimeout = 3 * time.Second

// changeIPFlag and changePortFlag are the CHANGE-REQUEST bits, RFC
// 3489 Section 11.2.9. The wire codec keeps these unexported since the
// dispatch core only ever reads them; a client constructing a request
// needs its own copy.
const (
	changeIPFlag   uint32 = 0x04
	changePortFlag uint32 = 0x02
)

func probeCmd() *cobra.Command {
	var (
		target     string
		changeIP   bool
		changePort bool
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Send a single STUN Binding Request and print the decoded response",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runProbe(target, changeIP, changePort)
		},
	}

	cmd.Flags().StringVar(&target, "target", "127.0.0.1:3478", "STUN server address (host:port)")
	cmd.Flags().BoolVar(&changeIP, "change-ip", false, "set the CHANGE-REQUEST change-IP flag")
	cmd.Flags().BoolVar(&changePort, "change-port", false, "set the CHANGE-REQUEST change-port flag")

	return cmd
}

func runProbe(target string, changeIP, changePort bool) error {
	conn, err := net.Dial("udp", target)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	req, txID := buildBindingRequest(changeIP, changePort)

	if err := conn.SetDeadline(time.Now().Add(probeTimeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	buf := make([]byte, stunmsg.MaxMessageSize)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	return printResponse(buf[:n], txID)
}

// buildBindingRequest constructs a RFC 5389 Binding Request, optionally
// carrying a legacy CHANGE-REQUEST attribute (RFC 3489 Section 11.2.9)
// so probe can exercise a server's alternate endpoints.
func buildBindingRequest(changeIP, changePort bool) ([]byte, [12]byte) {
	var txID [12]byte
	// A fixed, non-random transaction ID keeps probe's output
	// reproducible in tests and scripted runs; a real client would
	// draw this from crypto/rand.
	for i := range txID {
		txID[i] = byte(i + 1)
	}

	var body []byte
	if changeIP || changePort {
		var flags uint32
		if changeIP {
			flags |= changeIPFlag
		}
		if changePort {
			flags |= changePortFlag
		}
		attrHdr := make([]byte, 8)
		binary.BigEndian.PutUint16(attrHdr[0:2], uint16(stunmsg.AttrChangeRequest))
		binary.BigEndian.PutUint16(attrHdr[2:4], 4)
		binary.BigEndian.PutUint32(attrHdr[4:8], flags)
		body = append(body, attrHdr...)
	}

	msg := make([]byte, stunmsg.HeaderSize)
	msgType := uint16(stunmsg.MethodBinding)&0x3EEF | uint16(stunmsg.ClassRequest)
	binary.BigEndian.PutUint16(msg[0:2], msgType)
	binary.BigEndian.PutUint16(msg[2:4], uint16(len(body)))
	binary.BigEndian.PutUint32(msg[4:8], stunmsg.MagicCookie)
	copy(msg[8:20], txID[:])
	msg = append(msg, body...)

	return msg, txID
}

// printResponse decodes and prints the attributes probe cares about: the
// mapped/xor-mapped address the server observed, and (RFC 5780/3489) the
// server's alternate endpoint, under whichever attribute name the
// server chose to send.
func printResponse(b []byte, txID [12]byte) error {
	if len(b) < stunmsg.HeaderSize {
		return fmt.Errorf("response shorter than STUN header (%d bytes)", len(b))
	}

	wireType := binary.BigEndian.Uint16(b[0:2])
	length := binary.BigEndian.Uint16(b[2:4])
	cookie := binary.BigEndian.Uint32(b[4:8])

	if cookie != stunmsg.MagicCookie {
		return fmt.Errorf("bad magic cookie in response")
	}
	if int(length) != len(b)-stunmsg.HeaderSize {
		return fmt.Errorf("declared length %d does not match received %d bytes", length, len(b)-stunmsg.HeaderSize)
	}

	class := stunmsg.MessageClass(wireType & 0x110)
	fmt.Printf("response class: %s\n", classString(class))

	pos := stunmsg.HeaderSize
	for pos < len(b) {
		if pos+4 > len(b) {
			return fmt.Errorf("truncated attribute header")
		}
		attrType := stunmsg.AttrType(binary.BigEndian.Uint16(b[pos : pos+2]))
		attrLen := int(binary.BigEndian.Uint16(b[pos+2 : pos+4]))
		pos += 4
		if pos+attrLen > len(b) {
			return fmt.Errorf("attribute overruns message")
		}
		value := b[pos : pos+attrLen]
		printAttr(attrType, value, txID)

		pos += attrLen
		if pad := attrLen % 4; pad != 0 {
			pos += 4 - pad
		}
	}

	return nil
}

func printAttr(t stunmsg.AttrType, value []byte, txID [12]byte) {
	switch t {
	case stunmsg.AttrXorMappedAddress:
		if addr, err := stunmsg.DecodeMappedAddress(value, txID, true); err == nil {
			fmt.Printf("  XOR-MAPPED-ADDRESS:  %s\n", addr)
		}
	case stunmsg.AttrMappedAddress:
		if addr, err := stunmsg.DecodeMappedAddress(value, txID, false); err == nil {
			fmt.Printf("  MAPPED-ADDRESS:      %s\n", addr)
		}
	case stunmsg.AttrSourceAddress:
		if addr, err := stunmsg.DecodeMappedAddress(value, txID, false); err == nil {
			fmt.Printf("  SOURCE-ADDRESS:      %s\n", addr)
		}
	case stunmsg.AttrChangedAddress:
		if addr, err := stunmsg.DecodeMappedAddress(value, txID, false); err == nil {
			fmt.Printf("  CHANGED-ADDRESS:     %s\n", addr)
		}
	case stunmsg.AttrOtherAddress:
		if addr, err := stunmsg.DecodeMappedAddress(value, txID, false); err == nil {
			fmt.Printf("  OTHER-ADDRESS:       %s\n", addr)
		}
	case stunmsg.AttrResponseOrigin:
		if addr, err := stunmsg.DecodeMappedAddress(value, txID, false); err == nil {
			fmt.Printf("  RESPONSE-ORIGIN:     %s\n", addr)
		}
	case stunmsg.AttrErrorCode:
		if len(value) >= 4 {
			class := value[2]
			number := value[3]
			reason := string(value[4:])
			fmt.Printf("  ERROR-CODE:          %d%02d %s\n", class, number, reason)
		}
	}
}

func classString(c stunmsg.MessageClass) string {
	switch c {
	case stunmsg.ClassSuccessResponse:
		return "success"
	case stunmsg.ClassErrorResponse:
		return "error"
	default:
		return fmt.Sprintf("0x%03x", uint16(c))
	}
}
