package wire

import (
	"bytes"
	"net"
	"testing"
)

func TestParseArgsPreservesEmptyTokens(t *testing.T) {
	payload := []byte("RQ\x00100\x00\x00ENTER\x00")
	args := ParseArgs(payload)
	want := []string{"RQ", "100", "", "ENTER"}
	if len(args) != len(want) {
		t.Fatalf("got %q, want %q", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("arg[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

func TestParseArgsEmptyPayload(t *testing.T) {
	if args := ParseArgs(nil); args != nil {
		t.Fatalf("expected nil args for empty payload, got %v", args)
	}
}

func TestBuildPacketHeaderFields(t *testing.T) {
	pkt := BuildPacket(net.IPv4(1, 2, 3, 4), 5060, "RQ", "1", "2", "PING")

	if got := ParsePrefix(pkt).PayloadLen; int(got) != len(pkt)-2 {
		t.Fatalf("payloadLen = %d, want %d", got, len(pkt)-2)
	}
	if pkt[2] != ProtocolNumber || pkt[3] != RequestCode {
		t.Fatalf("unexpected protocol/request bytes: %v %v", pkt[2], pkt[3])
	}
	h := ParseHeader(pkt)
	if !h.ForwardIP.Equal(net.IPv4(1, 2, 3, 4)) {
		t.Fatalf("forward ip = %v", h.ForwardIP)
	}
	if h.ForwardPort != 5060 {
		t.Fatalf("forward port = %d", h.ForwardPort)
	}
}

// TestRoundTrip exercises property P5: a frame's payload, parsed into
// arguments and re-encoded with sendArguments-equivalent logic, produces
// the same payload bytes.
func TestRoundTrip(t *testing.T) {
	original := BuildPacket(net.IPv4(10, 0, 0, 1), 9000, "RQ", "42", "aaaaaaa0", "SET", "SCID", "bbbbbbb0", "color", "red")

	args := ParseArgs(original[HeaderSize:])
	rebuilt := BuildPacket(net.IPv4(10, 0, 0, 1), 9000, args...)

	if !bytes.Equal(original[HeaderSize:], rebuilt[HeaderSize:]) {
		t.Fatalf("payload round trip mismatch:\n  got  %q\n  want %q", rebuilt[HeaderSize:], original[HeaderSize:])
	}
}

func TestPrefixValidateRejectsBadProtocol(t *testing.T) {
	pkt := BuildPacket(net.IPv4zero, 0, "x")
	pkt[2] = 2
	if err := ParsePrefix(pkt).Validate(); err != ErrBadProtocol {
		t.Fatalf("expected ErrBadProtocol, got %v", err)
	}
}

func TestPrefixValidateRejectsOversizedFrame(t *testing.T) {
	p := Prefix{PayloadLen: MaxFrameSize, Protocol: ProtocolNumber, Request: RequestCode}
	if err := p.Validate(); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
