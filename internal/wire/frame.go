// Package wire implements the fixed 10-byte framing header and the
// NUL-delimited argument encoding used on every connection.
package wire

import (
	"encoding/binary"
	"net"

	"github.com/pkg/errors"
)

const (
	// ProtocolNumber is the only protocol version this relay accepts.
	ProtocolNumber byte = 1
	// RequestCode is the only request code this relay accepts.
	RequestCode byte = 10

	// PrefixSize is the number of header bytes needed to know the total
	// frame length: the 2-byte length field plus protocol and request.
	PrefixSize = 4
	// HeaderSize is the full fixed header: prefix + 4-byte IPv4 + 2-byte port.
	HeaderSize = 10
	// MaxFrameSize is the largest total frame (header+payload) accepted,
	// one byte short of 8 KiB.
	MaxFrameSize = 8192 - 1
	// RecvBufferSize is the size of a connection's fixed receive buffer.
	RecvBufferSize = 8192
)

var (
	// ErrBadProtocol is returned when the protocol byte isn't ProtocolNumber.
	ErrBadProtocol = errors.New("wire: bad protocol number")
	// ErrBadRequestCode is returned when the request byte isn't RequestCode.
	ErrBadRequestCode = errors.New("wire: bad request code")
	// ErrFrameTooLarge is returned when a claimed frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")
)

// Prefix is the part of the header available after the first PrefixSize
// bytes have arrived: enough to validate the packet and learn its total
// length before the rest of the header (forward address) is in hand.
type Prefix struct {
	PayloadLen uint16 // total frame size - 2, per the wire format
	Protocol   byte
	Request    byte
}

// ParsePrefix reads the first PrefixSize bytes of a frame. It does not
// validate protocol/request; callers call Validate (or check the fields
// themselves) once they decide to.
func ParsePrefix(buf []byte) Prefix {
	return Prefix{
		PayloadLen: binary.BigEndian.Uint16(buf[0:2]),
		Protocol:   buf[2],
		Request:    buf[3],
	}
}

// Validate checks the protocol/request fields and the overall frame size.
func (p Prefix) Validate() error {
	if p.Protocol != ProtocolNumber {
		return ErrBadProtocol
	}
	if p.Request != RequestCode {
		return ErrBadRequestCode
	}
	if p.FrameSize() > MaxFrameSize {
		return ErrFrameTooLarge
	}
	return nil
}

// FrameSize is the total size of the frame (header+payload), i.e. what
// the spec calls bytesExpected.
func (p Prefix) FrameSize() int {
	return int(p.PayloadLen) + 2
}

// Header is the full fixed 10-byte header of a frame.
type Header struct {
	Prefix
	ForwardIP   net.IP
	ForwardPort uint16
}

// ParseHeader parses the full HeaderSize-byte header. buf must be at
// least HeaderSize bytes.
func ParseHeader(buf []byte) Header {
	h := Header{Prefix: ParsePrefix(buf)}
	ip := make(net.IP, 4)
	copy(ip, buf[4:8])
	h.ForwardIP = ip
	h.ForwardPort = binary.BigEndian.Uint16(buf[8:10])
	return h
}

// ParseArgs splits a NUL-terminated token payload into an argument
// vector. Consecutive NULs produce empty-string arguments; the final
// terminator (every well-formed payload ends with one) does not itself
// produce a trailing empty argument.
func ParseArgs(payload []byte) []string {
	if len(payload) == 0 {
		return nil
	}
	var args []string
	start := 0
	for i, b := range payload {
		if b == 0 {
			args = append(args, string(payload[start:i]))
			start = i + 1
		}
	}
	if start < len(payload) {
		// Payload did not end on a NUL; treat the remainder as a final,
		// un-terminated argument rather than dropping it silently.
		args = append(args, string(payload[start:]))
	}
	return args
}

// BuildPacket assembles a complete outbound frame: the fixed header
// (with the forward address echoed verbatim) followed by each argument
// NUL-terminated, with the leading length field patched in last.
func BuildPacket(forwardIP net.IP, forwardPort uint16, args ...string) []byte {
	buf := make([]byte, HeaderSize, HeaderSize+32)
	buf[2] = ProtocolNumber
	buf[3] = RequestCode

	ip4 := forwardIP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	copy(buf[4:8], ip4)
	binary.BigEndian.PutUint16(buf[8:10], forwardPort)

	for _, a := range args {
		buf = append(buf, a...)
		buf = append(buf, 0)
	}

	binary.BigEndian.PutUint16(buf[0:2], uint16(len(buf)-2))
	return buf
}
