package relay

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ndrelay/ndserver/internal/wire"
)

// Connection is one live TCP session, combining the Framed Transport's
// receive/send state with the client-declared scene membership from
// spec.md §3. It is touched only by the event loop goroutine that owns
// it (spec.md §5); there is no internal locking.
type Connection struct {
	ID   string
	fd   int
	PeerIP   net.IP
	PeerPort uint16

	ClientID string
	NNM, SCN, SCU string
	// PeerConnID is the connId token the peer supplied on its most
	// recent packet. Spec.md §4.5 treats connId as present on every
	// packet from the first one onward; the relay simply echoes back
	// whatever value the peer is currently using rather than minting
	// its own wire-visible connection id (Connection.ID is an
	// internal bookkeeping id only, never sent on the wire).
	PeerConnID string

	ForwardIP   net.IP
	ForwardPort uint16

	StartTime       time.Time
	LastReceiveTime time.Time
	LastSendTime    time.Time

	recvBuf       [wire.RecvBufferSize]byte
	bytesRead     int
	bytesExpected int

	sendBuf   []byte
	sendStart int
	sendLen   int

	PacketsReceived uint64
	BytesReceived   uint64
	PacketsSent     uint64
	BytesSent       uint64
}

// NewConnection wraps an already-accepted, already-non-blocking socket.
func NewConnection(fd int, id string, peerIP net.IP, peerPort uint16) *Connection {
	now := time.Now()
	return &Connection{
		ID:              id,
		fd:              fd,
		PeerIP:          peerIP,
		PeerPort:        peerPort,
		StartTime:       now,
		LastReceiveTime: now,
		LastSendTime:    now,
	}
}

// Fd returns the underlying socket handle, or a negative value once the
// connection has been closed (spec.md §3 invariant).
func (c *Connection) Fd() int {
	return c.fd
}

// Closed reports whether the connection's socket has already been torn
// down.
func (c *Connection) Closed() bool {
	return c.fd < 0
}

// HasSendResidue reports whether a prior Send left unsent bytes behind,
// the condition the event loop uses to decide write-interest (spec.md
// §4.6 step 2) and which callers assert as property P3.
func (c *Connection) HasSendResidue() bool {
	return c.sendBuf != nil
}

func isRetryable(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}

// ErrPeerClosed is returned by Read when the peer has performed an
// orderly TCP close (a zero-length read).
var ErrPeerClosed = errors.New("relay: peer closed connection")

// Read attempts to assemble one complete frame from whatever is
// currently available on the non-blocking socket, per the Framed
// Transport reading algorithm in spec.md §4.1.
//
// It returns (true, payload, nil) once a full frame's payload (the
// bytes after the 10-byte header) is available; the connection's
// ForwardIP/ForwardPort are updated as a side effect. It returns
// (false, nil, nil) when the read would block and should be retried on
// the next readiness notification. Any other error is connection-fatal
// and the caller must close the connection.
func (c *Connection) Read() (complete bool, payload []byte, err error) {
	if c.bytesExpected == 0 {
		if c.bytesRead < wire.PrefixSize {
			n, rerr := unix.Read(c.fd, c.recvBuf[c.bytesRead:wire.PrefixSize])
			if rerr != nil {
				if isRetryable(rerr) {
					return false, nil, nil
				}
				return false, nil, errors.Wrap(rerr, "read prefix")
			}
			if n == 0 {
				return false, nil, ErrPeerClosed
			}
			c.bytesRead += n
			if c.bytesRead < wire.PrefixSize {
				return false, nil, nil
			}
		}

		prefix := wire.ParsePrefix(c.recvBuf[:wire.PrefixSize])
		if verr := prefix.Validate(); verr != nil {
			return false, nil, verr
		}
		c.bytesExpected = prefix.FrameSize()
	}

	if c.bytesRead < c.bytesExpected {
		n, rerr := unix.Read(c.fd, c.recvBuf[c.bytesRead:c.bytesExpected])
		if rerr != nil {
			if isRetryable(rerr) {
				return false, nil, nil
			}
			return false, nil, errors.Wrap(rerr, "read body")
		}
		if n == 0 {
			return false, nil, ErrPeerClosed
		}
		c.bytesRead += n
	}

	if c.bytesRead < c.bytesExpected {
		return false, nil, nil
	}

	header := wire.ParseHeader(c.recvBuf[:wire.HeaderSize])
	c.ForwardIP = header.ForwardIP
	c.ForwardPort = header.ForwardPort

	payload = make([]byte, c.bytesExpected-wire.HeaderSize)
	copy(payload, c.recvBuf[wire.HeaderSize:c.bytesExpected])

	c.PacketsReceived++
	c.BytesReceived += uint64(c.bytesExpected)

	c.bytesRead = 0
	c.bytesExpected = 0
	return true, payload, nil
}

// Send implements the three-case non-blocking write policy of spec.md
// §4.1: flush residue first and always drop the new frame when residue
// existed, otherwise attempt the new frame directly and buffer its
// unsent tail. buf may be empty, which is how the event loop performs a
// residue-only flush on write-readiness (spec.md §4.6 step 5).
func (c *Connection) Send(buf []byte) error {
	if c.sendBuf != nil {
		n, err := unix.Write(c.fd, c.sendBuf[c.sendStart:c.sendLen])
		if err != nil {
			if isRetryable(err) {
				return nil
			}
			return errors.Wrap(err, "flush residue")
		}
		c.sendStart += n
		if c.sendStart >= c.sendLen {
			c.sendBuf, c.sendStart, c.sendLen = nil, 0, 0
		}
		// Residue-first discipline: the caller's new frame is always
		// discarded here, whether the flush was full or partial.
		return nil
	}

	if len(buf) == 0 {
		return nil
	}

	n, err := unix.Write(c.fd, buf)
	if err != nil {
		if isRetryable(err) {
			n = 0
		} else {
			return errors.Wrap(err, "send")
		}
	}

	c.PacketsSent++
	c.BytesSent += uint64(len(buf))
	c.LastSendTime = time.Now()

	if n < len(buf) {
		tail := make([]byte, len(buf)-n)
		copy(tail, buf[n:])
		c.sendBuf, c.sendStart, c.sendLen = tail, 0, len(tail)
	}
	return nil
}

// CloseSocket shuts down the underlying socket with linger-0 (drop
// pending data rather than wait to drain) and marks the connection
// closed. It does not touch registries or scene membership; that
// cascade is the caller's responsibility (spec.md §4.4 "Close").
func (c *Connection) CloseSocket() error {
	if c.fd < 0 {
		return nil
	}
	_ = unix.SetsockoptLinger(c.fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0})
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}
