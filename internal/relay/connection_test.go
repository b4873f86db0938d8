package relay

import (
	"net"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/ndrelay/ndserver/internal/wire"
)

// newSocketPair returns two connected, non-blocking AF_UNIX stream
// socket fds for exercising Connection's raw-fd I/O without a real TCP
// listener.
func newSocketPair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("setnonblock: %v", err)
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		t.Fatalf("setnonblock: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestConnectionReadAssemblesWholeFrame(t *testing.T) {
	peerFd, connFd := newSocketPair(t)
	conn := NewConnection(connFd, "00000001", net.IPv4(127, 0, 0, 1), 4000)

	pkt := wire.BuildPacket(net.IPv4(10, 0, 0, 5), 9001, "RQ", "1", "aaaaaaa0", "PING")
	if _, err := unix.Write(peerFd, pkt); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Give the read loop a few turns in case the datagram arrives split
	// across the prefix/body boundary (unlikely over a loopback
	// socketpair but the state machine must tolerate it regardless).
	var payload []byte
	for i := 0; i < 10; i++ {
		complete, p, err := conn.Read()
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if complete {
			payload = p
			break
		}
	}
	if payload == nil {
		t.Fatalf("frame never completed")
	}

	args := wire.ParseArgs(payload)
	want := []string{"RQ", "1", "aaaaaaa0", "PING"}
	if len(args) != len(want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
	if !conn.ForwardIP.Equal(net.IPv4(10, 0, 0, 5)) || conn.ForwardPort != 9001 {
		t.Fatalf("forward address not captured: %v:%d", conn.ForwardIP, conn.ForwardPort)
	}
	if conn.PacketsReceived != 1 || conn.BytesReceived != uint64(len(pkt)) {
		t.Fatalf("receive counters: packets=%d bytes=%d", conn.PacketsReceived, conn.BytesReceived)
	}
}

func TestConnectionReadRejectsBadProtocol(t *testing.T) {
	peerFd, connFd := newSocketPair(t)
	conn := NewConnection(connFd, "00000001", net.IPv4(127, 0, 0, 1), 4000)

	pkt := wire.BuildPacket(net.IPv4zero, 0, "x")
	pkt[2] = 2 // corrupt protocol byte
	if _, err := unix.Write(peerFd, pkt); err != nil {
		t.Fatalf("write: %v", err)
	}

	var gotErr error
	for i := 0; i < 10 && gotErr == nil; i++ {
		_, _, err := conn.Read()
		gotErr = err
	}
	if gotErr != wire.ErrBadProtocol {
		t.Fatalf("expected ErrBadProtocol, got %v", gotErr)
	}
}

func TestConnectionReadDetectsPeerClose(t *testing.T) {
	peerFd, connFd := newSocketPair(t)
	conn := NewConnection(connFd, "00000001", net.IPv4(127, 0, 0, 1), 4000)
	unix.Close(peerFd)

	// Closing the peer immediately may surface as EOF only after the
	// kernel delivers it; poll briefly.
	var err error
	for i := 0; i < 50; i++ {
		_, _, err = conn.Read()
		if err != nil {
			break
		}
	}
	if err != ErrPeerClosed {
		t.Fatalf("expected ErrPeerClosed, got %v", err)
	}
}

func TestConnectionSendFullyFlushesSmallFrame(t *testing.T) {
	peerFd, connFd := newSocketPair(t)
	conn := NewConnection(connFd, "00000001", net.IPv4(127, 0, 0, 1), 4000)

	pkt := wire.BuildPacket(net.IPv4zero, 0, "AN", "1", "2", "PONG")
	if err := conn.Send(pkt); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if conn.HasSendResidue() {
		t.Fatalf("expected no residue for a small frame")
	}

	buf := make([]byte, len(pkt))
	n, err := unix.Read(peerFd, buf)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if n != len(pkt) {
		t.Fatalf("short read: got %d want %d", n, len(pkt))
	}
}

func TestConnectionSendBuffersResidueUnderBackpressure(t *testing.T) {
	peerFd, connFd := newSocketPair(t)
	defer unix.Close(peerFd)
	conn := NewConnection(connFd, "00000001", net.IPv4(127, 0, 0, 1), 4000)

	// Shrink both ends' buffers so a large write cannot be accepted in
	// one go, forcing the partial-write / residue path (scenario 4).
	_ = unix.SetsockoptInt(connFd, unix.SOL_SOCKET, unix.SO_SNDBUF, 256)
	_ = unix.SetsockoptInt(peerFd, unix.SOL_SOCKET, unix.SO_RCVBUF, 256)

	big := make([]byte, 64*1024)
	for i := range big {
		big[i] = byte(i)
	}

	if err := conn.Send(big); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !conn.HasSendResidue() {
		t.Fatalf("expected residue after oversized send under small sndbuf")
	}

	// A second frame sent while residue is pending must be dropped, not
	// queued (spec.md §4.1 "Writing", design note "loss-tolerant send").
	second := wire.BuildPacket(net.IPv4zero, 0, "dropped")
	if err := conn.Send(second); err != nil {
		t.Fatalf("Send (should drop): %v", err)
	}

	// Drain the peer and keep flushing until the residue clears.
	drained := make([]byte, 0, len(big))
	for i := 0; i < 1000 && conn.HasSendResidue(); i++ {
		if err := conn.Send(nil); err != nil {
			t.Fatalf("flush: %v", err)
		}
		buf := make([]byte, 4096)
		for {
			n, err := unix.Read(peerFd, buf)
			if n > 0 {
				drained = append(drained, buf[:n]...)
			}
			if n <= 0 || err != nil {
				break
			}
		}
	}
	if conn.HasSendResidue() {
		t.Fatalf("residue never cleared")
	}
	if len(drained) != len(big) {
		t.Fatalf("drained %d bytes, want %d (second frame must not appear)", len(drained), len(big))
	}
}
