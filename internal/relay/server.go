package relay

import (
	"log"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ndrelay/ndserver/internal/reactor"
	"github.com/ndrelay/ndserver/internal/wire"
)

const (
	// idleProbeThreshold is T/4 from spec.md §4.4's idle state machine:
	// a connection silent this long in both directions gets a PING.
	idleProbeThreshold = 45 * time.Second
	// idleTimeout is T: a connection silent this long since its last
	// receive is closed outright.
	idleTimeout = 180 * time.Second
	// periodicInterval is how often the stats/idle sweep runs.
	periodicInterval = 60 * time.Second
	// pollTimeout bounds a single Poller.Wait call so the periodic pass
	// and the shutdown flag both get checked promptly even when the
	// socket set is quiet.
	pollTimeout = 100 * time.Millisecond
	// acceptBacklog is the listen(2) backlog depth.
	acceptBacklog = 511
)

// Server is the single-threaded event loop described in spec.md §4.6: it
// owns the listen socket, the Poller, and both registries, and runs
// entirely on the goroutine that calls Run. Nothing else may touch the
// registries concurrently (spec.md §5's single-owner model); ConnRegistry
// and SceneRegistry keep their own mutexes only so a diagnostics
// goroutine can read them.
type Server struct {
	listenFd int
	poller   reactor.Poller

	conns    *ConnRegistry
	scenes   *SceneRegistry
	dispatch *Dispatcher
	connIDs  *idSeq
	stats    *Stats

	lastPeriodic time.Time
	trace        int32
	stopping     int32
}

// NewServer binds and listens on addr (host:port, IPv4) and wires up a
// fresh Poller, registries and Dispatcher.
func NewServer(addr string, trace bool) (*Server, error) {
	fd, err := listenTCP(addr)
	if err != nil {
		return nil, err
	}
	poller, err := reactor.New()
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "init poller")
	}
	if err := poller.Add(fd); err != nil {
		unix.Close(fd)
		poller.Close()
		return nil, errors.Wrap(err, "register listen socket")
	}

	conns := NewConnRegistry()
	scenes := NewSceneRegistry()
	dispatch := NewDispatcher(conns, scenes)
	dispatch.Trace = trace

	s := &Server{
		listenFd:     fd,
		poller:       poller,
		conns:        conns,
		scenes:       scenes,
		dispatch:     dispatch,
		connIDs:      newIDSeq(),
		stats:        NewStats(),
		lastPeriodic: time.Now(),
	}
	s.SetTrace(trace)
	return s, nil
}

// listenTCP creates a non-blocking, SO_REUSEADDR IPv4 listen socket by
// hand rather than through net.Listen, since the event loop needs the
// raw fd to register with the Poller (spec.md §4.6's "the hard part").
func listenTCP(addr string) (int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return -1, errors.Wrap(err, "parse listen address")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return -1, errors.Wrap(err, "parse listen port")
	}

	var ip4 [4]byte
	if host != "" {
		ip := net.ParseIP(host).To4()
		if ip == nil {
			return -1, errors.Errorf("listen address %q is not an IPv4 host", host)
		}
		copy(ip4[:], ip)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "setsockopt SO_REUSEADDR")
	}
	sa := &unix.SockaddrInet4{Port: port, Addr: ip4}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "bind")
	}
	if err := unix.Listen(fd, acceptBacklog); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "listen")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "set listen socket non-blocking")
	}
	return fd, nil
}

// SetTrace toggles verbose per-packet/per-connection logging. Safe to
// call from another goroutine (the SIGUSR2 handler calls it this way).
func (s *Server) SetTrace(on bool) {
	var v int32
	if on {
		v = 1
	}
	atomic.StoreInt32(&s.trace, v)
}

// Trace reports whether verbose logging is currently enabled.
func (s *Server) Trace() bool {
	return atomic.LoadInt32(&s.trace) != 0
}

// Stop flips the loop's shutdown flag; Run notices within one
// pollTimeout and closes every connection before returning. Safe to call
// from another goroutine (the signal handler calls it this way).
func (s *Server) Stop() {
	atomic.StoreInt32(&s.stopping, 1)
}

func (s *Server) stopped() bool {
	return atomic.LoadInt32(&s.stopping) != 0
}

// Run drives the event loop until Stop is called. It never returns an
// error from steady-state operation; individual connection failures are
// logged and the offending connection is closed, per spec.md §7.
func (s *Server) Run() error {
	events := make([]reactor.Event, 0, 128)
	for !s.stopped() {
		// The Dispatcher is only touched from this goroutine; copy the
		// atomically-held trace flag into it here.
		s.dispatch.Trace = s.Trace()
		now := time.Now()
		if now.Sub(s.lastPeriodic) >= periodicInterval {
			s.runPeriodic(now)
			s.lastPeriodic = now
		}

		events = events[:0]
		var err error
		events, err = s.poller.Wait(pollTimeout, events)
		if err != nil {
			log.Printf("ndserver: poller wait: %v", err)
			continue
		}

		for _, ev := range events {
			if ev.Fd == s.listenFd {
				s.acceptOne()
				continue
			}
			conn, ok := s.conns.Lookup(ev.Fd)
			if !ok {
				continue
			}
			if ev.Writable {
				s.flushWrite(conn)
			}
			if ev.Readable && !conn.Closed() {
				s.handleReadable(conn)
			}
		}
	}
	return s.shutdownAll()
}

// acceptOne accepts at most one pending connection per listen-socket
// readiness notification, as spec.md §4.6 step 1 specifies; epoll is
// level-triggered here (no EPOLLET), so a fuller backlog simply refires
// readiness on the very next Wait.
func (s *Server) acceptOne() {
	nfd, sa, err := unix.Accept(s.listenFd)
	if err != nil {
		if isRetryable(err) {
			return
		}
		log.Printf("ndserver: accept: %v", err)
		return
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		log.Printf("ndserver: set accepted socket non-blocking: %v", err)
		unix.Close(nfd)
		return
	}

	peerIP, peerPort := sockaddrToIPPort(sa)

	if old, ok := s.conns.Lookup(nfd); ok {
		// The kernel reused a recently-closed fd before our teardown of
		// the stale Connection finished; close it first (spec.md §4.2).
		s.closeConnection(old, errors.New("file descriptor slot reused by a new accept"))
	}

	id := s.connIDs.Next()
	conn := NewConnection(nfd, id, peerIP, peerPort)
	s.conns.Insert(nfd, conn)
	if err := s.poller.Add(nfd); err != nil {
		log.Printf("ndserver: register accepted socket %s: %v", id, err)
		s.conns.Remove(nfd)
		conn.CloseSocket()
		return
	}

	if s.Trace() {
		log.Printf("ndserver: accepted connection %s from %s:%d", id, peerIP, peerPort)
	}
}

func sockaddrToIPPort(sa unix.Sockaddr) (net.IP, uint16) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, 4)
		copy(ip, a.Addr[:])
		return ip, uint16(a.Port)
	default:
		return net.IPv4zero, 0
	}
}

// handleReadable drains every complete frame currently available on
// conn's socket, dispatching each in turn, until a read would block.
func (s *Server) handleReadable(conn *Connection) {
	conn.LastReceiveTime = time.Now()
	for {
		complete, payload, err := conn.Read()
		if err != nil {
			s.closeConnection(conn, err)
			return
		}
		if !complete {
			return
		}

		s.stats.Record(time.Now(), uint64(wire.HeaderSize+len(payload)))

		if err := s.dispatch.Handle(conn, payload); err != nil {
			s.closeConnection(conn, err)
			return
		}
		s.syncWriteInterest(conn)
		if conn.Closed() {
			return
		}
	}
}

// flushWrite attempts to drain a connection's buffered send residue.
func (s *Server) flushWrite(conn *Connection) {
	if err := conn.Send(nil); err != nil {
		s.closeConnection(conn, err)
		return
	}
	s.syncWriteInterest(conn)
}

// syncWriteInterest keeps the Poller's write-readiness bit for conn in
// sync with whether it actually has unsent residue (spec.md §4.6 step 2).
func (s *Server) syncWriteInterest(conn *Connection) {
	if conn.Closed() {
		return
	}
	if err := s.poller.SetWriteInterest(conn.Fd(), conn.HasSendResidue()); err != nil {
		log.Printf("ndserver: set write interest for connection %s: %v", conn.ID, err)
	}
}

// closeConnection runs the cascading teardown of spec.md §4.4: detach
// from scene membership, deregister from the poller and the connection
// registry, and close the raw socket. reason is logged unless it is the
// routine peer-initiated close.
func (s *Server) closeConnection(conn *Connection, reason error) {
	if conn.Closed() {
		return
	}
	fd := conn.Fd()

	if conn.SCU != "" {
		if scene, ok := s.scenes.FindByURL(conn.SCU); ok {
			scene.RemoveMember(fd)
			if scene.Empty() {
				s.scenes.Destroy(scene)
			}
		}
	}

	if err := s.poller.Remove(fd); err != nil {
		log.Printf("ndserver: deregister fd %d: %v", fd, err)
	}
	s.conns.Remove(fd)
	conn.CloseSocket()

	if reason != nil && reason != ErrPeerClosed {
		log.Printf("ndserver: closing connection %s: %v", conn.ID, reason)
	} else if s.Trace() {
		log.Printf("ndserver: connection %s closed by peer", conn.ID)
	}
}

// runPeriodic is the 60-second pass of spec.md §4.4/§4.6: log a
// throughput summary and sweep every connection for idle-probe/timeout.
func (s *Server) runPeriodic(now time.Time) {
	snap := s.stats.Summarize(now)
	log.Printf("ndserver: conns=%d scenes=%d pkts[1s/10s/60s]=%d/%d/%d bytes[1s/10s/60s]=%d/%d/%d",
		s.conns.Size(), s.scenes.Size(),
		snap.Packets1s, snap.Packets10s, snap.Packets60s,
		snap.Bytes1s, snap.Bytes10s, snap.Bytes60s)
	s.idleSweep(now)
}

// idleSweep visits a point-in-time snapshot of live connections (taken
// by ConnRegistry.Each) rather than literally restarting iteration after
// each close; a closed fd is simply absent on re-lookup and skipped,
// which gives the same safety spec.md §4.4 asks for without an explicit
// retry loop.
func (s *Server) idleSweep(now time.Time) {
	s.conns.Each(func(fd int, conn *Connection) {
		if conn.Closed() {
			return
		}
		silentRecv := now.Sub(conn.LastReceiveTime)
		silentSend := now.Sub(conn.LastSendTime)

		if silentRecv > idleTimeout {
			s.closeConnection(conn, errors.New("idle timeout"))
			return
		}
		if silentRecv > idleProbeThreshold && silentSend > idleProbeThreshold {
			ping := wire.BuildPacket(conn.ForwardIP, conn.ForwardPort,
				"RQ", s.dispatch.NextRequestID(), conn.PeerConnID, "PING")
			if err := conn.Send(ping); err != nil {
				s.closeConnection(conn, err)
				return
			}
			s.syncWriteInterest(conn)
		}
	})
}

// shutdownAll closes every live connection and releases the listen
// socket and poller, per spec.md §5's "on the next exit path all
// Connections are closed and then all Scenes" shutdown rule (destroying
// every scene falls out of closeConnection emptying each one).
func (s *Server) shutdownAll() error {
	s.conns.Each(func(fd int, conn *Connection) {
		s.closeConnection(conn, errors.New("server shutting down"))
	})
	s.poller.Remove(s.listenFd)
	unix.Close(s.listenFd)
	return s.poller.Close()
}
