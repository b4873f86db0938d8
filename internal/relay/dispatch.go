package relay

import (
	"log"

	"github.com/pkg/errors"

	"github.com/ndrelay/ndserver/internal/wire"
)

// ErrMalformedPacket is returned for the connection-fatal parse
// failures spec.md §4.5 enumerates: fewer than 4 args, or an empty
// packetId/connId/command.
var ErrMalformedPacket = errors.New("dispatch: malformed packet")

// Dispatcher parses a frame's payload into an argument vector and
// routes it by command tag, mutating Connection/Scene state and
// emitting reply frames as it goes. Error wrapping follows the
// teacher's pkg/errors convention (generic/multiport.go,
// server/listen_linux.go): connection-fatal conditions are returned as
// errors for the caller to translate into a close, exactly as spec.md
// §7's propagation rule requires.
type Dispatcher struct {
	conns  *ConnRegistry
	scenes *SceneRegistry
	reqIDs *idSeq
	Trace  bool
}

// NewDispatcher builds a Dispatcher over the given registries.
func NewDispatcher(conns *ConnRegistry, scenes *SceneRegistry) *Dispatcher {
	return &Dispatcher{conns: conns, scenes: scenes, reqIDs: newIDSeq()}
}

// NextRequestID draws from the same monotonic counter the SET fan-out
// uses, since spec.md §4.4 specifies a single process-wide request-id
// generator shared by every caller (including the idle-probe PING the
// event loop emits directly).
func (d *Dispatcher) NextRequestID() string {
	return d.reqIDs.Next()
}

// Handle parses payload and dispatches it. A non-nil error means the
// originating connection must be closed by the caller (spec.md §7
// propagation rule: "handlers return <0 only for connection-fatal
// conditions").
func (d *Dispatcher) Handle(conn *Connection, payload []byte) error {
	args := wire.ParseArgs(payload)
	if len(args) < 4 || args[1] == "" || args[2] == "" || args[3] == "" {
		return ErrMalformedPacket
	}

	tag0, packetID, peerConnID, command := args[0], args[1], args[2], args[3]
	conn.PeerConnID = peerConnID

	if tag0 != "RQ" {
		if tag0 == "AN" && d.Trace {
			log.Printf("ndserver: ignoring AN echoed back by connection %s", conn.ID)
		}
		return nil
	}

	switch command {
	case "ENTER":
		return d.handleEnter(conn, packetID, peerConnID, args[4:])
	case "SET":
		return d.handleSet(conn, packetID, peerConnID, args[4:])
	case "PING":
		return d.handlePing(conn, packetID, peerConnID)
	case "BYE":
		return d.handleBye(conn, packetID, peerConnID, args[4:])
	default:
		return nil
	}
}

// pairsFrom scans a sub-argument slice two tokens at a time, returning
// a key->value map. A trailing unmatched key is dropped.
func pairsFrom(args []string) map[string]string {
	m := make(map[string]string, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		m[args[i]] = args[i+1]
	}
	return m
}

func validDeclaredName(s string) bool {
	if s == "" {
		return false
	}
	c := s[0]
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func (d *Dispatcher) handleEnter(conn *Connection, packetID, peerConnID string, sub []string) error {
	if conn.SCU != "" {
		// Idempotent guard: a second ENTER on an already-joined
		// connection is silently ignored (spec.md §4.5).
		return nil
	}

	kv := pairsFrom(sub)
	nnm, scn, scu := kv["NNM"], kv["SCN"], kv["SCU"]
	if !validDeclaredName(nnm) || !validDeclaredName(scn) || !validDeclaredName(scu) {
		return errors.Wrap(ErrMalformedPacket, "ENTER")
	}

	clientID, err := randomClientID()
	if err != nil {
		return errors.Wrap(err, "generate client id")
	}

	scene, _ := d.scenes.GetOrCreate(scu, scn)
	scene.AddMember(conn.Fd())

	conn.ClientID, conn.NNM, conn.SCN, conn.SCU = clientID, nnm, scn, scu

	reply := wire.BuildPacket(conn.ForwardIP, conn.ForwardPort,
		"AN", packetID, peerConnID, "HI",
		"CLID", clientID, "SCID", scene.ID, "NNM", nnm)
	return conn.Send(reply)
}

func (d *Dispatcher) handleSet(conn *Connection, packetID, peerConnID string, sub []string) error {
	if conn.SCU == "" {
		log.Printf("ndserver: SET from %s before any ENTER, ignoring", conn.ID)
		return nil
	}
	scene, ok := d.scenes.FindByURL(conn.SCU)
	if !ok {
		log.Printf("ndserver: SET from %s references unknown scene %s, ignoring", conn.ID, conn.SCU)
		return nil
	}

	var scid, key, value string
	var haveKey, haveValue bool
	for i := 0; i < len(sub); {
		switch sub[i] {
		case "SCID":
			if i+1 < len(sub) {
				scid = sub[i+1]
			}
			i += 2
		case "CHID":
			// CHID consumes its value and is otherwise discarded.
			i += 2
		default:
			if !haveKey {
				key = sub[i]
				haveKey = true
				if i+1 < len(sub) {
					value = sub[i+1]
					haveValue = true
				}
				i += 2
			} else {
				i++
			}
		}
	}

	if scid == "" || scid != scene.ID || key == "" || !haveValue {
		log.Printf("ndserver: SET validation failed on connection %s", conn.ID)
		return nil
	}

	ack := wire.BuildPacket(conn.ForwardIP, conn.ForwardPort, "AN", packetID, peerConnID, "OK")
	if err := conn.Send(ack); err != nil {
		return err
	}

	// Fan out to every member of the scene, including the originator.
	// Per spec.md §9's flagged open question, a fatal send to any
	// recipient aborts the fan-out and is propagated up, which closes
	// the *originating* connection even though the fault lies with a
	// different peer. Preserved here deliberately rather than "fixed",
	// per the spec's explicit instruction to keep this behavior but
	// flag it.
	for fd := range scene.Members() {
		member, ok := d.conns.Lookup(fd)
		if !ok {
			continue
		}
		reqID := d.reqIDs.Next()
		pkt := wire.BuildPacket(member.ForwardIP, member.ForwardPort,
			"RQ", reqID, member.PeerConnID, "SET", "SCID", scid, key, value)
		if err := member.Send(pkt); err != nil {
			return errors.Wrap(err, "fan-out to scene member")
		}
	}
	return nil
}

func (d *Dispatcher) handlePing(conn *Connection, packetID, peerConnID string) error {
	reply := wire.BuildPacket(conn.ForwardIP, conn.ForwardPort, "AN", packetID, peerConnID, "PONG")
	return conn.Send(reply)
}

func (d *Dispatcher) handleBye(conn *Connection, packetID, peerConnID string, sub []string) error {
	kv := pairsFrom(sub)
	clid, ok := kv["CLID"]
	if !ok || clid != conn.ClientID {
		// Mismatched or missing CLID: silently ignored, connection stays open.
		return nil
	}

	reply := wire.BuildPacket(conn.ForwardIP, conn.ForwardPort, "AN", packetID, peerConnID)
	if err := conn.Send(reply); err != nil {
		return err
	}

	if conn.SCU != "" {
		if scene, ok := d.scenes.FindByURL(conn.SCU); ok {
			scene.RemoveMember(conn.Fd())
			if scene.Empty() {
				d.scenes.Destroy(scene)
			}
		}
	}
	conn.SCU = ""
	conn.ForwardIP = nil
	conn.ForwardPort = 0
	return nil
}
