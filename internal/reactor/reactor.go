// Package reactor provides the readiness-multiplexing primitive the
// event loop is built on: register raw socket file descriptors, wait
// for read/write readiness with a bounded timeout, and get back exactly
// the set of descriptors that are ready. There is no precedent for this
// in the teacher project (github.com/xtaci/kcptun delegates
// multiplexing to goroutine-per-stream blocking I/O over KCP/UDP); the
// shape here instead follows the single-loop reactor visible in the
// gnet-derived engine bundled by the pack's
// entertainment-venue-rcproxy, whose own dependency list is where
// golang.org/x/sys is pulled from.
package reactor

import "time"

// Event reports readiness for one registered descriptor.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
}

// Poller multiplexes readiness across many file descriptors. A Poller
// is owned by exactly one goroutine; Wait must not be called
// concurrently with Add/Remove/SetWriteInterest from another goroutine.
type Poller interface {
	// Add registers fd for read readiness. Write readiness is off until
	// SetWriteInterest(fd, true) is called.
	Add(fd int) error
	// Remove deregisters fd. Safe to call even if fd was never added.
	Remove(fd int) error
	// SetWriteInterest toggles whether fd is also polled for writability,
	// mirroring the event loop's write-interest set: only connections
	// with pending send residue are polled for writability.
	SetWriteInterest(fd int, want bool) error
	// Wait blocks up to timeout for at least one ready descriptor,
	// appending ready events to dst and returning the extended slice.
	Wait(timeout time.Duration, dst []Event) ([]Event, error)
	// Close releases the poller's resources.
	Close() error
}
