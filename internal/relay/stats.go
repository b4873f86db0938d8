package relay

import (
	"sync"
	"time"
)

const statsIntervalSeconds = 61

// bucket is one second's worth of accumulated traffic.
type bucket struct {
	second  int64 // wall-clock second this bucket currently represents
	valid   bool
	packets uint64
	bytes   uint64
}

// Stats is the per-1-second ring buffer described in spec.md §4.1. It is
// the same "periodic snapshot, drained on demand" shape as the
// teacher's SnmpLogger (std/snmp.go), which ticks over kcp.DefaultSnmp
// instead of a ring it owns directly.
type Stats struct {
	mu      sync.Mutex
	buckets [statsIntervalSeconds]bucket
}

// NewStats returns an empty statistics ring.
func NewStats() *Stats {
	return &Stats{}
}

// Record accumulates one packet of the given size into the bucket for
// the current wall-clock second, zeroing it first if it belonged to an
// earlier second.
func (s *Stats) Record(now time.Time, packetBytes uint64) {
	sec := now.Unix()
	idx := sec % statsIntervalSeconds

	s.mu.Lock()
	b := &s.buckets[idx]
	if !b.valid || b.second != sec {
		b.second = sec
		b.valid = true
		b.packets = 0
		b.bytes = 0
	}
	b.packets++
	b.bytes += packetBytes
	s.mu.Unlock()
}

// Window reports the packet and byte totals for the last n seconds
// (n <= 61), counting only buckets that actually belong to that window.
func (s *Stats) Window(now time.Time, n int) (packets, bytes uint64) {
	if n > statsIntervalSeconds {
		n = statsIntervalSeconds
	}
	sec := now.Unix()

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		target := sec - int64(i)
		idx := ((target % statsIntervalSeconds) + statsIntervalSeconds) % statsIntervalSeconds
		b := &s.buckets[idx]
		if b.valid && b.second == target {
			packets += b.packets
			bytes += b.bytes
		}
	}
	return
}

// Snapshot is the 1/10/60-second aggregate used by the periodic log line.
type Snapshot struct {
	Packets1s, Bytes1s    uint64
	Packets10s, Bytes10s  uint64
	Packets60s, Bytes60s  uint64
}

// Summarize computes the standard 1s/10s/60s snapshot at once.
func (s *Stats) Summarize(now time.Time) Snapshot {
	var snap Snapshot
	snap.Packets1s, snap.Bytes1s = s.Window(now, 1)
	snap.Packets10s, snap.Bytes10s = s.Window(now, 10)
	snap.Packets60s, snap.Bytes60s = s.Window(now, 60)
	return snap
}
