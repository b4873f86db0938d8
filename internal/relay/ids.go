package relay

import (
	"crypto/rand"
	"fmt"
	"sync/atomic"
)

// idSeq is a monotonic hex-id generator shared by connection ids, scene
// ids and request ids. Each gets its own counter but the same shape:
// an 8-hex-digit id starting at 0x10001, exactly as spec.md §4.4/§4.6
// describes for connIds, sceneIds and requestIds.
type idSeq struct {
	next uint32
}

func newIDSeq() *idSeq {
	return &idSeq{next: 0x10001}
}

// Next returns the next id in the sequence as 8 lowercase hex chars.
func (s *idSeq) Next() string {
	v := atomic.AddUint32(&s.next, 1) - 1
	return fmt.Sprintf("%08x", v)
}

// randomClientID returns an 8-hex-char id drawn from a CSPRNG, used for
// ENTER's client id assignment (spec.md §4.5).
func randomClientID() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%02x%02x%02x%02x", b[0], b[1], b[2], b[3]), nil
}
