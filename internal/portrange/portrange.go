// Package portrange parses a "host:port" or "host:minport-maxport"
// listen address, letting ndserver stand up one relay instance per port
// in the range the way the teacher's multi-port KCP listener does
// (generic/multiport.go), generalized here to drive independent
// relay.Server instances instead of independent kcp.Listener instances.
package portrange

import (
	"regexp"
	"strconv"

	"github.com/pkg/errors"
)

var addrPattern = regexp.MustCompile(`^(.*):([0-9]{1,5})(?:-([0-9]{1,5}))?$`)

// Range is a parsed listen address spanning one or more consecutive ports.
type Range struct {
	Host    string
	MinPort int
	MaxPort int
}

// Parse accepts "host:port" or "host:minport-maxport". An empty host is
// valid and means "all interfaces".
func Parse(addr string) (Range, error) {
	m := addrPattern.FindStringSubmatch(addr)
	if m == nil {
		return Range{}, errors.Errorf("malformed listen address: %q", addr)
	}

	minPort, err := strconv.Atoi(m[2])
	if err != nil {
		return Range{}, errors.Wrap(err, "parse min port")
	}
	maxPort := minPort
	if m[3] != "" {
		maxPort, err = strconv.Atoi(m[3])
		if err != nil {
			return Range{}, errors.Wrap(err, "parse max port")
		}
	}

	if minPort == 0 || maxPort == 0 || minPort > maxPort || maxPort > 65535 {
		return Range{}, errors.Errorf("invalid port range in %q: %d-%d", addr, minPort, maxPort)
	}

	return Range{Host: m[1], MinPort: minPort, MaxPort: maxPort}, nil
}

// Ports returns every port in the range, each paired with its full
// "host:port" listen address.
func (r Range) Ports() []string {
	addrs := make([]string, 0, r.MaxPort-r.MinPort+1)
	for p := r.MinPort; p <= r.MaxPort; p++ {
		addrs = append(addrs, r.Host+":"+strconv.Itoa(p))
	}
	return addrs
}
