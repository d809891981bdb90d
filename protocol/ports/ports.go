// Package ports assigns listen ports to mKTL sockets. Daemons bind the
// first free port within a protocol-defined range so that restarts tend to
// land on the same number; ports already promised to another daemon are
// avoided until nothing else is left.
package ports

import (
	"fmt"
)

// The automatic assignment ranges. Request sockets and publish sockets
// draw from overlapping ranges with distinct starting points.
const (
	RequestMin = 10079
	RequestMax = 13679
	PublishMin = 10139
	PublishMax = 13679
)

// Listener is the slice of a ZeroMQ socket needed for binding.
type Listener interface {
	Listen(endpoint string) error
}

// Bind binds sock to the fixed port when one is given, or to the first
// free port in [min, max] otherwise. Ports in the avoid set are skipped on
// the first pass and retried only when the rest of the range is exhausted.
// The bound port is returned.
func Bind(sock Listener, fixed, min, max int, avoid map[int]bool) (int, error) {
	if fixed > 0 {
		if err := sock.Listen(endpoint(fixed)); err != nil {
			return 0, fmt.Errorf("port already in use: %d: %w", fixed, err)
		}
		return fixed, nil
	}

	var avoided []int

	for trial := min; trial <= max; trial++ {
		if avoid[trial] {
			avoided = append(avoided, trial)
			continue
		}
		if err := sock.Listen(endpoint(trial)); err == nil {
			return trial, nil
		}
	}

	// There are a lot of ports in the range; surely one of them is
	// available? Re-take an avoided port if it is not actually in use.
	for _, trial := range avoided {
		if err := sock.Listen(endpoint(trial)); err == nil {
			return trial, nil
		}
	}

	return 0, fmt.Errorf("no ports available in range %d:%d", min, max)
}

func endpoint(port int) string {
	return fmt.Sprintf("tcp://0.0.0.0:%d", port)
}
