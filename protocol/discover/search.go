package discover

import (
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/KeckObservatory/mKTL/config"
	"github.com/KeckObservatory/mKTL/errors"
)

// DefaultWindow bounds how long a search collects responses after the
// discovery call goes out.
const DefaultWindow = 500 * time.Millisecond

// Search broadcasts the discovery call on the given port and collects
// (address, advertised port) pairs over the window. Addresses in targets
// are additionally probed directly, which reaches hosts that broadcast
// traffic does not.
func Search(port int, window time.Duration, targets []string) ([]Endpoint, error) {
	if window <= 0 {
		window = DefaultWindow
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, errors.Wrap(err, "discover", "Search", "udp socket")
	}
	defer func() {
		_ = conn.Close()
	}()

	for _, target := range targets {
		addr := &net.UDPAddr{IP: net.ParseIP(target), Port: port}
		if addr.IP == nil {
			resolved, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(target, "0"))
			if err != nil {
				continue
			}
			addr.IP = resolved.IP
		}
		_, _ = conn.WriteToUDP(call, addr)
	}

	broadcast := &net.UDPAddr{IP: net.IPv4bcast, Port: port}
	if _, err := conn.WriteToUDP(call, broadcast); err != nil {
		// Broadcast may be administratively disabled; targeted probes
		// can still answer.
		if len(targets) == 0 {
			return nil, errors.Wrap(err, "discover", "Search", "udp broadcast")
		}
	}

	deadline := time.Now().Add(window)
	buffer := make([]byte, 4096)
	seen := make(map[string]bool)

	var found []Endpoint

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		if err := conn.SetReadDeadline(time.Now().Add(remaining)); err != nil {
			break
		}

		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			break
		}

		rep, ok := parseResponse(buffer[:n])
		if !ok {
			continue
		}

		endpoint := Endpoint{Address: addr.IP.String(), Port: rep}
		if seen[endpoint.String()] {
			continue
		}
		seen[endpoint.String()] = true
		found = append(found, endpoint)
	}

	return found, nil
}

// SearchDirect finds authoritative daemons on the direct port.
func SearchDirect(window time.Duration) ([]Endpoint, error) {
	return Search(DirectPort, window, nil)
}

// SearchRegistries finds registry brokers, trying remembered addresses
// alongside the broadcast, and remembers whatever answers for next time.
func SearchRegistries(window time.Duration) ([]Endpoint, error) {
	found, err := Search(RegistryPort, window, preloadRegistries())
	if err != nil {
		return nil, err
	}

	if len(found) > 0 {
		rememberRegistries(found)
	}

	return found, nil
}

// preloadRegistries assembles addresses worth probing directly: the
// hand-maintained registries file plus the cache of previously found
// brokers. Comments and blank lines are ignored.
func preloadRegistries() []string {
	dir, err := config.ClientDir()
	if err != nil {
		return nil
	}

	var addresses []string

	for _, name := range []string{"registries", "registries.cache"} {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}

		for _, line := range strings.Split(string(raw), "\n") {
			line, _, _ = strings.Cut(line, "#")
			for _, field := range strings.Fields(line) {
				addresses = append(addresses, field)
			}
		}
	}

	return addresses
}

// rememberRegistries merges found brokers into the on-disk cache. There
// is no provision for expiring entries that stop responding; the set is
// small and a stale probe costs one datagram.
func rememberRegistries(found []Endpoint) {
	dir, err := config.ClientDir()
	if err != nil {
		return
	}

	if err := os.MkdirAll(dir, 0o775); err != nil {
		return
	}

	target := filepath.Join(dir, "registries.cache")

	known := make(map[string]bool)

	if raw, err := os.ReadFile(target); err == nil {
		for _, line := range strings.Split(string(raw), "\n") {
			line, _, _ = strings.Cut(line, "#")
			line = strings.TrimSpace(line)
			if line != "" {
				known[line] = true
			}
		}
	}

	for _, endpoint := range found {
		known[endpoint.Address] = true
	}

	lines := make([]string, 0, len(known)+1)
	for address := range known {
		lines = append(lines, address)
	}
	sort.Strings(lines)

	contents := "# This file is generated automatically.\n" + strings.Join(lines, "\n") + "\n"
	_ = os.WriteFile(target, []byte(contents), 0o664)
}
