package peer

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrInvalidPeer is returned when a peer address cannot be parsed.
var ErrInvalidPeer = errors.New("peer: invalid address")

// Endpoint is the ip:port a chunkserver listens on.
type Endpoint struct {
	IP   string
	Port int
}

// String returns ip:port, bracketing IPv6 hosts.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(e.Port))
}

// ParseEndpoint parses an ip:port pair.
func ParseEndpoint(s string) (Endpoint, error) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %q: %v", ErrInvalidPeer, s, err)
	}
	return newEndpoint(s, host, port)
}

func newEndpoint(raw, host, port string) (Endpoint, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return Endpoint{}, fmt.Errorf("%w: %q: bad ip %q", ErrInvalidPeer, raw, host)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return Endpoint{}, fmt.Errorf("%w: %q: bad port %q", ErrInvalidPeer, raw, port)
	}
	return Endpoint{IP: ip.String(), Port: p}, nil
}

// Peer is a replica address in the form ip:port:index. The index allows
// several replicas of one group to share a process, and is 0 in practice.
type Peer struct {
	Endpoint
	Index int
}

// String returns the canonical ip:port:index form.
func (p Peer) String() string {
	return p.Endpoint.String() + ":" + strconv.Itoa(p.Index)
}

// Parse accepts ip:port:index or ip:port. IPv6 hosts must be bracketed.
func Parse(s string) (Peer, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Peer{}, fmt.Errorf("%w: empty", ErrInvalidPeer)
	}

	hostPort, index := s, "0"
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return Peer{}, fmt.Errorf("%w: %q: unterminated ipv6 host", ErrInvalidPeer, s)
		}
		rest := strings.SplitN(s[end+1:], ":", 3)
		// rest[0] is the empty string before the port separator
		switch len(rest) {
		case 2:
			hostPort = s[:end+1] + ":" + rest[1]
		case 3:
			hostPort, index = s[:end+1]+":"+rest[1], rest[2]
		default:
			return Peer{}, fmt.Errorf("%w: %q: missing port", ErrInvalidPeer, s)
		}
	} else {
		parts := strings.Split(s, ":")
		switch len(parts) {
		case 2:
		case 3:
			hostPort, index = parts[0]+":"+parts[1], parts[2]
		default:
			return Peer{}, fmt.Errorf("%w: %q", ErrInvalidPeer, s)
		}
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return Peer{}, fmt.Errorf("%w: %q: %v", ErrInvalidPeer, s, err)
	}
	ep, err := newEndpoint(s, host, port)
	if err != nil {
		return Peer{}, err
	}
	idx, err := strconv.Atoi(index)
	if err != nil || idx < 0 {
		return Peer{}, fmt.Errorf("%w: %q: bad index %q", ErrInvalidPeer, s, index)
	}
	return Peer{Endpoint: ep, Index: idx}, nil
}

// Valid reports whether s is a syntactically valid peer address.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// ParseAll parses every address, failing on the first invalid one.
func ParseAll(addrs []string) ([]Peer, error) {
	out := make([]Peer, 0, len(addrs))
	for _, a := range addrs {
		p, err := Parse(a)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Strings formats peers in canonical form.
func Strings(peers []Peer) []string {
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.String())
	}
	return out
}
