package transport

import (
	"fmt"
	"net"
	"strconv"
)

// Endpoint identifies a remote socket by host and port.
type Endpoint struct {
	Host string
	Port uint16
}

// String returns the endpoint in "host:port" form, bracketing IPv6 hosts.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// IsZero reports whether e is the zero Endpoint.
func (e Endpoint) IsZero() bool {
	return e.Host == "" && e.Port == 0
}

// ParseEndpoint parses "host:port" into an Endpoint.
//
// Returns:
//   - The parsed Endpoint
//   - An error if addr is not host:port or the port is not in 1..65535
func ParseEndpoint(addr string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", addr, err)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: bad port %q", addr, portStr)
	}

	return Endpoint{Host: host, Port: uint16(port)}, nil
}
