package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint identifies a peer process. Instance is a UUID minted at process
// start, so a restarted process at the same address is a distinct identity.
type Endpoint struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Instance string `json:"instance,omitempty"`
}

// Addr returns the dialable host:port form.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	if e.Instance == "" {
		return e.Addr()
	}
	return e.Addr() + "#" + e.Instance
}

// IsZero reports whether the endpoint is unset.
func (e Endpoint) IsZero() bool {
	return e.Host == "" && e.Port == 0
}

// ParseEndpoint parses "host:port" or "host:port#instance".
func ParseEndpoint(s string) (Endpoint, error) {
	var instance string
	if i := strings.IndexByte(s, '#'); i >= 0 {
		instance = s[i+1:]
		s = s[:i]
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("bad endpoint %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("bad endpoint port %q: %w", portStr, err)
	}
	return Endpoint{Host: host, Port: port, Instance: instance}, nil
}
