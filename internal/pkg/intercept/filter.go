package intercept

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Protocols a FilterSpec may restrict a flow to. An empty protocol selects
// both TCP and UDP.
const (
	ProtocolAny = ""
	ProtocolTCP = "tcp"
	ProtocolUDP = "udp"
)

var ErrInvalidFilter = errors.New("invalid flow filter")

// FilterSpec selects the outbound flow to delay.
type FilterSpec struct {
	// LocalPort matches packets sent from this local port (0 = any).
	LocalPort int
	// RemoteAddr matches packets sent to this address ("" = any).
	RemoteAddr string
	// Protocol restricts the flow to tcp or udp.
	Protocol string
}

// Validate checks that the spec selects something and that every field is
// well formed.
func (s FilterSpec) Validate() error {
	if s.LocalPort == 0 && s.RemoteAddr == "" {
		return fmt.Errorf("%w: a local port or a remote address is required", ErrInvalidFilter)
	}
	if s.LocalPort < 0 || s.LocalPort > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidFilter, s.LocalPort)
	}
	if s.RemoteAddr != "" && net.ParseIP(s.RemoteAddr) == nil {
		return fmt.Errorf("%w: %q is not an IP address", ErrInvalidFilter, s.RemoteAddr)
	}
	switch strings.ToLower(s.Protocol) {
	case ProtocolAny, ProtocolTCP, ProtocolUDP:
	default:
		return fmt.Errorf("%w: unsupported protocol %q", ErrInvalidFilter, s.Protocol)
	}
	return nil
}

// Protocols returns the transport protocols the spec covers.
func (s FilterSpec) Protocols() []string {
	switch p := strings.ToLower(s.Protocol); p {
	case ProtocolTCP, ProtocolUDP:
		return []string{p}
	default:
		return []string{ProtocolTCP, ProtocolUDP}
	}
}

// String renders the spec for logs.
func (s FilterSpec) String() string {
	var parts []string
	if s.Protocol != "" {
		parts = append(parts, strings.ToLower(s.Protocol))
	}
	if s.LocalPort != 0 {
		parts = append(parts, fmt.Sprintf("localPort == %d", s.LocalPort))
	}
	if s.RemoteAddr != "" {
		parts = append(parts, "remoteAddr == "+s.RemoteAddr)
	}
	return "outbound and " + strings.Join(parts, " and ")
}
