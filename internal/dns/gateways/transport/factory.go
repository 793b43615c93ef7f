package transport

import (
	"fmt"
	"slices"

	"github.com/haukened/rr-tcpd/internal/dns/services/resolver"
)

// NewTransport creates a new transport instance based on the specified type.
func NewTransport(transportType TransportType, opts Options) (resolver.ServerTransport, error) {
	switch transportType {
	case TransportTCP:
		if opts.Coordinator == nil {
			return nil, fmt.Errorf("TCP transport requires a shutdown coordinator")
		}
		return NewTCPTransport(opts), nil

	case TransportDoT:
		return nil, fmt.Errorf("DNS over TLS transport not yet implemented")

	case TransportDoH:
		return nil, fmt.Errorf("DNS over HTTPS transport not yet implemented")

	default:
		return nil, fmt.Errorf("unsupported transport type: %s", transportType)
	}
}

// GetSupportedTransports returns a list of currently supported transport types.
func GetSupportedTransports() []TransportType {
	return []TransportType{TransportTCP}
}

// IsTransportSupported checks if a given transport type is currently supported.
func IsTransportSupported(transportType TransportType) bool {
	return slices.Contains(GetSupportedTransports(), transportType)
}
