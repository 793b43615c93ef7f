// Package transport serves DNS over stream sockets. Each accepted socket gets
// a Connection that frames messages, hands them to a resolver.QueryProcessor,
// and enforces the per-connection timeouts.
package transport

// TransportType represents the different types of DNS transport protocols supported.
type TransportType string

const (
	// TransportTCP represents DNS over TCP (RFC 1035 §4.2.2, RFC 7766)
	TransportTCP TransportType = "tcp"

	// TransportDoT represents DNS over TLS (RFC 7858) - future implementation
	TransportDoT TransportType = "dot"

	// TransportDoH represents DNS over HTTPS (RFC 8484) - future implementation
	TransportDoH TransportType = "doh"
)
