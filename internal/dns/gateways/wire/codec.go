// Package wire frames DNS messages for stream transports (RFC 1035 §4.2.2)
// and extracts the per-message signals the connection state machine needs.
package wire

import (
	"errors"
	"time"

	"github.com/miekg/dns"
)

var (
	// ErrIncomplete means the buffer does not yet hold a whole framed message.
	ErrIncomplete = errors.New("incomplete message")

	// ErrMalformed means a whole frame was received but could not be parsed.
	ErrMalformed = errors.New("malformed message")
)

// Request is one decoded inbound message.
type Request struct {
	Msg *dns.Msg

	// Keepalive is set when the message carries the EDNS0 TCP keepalive option.
	Keepalive bool

	// Transfer is set for AXFR and IXFR queries.
	Transfer bool

	// Size is the length of the message without its length prefix.
	Size int
}

// StreamCodec decodes length-prefixed messages from a byte stream and encodes
// responses for it.
type StreamCodec interface {
	// Decode parses the first message in buf and returns the number of bytes
	// consumed. It returns ErrIncomplete, consuming nothing, when more input
	// is needed, and ErrMalformed, consuming the bad frame, when the frame
	// cannot be parsed.
	Decode(buf []byte) (Request, int, error)

	// Encode packs msg with its length prefix. A positive advertise value is
	// sent to the client as the EDNS0 TCP keepalive timeout.
	Encode(msg *dns.Msg, advertise time.Duration) ([]byte, error)
}
