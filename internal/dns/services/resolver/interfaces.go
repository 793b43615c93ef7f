package resolver

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
)

// QueryProcessor answers one decoded query. Implementations must be safe for
// concurrent use; a connection dispatches pipelined queries in parallel.
type QueryProcessor interface {
	Process(ctx context.Context, req *dns.Msg, client net.Addr) (Result, error)
}

// Result is the outcome of processing one query. Exactly one of Msg and
// Transfer is set; a non-nil Transfer tags the exchange as a zone transfer.
type Result struct {
	Msg      *dns.Msg
	Transfer TransferStream
}

// TransferStream yields the messages of a zone transfer in order and returns
// io.EOF after the last one.
type TransferStream interface {
	Next(ctx context.Context) (*dns.Msg, error)
}

// ServerTransport defines the interface for DNS server transport implementations.
type ServerTransport interface {
	// Start begins accepting requests and handing them to processor.
	Start(ctx context.Context, processor QueryProcessor) error

	// Stop closes the listening socket and every open connection.
	Stop() error

	// Address returns the network address the transport is bound to.
	Address() string
}

// ZoneStore provides authoritative data for the zones this server serves.
type ZoneStore interface {
	FindZone(name string) (origin string, ok bool)
	Lookup(origin, name string, qtype uint16) (records []dns.RR, nameExists bool)
	SOA(origin string) (dns.RR, bool)
	Records(origin string) ([]dns.RR, bool)
}

// Answer is the cacheable part of an authoritative response.
type Answer struct {
	Rcode  int
	Answer []dns.RR
	Ns     []dns.RR
}

// TTL returns the smallest TTL in the answer, or zero if it holds no records.
func (a Answer) TTL() time.Duration {
	var ttl uint32
	first := true
	for _, set := range [][]dns.RR{a.Answer, a.Ns} {
		for _, rr := range set {
			if t := rr.Header().Ttl; first || t < ttl {
				ttl, first = t, false
			}
		}
	}
	return time.Duration(ttl) * time.Second
}

// Cache stores answers by question key.
type Cache interface {
	Get(key string) (Answer, bool)
	Set(key string, answer Answer)
	Purge()
	Len() int
}
