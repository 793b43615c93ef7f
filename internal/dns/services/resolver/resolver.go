// Package resolver answers queries from authoritative zone data and streams
// zone transfers.
package resolver

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/miekg/dns"

	"github.com/haukened/rr-tcpd/internal/dns/common/log"
)

const (
	// DefaultTransferBatch is the number of records carried per transfer message.
	DefaultTransferBatch = 100

	// DefaultMaxAliasDepth bounds in-zone CNAME chains.
	DefaultMaxAliasDepth = 8
)

type Authority struct {
	zones         ZoneStore
	cache         Cache
	logger        log.Logger
	transferBatch int
	maxAliasDepth int
}

type AuthorityOptions struct {
	Zones         ZoneStore
	Cache         Cache
	Logger        log.Logger
	TransferBatch int
	MaxAliasDepth int
}

// NewAuthority builds an Authority. Cache may be nil. Zero batch and depth
// values select the defaults.
func NewAuthority(opts AuthorityOptions) *Authority {
	a := &Authority{
		zones:         opts.Zones,
		cache:         opts.Cache,
		logger:        opts.Logger,
		transferBatch: opts.TransferBatch,
		maxAliasDepth: opts.MaxAliasDepth,
	}
	if a.logger == nil {
		a.logger = log.GetLogger()
	}
	if a.transferBatch <= 0 {
		a.transferBatch = DefaultTransferBatch
	}
	if a.maxAliasDepth <= 0 {
		a.maxAliasDepth = DefaultMaxAliasDepth
	}
	return a
}

// Process implements QueryProcessor.
func (a *Authority) Process(ctx context.Context, req *dns.Msg, client net.Addr) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if req.Opcode != dns.OpcodeQuery {
		return Result{Msg: a.reply(req, Answer{Rcode: dns.RcodeNotImplemented})}, nil
	}
	if len(req.Question) != 1 {
		return Result{Msg: a.reply(req, Answer{Rcode: dns.RcodeFormatError})}, nil
	}

	q := req.Question[0]
	if q.Qclass != dns.ClassINET && q.Qclass != dns.ClassANY {
		return Result{Msg: a.reply(req, Answer{Rcode: dns.RcodeRefused})}, nil
	}

	switch q.Qtype {
	case dns.TypeAXFR, dns.TypeIXFR:
		return a.transfer(req, q, client), nil
	}

	origin, ok := a.zones.FindZone(q.Name)
	if !ok {
		a.logger.Debug(map[string]any{"query": q.Name, "client": addrString(client)}, "query outside served zones")
		return Result{Msg: a.reply(req, Answer{Rcode: dns.RcodeRefused})}, nil
	}

	key := cacheKey(q)
	if a.cache != nil {
		if ans, ok := a.cache.Get(key); ok {
			return Result{Msg: a.reply(req, ans)}, nil
		}
	}

	ans, err := a.resolve(origin, q)
	if err != nil {
		a.logger.Warn(map[string]any{"query": q.Name, "type": dns.TypeToString[q.Qtype], "error": err}, "authoritative lookup failed")
		return Result{Msg: a.reply(req, Answer{Rcode: dns.RcodeServerFailure})}, nil
	}
	if a.cache != nil {
		a.cache.Set(key, ans)
	}
	return Result{Msg: a.reply(req, ans)}, nil
}

func (a *Authority) resolve(origin string, q dns.Question) (Answer, error) {
	records, exists := a.zones.Lookup(origin, q.Name, q.Qtype)
	if len(records) > 0 {
		return Answer{Rcode: dns.RcodeSuccess, Answer: records}, nil
	}
	if q.Qtype != dns.TypeCNAME {
		if aliases, _ := a.zones.Lookup(origin, q.Name, dns.TypeCNAME); len(aliases) > 0 {
			return a.chase(q, aliases)
		}
	}
	return a.negative(origin, exists), nil
}

// negative returns NODATA when the name exists and NXDOMAIN otherwise, with
// the zone's SOA in the authority section (RFC 2308).
func (a *Authority) negative(origin string, nameExists bool) Answer {
	ans := Answer{Rcode: dns.RcodeNameError}
	if nameExists {
		ans.Rcode = dns.RcodeSuccess
	}
	if soa, ok := a.zones.SOA(origin); ok {
		ans.Ns = []dns.RR{soa}
	}
	return ans
}

func (a *Authority) reply(req *dns.Msg, ans Answer) *dns.Msg {
	m := new(dns.Msg)
	m.SetRcode(req, ans.Rcode)
	m.Authoritative = ans.Rcode == dns.RcodeSuccess || ans.Rcode == dns.RcodeNameError
	m.Answer = ans.Answer
	m.Ns = ans.Ns
	if opt := req.IsEdns0(); opt != nil {
		m.SetEdns0(dns.DefaultMsgSize, opt.Do())
	}
	return m
}

// transfer streams the zone named by q: SOA, every other record, SOA. IXFR is
// answered with a full transfer (RFC 1995 §4).
func (a *Authority) transfer(req *dns.Msg, q dns.Question, client net.Addr) Result {
	origin := dns.CanonicalName(q.Name)
	soa, ok := a.zones.SOA(origin)
	if !ok {
		a.logger.Info(map[string]any{"zone": origin, "client": addrString(client)}, "transfer refused for unknown zone")
		return Result{Msg: a.reply(req, Answer{Rcode: dns.RcodeNotAuth})}
	}
	body, _ := a.zones.Records(origin)

	rrs := make([]dns.RR, 0, len(body)+2)
	rrs = append(rrs, soa)
	rrs = append(rrs, body...)
	rrs = append(rrs, soa)

	a.logger.Info(map[string]any{
		"zone":    origin,
		"client":  addrString(client),
		"records": len(rrs),
		"type":    dns.TypeToString[q.Qtype],
	}, "starting zone transfer")
	return Result{Transfer: &transferStream{req: req, rrs: rrs, batch: a.transferBatch}}
}

type transferStream struct {
	req   *dns.Msg
	rrs   []dns.RR
	batch int
	off   int
}

func (s *transferStream) Next(ctx context.Context) (*dns.Msg, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.off >= len(s.rrs) {
		return nil, io.EOF
	}
	end := min(s.off+s.batch, len(s.rrs))

	m := new(dns.Msg)
	m.SetReply(s.req)
	m.Authoritative = true
	m.Answer = s.rrs[s.off:end]
	s.off = end
	return m, nil
}

func cacheKey(q dns.Question) string {
	return fmt.Sprintf("%s|%d|%d", strings.ToLower(q.Name), q.Qtype, q.Qclass)
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

var _ QueryProcessor = (*Authority)(nil)
