package resolver

import (
	"errors"
	"fmt"

	"github.com/miekg/dns"
)

var (
	// ErrAliasDepthExceeded is returned when the number of CNAME indirections
	// encountered during a chase exceeds the configured maximum depth.
	ErrAliasDepthExceeded = errors.New("alias resolution max depth exceeded")
	// ErrAliasLoopDetected is returned when a previously visited owner name
	// reappears in the CNAME chain.
	ErrAliasLoopDetected = errors.New("alias loop detected")
	// ErrAliasTargetInvalid indicates the CNAME target was missing or invalid.
	ErrAliasTargetInvalid = errors.New("alias target invalid")
)

// chase expands a CNAME chain that starts at head (RFC 1034 §3.6.2) across the
// zones this server is authoritative for. The answer holds every hop followed
// by the terminal RRset. A target outside the served zones ends the chain with
// the hops gathered so far; a missing terminal RRset yields NODATA or NXDOMAIN
// for the last name in the chain (RFC 6604).
func (a *Authority) chase(q dns.Question, head []dns.RR) (Answer, error) {
	chain := make([]dns.RR, 0, 4)
	visited := make(map[string]struct{})
	current := head

	for depth := 1; ; depth++ {
		cname, ok := current[0].(*dns.CNAME)
		if !ok {
			return Answer{}, fmt.Errorf("%w: %s is not a CNAME", ErrAliasTargetInvalid, current[0].Header().Name)
		}
		owner := dns.CanonicalName(cname.Hdr.Name)

		if depth > a.maxAliasDepth {
			a.logger.Warn(map[string]any{
				"query":       q.Name,
				"alias_name":  owner,
				"alias_depth": depth,
			}, "Alias depth exceeded")
			return Answer{}, ErrAliasDepthExceeded
		}
		if _, seen := visited[owner]; seen {
			a.logger.Warn(map[string]any{
				"query":       q.Name,
				"alias_name":  owner,
				"alias_depth": depth,
			}, "Alias loop detected")
			return Answer{}, ErrAliasLoopDetected
		}
		visited[owner] = struct{}{}
		chain = append(chain, cname)

		if cname.Target == "" {
			return Answer{}, fmt.Errorf("%w: empty for %s", ErrAliasTargetInvalid, owner)
		}
		target := dns.CanonicalName(cname.Target)

		origin, ok := a.zones.FindZone(target)
		if !ok {
			return Answer{Rcode: dns.RcodeSuccess, Answer: chain}, nil
		}

		records, exists := a.zones.Lookup(origin, target, q.Qtype)
		if len(records) > 0 {
			return Answer{Rcode: dns.RcodeSuccess, Answer: append(chain, records...)}, nil
		}
		next, _ := a.zones.Lookup(origin, target, dns.TypeCNAME)
		if len(next) == 0 {
			ans := a.negative(origin, exists)
			ans.Answer = chain
			return ans, nil
		}
		current = next
	}
}
