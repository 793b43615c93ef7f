package zonecache

import (
	"sync"

	"github.com/miekg/dns"
)

type rrKey struct {
	name  string
	qtype uint16
}

type zone struct {
	soa     dns.RR
	records []dns.RR
	byKey   map[rrKey][]dns.RR
	names   map[string]struct{}
}

// ZoneCache is an in-memory store of authoritative zones.
// It provides fast access to records with concurrent safety.
type ZoneCache struct {
	mu    sync.RWMutex
	zones map[string]*zone
}

// New creates a new ZoneCache instance
func New() *ZoneCache {
	return &ZoneCache{
		zones: make(map[string]*zone),
	}
}

// PutZone replaces all records for a zone with new records. The zone's SOA is
// the first apex SOA among them.
func (zc *ZoneCache) PutZone(origin string, records []dns.RR) {
	origin = dns.CanonicalName(origin)

	z := &zone{
		byKey: make(map[rrKey][]dns.RR),
		names: make(map[string]struct{}),
	}
	for _, rr := range records {
		h := rr.Header()
		name := dns.CanonicalName(h.Name)
		if h.Rrtype == dns.TypeSOA && name == origin {
			if z.soa == nil {
				z.soa = rr
			}
			continue
		}
		key := rrKey{name: name, qtype: h.Rrtype}
		z.byKey[key] = append(z.byKey[key], rr)
		z.names[name] = struct{}{}
		z.records = append(z.records, rr)
	}
	z.names[origin] = struct{}{}

	zc.mu.Lock()
	defer zc.mu.Unlock()
	zc.zones[origin] = z
}

// RemoveZone removes all records for a zone
func (zc *ZoneCache) RemoveZone(origin string) {
	origin = dns.CanonicalName(origin)

	zc.mu.Lock()
	defer zc.mu.Unlock()

	delete(zc.zones, origin)
}

// FindZone returns the origin of the most specific zone containing name.
func (zc *ZoneCache) FindZone(name string) (string, bool) {
	name = dns.CanonicalName(name)

	zc.mu.RLock()
	defer zc.mu.RUnlock()

	for off, end := 0, false; !end; off, end = dns.NextLabel(name, off) {
		if _, ok := zc.zones[name[off:]]; ok {
			return name[off:], true
		}
	}
	return "", false
}

// Lookup returns the records of type qtype owned by name within origin.
// nameExists reports whether name owns any records at all, which separates
// NODATA from NXDOMAIN.
func (zc *ZoneCache) Lookup(origin, name string, qtype uint16) (records []dns.RR, nameExists bool) {
	origin = dns.CanonicalName(origin)
	name = dns.CanonicalName(name)

	zc.mu.RLock()
	defer zc.mu.RUnlock()

	z, ok := zc.zones[origin]
	if !ok {
		return nil, false
	}
	if qtype == dns.TypeSOA && name == origin && z.soa != nil {
		return []dns.RR{z.soa}, true
	}
	_, nameExists = z.names[name]
	return z.byKey[rrKey{name: name, qtype: qtype}], nameExists
}

// SOA returns the start of authority record for origin.
func (zc *ZoneCache) SOA(origin string) (dns.RR, bool) {
	origin = dns.CanonicalName(origin)

	zc.mu.RLock()
	defer zc.mu.RUnlock()

	z, ok := zc.zones[origin]
	if !ok || z.soa == nil {
		return nil, false
	}
	return z.soa, true
}

// Records returns every non-SOA record of origin in load order.
func (zc *ZoneCache) Records(origin string) ([]dns.RR, bool) {
	origin = dns.CanonicalName(origin)

	zc.mu.RLock()
	defer zc.mu.RUnlock()

	z, ok := zc.zones[origin]
	if !ok {
		return nil, false
	}
	out := make([]dns.RR, len(z.records))
	copy(out, z.records)
	return out, true
}

// Zones returns a list of all zone origins currently cached
func (zc *ZoneCache) Zones() []string {
	zc.mu.RLock()
	defer zc.mu.RUnlock()

	zones := make([]string, 0, len(zc.zones))
	for origin := range zc.zones {
		zones = append(zones, origin)
	}

	return zones
}

// Count returns the total number of records across all zones, SOAs included
func (zc *ZoneCache) Count() int {
	zc.mu.RLock()
	defer zc.mu.RUnlock()

	count := 0
	for _, z := range zc.zones {
		count += len(z.records)
		if z.soa != nil {
			count++
		}
	}

	return count
}
