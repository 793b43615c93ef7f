// Package zone loads authoritative zone data from YAML, JSON, and TOML files.
//
// A zone file names its origin with zone_root and maps owner labels to record
// types and presentation-format values:
//
//	zone_root: example.com
//	"@":
//	  NS: ns1.example.com.
//	www:
//	  A: ["192.0.2.1", "192.0.2.2"]
package zone

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/miekg/dns"
)

// LoadZoneDirectory walks dir, loading every supported zone file, and returns
// the records of each zone keyed by canonical origin.
func LoadZoneDirectory(dir string, defaultTTL time.Duration) (map[string][]dns.RR, error) {
	zones := make(map[string][]dns.RR)

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		origin, records, err := loadZoneFile(path, defaultTTL)
		if err != nil {
			return fmt.Errorf("error parsing zone file %s: %w", path, err)
		}
		if origin != "" && len(records) > 0 {
			zones[origin] = append(zones[origin], records...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for origin, records := range zones {
		zones[origin] = ensureSOA(origin, records, defaultTTL)
	}
	return zones, nil
}

// expandName returns the fully qualified owner for label, expanding '@' to
// the origin and appending the origin to relative labels.
func expandName(label, origin string) string {
	if label == "@" {
		return origin
	}
	if strings.HasSuffix(label, ".") {
		return label
	}
	return label + "." + origin
}

// toStringValues converts a koanf value (string or []any of strings) into the
// non-empty strings it contains.
func toStringValues(val any) []string {
	switch v := val.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil
		}
		return []string{s}
	case []any:
		out := make([]string, 0, len(v))
		for _, elem := range v {
			s, ok := elem.(string)
			if !ok {
				continue
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	default:
		return nil
	}
}

// buildRecords parses one RR per value in presentation format.
func buildRecords(fqdn, rrType string, values []string, ttl time.Duration) ([]dns.RR, error) {
	rrType = strings.ToUpper(rrType)
	if _, ok := dns.StringToType[rrType]; !ok {
		return nil, fmt.Errorf("unknown record type %q for %s", rrType, fqdn)
	}
	records := make([]dns.RR, 0, len(values))
	for _, v := range values {
		rr, err := dns.NewRR(fmt.Sprintf("%s %d IN %s %s", fqdn, uint32(ttl.Seconds()), rrType, v))
		if err != nil {
			return nil, fmt.Errorf("invalid %s record for %s: %w", rrType, fqdn, err)
		}
		if rr == nil {
			continue
		}
		records = append(records, rr)
	}
	return records, nil
}

func parserFor(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser()
	case ".json":
		return json.Parser()
	case ".toml":
		return toml.Parser()
	default:
		return nil
	}
}

// loadZoneFile parses a single zone file. Unsupported extensions yield an
// empty origin and no error.
func loadZoneFile(path string, defaultTTL time.Duration) (string, []dns.RR, error) {
	parser := parserFor(path)
	if parser == nil {
		return "", nil, nil
	}

	// Owner names contain dots, so the key path delimiter must not be one.
	k := koanf.New("/")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return "", nil, fmt.Errorf("failed to load zone file %s: %w", path, err)
	}

	root := k.String("zone_root")
	if root == "" {
		return "", nil, fmt.Errorf("zone file %s missing 'zone_root'", path)
	}
	origin := dns.CanonicalName(root)

	var records []dns.RR
	for name, raw := range k.Raw() {
		if name == "zone_root" {
			continue
		}
		rawMap, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		fqdn := dns.CanonicalName(expandName(name, origin))
		if !dns.IsSubDomain(origin, fqdn) {
			return "", nil, fmt.Errorf("owner %s is outside zone %s", fqdn, origin)
		}
		for rrType, val := range rawMap {
			values := toStringValues(val)
			if len(values) == 0 {
				continue
			}
			recs, err := buildRecords(fqdn, rrType, values, defaultTTL)
			if err != nil {
				return "", nil, fmt.Errorf("invalid record in %s: %w", path, err)
			}
			records = append(records, recs...)
		}
	}
	return origin, records, nil
}

// ensureSOA synthesizes an apex SOA for zones whose files do not define one;
// zone transfers are framed by the SOA.
func ensureSOA(origin string, records []dns.RR, ttl time.Duration) []dns.RR {
	for _, rr := range records {
		if rr.Header().Rrtype == dns.TypeSOA && rr.Header().Name == origin {
			return records
		}
	}
	secs := uint32(ttl.Seconds())
	soa := &dns.SOA{
		Hdr:     dns.RR_Header{Name: origin, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: secs},
		Ns:      "ns." + origin,
		Mbox:    "hostmaster." + origin,
		Serial:  1,
		Refresh: 3600,
		Retry:   600,
		Expire:  86400,
		Minttl:  secs,
	}
	return append([]dns.RR{soa}, records...)
}
