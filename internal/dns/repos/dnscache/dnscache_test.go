package dnscache

import (
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/haukened/rr-tcpd/internal/dns/common/clock"
	"github.com/haukened/rr-tcpd/internal/dns/services/resolver"
)

func answerWithTTL(t *testing.T, ttl uint32) resolver.Answer {
	t.Helper()
	rr, err := dns.NewRR("www.example.com. 300 IN A 192.0.2.1")
	if err != nil {
		t.Fatalf("failed to build record: %v", err)
	}
	rr.Header().Ttl = ttl
	return resolver.Answer{Rcode: dns.RcodeSuccess, Answer: []dns.RR{rr}}
}

func TestInvalidCacheSize(t *testing.T) {
	if _, err := New(-1, nil); err == nil {
		t.Errorf("expected error for negative cache size, got nil")
	}
}

func TestDnsCache_Get_ReturnsAnswerIfNotExpired(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1000, 0))
	cache, err := New(2, clk)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	ans := answerWithTTL(t, 10)
	cache.Set("www", ans)

	clk.Advance(9 * time.Second)
	got, ok := cache.Get("www")
	if !ok {
		t.Fatalf("expected answer to be found")
	}
	if len(got.Answer) != 1 || got.Answer[0] != ans.Answer[0] {
		t.Errorf("expected %v, got %v", ans, got)
	}
}

func TestDnsCache_Get_ReturnsFalseIfExpired(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(1000, 0))
	cache, err := New(2, clk)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	cache.Set("www", answerWithTTL(t, 10))

	clk.Advance(10 * time.Second)
	if got, ok := cache.Get("www"); ok {
		t.Errorf("expected not found for expired answer, got %v", got)
	}
	if cache.Len() != 0 {
		t.Errorf("expected cache to be empty after expired Get, got %d", cache.Len())
	}
}

func TestDnsCache_Set_SkipsZeroTTL(t *testing.T) {
	cache, err := New(2, nil)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	cache.Set("zero", answerWithTTL(t, 0))
	cache.Set("empty", resolver.Answer{Rcode: dns.RcodeNameError})
	if cache.Len() != 0 {
		t.Errorf("expected nothing cached, got %d entries", cache.Len())
	}
}

func TestDnsCache_Get_ReturnsFalseIfNotPresent(t *testing.T) {
	cache, err := New(2, nil)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	if got, ok := cache.Get("missing"); ok {
		t.Errorf("expected not found for missing key, got %v", got)
	}
}

func TestDnsCache_EvictsLeastRecentlyUsed(t *testing.T) {
	cache, err := New(2, nil)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	cache.Set("a", answerWithTTL(t, 60))
	cache.Set("b", answerWithTTL(t, 60))
	cache.Get("a")
	cache.Set("c", answerWithTTL(t, 60))

	keys := cache.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "c" {
		t.Errorf("expected keys [a c], got %v", keys)
	}
}

func TestDnsCache_DeleteAndPurge(t *testing.T) {
	cache, err := New(3, nil)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	cache.Set("a", answerWithTTL(t, 60))
	cache.Set("b", answerWithTTL(t, 60))
	cache.Set("c", answerWithTTL(t, 60))

	cache.Delete("a")
	cache.Delete("nonexistent")
	if cache.Len() != 2 {
		t.Errorf("expected 2 entries after delete, got %d", cache.Len())
	}
	if _, ok := cache.Get("b"); !ok {
		t.Errorf("expected b to survive deleting a")
	}

	cache.Purge()
	if cache.Len() != 0 {
		t.Errorf("expected empty cache after purge, got %d", cache.Len())
	}
}

func TestAnswer_TTLUsesMinimum(t *testing.T) {
	ans := answerWithTTL(t, 300)
	soa, err := dns.NewRR("example.com. 30 IN SOA ns.example.com. hostmaster.example.com. 1 3600 600 86400 30")
	if err != nil {
		t.Fatalf("failed to build SOA: %v", err)
	}
	ans.Ns = []dns.RR{soa}
	if ans.TTL() != 30*time.Second {
		t.Errorf("expected 30s, got %v", ans.TTL())
	}
}
