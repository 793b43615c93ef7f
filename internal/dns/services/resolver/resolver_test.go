package resolver

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-tcpd/internal/dns/common/log"
	"github.com/haukened/rr-tcpd/internal/dns/repos/zonecache"
)

var _ ZoneStore = (*zonecache.ZoneCache)(nil)

var testClient = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53000}

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func newTestZones(t *testing.T) *zonecache.ZoneCache {
	zc := zonecache.New()
	zc.PutZone("example.com.", []dns.RR{
		mustRR(t, "example.com. 300 IN SOA ns1.example.com. admin.example.com. 7 7200 900 1209600 60"),
		mustRR(t, "example.com. 300 IN NS ns1.example.com."),
		mustRR(t, "ns1.example.com. 300 IN A 192.0.2.53"),
		mustRR(t, "www.example.com. 300 IN A 192.0.2.1"),
		mustRR(t, "alias.example.com. 300 IN CNAME www.example.com."),
		mustRR(t, "hop.example.com. 300 IN CNAME alias.example.com."),
		mustRR(t, "dangling.example.com. 300 IN CNAME missing.example.com."),
		mustRR(t, "away.example.com. 300 IN CNAME www.example.org."),
		mustRR(t, "loop1.example.com. 300 IN CNAME loop2.example.com."),
		mustRR(t, "loop2.example.com. 300 IN CNAME loop1.example.com."),
	})
	return zc
}

func newTestAuthority(t *testing.T, opts AuthorityOptions) *Authority {
	if opts.Zones == nil {
		opts.Zones = newTestZones(t)
	}
	opts.Logger = log.NewNoopLogger()
	return NewAuthority(opts)
}

func ask(t *testing.T, a *Authority, name string, qtype uint16) *dns.Msg {
	t.Helper()
	req := new(dns.Msg)
	req.SetQuestion(name, qtype)
	res, err := a.Process(context.Background(), req, testClient)
	require.NoError(t, err)
	require.Nil(t, res.Transfer)
	require.NotNil(t, res.Msg)
	assert.Equal(t, req.Id, res.Msg.Id)
	return res.Msg
}

func TestAuthority_Process_Answers(t *testing.T) {
	a := newTestAuthority(t, AuthorityOptions{})

	tests := []struct {
		name       string
		qname      string
		qtype      uint16
		wantRcode  int
		wantAnswer int
		wantNs     int
		wantAA     bool
	}{
		{name: "positive", qname: "www.example.com.", qtype: dns.TypeA, wantRcode: dns.RcodeSuccess, wantAnswer: 1, wantAA: true},
		{name: "apex SOA", qname: "example.com.", qtype: dns.TypeSOA, wantRcode: dns.RcodeSuccess, wantAnswer: 1, wantAA: true},
		{name: "nodata", qname: "www.example.com.", qtype: dns.TypeMX, wantRcode: dns.RcodeSuccess, wantNs: 1, wantAA: true},
		{name: "nxdomain", qname: "nope.example.com.", qtype: dns.TypeA, wantRcode: dns.RcodeNameError, wantNs: 1, wantAA: true},
		{name: "not authoritative", qname: "www.example.org.", qtype: dns.TypeA, wantRcode: dns.RcodeRefused},
		{name: "cname query does not chase", qname: "alias.example.com.", qtype: dns.TypeCNAME, wantRcode: dns.RcodeSuccess, wantAnswer: 1, wantAA: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ask(t, a, tt.qname, tt.qtype)
			assert.Equal(t, tt.wantRcode, resp.Rcode)
			assert.Len(t, resp.Answer, tt.wantAnswer)
			assert.Len(t, resp.Ns, tt.wantNs)
			assert.Equal(t, tt.wantAA, resp.Authoritative)
			assert.True(t, resp.Response)
		})
	}
}

func TestAuthority_Process_Malformed(t *testing.T) {
	a := newTestAuthority(t, AuthorityOptions{})

	noQuestion := new(dns.Msg)
	noQuestion.Id = 42
	res, err := a.Process(context.Background(), noQuestion, testClient)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeFormatError, res.Msg.Rcode)

	notify := new(dns.Msg)
	notify.SetNotify("example.com.")
	res, err = a.Process(context.Background(), notify, testClient)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeNotImplemented, res.Msg.Rcode)

	chaos := new(dns.Msg)
	chaos.SetQuestion("version.bind.", dns.TypeTXT)
	chaos.Question[0].Qclass = dns.ClassCHAOS
	res, err = a.Process(context.Background(), chaos, testClient)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeRefused, res.Msg.Rcode)
}

func TestAuthority_Process_CanceledContext(t *testing.T) {
	a := newTestAuthority(t, AuthorityOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := new(dns.Msg)
	req.SetQuestion("www.example.com.", dns.TypeA)
	_, err := a.Process(ctx, req, testClient)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAuthority_Process_MirrorsEDNS(t *testing.T) {
	a := newTestAuthority(t, AuthorityOptions{})
	req := new(dns.Msg)
	req.SetQuestion("www.example.com.", dns.TypeA)
	req.SetEdns0(1232, true)

	res, err := a.Process(context.Background(), req, testClient)
	require.NoError(t, err)
	opt := res.Msg.IsEdns0()
	require.NotNil(t, opt)
	assert.True(t, opt.Do())
}

func TestAuthority_Alias(t *testing.T) {
	a := newTestAuthority(t, AuthorityOptions{})

	t.Run("single hop", func(t *testing.T) {
		resp := ask(t, a, "alias.example.com.", dns.TypeA)
		assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
		require.Len(t, resp.Answer, 2)
		assert.IsType(t, &dns.CNAME{}, resp.Answer[0])
		assert.IsType(t, &dns.A{}, resp.Answer[1])
	})

	t.Run("multi hop", func(t *testing.T) {
		resp := ask(t, a, "hop.example.com.", dns.TypeA)
		assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
		require.Len(t, resp.Answer, 3)
		assert.Equal(t, "hop.example.com.", resp.Answer[0].Header().Name)
		assert.Equal(t, "alias.example.com.", resp.Answer[1].Header().Name)
	})

	t.Run("dangling target", func(t *testing.T) {
		resp := ask(t, a, "dangling.example.com.", dns.TypeA)
		assert.Equal(t, dns.RcodeNameError, resp.Rcode)
		assert.Len(t, resp.Answer, 1)
		assert.Len(t, resp.Ns, 1)
	})

	t.Run("target outside served zones", func(t *testing.T) {
		resp := ask(t, a, "away.example.com.", dns.TypeA)
		assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
		assert.Len(t, resp.Answer, 1)
	})

	t.Run("loop", func(t *testing.T) {
		resp := ask(t, a, "loop1.example.com.", dns.TypeA)
		assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
		assert.Empty(t, resp.Answer)
	})
}

func TestAuthority_Alias_DepthExceeded(t *testing.T) {
	a := newTestAuthority(t, AuthorityOptions{MaxAliasDepth: 1})

	q := dns.Question{Name: "hop.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	head, _ := a.zones.Lookup("example.com.", q.Name, dns.TypeCNAME)
	_, err := a.chase(q, head)
	assert.ErrorIs(t, err, ErrAliasDepthExceeded)

	_, err = a.chase(q, []dns.RR{mustRR(t, "hop.example.com. 60 IN A 192.0.2.1")})
	assert.True(t, errors.Is(err, ErrAliasTargetInvalid))
}

type mockCache struct {
	mock.Mock
}

func (m *mockCache) Get(key string) (Answer, bool) {
	args := m.Called(key)
	return args.Get(0).(Answer), args.Bool(1)
}

func (m *mockCache) Set(key string, answer Answer) {
	m.Called(key, answer)
}

func (m *mockCache) Purge() {
	m.Called()
}

func (m *mockCache) Len() int {
	return m.Called().Int(0)
}

func TestAuthority_Cache(t *testing.T) {
	t.Run("miss populates", func(t *testing.T) {
		cache := new(mockCache)
		cache.On("Get", "www.example.com.|1|1").Return(Answer{}, false).Once()
		cache.On("Set", "www.example.com.|1|1", mock.MatchedBy(func(a Answer) bool {
			return a.Rcode == dns.RcodeSuccess && len(a.Answer) == 1
		})).Once()

		a := newTestAuthority(t, AuthorityOptions{Cache: cache})
		resp := ask(t, a, "WWW.example.com.", dns.TypeA)
		assert.Len(t, resp.Answer, 1)
		cache.AssertExpectations(t)
	})

	t.Run("hit skips zones", func(t *testing.T) {
		cached := Answer{Rcode: dns.RcodeSuccess, Answer: []dns.RR{mustRR(t, "www.example.com. 5 IN A 198.51.100.1")}}
		cache := new(mockCache)
		cache.On("Get", "www.example.com.|1|1").Return(cached, true).Once()

		a := newTestAuthority(t, AuthorityOptions{Cache: cache})
		resp := ask(t, a, "www.example.com.", dns.TypeA)
		require.Len(t, resp.Answer, 1)
		assert.Equal(t, "198.51.100.1", resp.Answer[0].(*dns.A).A.String())
		cache.AssertNotCalled(t, "Set", mock.Anything, mock.Anything)
	})

	t.Run("failures are not cached", func(t *testing.T) {
		cache := new(mockCache)
		cache.On("Get", mock.Anything).Return(Answer{}, false).Once()

		a := newTestAuthority(t, AuthorityOptions{Cache: cache})
		resp := ask(t, a, "loop1.example.com.", dns.TypeA)
		assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
		cache.AssertNotCalled(t, "Set", mock.Anything, mock.Anything)
	})
}

func drain(t *testing.T, stream TransferStream) []*dns.Msg {
	t.Helper()
	var msgs []*dns.Msg
	for {
		m, err := stream.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return msgs
		}
		require.NoError(t, err)
		msgs = append(msgs, m)
	}
}

func TestAuthority_Transfer(t *testing.T) {
	a := newTestAuthority(t, AuthorityOptions{TransferBatch: 4})

	for _, qtype := range []uint16{dns.TypeAXFR, dns.TypeIXFR} {
		t.Run(dns.TypeToString[qtype], func(t *testing.T) {
			req := new(dns.Msg)
			req.SetQuestion("Example.com.", qtype)
			res, err := a.Process(context.Background(), req, testClient)
			require.NoError(t, err)
			require.Nil(t, res.Msg)
			require.NotNil(t, res.Transfer)

			msgs := drain(t, res.Transfer)
			// SOA + 9 records + SOA in batches of four.
			require.Len(t, msgs, 3)
			var all []dns.RR
			for _, m := range msgs {
				assert.Equal(t, req.Id, m.Id)
				assert.True(t, m.Authoritative)
				assert.LessOrEqual(t, len(m.Answer), 4)
				all = append(all, m.Answer...)
			}
			require.Len(t, all, 11)
			assert.Equal(t, dns.TypeSOA, all[0].Header().Rrtype)
			assert.Equal(t, dns.TypeSOA, all[len(all)-1].Header().Rrtype)

			_, err = res.Transfer.Next(context.Background())
			assert.ErrorIs(t, err, io.EOF, "stream stays exhausted")
		})
	}
}

func TestAuthority_Transfer_UnknownZone(t *testing.T) {
	a := newTestAuthority(t, AuthorityOptions{})
	resp := ask(t, a, "www.example.com.", dns.TypeAXFR)
	assert.Equal(t, dns.RcodeNotAuth, resp.Rcode)
	assert.False(t, resp.Authoritative)
}

func TestTransferStream_Canceled(t *testing.T) {
	a := newTestAuthority(t, AuthorityOptions{})
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeAXFR)
	res, err := a.Process(context.Background(), req, testClient)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = res.Transfer.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewAuthority_Defaults(t *testing.T) {
	a := NewAuthority(AuthorityOptions{Zones: zonecache.New()})
	assert.Equal(t, DefaultTransferBatch, a.transferBatch)
	assert.Equal(t, DefaultMaxAliasDepth, a.maxAliasDepth)
	assert.NotNil(t, a.logger)
}
