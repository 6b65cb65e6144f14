package forwarder

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bavix/dnscache/internal/config"
	"github.com/bavix/dnscache/internal/dnscache"
)

// mockResponseWriter captures the handler's reply.
type mockResponseWriter struct {
	msg *dns.Msg
	raw []byte
}

func (m *mockResponseWriter) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53}
}

func (m *mockResponseWriter) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

func (m *mockResponseWriter) WriteMsg(msg *dns.Msg) error {
	m.msg = msg

	return nil
}

func (m *mockResponseWriter) Write(b []byte) (int, error) {
	m.raw = append([]byte(nil), b...)

	return len(b), nil
}

func (m *mockResponseWriter) Close() error        { return nil }
func (m *mockResponseWriter) TsigStatus() error   { return nil }
func (m *mockResponseWriter) TsigTimersOnly(bool) {}
func (m *mockResponseWriter) Hijack()             {}

func testConfig() *config.Config {
	return &config.Config{
		Listen:    config.ListenConfig{UDP: ":0", TCP: ":0"},
		Upstreams: []config.UpstreamConfig{{Name: "stub", Address: "192.0.2.1:53"}},
		Cache: config.CacheConfig{
			Enabled:     true,
			Memory:      true,
			Size:        102400,
			OverrideTTL: -1,
			MultipleTTL: 1,
		},
	}
}

func upstreamAnswer(q *dns.Msg) *dns.Msg {
	out := new(dns.Msg)
	out.SetReply(q)
	out.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{
			Name:   q.Question[0].Name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    300,
		},
		A: net.IPv4(93, 184, 216, 34).To4(),
	}}

	return out
}

func TestHandleDNSMissThenHit(t *testing.T) {
	t.Parallel()

	cfg := testConfig()

	cache, err := dnscache.New(context.Background(), cfg.Cache)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	var calls atomic.Int32

	f := New(cfg, cache)
	f.exchange = func(q *dns.Msg, _ string) (*dns.Msg, error) {
		calls.Add(1)

		return upstreamAnswer(q), nil
	}

	handler := f.handleDNS(context.Background())

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)

	// first query misses the cache and goes upstream
	w1 := &mockResponseWriter{}
	handler(w1, q)

	require.NotNil(t, w1.msg)
	require.Len(t, w1.msg.Answer, 1)
	assert.Equal(t, int32(1), calls.Load())

	// second query is served from the cache as raw wire bytes
	w2 := &mockResponseWriter{}
	handler(w2, q)

	require.NotNil(t, w2.raw)
	assert.Equal(t, int32(1), calls.Load(), "upstream must not be asked again")

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(w2.raw))
	require.Len(t, resp.Answer, 1)

	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "93.184.216.34", a.A.String())
}

func TestHandleDNSUpstreamFailure(t *testing.T) {
	t.Parallel()

	cfg := testConfig()

	f := New(cfg, nil)
	f.exchange = func(*dns.Msg, string) (*dns.Msg, error) {
		return nil, errNoUpstreamAnswered
	}

	handler := f.handleDNS(context.Background())

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)

	w := &mockResponseWriter{}
	handler(w, q)

	require.NotNil(t, w.msg)
	assert.Equal(t, dns.RcodeServerFailure, w.msg.Rcode)
}

func TestHandleDNSEmptyQuestion(t *testing.T) {
	t.Parallel()

	f := New(testConfig(), nil)
	handler := f.handleDNS(context.Background())

	w := &mockResponseWriter{}
	handler(w, new(dns.Msg))

	require.NotNil(t, w.msg)
	assert.Equal(t, dns.RcodeFormatError, w.msg.Rcode)
}

func TestResolveUpstreamCopiesCoalescedResult(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	f := New(cfg, nil)
	f.exchange = func(q *dns.Msg, _ string) (*dns.Msg, error) {
		time.Sleep(10 * time.Millisecond)

		return upstreamAnswer(q), nil
	}

	q1 := new(dns.Msg)
	q1.SetQuestion("example.com.", dns.TypeA)

	// both calls overlap the slow exchange, so singleflight shares one result
	var (
		wg         sync.WaitGroup
		out1, out2 *dns.Msg
		err1, err2 error
	)

	wg.Add(2)

	go func() { defer wg.Done(); out1, err1 = f.resolveUpstream(q1) }()
	go func() { defer wg.Done(); out2, err2 = f.resolveUpstream(q1) }()

	wg.Wait()

	require.NoError(t, err1)
	require.NoError(t, err2)

	assert.NotSame(t, out1, out2)
}
