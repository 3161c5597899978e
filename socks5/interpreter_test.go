package socks5

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/alexisbouchez/remailer"
	"github.com/alexisbouchez/remailer/fsm"
)

type fakeDelegate struct {
	proxy remailer.ProxyParameters
	host  string
	port  int

	writes    [][]byte
	closed    int
	connects  []bool
	errCodes  []string
	initiated int
	handoffs  int

	pending []func(net.IP, error)
}

func (d *fakeDelegate) SendLine(line string) { d.writes = append(d.writes, []byte(line+"\r\n")) }
func (d *fakeDelegate) SendData(p []byte)    { d.writes = append(d.writes, append([]byte(nil), p...)) }
func (d *fakeDelegate) CloseConnection()     { d.closed++ }

func (d *fakeDelegate) DebugNotification(code, message string) {}
func (d *fakeDelegate) ErrorNotification(code, message string) {
	d.errCodes = append(d.errCodes, code)
}
func (d *fakeDelegate) ConnectNotification(ok bool, message string) {
	d.connects = append(d.connects, ok)
}

func (d *fakeDelegate) Proxy() remailer.ProxyParameters { return d.proxy }
func (d *fakeDelegate) Destination() (string, int)      { return d.host, d.port }
func (d *fakeDelegate) ProxyConnectionInitiated()       { d.initiated++ }
func (d *fakeDelegate) AfterProxyConnected()            { d.handoffs++ }
func (d *fakeDelegate) Resolve(host string, done func(net.IP, error)) {
	d.pending = append(d.pending, done)
}

func (d *fakeDelegate) last() []byte {
	if len(d.writes) == 0 {
		return nil
	}
	return d.writes[len(d.writes)-1]
}

func feed(m *Machine, p ...byte) []byte {
	buf := append([]byte(nil), p...)
	m.Process(&buf, nil)
	return buf
}

func newNegotiation(host string, port int, proxy remailer.ProxyParameters) (*Machine, *fakeDelegate) {
	d := &fakeDelegate{proxy: proxy, host: host, port: port}
	return New(d), d
}

func TestMethodRequest(t *testing.T) {
	m, d := newNegotiation("192.0.2.1", 25, remailer.ProxyParameters{Host: "proxy.test"})
	assert.Equal(t, StateConnectToProxy, m.State())
	assert.Equal(t, []byte{5, 1, MethodNoAuth}, d.last())

	_, d = newNegotiation("192.0.2.1", 25, remailer.ProxyParameters{Host: "proxy.test", Username: "u", Password: "p"})
	assert.Equal(t, []byte{5, 2, MethodNoAuth, MethodUsernamePassword}, d.last())
}

func TestNoAuthConnect(t *testing.T) {
	m, d := newNegotiation("192.0.2.10", 587, remailer.ProxyParameters{Host: "proxy.test"})

	feed(m, 5, MethodNoAuth)
	assert.Equal(t, StateConnectThroughProxy, m.State())
	assert.Equal(t, 1, d.initiated)
	assert.Equal(t, []byte{5, 1, 0, 1, 192, 0, 2, 10, 0x02, 0x4b}, d.last())

	rest := feed(m, 5, 0, 0, 1, 10, 0, 0, 1, 0x1f, 0x90, '2', '2', '0')
	assert.True(t, m.Finished())
	assert.Equal(t, 1, d.handoffs)
	assert.Zero(t, d.closed)
	assert.NoError(t, m.Err())
	assert.Equal(t, "220", string(rest), "bytes after the reply belong to the next protocol")
}

func TestNonIPv4BoundAddressFails(t *testing.T) {
	for _, atyp := range []byte{AddressDomainName, AddressIPv6} {
		m, d := newNegotiation("192.0.2.10", 25, remailer.ProxyParameters{Host: "proxy.test"})
		feed(m, 5, MethodNoAuth)
		feed(m, 5, 0, 0, atyp, 4, 'h', 'o', 's', 't', 0, 25)

		assert.Equal(t, StateFailed, m.State(), "atyp %d", atyp)
		assert.Zero(t, d.handoffs)
		assert.Equal(t, 1, d.closed)
		assert.Equal(t, []bool{false}, d.connects)
		assert.ErrorContains(t, m.Err(), "unsupported bound address type")
	}
}

func TestConnectFailureCodes(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		code := rapid.IntRange(1, 255).Draw(t, "code")
		m, d := newNegotiation("192.0.2.10", 25, remailer.ProxyParameters{Host: "proxy.test"})
		feed(m, 5, MethodNoAuth)
		feed(m, 5, byte(code), 0, 1, 0, 0, 0, 0, 0, 0)

		if !m.Finished() {
			t.Fatalf("not finished after code %d", code)
		}
		if d.closed != 1 {
			t.Fatalf("closed %d times", d.closed)
		}
		if d.handoffs != 0 {
			t.Fatalf("handed off after failure")
		}
		var re *ReplyError
		if !errors.As(m.Err(), &re) || re.Code != code {
			t.Fatalf("error = %v", m.Err())
		}
	})
}

func TestConnectRefusedNotification(t *testing.T) {
	m, d := newNegotiation("192.0.2.10", 25, remailer.ProxyParameters{Host: "proxy.test"})
	feed(m, 5, MethodNoAuth)
	feed(m, 5, 5, 0, 1, 0, 0, 0, 0, 0, 0)

	assert.Equal(t, []string{"SOCKS5_5"}, d.errCodes)
	assert.Equal(t, []bool{false}, d.connects)
	assert.EqualError(t, m.Err(), "Proxy server returned error code 5: Connection refused")
}

func TestUsernamePassword(t *testing.T) {
	m, d := newNegotiation("192.0.2.10", 25, remailer.ProxyParameters{Host: "proxy.test", Username: "joe", Password: "pw"})

	feed(m, 5, MethodUsernamePassword)
	assert.Equal(t, StateAuthentication, m.State())
	assert.Equal(t, []byte{5, 3, 'j', 'o', 'e', 2, 'p', 'w'}, d.last())

	feed(m, 5, 0)
	assert.Equal(t, StateConnectThroughProxy, m.State())
}

func TestCredentialsRejected(t *testing.T) {
	m, d := newNegotiation("192.0.2.10", 25, remailer.ProxyParameters{Host: "proxy.test", Username: "joe", Password: "bad"})
	feed(m, 5, MethodUsernamePassword)
	feed(m, 5, 1)

	assert.True(t, m.Finished())
	assert.Equal(t, 1, d.closed)
	assert.Equal(t, []string{"SOCKS5"}, d.errCodes)
}

func TestNoAcceptableMethod(t *testing.T) {
	m, d := newNegotiation("192.0.2.10", 25, remailer.ProxyParameters{Host: "proxy.test"})
	feed(m, 5, MethodNoAcceptable)

	assert.True(t, m.Finished())
	assert.Equal(t, 1, d.closed)
}

func TestWrongVersion(t *testing.T) {
	m, d := newNegotiation("192.0.2.10", 25, remailer.ProxyParameters{Host: "proxy.test"})
	feed(m, 4, MethodNoAuth)

	assert.True(t, m.Finished())
	assert.Equal(t, 1, d.closed)
	assert.ErrorContains(t, m.Err(), "version 4")
}

func TestResolvesBeforeConnect(t *testing.T) {
	m, d := newNegotiation("mx.example.test", 25, remailer.ProxyParameters{Host: "proxy.test"})
	feed(m, 5, MethodNoAuth)

	assert.Equal(t, StateResolving, m.State())
	require.Len(t, d.pending, 1)
	writes := len(d.writes)

	d.pending[0](net.ParseIP("198.51.100.7"), nil)
	assert.Equal(t, StateConnectThroughProxy, m.State())
	assert.Len(t, d.writes, writes+1)
	assert.Equal(t, []byte{5, 1, 0, 1, 198, 51, 100, 7, 0, 25}, d.last())
	assert.Equal(t, net.ParseIP("198.51.100.7"), m.Context().Destination())
}

func TestResolutionFailure(t *testing.T) {
	m, d := newNegotiation("nowhere.test", 25, remailer.ProxyParameters{Host: "proxy.test"})
	feed(m, 5, MethodNoAuth)
	require.Len(t, d.pending, 1)

	d.pending[0](nil, errors.New("no such host"))
	assert.True(t, m.Finished())
	assert.Equal(t, 1, d.closed)
	assert.ErrorContains(t, m.Err(), "could not resolve hostname nowhere.test")
}

func TestLateResolutionIgnored(t *testing.T) {
	m, d := newNegotiation("slow.test", 25, remailer.ProxyParameters{Host: "proxy.test"})
	feed(m, 5, MethodNoAuth)
	require.Len(t, d.pending, 1)

	m.Fail(errors.New("closed"))
	d.pending[0](net.ParseIP("192.0.2.1"), nil)
	assert.Equal(t, fsm.Terminated, m.State())
	assert.Zero(t, d.initiated)
}

func TestIPv6DestinationUnsupported(t *testing.T) {
	m, d := newNegotiation("2001:db8::1", 25, remailer.ProxyParameters{Host: "proxy.test"})
	feed(m, 5, MethodNoAuth)

	assert.True(t, m.Finished())
	assert.Equal(t, 1, d.closed)
	assert.ErrorContains(t, m.Err(), "only IPv4")
}

func TestReason(t *testing.T) {
	assert.Equal(t, "TTL expired", Reason(6))
	assert.Equal(t, "Unknown error", Reason(42))
}
