package connection

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbouchez/remailer"
	"github.com/alexisbouchez/remailer/internal/textproto"
	"github.com/alexisbouchez/remailer/smtpclient"
	"github.com/alexisbouchez/remailer/socks5"
)

const (
	testFrom = "from@example.test"
	testTo   = "to@example.test"
	waitFor  = 5 * time.Second
)

// pipeDialer hands the connection one end of a net.Pipe and the test the
// other.
type pipeDialer struct {
	peers chan net.Conn
	err   error

	mu    sync.Mutex
	addrs []string
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{peers: make(chan net.Conn, 4)}
}

func (p *pipeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	p.mu.Lock()
	p.addrs = append(p.addrs, addr)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	client, server := net.Pipe()
	p.peers <- server
	return client, nil
}

func (p *pipeDialer) dialed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.addrs...)
}

func (p *pipeDialer) accept(t *testing.T) *peer {
	t.Helper()
	select {
	case conn := <-p.peers:
		require.NoError(t, conn.SetDeadline(time.Now().Add(waitFor)))
		t.Cleanup(func() { conn.Close() })
		return &peer{t: t, conn: conn, r: bufio.NewReader(conn)}
	case <-time.After(waitFor):
		t.Fatal("nothing dialed")
		return nil
	}
}

// peer is the scripted server side.
type peer struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (p *peer) reply(code int, lines ...string) {
	p.t.Helper()
	_, err := io.WriteString(p.conn, textproto.FormatReply(code, lines...))
	require.NoError(p.t, err)
}

func (p *peer) write(b []byte) {
	p.t.Helper()
	_, err := p.conn.Write(b)
	require.NoError(p.t, err)
}

func (p *peer) read(n int) []byte {
	p.t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(p.r, buf)
	require.NoError(p.t, err)
	return buf
}

func (p *peer) expect(want string) {
	p.t.Helper()
	line, err := p.r.ReadString('\n')
	require.NoError(p.t, err)
	require.Equal(p.t, want, strings.TrimRight(line, "\r\n"))
}

func (p *peer) body() string {
	p.t.Helper()
	b, err := io.ReadAll(textproto.NewDotReader(p.r))
	require.NoError(p.t, err)
	return string(b)
}

func (p *peer) greet() {
	p.t.Helper()
	p.reply(220, "mx.example.test ESMTP ready")
	p.expect("EHLO client.test")
	p.reply(250, "mx.example.test greets client.test", "SIZE 100", "PIPELINING")
}

// deliver plays one accepted transaction and returns the message body.
func (p *peer) deliver(to string) string {
	p.t.Helper()
	p.expect("MAIL FROM:<" + testFrom + ">")
	p.reply(250, "2.1.0 Ok")
	p.expect("RCPT TO:<" + to + ">")
	p.reply(250, "2.1.5 Ok")
	p.expect("DATA")
	p.reply(354, "End data with <CR><LF>.<CR><LF>")
	body := p.body()
	p.reply(250, "2.0.0 Ok: queued")
	return body
}

type connectEvent struct {
	ok  bool
	msg string
}

type sinks struct {
	connects chan connectEvent

	mu          sync.Mutex
	errors      []string
	disconnects int
}

func newSinks() *sinks {
	return &sinks{connects: make(chan connectEvent, 8)}
}

func (s *sinks) notifications() remailer.Notifications {
	return remailer.Notifications{
		Error: remailer.SinkFunc(func(code any, msg string) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.errors = append(s.errors, fmt.Sprintf("%v: %s", code, msg))
		}),
		Connect: remailer.SinkFunc(func(code any, msg string) {
			s.connects <- connectEvent{ok: code.(bool), msg: msg}
		}),
		OnDisconnect: remailer.SinkFunc(func(any, string) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.disconnects++
		}),
	}
}

func (s *sinks) waitConnect(t *testing.T) connectEvent {
	t.Helper()
	select {
	case ev := <-s.connects:
		return ev
	case <-time.After(waitFor):
		t.Fatal("no connect notification")
		return connectEvent{}
	}
}

func (s *sinks) errorList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.errors...)
}

func (s *sinks) disconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

func open(t *testing.T, d Dialer, s *sinks, opts ...Option) *Connection {
	t.Helper()
	base := []Option{
		WithDialer(d),
		WithHostname("client.test"),
		WithNotifications(s.notifications()),
		WithLogger(slog.New(slog.DiscardHandler)),
	}
	c, err := Open(context.Background(), "mx.example.test", append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		<-c.Done()
	})
	return c
}

func waitDone(t *testing.T, c *Connection) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.Wait(ctx), "connection did not shut down")
}

func receive(t *testing.T, ch <-chan remailer.Result) remailer.Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitFor):
		t.Fatal("no result")
		return remailer.Result{}
	}
}

func TestOpenValidation(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, "")
	assert.ErrorIs(t, err, ErrNoHost)

	_, err = Open(ctx, "mx.example.test", WithPort(0))
	assert.ErrorContains(t, err, "invalid port")

	_, err = Open(ctx, "mx.example.test", WithTimeout(0))
	assert.ErrorContains(t, err, "invalid timeout")

	_, err = Open(ctx, "mx.example.test", WithProxy(remailer.ProxyParameters{}))
	assert.ErrorContains(t, err, "proxy without host")
}

func TestSendOverScriptedSession(t *testing.T) {
	dialer, s := newPipeDialer(), newSinks()
	c := open(t, dialer, s)
	p := dialer.accept(t)
	assert.Equal(t, []string{"mx.example.test:25"}, dialer.dialed())

	p.greet()
	ev := s.waitConnect(t)
	require.True(t, ev.ok)
	assert.Equal(t, "mx.example.test", ev.msg)

	caps := c.Capabilities()
	assert.EqualValues(t, 100, caps.MaxSize)
	assert.True(t, caps.Pipelining)
	assert.Equal(t, remailer.ProtocolESMTP, caps.Protocol)
	assert.Equal(t, smtpclient.StateReady, c.State())
	assert.True(t, c.Connected())

	results := make(chan remailer.Result, 1)
	c.SendEmail(testFrom, testTo, []byte("Hi\r\n.dot\r\n"), func(r remailer.Result) { results <- r })
	assert.Equal(t, "Hi\r\n.dot\r\n\r\n", p.deliver(testTo))

	r := receive(t, results)
	assert.True(t, r.OK())
	assert.EqualValues(t, 250, r.Code)
	assert.Equal(t, "2.0.0 Ok: queued", r.Text)

	c.CloseWhenComplete()
	p.expect("QUIT")
	p.reply(221, "2.0.0 Bye")

	waitDone(t, c)
	assert.ErrorIs(t, c.Err(), remailer.ErrClosed)
	assert.False(t, c.Connected())
	assert.Equal(t, 1, s.disconnectCount())
	assert.Empty(t, s.errorList())
}

func TestQueueDrainsInOrder(t *testing.T) {
	dialer, s := newPipeDialer(), newSinks()
	c := open(t, dialer, s)

	const n = 4
	done := make(chan int, n)
	for i := range n {
		c.SendEmail(testFrom, fmt.Sprintf("rcpt%d@example.test", i), []byte("x"), func(r remailer.Result) {
			if r.OK() {
				done <- i
			}
		})
	}

	p := dialer.accept(t)
	p.greet()
	for i := range n {
		p.deliver(fmt.Sprintf("rcpt%d@example.test", i))
	}

	for i := range n {
		select {
		case got := <-done:
			assert.Equal(t, i, got)
		case <-time.After(waitFor):
			t.Fatalf("callback %d missing", i)
		}
	}
}

func TestOversizedMessageFailsLocally(t *testing.T) {
	dialer, s := newPipeDialer(), newSinks()
	c := open(t, dialer, s)
	p := dialer.accept(t)
	p.greet()
	require.True(t, s.waitConnect(t).ok)

	results := make(chan remailer.Result, 2)
	c.SendEmail(testFrom, testTo, []byte(strings.Repeat("x", 101)), func(r remailer.Result) { results <- r })
	r := receive(t, results)
	assert.EqualValues(t, remailer.ReplyExceededStorage, r.Code)
	var se *remailer.SMTPError
	require.ErrorAs(t, r.Err, &se)
	assert.Equal(t, remailer.EnhancedCodeMsgTooLarge, se.EnhancedCode)

	c.SendEmail(testFrom, testTo, []byte("small"), func(r remailer.Result) { results <- r })
	p.deliver(testTo)
	assert.True(t, receive(t, results).OK())
}

func TestMalformedAddressRefusedLocally(t *testing.T) {
	dialer, s := newPipeDialer(), newSinks()
	c := open(t, dialer, s)
	p := dialer.accept(t)
	p.greet()
	require.True(t, s.waitConnect(t).ok)

	results := make(chan remailer.Result, 2)
	c.SendEmail(testFrom, "victim@example.test>\r\nRCPT TO:<x@example.test", []byte("x"), func(r remailer.Result) { results <- r })
	r := receive(t, results)
	assert.EqualValues(t, remailer.ReplyMailboxNameInvalid, r.Code)
	assert.True(t, strings.HasPrefix(r.Text, "5.1.3 "), r.Text)

	// Nothing reached the wire for the refused message.
	c.SendEmail(testFrom, testTo, []byte("ok"), func(r remailer.Result) { results <- r })
	p.deliver(testTo)
	assert.True(t, receive(t, results).OK())
}

func TestTestEmail(t *testing.T) {
	dialer, s := newPipeDialer(), newSinks()
	c := open(t, dialer, s)
	p := dialer.accept(t)
	p.greet()

	results := make(chan remailer.Result, 2)
	c.TestEmail(testFrom, testTo, func(r remailer.Result) { results <- r })
	c.TestEmail(testFrom, "nobody@example.test", func(r remailer.Result) { results <- r })

	p.expect("MAIL FROM:<" + testFrom + ">")
	p.reply(250, "2.1.0 Ok")
	p.expect("RCPT TO:<" + testTo + ">")
	p.reply(250, "2.1.5 Ok")
	p.expect("RSET")
	p.reply(250, "2.0.0 Ok")

	p.expect("MAIL FROM:<" + testFrom + ">")
	p.reply(250, "2.1.0 Ok")
	p.expect("RCPT TO:<nobody@example.test>")
	p.reply(550, "5.1.1 <nobody@example.test>: Recipient address rejected")
	p.expect("RSET")
	p.reply(250, "2.0.0 Ok")

	ok := receive(t, results)
	assert.True(t, ok.OK())
	assert.EqualValues(t, 250, ok.Code)

	refused := receive(t, results)
	assert.EqualValues(t, remailer.ReplyMailboxNotFound, refused.Code)
	var se *remailer.SMTPError
	require.ErrorAs(t, refused.Err, &se)
	assert.Equal(t, remailer.EnhancedCodeBadDest, se.EnhancedCode)
}

func TestNoop(t *testing.T) {
	dialer, s := newPipeDialer(), newSinks()
	c := open(t, dialer, s)
	p := dialer.accept(t)
	p.greet()
	require.True(t, s.waitConnect(t).ok)

	c.Noop()
	p.expect("NOOP")
	p.reply(250, "2.0.0 Ok")

	results := make(chan remailer.Result, 1)
	c.SendEmail(testFrom, testTo, []byte("x"), func(r remailer.Result) { results <- r })
	p.deliver(testTo)
	assert.True(t, receive(t, results).OK())
}

func TestTimeoutFailsActiveMessageOnce(t *testing.T) {
	dialer, s := newPipeDialer(), newSinks()
	c := open(t, dialer, s, WithTimeout(200*time.Millisecond), WithTick(10*time.Millisecond))
	p := dialer.accept(t)
	p.greet()
	require.True(t, s.waitConnect(t).ok)

	var calls atomic.Int32
	results := make(chan remailer.Result, 2)
	c.SendEmail(testFrom, testTo, []byte("x"), func(r remailer.Result) {
		calls.Add(1)
		results <- r
	})
	p.expect("MAIL FROM:<" + testFrom + ">")

	r := receive(t, results)
	assert.ErrorIs(t, r.Err, remailer.ErrTimeout)
	waitDone(t, c)

	assert.EqualValues(t, 1, calls.Load())
	assert.Zero(t, s.disconnectCount(), "timeout is reported through OnError only")
	assert.Contains(t, s.errorList(), "timeout: Response timed out before send could complete")
	assert.ErrorIs(t, c.Err(), remailer.ErrTimeout)
}

func TestTimeoutBeforeGreeting(t *testing.T) {
	dialer, s := newPipeDialer(), newSinks()
	c := open(t, dialer, s, WithTimeout(50*time.Millisecond), WithTick(10*time.Millisecond))
	dialer.accept(t)

	ev := s.waitConnect(t)
	assert.False(t, ev.ok)
	assert.Equal(t, "Timed out before a connection could be established to mx.example.test:25 using SMTP", ev.msg)

	waitDone(t, c)
	assert.ErrorIs(t, c.Err(), remailer.ErrTimeout)
	assert.Zero(t, s.disconnectCount())
}

func TestIdleTimeoutQuits(t *testing.T) {
	dialer, s := newPipeDialer(), newSinks()
	c := open(t, dialer, s, WithTimeout(100*time.Millisecond), WithTick(10*time.Millisecond))
	p := dialer.accept(t)
	p.greet()
	require.True(t, s.waitConnect(t).ok)

	p.expect("QUIT")
	waitDone(t, c)
	assert.Equal(t, 1, s.disconnectCount())
}

func TestDialFailure(t *testing.T) {
	dialer := &pipeDialer{err: errors.New("connection refused")}
	s := newSinks()
	c := open(t, dialer, s)

	results := make(chan remailer.Result, 1)
	c.SendEmail(testFrom, testTo, []byte("x"), func(r remailer.Result) { results <- r })

	ev := s.waitConnect(t)
	assert.False(t, ev.ok)
	assert.Equal(t, "Could not connect to mx.example.test:25: connection refused", ev.msg)

	assert.False(t, receive(t, results).OK())
	waitDone(t, c)
	assert.ErrorContains(t, c.Err(), "connection refused")
	assert.Equal(t, 1, s.disconnectCount())
}

func TestRemoteHangupFailsPending(t *testing.T) {
	dialer, s := newPipeDialer(), newSinks()
	c := open(t, dialer, s)
	p := dialer.accept(t)
	p.greet()
	require.True(t, s.waitConnect(t).ok)

	results := make(chan remailer.Result, 2)
	c.SendEmail(testFrom, testTo, []byte("x"), func(r remailer.Result) { results <- r })
	c.SendEmail(testFrom, testTo, []byte("y"), func(r remailer.Result) { results <- r })
	p.expect("MAIL FROM:<" + testFrom + ">")
	p.conn.Close()

	assert.ErrorIs(t, receive(t, results).Err, remailer.ErrDisconnected)
	assert.ErrorIs(t, receive(t, results).Err, remailer.ErrDisconnected)
	waitDone(t, c)
	assert.Equal(t, 1, s.disconnectCount())
}

func TestSendAfterClose(t *testing.T) {
	dialer, s := newPipeDialer(), newSinks()
	c := open(t, dialer, s)
	dialer.accept(t)

	c.Close()
	waitDone(t, c)
	ev := s.waitConnect(t)
	assert.False(t, ev.ok)

	var got remailer.Result
	called := false
	c.SendEmail(testFrom, testTo, []byte("x"), func(r remailer.Result) {
		got = r
		called = true
	})
	require.True(t, called, "callback must run synchronously once closed")
	assert.ErrorIs(t, got.Err, remailer.ErrClosed)
	assert.Empty(t, c.State())
}

func TestContextCancelCloses(t *testing.T) {
	dialer, s := newPipeDialer(), newSinks()
	ctx, cancel := context.WithCancel(context.Background())
	c, err := Open(ctx, "mx.example.test",
		WithDialer(dialer),
		WithNotifications(s.notifications()),
		WithLogger(slog.New(slog.DiscardHandler)),
	)
	require.NoError(t, err)
	dialer.accept(t)

	cancel()
	waitDone(t, c)
	assert.ErrorIs(t, c.Err(), remailer.ErrClosed)
	assert.ErrorIs(t, c.Err(), context.Canceled)
}

func TestAfterCompleteHook(t *testing.T) {
	var hooked atomic.Int32
	dialer, s := newPipeDialer(), newSinks()
	c := open(t, dialer, s, WithCloseWhenComplete(), WithAfterComplete(func() { hooked.Add(1) }))

	results := make(chan remailer.Result, 1)
	c.SendEmail(testFrom, testTo, []byte("x"), func(r remailer.Result) { results <- r })

	p := dialer.accept(t)
	p.greet()
	p.deliver(testTo)
	assert.True(t, receive(t, results).OK())

	p.expect("QUIT")
	p.reply(221, "2.0.0 Bye")
	waitDone(t, c)
	assert.EqualValues(t, 1, hooked.Load())
}

func TestCallbackPanicIsContained(t *testing.T) {
	dialer, s := newPipeDialer(), newSinks()
	c := open(t, dialer, s)
	p := dialer.accept(t)
	p.greet()

	c.SendEmail(testFrom, testTo, []byte("x"), func(remailer.Result) { panic("boom") })
	p.deliver(testTo)

	results := make(chan remailer.Result, 1)
	c.SendEmail(testFrom, testTo, []byte("y"), func(r remailer.Result) { results <- r })
	p.deliver(testTo)
	assert.True(t, receive(t, results).OK())
	assert.Contains(t, s.errorList(), "exception: callback panic: boom")
}

type fakeResolver map[string][]net.IPAddr

func (r fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	if addrs, ok := r[host]; ok {
		return addrs, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func TestProxyHandoff(t *testing.T) {
	dialer, s := newPipeDialer(), newSinks()
	resolver := fakeResolver{"mx.example.test": {
		{IP: net.ParseIP("2001:db8::7")},
		{IP: net.ParseIP("198.51.100.7")},
	}}
	c := open(t, dialer, s,
		WithProxy(remailer.ProxyParameters{Host: "proxy.test", Port: 1080}),
		WithResolver(resolver),
	)
	p := dialer.accept(t)
	assert.Equal(t, []string{"proxy.test:1080"}, dialer.dialed())

	assert.Equal(t, []byte{5, 1, socks5.MethodNoAuth}, p.read(3))
	p.write([]byte{5, socks5.MethodNoAuth})
	assert.Equal(t, []byte{5, 1, 0, 1, 198, 51, 100, 7, 0, 25}, p.read(10))

	// The greeting arrives in the same chunk as the CONNECT reply.
	reply := []byte{5, 0, 0, 1, 10, 0, 0, 1, 0x1f, 0x90}
	p.write(append(reply, "220 mx.example.test ESMTP\r\n"...))
	p.expect("EHLO client.test")
	p.reply(250, "mx.example.test")

	require.True(t, s.waitConnect(t).ok)
	assert.Equal(t, smtpclient.Label, c.Protocol())
	assert.Equal(t, smtpclient.StateReady, c.State())
}

func TestProxyFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	dialer, s := newPipeDialer(), newSinks()
	c := open(t, dialer, s,
		WithProxy(remailer.ProxyParameters{Host: "proxy.test"}),
		WithPort(587),
		WithResolver(fakeResolver{}),
		WithMetrics(metrics),
	)

	results := make(chan remailer.Result, 1)
	c.SendEmail(testFrom, testTo, []byte("x"), func(r remailer.Result) { results <- r })

	p := dialer.accept(t)
	assert.Equal(t, []string{"proxy.test:1080"}, dialer.dialed())
	p.read(3)
	p.write([]byte{5, socks5.MethodNoAuth})

	ev := s.waitConnect(t)
	assert.False(t, ev.ok)
	assert.Equal(t, "socks5: could not resolve hostname mx.example.test", ev.msg)

	r := receive(t, results)
	assert.ErrorContains(t, r.Err, "could not resolve hostname")
	waitDone(t, c)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ProxyFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Connections.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Messages.WithLabelValues("failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.Active))
}

func TestProxyRefused(t *testing.T) {
	dialer, s := newPipeDialer(), newSinks()
	open(t, dialer, s,
		WithProxy(remailer.ProxyParameters{Host: "proxy.test"}),
		WithResolver(fakeResolver{"mx.example.test": {{IP: net.ParseIP("192.0.2.25")}}}),
	)

	p := dialer.accept(t)
	p.read(3)
	p.write([]byte{5, socks5.MethodNoAuth})
	assert.Equal(t, []byte{5, 1, 0, 1, 192, 0, 2, 25, 0, 25}, p.read(10))
	p.write([]byte{5, 5, 0, 1, 0, 0, 0, 0, 0, 0})

	ev := s.waitConnect(t)
	assert.False(t, ev.ok)
	assert.Equal(t, "Proxy server returned error code 5: Connection refused", ev.msg)
	assert.Contains(t, s.errorList(), "SOCKS5_5: Proxy server returned error code 5: Connection refused")
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	dialer, s := newPipeDialer(), newSinks()
	c := open(t, dialer, s, WithMetrics(metrics), WithCloseWhenComplete())

	results := make(chan remailer.Result, 2)
	c.SendEmail(testFrom, testTo, []byte("x"), func(r remailer.Result) { results <- r })
	c.SendEmail(testFrom, "nobody@example.test", []byte("x"), func(r remailer.Result) { results <- r })

	p := dialer.accept(t)
	p.greet()
	p.deliver(testTo)
	p.expect("MAIL FROM:<" + testFrom + ">")
	p.reply(250, "2.1.0 Ok")
	p.expect("RCPT TO:<nobody@example.test>")
	p.reply(550, "5.1.1 No such user")
	p.expect("RSET")
	p.reply(250, "2.0.0 Ok")
	p.expect("QUIT")
	p.reply(221, "2.0.0 Bye")
	waitDone(t, c)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Connections.WithLabelValues("established")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Messages.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Messages.WithLabelValues("rejected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.Active))
}
