package connection

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/alexisbouchez/remailer"
	"github.com/alexisbouchez/remailer/fsm"
	"github.com/alexisbouchez/remailer/smtpclient"
	"github.com/alexisbouchez/remailer/socks5"
)

const readSize = 4096

// driver is the loop-owned side of a Connection. It is the delegate of the
// SMTP and SOCKS5 interpreters; none of its fields may be touched outside
// the loop goroutine.
type driver struct {
	c      *Connection
	opts   options
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	// resume hands the reader goroutine the socket to read next, or nil to
	// stop. The loop answers every chunk it receives exactly once.
	resume chan net.Conn

	conn   net.Conn
	buf    []byte
	active fsm.Interpreter
	smtp   *smtpclient.Machine
	caps   remailer.Capabilities

	queue   []*remailer.Message
	message *remailer.Message

	deadline          time.Time
	connectingToProxy bool
	connectReported   bool
	connected         bool
	announced         bool
	closeWhenDone     bool
	closed            bool
	timedOut          bool
	err               error
}

func newDriver(ctx context.Context, cancel context.CancelFunc, c *Connection, o options) *driver {
	return &driver{
		c:    c,
		opts: o,
		logger: o.logger.With(
			slog.String("conn_id", c.id),
			slog.String("host", c.Addr()),
		),
		ctx:           ctx,
		cancel:        cancel,
		resume:        make(chan net.Conn, 1),
		caps:          remailer.Capabilities{Protocol: remailer.ProtocolSMTP},
		closeWhenDone: o.closeWhenDone,
	}
}

func (d *driver) run() {
	defer close(d.c.done)
	ticker := time.NewTicker(d.opts.tick)
	defer ticker.Stop()

	d.opts.metrics.opened()
	defer d.opts.metrics.closed()

	d.safely(d.dial)
	for !d.closed {
		select {
		case <-d.c.mb.wake:
			for _, fn := range d.c.mb.take() {
				d.safely(fn)
			}
		case now := <-ticker.C:
			d.safely(func() { d.checkTimeout(now) })
		}
	}

	// Events that raced the shutdown still run so their callbacks fire.
	for _, fn := range d.c.mb.stop() {
		d.safely(fn)
	}
	d.logger.Debug("connection loop stopped", slog.Any("reason", d.err))
}

func (d *driver) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic: %v", r)
			d.logger.Error("event handler panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			remailer.Send(d.opts.notify.Error, "exception", msg)
			remailer.Send(d.opts.notify.OnError, "exception", msg)
		}
	}()
	fn()
}

func (d *driver) dial() {
	addr := d.c.Addr()
	if p := d.opts.proxy; p != nil {
		addr = p.Addr()
		d.connectingToProxy = true
	}
	d.resetTimeout()
	d.DebugNotification("connect", "Connecting to "+addr)

	dialer, ctx := d.opts.dialer, d.ctx
	go func() {
		nc, err := dialer.DialContext(ctx, "tcp", addr)
		if !d.c.mb.post(func() { d.dialed(nc, err) }) && nc != nil {
			nc.Close()
		}
	}()
}

func (d *driver) dialed(nc net.Conn, err error) {
	if d.closed {
		if nc != nil {
			nc.Close()
		}
		return
	}
	if err != nil {
		msg := fmt.Sprintf("Could not connect to %s: %v", d.remoteAddr(), err)
		d.DebugNotification("error", msg)
		d.ErrorNotification("connect", msg)
		d.ConnectNotification(false, msg)
		d.closeConnection(fmt.Errorf("connection: dial %s: %w", d.remoteAddr(), err))
		return
	}

	d.conn = nc
	d.resetTimeout()
	go d.read(nc)

	if d.opts.proxy != nil {
		d.active = socks5.New(d, fsm.WithObserver(d))
		return
	}
	d.useSMTP()
}

func (d *driver) useSMTP() {
	d.smtp = smtpclient.New(d, fsm.WithObserver(d))
	d.active = d.smtp
}

// read feeds socket data to the loop one chunk at a time. After each chunk
// it waits for the loop to hand back the socket, which STARTTLS may have
// replaced.
func (d *driver) read(nc net.Conn) {
	buf := make([]byte, readSize)
	for {
		n, err := nc.Read(buf)
		data := append([]byte(nil), buf[:n]...)
		if !d.c.mb.post(func() { d.receive(data, err) }) {
			return
		}
		select {
		case next := <-d.resume:
			if next == nil {
				return
			}
			nc = next
		case <-d.c.done:
			return
		}
	}
}

func (d *driver) receive(data []byte, err error) {
	defer func() {
		if d.closed {
			d.resume <- nil
			return
		}
		d.resume <- d.conn
	}()
	if d.closed {
		return
	}

	if len(data) > 0 {
		d.resetTimeout()
		d.buf = append(d.buf, data...)
		d.process()
	}
	if err != nil && !d.closed {
		if errors.Is(err, io.EOF) {
			d.DebugNotification("disconnect", "Connection closed by remote")
		} else {
			d.DebugNotification("error", "Read failed: "+err.Error())
		}
		d.closeConnection(remailer.ErrDisconnected)
	}
}

// process runs the buffer through the active interpreter, and through its
// successor when the interpreter hands the socket over.
func (d *driver) process() {
	for d.active != nil && len(d.buf) > 0 {
		in := d.active
		in.Process(&d.buf, func(tok fsm.Token) {
			d.DebugNotification("receive", fmt.Sprintf("[%s] %s", in.Label(), tok))
		})
		if d.active == in {
			break
		}
	}
	if d.active == nil && len(d.buf) > 0 && !d.closed {
		d.ErrorNotification("out_of_band", "Receiving data before a protocol has been established.")
		d.buf = d.buf[:0]
	}
}

func (d *driver) resetTimeout() {
	if !d.closed {
		d.deadline = time.Now().Add(d.opts.timeout)
	}
}

func (d *driver) checkTimeout(now time.Time) {
	if d.closed || d.deadline.IsZero() || now.Before(d.deadline) {
		return
	}
	d.deadline = time.Time{}

	switch {
	case d.message != nil:
		const msg = "Response timed out before send could complete"
		active := d.message
		d.message = nil
		d.complete(active, remailer.FailureResult(remailer.ErrTimeout, msg))
		d.DebugNotification("timeout", msg)
		d.ErrorNotification("timeout", msg)
		remailer.Send(d.opts.notify.OnError, "timeout", msg)
		d.timedOut = true
	case !d.connected:
		msg := fmt.Sprintf("Timed out before a connection could be established to %s using %s",
			d.remoteAddr(), d.label())
		d.DebugNotification("timeout", msg)
		d.ErrorNotification("timeout", msg)
		d.ConnectNotification(false, msg)
		d.timedOut = true
	default:
		d.DebugNotification("timeout", "Connection idle")
		if d.smtp != nil {
			smtpclient.RequestQuit(d.smtp)
		}
	}
	d.closeConnection(remailer.ErrTimeout)
}

// closeConnection tears the session down: the socket is closed, pending
// messages fail with reason and OnDisconnect fires, unless a timeout was
// already reported for a message or the connect attempt. Only the first
// call has any effect.
func (d *driver) closeConnection(reason error) {
	if d.closed {
		return
	}
	if d.conn != nil {
		d.conn.Close()
	}
	d.DebugNotification("closed", "Connection closed")
	if !d.connectReported {
		d.ConnectNotification(false, "Connection closed before the session was established")
	}

	d.closed = true
	d.connected = false
	d.deadline = time.Time{}
	d.err = reason
	d.failPending(reason)
	d.active, d.smtp = nil, nil
	d.buf = nil
	d.cancel()

	d.logger.Info("connection closed", slog.Any("reason", reason))
	if !d.timedOut {
		remailer.Send(d.opts.notify.OnDisconnect, "disconnect", d.remoteAddr())
	}
}

func (d *driver) failPending(reason error) {
	r := resultFor(reason)
	if msg := d.message; msg != nil {
		d.message = nil
		d.complete(msg, r)
	}
	queue := d.queue
	d.queue = nil
	for _, msg := range queue {
		d.complete(msg, r)
	}
}

// complete delivers r to msg. A panicking callback is reported and does not
// disturb the session.
func (d *driver) complete(msg *remailer.Message, r remailer.Result) {
	if msg.Completed() {
		return
	}
	d.opts.metrics.message(r.OK(), r.Err)
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("message callback panicked", slog.Any("panic", p))
			remailer.Send(d.opts.notify.Error, "exception", fmt.Sprintf("callback panic: %v", p))
		}
	}()
	msg.Complete(r)
}

func resultFor(err error) remailer.Result {
	var se *remailer.SMTPError
	if errors.As(err, &se) {
		return remailer.Result{Code: se.Code, Text: se.Message, Err: err}
	}
	return remailer.FailureResult(err, err.Error())
}

func isReply(err error) bool {
	var se *remailer.SMTPError
	return errors.As(err, &se)
}

func (d *driver) enqueue(msg *remailer.Message) {
	if d.closed {
		d.complete(msg, remailer.FailureResult(remailer.ErrClosed, "Connection is closed"))
		return
	}
	var bad *remailer.SMTPError
	if err := msg.Validate(); errors.As(err, &bad) {
		d.debugf("queue", "Refused message for %s: %s", msg.To, bad.Message)
		d.complete(msg, remailer.RejectResult(bad))
		return
	}
	d.queue = append(d.queue, msg)
	d.debugf("queue", "Queued message for %s (%d pending)", msg.To, len(d.queue))
	if d.idle() {
		d.Ready()
	}
}

func (d *driver) idle() bool {
	return d.smtp != nil && d.smtp.State() == smtpclient.StateReady && d.message == nil
}

func (d *driver) closeWhenComplete() {
	d.closeWhenDone = true
	if d.idle() {
		d.Ready()
	}
}

func (d *driver) noop() {
	if d.smtp != nil && d.message == nil {
		smtpclient.RequestNoop(d.smtp)
	}
}

func (d *driver) label() string {
	switch {
	case d.active != nil:
		return d.active.Label()
	case d.connectingToProxy:
		return socks5.Label
	}
	return smtpclient.Label
}

func (d *driver) remoteAddr() string {
	if d.connectingToProxy && d.opts.proxy != nil {
		return d.opts.proxy.Addr()
	}
	return d.c.Addr()
}

func (d *driver) write(p []byte) {
	if d.conn == nil || d.closed {
		return
	}
	d.resetTimeout()
	_ = d.conn.SetWriteDeadline(time.Now().Add(d.opts.timeout))
	if _, err := d.conn.Write(p); err != nil {
		d.DebugNotification("error", "Write failed: "+err.Error())
		d.closeConnection(remailer.ErrDisconnected)
	}
}

func (d *driver) debugf(code, format string, args ...any) {
	d.DebugNotification(code, fmt.Sprintf(format, args...))
}

// Transport.

func (d *driver) SendLine(line string) {
	d.DebugNotification("send", fmt.Sprintf("[%s] %s", d.label(), strconv.Quote(line)))
	d.write(append([]byte(line), '\r', '\n'))
}

func (d *driver) SendData(p []byte) {
	d.write(p)
}

func (d *driver) CloseConnection() {
	reason := remailer.ErrClosed
	if d.active != nil && d.active.Err() != nil {
		reason = d.active.Err()
	}
	d.closeConnection(reason)
}

// Notifier.

func (d *driver) DebugNotification(code, message string) {
	d.logger.Debug(message, slog.String("code", code), slog.String("protocol", d.label()))
	remailer.Send(d.opts.notify.Debug, code, message)
}

func (d *driver) ErrorNotification(code, message string) {
	d.logger.Warn(message, slog.String("code", code), slog.String("protocol", d.label()))
	remailer.Send(d.opts.notify.Error, code, message)
}

func (d *driver) ConnectNotification(ok bool, message string) {
	if d.closed {
		return
	}
	if message == "" {
		message = d.caps.Remote
	}
	d.connectReported = true
	d.connected = ok
	d.opts.metrics.connection(ok)
	remailer.Send(d.opts.notify.Connect, ok, message)

	if !ok {
		remailer.Send(d.opts.notify.OnError, "connect", message)
		return
	}
	d.logger.Info("session established",
		slog.String("remote", d.caps.Remote),
		slog.String("protocol", string(d.caps.Protocol)),
	)
	if !d.announced {
		d.announced = true
		remailer.Send(d.opts.notify.OnConnect, "connect", message)
	}
}

// fsm.StateObserver.

func (d *driver) InterpreterEnteredState(label string, st fsm.State) {
	d.debugf("state", "[%s] %s", label, st)
	if label == socks5.Label && st == socks5.StateFailed {
		d.opts.metrics.proxyFailure()
	}
}

// smtpclient.Delegate.

func (d *driver) Hostname() string { return d.opts.hostname }
func (d *driver) UseTLS() bool     { return d.opts.useTLS }
func (d *driver) RequireTLS() bool { return d.opts.requireTLS }

func (d *driver) Credentials() (string, string) {
	return d.opts.username, d.opts.password
}

func (d *driver) Capabilities() *remailer.Capabilities { return &d.caps }

func (d *driver) ActiveMessage() *remailer.Message { return d.message }

func (d *driver) MessageSent(r remailer.Result) {
	msg := d.message
	if msg == nil {
		return
	}
	d.message = nil
	d.debugf("result", "%d %s", r.Code, r.Text)
	d.complete(msg, r)
}

// Ready starts the next queued message, or quits when the queue is empty
// and the connection should close once complete.
func (d *driver) Ready() {
	d.resetTimeout()
	if d.message != nil || d.smtp == nil || d.closed {
		return
	}
	if len(d.queue) > 0 {
		d.message = d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.smtp.EnterState(smtpclient.StateSend)
		return
	}
	if d.closeWhenDone {
		if fn := d.opts.afterComplete; fn != nil {
			fn()
		}
		smtpclient.RequestQuit(d.smtp)
	}
}

func (d *driver) StartTLS() error {
	if d.conn == nil {
		return remailer.ErrClosed
	}
	cfg := d.opts.tlsConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = d.c.host
	}

	tc := tls.Client(d.conn, cfg)
	ctx, cancel := context.WithTimeout(d.ctx, d.opts.timeout)
	defer cancel()
	if err := tc.HandshakeContext(ctx); err != nil {
		return err
	}
	d.conn = tc
	// Anything buffered before the handshake was not protected by TLS.
	d.buf = d.buf[:0]
	d.resetTimeout()

	state := tc.ConnectionState()
	d.debugf("tls", "TLS established (%s, %s)",
		tls.VersionName(state.Version), tls.CipherSuiteName(state.CipherSuite))
	return nil
}

// socks5.Delegate.

func (d *driver) Proxy() remailer.ProxyParameters {
	if d.opts.proxy == nil {
		return remailer.ProxyParameters{}
	}
	return *d.opts.proxy
}

func (d *driver) Destination() (string, int) { return d.c.host, d.c.port }

func (d *driver) ProxyConnectionInitiated() { d.connectingToProxy = false }

// Resolve looks host up on its own goroutine; done runs on the loop unless
// the connection closed in the meantime.
func (d *driver) Resolve(host string, done func(net.IP, error)) {
	resolver, parent, timeout := d.opts.resolver, d.ctx, d.opts.timeout
	go func() {
		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()
		ip, err := lookup(ctx, resolver, host)
		d.c.mb.post(func() {
			if !d.closed {
				done(ip, err)
			}
		})
	}()
}

// lookup prefers an IPv4 address, the only kind the proxy negotiation
// supports.
func lookup(ctx context.Context, r Resolver, host string) (net.IP, error) {
	addrs, err := r.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if ip4 := a.IP.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	if len(addrs) > 0 {
		return addrs[0].IP, nil
	}
	return nil, fmt.Errorf("connection: no addresses for %s", host)
}

// socks5.ProxyObserver.

func (d *driver) AfterProxyConnected() {
	d.DebugNotification("proxy", "Handing the tunnel over to SMTP")
	d.resetTimeout()
	d.useSMTP()
}
