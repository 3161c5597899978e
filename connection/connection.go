// Package connection runs one outbound SMTP session, optionally tunnelled
// through a SOCKS5 proxy.
//
// Every connection owns a single event-loop goroutine. Socket reads, dial
// and resolver results, timer ticks and caller requests are all delivered to
// it as events, so the protocol interpreters never need locks. Message
// callbacks and notification sinks run on that goroutine: they may submit
// more messages but must not block or call the query methods (State,
// Capabilities, Err) of the same connection.
//
//	conn, err := connection.Open(ctx, "mx.example.com",
//		connection.WithPort(587),
//		connection.WithCredentials("user", "secret"),
//		connection.WithTLS(true),
//	)
//	if err != nil {
//		return err
//	}
//	conn.SendEmail("from@example.com", "to@example.org", body, func(r remailer.Result) {
//		log.Println(r.Code, r.Text, r.Err)
//	})
//	conn.CloseWhenComplete()
//	<-conn.Done()
package connection

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"

	"github.com/alexisbouchez/remailer"
	"github.com/alexisbouchez/remailer/fsm"
)

// Connection is the caller's handle on a session. Its methods are safe for
// concurrent use.
type Connection struct {
	id   string
	host string
	port int

	mb   *mailbox
	done chan struct{}
	d    *driver
}

// Open validates the options and starts connecting to host in the
// background. Cancelling ctx closes the connection.
func Open(ctx context.Context, host string, opts ...Option) (*Connection, error) {
	if host == "" {
		return nil, ErrNoHost
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	c := &Connection{
		id:   uuid.NewString(),
		host: host,
		port: o.port,
		mb:   newMailbox(),
		done: make(chan struct{}),
	}
	lctx, cancel := context.WithCancel(ctx)
	c.d = newDriver(lctx, cancel, c, o)

	go c.d.run()
	go func() {
		select {
		case <-lctx.Done():
			c.mb.post(func() {
				c.d.closeConnection(fmt.Errorf("%w: %w", remailer.ErrClosed, context.Cause(lctx)))
			})
		case <-c.done:
		}
	}()
	return c, nil
}

// ID is a unique identifier attached to every log record of the connection.
func (c *Connection) ID() string { return c.id }

// Addr returns the target host:port.
func (c *Connection) Addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// SendEmail queues a message. cb receives the outcome exactly once, on the
// connection goroutine.
func (c *Connection) SendEmail(from, to string, data []byte, cb func(remailer.Result)) {
	c.Send(&remailer.Message{From: from, To: to, Data: data, Callback: cb})
}

// TestEmail queues an address verification: the transaction is reset right
// after the server answers RCPT TO.
func (c *Connection) TestEmail(from, to string, cb func(remailer.Result)) {
	c.Send(&remailer.Message{From: from, To: to, Test: true, Callback: cb})
}

// Send queues msg. Messages are sent one at a time in submission order. On a
// closed connection the callback runs immediately with ErrClosed.
func (c *Connection) Send(msg *remailer.Message) {
	if !c.mb.post(func() { c.d.enqueue(msg) }) {
		msg.Complete(remailer.FailureResult(remailer.ErrClosed, "Connection is closed"))
	}
}

// CloseWhenComplete quits once every queued message has completed.
func (c *Connection) CloseWhenComplete() {
	c.mb.post(c.d.closeWhenComplete)
}

// Noop sends a NOOP keepalive if the session is idle.
func (c *Connection) Noop() {
	c.mb.post(c.d.noop)
}

// Close drops the connection without waiting for the queue. Pending
// messages fail with ErrClosed. It does not block.
func (c *Connection) Close() {
	c.mb.post(func() {
		c.d.DebugNotification("close", "Closing connection")
		c.d.closeConnection(remailer.ErrClosed)
	})
}

// Done is closed once the connection has shut down and every callback has
// run.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Wait blocks until the connection has shut down or ctx is done.
func (c *Connection) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the state of the active interpreter, or "" when none is
// running.
func (c *Connection) State() (st fsm.State) {
	c.query(func(d *driver) {
		if d.active != nil {
			st = d.active.State()
		}
	})
	return st
}

// Protocol returns the label of the active interpreter, SMTP or SOCKS5.
func (c *Connection) Protocol() (label string) {
	c.query(func(d *driver) { label = d.label() })
	return label
}

// Capabilities returns a snapshot of what the server advertised.
func (c *Connection) Capabilities() (caps remailer.Capabilities) {
	c.query(func(d *driver) { caps = d.caps.Clone() })
	return caps
}

// Connected reports whether the session has been established.
func (c *Connection) Connected() (ok bool) {
	c.query(func(d *driver) { ok = d.connected && !d.closed })
	return ok
}

// Err returns the reason the connection shut down, or nil while it is open.
func (c *Connection) Err() (err error) {
	c.query(func(d *driver) { err = d.err })
	return err
}

// query runs fn on the loop and waits for it. Once the loop has stopped the
// driver no longer changes and fn runs on the caller's goroutine.
func (c *Connection) query(fn func(d *driver)) {
	ch := make(chan struct{})
	if c.mb.post(func() {
		defer close(ch)
		fn(c.d)
	}) {
		<-ch
		return
	}
	<-c.done
	fn(c.d)
}
