package connection

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/alexisbouchez/remailer"
)

// Defaults applied by Open.
const (
	DefaultTimeout = 5 * time.Second
	DefaultTick    = time.Second
)

// ErrNoHost is returned by Open when no target host is given.
var ErrNoHost = errors.New("connection: no host")

// Dialer opens the TCP connection to the target or the proxy.
// *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Resolver looks up destination hosts for proxied connections.
// *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Option configures a Connection.
type Option func(*options)

type options struct {
	port       int
	hostname   string
	proxy      *remailer.ProxyParameters
	username   string
	password   string
	useTLS     bool
	requireTLS bool
	tlsConfig  *tls.Config
	timeout    time.Duration
	tick       time.Duration

	notify        remailer.Notifications
	logger        *slog.Logger
	dialer        Dialer
	resolver      Resolver
	metrics       *Metrics
	afterComplete func()
	closeWhenDone bool
}

func defaultOptions() options {
	return options{
		port:     remailer.SMTPPort,
		timeout:  DefaultTimeout,
		tick:     DefaultTick,
		logger:   slog.Default(),
		dialer:   &net.Dialer{},
		resolver: net.DefaultResolver,
	}
}

func (o *options) validate() error {
	if o.port <= 0 || o.port > 65535 {
		return fmt.Errorf("connection: invalid port %d", o.port)
	}
	if o.timeout <= 0 {
		return fmt.Errorf("connection: invalid timeout %s", o.timeout)
	}
	if o.tick <= 0 {
		return fmt.Errorf("connection: invalid tick %s", o.tick)
	}
	if o.proxy != nil && o.proxy.Host == "" {
		return errors.New("connection: proxy without host")
	}
	if o.hostname == "" {
		name, err := os.Hostname()
		if err != nil || name == "" {
			name = "localhost"
		}
		o.hostname = name
	}
	return nil
}

// WithPort sets the SMTP port of the target. The default is 25.
func WithPort(port int) Option {
	return func(o *options) { o.port = port }
}

// WithHostname sets the name announced in EHLO/HELO. The default is the
// local host name.
func WithHostname(name string) Option {
	return func(o *options) { o.hostname = name }
}

// WithProxy tunnels the connection through a SOCKS5 proxy.
func WithProxy(p remailer.ProxyParameters) Option {
	return func(o *options) { o.proxy = &p }
}

// WithCredentials enables SMTP AUTH.
func WithCredentials(username, password string) Option {
	return func(o *options) {
		o.username = username
		o.password = password
	}
}

// WithTLS upgrades the session with STARTTLS when the server offers it.
func WithTLS(enabled bool) Option {
	return func(o *options) { o.useTLS = enabled }
}

// WithRequireTLS refuses to continue in plaintext.
func WithRequireTLS(required bool) Option {
	return func(o *options) { o.requireTLS = required }
}

// WithTLSConfig sets the client TLS configuration used for STARTTLS. When
// ServerName is empty the target host is used.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) { o.tlsConfig = cfg }
}

// WithTimeout sets the inactivity timeout. The default is 5s.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithTick sets how often the inactivity deadline is checked.
func WithTick(d time.Duration) Option {
	return func(o *options) { o.tick = d }
}

// WithNotifications sets the notification sinks.
func WithNotifications(n remailer.Notifications) Option {
	return func(o *options) { o.notify = n }
}

// WithLogger sets the structured logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDialer replaces the TCP dialer.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithResolver replaces the resolver used for proxied destinations.
func WithResolver(r Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithMetrics records connection and message outcomes.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithCloseWhenComplete quits as soon as the queue drains.
func WithCloseWhenComplete() Option {
	return func(o *options) { o.closeWhenDone = true }
}

// WithAfterComplete registers fn to run on the event loop when the queue
// drains on a connection set to close when complete, right before QUIT.
func WithAfterComplete(fn func()) Option {
	return func(o *options) { o.afterComplete = fn }
}
