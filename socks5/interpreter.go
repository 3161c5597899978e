// Package socks5 negotiates a TCP tunnel through a SOCKS5 proxy (RFC 1928)
// as an incremental state machine on top of package fsm.
//
// Only the CONNECT command to an IPv4 destination is implemented. The
// destination host is resolved locally, without blocking the connection,
// before the CONNECT request is sent.
package socks5

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/alexisbouchez/remailer"
	"github.com/alexisbouchez/remailer/fsm"
)

// Label identifies the protocol in notifications and diagnostics.
const Label = "SOCKS5"

// Protocol constants (RFC 1928, RFC 1929).
const (
	Version = 5

	MethodNoAuth           = 0
	MethodGSSAPI           = 1
	MethodUsernamePassword = 2
	MethodNoAcceptable     = 0xFF

	CommandConnect = 1
	CommandBind    = 2

	AddressIPv4       = 1
	AddressDomainName = 3
	AddressIPv6       = 4
)

// States of the negotiation, in addition to fsm.Initialized and
// fsm.Terminated.
const (
	StateConnectToProxy      fsm.State = "connect_to_proxy"
	StateAuthentication      fsm.State = "authentication"
	StateResolving           fsm.State = "resolving_destination"
	StateConnectThroughProxy fsm.State = "connect_through_proxy"
	StateConnected           fsm.State = "connected"
	StateFailed              fsm.State = "failed"
)

const connectReplyLen = 10

// Delegate is the connection a SOCKS5 interpreter drives.
type Delegate interface {
	remailer.Transport
	remailer.Notifier

	// Proxy returns the proxy being negotiated with.
	Proxy() remailer.ProxyParameters
	// Destination is the host and port the tunnel should reach.
	Destination() (host string, port int)
	// Resolve looks host up without blocking and calls done with the result
	// on the goroutine that drives the interpreter.
	Resolve(host string, done func(net.IP, error))
	// ProxyConnectionInitiated is called once the CONNECT request is about to
	// be sent; from then on timeouts are attributed to the destination.
	ProxyConnectionInitiated()
}

// ProxyObserver is implemented by delegates that take over the socket once
// the tunnel is up, typically by replacing the interpreter.
type ProxyObserver interface {
	AfterProxyConnected()
}

// Session is the per-connection state of a negotiation.
type Session struct {
	d      Delegate
	dest   net.IP
	reason error
}

// Delegate returns the connection the session reports to.
func (s *Session) Delegate() Delegate { return s.d }

// Destination returns the resolved destination address, if any.
func (s *Session) Destination() net.IP { return s.dest }

// Machine is a SOCKS5 client interpreter.
type Machine = fsm.Machine[*Session]

// New starts a negotiation on a freshly connected proxy socket: the method
// request is sent right away.
func New(d Delegate, opts ...fsm.Option) *Machine {
	return fsm.New(Definition, &Session{d: d}, opts...)
}

// BoundAddress is the address the proxy reports in its CONNECT reply.
type BoundAddress struct {
	Type byte
	IP   net.IP
	Port uint16
}

// Definition is the SOCKS5 client state table.
var Definition = fsm.MustDefine(Label, func(b *fsm.Builder[*Session]) {
	b.InitialState(StateConnectToProxy)
	b.Parse(fsm.ParseBytes(2, decodePair))

	b.State(StateConnectToProxy, func(s *fsm.StateBuilder[*Session]) {
		s.Enter(func(m *Machine) {
			d := m.Context().d
			proxy := d.Proxy()
			d.DebugNotification("proxy", "Initiating proxy connection through "+proxy.Addr())
			d.SendData(methodRequest(proxy))
		})

		s.OnLine(fsm.Code(MethodUsernamePassword), func(m *Machine, tok fsm.Token) {
			if checkVersion(m, tok) {
				m.EnterState(StateAuthentication)
			}
		})
		s.OnLine(fsm.Code(MethodNoAuth), func(m *Machine, tok fsm.Token) {
			if checkVersion(m, tok) {
				m.EnterState(StateResolving)
			}
		})
		s.Default(func(m *Machine, tok fsm.Token) {
			fail(m, fmt.Errorf("socks5: proxy accepted no offered method (0x%02x)", tok.Code))
		})
	})

	b.State(StateAuthentication, func(s *fsm.StateBuilder[*Session]) {
		s.Enter(func(m *Machine) {
			d := m.Context().d
			d.DebugNotification("proxy", "Sending proxy authentication")
			d.SendData(credentialRequest(d.Proxy()))
		})

		s.OnLine(fsm.Code(0), func(m *Machine, tok fsm.Token) { m.EnterState(StateResolving) })
		s.Default(func(m *Machine, tok fsm.Token) {
			fail(m, fmt.Errorf("socks5: proxy rejected credentials (status %d)", tok.Code))
		})
	})

	b.State(StateResolving, func(s *fsm.StateBuilder[*Session]) {
		s.Enter(func(m *Machine) {
			sess := m.Context()
			host, _ := sess.d.Destination()
			if ip := net.ParseIP(host); ip != nil {
				sess.dest = ip
				m.EnterState(StateConnectThroughProxy)
				return
			}
			sess.d.Resolve(host, func(ip net.IP, err error) {
				if m.State() != StateResolving {
					return
				}
				if err != nil {
					sess.d.DebugNotification("resolver", fmt.Sprintf("Address %s could not be resolved: %v", host, err))
				} else {
					sess.d.DebugNotification("resolver", fmt.Sprintf("Address %s resolved as %s", host, ip))
					sess.dest = ip
				}
				m.EnterState(StateConnectThroughProxy)
			})
		})
	})

	b.State(StateConnectThroughProxy, func(s *fsm.StateBuilder[*Session]) {
		s.Parse(fsm.ParseBytes(connectReplyLen, decodeConnectReply))

		s.Enter(func(m *Machine) {
			sess := m.Context()
			d := sess.d
			d.ProxyConnectionInitiated()

			host, port := d.Destination()
			switch {
			case sess.dest == nil:
				fail(m, fmt.Errorf("socks5: could not resolve hostname %s", host))
				return
			case sess.dest.To4() == nil:
				fail(m, fmt.Errorf("socks5: %s: only IPv4 destinations are supported", sess.dest))
				return
			}

			d.DebugNotification("proxy", fmt.Sprintf("Sending proxy connection request to %s:%d", sess.dest, port))
			d.SendData(connectRequest(sess.dest, port))
		})

		s.OnLine(fsm.Code(0), func(m *Machine, tok fsm.Token) {
			if !checkVersion(m, tok) {
				return
			}
			// Only the 10-byte IPv4 form was consumed; any longer bound
			// address would leave its tail in front of the SMTP greeting.
			if bound, _ := tok.Value.(BoundAddress); bound.Type != AddressIPv4 {
				fail(m, fmt.Errorf("socks5: unsupported bound address type %d", bound.Type))
				return
			}
			m.EnterState(StateConnected)
		})
		s.Default(func(m *Machine, tok fsm.Token) {
			fail(m, &ReplyError{Code: tok.Code})
		})
	})

	b.State(StateConnected, func(s *fsm.StateBuilder[*Session]) {
		s.Enter(func(m *Machine) {
			d := m.Context().d
			host, port := d.Destination()
			d.DebugNotification("proxy", fmt.Sprintf("Tunnel to %s:%d established", host, port))
		})
		s.Terminate(func(m *Machine) {
			if obs, ok := m.Context().d.(ProxyObserver); ok {
				obs.AfterProxyConnected()
			}
		})
	})

	b.State(StateFailed, func(s *fsm.StateBuilder[*Session]) {
		s.Enter(func(m *Machine) {
			sess := m.Context()
			code := "SOCKS5"
			if re, ok := sess.reason.(*ReplyError); ok {
				code = fmt.Sprintf("SOCKS5_%d", re.Code)
			}
			msg := sess.reason.Error()
			sess.d.DebugNotification("error", msg)
			sess.d.ErrorNotification(code, msg)
			sess.d.ConnectNotification(false, msg)
			m.SetError(sess.reason)
			sess.d.CloseConnection()
		})
		s.Terminate()
	})
})

func fail(m *Machine, err error) {
	m.Context().reason = err
	m.EnterState(StateFailed)
}

func checkVersion(m *Machine, tok fsm.Token) bool {
	if v, _ := versionOf(tok); v != Version {
		fail(m, fmt.Errorf("socks5: unexpected protocol version %d", v))
		return false
	}
	return true
}

func versionOf(tok fsm.Token) (int, bool) {
	switch v := tok.Value.(type) {
	case int:
		return v, true
	case BoundAddress:
		return Version, true
	}
	return 0, false
}

// decodePair reads the two-byte replies: [version][method] and
// [version][status].
func decodePair(part []byte) (fsm.Token, bool) {
	return fsm.Token{Code: int(part[1]), Value: int(part[0])}, true
}

// decodeConnectReply reads [5][rep][0][atyp][4-byte addr][2-byte port].
func decodeConnectReply(part []byte) (fsm.Token, bool) {
	if part[0] != Version {
		return fsm.Token{Code: int(part[1]), Value: int(part[0])}, true
	}
	bound := BoundAddress{Type: part[3]}
	if bound.Type == AddressIPv4 {
		bound.IP = net.IPv4(part[4], part[5], part[6], part[7])
		bound.Port = binary.BigEndian.Uint16(part[8:10])
	}
	return fsm.Token{Code: int(part[1]), Value: bound}, true
}

func methodRequest(p remailer.ProxyParameters) []byte {
	methods := []byte{MethodNoAuth}
	if p.HasCredentials() {
		methods = append(methods, MethodUsernamePassword)
	}
	return append([]byte{Version, byte(len(methods))}, methods...)
}

// credentialRequest frames [5][ulen][user][plen][pass]. Fields longer than
// 255 bytes are truncated.
func credentialRequest(p remailer.ProxyParameters) []byte {
	user, pass := truncate(p.Username), truncate(p.Password)
	out := make([]byte, 0, 3+len(user)+len(pass))
	out = append(out, Version, byte(len(user)))
	out = append(out, user...)
	out = append(out, byte(len(pass)))
	return append(out, pass...)
}

func truncate(s string) string {
	if len(s) > 255 {
		return s[:255]
	}
	return s
}

func connectRequest(ip net.IP, port int) []byte {
	out := make([]byte, 0, connectReplyLen)
	out = append(out, Version, CommandConnect, 0, AddressIPv4)
	out = append(out, ip.To4()...)
	return binary.BigEndian.AppendUint16(out, uint16(port))
}
