package smtpclient

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/alexisbouchez/remailer"
	"github.com/alexisbouchez/remailer/fsm"
)

// Label identifies the protocol in notifications and diagnostics.
const Label = "SMTP"

// States of the SMTP client machine, in addition to fsm.Initialized and
// fsm.Terminated.
const (
	StateHelo            fsm.State = "helo"
	StateEhlo            fsm.State = "ehlo"
	StateStartTLS        fsm.State = "starttls"
	StateAuth            fsm.State = "auth"
	StateAuthUsername    fsm.State = "auth_username"
	StateAuthPassword    fsm.State = "auth_password"
	StateAuthAcknowledge fsm.State = "auth_acknowledge"
	StateEstablished     fsm.State = "established"
	StateReady           fsm.State = "ready"
	StateSend            fsm.State = "send"
	StateMailFrom        fsm.State = "mail_from"
	StateReHelo          fsm.State = "re_helo"
	StateRcptTo          fsm.State = "rcpt_to"
	StateData            fsm.State = "data"
	StateSending         fsm.State = "sending"
	StateSent            fsm.State = "sent"
	StateQuit            fsm.State = "quit"
	StateReset           fsm.State = "reset"
	StateNoop            fsm.State = "noop"
)

var (
	// ErrTLSUnavailable is recorded when TLS is required but the server does
	// not offer STARTTLS.
	ErrTLSUnavailable = errors.New("smtpclient: server does not offer STARTTLS")

	// ErrNoMechanism is recorded when credentials are configured but none of
	// the advertised SASL mechanisms is supported.
	ErrNoMechanism = errors.New("smtpclient: no supported authentication mechanism")
)

var (
	esmtpRE      = regexp.MustCompile(`\bESMTP\b`)
	staleRE      = regexp.MustCompile(`5\.5\.1`)
	errNoMessage = "delegate has no active message"
)

// Session is the per-connection state the SMTP machine works on.
type Session struct {
	d    Delegate
	tls  bool
	mech remailer.SASLMechanism

	// replay is set while a stale session is re-authenticated; the session
	// was already announced and the active message resumes at MAIL FROM.
	replay bool
}

// Delegate returns the connection the session reports to.
func (s *Session) Delegate() Delegate { return s.d }

// TLS reports whether the channel was upgraded with STARTTLS.
func (s *Session) TLS() bool { return s.tls }

// Machine is an SMTP client interpreter.
type Machine = fsm.Machine[*Session]

// New starts an SMTP client interpreter for d. It waits for the greeting.
func New(d Delegate, opts ...fsm.Option) *Machine {
	return fsm.New(Definition, &Session{d: d}, opts...)
}

// RequestQuit ends an idle session politely. It reports false when the
// session is busy or not yet established.
func RequestQuit(m *Machine) bool {
	if m.State() != StateReady {
		return false
	}
	m.EnterState(StateQuit)
	return true
}

// RequestNoop sends a NOOP keepalive on an idle session.
func RequestNoop(m *Machine) bool {
	if m.State() != StateReady {
		return false
	}
	m.EnterState(StateNoop)
	return true
}

// Definition is the SMTP client state table.
var Definition = fsm.MustDefine(Label, func(b *fsm.Builder[*Session]) {
	b.Parse(fsm.ParseRaw(parseReply))

	b.State(fsm.Initialized, func(s *fsm.StateBuilder[*Session]) {
		s.Enter(func(m *Machine) { m.Context().tls = false })

		s.OnLine(fsm.Code(220), func(m *Machine, tok fsm.Token) {
			caps := m.Context().d.Capabilities()
			if caps.Remote == "" {
				if f := strings.Fields(tok.Text); len(f) > 0 {
					caps.Remote = f[0]
				}
			}
			if esmtpRE.MatchString(tok.Text) {
				caps.Protocol = remailer.ProtocolESMTP
			}
			if !tok.Continues {
				m.EnterState(greetingState(caps))
			}
		})

		s.OnLine(fsm.Code(421), func(m *Machine, tok fsm.Token) {
			text, done := m.Collect(tok)
			if !done {
				return
			}
			d := m.Context().d
			d.ConnectNotification(false, "Connection timed out")
			d.DebugNotification("error", fmt.Sprintf("[%s] 421 %s", m.State(), text))
			d.ErrorNotification("421", text)
			m.Fail(remailer.ReplyError(421, text))
		})
	})

	b.State(StateHelo, func(s *fsm.StateBuilder[*Session]) {
		s.Enter(func(m *Machine) {
			d := m.Context().d
			d.SendLine("HELO " + d.Hostname())

			// HELO advertises nothing; PLAIN is the only mechanism worth trying.
			caps := d.Capabilities()
			caps.ResetExtensions()
			caps.AuthMechanisms = []string{"PLAIN"}
		})

		s.OnReply(fsm.Code(250), func(m *Machine, tok fsm.Token) { negotiate(m) })
	})

	b.State(StateEhlo, func(s *fsm.StateBuilder[*Session]) {
		s.Enter(func(m *Machine) {
			d := m.Context().d
			d.Capabilities().ResetExtensions()
			d.SendLine("EHLO " + d.Hostname())
		})

		s.OnLine(fsm.Code(250), func(m *Machine, tok fsm.Token) {
			m.Context().d.Capabilities().Record(tok.Text)
			if !tok.Continues {
				negotiate(m)
			}
		})

		// RFC 1869: fall back to HELO when EHLO is refused.
		s.OnReply(fsm.Range(500, 599), func(m *Machine, tok fsm.Token) {
			m.Context().d.Capabilities().Protocol = remailer.ProtocolSMTP
			m.EnterState(StateHelo)
		})
	})

	b.State(StateStartTLS, func(s *fsm.StateBuilder[*Session]) {
		s.Enter(func(m *Machine) { m.Context().d.SendLine("STARTTLS") })

		s.OnReply(fsm.Code(220), func(m *Machine, tok fsm.Token) {
			sess := m.Context()
			if err := sess.d.StartTLS(); err != nil {
				sess.d.DebugNotification("error", fmt.Sprintf("[%s] %v", m.State(), err))
				sess.d.ErrorNotification("tls", err.Error())
				sess.d.ConnectNotification(false, "TLS negotiation failed: "+err.Error())
				m.Fail(fmt.Errorf("smtpclient: starttls: %w", err))
				return
			}
			sess.tls = true
			m.EnterState(greetingState(sess.d.Capabilities()))
		})
	})

	b.State(StateAuth, func(s *fsm.StateBuilder[*Session]) {
		s.Enter(startAuth)
		s.OnReply(fsm.Code(235), established)
	})

	b.State(StateAuthUsername, func(s *fsm.StateBuilder[*Session]) {
		s.OnReply(fsm.Code(334), func(m *Machine, tok fsm.Token) {
			if respond(m, tok) {
				m.EnterState(StateAuthPassword)
			}
		})
	})

	b.State(StateAuthPassword, func(s *fsm.StateBuilder[*Session]) {
		s.OnReply(fsm.Code(334), func(m *Machine, tok fsm.Token) {
			if respond(m, tok) {
				m.EnterState(StateAuthAcknowledge)
			}
		})
		s.OnReply(fsm.Code(235), established)
	})

	b.State(StateAuthAcknowledge, func(s *fsm.StateBuilder[*Session]) {
		s.OnReply(fsm.Code(235), established)
	})

	for _, st := range []fsm.State{StateAuth, StateAuthUsername, StateAuthPassword, StateAuthAcknowledge} {
		b.State(st, func(s *fsm.StateBuilder[*Session]) {
			s.OnLine(fsm.Code(535), authFailed)
		})
	}

	b.State(StateEstablished, func(s *fsm.StateBuilder[*Session]) {
		s.Enter(func(m *Machine) {
			d := m.Context().d
			d.ConnectNotification(true, d.Capabilities().Remote)
			m.EnterState(StateReady)
		})
	})

	b.State(StateReady, func(s *fsm.StateBuilder[*Session]) {
		s.Enter(func(m *Machine) { m.Context().d.Ready() })

		// Often a server-side idle timeout announcement rather than an error.
		s.OnLine(fsm.Range(400, 499), func(*Machine, fsm.Token) {})
	})

	b.State(StateSend, func(s *fsm.StateBuilder[*Session]) {
		s.Enter(func(m *Machine) { m.EnterState(StateMailFrom) })
	})

	b.State(StateMailFrom, func(s *fsm.StateBuilder[*Session]) {
		s.Enter(func(m *Machine) {
			d := m.Context().d
			msg := d.ActiveMessage()
			if msg == nil {
				d.DebugNotification("error", fmt.Sprintf("[%s] %s", m.State(), errNoMessage))
				m.EnterState(StateReset)
				return
			}
			if limit := d.Capabilities().MaxSize; limit > 0 && !msg.Test && int64(len(msg.Data)) > limit {
				text := fmt.Sprintf("%s Message size %d exceeds fixed maximum message size %d",
					remailer.EnhancedCodeMsgTooLarge, len(msg.Data), limit)
				d.MessageSent(remailer.ReplyResult(int(remailer.ReplyExceededStorage), text))
				m.EnterState(StateReady)
				return
			}
			d.SendLine("MAIL FROM:<" + msg.From + ">")
		})

		s.OnReply(fsm.Code(250), func(m *Machine, tok fsm.Token) { m.EnterState(StateRcptTo) })

		// A stale session (the server forgot our HELO) answers 503 5.5.1.
		s.OnReply(fsm.Code(503), func(m *Machine, tok fsm.Token) {
			if staleRE.MatchString(tok.Text) {
				m.EnterState(StateReHelo)
				return
			}
			recoverFrom(m, tok.Code, tok.Text)
		})
	})

	b.State(StateReHelo, func(s *fsm.StateBuilder[*Session]) {
		s.Enter(func(m *Machine) {
			d := m.Context().d
			d.SendLine("HELO " + d.Hostname())
		})

		rehelo := func(m *Machine, tok fsm.Token) {
			sess := m.Context()
			if user, _ := sess.d.Credentials(); user != "" {
				sess.replay = true
				m.EnterState(StateAuth)
				return
			}
			resume(m)
		}
		s.OnReply(fsm.Code(250), rehelo)
		s.OnReply(fsm.Code(220), rehelo)
	})

	b.State(StateRcptTo, func(s *fsm.StateBuilder[*Session]) {
		s.Enter(func(m *Machine) {
			d := m.Context().d
			msg := d.ActiveMessage()
			if msg == nil {
				d.DebugNotification("error", fmt.Sprintf("[%s] %s", m.State(), errNoMessage))
				m.EnterState(StateReset)
				return
			}
			d.SendLine("RCPT TO:<" + msg.To + ">")
		})

		s.OnLine(fsm.Code(250), func(m *Machine, tok fsm.Token) {
			text, done := m.Collect(tok)
			if !done {
				return
			}
			d := m.Context().d
			if msg := d.ActiveMessage(); msg != nil && msg.Test {
				d.MessageSent(remailer.ReplyResult(tok.Code, text))
				m.EnterState(StateReset)
				return
			}
			m.EnterState(StateData)
		})

		// A refused recipient fails this message only.
		s.OnLine(fsm.Range(500, 599), func(m *Machine, tok fsm.Token) {
			text, done := m.Collect(tok)
			if !done {
				return
			}
			m.Context().d.MessageSent(remailer.ReplyResult(tok.Code, text))
			m.EnterState(StateReset)
		})
	})

	b.State(StateData, func(s *fsm.StateBuilder[*Session]) {
		s.Enter(func(m *Machine) { m.Context().d.SendLine("DATA") })
		s.OnReply(fsm.Code(354), func(m *Machine, tok fsm.Token) { m.EnterState(StateSending) })
	})

	b.State(StateSending, func(s *fsm.StateBuilder[*Session]) {
		s.Enter(func(m *Machine) {
			d := m.Context().d
			msg := d.ActiveMessage()
			if msg == nil {
				d.DebugNotification("error", fmt.Sprintf("[%s] %s", m.State(), errNoMessage))
				m.EnterState(StateReset)
				return
			}
			d.DebugNotification("send", strconv.Quote(string(msg.Data)))
			d.SendData(EncodeData(msg.Data))
			// The terminator must sit on a line of its own.
			d.SendLine("")
			d.SendLine(".")
		})

		s.Default(func(m *Machine, tok fsm.Token) {
			text, done := m.Collect(tok)
			if !done {
				return
			}
			m.Context().d.MessageSent(remailer.ReplyResult(tok.Code, text))
			m.EnterState(StateSent)
		})
	})

	b.State(StateSent, func(s *fsm.StateBuilder[*Session]) {
		s.Enter(func(m *Machine) { m.EnterState(StateReady) })
	})

	b.State(StateQuit, func(s *fsm.StateBuilder[*Session]) {
		s.Enter(func(m *Machine) { m.Context().d.SendLine("QUIT") })

		terminate := func(m *Machine, tok fsm.Token) { m.EnterState(fsm.Terminated) }
		s.OnReply(fsm.Code(221), terminate)
		// "502 5.5.2 Error: command not recognized"
		s.OnReply(fsm.Code(502), terminate)
	})

	b.State(fsm.Terminated, func(s *fsm.StateBuilder[*Session]) {
		s.Enter(func(m *Machine) { m.Context().d.CloseConnection() })
	})

	b.State(StateReset, func(s *fsm.StateBuilder[*Session]) {
		s.Enter(func(m *Machine) { m.Context().d.SendLine("RSET") })
		s.OnReply(fsm.Code(250), func(m *Machine, tok fsm.Token) { m.EnterState(StateReady) })
	})

	b.State(StateNoop, func(s *fsm.StateBuilder[*Session]) {
		s.Enter(func(m *Machine) { m.Context().d.SendLine("NOOP") })
		s.OnReply(fsm.Code(250), func(m *Machine, tok fsm.Token) { m.EnterState(StateReady) })
	})

	b.OnError(func(m *Machine, tok fsm.Token) {
		text, done := m.Collect(tok)
		if !done {
			return
		}
		recoverFrom(m, tok.Code, text)
	})
})

func greetingState(caps *remailer.Capabilities) fsm.State {
	if caps.Protocol == remailer.ProtocolESMTP {
		return StateEhlo
	}
	return StateHelo
}

// negotiate picks the step after a successful EHLO or HELO:
// STARTTLS, then AUTH, then the established session.
func negotiate(m *Machine) {
	sess := m.Context()
	d := sess.d
	caps := d.Capabilities()
	user, _ := d.Credentials()

	switch {
	case (d.UseTLS() || d.RequireTLS()) && caps.TLS && !sess.tls:
		m.EnterState(StateStartTLS)
	case d.RequireTLS() && !sess.tls:
		d.DebugNotification("error", fmt.Sprintf("[%s] %v", m.State(), ErrTLSUnavailable))
		d.ErrorNotification("tls", ErrTLSUnavailable.Error())
		d.ConnectNotification(false, ErrTLSUnavailable.Error())
		m.SetError(ErrTLSUnavailable)
		m.EnterState(StateQuit)
	case user != "":
		m.EnterState(StateAuth)
	default:
		m.EnterState(StateEstablished)
	}
}

func startAuth(m *Machine) {
	sess := m.Context()
	d := sess.d
	user, pass := d.Credentials()

	sess.mech = remailer.SelectMechanism(d.Capabilities().AuthMechanisms, user, pass)
	if sess.mech == nil {
		d.DebugNotification("error", fmt.Sprintf("[%s] %v", m.State(), ErrNoMechanism))
		d.ErrorNotification("auth", ErrNoMechanism.Error())
		m.SetError(ErrNoMechanism)
		m.EnterState(StateQuit)
		return
	}

	if sess.mech.Name() == "PLAIN" {
		d.SendLine("AUTH PLAIN " + EncodeAuthentication(user, pass))
		return
	}
	d.SendLine("AUTH " + sess.mech.Name())
	m.EnterState(StateAuthUsername)
}

// respond answers a 334 challenge with the mechanism's next response.
func respond(m *Machine, tok fsm.Token) bool {
	sess := m.Context()
	challenge, err := base64.StdEncoding.DecodeString(strings.TrimSpace(tok.Text))
	if err == nil && sess.mech != nil {
		var resp []byte
		if resp, err = sess.mech.Next(challenge); err == nil {
			sess.d.SendLine(encode64(resp))
			return true
		}
	}
	if err == nil {
		err = ErrNoMechanism
	}
	sess.d.DebugNotification("error", fmt.Sprintf("[%s] %v", m.State(), err))
	sess.d.ErrorNotification("auth", err.Error())
	m.SetError(fmt.Errorf("smtpclient: auth: %w", err))
	// Cancel the exchange (RFC 4954 §4) and leave.
	sess.d.SendLine("*")
	m.EnterState(StateQuit)
	return false
}

func established(m *Machine, tok fsm.Token) {
	if sess := m.Context(); sess.replay {
		sess.replay = false
		resume(m)
		return
	}
	m.EnterState(StateEstablished)
}

// resume continues after a HELO replay without announcing the session again.
func resume(m *Machine) {
	if m.Context().d.ActiveMessage() != nil {
		m.EnterState(StateMailFrom)
		return
	}
	m.EnterState(StateReady)
}

func authFailed(m *Machine, tok fsm.Token) {
	text, done := m.Collect(tok)
	if !done {
		return
	}
	d := m.Context().d
	m.SetError(remailer.ReplyError(tok.Code, text))
	d.DebugNotification("error", fmt.Sprintf("[%s] %d %s", m.State(), tok.Code, text))
	d.ErrorNotification(strconv.Itoa(tok.Code), text)
	m.EnterState(StateQuit)
}

// recoverFrom fails the active message with an unexpected reply and resets
// the session. Before the greeting, and while quitting, there is nothing to
// recover.
func recoverFrom(m *Machine, code int, text string) {
	d := m.Context().d
	d.MessageSent(remailer.ReplyResult(code, text))
	d.DebugNotification("error", fmt.Sprintf("[%s] %d %s", m.State(), code, text))
	d.ErrorNotification(strconv.Itoa(code), text)

	switch m.State() {
	case fsm.Initialized, StateQuit:
		m.Fail(remailer.ReplyError(code, text))
	case StateReset:
		m.EnterState(StateQuit)
	default:
		m.EnterState(StateReset)
	}
}
