package remailer

import (
	"strconv"
	"strings"
)

// Protocol identifies the dialect negotiated with the server.
type Protocol string

const (
	ProtocolSMTP  Protocol = "smtp"
	ProtocolESMTP Protocol = "esmtp"
)

// Extension represents an SMTP service extension keyword (RFC 5321 §2.2).
type Extension string

// Extension keywords the client acts on. Anything else advertised in an EHLO
// reply is ignored.
const (
	ExtSTARTTLS   Extension = "STARTTLS"
	ExtAUTH       Extension = "AUTH"
	ExtSIZE       Extension = "SIZE"
	ExtPIPELINING Extension = "PIPELINING"
)

// Capabilities is what the connection learned about the server during the
// greeting and EHLO exchange.
type Capabilities struct {
	Remote   string
	Protocol Protocol

	MaxSize        int64
	Pipelining     bool
	TLS            bool
	AuthMechanisms []string
}

// Record classifies a single EHLO reply line by its leading keyword,
// case-insensitively, and stores what it advertises. Unknown keywords and
// the greeting line are ignored. It reports whether the line was recognised.
func (c *Capabilities) Record(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	switch Extension(strings.ToUpper(fields[0])) {
	case ExtSIZE:
		if len(fields) > 1 {
			c.MaxSize, _ = strconv.ParseInt(fields[1], 10, 64)
		}
	case ExtPIPELINING:
		c.Pipelining = true
	case ExtSTARTTLS:
		c.TLS = true
	case ExtAUTH:
		c.AuthMechanisms = c.AuthMechanisms[:0]
		for _, m := range fields[1:] {
			c.AuthMechanisms = append(c.AuthMechanisms, strings.ToUpper(m))
		}
	default:
		return false
	}
	return true
}

// ResetExtensions forgets everything learned from EHLO, keeping the remote
// name and protocol. Used before renegotiating after a TLS upgrade.
func (c *Capabilities) ResetExtensions() {
	c.MaxSize = 0
	c.Pipelining = false
	c.TLS = false
	c.AuthMechanisms = nil
}

// SupportsAuth reports whether the named SASL mechanism was advertised.
func (c *Capabilities) SupportsAuth(mech string) bool {
	for _, m := range c.AuthMechanisms {
		if strings.EqualFold(m, mech) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c Capabilities) Clone() Capabilities {
	c.AuthMechanisms = append([]string(nil), c.AuthMechanisms...)
	return c
}
