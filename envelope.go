package remailer

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrInvalidAddress is wrapped by every envelope address parse failure.
var ErrInvalidAddress = errors.New("remailer: invalid address")

// Address is an envelope mailbox, local-part@domain (RFC 5321 §4.1.2).
type Address struct {
	Local  string
	Domain string
}

// String returns the address as "local-part@domain".
func (a Address) String() string {
	if a.Local == "" && a.Domain == "" {
		return ""
	}
	return a.Local + "@" + a.Domain
}

// ParseAddress parses a bare envelope address. Angle brackets are added on
// the wire and must not be part of s.
func ParseAddress(s string) (Address, error) {
	if s == "" {
		return Address{}, invalid("empty address")
	}
	at := strings.LastIndexByte(s, '@')
	switch {
	case at < 0:
		return Address{}, invalid("missing @")
	case at == 0:
		return Address{}, invalid("empty local-part")
	case at == len(s)-1:
		return Address{}, invalid("empty domain")
	}

	a := Address{Local: s[:at], Domain: s[at+1:]}
	if err := checkLocal(a.Local); err != nil {
		return Address{}, err
	}
	if err := checkDomain(a.Domain); err != nil {
		return Address{}, err
	}
	return a, nil
}

// Validate checks the envelope before the message is queued. An empty From
// is the null reverse-path and is allowed. The returned error is an
// *SMTPError carrying a 553 reply.
func (m *Message) Validate() error {
	if m.From != "" {
		if _, err := ParseAddress(m.From); err != nil {
			return Errorf(ReplyMailboxNameInvalid, EnhancedCodeBadSenderSyntax, "Bad sender address %q: %v", m.From, err)
		}
	}
	if _, err := ParseAddress(m.To); err != nil {
		return Errorf(ReplyMailboxNameInvalid, EnhancedCodeBadDestSyntax, "Bad recipient address %q: %v", m.To, err)
	}
	return nil
}

func invalid(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidAddress, reason)
}

func checkLocal(local string) error {
	if len(local) > 64 { // RFC 5321 §4.5.3.1.1
		return invalid("local-part too long")
	}
	if len(local) >= 2 && local[0] == '"' && local[len(local)-1] == '"' {
		return checkQuoted(local[1 : len(local)-1])
	}
	if local[0] == '.' || local[len(local)-1] == '.' {
		return invalid("local-part cannot start or end with a dot")
	}
	if strings.Contains(local, "..") {
		return invalid("consecutive dots in local-part")
	}
	for _, r := range local {
		if r != '.' && !isAtext(r) {
			return invalid(fmt.Sprintf("character %q not allowed in local-part", r))
		}
	}
	return nil
}

func isAtext(r rune) bool {
	if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
		return true
	}
	return strings.ContainsRune("!#$%&'*+-/=?^_`{|}~", r)
}

// checkQuoted rejects control characters too, since the address ends up
// inside a command line.
func checkQuoted(s string) error {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c < 0x20 || c == 0x7f:
			return invalid("control character in quoted local-part")
		case c == '\\':
			i++
			if i >= len(s) || s[i] < 0x20 {
				return invalid("bad escape in quoted local-part")
			}
		case c == '"':
			return invalid("unescaped quote in quoted local-part")
		}
	}
	return nil
}

func checkDomain(domain string) error {
	if len(domain) > 255 { // RFC 5321 §4.5.3.1.2
		return invalid("domain too long")
	}
	if domain[0] == '[' {
		if domain[len(domain)-1] != ']' {
			return invalid("unclosed address literal")
		}
		if strings.ContainsAny(domain, " \r\n<>") {
			return invalid("bad address literal")
		}
		return nil
	}
	if !utf8.ValidString(domain) {
		return invalid("domain is not valid UTF-8")
	}
	for _, label := range strings.Split(domain, ".") {
		switch {
		case label == "":
			return invalid("empty label in domain")
		case len(label) > 63:
			return invalid("domain label too long")
		case label[0] == '-' || label[len(label)-1] == '-':
			return invalid("domain label cannot start or end with a hyphen")
		}
		for _, r := range label {
			// Non-ASCII labels are allowed for SMTPUTF8 (RFC 6531).
			if r != '-' && r < 128 && !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
				return invalid(fmt.Sprintf("character %q not allowed in domain", r))
			}
		}
	}
	return nil
}
