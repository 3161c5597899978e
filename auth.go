package remailer

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrUnexpectedChallenge is returned by a mechanism asked to answer a
// challenge its exchange has no room for.
var ErrUnexpectedChallenge = errors.New("remailer: unexpected SASL challenge")

// SASLMechanism is the client side of one SASL exchange. A mechanism value
// is used for a single AUTH command.
type SASLMechanism interface {
	// Name returns the mechanism name sent after AUTH.
	Name() string
	// Start returns the initial response, or nil when the mechanism waits
	// for a first challenge.
	Start() ([]byte, error)
	// Next answers a decoded 334 challenge.
	Next(challenge []byte) ([]byte, error)
}

// mechanisms lists what SelectMechanism may pick, most preferred first.
var mechanisms = []struct {
	name string
	new  func(username, password string) SASLMechanism
}{
	{"PLAIN", func(u, p string) SASLMechanism { return PlainAuth("", u, p) }},
	{"LOGIN", LoginAuth},
	{"CRAM-MD5", CramMD5Auth},
}

// SelectMechanism returns a mechanism for the first of PLAIN, LOGIN and
// CRAM-MD5 found among the advertised names, compared case-insensitively.
// It returns nil when none is advertised.
func SelectMechanism(advertised []string, username, password string) SASLMechanism {
	for _, m := range mechanisms {
		for _, name := range advertised {
			if strings.EqualFold(name, m.name) {
				return m.new(username, password)
			}
		}
	}
	return nil
}

// PlainAuth implements SASL PLAIN (RFC 4616). The whole exchange fits in
// the initial response; identity is normally empty.
func PlainAuth(identity, username, password string) SASLMechanism {
	return plain{identity, username, password}
}

type plain struct{ identity, username, password string }

func (plain) Name() string { return "PLAIN" }

func (a plain) Start() ([]byte, error) {
	return []byte(a.identity + "\x00" + a.username + "\x00" + a.password), nil
}

func (plain) Next([]byte) ([]byte, error) {
	return nil, fmt.Errorf("%w: PLAIN", ErrUnexpectedChallenge)
}

// LoginAuth implements the LOGIN mechanism: the username answers the first
// challenge and the password the second, whatever their prompt text.
func LoginAuth(username, password string) SASLMechanism {
	return &login{answers: []string{username, password}}
}

type login struct {
	answers []string
}

func (*login) Name() string { return "LOGIN" }

func (*login) Start() ([]byte, error) { return nil, nil }

func (a *login) Next([]byte) ([]byte, error) {
	if len(a.answers) == 0 {
		return nil, fmt.Errorf("%w: LOGIN after password", ErrUnexpectedChallenge)
	}
	next := a.answers[0]
	a.answers = a.answers[1:]
	return []byte(next), nil
}

// CramMD5Auth implements SASL CRAM-MD5 (RFC 2195).
func CramMD5Auth(username, secret string) SASLMechanism {
	return &cramMD5{username: username, secret: secret}
}

type cramMD5 struct {
	username, secret string
	answered         bool
}

func (*cramMD5) Name() string { return "CRAM-MD5" }

func (*cramMD5) Start() ([]byte, error) { return nil, nil }

func (a *cramMD5) Next(challenge []byte) ([]byte, error) {
	if a.answered {
		return nil, fmt.Errorf("%w: CRAM-MD5", ErrUnexpectedChallenge)
	}
	a.answered = true
	mac := hmac.New(md5.New, []byte(a.secret))
	mac.Write(challenge)
	return []byte(a.username + " " + hex.EncodeToString(mac.Sum(nil))), nil
}
